package eventbus

import (
	"encoding/binary"
	"errors"
)

var errShortPayload = errors.New("eventbus: payload too short")

// encodeSub/decodeSub: class(2) id(2) mode(1)
func encodeSub(class, id uint16, mode DeliveryMode) []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint16(buf[0:2], class)
	binary.LittleEndian.PutUint16(buf[2:4], id)
	buf[4] = byte(mode)
	return buf
}

func decodeSub(buf []byte) (class, id uint16, mode DeliveryMode, err error) {
	if len(buf) < 5 {
		return 0, 0, 0, errShortPayload
	}
	class = binary.LittleEndian.Uint16(buf[0:2])
	id = binary.LittleEndian.Uint16(buf[2:4])
	mode = DeliveryMode(buf[4])
	return class, id, mode, nil
}

// encodeEvent/decodeEvent: class(2) id(2) origin(2) timestamp(8) data_len(4) data
func encodeEvent(ev Event) []byte {
	buf := make([]byte, 18+len(ev.Data))
	binary.LittleEndian.PutUint16(buf[0:2], ev.Class)
	binary.LittleEndian.PutUint16(buf[2:4], ev.ID)
	binary.LittleEndian.PutUint16(buf[4:6], ev.Origin)
	binary.LittleEndian.PutUint64(buf[6:14], uint64(ev.Timestamp))
	binary.LittleEndian.PutUint32(buf[14:18], uint32(len(ev.Data)))
	copy(buf[18:], ev.Data)
	return buf
}

func decodeEvent(buf []byte) (Event, error) {
	if len(buf) < 18 {
		return Event{}, errShortPayload
	}
	class := binary.LittleEndian.Uint16(buf[0:2])
	id := binary.LittleEndian.Uint16(buf[2:4])
	origin := binary.LittleEndian.Uint16(buf[4:6])
	ts := int64(binary.LittleEndian.Uint64(buf[6:14]))
	n := binary.LittleEndian.Uint32(buf[14:18])
	if len(buf) < 18+int(n) {
		return Event{}, errShortPayload
	}
	data := make([]byte, n)
	copy(data, buf[18:18+n])
	return Event{Class: class, ID: id, Origin: origin, Timestamp: ts, Data: data}, nil
}

// encodeAck/decodeAck: class(2) id(2) origin(2)
func encodeAck(class, id, origin uint16) []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint16(buf[0:2], class)
	binary.LittleEndian.PutUint16(buf[2:4], id)
	binary.LittleEndian.PutUint16(buf[4:6], origin)
	return buf
}

func decodeAck(buf []byte) (class, id, origin uint16, err error) {
	if len(buf) < 6 {
		return 0, 0, 0, errShortPayload
	}
	class = binary.LittleEndian.Uint16(buf[0:2])
	id = binary.LittleEndian.Uint16(buf[2:4])
	origin = binary.LittleEndian.Uint16(buf[4:6])
	return class, id, origin, nil
}
