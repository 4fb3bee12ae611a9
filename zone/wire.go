package zone

import (
	"encoding/binary"
	"errors"
)

var errShort = errors.New("zone: payload too short")

func putLE32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putLE64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func le32(b []byte) uint32       { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func encodeCreateReq(zoneID, size uint32, policy AccessPolicy, mode NotifyMode) []byte {
	buf := make([]byte, 10)
	putLE32(buf[0:4], zoneID)
	putLE32(buf[4:8], size)
	buf[8] = byte(policy)
	buf[9] = byte(mode)
	return buf
}

func decodeCreateReq(buf []byte) (zoneID, size uint32, policy AccessPolicy, mode NotifyMode, err error) {
	if len(buf) < 10 {
		return 0, 0, 0, 0, errShort
	}
	return le32(buf[0:4]), le32(buf[4:8]), AccessPolicy(buf[8]), NotifyMode(buf[9]), nil
}

func encodeCreateAck(zoneID uint32, ok bool, phys uint64, rkey uint32, backing backingKind) []byte {
	buf := make([]byte, 18)
	putLE32(buf[0:4], zoneID)
	buf[4] = boolByte(ok)
	putLE64(buf[5:13], phys)
	putLE32(buf[13:17], rkey)
	buf[17] = byte(backing)
	return buf
}

func decodeCreateAck(buf []byte) (zoneID uint32, ok bool, phys uint64, rkey uint32, backing backingKind, err error) {
	if len(buf) < 18 {
		return 0, false, 0, 0, 0, errShort
	}
	return le32(buf[0:4]), buf[4] != 0, le64(buf[5:13]), le32(buf[13:17]), backingKind(buf[17]), nil
}

func encodeDestroy(zoneID uint32) []byte {
	buf := make([]byte, 4)
	putLE32(buf, zoneID)
	return buf
}

func decodeDestroy(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, errShort
	}
	return le32(buf), nil
}

func encodeNotify(zoneID, seq, offset, length uint32, opType uint8, extra []byte) []byte {
	buf := make([]byte, 17+len(extra))
	putLE32(buf[0:4], zoneID)
	putLE32(buf[4:8], seq)
	putLE32(buf[8:12], offset)
	putLE32(buf[12:16], length)
	buf[16] = opType
	copy(buf[17:], extra)
	return buf
}

func decodeNotify(buf []byte) (zoneID, seq, offset, length uint32, opType uint8, extra []byte, err error) {
	if len(buf) < 17 {
		return 0, 0, 0, 0, 0, nil, errShort
	}
	return le32(buf[0:4]), le32(buf[4:8]), le32(buf[8:12]), le32(buf[12:16]), buf[16], buf[17:], nil
}

func encodeNotifyAck(zoneID, seq uint32) []byte {
	buf := make([]byte, 8)
	putLE32(buf[0:4], zoneID)
	putLE32(buf[4:8], seq)
	return buf
}

func decodeNotifyAck(buf []byte) (zoneID, seq uint32, err error) {
	if len(buf) < 8 {
		return 0, 0, errShort
	}
	return le32(buf[0:4]), le32(buf[4:8]), nil
}

func encodeReadReq(zoneID, seq, offset, length uint32) []byte {
	buf := make([]byte, 16)
	putLE32(buf[0:4], zoneID)
	putLE32(buf[4:8], seq)
	putLE32(buf[8:12], offset)
	putLE32(buf[12:16], length)
	return buf
}

func decodeReadReq(buf []byte) (zoneID, seq, offset, length uint32, err error) {
	if len(buf) < 16 {
		return 0, 0, 0, 0, errShort
	}
	return le32(buf[0:4]), le32(buf[4:8]), le32(buf[8:12]), le32(buf[12:16]), nil
}

func encodeReadResp(zoneID, seq uint32, ok bool, data []byte) []byte {
	buf := make([]byte, 13+len(data))
	putLE32(buf[0:4], zoneID)
	putLE32(buf[4:8], seq)
	buf[8] = boolByte(ok)
	putLE32(buf[9:13], uint32(len(data)))
	copy(buf[13:], data)
	return buf
}

func decodeReadResp(buf []byte) (zoneID, seq uint32, ok bool, data []byte, err error) {
	if len(buf) < 13 {
		return 0, 0, false, nil, errShort
	}
	n := le32(buf[9:13])
	if len(buf) < 13+int(n) {
		return 0, 0, false, nil, errShort
	}
	return le32(buf[0:4]), le32(buf[4:8]), buf[8] != 0, buf[13 : 13+n], nil
}

// kind distinguishes a plain data chunk from a reedsolomon bulk-transfer
// shard or trailer (spec SPEC_FULL.md domain stack: zone message-path
// striping for payloads over the bulk threshold).
const (
	writeKindPlain byte = iota
	writeKindBulkShard
	writeKindBulkTrailer
)

func encodeWriteReq(zoneID, seq, offset uint32, kind byte, data []byte) []byte {
	buf := make([]byte, 17+len(data))
	putLE32(buf[0:4], zoneID)
	putLE32(buf[4:8], seq)
	putLE32(buf[8:12], offset)
	putLE32(buf[12:16], uint32(len(data)))
	buf[16] = kind
	copy(buf[17:], data)
	return buf
}

func decodeWriteReq(buf []byte) (zoneID, seq, offset uint32, kind byte, data []byte, err error) {
	if len(buf) < 17 {
		return 0, 0, 0, 0, nil, errShort
	}
	n := le32(buf[12:16])
	if len(buf) < 17+int(n) {
		return 0, 0, 0, 0, nil, errShort
	}
	return le32(buf[0:4]), le32(buf[4:8]), le32(buf[8:12]), buf[16], buf[17 : 17+n], nil
}

func encodeWriteAck(zoneID, seq uint32, ok bool) []byte {
	buf := make([]byte, 9)
	putLE32(buf[0:4], zoneID)
	putLE32(buf[4:8], seq)
	buf[8] = boolByte(ok)
	return buf
}

func decodeWriteAck(buf []byte) (zoneID, seq uint32, ok bool, err error) {
	if len(buf) < 9 {
		return 0, 0, false, errShort
	}
	return le32(buf[0:4]), le32(buf[4:8]), buf[8] != 0, nil
}
