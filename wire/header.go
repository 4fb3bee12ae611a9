// Package wire implements the WKI wire format (spec §3, §4.A): the fixed
// 32-byte header, the exhaustive message-type/op-id catalog, CRC32 framing,
// and RFC-1982 modular sequence-number arithmetic. Everything here is
// byte-for-byte and endianness-sensitive (little-endian throughout, per
// spec §1's homogeneous-cluster non-goal), so it is deliberately built on
// encoding/binary and hash/crc32 rather than a third-party codec: a 32-byte
// hand-packed struct has no msgpack/protobuf document to generate against,
// and aistore's own wire structs (transport.ObjHdr on the field boundary)
// are hand-packed the same way.
package wire

import (
	"encoding/binary"
	"hash/crc32"
)

const HeaderSize = 32

// Flag bits within the low 4 bits of version_flags.
const (
	FlagACKPresent = 1 << iota
	FlagPriority
	FlagFragment
	// FlagPureACK marks a standalone ACK-only frame carrying no payload of
	// its own (the "bare ACK" spec §4.C emits for latency-class channels).
	// It reuses the sender's current, not-yet-allocated tx_seq as its
	// SeqNum, so the receiver must not run it through the normal
	// in-order/reorder classification -- doing so would advance rx_seq and
	// collide with the next real data frame's seq number.
	FlagPureACK
)

const (
	NodeBroadcast uint16 = 0xFFFF
	NodeReserved  uint16 = 0x0000
)

// Header is the fixed 32-byte WKI frame header, little-endian throughout.
type Header struct {
	Version    uint8
	Flags      uint8
	MsgType    MsgType
	SrcNode    uint16
	DstNode    uint16
	ChannelID  uint8
	SeqNum     uint32
	AckNum     uint32
	PayloadLen uint32
	Credits    uint8
	HopTTL     uint8
	SrcPort    uint16
	DstPort    uint16
	Checksum   uint32
	Reserved   [3]byte
}

func (h *Header) HasACK() bool      { return h.Flags&FlagACKPresent != 0 }
func (h *Header) SetACK(v bool)     { h.setFlag(FlagACKPresent, v) }
func (h *Header) HasPriority() bool { return h.Flags&FlagPriority != 0 }
func (h *Header) HasFragment() bool { return h.Flags&FlagFragment != 0 }
func (h *Header) HasPureACK() bool  { return h.Flags&FlagPureACK != 0 }
func (h *Header) SetPureACK(v bool) { h.setFlag(FlagPureACK, v) }

func (h *Header) setFlag(bit uint8, v bool) {
	if v {
		h.Flags |= bit
	} else {
		h.Flags &^= bit
	}
}

// Encode writes the header to buf (which must be at least HeaderSize
// bytes) and returns the number of bytes written.
func (h *Header) Encode(buf []byte) int {
	_ = buf[HeaderSize-1]
	buf[0] = (h.Version << 4) | (h.Flags & 0x0F)
	buf[1] = uint8(h.MsgType)
	binary.LittleEndian.PutUint16(buf[2:4], h.SrcNode)
	binary.LittleEndian.PutUint16(buf[4:6], h.DstNode)
	buf[6] = h.ChannelID
	binary.LittleEndian.PutUint32(buf[7:11], h.SeqNum)
	binary.LittleEndian.PutUint32(buf[11:15], h.AckNum)
	binary.LittleEndian.PutUint32(buf[15:19], h.PayloadLen)
	buf[19] = h.Credits
	buf[20] = h.HopTTL
	binary.LittleEndian.PutUint16(buf[21:23], h.SrcPort)
	binary.LittleEndian.PutUint16(buf[23:25], h.DstPort)
	binary.LittleEndian.PutUint32(buf[25:29], h.Checksum)
	copy(buf[29:32], h.Reserved[:])
	return HeaderSize
}

// Decode parses a header out of buf (must be at least HeaderSize bytes).
func Decode(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, ErrShortHeader
	}
	h.Version = buf[0] >> 4
	h.Flags = buf[0] & 0x0F
	h.MsgType = MsgType(buf[1])
	h.SrcNode = binary.LittleEndian.Uint16(buf[2:4])
	h.DstNode = binary.LittleEndian.Uint16(buf[4:6])
	h.ChannelID = buf[6]
	h.SeqNum = binary.LittleEndian.Uint32(buf[7:11])
	h.AckNum = binary.LittleEndian.Uint32(buf[11:15])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[15:19])
	h.Credits = buf[19]
	h.HopTTL = buf[20]
	h.SrcPort = binary.LittleEndian.Uint16(buf[21:23])
	h.DstPort = binary.LittleEndian.Uint16(buf[23:25])
	h.Checksum = binary.LittleEndian.Uint32(buf[25:29])
	copy(h.Reserved[:], buf[29:32])
	return h, nil
}

// Frame is an encoded header + payload, ready for transport.Send.
type Frame struct {
	Header  Header
	Payload []byte
}

// Encode serializes the frame, computing the CRC32 over header+payload
// with the checksum field zeroed, unless direct is true and the caller
// opted out of checksumming (spec §4.A: single-hop senders may rely on
// link FCS and set checksum to 0).
func (f *Frame) Encode(skipChecksum bool) []byte {
	out := make([]byte, HeaderSize+len(f.Payload))
	h := f.Header
	h.PayloadLen = uint32(len(f.Payload))
	h.Checksum = 0
	h.Encode(out)
	copy(out[HeaderSize:], f.Payload)
	if !skipChecksum {
		h.Checksum = CRC32(out)
		h.Encode(out)
	}
	return out
}

// DecodeFrame parses a full frame and validates its checksum unless it is
// zero (meaning "disabled", per spec §4.A).
func DecodeFrame(buf []byte) (*Frame, error) {
	h, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	if int(h.PayloadLen) > len(buf)-HeaderSize {
		return nil, ErrTruncated
	}
	payload := buf[HeaderSize : HeaderSize+int(h.PayloadLen)]
	if h.Checksum != 0 {
		want := h.Checksum
		check := make([]byte, len(buf))
		copy(check, buf)
		zeroChecksumField(check)
		if got := CRC32(check[:HeaderSize+int(h.PayloadLen)]); got != want {
			return nil, ErrBadChecksum
		}
	}
	return &Frame{Header: h, Payload: payload}, nil
}

func zeroChecksumField(buf []byte) { buf[25], buf[26], buf[27], buf[28] = 0, 0, 0, 0 }

// CRC32 uses the standard IEEE (0xEDB88320) polynomial table, matching
// wki_crc32 from spec §4.A.
func CRC32(buf []byte) uint32 { return crc32.ChecksumIEEE(buf) }

// CRC32Continue allows a two-segment (header-then-payload) computation
// without concatenating, mirroring crc32_continue(prev, buf, len).
func CRC32Continue(prev uint32, buf []byte) uint32 {
	return crc32.Update(prev, crc32.IEEETable, buf)
}
