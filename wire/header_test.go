package wire

import (
	"bytes"
	"testing"

	"github.com/Pascu-Victor/wki/internal/tassert"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Version: 1, Flags: FlagACKPresent | FlagPriority,
		MsgType: MsgHeartbeat, SrcNode: 0x1234, DstNode: 0x5678,
		ChannelID: 2, SeqNum: 42, AckNum: 41, PayloadLen: 4,
		Credits: 200, HopTTL: 8, SrcPort: 10, DstPort: 20,
	}
	buf := make([]byte, HeaderSize)
	n := h.Encode(buf)
	tassert.Fatalf(t, n == HeaderSize, "encode returned %d", n)

	got, err := Decode(buf)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, got == h, "round trip mismatch: %+v vs %+v", got, h)
}

func TestFrameEncodeDecodeChecksummed(t *testing.T) {
	f := &Frame{
		Header:  Header{MsgType: MsgHello, SrcNode: 1, DstNode: 2, HopTTL: 8},
		Payload: []byte("hello-payload"),
	}
	enc := f.Encode(false)
	got, err := DecodeFrame(enc)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, got.Header.Checksum != 0, "expected non-zero checksum")
	tassert.Fatalf(t, bytes.Equal(got.Payload, f.Payload), "payload mismatch")

	// corrupting a payload byte must now fail checksum validation.
	enc[len(enc)-1] ^= 0xFF
	_, err = DecodeFrame(enc)
	tassert.Fatalf(t, err == ErrBadChecksum, "expected checksum error, got %v", err)
}

func TestFrameEncodeDecodeDirectSkipsChecksum(t *testing.T) {
	f := &Frame{Header: Header{MsgType: MsgHeartbeat}, Payload: []byte("x")}
	enc := f.Encode(true)
	got, err := DecodeFrame(enc)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, got.Header.Checksum == 0, "expected disabled checksum")
}

func TestPureACKFlagRoundTrips(t *testing.T) {
	var h Header
	h.SetACK(true)
	h.SetPureACK(true)
	tassert.Fatalf(t, h.HasACK() && h.HasPureACK(), "expected both flags set")

	buf := make([]byte, HeaderSize)
	h.Encode(buf)
	got, err := Decode(buf)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, got.HasACK() && got.HasPureACK(), "flags lost across encode/decode")

	h.SetPureACK(false)
	tassert.Fatalf(t, h.HasACK() && !h.HasPureACK(), "clearing pure-ack must not clear ack-present")
}

func TestSeqModularArithmetic(t *testing.T) {
	tassert.Fatalf(t, Before(5, 10), "5 should be before 10")
	tassert.Fatalf(t, !Before(10, 5), "10 should not be before 5")

	// wraparound: a seq just below 2^32 is "before" a seq just above it.
	var a uint32 = 0xFFFFFFF0
	var b uint32 = 5
	tassert.Fatalf(t, Before(a, b), "wraparound: %d should be before %d", a, b)
	tassert.Fatalf(t, InWindow(a, a, b+1), "a should be in its own window")
}

func TestMsgTypeString(t *testing.T) {
	tassert.Fatalf(t, MsgHello.String() == "HELLO", "got %s", MsgHello)
	tassert.Fatalf(t, MsgType(0xEE).String() == "UNKNOWN", "got %s", MsgType(0xEE))
}
