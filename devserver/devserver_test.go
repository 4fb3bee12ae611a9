package devserver

import (
	"testing"

	"github.com/Pascu-Victor/wki/channel"
	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/internal/tassert"
	"github.com/Pascu-Victor/wki/internal/werrs"
	"github.com/Pascu-Victor/wki/wire"
)

type fakeBacking struct {
	remotable bool
	attached  []uint16
}

func (b *fakeBacking) CanRemote() bool { return b.remotable }
func (b *fakeBacking) OnRemoteAttach(consumer uint16) error {
	b.attached = append(b.attached, consumer)
	return nil
}
func (b *fakeBacking) OnRemoteDetach(uint16) {}
func (b *fakeBacking) Dispatch(op wire.OpID, req []byte) ([]byte, uint8, error) {
	if op == wire.OpBlockInfo {
		return []byte("info"), 0, nil
	}
	return nil, 0, werrs.ErrNotFound
}
func (b *fakeBacking) MaxOpSize() int { return 4096 }

func TestAttachNotFound(t *testing.T) {
	s := NewServer(config.Default(), func(wire.ResourceType, uint32) (Backing, bool) { return nil, false },
		nil, nil, nil)
	ack := s.HandleAttach(2, AttachReq{ResourceType: wire.ResourceBlock, ResourceID: 5})
	tassert.Fatalf(t, ack.Status == StatusNotFound, "expected NotFound, got %v", ack.Status)
}

func TestAttachNotRemotable(t *testing.T) {
	backing := &fakeBacking{remotable: false}
	s := NewServer(config.Default(), func(wire.ResourceType, uint32) (Backing, bool) { return backing, true },
		nil, nil, nil)
	ack := s.HandleAttach(2, AttachReq{ResourceType: wire.ResourceBlock, ResourceID: 5})
	tassert.Fatalf(t, ack.Status == StatusNotRemotable, "expected NotRemotable, got %v", ack.Status)
}

func TestAttachOkAssignsChannelAndCallsHook(t *testing.T) {
	backing := &fakeBacking{remotable: true}
	var openedConsumer uint16
	var openedChan uint8
	s := NewServer(config.Default(),
		func(wire.ResourceType, uint32) (Backing, bool) { return backing, true },
		func(uint16) (uint8, bool) { return 16, true },
		func(consumer uint16, chID uint8, _ channel.Dispatch) *channel.Channel {
			openedConsumer, openedChan = consumer, chID
			return nil
		},
		func(uint16) bool { return true })

	ack := s.HandleAttach(7, AttachReq{ResourceType: wire.ResourceBlock, ResourceID: 5})
	tassert.Fatalf(t, ack.Status == StatusOK, "expected Ok, got %v", ack.Status)
	tassert.Fatalf(t, ack.ChannelID == 16, "expected channel 16, got %d", ack.ChannelID)
	tassert.Fatalf(t, len(backing.attached) == 1 && backing.attached[0] == 7, "expected OnRemoteAttach(7) called")
	tassert.Fatalf(t, openedConsumer == 7 && openedChan == 16, "expected channel opened for (7,16)")
}

func TestAttachBusyWhenChannelPoolExhausted(t *testing.T) {
	backing := &fakeBacking{remotable: true}
	s := NewServer(config.Default(), func(wire.ResourceType, uint32) (Backing, bool) { return backing, true },
		func(uint16) (uint8, bool) { return 0, false }, nil, nil)
	ack := s.HandleAttach(7, AttachReq{ResourceType: wire.ResourceBlock, ResourceID: 5})
	tassert.Fatalf(t, ack.Status == StatusBusy, "expected Busy, got %v", ack.Status)
}

func TestEncodeDecodeOpRoundTrip(t *testing.T) {
	req := EncodeOpRequest(wire.OpBlockRead, []byte("lba=0,count=3"))
	decoded, err := decodeOpRequest(req)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, decoded.Op == wire.OpBlockRead, "op mismatch")
	tassert.Fatalf(t, string(decoded.Data) == "lba=0,count=3", "data mismatch: %q", decoded.Data)

	resp := encodeOpResponse(OpResponse{Op: wire.OpBlockRead, Status: 0, Data: []byte("1536-bytes-of-data")})
	out, err := DecodeOpResponse(resp)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, string(out.Data) == "1536-bytes-of-data", "round trip mismatch: %q", out.Data)
}

func TestSafeJoinRejectsTraversal(t *testing.T) {
	_, err := SafeJoin("/export/root", "../../etc/passwd")
	tassert.Fatalf(t, err != nil, "expected traversal to be rejected")

	ok, err := SafeJoin("/export/root", "sub/dir/file.txt")
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, ok == "/export/root/sub/dir/file.txt", "got %q", ok)
}
