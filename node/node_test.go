package node

import (
	"testing"
	"time"

	"github.com/Pascu-Victor/wki/devproxy"
	"github.com/Pascu-Victor/wki/devserver"
	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/internal/tassert"
	"github.com/Pascu-Victor/wki/transport"
	"github.com/Pascu-Victor/wki/internal/werrs"
	"github.com/Pascu-Victor/wki/wire"
)

// TestBareACKFallsThroughNodeDispatchToChannel drives a real frame through
// Node.onFrame (not Channel.Receive directly, the way channel_test.go's
// TestBareACKDoesNotCollideWithNextDataSeq does) to prove the latency-class
// bare ACK (spec §4.C point 3) reaches the channel engine instead of being
// swallowed by onFrame's pre-channel MsgType switch the way a real
// HEARTBEAT_ACK/LSA/etc. frame would be.
func TestBareACKFallsThroughNodeDispatchToChannel(t *testing.T) {
	cfg := config.Default()
	const id1, id2 uint16 = 1, 2

	n1 := New(cfg, id1, transport.MAC{0x02, 0, 0, 0, 0, 1}, nil, nil, nil)
	n2 := New(cfg, id2, transport.MAC{0x02, 0, 0, 0, 0, 2}, nil, nil, nil)

	lb1, lb2 := transport.NewLoopbackPair("n1", "n2")
	n1.InstallTransport(lb1)
	n2.InstallTransport(lb2)

	n1.Peers.BroadcastHello()
	time.Sleep(20 * time.Millisecond)
	n2.Peers.BroadcastHello()
	time.Sleep(20 * time.Millisecond)

	tassert.Fatalf(t, n1.Peers.Get(id2) != nil, "expected n1 to discover n2 via HELLO")
	tassert.Fatalf(t, n2.Peers.Get(id1) != nil, "expected n2 to discover n1 via HELLO")

	var n2Got []byte
	ch1 := n1.openChannel(id2, wire.ChanControl, wire.PriorityLatency, nil)
	ch2 := n2.openChannel(id1, wire.ChanControl, wire.PriorityLatency,
		func(_ wire.MsgType, p []byte) { n2Got = p })
	tassert.Fatalf(t, ch1 != nil && ch2 != nil, "expected both sides to open the control channel")

	tassert.CheckFatal(t, ch1.Send(wire.MsgDevOpReq, []byte("ping")))
	time.Sleep(30 * time.Millisecond) // let the data frame and n2's bare ACK round-trip

	tassert.Fatalf(t, string(n2Got) == "ping", "expected n2 to dispatch the data frame, got %q", n2Got)

	seqs := ch1.RetransmitQueueSeqs()
	tassert.Fatalf(t, len(seqs) == 0,
		"expected n2's bare ACK to retire ch1's retransmit entry via Node.onFrame, got pending seqs %v", seqs)

	// Drive enough retransmit ticks to exceed MaxRetries directly on the
	// channel (bypassing Node.Tick's own heartbeat/liveness handling,
	// which isn't what this test is about). If the bare ACK had instead
	// been intercepted by onFrame's pre-channel switch -- the bug this
	// guards against -- the entry above would still be pending and ch1
	// would now be fenced closed.
	now := time.Now()
	for i := 0; i < cfg.MaxRetries+1; i++ {
		now = now.Add(cfg.RTOMax)
		ch1.Tick(now)
	}
	tassert.Fatalf(t, !ch1.Closed(),
		"expected ch1 to remain open: the bare ACK must not have been misrouted away from Channel.Receive")
}

// fakeBlockBacking answers OP_BLOCK_INFO immediately but stalls OP_BLOCK_READ
// on an unclosed channel, simulating a genuinely in-flight remote op so a
// fencing test can observe it get aborted mid-flight rather than simply
// never being sent.
type fakeBlockBacking struct {
	stall chan struct{}
}

func (b *fakeBlockBacking) CanRemote() bool                     { return true }
func (b *fakeBlockBacking) OnRemoteAttach(consumer uint16) error { return nil }
func (b *fakeBlockBacking) OnRemoteDetach(consumer uint16)       {}
func (b *fakeBlockBacking) MaxOpSize() int                       { return 4096 }

func (b *fakeBlockBacking) Dispatch(op wire.OpID, req []byte) ([]byte, uint8, error) {
	switch op {
	case wire.OpBlockInfo:
		body := make([]byte, 12)
		putLE32(body[0:4], 512)
		putLE64(body[4:12], 1024)
		return body, 0, nil
	case wire.OpBlockRead:
		<-b.stall
		return make([]byte, 512), 0, nil
	default:
		return nil, 0, werrs.ErrNotFound
	}
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// TestFencingFailsAttachedProxiesAndInvalidatesResourceAds proves both
// halves of the device-proxy/resource-ad teardown stages of the fencing
// cascade (spec §4.D: "device-proxy attachments -> VFS proxies and server
// FDs -> NIC proxies"; spec §4.F: "peer fencing invalidates all ads
// originating from the fenced node"). A BlockProxy's in-flight OP_BLOCK_READ
// must abort with PeerFenced, and the owner's resource ad must disappear
// from the consumer's registry, the moment the owner is fenced.
func TestFencingFailsAttachedProxiesAndInvalidatesResourceAds(t *testing.T) {
	cfg := config.Default()
	const ownerID, consumerID uint16 = 1, 2

	backing := &fakeBlockBacking{stall: make(chan struct{})}
	defer close(backing.stall)

	resolve := func(rt wire.ResourceType, id uint32) (devserver.Backing, bool) {
		if rt == wire.ResourceBlock && id == 5 {
			return backing, true
		}
		return nil, false
	}

	owner := New(cfg, ownerID, transport.MAC{0x02, 0, 0, 0, 0, 1}, resolve, nil, nil)
	consumer := New(cfg, consumerID, transport.MAC{0x02, 0, 0, 0, 0, 2}, nil, nil, nil)

	owner.Resources.Add(wire.ResourceBlock, 5, "disk0", 0)

	lbOwner, lbConsumer := transport.NewLoopbackPair("owner", "consumer")
	owner.InstallTransport(lbOwner)
	consumer.InstallTransport(lbConsumer)

	owner.Peers.BroadcastHello()
	time.Sleep(20 * time.Millisecond)
	consumer.Peers.BroadcastHello()
	time.Sleep(20 * time.Millisecond)

	tassert.Fatalf(t, consumer.Peers.Get(ownerID) != nil, "expected consumer to discover owner via HELLO")

	time.Sleep(20 * time.Millisecond) // let AllOnConnect's RESOURCE_ADVERT arrive
	_, ok := consumer.Resources.Lookup(ownerID, 5)
	tassert.Fatalf(t, ok, "expected consumer to have learned owner's block-resource ad")

	poll := func() { time.Sleep(time.Millisecond) }
	proxy, err := devproxy.Attach(consumer.attach, ownerID, wire.ResourceBlock, 5, false,
		consumer.OpenDynamicChannel, poll, cfg, time.Now().Add(cfg.AttachTimeout))
	tassert.CheckFatal(t, err)
	consumer.RegisterProxy(ownerID, proxy)

	bp, err := devproxy.NewBlockProxy(proxy)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, bp.BlockSize == 512, "expected block size 512, got %d", bp.BlockSize)

	readDone := make(chan error, 1)
	go func() {
		_, readErr := bp.ReadBlocks(0, 1)
		readDone <- readErr
	}()

	time.Sleep(30 * time.Millisecond) // let OP_BLOCK_READ reach the backing and stall there

	consumer.Peers.Fence(ownerID)

	select {
	case readErr := <-readDone:
		tassert.Fatalf(t, readErr == werrs.ErrPeerFenced,
			"expected ReadBlocks to abort with ErrPeerFenced on fencing, got %v", readErr)
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected fencing to unblock the in-flight ReadBlocks call")
	}

	_, ok = consumer.Resources.Lookup(ownerID, 5)
	tassert.Fatalf(t, !ok, "expected fencing to invalidate owner's resource ad")
}
