package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/Pascu-Victor/wki/internal/tassert"
	"github.com/Pascu-Victor/wki/wire"
)

// link wires two channels together in-process, decoding frames and
// delivering them to the peer's Receive, the way the dispatcher would
// after consulting the routing table.
type link struct {
	mu   sync.Mutex
	drop bool
	to   *Channel
}

func (l *link) send(frame []byte) error {
	l.mu.Lock()
	drop := l.drop
	l.drop = false
	l.mu.Unlock()
	if drop {
		return nil
	}
	f, err := wire.DecodeFrame(frame)
	if err != nil {
		return err
	}
	l.to.Receive(f.Header, f.Payload)
	return nil
}

func newPair(t *testing.T) (a, b *Channel, linkAB, linkBA *link) {
	linkAB = &link{}
	linkBA = &link{}
	var fenceA, fenceB bool
	a = New(2, wire.ChanResource, wire.PriorityThroughput, true, linkAB.send, nil, func() { fenceA = true })
	b = New(1, wire.ChanResource, wire.PriorityThroughput, true, linkBA.send, nil, func() { fenceB = true })
	linkAB.to = b
	linkBA.to = a
	_ = fenceA
	_ = fenceB
	return
}

func TestSendReceiveInOrder(t *testing.T) {
	var got []byte
	a, _, linkAB, linkBA := newPair(t)
	b := New(1, wire.ChanResource, wire.PriorityThroughput, true, linkBA.send, func(_ wire.MsgType, p []byte) { got = p }, nil)
	linkAB.to = b

	tassert.CheckFatal(t, a.Send(wire.MsgDevOpReq, []byte("payload-1")))
	tassert.Fatalf(t, string(got) == "payload-1", "got %q", got)

	txSeq, _, _, _ := a.State()
	tassert.Fatalf(t, txSeq == 1, "expected txSeq=1, got %d", txSeq)
	_, _, rxSeq, _ := b.State()
	tassert.Fatalf(t, rxSeq == 1, "expected rxSeq=1, got %d", rxSeq)
}

func TestOutOfCreditsFailsFast(t *testing.T) {
	a, _, linkAB, _ := newPair(t)
	linkAB.to = New(1, wire.ChanResource, wire.PriorityThroughput, true, func([]byte) error { return nil }, nil, nil)

	a.mu.Lock()
	a.txCredits = 1
	a.mu.Unlock()

	tassert.CheckFatal(t, a.Send(wire.MsgDevOpReq, []byte("x")))
	err := a.Send(wire.MsgDevOpReq, []byte("y"))
	tassert.Fatalf(t, err != nil, "expected NoCredits error")
	seqs := a.RetransmitQueueSeqs()
	tassert.Fatalf(t, len(seqs) == 1, "NoCredits send must not enqueue a retransmit entry, got %d", len(seqs))
}

func TestReorderBufferAndDrain(t *testing.T) {
	var delivered []string
	rx := New(1, wire.ChanResource, wire.PriorityThroughput, true, func([]byte) error { return nil }, func(_ wire.MsgType, p []byte) {
		delivered = append(delivered, string(p))
	}, nil)

	h2 := wire.Header{MsgType: wire.MsgDevOpReq, SeqNum: 2}
	rx.Receive(h2, []byte("two"))
	tassert.Fatalf(t, len(delivered) == 0, "seq 2 must not dispatch before seq 0/1")
	seqs := rx.ReorderSeqs()
	tassert.Fatalf(t, len(seqs) == 1 && seqs[0] == 2, "expected reorder buffer [2], got %v", seqs)

	h0 := wire.Header{MsgType: wire.MsgDevOpReq, SeqNum: 0}
	rx.Receive(h0, []byte("zero"))
	h1 := wire.Header{MsgType: wire.MsgDevOpReq, SeqNum: 1}
	rx.Receive(h1, []byte("one"))

	tassert.Fatalf(t, len(delivered) == 3, "expected 3 dispatches after drain, got %d: %v", len(delivered), delivered)
	tassert.Fatalf(t, delivered[0] == "zero" && delivered[1] == "one" && delivered[2] == "two",
		"wrong dispatch order: %v", delivered)
	tassert.Fatalf(t, len(rx.ReorderSeqs()) == 0, "reorder buffer should be drained")
}

func TestFastRetransmitOnThreeDupAcks(t *testing.T) {
	var sent [][]byte
	tx := New(2, wire.ChanResource, wire.PriorityThroughput, true, func(f []byte) error {
		sent = append(sent, append([]byte(nil), f...))
		return nil
	}, nil, nil)

	tassert.CheckFatal(t, tx.Send(wire.MsgDevOpReq, []byte("only-segment")))
	tassert.Fatalf(t, len(sent) == 1, "expected 1 send so far")

	// three out-of-order frames (simulating the peer receiving later
	// segments first) should trigger exactly one fast retransmit of the
	// queue head once dup_ack_count reaches 3.
	for seq := uint32(5); seq < 8; seq++ {
		h := wire.Header{SeqNum: seq}
		h.SetACK(false)
		tx.Receive(h, nil)
	}
	tassert.Fatalf(t, len(sent) == 2, "expected fast retransmit to resend head, got %d sends", len(sent))
}

func TestRetransmitTimeoutExceedsMaxRetriesFencesPeer(t *testing.T) {
	fenced := false
	tx := New(2, wire.ChanResource, wire.PriorityThroughput, true, func([]byte) error { return nil },
		nil, func() { fenced = true })

	tassert.CheckFatal(t, tx.Send(wire.MsgDevOpReq, []byte("x")))

	now := time.Now()
	for i := 0; i < 9; i++ {
		now = now.Add(time.Second)
		tx.Tick(now)
	}
	tassert.Fatalf(t, fenced, "expected peer fencing after exceeding max retries")
	tassert.Fatalf(t, tx.Closed(), "expected channel closed after max retries")
}

func TestBareACKDoesNotCollideWithNextDataSeq(t *testing.T) {
	// Latency-class channels fire a bare ACK immediately after dispatch
	// (spec §4.C point 3). That bare ACK reuses the sender's current,
	// not-yet-allocated tx_seq; it must not be mistaken by the peer for a
	// real in-order frame, or it would advance rx_seq and cause the next
	// genuine data frame at that same seq to be dropped as a duplicate.
	linkAB := &link{}
	linkBA := &link{}
	var aGot, bGot []byte
	a := New(2, wire.ChanControl, wire.PriorityLatency, true, linkAB.send,
		func(_ wire.MsgType, p []byte) { aGot = p }, nil)
	b := New(1, wire.ChanControl, wire.PriorityLatency, true, linkBA.send,
		func(_ wire.MsgType, p []byte) { bGot = p }, nil)
	linkAB.to, linkBA.to = b, a

	tassert.CheckFatal(t, b.Send(wire.MsgDevOpReq, []byte("ping")))
	tassert.Fatalf(t, string(aGot) == "ping", "expected a to dispatch ping, got %q", aGot)

	tassert.CheckFatal(t, a.Send(wire.MsgDevOpReq, []byte("hello")))
	tassert.Fatalf(t, string(bGot) == "hello", "expected b to dispatch hello despite a's bare ACK, got %q", bGot)
}

func TestCloseIdempotent(t *testing.T) {
	c := New(1, wire.ChanControl, wire.PriorityLatency, true, func([]byte) error { return nil }, nil, nil)
	c.Close()
	c.Close()
	tassert.Fatalf(t, c.Closed(), "expected closed")
}
