package transport

import (
	"sync"

	"github.com/Pascu-Victor/wki/internal/ratomic"
)

// Loopback is an in-process transport used by tests: two Loopback
// instances are wired together with NewLoopbackPair and hand frames to
// each other's RX handler asynchronously, mirroring the teacher's dry-run
// stream mode that exercises the send pipeline without a live NIC.
type Loopback struct {
	name string
	peer *Loopback
	mtu  int

	mu sync.Mutex
	rx RxHandler

	queue chan frame
	done  chan struct{}

	Stats Stats

	dropNext ratomic.Bool // test hook: drop exactly the next Tx call
}

type frame struct {
	neighbor uint16
	data     []byte
}

// NewLoopbackPair returns two connected Loopback adapters (as if they were
// the two ends of a direct link between a pair of peers).
func NewLoopbackPair(nameA, nameB string) (a, b *Loopback) {
	a = &Loopback{name: nameA, mtu: 1400, queue: make(chan frame, 256), done: make(chan struct{})}
	b = &Loopback{name: nameB, mtu: 1400, queue: make(chan frame, 256), done: make(chan struct{})}
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return
}

func (l *Loopback) pump() {
	for {
		select {
		case f := <-l.queue:
			l.mu.Lock()
			h := l.rx
			l.mu.Unlock()
			if h != nil {
				l.Stats.Received.Add(1)
				h(f.neighbor, f.data)
			}
		case <-l.done:
			return
		}
	}
}

func (l *Loopback) Name() string       { return l.name }
func (l *Loopback) MTU() int           { return l.mtu }
func (l *Loopback) RDMACapable() bool  { return false }

func (l *Loopback) SetRxHandler(fn RxHandler) {
	l.mu.Lock()
	l.rx = fn
	l.mu.Unlock()
}

// DropNextSend causes the next Tx call to silently swallow the frame
// without delivering it -- used to simulate a single dropped packet in
// event-bus/channel retry tests.
func (l *Loopback) DropNextSend() { l.dropNext.Store(true) }

func (l *Loopback) Tx(neighbor uint16, data []byte) error {
	if l.dropNext.Swap(false) {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	l.Stats.Sent.Add(1)
	select {
	case l.peer.queue <- frame{neighbor: neighbor, data: cp}:
	default:
		l.Stats.Errors.Add(1)
	}
	return nil
}

// Close stops the pump goroutine; safe to call multiple times.
func (l *Loopback) Close() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}
