package peer

import (
	"testing"
	"time"

	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/internal/tassert"
	"github.com/Pascu-Victor/wki/transport"
)

func TestNodeIDCollisionLowerMACWins(t *testing.T) {
	// node A has the higher MAC and must regenerate; node B keeps its id.
	cfg := config.Default()
	a := NewRegistry(0x1234, transport.MAC{0x02, 0x22, 0x22, 0x22, 0x22, 0x22}, cfg)
	ethA, ethB := newEthernetPair()
	a.AddTransport(ethA)

	b := NewRegistry(0x1234, transport.MAC{0x02, 0x11, 0x11, 0x11, 0x11, 0x11}, cfg)
	b.AddTransport(ethB)

	joinedA, joinedB := false, false
	a.SetOnJoin(func(uint16) { joinedA = true })
	b.SetOnJoin(func(uint16) { joinedB = true })

	wireDirect(t, a, ethA, b, ethB)

	a.BroadcastHello()
	time.Sleep(20 * time.Millisecond)
	b.BroadcastHello()
	time.Sleep(20 * time.Millisecond)

	tassert.Fatalf(t, a.LocalNode != 0x1234, "expected node A (higher MAC) to regenerate its id, still 0x1234")
	tassert.Fatalf(t, b.LocalNode == 0x1234, "expected node B (lower MAC) to keep its id, got 0x%x", b.LocalNode)
	tassert.Fatalf(t, joinedA && joinedB, "expected both sides to emit NODE_JOIN, got a=%v b=%v", joinedA, joinedB)
}

func TestFenceIdempotent(t *testing.T) {
	cfg := config.Default()
	r := NewRegistry(1, transport.MAC{}, cfg)
	r.insert(2)
	calls := 0
	r.RegisterFenceHook(func(uint16) { calls++ })
	r.Fence(2)
	r.Fence(2)
	tassert.Fatalf(t, calls == 1, "expected fence hooks invoked exactly once, got %d", calls)
}

func TestFenceRunsHooksInRegisteredOrder(t *testing.T) {
	cfg := config.Default()
	r := NewRegistry(1, transport.MAC{}, cfg)
	r.insert(2)
	var order []string
	r.RegisterFenceHook(func(uint16) { order = append(order, "events") })
	r.RegisterFenceHook(func(uint16) { order = append(order, "irq") })
	r.RegisterFenceHook(func(uint16) { order = append(order, "bindings") })
	r.RegisterFenceHook(func(uint16) { order = append(order, "proxies") })
	r.RegisterFenceHook(func(uint16) { order = append(order, "zones") })
	r.RegisterFenceHook(func(uint16) { order = append(order, "channels") })
	r.Fence(2)
	want := []string{"events", "irq", "bindings", "proxies", "zones", "channels"}
	tassert.Fatalf(t, len(order) == len(want), "got %v", order)
	for i := range want {
		tassert.Fatalf(t, order[i] == want[i], "cascade order mismatch at %d: got %s want %s", i, order[i], want[i])
	}
}

// --- test helpers: a minimal two-node Ethernet wiring using loopback framing.

type fakeLink struct{ to *fakeLink; eth *transport.Ethernet }

func (l *fakeLink) Send(dst *transport.MAC, _ uint16, payload []byte) error {
	go l.to.eth.Deliver(0, payload)
	return nil
}

func newEthernetPair() (*transport.Ethernet, *transport.Ethernet) {
	la, lb := &fakeLink{}, &fakeLink{}
	la.to, lb.to = lb, la
	ea := transport.NewEthernet(la, 1400)
	eb := transport.NewEthernet(lb, 1400)
	la.eth, lb.eth = ea, eb
	return ea, eb
}

// wireDirect installs RX handlers that decode the frame and route HELLO /
// HELLO_ACK to the right registry method, standing in for the dispatcher.
func wireDirect(t *testing.T, a *Registry, ea *transport.Ethernet, b *Registry, eb *transport.Ethernet) {
	t.Helper()
	install := func(self *Registry, eth *transport.Ethernet) {
		eth.SetRxHandler(func(_ uint16, frame []byte) {
			f, err := decodeTestFrame(frame)
			if err != nil {
				return
			}
			switch f.msgType {
			case 0x01:
				self.HandleHello(eth, f.payload)
			case 0x02:
				self.HandleHelloAck(eth, f.payload)
			}
		})
	}
	install(a, ea)
	install(b, eb)
}

type testFrame struct {
	msgType byte
	payload []byte
}

func decodeTestFrame(buf []byte) (testFrame, error) {
	const hdr = 32
	if len(buf) < hdr {
		return testFrame{}, errShort
	}
	plen := int(buf[15]) | int(buf[16])<<8 | int(buf[17])<<16 | int(buf[18])<<24
	if hdr+plen > len(buf) {
		return testFrame{}, errShort
	}
	return testFrame{msgType: buf[1], payload: buf[hdr : hdr+plen]}, nil
}

var errShort = &shortErr{}

type shortErr struct{}

func (*shortErr) Error() string { return "short frame" }
