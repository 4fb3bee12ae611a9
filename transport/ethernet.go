package transport

import (
	"sync"

	"github.com/Pascu-Victor/wki/internal/werrs"
)

// EtherType is the WKI EtherType reserved on the wire (spec §6).
const EtherType = 0x88B7

// MAC is a 6-byte link-layer address.
type MAC [6]byte

// Less orders two MACs numerically, used by the HELLO collision rule
// (spec §4.D: "the peer with the numerically-lower MAC keeps the id").
func (m MAC) Less(o MAC) bool {
	for i := range m {
		if m[i] != o[i] {
			return m[i] < o[i]
		}
	}
	return false
}

// LinkSender is the out-of-scope collaborator contract: the actual NIC
// driver that puts bytes on the wire for a given destination MAC (or
// broadcasts when dst == nil). The Ethernet adapter only owns framing and
// the neighbor table; a real build wires in a driver-backed LinkSender.
type LinkSender interface {
	Send(dst *MAC, etherType uint16, payload []byte) error
}

// Ethernet implements Adapter over EtherType 0x88B7 framing, maintaining a
// node_id -> MAC neighbor table populated from HELLO exchanges (spec §4.B).
type Ethernet struct {
	mtu    int
	link   LinkSender

	mu        sync.RWMutex
	neighbors map[uint16]MAC

	rx RxHandler
}

func NewEthernet(link LinkSender, mtu int) *Ethernet {
	return &Ethernet{mtu: mtu, link: link, neighbors: make(map[uint16]MAC)}
}

func (e *Ethernet) Name() string      { return "eth" }
func (e *Ethernet) MTU() int          { return e.mtu }
func (e *Ethernet) RDMACapable() bool { return false }

func (e *Ethernet) SetRxHandler(fn RxHandler) { e.rx = fn }

// LearnNeighbor records node_id -> MAC, called on HELLO/HELLO_ACK receipt.
func (e *Ethernet) LearnNeighbor(node uint16, mac MAC) {
	e.mu.Lock()
	e.neighbors[node] = mac
	e.mu.Unlock()
}

func (e *Ethernet) ForgetNeighbor(node uint16) {
	e.mu.Lock()
	delete(e.neighbors, node)
	e.mu.Unlock()
}

func (e *Ethernet) Neighbor(node uint16) (MAC, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mac, ok := e.neighbors[node]
	return mac, ok
}

// Tx transmits to a direct neighbor; NodeBroadcast is handed to the link
// as an L2 broadcast (dst == nil), so it also reaches nodes whose MAC has
// not been learned yet, such as the targets of a first HELLO (spec §4.B).
func (e *Ethernet) Tx(neighbor uint16, frame []byte) error {
	if neighbor == 0xFFFF {
		return e.link.Send(nil, EtherType, frame)
	}
	mac, ok := e.Neighbor(neighbor)
	if !ok {
		return werrs.Wrapf(werrs.ErrNoRoute, "ethernet: no MAC for node %d", neighbor)
	}
	return e.link.Send(&mac, EtherType, frame)
}

// Deliver is called by the LinkSender's RX path when a frame with our
// EtherType arrives; it forwards to the installed RX handler.
func (e *Ethernet) Deliver(srcNode uint16, payload []byte) {
	if e.rx != nil {
		e.rx(srcNode, payload)
	}
}
