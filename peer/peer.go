// Package peer implements the peer registry and fencing cascade from spec
// §4.D: discovery (HELLO), heartbeat/RTT, failure detection, and the
// atomic, strictly-ordered teardown of everything a dead peer owned. The
// staged-cascade shape and the read-mostly Snapshot() view are grounded on
// aistore's ais-rebalance.go.go (rebStage enum + smapX cluster-map
// snapshot pattern); the parallel FENCE_NOTIFY fan-out uses
// golang.org/x/sync/errgroup the way the teacher's go.mod carries it.
package peer

import (
	"crypto/rand"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/Pascu-Victor/wki/channel"
	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/internal/metrics"
	"github.com/Pascu-Victor/wki/internal/nlog"
	"github.com/Pascu-Victor/wki/transport"
	"github.com/Pascu-Victor/wki/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// State is the peer connection state machine from spec §3.
type State int

const (
	Unknown State = iota
	HelloSent
	Connected
	Fenced
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case HelloSent:
		return "HelloSent"
	case Connected:
		return "Connected"
	case Fenced:
		return "Fenced"
	case Reconnecting:
		return "Reconnecting"
	default:
		return "?"
	}
}

// HelloPayload is the JSON-encoded HELLO/HELLO_ACK body (SPEC_FULL.md
// ambient-stack note: jsoniter for wire-adjacent capability blobs).
type HelloPayload struct {
	Magic             uint32 `json:"magic"`
	NodeID            uint16 `json:"node_id"`
	MAC               [6]byte `json:"mac"`
	Capabilities      uint32 `json:"capabilities"`
	HeartbeatMs       int    `json:"heartbeat_ms"`
	MaxChannels       int    `json:"max_channels"`
	RDMAZoneBitmap    uint64 `json:"rdma_zone_bitmap"`
}

const helloMagic = 0x574B4931 // "WKI1"

// Peer is the per-peer record from spec §3.
type Peer struct {
	mu sync.Mutex

	NodeID   uint16
	MAC      [6]byte
	State    State
	Transport transport.Adapter
	IsDirect bool
	NextHop  uint16
	HopCount int
	LinkCost int

	LastHeartbeat     time.Time
	RTT, RTTVar       time.Duration
	HeartbeatInterval time.Duration
	MissThreshold     int
	MissedBeats       int
	ConnectedTime     time.Time
	RDMAZoneBitmap    uint64
	Capabilities      uint32
	Load              int // runnable task count carried on HEARTBEAT

	channels [256]*channel.Channel
}

// Channel returns the existing channel for chID, or nil.
func (p *Peer) Channel(chID uint8) *channel.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[chID]
}

// OpenChannel lazily creates the channel for chID if it doesn't exist yet
// (spec §4.C: "a channel is created lazily on first send or receive").
func (p *Peer) OpenChannel(chID uint8, prio wire.Priority, out channel.Out, dispatch channel.Dispatch, onFatal channel.OnFatal) *channel.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.channels[chID]; c != nil {
		return c
	}
	c := channel.New(p.NodeID, chID, prio, p.IsDirect, out, dispatch, onFatal)
	p.channels[chID] = c
	return c
}

// CloseChannel closes and evicts a dynamic channel (spec §4.D fencing
// cascade step "channels", also used by explicit DEV_DETACH/ZONE_DESTROY).
func (p *Peer) CloseChannel(chID uint8) {
	p.mu.Lock()
	c := p.channels[chID]
	p.channels[chID] = nil
	p.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// AllChannels returns every non-nil channel, used by the fencing cascade
// and by the periodic Tick driver.
func (p *Peer) AllChannels() []*channel.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*channel.Channel, 0, 4)
	for _, c := range p.channels {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.State = s
	p.mu.Unlock()
}

func (p *Peer) snapshotState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State
}

// FenceHook is invoked with the node id being fenced, in the fixed
// cascade order from spec §4.D. Subsystems register their teardown in
// the order: event subscriptions, IRQ forwarding bindings, device-server
// bindings, device-proxy attachments, VFS proxies/server FDs, NIC
// proxies, remote compute tasks/load cache, zones, channels.
type FenceHook func(nodeID uint16)

// Registry is the node-wide peer table (spec §3, §5): a fixed 256-slot
// open-addressed hash table keyed by (node_id * 0x9E37) >> 8, one lock per
// peer plus a separate table lock, honoring the strict ordering rule from
// §5 (channel lock > peer lock > peer-table lock > subsystem locks).
type Registry struct {
	tableMu sync.RWMutex
	slots   [256]*Peer

	LocalNode uint16
	LocalMAC  transport.MAC
	cfg       *config.Config

	transports []transport.Adapter

	fenceHooks []FenceHook
	onJoin     func(nodeID uint16)
	onLeave    func(nodeID uint16)

	helloTicker time.Time
}

func NewRegistry(localNode uint16, localMAC transport.MAC, cfg *config.Config) *Registry {
	return &Registry{LocalNode: localNode, LocalMAC: localMAC, cfg: cfg}
}

// RandomNodeID picks a random 16-bit node id, avoiding the two reserved
// values (spec §3).
func RandomNodeID() uint16 {
	for {
		var b [2]byte
		_, _ = rand.Read(b[:])
		id := uint16(b[0])<<8 | uint16(b[1])
		if id != wire.NodeReserved && id != wire.NodeBroadcast {
			return id
		}
	}
}

func slot(nodeID uint16) uint8 {
	return uint8((uint32(nodeID) * 0x9E37) >> 8)
}

func (r *Registry) AddTransport(t transport.Adapter) { r.transports = append(r.transports, t) }

// RegisterFenceHook appends a teardown hook; callers must register in the
// cascade order documented on FenceHook.
func (r *Registry) RegisterFenceHook(h FenceHook) { r.fenceHooks = append(r.fenceHooks, h) }

func (r *Registry) SetOnJoin(fn func(nodeID uint16))  { r.onJoin = fn }
func (r *Registry) SetOnLeave(fn func(nodeID uint16)) { r.onLeave = fn }

// lookup finds the peer record for nodeID, probing linearly from its slot.
func (r *Registry) lookup(nodeID uint16) *Peer {
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()
	i := slot(nodeID)
	for n := 0; n < 256; n++ {
		p := r.slots[i]
		if p == nil {
			return nil
		}
		if p.NodeID == nodeID {
			return p
		}
		i++
	}
	return nil
}

// Get returns the peer record for nodeID, or nil.
func (r *Registry) Get(nodeID uint16) *Peer { return r.lookup(nodeID) }

// insert allocates a new peer record at the first free slot from nodeID's
// hash (linear probing), or returns the existing one.
func (r *Registry) insert(nodeID uint16) (*Peer, bool) {
	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	i := slot(nodeID)
	for n := 0; n < 256; n++ {
		p := r.slots[i]
		if p == nil {
			np := &Peer{NodeID: nodeID, State: Unknown}
			r.slots[i] = np
			return np, true
		}
		if p.NodeID == nodeID {
			return p, false
		}
		i++
	}
	return nil, false // table full (256 peers) -- not expected in practice
}

// Snapshot returns every Connected peer without holding the table lock
// for longer than the copy, mirroring aistore's smapX read-mostly
// cluster-map view (spec §5's lock-ordering rule: routing/resource must
// not need the peer-table lock while they iterate).
func (r *Registry) Snapshot() []*Peer {
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()
	out := make([]*Peer, 0, 16)
	for _, p := range r.slots {
		if p != nil && p.snapshotState() == Connected {
			out = append(out, p)
		}
	}
	return out
}

// All returns every non-nil peer record regardless of state.
func (r *Registry) All() []*Peer {
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()
	out := make([]*Peer, 0, 16)
	for _, p := range r.slots {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// BroadcastHello sends HELLO on every transport (spec §4.D, every ~1s).
func (r *Registry) BroadcastHello() {
	payload := HelloPayload{
		Magic: helloMagic, NodeID: r.LocalNode, MAC: r.LocalMAC,
		HeartbeatMs: int(r.cfg.HeartbeatIntervalDefault / time.Millisecond),
		MaxChannels: 256,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		nlog.Errorf("peer: marshal hello: %v", err)
		return
	}
	h := wire.Header{Version: 1, MsgType: wire.MsgHello, SrcNode: r.LocalNode, DstNode: wire.NodeBroadcast, HopTTL: 1}
	f := &wire.Frame{Header: h, Payload: body}
	enc := f.Encode(true)
	for _, t := range r.transports {
		if err := t.Tx(wire.NodeBroadcast, enc); err != nil {
			nlog.Warningf("peer: hello broadcast on %s: %v", t.Name(), err)
		}
	}
}

// HandleHello processes an inbound HELLO per spec §4.D: allocate-or-find
// the peer, resolve node-id collisions by MAC comparison, reply
// HELLO_ACK, negotiate the heartbeat interval, and emit NODE_JOIN. The
// authoritative MAC is the one carried in the HELLO payload itself (spec
// §3's data model: HELLO carries `{magic, node_id, mac, ...}`) rather than
// a link-layer-observed address, since the core assumes a trusted L2 and
// the real NIC driver collaborator has no node-id-keyed address to hand
// up before the payload is parsed.
func (r *Registry) HandleHello(tr transport.Adapter, payload []byte) {
	var hp HelloPayload
	if err := json.Unmarshal(payload, &hp); err != nil {
		return // malformed payload: silently dropped per spec §7
	}
	if hp.NodeID == r.LocalNode {
		// collision: the peer with the numerically-lower MAC keeps the id.
		if hp.MAC.Less(r.LocalMAC) {
			nlog.Warningf("peer: node id collision with %v, regenerating our id", hp.MAC)
			r.LocalNode = RandomNodeID()
			r.BroadcastHello()
		}
		return
	}
	p, created := r.insert(hp.NodeID)
	if p == nil {
		nlog.Errorf("peer: table full, dropping hello from %d", hp.NodeID)
		return
	}
	p.mu.Lock()
	wasFenced := p.State == Fenced
	p.MAC = hp.MAC
	p.Transport = tr
	p.IsDirect = true
	p.Capabilities = hp.Capabilities
	p.RDMAZoneBitmap = hp.RDMAZoneBitmap
	interval := negotiateInterval(r.cfg, time.Duration(hp.HeartbeatMs)*time.Millisecond)
	p.HeartbeatInterval = interval
	p.MissThreshold = r.cfg.MissThreshold
	if wasFenced {
		p.State = Reconnecting
	}
	p.ConnectedTime = time.Now()
	p.LastHeartbeat = time.Now()
	p.mu.Unlock()

	if eth, ok := tr.(*transport.Ethernet); ok {
		eth.LearnNeighbor(hp.NodeID, hp.MAC)
	}

	r.replyHelloAck(tr, p, interval)
	r.transitionConnected(p, created || wasFenced)
}

// HandleHelloAck finalizes our side of the handshake when we were the
// HELLO initiator.
func (r *Registry) HandleHelloAck(tr transport.Adapter, payload []byte) {
	var hp HelloPayload
	if err := json.Unmarshal(payload, &hp); err != nil {
		return
	}
	p, created := r.insert(hp.NodeID)
	if p == nil {
		return
	}
	p.mu.Lock()
	wasFenced := p.State == Fenced
	p.MAC = hp.MAC
	p.Transport = tr
	p.IsDirect = true
	p.HeartbeatInterval = negotiateInterval(r.cfg, time.Duration(hp.HeartbeatMs)*time.Millisecond)
	p.MissThreshold = r.cfg.MissThreshold
	p.ConnectedTime = time.Now()
	p.LastHeartbeat = time.Now()
	if wasFenced {
		p.State = Reconnecting
	}
	p.mu.Unlock()

	if eth, ok := tr.(*transport.Ethernet); ok {
		eth.LearnNeighbor(hp.NodeID, hp.MAC)
	}

	r.transitionConnected(p, created || wasFenced)
}

func negotiateInterval(cfg *config.Config, proposed time.Duration) time.Duration {
	interval := cfg.HeartbeatIntervalDefault
	if proposed > 0 && proposed < interval {
		interval = proposed
	}
	if interval < cfg.HeartbeatIntervalMin {
		interval = cfg.HeartbeatIntervalMin
	}
	if interval > cfg.HeartbeatIntervalMax {
		interval = cfg.HeartbeatIntervalMax
	}
	return interval
}

func (r *Registry) replyHelloAck(tr transport.Adapter, p *Peer, interval time.Duration) {
	payload := HelloPayload{
		Magic: helloMagic, NodeID: r.LocalNode, MAC: r.LocalMAC,
		HeartbeatMs: int(interval / time.Millisecond),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h := wire.Header{Version: 1, MsgType: wire.MsgHelloAck, SrcNode: r.LocalNode, DstNode: p.NodeID, HopTTL: 1}
	f := &wire.Frame{Header: h, Payload: body}
	_ = tr.Tx(p.NodeID, f.Encode(true))
}

func (r *Registry) transitionConnected(p *Peer, wasNewOrReconnect bool) {
	p.setState(Connected)
	metrics.PeersConnected.Inc()
	if wasNewOrReconnect && r.onJoin != nil {
		r.onJoin(p.NodeID)
	}
}

// SendHeartbeat is called once per peer whenever its heartbeat interval
// (with jitter) elapses.
func (r *Registry) SendHeartbeat(p *Peer, localLoad int, now time.Time) {
	var body [12]byte
	ts := uint64(now.UnixMicro())
	for i := 0; i < 8; i++ {
		body[i] = byte(ts >> (8 * i))
	}
	load := uint32(localLoad)
	for i := 0; i < 4; i++ {
		body[8+i] = byte(load >> (8 * i))
	}
	h := wire.Header{Version: 1, MsgType: wire.MsgHeartbeat, SrcNode: r.LocalNode, DstNode: p.NodeID, HopTTL: 8}
	f := &wire.Frame{Header: h, Payload: body[:]}
	if tr := p.Transport; tr != nil {
		_ = tr.Tx(p.NodeID, f.Encode(p.IsDirect))
	}
}

// HandleHeartbeat replies HEARTBEAT_ACK echoing the sender's timestamp,
// and records the sender's reported load.
func (r *Registry) HandleHeartbeat(p *Peer, payload []byte) {
	p.mu.Lock()
	p.LastHeartbeat = time.Now()
	p.MissedBeats = 0
	if len(payload) >= 12 {
		var load uint32
		for i := 0; i < 4; i++ {
			load |= uint32(payload[8+i]) << (8 * i)
		}
		p.Load = int(load)
	}
	p.mu.Unlock()
	h := wire.Header{Version: 1, MsgType: wire.MsgHeartbeatAck, SrcNode: r.LocalNode, DstNode: p.NodeID, HopTTL: 8}
	f := &wire.Frame{Header: h, Payload: payload[:min(8, len(payload))]}
	if tr := p.Transport; tr != nil {
		_ = tr.Tx(p.NodeID, f.Encode(p.IsDirect))
	}
}

// HandleHeartbeatAck drives RTT smoothing identical to the channel
// estimator (spec §4.D), using the echoed send timestamp.
func (r *Registry) HandleHeartbeatAck(p *Peer, payload []byte) {
	if len(payload) < 8 {
		return
	}
	var ts uint64
	for i := 0; i < 8; i++ {
		ts |= uint64(payload[i]) << (8 * i)
	}
	sample := time.Since(time.UnixMicro(int64(ts)))
	p.mu.Lock()
	p.LastHeartbeat = time.Now()
	p.MissedBeats = 0
	if p.RTT == 0 {
		p.RTT = sample
		p.RTTVar = sample / 2
	} else {
		diff := sample - p.RTT
		p.RTT += diff / 8
		if diff < 0 {
			diff = -diff
		}
		p.RTTVar += (diff - p.RTTVar) / 4
	}
	p.mu.Unlock()
}

// Tick drives heartbeat sending and failure detection (spec §4.D); call
// at the ~10 ms periodic cadence from spec §2.
func (r *Registry) Tick(now time.Time, localLoad int) {
	for _, p := range r.Snapshot() {
		p.mu.Lock()
		interval := p.HeartbeatInterval
		due := now.Sub(p.LastHeartbeat) >= interval
		dead := now.Sub(p.LastHeartbeat) >= interval*time.Duration(p.MissThreshold) &&
			now.Sub(p.ConnectedTime) >= r.cfg.GracePeriod
		p.mu.Unlock()
		if dead {
			r.Fence(p.NodeID)
			continue
		}
		if due {
			r.SendHeartbeat(p, localLoad, now)
		}
	}
}

// Fence executes the atomic teardown cascade from spec §4.D. Fencing an
// already-fenced peer is a no-op (spec §8 idempotence law).
func (r *Registry) Fence(nodeID uint16) {
	p := r.lookup(nodeID)
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.State == Fenced {
		p.mu.Unlock()
		return
	}
	p.State = Fenced
	p.mu.Unlock()

	nlog.Warningf("peer: fencing node %d", nodeID)
	for _, hook := range r.fenceHooks {
		hook(nodeID)
	}
	metrics.PeersFenced.Inc()
	metrics.PeersConnected.Dec()

	r.broadcastFenceNotify(nodeID)
	if r.onLeave != nil {
		r.onLeave(nodeID)
	}
}

// broadcastFenceNotify fans the notification out to every other Connected
// peer in parallel, using errgroup the way the teacher's go.mod provides it.
func (r *Registry) broadcastFenceNotify(fencedNode uint16) {
	peers := r.Snapshot()
	var g errgroup.Group
	for _, p := range peers {
		p := p
		if p.NodeID == fencedNode {
			continue
		}
		g.Go(func() error {
			var body [2]byte
			body[0] = byte(fencedNode)
			body[1] = byte(fencedNode >> 8)
			h := wire.Header{Version: 1, MsgType: wire.MsgFenceNotify, SrcNode: r.LocalNode, DstNode: p.NodeID, HopTTL: 8}
			f := &wire.Frame{Header: h, Payload: body[:]}
			if tr := p.Transport; tr != nil {
				_ = tr.Tx(p.NodeID, f.Encode(p.IsDirect))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// HandleFenceNotify processes a FENCE_NOTIFY received from another peer:
// proactively invalidate our own record for the fenced node (spec §4.E:
// "other nodes receiving FENCE_NOTIFY proactively invalidate routes").
func (r *Registry) HandleFenceNotify(payload []byte) {
	if len(payload) < 2 {
		return
	}
	nodeID := uint16(payload[0]) | uint16(payload[1])<<8
	r.Fence(nodeID)
}
