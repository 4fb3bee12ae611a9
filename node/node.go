// Package node is the composition root and central frame dispatcher: it
// wires together every subsystem (peer, routing, resource, devserver,
// devproxy, eventbus, zone, compute) behind the transports they share,
// decodes each arriving frame exactly once, and routes it by well-known
// channel id to the right subsystem handler. This mirrors how aistore's
// target/proxy bootstrap (ais-target.go.go) builds its subsystem graph
// once at startup and only then installs the HTTP dispatcher on top of
// it -- here the "dispatcher" is the per-transport RX handler installed
// by installTransport, and the periodic 10ms driver is Tick/Run.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/Pascu-Victor/wki/channel"
	"github.com/Pascu-Victor/wki/compute"
	"github.com/Pascu-Victor/wki/devproxy"
	"github.com/Pascu-Victor/wki/devserver"
	"github.com/Pascu-Victor/wki/eventbus"
	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/internal/nlog"
	"github.com/Pascu-Victor/wki/internal/werrs"
	"github.com/Pascu-Victor/wki/peer"
	"github.com/Pascu-Victor/wki/resource"
	"github.com/Pascu-Victor/wki/routing"
	"github.com/Pascu-Victor/wki/transport"
	"github.com/Pascu-Victor/wki/wire"
	"github.com/Pascu-Victor/wki/zone"
)

// attachWait tracks one in-flight DEV_ATTACH_REQ awaiting its ACK.
type attachWait struct {
	mu   sync.Mutex
	done bool
	ack  devserver.AttachAck
	err  error
}

// Node owns every subsystem manager for one WKI node and is the only
// place that knows how a decoded frame maps to a subsystem call.
type Node struct {
	cfg       *config.Config
	localNode uint16

	Peers     *peer.Registry
	Routing   *routing.Table
	Resources *resource.Registry
	Events    *eventbus.Bus
	Zones     *zone.Manager
	Compute   *compute.Manager
	DevServer *devserver.Server

	localLoad compute.LocalLoadFn

	attachMu      sync.Mutex
	attachPending map[uint16]*attachWait

	proxyMu sync.Mutex
	proxies map[uint16][]*devproxy.Proxy

	tickMu             sync.Mutex
	lastLSARefresh     time.Time
	lastLoadBroadcast  time.Time
}

// New builds a fully-wired Node. resolve answers DEV_ATTACH_REQ by
// looking up a local Backing for (resource_type, resource_id); a nil or
// always-false resolve is valid for a node that exports nothing. exec and
// localLoad feed the compute manager the way compute.NewManager expects;
// a nil localLoad disables both LOAD_REPORT broadcasting and the
// heartbeat load field (always reports zero).
func New(cfg *config.Config, localNode uint16, localMAC transport.MAC,
	resolve func(wire.ResourceType, uint32) (devserver.Backing, bool),
	exec compute.Executor, localLoad compute.LocalLoadFn) *Node {
	n := &Node{
		cfg:           cfg,
		localNode:     localNode,
		localLoad:     localLoad,
		attachPending: make(map[uint16]*attachWait),
		proxies:       make(map[uint16][]*devproxy.Proxy),
	}

	n.Peers = peer.NewRegistry(localNode, localMAC, cfg)
	n.Resources = resource.NewRegistry(localNode, n.rawBroadcast)
	n.Routing = routing.NewTable(localNode, cfg, n.rawSend, n.directNeighbors)
	n.Events, _ = eventbus.NewBus(cfg, n.channelSend(wire.ChanEventBus, wire.PriorityThroughput))
	n.Zones = zone.NewManager(localNode, cfg, n.channelSend(wire.ChanZoneMgmt, wire.PriorityThroughput),
		n.poll, nil, nil)
	n.Compute = compute.NewManager(localNode, cfg, n.channelSend(wire.ChanControl, wire.PriorityLatency),
		n.poll, exec, localLoad)
	if resolve == nil {
		resolve = func(wire.ResourceType, uint32) (devserver.Backing, bool) { return nil, false }
	}
	n.DevServer = devserver.NewServer(cfg, resolve, n.allocChannel, n.openDynamicChannel, n.isConnected)
	n.DevServer.SetChannelLookup(n.lookupConsumerChannel)

	n.Peers.SetOnJoin(n.onPeerJoin)
	n.Peers.SetOnLeave(n.onPeerLeave)
	n.registerFenceHooks()

	return n
}

// registerFenceHooks installs the teardown cascade in the order spec §4.D
// names: event subscriptions, device-server bindings (which subsumes
// IRQ-forward routing and the VFS/FD table, since both live inside the
// binding struct), in-flight attach RPCs (the client-side counterpart to
// bindings), established device-proxy attachments (block/VFS/NIC proxies
// alike, via FailAll), resource ads the fenced node advertised, remote
// compute tasks and the load cache, zones, and finally channels.
func (n *Node) registerFenceHooks() {
	n.Peers.RegisterFenceHook(n.Events.FenceHook)
	n.Peers.RegisterFenceHook(n.DevServer.DetachAll)
	n.Peers.RegisterFenceHook(n.failPendingAttaches)
	n.Peers.RegisterFenceHook(n.failAttachedProxies)
	n.Peers.RegisterFenceHook(n.Resources.InvalidateOwner)
	n.Peers.RegisterFenceHook(n.Compute.FenceHook)
	n.Peers.RegisterFenceHook(n.Zones.FenceHook)
	n.Peers.RegisterFenceHook(n.closeAllChannels)
}

// Attacher exposes the DEV_ATTACH_REQ/ACK round trip for devproxy.Attach,
// so a driver wiring up a BlockProxy/NICProxy/VFSProxy doesn't need to
// reimplement the Resource-channel handshake. Once attached, the driver
// must hand the resulting *devproxy.Proxy to RegisterProxy so the fencing
// cascade can fail its pending RPCs if the owner is later fenced.
func (n *Node) Attacher() devproxy.Attacher { return n.attach }

// RegisterProxy tracks an established devproxy.Proxy under its owning
// peer so failAttachedProxies can call FailAll on it during that peer's
// fencing cascade (spec §4.D: "device-proxy attachments -> VFS proxies
// and server FDs -> NIC proxies"). Call this right after a successful
// devproxy.Attach.
func (n *Node) RegisterProxy(owner uint16, p *devproxy.Proxy) {
	n.proxyMu.Lock()
	n.proxies[owner] = append(n.proxies[owner], p)
	n.proxyMu.Unlock()
}

// failAttachedProxies fails every pending RPC on every proxy owned by
// peerNode and forgets them, the client-side counterpart to
// DevServer.DetachAll on the server side.
func (n *Node) failAttachedProxies(peerNode uint16) {
	n.proxyMu.Lock()
	proxies := n.proxies[peerNode]
	delete(n.proxies, peerNode)
	n.proxyMu.Unlock()
	for _, p := range proxies {
		p.FailAll()
	}
}

// OpenDynamicChannel lets an external driver open the dynamic channel a
// successful Attach returned, wiring its own dispatch (typically a
// devproxy.Proxy's OnResponse).
func (n *Node) OpenDynamicChannel(peerNode uint16, chID uint8, dispatch channel.Dispatch) *channel.Channel {
	return n.openChannel(peerNode, chID, wire.PriorityThroughput, dispatch)
}

// InstallTransport registers tr with the peer registry and installs the
// single RX handler that feeds every arriving frame into the dispatcher.
func (n *Node) InstallTransport(tr transport.Adapter) {
	n.Peers.AddTransport(tr)
	tr.SetRxHandler(func(_ uint16, frame []byte) {
		n.onFrame(tr, frame)
	})
}

// --- raw send/broadcast: the fabric-layer glue every Send type needs ---

func (n *Node) rawSend(dst uint16, frame []byte) error {
	p := n.Peers.Get(dst)
	if p == nil {
		return werrs.ErrNoRoute
	}
	if p.IsDirect {
		if p.Transport == nil {
			return werrs.ErrNoRoute
		}
		return p.Transport.Tx(dst, frame)
	}
	route, ok := n.Routing.NextHop(dst)
	if !ok {
		return werrs.ErrNoRoute
	}
	nh := n.Peers.Get(route.NextHop)
	if nh == nil || nh.Transport == nil {
		return werrs.ErrNoRoute
	}
	return nh.Transport.Tx(route.NextHop, frame)
}

// rawBroadcast fans an already-encoded frame out to every unique
// transport backing a direct peer, once per transport (not once per
// peer) so a shared link doesn't see the same broadcast N times.
func (n *Node) rawBroadcast(frame []byte) {
	seen := make(map[transport.Adapter]bool)
	for _, p := range n.Peers.Snapshot() {
		if !p.IsDirect || p.Transport == nil || seen[p.Transport] {
			continue
		}
		seen[p.Transport] = true
		if err := p.Transport.Tx(wire.NodeBroadcast, frame); err != nil {
			nlog.Warningf("node: broadcast on %s: %v", p.Transport.Name(), err)
		}
	}
}

func (n *Node) directNeighbors() []uint16 {
	var out []uint16
	for _, p := range n.Peers.Snapshot() {
		if p.IsDirect {
			out = append(out, p.NodeID)
		}
	}
	return out
}

// isConnected reports whether nodeID currently has a Connected peer slot.
// Snapshot() already filters to Connected peers (it mirrors smapX), so
// membership in it is the connectivity answer without reaching past the
// registry's own mutex to read Peer.State directly.
func (n *Node) isConnected(nodeID uint16) bool {
	for _, p := range n.Peers.Snapshot() {
		if p.NodeID == nodeID {
			return true
		}
	}
	return false
}

// channelSend returns a Send closure (the shape eventbus.Send,
// zone.Send, and compute.Send all share) bound to one well-known
// channel, so every reliable subsystem rides the channel engine's
// credits/ack/retransmit machinery instead of inventing its own.
func (n *Node) channelSend(chID uint8, prio wire.Priority) func(uint16, wire.MsgType, []byte) error {
	return func(node uint16, msgType wire.MsgType, payload []byte) error {
		if node == wire.NodeBroadcast {
			for _, p := range n.Peers.Snapshot() {
				if ch := n.openChannel(p.NodeID, chID, prio, n.dispatchFor(chID, p.NodeID)); ch != nil {
					_ = ch.Send(msgType, payload)
				}
			}
			return nil
		}
		ch := n.openChannel(node, chID, prio, n.dispatchFor(chID, node))
		if ch == nil {
			return werrs.ErrNoRoute
		}
		return ch.Send(msgType, payload)
	}
}

// poll is the spin-yield PollFn handed to every subsystem's synchronous
// RPC wait. Our transports deliver asynchronously via their own pump
// goroutines (loopback/ethernet/shmem), so unlike a NAPI poll loop there
// is no ring buffer to drain here -- the only job is to yield the CPU
// between condition checks.
func (n *Node) poll() { time.Sleep(time.Millisecond) }

// --- channel lifecycle ---

func (n *Node) openChannel(peerNode uint16, chID uint8, prio wire.Priority, dispatch channel.Dispatch) *channel.Channel {
	p := n.Peers.Get(peerNode)
	if p == nil {
		return nil
	}
	// The channel engine frames without node addressing; stamp src/dst so
	// the receiver's onFrame accepts the frame and finds our peer slot.
	out := func(frame []byte) error {
		f, err := wire.DecodeFrame(frame)
		if err != nil {
			return err
		}
		f.Header.SrcNode, f.Header.DstNode = n.localNode, peerNode
		return n.rawSend(peerNode, f.Encode(f.Header.Checksum == 0))
	}
	onFatal := func() { n.Peers.Fence(peerNode) }
	return p.OpenChannel(chID, prio, out, dispatch, onFatal)
}

// dispatchFor returns the Dispatch closure appropriate for a well-known
// channel id; dynamic ids are opened explicitly by devserver/devproxy
// with their own dispatch, never through this path.
func (n *Node) dispatchFor(chID uint8, peerNode uint16) channel.Dispatch {
	switch chID {
	case wire.ChanControl:
		return func(msgType wire.MsgType, payload []byte) { n.dispatchControl(peerNode, msgType, payload) }
	case wire.ChanZoneMgmt:
		return func(msgType wire.MsgType, payload []byte) { n.dispatchZone(peerNode, msgType, payload) }
	case wire.ChanEventBus:
		return func(msgType wire.MsgType, payload []byte) { n.dispatchEvent(peerNode, msgType, payload) }
	case wire.ChanResource:
		return func(msgType wire.MsgType, payload []byte) { n.dispatchResource(peerNode, msgType, payload) }
	default:
		return func(wire.MsgType, []byte) {}
	}
}

// allocChannel and openDynamicChannel implement devserver.ChannelAllocator
// and devserver.ChannelOpener: pick the first free dynamic channel id
// (>=16) on the consumer's peer slot, and open it bound to the dispatch
// devserver supplies.
func (n *Node) allocChannel(consumer uint16) (uint8, bool) {
	p := n.Peers.Get(consumer)
	if p == nil {
		return 0, false
	}
	for id := int(wire.ChanDynamicMin); id <= 0xFF; id++ {
		if p.Channel(uint8(id)) == nil {
			return uint8(id), true
		}
	}
	return 0, false
}

func (n *Node) openDynamicChannel(consumer uint16, chID uint8, dispatch channel.Dispatch) *channel.Channel {
	return n.openChannel(consumer, chID, wire.PriorityThroughput, dispatch)
}

// lookupConsumerChannel implements devserver.ChannelLookup: find the
// already-open binding channel for (consumer, chID) so devserver can send
// DEV_OP_RESP / OP_NET_RX_NOTIFY back without reaching into the peer table
// itself.
func (n *Node) lookupConsumerChannel(consumer uint16, chID uint8) *channel.Channel {
	p := n.Peers.Get(consumer)
	if p == nil {
		return nil
	}
	return p.Channel(chID)
}

func (n *Node) closeAllChannels(peerNode uint16) {
	p := n.Peers.Get(peerNode)
	if p == nil {
		return
	}
	for _, ch := range p.AllChannels() {
		ch.Close()
	}
}

// --- the frame dispatcher ---

// onFrame is the single entry point every transport's RX handler feeds.
// HELLO/HELLO_ACK precede any peer existing and are handled directly;
// HEARTBEAT/LSA/FENCE_NOTIFY/RESOURCE_ADVERT/RESOURCE_WITHDRAW are
// self-healing periodic broadcasts that bypass the reliable channel
// engine entirely (the next refresh corrects a dropped one, the same way
// routing's flood and resource's advertise already build and send their
// frames directly rather than through channel.Send); everything else
// rides its well-known or dynamic channel for ordered, credited,
// retransmitted delivery.
func (n *Node) onFrame(tr transport.Adapter, raw []byte) {
	f, err := wire.DecodeFrame(raw)
	if err != nil {
		nlog.Warningf("node: dropping malformed frame: %v", err)
		return
	}
	h := f.Header

	switch h.MsgType {
	case wire.MsgHello:
		n.Peers.HandleHello(tr, f.Payload)
		return
	case wire.MsgHelloAck:
		n.Peers.HandleHelloAck(tr, f.Payload)
		return
	}

	if h.DstNode != n.localNode && h.DstNode != wire.NodeBroadcast {
		n.Routing.Forward(h, f.Payload)
		return
	}

	p := n.Peers.Get(h.SrcNode)
	if p == nil {
		nlog.Warningf("node: %s from unknown peer %d, dropping", h.MsgType, h.SrcNode)
		return
	}

	switch h.MsgType {
	case wire.MsgHeartbeat:
		n.Peers.HandleHeartbeat(p, f.Payload)
		return
	case wire.MsgHeartbeatAck:
		n.Peers.HandleHeartbeatAck(p, f.Payload)
		return
	case wire.MsgFenceNotify:
		n.Peers.HandleFenceNotify(f.Payload)
		return
	case wire.MsgLSA:
		n.Routing.HandleLSA(h.SrcNode, f.Payload)
		return
	case wire.MsgResourceAdvert:
		n.Resources.HandleAdvert(f.Payload)
		return
	case wire.MsgResourceWithdraw:
		n.Resources.HandleWithdraw(f.Payload)
		return
	}

	ch := p.Channel(h.ChannelID)
	if ch == nil {
		ch = n.openChannelForRX(p.NodeID, h.ChannelID)
	}
	if ch == nil {
		nlog.Warningf("node: no channel %d open for peer %d, dropping %s", h.ChannelID, h.SrcNode, h.MsgType)
		return
	}
	ch.Receive(h, f.Payload)
}

// openChannelForRX lazily opens a well-known channel on first inbound
// frame; dynamic channel ids are never created here -- they only exist
// once devserver.HandleAttach or devproxy.Attach has already opened them,
// and a frame arriving before that is simply dropped.
func (n *Node) openChannelForRX(peerNode uint16, chID uint8) *channel.Channel {
	switch chID {
	case wire.ChanControl, wire.ChanZoneMgmt, wire.ChanEventBus, wire.ChanResource:
		return n.openChannel(peerNode, chID, wire.PriorityThroughput, n.dispatchFor(chID, peerNode))
	default:
		return nil
	}
}

func (n *Node) dispatchControl(from uint16, msgType wire.MsgType, payload []byte) {
	switch msgType {
	case wire.MsgTaskSubmit:
		n.Compute.HandleSubmit(from, payload)
	case wire.MsgTaskAccept:
		n.Compute.HandleAccept(payload)
	case wire.MsgTaskReject:
		n.Compute.HandleReject(payload)
	case wire.MsgTaskComplete:
		n.Compute.HandleComplete(payload)
	case wire.MsgTaskCancel:
		n.Compute.HandleCancel(from, payload)
	case wire.MsgLoadReport:
		n.Compute.HandleLoadReport(from, payload)
	default:
		nlog.Warningf("node: unhandled control message %s from %d", msgType, from)
	}
}

func (n *Node) dispatchZone(from uint16, msgType wire.MsgType, payload []byte) {
	switch msgType {
	case wire.MsgZoneCreateReq:
		n.Zones.HandleCreateReq(from, payload)
	case wire.MsgZoneCreateAck:
		n.Zones.HandleCreateAck(payload)
	case wire.MsgZoneDestroy:
		n.Zones.HandleDestroy(payload)
	case wire.MsgZoneReadReq:
		n.Zones.HandleReadReq(from, payload)
	case wire.MsgZoneReadResp:
		n.Zones.HandleReadResp(payload)
	case wire.MsgZoneWriteReq:
		n.Zones.HandleWriteReq(from, payload)
	case wire.MsgZoneWriteAck:
		n.Zones.HandleWriteAck(payload)
	case wire.MsgZoneNotifyPre, wire.MsgZoneNotifyPost:
		n.Zones.HandleNotify(from, msgType, payload)
	case wire.MsgZoneNotifyPreAck, wire.MsgZoneNotifyPostAck:
		n.Zones.HandleNotifyAck(payload)
	default:
		nlog.Warningf("node: unhandled zone message %s from %d", msgType, from)
	}
}

func (n *Node) dispatchEvent(from uint16, msgType wire.MsgType, payload []byte) {
	switch msgType {
	case wire.MsgEventSubscribe:
		n.Events.HandleSubscribe(from, payload)
	case wire.MsgEventUnsubscribe:
		n.Events.HandleUnsubscribe(from, payload)
	case wire.MsgEventPublish:
		n.Events.HandlePublish(from, payload)
	case wire.MsgEventAck:
		n.Events.HandleAck(from, payload)
	default:
		nlog.Warningf("node: unhandled event message %s from %d", msgType, from)
	}
}

func (n *Node) dispatchResource(from uint16, msgType wire.MsgType, payload []byte) {
	switch msgType {
	case wire.MsgDevAttachReq:
		req, err := devserver.DecodeAttachReq(payload)
		if err != nil {
			return
		}
		ack := n.DevServer.HandleAttach(from, req)
		ch := n.openChannel(from, wire.ChanResource, wire.PriorityLatency, n.dispatchFor(wire.ChanResource, from))
		if ch == nil {
			return
		}
		if err := ch.Send(wire.MsgDevAttachAck, devserver.EncodeAttachAck(ack)); err != nil {
			nlog.Warningf("node: sending attach ack to %d: %v", from, err)
		}
	case wire.MsgDevAttachAck:
		ack, err := devserver.DecodeAttachAck(payload)
		n.attachMu.Lock()
		w, ok := n.attachPending[from]
		n.attachMu.Unlock()
		if !ok {
			return
		}
		w.mu.Lock()
		w.ack, w.err, w.done = ack, err, true
		w.mu.Unlock()
	default:
		nlog.Warningf("node: unhandled resource message %s from %d", msgType, from)
	}
}

// attach implements devproxy.Attacher: send DEV_ATTACH_REQ on the
// well-known Resource channel and spin-wait for the matching ACK. Only
// one attach may be in flight per owner node at a time, matching the
// synchronous spin-wait model the rest of the fabric uses for
// request/response RPCs.
func (n *Node) attach(owner uint16, req devserver.AttachReq, deadline time.Time) (devserver.AttachAck, error) {
	ch := n.openChannel(owner, wire.ChanResource, wire.PriorityLatency, n.dispatchFor(wire.ChanResource, owner))
	if ch == nil {
		return devserver.AttachAck{}, werrs.ErrNoRoute
	}
	w := &attachWait{}
	n.attachMu.Lock()
	n.attachPending[owner] = w
	n.attachMu.Unlock()
	defer func() {
		n.attachMu.Lock()
		delete(n.attachPending, owner)
		n.attachMu.Unlock()
	}()

	if err := ch.Send(wire.MsgDevAttachReq, devserver.EncodeAttachReq(req)); err != nil {
		return devserver.AttachAck{}, err
	}
	ok := channel.SpinYield(deadline, n.poll, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.done
	})
	if !ok {
		return devserver.AttachAck{}, werrs.ErrTimeout
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ack, w.err
}

func (n *Node) failPendingAttaches(peerNode uint16) {
	n.attachMu.Lock()
	defer n.attachMu.Unlock()
	if w, ok := n.attachPending[peerNode]; ok {
		w.mu.Lock()
		w.err, w.done = werrs.ErrPeerFenced, true
		w.mu.Unlock()
	}
}

// --- peer join/leave glue: routing adjacency and resource re-advert ---

func (n *Node) onPeerJoin(nodeID uint16) {
	mtu := 0
	if p := n.Peers.Get(nodeID); p != nil && p.Transport != nil {
		mtu = p.Transport.MTU()
	}
	n.Routing.OnNeighborChange(nodeID, 1, mtu, true)
	n.Resources.AllOnConnect()
}

func (n *Node) onPeerLeave(nodeID uint16) {
	n.Routing.OnNeighborChange(nodeID, 0, 0, false)
	n.Routing.InvalidateNode(nodeID)
}

// --- the periodic driver (spec §6: "~10ms tick cadence") ---

// Tick drives every subsystem's timer-based work once: channel
// retransmit, peer heartbeat/fencing, LSA aging (and, on their own
// slower cadences, LSA refresh and load broadcast), event-bus retry, and
// devserver's idle-FD sweep.
func (n *Node) Tick(now time.Time) {
	for _, p := range n.Peers.All() {
		for _, ch := range p.AllChannels() {
			ch.Tick(now)
		}
	}

	load := 0
	if n.localLoad != nil {
		load = int(n.localLoad().RunnableTasks)
	}
	n.Peers.Tick(now, load)
	n.Events.Tick(now)
	n.DevServer.IdleSweep(now, n.cfg.GracePeriod)
	n.Routing.AgeLSDB(now)

	n.tickMu.Lock()
	refreshLSA := now.Sub(n.lastLSARefresh) >= n.cfg.LSARefreshInterval
	if refreshLSA {
		n.lastLSARefresh = now
	}
	broadcastLoad := now.Sub(n.lastLoadBroadcast) >= n.cfg.LoadReportInterval
	if broadcastLoad {
		n.lastLoadBroadcast = now
	}
	n.tickMu.Unlock()

	if refreshLSA {
		n.Routing.RefreshLocalLSA()
	}
	if broadcastLoad {
		n.Compute.BroadcastLoad()
	}
}

// Run drives Tick on cfg.TickInterval until ctx is cancelled, and
// re-broadcasts HELLO on cfg.HelloBroadcastInterval so newly-booted
// neighbors are discovered without a restart.
func (n *Node) Run(ctx context.Context) {
	tick := time.NewTicker(n.cfg.TickInterval)
	defer tick.Stop()
	hello := time.NewTicker(n.cfg.HelloBroadcastInterval)
	defer hello.Stop()

	n.Peers.BroadcastHello()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			n.Tick(now)
		case <-hello.C:
			n.Peers.BroadcastHello()
		}
	}
}
