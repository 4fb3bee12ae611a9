// Package zone implements shared-memory zone negotiation from spec
// §4.J: two-sided ZONE_CREATE_REQ/ACK handshake with a cascading backing
// allocator (ivshmem RDMA pool -> RoCE-registered pages -> plain local
// pages), RDMA-direct vs message-based access, and pre/post-access
// notification hooks. The spin-wait create/access RPC texture is
// grounded on devproxy's synchronous call path; the cascading-fallback
// allocator is grounded on aistore's memsys SGL pooling idiom, adapted
// since aistore has no two-sided RDMA negotiation of its own.
package zone

import (
	"sync"
	"time"

	"github.com/Pascu-Victor/wki/channel"
	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/internal/metrics"
	"github.com/Pascu-Victor/wki/internal/werrs"
	"github.com/Pascu-Victor/wki/transport"
	"github.com/Pascu-Victor/wki/wire"
)

type State int

const (
	StateNone State = iota
	StateNegotiating
	StateActive
)

// AccessPolicy bits (spec §4.J access_policy).
type AccessPolicy uint8

const (
	LocalRead AccessPolicy = 1 << iota
	LocalWrite
	RemoteRead
	RemoteWrite
)

type NotifyMode uint8

const (
	NotifyNone NotifyMode = iota
	NotifyPreOnly
	NotifyPostOnly
	NotifyPreAndPost
)

func (m NotifyMode) wantsPre() bool  { return m == NotifyPreOnly || m == NotifyPreAndPost }
func (m NotifyMode) wantsPost() bool { return m == NotifyPostOnly || m == NotifyPreAndPost }

type backingKind uint8

const (
	backingNone backingKind = iota
	backingIvshmem
	backingRoCE
	backingPlain
)

const notifyOpRkeyExchange = 0xFE

// NotifyHandler is invoked on pre/post remote access (spec §4.J).
type NotifyHandler func(zoneID uint32, offset, length uint32, opType uint8)

// Send transmits a message to a peer over the ZoneMgmt channel.
type Send func(node uint16, msgType wire.MsgType, payload []byte) error

// Zone mirrors spec.md's zone record (spec §3 Zone record).
type Zone struct {
	ZoneID     uint32
	PeerNode   uint16
	State      State
	Size       uint32
	Policy     AccessPolicy
	NotifyMode NotifyMode

	backing    backingKind
	localBuf   []byte // plain/roce-registered local memory, directly addressable
	localRkey  uint32
	remoteRkey uint32
	remotePhys uint64

	PreHandler  NotifyHandler
	PostHandler NotifyHandler

	mu             sync.Mutex
	created        chan createResult // initiator-only, closed once on ack
	rpcs           map[uint32]*pendingRPC
	rpcSeq         uint32
	bulkAssemblies map[uint32]*bulkAssembly
}

type createResult struct {
	ok      bool
	backing backingKind
	rkey    uint32
	phys    uint64
}

type pendingRPC struct {
	done bool
	data []byte
	err  error
}

// Manager owns every zone this node participates in, plus the cascading
// backing allocator.
type Manager struct {
	mu    sync.Mutex
	zones map[uint32]*Zone

	localNode uint16
	cfg       *config.Config
	send      Send
	poll      channel.PollFn

	ivshmem *transport.RDMAPool
	roce    func(peer uint16) (transport.RDMA, bool)
}

func NewManager(localNode uint16, cfg *config.Config, send Send, poll channel.PollFn,
	ivshmem *transport.RDMAPool, roce func(peer uint16) (transport.RDMA, bool)) *Manager {
	return &Manager{
		zones: make(map[uint32]*Zone), localNode: localNode, cfg: cfg,
		send: send, poll: poll, ivshmem: ivshmem, roce: roce,
	}
}

func (m *Manager) Get(zoneID uint32) (*Zone, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zones[zoneID]
	return z, ok
}

// Create negotiates a new zone with peer, spin-yielding for the ACK
// (spec §4.J paragraph 1).
func (m *Manager) Create(peer uint16, zoneID uint32, size uint32, policy AccessPolicy, mode NotifyMode) (*Zone, error) {
	if size == 0 || size%pageSize != 0 {
		return nil, werrs.Wrapf(werrs.ErrInvalidArgument, "zone: size %d not page-aligned", size)
	}
	m.mu.Lock()
	if _, exists := m.zones[zoneID]; exists {
		m.mu.Unlock()
		return nil, werrs.ErrZoneExists
	}
	z := &Zone{
		ZoneID: zoneID, PeerNode: peer, State: StateNegotiating, Size: size,
		Policy: policy, NotifyMode: mode, created: make(chan createResult, 1),
		rpcs: make(map[uint32]*pendingRPC),
	}
	m.zones[zoneID] = z
	m.mu.Unlock()

	if err := m.send(peer, wire.MsgZoneCreateReq, encodeCreateReq(zoneID, size, policy, mode)); err != nil {
		m.mu.Lock()
		delete(m.zones, zoneID)
		m.mu.Unlock()
		return nil, err
	}

	deadline := time.Now().Add(m.cfg.AttachTimeout)
	var result createResult
	ok := channel.SpinYield(deadline, m.poll, func() bool {
		select {
		case result = <-z.created:
			return true
		default:
			return false
		}
	})
	if !ok || !result.ok {
		m.mu.Lock()
		delete(m.zones, zoneID)
		m.mu.Unlock()
		if !ok {
			return nil, werrs.ErrTimeout
		}
		return nil, werrs.ErrZoneRejected
	}

	kind, buf, rkey := m.allocateMirror(peer, result.backing, size)
	z.mu.Lock()
	z.backing = kind
	z.localBuf = buf
	z.localRkey = rkey
	z.remoteRkey = result.rkey
	z.remotePhys = result.phys
	z.State = StateActive
	z.mu.Unlock()
	metrics.ZonesActive.Inc()

	if kind == backingRoCE {
		_ = m.send(peer, wire.MsgZoneNotifyPost, encodeNotify(zoneID, m.nextSeq(z), rkey, 0, notifyOpRkeyExchange, le64bytes(0)))
	}
	return z, nil
}

// HandleCreateReq is the responder side of spec §4.J's three-way
// handshake: validate, allocate backing via the cascade, go Active, ACK.
func (m *Manager) HandleCreateReq(fromNode uint16, payload []byte) {
	zoneID, size, policy, mode, err := decodeCreateReq(payload)
	if err != nil {
		return
	}
	if size == 0 || size%pageSize != 0 {
		_ = m.send(fromNode, wire.MsgZoneCreateAck, encodeCreateAck(zoneID, false, 0, 0, backingPlain))
		return
	}
	m.mu.Lock()
	if _, exists := m.zones[zoneID]; exists {
		m.mu.Unlock()
		_ = m.send(fromNode, wire.MsgZoneCreateAck, encodeCreateAck(zoneID, false, 0, 0, backingPlain))
		return
	}
	z := &Zone{
		ZoneID: zoneID, PeerNode: fromNode, State: StateNegotiating, Size: size,
		Policy: policy, NotifyMode: mode, rpcs: make(map[uint32]*pendingRPC),
	}
	m.zones[zoneID] = z
	m.mu.Unlock()

	kind, buf, rkey := m.allocateCascade(fromNode, size)
	z.mu.Lock()
	z.backing, z.localBuf, z.localRkey, z.State = kind, buf, rkey, StateActive
	z.mu.Unlock()
	metrics.ZonesActive.Inc()

	_ = m.send(fromNode, wire.MsgZoneCreateAck, encodeCreateAck(zoneID, true, uint64(rkey), rkey, kind))
}

// HandleCreateAck unblocks Create's spin-wait.
func (m *Manager) HandleCreateAck(payload []byte) {
	zoneID, ok, phys, rkey, backing, err := decodeCreateAck(payload)
	if err != nil {
		return
	}
	m.mu.Lock()
	z, exists := m.zones[zoneID]
	m.mu.Unlock()
	if !exists {
		return
	}
	select {
	case z.created <- createResult{ok: ok, backing: backing, rkey: rkey, phys: phys}:
	default:
	}
}

// allocateCascade implements the full responder-side cascade: ivshmem
// RDMA pool -> RoCE-registered local pages -> plain local pages (spec
// §4.J step 2).
func (m *Manager) allocateCascade(peer uint16, size uint32) (backingKind, []byte, uint32) {
	if m.ivshmem != nil {
		if rkey, _, err := m.ivshmem.Register(int(size)); err == nil {
			slab, _ := m.ivshmem.Slab(rkey)
			return backingIvshmem, slab, rkey
		}
	}
	if m.roce != nil {
		if adapter, ok := m.roce(peer); ok {
			if rkey, err := adapter.RegisterRegion(0, int(size)); err == nil {
				return backingRoCE, make([]byte, size), rkey
			}
		}
	}
	return backingPlain, make([]byte, size), 0
}

// allocateMirror is the initiator-side counterpart: it mirrors the
// responder's chosen backing kind, falling back to message-based plain
// pages on failure (spec §4.J: "falls back to message-based on
// failure").
func (m *Manager) allocateMirror(peer uint16, kind backingKind, size uint32) (backingKind, []byte, uint32) {
	switch kind {
	case backingIvshmem:
		if m.ivshmem != nil {
			if rkey, _, err := m.ivshmem.Register(int(size)); err == nil {
				slab, _ := m.ivshmem.Slab(rkey)
				return backingIvshmem, slab, rkey
			}
		}
	case backingRoCE:
		if m.roce != nil {
			if adapter, ok := m.roce(peer); ok {
				if rkey, err := adapter.RegisterRegion(0, int(size)); err == nil {
					return backingRoCE, make([]byte, size), rkey
				}
			}
		}
	}
	return backingPlain, make([]byte, size), 0
}

const pageSize = 4096

// GetPtr returns the local backing pointer for direct access (spec
// §4.J: "get_ptr(zone_id) returns the local backing pointer").
func (z *Zone) GetPtr() ([]byte, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.backing == backingPlain && z.localBuf == nil {
		return nil, false
	}
	return z.localBuf, z.backing != backingNone && z.localBuf != nil
}

func (z *Zone) isRDMADirect() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.backing == backingIvshmem || z.backing == backingRoCE
}

// Read implements spec §4.J access: direct pointer read for RDMA-direct
// zones, chunked ZONE_READ_REQ/RESP otherwise.
func (m *Manager) Read(z *Zone, offset, length uint32) ([]byte, error) {
	if z.isRDMADirect() {
		z.mu.Lock()
		defer z.mu.Unlock()
		if int(offset+length) > len(z.localBuf) {
			return nil, werrs.ErrInvalidArgument
		}
		if z.NotifyMode.wantsPre() {
			_ = m.notifyAndWait(z, wire.MsgZoneNotifyPre, offset, length, 0)
		}
		out := make([]byte, length)
		copy(out, z.localBuf[offset:offset+length])
		if z.NotifyMode.wantsPost() {
			_ = m.notifyAndWait(z, wire.MsgZoneNotifyPost, offset, length, 0)
		}
		return out, nil
	}
	return m.messageRead(z, offset, length)
}

// Write implements spec §4.J access, message-based or RDMA-direct.
func (m *Manager) Write(z *Zone, offset uint32, data []byte) error {
	if z.isRDMADirect() {
		z.mu.Lock()
		defer z.mu.Unlock()
		if int(offset)+len(data) > len(z.localBuf) {
			return werrs.ErrInvalidArgument
		}
		if z.NotifyMode.wantsPre() {
			_ = m.notifyAndWait(z, wire.MsgZoneNotifyPre, offset, uint32(len(data)), 1)
		}
		copy(z.localBuf[offset:], data)
		if z.NotifyMode.wantsPost() {
			_ = m.notifyAndWait(z, wire.MsgZoneNotifyPost, offset, uint32(len(data)), 1)
		}
		return nil
	}
	return m.messageWrite(z, offset, data)
}

const zoneChunkSize = 1024

func (m *Manager) messageRead(z *Zone, offset, length uint32) ([]byte, error) {
	out := make([]byte, 0, length)
	for remaining := length; remaining > 0; {
		n := remaining
		if n > zoneChunkSize {
			n = zoneChunkSize
		}
		seq := m.nextSeq(z)
		req := encodeReadReq(z.ZoneID, seq, offset, n)
		chunk, err := m.rpc(z, seq, wire.MsgZoneReadReq, req)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		offset += n
		remaining -= n
	}
	return out, nil
}

func (m *Manager) messageWrite(z *Zone, offset uint32, data []byte) error {
	if len(data) > bulkThreshold {
		return m.messageWriteBulk(z, offset, data)
	}
	return m.messageWritePlain(z, offset, data)
}

func (m *Manager) nextSeq(z *Zone) uint32 {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.rpcSeq++
	return z.rpcSeq
}

func (m *Manager) rpc(z *Zone, seq uint32, msgType wire.MsgType, body []byte) ([]byte, error) {
	po := &pendingRPC{}
	z.mu.Lock()
	z.rpcs[seq] = po
	z.mu.Unlock()

	if err := m.send(z.PeerNode, msgType, body); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(m.cfg.AttachTimeout)
	ok := channel.SpinYield(deadline, m.poll, func() bool {
		z.mu.Lock()
		defer z.mu.Unlock()
		return po.done
	})
	z.mu.Lock()
	delete(z.rpcs, seq)
	z.mu.Unlock()
	if !ok {
		return nil, werrs.ErrTimeout
	}
	return po.data, po.err
}

func (m *Manager) notifyAndWait(z *Zone, msgType wire.MsgType, offset, length uint32, opType uint8) error {
	seq := m.nextSeq(z)
	_, err := m.rpc(z, seq, msgType, encodeNotify(z.ZoneID, seq, offset, length, opType, nil))
	return err
}

// HandleReadReq services a remote message-based read (spec §4.J access,
// responder side).
func (m *Manager) HandleReadReq(fromNode uint16, payload []byte) {
	zoneID, seq, offset, length, err := decodeReadReq(payload)
	if err != nil {
		return
	}
	z, ok := m.Get(zoneID)
	if !ok {
		_ = m.send(fromNode, wire.MsgZoneReadResp, encodeReadResp(zoneID, seq, false, nil))
		return
	}
	z.mu.Lock()
	if z.Policy&RemoteRead == 0 {
		z.mu.Unlock()
		_ = m.send(fromNode, wire.MsgZoneReadResp, encodeReadResp(zoneID, seq, false, nil))
		return
	}
	if int(offset+length) > len(z.localBuf) {
		z.mu.Unlock()
		_ = m.send(fromNode, wire.MsgZoneReadResp, encodeReadResp(zoneID, seq, false, nil))
		return
	}
	pre, post, mode := z.PreHandler, z.PostHandler, z.NotifyMode
	if mode.wantsPre() && pre != nil {
		pre(zoneID, offset, length, 0)
	}
	data := make([]byte, length)
	copy(data, z.localBuf[offset:offset+length])
	if mode.wantsPost() && post != nil {
		post(zoneID, offset, length, 0)
	}
	z.mu.Unlock()
	_ = m.send(fromNode, wire.MsgZoneReadResp, encodeReadResp(zoneID, seq, true, data))
}

func (m *Manager) HandleReadResp(payload []byte) {
	zoneID, seq, ok, data, err := decodeReadResp(payload)
	if err != nil {
		return
	}
	m.completeRPC(zoneID, seq, data, ok)
}

// HandleWriteReq services a remote message-based write: a plain chunk
// applies directly, a bulk shard/trailer is routed to the reedsolomon
// reassembly path (spec SPEC_FULL.md domain stack).
func (m *Manager) HandleWriteReq(fromNode uint16, payload []byte) {
	zoneID, seq, offset, kind, data, err := decodeWriteReq(payload)
	if err != nil {
		return
	}
	z, ok := m.Get(zoneID)
	if !ok {
		_ = m.send(fromNode, wire.MsgZoneWriteAck, encodeWriteAck(zoneID, seq, false))
		return
	}
	if kind == writeKindBulkShard {
		m.handleBulkShard(fromNode, z, seq, data)
		return
	}
	if kind == writeKindBulkTrailer {
		m.handleBulkTrailer(fromNode, z, seq, offset, data)
		return
	}
	z.mu.Lock()
	if z.Policy&RemoteWrite == 0 || int(offset)+len(data) > len(z.localBuf) {
		z.mu.Unlock()
		_ = m.send(fromNode, wire.MsgZoneWriteAck, encodeWriteAck(zoneID, seq, false))
		return
	}
	pre, post, mode := z.PreHandler, z.PostHandler, z.NotifyMode
	length := uint32(len(data))
	if mode.wantsPre() && pre != nil {
		pre(zoneID, offset, length, 1)
	}
	copy(z.localBuf[offset:], data)
	if mode.wantsPost() && post != nil {
		post(zoneID, offset, length, 1)
	}
	z.mu.Unlock()
	_ = m.send(fromNode, wire.MsgZoneWriteAck, encodeWriteAck(zoneID, seq, true))
}

func (m *Manager) HandleWriteAck(payload []byte) {
	zoneID, seq, ok, err := decodeWriteAck(payload)
	if err != nil {
		return
	}
	m.completeRPC(zoneID, seq, nil, ok)
}

func (m *Manager) completeRPC(zoneID, seq uint32, data []byte, ok bool) {
	z, exists := m.Get(zoneID)
	if !exists {
		return
	}
	z.mu.Lock()
	po, ok2 := z.rpcs[seq]
	if ok2 {
		po.data = data
		if !ok {
			po.err = werrs.ErrZoneAccessDenied
		}
		po.done = true
	}
	z.mu.Unlock()
}

// HandleNotify invokes the registered pre/post handler and ACKs (spec
// §4.J notifications).
func (m *Manager) HandleNotify(fromNode uint16, msgType wire.MsgType, payload []byte) {
	zoneID, seq, offset, length, opType, extra, err := decodeNotify(payload)
	if err != nil {
		return
	}
	z, ok := m.Get(zoneID)
	if !ok {
		return
	}
	if msgType == wire.MsgZoneNotifyPost && opType == notifyOpRkeyExchange {
		z.mu.Lock()
		z.remoteRkey = offset
		z.remotePhys = le64(extra)
		z.mu.Unlock()
		return
	}
	z.mu.Lock()
	pre, post := z.PreHandler, z.PostHandler
	z.mu.Unlock()
	ackType := wire.MsgZoneNotifyPreAck
	if msgType == wire.MsgZoneNotifyPost {
		ackType = wire.MsgZoneNotifyPostAck
	}
	if msgType == wire.MsgZoneNotifyPre && pre != nil {
		pre(zoneID, offset, length, opType)
	} else if msgType == wire.MsgZoneNotifyPost && post != nil {
		post(zoneID, offset, length, opType)
	}
	_ = m.send(fromNode, ackType, encodeNotifyAck(zoneID, seq))
}

func (m *Manager) HandleNotifyAck(payload []byte) {
	zoneID, seq, err := decodeNotifyAck(payload)
	if err != nil {
		return
	}
	m.completeRPC(zoneID, seq, nil, true)
}

// Destroy frees backing, removes the record, and notifies the peer
// (spec §4.J lifecycle).
func (m *Manager) Destroy(zoneID uint32) error {
	m.mu.Lock()
	z, ok := m.zones[zoneID]
	if ok {
		delete(m.zones, zoneID)
	}
	m.mu.Unlock()
	if !ok {
		return werrs.ErrZoneNotFound
	}
	m.freeBacking(z)
	metrics.ZonesActive.Dec()
	return m.send(z.PeerNode, wire.MsgZoneDestroy, encodeDestroy(zoneID))
}

func (m *Manager) HandleDestroy(payload []byte) {
	zoneID, err := decodeDestroy(payload)
	if err != nil {
		return
	}
	m.mu.Lock()
	z, ok := m.zones[zoneID]
	if ok {
		delete(m.zones, zoneID)
	}
	m.mu.Unlock()
	if ok {
		m.freeBacking(z)
		metrics.ZonesActive.Dec()
	}
}

func (m *Manager) freeBacking(z *Zone) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.backing == backingIvshmem && m.ivshmem != nil {
		m.ivshmem.Release(z.localRkey)
	}
	z.localBuf = nil
	z.State = StateNone
}

// FenceHook destroys every zone shared with a fenced peer (spec §4.J
// lifecycle, spec §4.D fencing cascade step "zones").
func (m *Manager) FenceHook(peerNode uint16) {
	m.mu.Lock()
	var victims []uint32
	for id, z := range m.zones {
		if z.PeerNode == peerNode {
			victims = append(victims, id)
		}
	}
	m.mu.Unlock()
	for _, id := range victims {
		m.mu.Lock()
		z, ok := m.zones[id]
		if ok {
			delete(m.zones, id)
		}
		m.mu.Unlock()
		if ok {
			m.freeBacking(z)
			metrics.ZonesActive.Dec()
		}
	}
}

func le64bytes(v uint64) []byte {
	b := make([]byte, 8)
	putLE64(b, v)
	return b
}
