// Package devserver implements the server-side resource binding table and
// operation dispatcher from spec §4.G: DEV_ATTACH_REQ handling, the
// per-binding operation dispatch (block/NIC/VFS op ids), the NIC
// RX-forwarding hook, and VFS export-root path translation with an idle
// FD-table sweep. The binding-table demux-by-key shape is grounded on
// aistore's transport/bundle package (demux of arriving objects to
// registered receivers keyed by xaction id); the per-binding RX multicast
// filter uses github.com/seiflotfy/cuckoofilter the way SPEC_FULL.md's
// domain stack wires it in.
package devserver

import (
	"encoding/binary"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/seiflotfy/cuckoofilter"

	"github.com/Pascu-Victor/wki/channel"
	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/internal/nlog"
	"github.com/Pascu-Victor/wki/internal/werrs"
	"github.com/Pascu-Victor/wki/wire"
)

// Status codes carried in DEV_ATTACH_ACK (spec §4.G).
type Status uint8

const (
	StatusOK Status = iota
	StatusNotFound
	StatusNotRemotable
	StatusBusy
	StatusAccessDenied
)

// Backing is the local subsystem's plug-in contract (spec §9: "the local
// subsystem's plug-in contract is a capability set"). One Backing exists
// per locally-owned remotable resource.
type Backing interface {
	CanRemote() bool
	OnRemoteAttach(consumer uint16) error
	OnRemoteDetach(consumer uint16)
	// Dispatch executes op on the given request payload and returns a
	// response payload; implementations bound op handling by max_op_size.
	Dispatch(op wire.OpID, req []byte) (resp []byte, status uint8, err error)
	MaxOpSize() int
}

// Binding is the server-side record from spec §3.
type Binding struct {
	ConsumerNode uint16
	ChannelID    uint8
	ResourceType wire.ResourceType
	ResourceID   uint32
	Backing      Backing

	// NIC-only: per-binding RX filter.
	acceptUnicast   bool
	acceptMulticast bool
	mcastFilter     *cuckoofilter.CuckooFilter

	lastActivity time.Time
	openFDs      map[uint32]*openFile // VFS-only
}

type openFile struct {
	path         string
	lastActivity time.Time
}

// ChannelAllocator assigns a fresh dynamic channel id for a new binding,
// returning (0, false) if the per-peer channel pool is exhausted.
type ChannelAllocator func(consumer uint16) (chID uint8, ok bool)

// ChannelOpener wires a dynamic channel's Out/Dispatch once it's assigned.
type ChannelOpener func(consumer uint16, chID uint8, dispatch channel.Dispatch) *channel.Channel

// Server is the node-wide dispatcher + binding table.
type Server struct {
	mu       sync.Mutex
	bindings map[bindingKey]*Binding

	resolve   func(rt wire.ResourceType, id uint32) (Backing, bool)
	allocChan ChannelAllocator
	openChan  ChannelOpener
	isConnected func(node uint16) bool
	channelLookup func(consumer uint16, chID uint8) *channel.Channel

	cfg *config.Config
}

type bindingKey struct {
	consumer uint16
	channel  uint8
}

func NewServer(cfg *config.Config, resolve func(wire.ResourceType, uint32) (Backing, bool),
	allocChan ChannelAllocator, openChan ChannelOpener, isConnected func(uint16) bool) *Server {
	return &Server{
		bindings: make(map[bindingKey]*Binding), resolve: resolve,
		allocChan: allocChan, openChan: openChan, isConnected: isConnected, cfg: cfg,
	}
}

// AttachReq is the DEV_ATTACH_REQ payload (fixed binary tuple, spec §6).
type AttachReq struct {
	ResourceType wire.ResourceType
	ResourceID   uint32
	AcceptMulticast bool
}

// AttachAck is the DEV_ATTACH_ACK payload.
type AttachAck struct {
	Status    Status
	ChannelID uint8
	MaxOpSize uint32
}

// EncodeAttachReq/DecodeAttachReq and EncodeAttachAck/DecodeAttachAck marshal
// the DEV_ATTACH_REQ/ACK fixed binary tuples exchanged on the well-known
// Resource channel, exported so the fabric's dispatcher and devproxy's
// Attacher can cross the wire without reaching into the binding table.
func EncodeAttachReq(r AttachReq) []byte {
	out := make([]byte, 6)
	out[0] = byte(r.ResourceType)
	binary.LittleEndian.PutUint32(out[1:5], r.ResourceID)
	if r.AcceptMulticast {
		out[5] = 1
	}
	return out
}

func DecodeAttachReq(buf []byte) (AttachReq, error) {
	if len(buf) < 6 {
		return AttachReq{}, werrs.ErrInvalidArgument
	}
	return AttachReq{
		ResourceType:    wire.ResourceType(buf[0]),
		ResourceID:      binary.LittleEndian.Uint32(buf[1:5]),
		AcceptMulticast: buf[5] != 0,
	}, nil
}

func EncodeAttachAck(a AttachAck) []byte {
	out := make([]byte, 6)
	out[0] = byte(a.Status)
	out[1] = a.ChannelID
	binary.LittleEndian.PutUint32(out[2:6], a.MaxOpSize)
	return out
}

func DecodeAttachAck(buf []byte) (AttachAck, error) {
	if len(buf) < 6 {
		return AttachAck{}, werrs.ErrInvalidArgument
	}
	return AttachAck{
		Status:    Status(buf[0]),
		ChannelID: buf[1],
		MaxOpSize: binary.LittleEndian.Uint32(buf[2:6]),
	}, nil
}

// HandleAttach implements the five-step accept path from spec §4.G. The
// ACK is always returned for the caller to send on the well-known
// Resource channel (not the new dynamic channel), per spec §4.G.
func (s *Server) HandleAttach(consumer uint16, req AttachReq) AttachAck {
	backing, ok := s.resolve(req.ResourceType, req.ResourceID)
	if !ok {
		return AttachAck{Status: StatusNotFound}
	}
	if !backing.CanRemote() {
		return AttachAck{Status: StatusNotRemotable}
	}
	chID, ok := s.allocChan(consumer)
	if !ok {
		return AttachAck{Status: StatusBusy}
	}
	if err := backing.OnRemoteAttach(consumer); err != nil {
		return AttachAck{Status: StatusBusy}
	}

	b := &Binding{
		ConsumerNode: consumer, ChannelID: chID, ResourceType: req.ResourceType,
		ResourceID: req.ResourceID, Backing: backing, acceptUnicast: true,
		acceptMulticast: req.AcceptMulticast, lastActivity: time.Now(),
		openFDs: make(map[uint32]*openFile),
	}
	if req.AcceptMulticast {
		b.mcastFilter = cuckoofilter.NewDefaultCuckooFilter()
	}

	s.mu.Lock()
	s.bindings[bindingKey{consumer: consumer, channel: chID}] = b
	s.mu.Unlock()

	s.openChan(consumer, chID, func(msgType wire.MsgType, payload []byte) {
		s.dispatchOnChannel(consumer, chID, msgType, payload)
	})

	return AttachAck{Status: StatusOK, ChannelID: chID, MaxOpSize: uint32(backing.MaxOpSize())}
}

// Detach tears down one binding (DEV_DETACH, or part of the fencing
// cascade for every binding owned by a fenced consumer).
func (s *Server) Detach(consumer uint16, chID uint8) {
	s.mu.Lock()
	k := bindingKey{consumer: consumer, channel: chID}
	b, ok := s.bindings[k]
	delete(s.bindings, k)
	s.mu.Unlock()
	if ok {
		b.Backing.OnRemoteDetach(consumer)
	}
}

// DetachAll removes every binding for consumer (fencing cascade step
// "device-server bindings").
func (s *Server) DetachAll(consumer uint16) {
	s.mu.Lock()
	var victims []bindingKey
	for k := range s.bindings {
		if k.consumer == consumer {
			victims = append(victims, k)
		}
	}
	s.mu.Unlock()
	for _, k := range victims {
		s.Detach(k.consumer, k.channel)
	}
}

// OpRequest/OpResponse are the fixed-position DEV_OP_REQ/RESP tuples
// (spec §6).
type OpRequest struct {
	Op   wire.OpID
	Data []byte
}

type OpResponse struct {
	Op     wire.OpID
	Status uint8
	Data   []byte
}

func (s *Server) dispatchOnChannel(consumer uint16, chID uint8, msgType wire.MsgType, payload []byte) {
	switch msgType {
	case wire.MsgDevOpReq:
		s.handleOpReq(consumer, chID, payload)
	case wire.MsgDevDetach:
		s.Detach(consumer, chID)
	default:
		nlog.Warningf("devserver: unexpected msg type %s on binding channel, dropping", msgType)
	}
}

func (s *Server) handleOpReq(consumer uint16, chID uint8, payload []byte) {
	s.mu.Lock()
	b, ok := s.bindings[bindingKey{consumer: consumer, channel: chID}]
	s.mu.Unlock()
	if !ok {
		return // unknown binding: dropped silently per spec §7
	}
	b.lastActivity = time.Now()

	req, err := decodeOpRequest(payload)
	if err != nil {
		nlog.Warningf("devserver: malformed op request: %v", err)
		return
	}

	var resp []byte
	var status uint8
	if req.Op.String() != "UNKNOWN_OP" {
		resp, status, err = b.Backing.Dispatch(req.Op, req.Data)
		if err != nil {
			status = uint8(werrsToStatus(err))
		}
	} else {
		return // unknown op id: dropped silently per spec §7
	}

	if len(resp) > b.Backing.MaxOpSize() {
		resp = resp[:b.Backing.MaxOpSize()]
	}
	out := encodeOpResponse(OpResponse{Op: req.Op, Status: status, Data: resp})

	ch := s.lookupChannel(consumer, chID)
	if ch != nil {
		_ = ch.Send(wire.MsgDevOpResp, out)
	}
}

func werrsToStatus(err error) Status {
	switch {
	case werrs.Is(err, werrs.ErrNotFound):
		return StatusNotFound
	case werrs.Is(err, werrs.ErrBusy):
		return StatusBusy
	default:
		return StatusBusy
	}
}

// lookupChannel is overridden by the fabric layer at construction time
// via SetChannelLookup; devserver itself doesn't own the peer table.
func (s *Server) lookupChannel(consumer uint16, chID uint8) *channel.Channel {
	if s.channelLookup == nil {
		return nil
	}
	return s.channelLookup(consumer, chID)
}

// SetChannelLookup wires the function that maps (consumer, channel) back
// to the live *channel.Channel, used to send DEV_OP_RESP.
func (s *Server) SetChannelLookup(fn func(consumer uint16, chID uint8) *channel.Channel) {
	s.channelLookup = fn
}

// ForwardNICRx fans a received frame out to every binding for the given
// NIC resource whose RX filter accepts it (spec §4.G: "install an
// RX-forward hook on the NIC so received packets are forwarded to every
// consumer binding matching that device").
func (s *Server) ForwardNICRx(resourceID uint32, destMAC string, isMulticast bool, frame []byte) {
	s.mu.Lock()
	var targets []*Binding
	for _, b := range s.bindings {
		if b.ResourceType != wire.ResourceNet || b.ResourceID != resourceID {
			continue
		}
		if isMulticast {
			if !b.acceptMulticast {
				continue
			}
			if b.mcastFilter != nil && !b.mcastFilter.Lookup([]byte(destMAC)) {
				continue
			}
		} else if !b.acceptUnicast {
			continue
		}
		targets = append(targets, b)
	}
	s.mu.Unlock()

	for _, b := range targets {
		ch := s.lookupChannel(b.ConsumerNode, b.ChannelID)
		if ch == nil {
			continue
		}
		_ = ch.Send(wire.MsgDevOpReq, encodeOpResponse(OpResponse{Op: wire.OpNetRXNotify, Data: frame}))
	}
}

// JoinMulticast registers a multicast group a binding should also accept.
func (s *Server) JoinMulticast(consumer uint16, chID uint8, group string) {
	s.mu.Lock()
	b, ok := s.bindings[bindingKey{consumer: consumer, channel: chID}]
	s.mu.Unlock()
	if ok && b.mcastFilter != nil {
		b.mcastFilter.InsertUnique([]byte(group))
	}
}

// SafeJoin resolves a relative path under an export root, rejecting any
// attempt to escape the root via ".." traversal (SPEC_FULL.md G
// supplement). Returns the joined absolute path.
func SafeJoin(root, rel string) (string, error) {
	if c := filepath.Clean(rel); c == ".." || strings.HasPrefix(c, ".."+string(filepath.Separator)) {
		return "", werrs.ErrInvalidArgument
	}
	clean := filepath.Clean("/" + rel)
	full := filepath.Join(root, clean)
	if !strings.HasPrefix(full, filepath.Clean(root)+string(filepath.Separator)) && full != filepath.Clean(root) {
		return "", werrs.ErrInvalidArgument
	}
	return full, nil
}

// IdleSweep closes server-side FDs idle longer than threshold, for
// bindings whose consumer is no longer Connected (spec §4.G); call on
// the periodic tick.
func (s *Server) IdleSweep(now time.Time, threshold time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindings {
		if s.isConnected != nil && s.isConnected(b.ConsumerNode) {
			continue
		}
		for fd, f := range b.openFDs {
			if now.Sub(f.lastActivity) > threshold {
				delete(b.openFDs, fd)
			}
		}
	}
}

// decodeOpRequest/encodeOpResponse implement the fixed-position binary
// tuples from spec §6: a 2-byte op id followed by the status/length-
// prefixed data region.
func decodeOpRequest(buf []byte) (OpRequest, error) {
	if len(buf) < 2 {
		return OpRequest{}, werrs.ErrInvalidArgument
	}
	op := wire.OpID(binary.LittleEndian.Uint16(buf[0:2]))
	return OpRequest{Op: op, Data: buf[2:]}, nil
}

func encodeOpResponse(r OpResponse) []byte {
	out := make([]byte, 2+1+4+len(r.Data))
	binary.LittleEndian.PutUint16(out[0:2], uint16(r.Op))
	out[2] = r.Status
	binary.LittleEndian.PutUint32(out[3:7], uint32(len(r.Data)))
	copy(out[7:], r.Data)
	return out
}

// DecodeOpResponse is exported for devproxy to parse a DEV_OP_RESP.
func DecodeOpResponse(buf []byte) (OpResponse, error) {
	if len(buf) < 7 {
		return OpResponse{}, werrs.ErrInvalidArgument
	}
	op := wire.OpID(binary.LittleEndian.Uint16(buf[0:2]))
	status := buf[2]
	n := binary.LittleEndian.Uint32(buf[3:7])
	if int(n) > len(buf)-7 {
		return OpResponse{}, werrs.ErrInvalidArgument
	}
	return OpResponse{Op: op, Status: status, Data: buf[7 : 7+n]}, nil
}

// EncodeOpRequest is exported for devproxy to build a DEV_OP_REQ.
func EncodeOpRequest(op wire.OpID, data []byte) []byte {
	out := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(out[0:2], uint16(op))
	copy(out[2:], data)
	return out
}

// DecodeOpRequest is exported for test harnesses and the fabric
// dispatcher that need to parse a DEV_OP_REQ payload directly.
func DecodeOpRequest(buf []byte) (OpRequest, error) { return decodeOpRequest(buf) }

// EncodeOpResponse is exported for test harnesses that simulate the
// server side of a DEV_OP_REQ/RESP exchange.
func EncodeOpResponse(r OpResponse) []byte { return encodeOpResponse(r) }
