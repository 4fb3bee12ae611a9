// Package channel implements the per-(peer, channel-id) reliable ordered
// delivery engine from spec §4.C: sequence numbers, cumulative ACK with
// piggyback, Jacobson/Karels RTO, fast retransmit, a reorder buffer, and
// credit-based flow control. The async send-queue shape is grounded on
// aistore's transport package (SQ/SCQ pattern in transport/api.go); the
// RTO/Karn's-algorithm sampling follows RFC 6298 as spec §4.C names it.
package channel

import (
	"sync"
	"time"

	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/internal/metrics"
	"github.com/Pascu-Victor/wki/internal/nlog"
	"github.com/Pascu-Victor/wki/internal/werrs"
	"github.com/Pascu-Victor/wki/wire"
)

// inlineCap bounds the inline retransmit-entry buffer; frames at or below
// this size are copied into the entry's fixed array (no extra heap
// allocation), matching the inline-vs-heap optimization spec §9 calls out
// as worth preserving. Larger frames fall back to a plain heap slice.
const inlineCap = 256

type retransmitEntry struct {
	seq      uint32
	msgType  wire.MsgType
	inline   [inlineCap]byte
	inlineN  int
	overflow []byte
	sendTime time.Time
	retries  int
}

func (e *retransmitEntry) frame() []byte {
	if e.overflow != nil {
		return e.overflow
	}
	return e.inline[:e.inlineN]
}

func (e *retransmitEntry) store(frame []byte) {
	if len(frame) <= inlineCap {
		e.inlineN = copy(e.inline[:], frame)
		e.overflow = nil
		return
	}
	e.overflow = append([]byte(nil), frame...)
}

type reorderEntry struct {
	seq     uint32
	payload []byte
	msgType wire.MsgType
}

// Dispatch is invoked for each in-order payload delivered by the channel.
type Dispatch func(msgType wire.MsgType, payload []byte)

// Out hands an already-framed byte slice to the transport layer bound to
// this channel's (peer, neighbor/next-hop) pair. Errors are logged, not
// surfaced: spec §7 says transient TX failures are not surfaced to Send's
// caller, only the retransmit queue's exhaustion is.
type Out func(frame []byte) error

// OnFatal is invoked exactly once when MAX_RETRIES is exceeded: loss of
// reliability on any channel is a fatal peer fault (spec §4.C), so this
// hook is how the channel engine asks the peer registry to fence.
type OnFatal func()

// Channel is a single per-peer, per-channel-id reliable ordered conduit.
type Channel struct {
	PeerNode  uint16
	ChannelID uint8
	Priority  wire.Priority
	Direct    bool // true: single-hop, checksum may be skipped

	cfg *config.Config

	mu sync.Mutex

	txSeq        uint32
	txAck        uint32
	rxSeq        uint32
	rxAckPending uint32
	ackPending   bool

	txCredits uint32 // guarded by mu
	rxCredits uint32

	retransmitQ []*retransmitEntry // ascending by seq
	reorder     []reorderEntry     // ascending by seq, all > rxSeq

	dupAckCount int

	srtt, rttvar, rto time.Duration
	retransmitDeadline time.Time

	closed bool

	out      Out
	dispatch Dispatch
	onFatal  OnFatal

	peerLabel, chanLabel string
}

// Class credit defaults (spec §4.C).
func defaultCredits(cfg *config.Config, chID uint8) uint32 {
	switch chID {
	case wire.ChanControl:
		return cfg.CreditsControl
	case wire.ChanZoneMgmt:
		return cfg.CreditsZoneMgmt
	case wire.ChanEventBus:
		return cfg.CreditsEventBus
	case wire.ChanResource:
		return cfg.CreditsResource
	default:
		return cfg.CreditsDynamic
	}
}

// New constructs a channel with default credits and RTO for its class.
func New(peer uint16, chID uint8, prio wire.Priority, direct bool, out Out, dispatch Dispatch, onFatal OnFatal) *Channel {
	cfg := config.GCO.Get()
	c := &Channel{
		PeerNode: peer, ChannelID: chID, Priority: prio, Direct: direct,
		cfg: cfg, rxCredits: defaultCredits(cfg, chID),
		rto: cfg.RTODefault, out: out, dispatch: dispatch, onFatal: onFatal,
	}
	c.txCredits = defaultCredits(cfg, chID)
	c.peerLabel = labelFor(peer)
	c.chanLabel = labelForChan(chID)
	return c
}

func labelFor(n uint16) string     { return itoa(int(n)) }
func labelForChan(n uint8) string  { return itoa(int(n)) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Send implements the send contract from spec §4.C.
func (c *Channel) Send(msgType wire.MsgType, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return werrs.ErrPeerFenced
	}
	if c.out == nil {
		c.mu.Unlock()
		return werrs.ErrNoRoute
	}
	if c.txCredits == 0 {
		c.mu.Unlock()
		return werrs.ErrNoCredits
	}
	c.txCredits--
	seq := c.txSeq
	c.txSeq++

	h := wire.Header{
		Version: 1, MsgType: msgType, SrcPort: 0, DstPort: 0,
		ChannelID: c.ChannelID, SeqNum: seq,
		Credits: capCredits(c.rxCredits), HopTTL: 8,
	}
	if c.ackPending {
		h.SetACK(true)
		h.AckNum = c.rxAckPending
		c.ackPending = false
	}

	entry := &retransmitEntry{seq: seq, msgType: msgType, sendTime: time.Now(), retries: 0}
	f := &wire.Frame{Header: h, Payload: payload}
	enc := f.Encode(c.Direct)
	entry.store(enc)
	c.retransmitQ = append(c.retransmitQ, entry)
	if len(c.retransmitQ) == 1 {
		c.retransmitDeadline = entry.sendTime.Add(c.rto)
	}
	out := c.out
	c.mu.Unlock()

	if err := out(enc); err != nil {
		nlog.Warningf("channel[%d/%d]: transient tx error (will retransmit): %v", c.PeerNode, c.ChannelID, err)
	}
	return nil
}

func capCredits(n uint32) uint8 {
	if n > 255 {
		return 255
	}
	return uint8(n)
}

// Receive implements the per-channel receive state machine from spec §4.C.
func (c *Channel) Receive(h wire.Header, payload []byte) {
	c.mu.Lock()

	if h.HasACK() {
		c.ackFrame(h.AckNum)
		c.txCredits += uint32(h.Credits)
	}

	// A pure-ACK frame carries no payload of its own and reuses the
	// sender's not-yet-allocated tx_seq as its SeqNum; running it through
	// the in-order/reorder classification below would advance rx_seq and
	// collide with the next real data frame at that same seq number. The
	// ACK bookkeeping above is the only thing such a frame contributes.
	if h.HasPureACK() {
		c.mu.Unlock()
		return
	}

	switch {
	case h.SeqNum == c.rxSeq:
		c.rxSeq++
		c.ackPending = true
		c.rxAckPending = h.SeqNum
		c.dupAckCount = 0
		disp := c.dispatch
		msgType, pl := h.MsgType, payload
		c.mu.Unlock()
		if disp != nil {
			disp(msgType, pl)
		}
		c.mu.Lock()
		c.drainReorder()
		emitBare := c.Priority == wire.PriorityLatency
		c.mu.Unlock()
		if emitBare {
			c.sendBareACK()
		}
		return

	case wire.Before(c.rxSeq, h.SeqNum):
		c.insertReorder(h.SeqNum, h.MsgType, payload)
		c.ackPending = true
		c.dupAckCount++
		dup := c.dupAckCount
		c.mu.Unlock()
		metrics.ChannelDupAcks.WithLabelValues(c.peerLabel, c.chanLabel).Inc()
		if dup == c.cfg.FastRetransmitDupAcks {
			c.fastRetransmit()
		}
		return

	default: // duplicate / already-seen
		c.ackPending = true
		c.mu.Unlock()
		return
	}
}

// ackFrame drops retransmit entries with seq <= ackNum and samples RTT
// from the oldest just-dropped entry that was never itself retransmitted
// (Karn's algorithm), per spec §4.C.
func (c *Channel) ackFrame(ackNum uint32) {
	var sample *retransmitEntry
	i := 0
	for i < len(c.retransmitQ) && wire.LE(c.retransmitQ[i].seq, ackNum) {
		if sample == nil && c.retransmitQ[i].retries == 0 {
			sample = c.retransmitQ[i]
		}
		i++
	}
	if i > 0 {
		c.retransmitQ = append([]*retransmitEntry(nil), c.retransmitQ[i:]...)
		c.txAck = ackNum + 1
	}
	if len(c.retransmitQ) > 0 {
		c.retransmitDeadline = c.retransmitQ[0].sendTime.Add(c.rto)
	}
	if sample != nil {
		c.sampleRTT(time.Since(sample.sendTime))
	}
}

// sampleRTT applies Jacobson/Karels smoothing: srtt += (sample-srtt)/8,
// rttvar += (|sample-srtt| - rttvar)/4, rto = srtt + 4*rttvar, clamped.
func (c *Channel) sampleRTT(sample time.Duration) {
	if c.srtt == 0 {
		c.srtt = sample
		c.rttvar = sample / 2
	} else {
		diff := sample - c.srtt
		c.srtt += diff / 8
		if diff < 0 {
			diff = -diff
		}
		c.rttvar += (diff - c.rttvar) / 4
	}
	rto := c.srtt + 4*c.rttvar
	if rto < c.cfg.RTOMin {
		rto = c.cfg.RTOMin
	}
	if rto > c.cfg.RTOMax {
		rto = c.cfg.RTOMax
	}
	c.rto = rto
}

func (c *Channel) drainReorder() {
	for len(c.reorder) > 0 && c.reorder[0].seq == c.rxSeq {
		e := c.reorder[0]
		c.reorder = c.reorder[1:]
		c.rxSeq++
		c.ackPending = true
		c.rxAckPending = e.seq
		disp := c.dispatch
		c.mu.Unlock()
		if disp != nil {
			disp(e.msgType, e.payload)
		}
		c.mu.Lock()
	}
}

func (c *Channel) insertReorder(seq uint32, msgType wire.MsgType, payload []byte) {
	cp := append([]byte(nil), payload...)
	i := 0
	for i < len(c.reorder) && wire.Before(c.reorder[i].seq, seq) {
		i++
	}
	if i < len(c.reorder) && c.reorder[i].seq == seq {
		return // already buffered
	}
	c.reorder = append(c.reorder, reorderEntry{})
	copy(c.reorder[i+1:], c.reorder[i:])
	c.reorder[i] = reorderEntry{seq: seq, msgType: msgType, payload: cp}
}

func (c *Channel) sendBareACK() {
	c.mu.Lock()
	if c.closed || c.out == nil {
		c.mu.Unlock()
		return
	}
	// MsgChannelBareACK (not MsgHeartbeatAck or any other catalog type) so
	// the fabric dispatcher's pre-channel switch lets this frame fall
	// through to Channel.Receive instead of mishandling it as a real
	// heartbeat/LSA/etc. exchange.
	h := wire.Header{Version: 1, MsgType: wire.MsgChannelBareACK, ChannelID: c.ChannelID,
		SeqNum: c.txSeq, Credits: capCredits(c.rxCredits), HopTTL: 8}
	h.SetACK(true)
	h.SetPureACK(true)
	h.AckNum = c.rxAckPending
	c.ackPending = false
	out := c.out
	c.mu.Unlock()
	f := &wire.Frame{Header: h}
	_ = out(f.Encode(c.Direct))
}

func (c *Channel) fastRetransmit() {
	c.mu.Lock()
	if len(c.retransmitQ) == 0 || c.out == nil {
		c.mu.Unlock()
		return
	}
	head := c.retransmitQ[0]
	head.retries++
	head.sendTime = time.Now()
	out := c.out
	frame := head.frame()
	c.mu.Unlock()
	metrics.ChannelFastRetransmits.WithLabelValues(c.peerLabel, c.chanLabel).Inc()
	_ = out(frame)
}

// Tick drives the retransmit timer (spec §4.C); call roughly every tick
// interval (10 ms cadence per spec §2).
func (c *Channel) Tick(now time.Time) {
	c.mu.Lock()
	if c.closed || len(c.retransmitQ) == 0 {
		c.mu.Unlock()
		return
	}
	if now.Before(c.retransmitDeadline) {
		c.mu.Unlock()
		return
	}
	head := c.retransmitQ[0]
	if head.retries >= c.cfg.MaxRetries {
		c.closed = true
		fatal := c.onFatal
		c.mu.Unlock()
		nlog.Errorf("channel[%d/%d]: exceeded max retries, fencing peer", c.PeerNode, c.ChannelID)
		if fatal != nil {
			fatal()
		}
		return
	}
	head.retries++
	head.sendTime = now
	c.rto *= 2
	if c.rto > c.cfg.RTOMax {
		c.rto = c.cfg.RTOMax
	}
	c.retransmitDeadline = now.Add(c.rto)
	out := c.out
	frame := head.frame()
	c.mu.Unlock()
	metrics.ChannelRetransmits.WithLabelValues(c.peerLabel, c.chanLabel).Inc()
	_ = out(frame)
}

// Close marks the channel closed; closing an already-closed channel is a
// no-op (spec §8 idempotence law).
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// RetransmitQueueSeqs returns the sequence numbers currently queued, used
// by tests to assert invariant 1 from spec §8.
func (c *Channel) RetransmitQueueSeqs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, len(c.retransmitQ))
	for i, e := range c.retransmitQ {
		out[i] = e.seq
	}
	return out
}

// ReorderSeqs returns the sequence numbers buffered in the reorder queue,
// used by tests to assert invariant 2 from spec §8.
func (c *Channel) ReorderSeqs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, len(c.reorder))
	for i, e := range c.reorder {
		out[i] = e.seq
	}
	return out
}

func (c *Channel) State() (txSeq, txAck, rxSeq uint32, credits uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txSeq, c.txAck, c.rxSeq, c.txCredits
}
