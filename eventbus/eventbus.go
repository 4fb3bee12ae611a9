// Package eventbus implements the publish/subscribe system from spec
// §4.I: wildcard (class, id) subscriptions, reliable delivery with
// retransmit-until-ACK, and a replay log for late subscribers. The
// retry-loop texture is grounded on aistore's xact/xs retry loops
// (tcobjs.go); the replay log is backed by github.com/tidwall/buntdb
// instead of a bare ring buffer, matching SPEC_FULL.md's domain stack.
package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/internal/metrics"
	"github.com/Pascu-Victor/wki/internal/nlog"
	"github.com/Pascu-Victor/wki/wire"
)

// DeliveryMode selects best-effort vs acknowledged delivery (spec §4.I).
type DeliveryMode int

const (
	BestEffort DeliveryMode = iota
	Reliable
)

// Event is one published record (spec §3 event log).
type Event struct {
	Class     uint16 `json:"class"`
	ID        uint16 `json:"id"`
	Origin    uint16 `json:"origin"`
	Data      []byte `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func matches(pattern Event, class, id uint16) bool {
	classOK := pattern.Class == 0xFFFF || pattern.Class == class
	idOK := pattern.ID == 0xFFFF || pattern.ID == id
	return classOK && idOK
}

type subscription struct {
	node  uint16
	class uint16
	id    uint16
	mode  DeliveryMode
}

func subKey(node, class, id uint16) string { return fmt.Sprintf("%d:%d:%d", node, class, id) }

type pendingAck struct {
	subNode   uint16
	class, id uint16
	origin    uint16
	payload   []byte
	sentAt    time.Time
	retries   int
}

// Send transmits an already-framed message to a peer over the EventBus
// channel; supplied by the fabric layer.
type Send func(node uint16, msgType wire.MsgType, payload []byte) error

// Bus is the node-wide subscription table, replay log, and reliable
// retry engine.
type Bus struct {
	mu sync.Mutex

	outgoing map[string]subscription // subs we registered with a peer
	incoming map[string]subscription // subs a peer registered with us
	pending  map[string]*pendingAck

	replay *buntdb.DB
	seq    int64

	cfg   *config.Config
	send  Send
	local func(class, id uint16, data []byte) // locally-registered handlers
}

func NewBus(cfg *config.Config, send Send) (*Bus, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	return &Bus{
		outgoing: make(map[string]subscription),
		incoming: make(map[string]subscription),
		pending:  make(map[string]*pendingAck),
		replay:   db, cfg: cfg, send: send,
	}, nil
}

func (b *Bus) SetLocalHandler(fn func(class, id uint16, data []byte)) { b.local = fn }

// Subscribe registers interest in (class, id) from a remote origin node,
// sending EVENT_SUBSCRIBE. Double-subscribe is idempotent (upsert, spec §8).
func (b *Bus) Subscribe(node, class, id uint16, mode DeliveryMode) error {
	b.mu.Lock()
	b.outgoing[subKey(node, class, id)] = subscription{node: node, class: class, id: id, mode: mode}
	b.mu.Unlock()

	body := encodeSub(class, id, mode)
	return b.send(node, wire.MsgEventSubscribe, body)
}

func (b *Bus) Unsubscribe(node, class, id uint16) error {
	b.mu.Lock()
	delete(b.outgoing, subKey(node, class, id))
	b.mu.Unlock()
	return b.send(node, wire.MsgEventUnsubscribe, encodeSub(class, id, BestEffort))
}

// HandleSubscribe is invoked when a peer subscribes to our events; it
// replays every matching log entry oldest-first (spec §4.I).
func (b *Bus) HandleSubscribe(fromNode uint16, payload []byte) {
	class, id, mode, err := decodeSub(payload)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.incoming[subKey(fromNode, class, id)] = subscription{node: fromNode, class: class, id: id, mode: mode}
	b.mu.Unlock()
	b.replayTo(fromNode, class, id)
}

func (b *Bus) HandleUnsubscribe(fromNode uint16, payload []byte) {
	class, id, _, err := decodeSub(payload)
	if err != nil {
		return
	}
	b.mu.Lock()
	delete(b.incoming, subKey(fromNode, class, id))
	b.mu.Unlock()
}

// Publish serializes the event once, sends to every matching incoming
// subscription, invokes local handlers, and appends to the replay log
// (spec §4.I).
func (b *Bus) Publish(origin, class, id uint16, data []byte, now time.Time) {
	ev := Event{Class: class, ID: id, Origin: origin, Data: data, Timestamp: now.UnixMicro()}
	body := encodeEvent(ev)

	b.mu.Lock()
	var targets []subscription
	for _, s := range b.incoming {
		if matches(Event{Class: s.class, ID: s.id}, class, id) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		if err := b.send(s.node, wire.MsgEventPublish, body); err != nil {
			nlog.Warningf("eventbus: publish to %d: %v", s.node, err)
			continue
		}
		if s.mode == Reliable {
			b.trackPending(s.node, class, id, origin, body, now)
		}
	}

	if b.local != nil {
		b.local(class, id, data)
	}
	b.appendLog(ev)
}

func (b *Bus) trackPending(node, class, id, origin uint16, body []byte, now time.Time) {
	key := fmt.Sprintf("%d:%d:%d:%d", node, class, id, origin)
	b.mu.Lock()
	b.pending[key] = &pendingAck{subNode: node, class: class, id: id, origin: origin, payload: body, sentAt: now}
	b.mu.Unlock()
	metrics.EventBacklog.Inc()
}

// HandlePublish dispatches an inbound PUBLISH to local handlers, appends
// it to the replay log, and sends EVENT_ACK for every publish it decodes,
// whatever the delivery mode of the matching subscription (spec §4.I).
func (b *Bus) HandlePublish(fromNode uint16, payload []byte) {
	ev, err := decodeEvent(payload)
	if err != nil {
		return
	}
	if b.local != nil {
		b.local(ev.Class, ev.ID, ev.Data)
	}
	b.appendLog(ev)

	ackBody := encodeAck(ev.Class, ev.ID, ev.Origin)
	_ = b.send(fromNode, wire.MsgEventAck, ackBody)
}

// HandleAck removes a pending reliable-delivery entry; best-effort
// subscribers' ACKs are silently ignored since they were never tracked
// (spec §4.I).
func (b *Bus) HandleAck(fromNode uint16, payload []byte) {
	class, id, origin, err := decodeAck(payload)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%d:%d:%d:%d", fromNode, class, id, origin)
	b.mu.Lock()
	if _, ok := b.pending[key]; ok {
		delete(b.pending, key)
		metrics.EventBacklog.Dec()
	}
	b.mu.Unlock()
}

// Tick retransmits every pending reliable-delivery entry every
// EventRetryInterval, up to EventRetryMax times; exceeding the retry
// limit drops the entry silently (spec §4.I, §8 boundary behavior).
func (b *Bus) Tick(now time.Time) {
	b.mu.Lock()
	var expired, due []string
	for k, pa := range b.pending {
		if now.Sub(pa.sentAt) < b.cfg.EventRetryInterval {
			continue
		}
		if pa.retries >= b.cfg.EventRetryMax {
			expired = append(expired, k)
			continue
		}
		due = append(due, k)
	}
	for _, k := range expired {
		delete(b.pending, k)
		metrics.EventBacklog.Dec()
	}
	retrySnapshot := make(map[string]*pendingAck, len(due))
	for _, k := range due {
		pa := b.pending[k]
		pa.retries++
		pa.sentAt = now
		retrySnapshot[k] = pa
	}
	b.mu.Unlock()

	for _, pa := range retrySnapshot {
		_ = b.send(pa.subNode, wire.MsgEventPublish, pa.payload)
	}
}

// FenceHook drops every subscription and pending-ack entry touching a
// fenced peer (spec §4.D cascade, "events" stage): subscriptions the peer
// registered with us, subscriptions we registered with the peer, and any
// retry still in flight toward it.
func (b *Bus) FenceHook(peerNode uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, s := range b.outgoing {
		if s.node == peerNode {
			delete(b.outgoing, k)
		}
	}
	for k, s := range b.incoming {
		if s.node == peerNode {
			delete(b.incoming, k)
		}
	}
	for k, pa := range b.pending {
		if pa.subNode == peerNode {
			delete(b.pending, k)
		}
	}
}

// PendingCount is exposed for tests/metrics.
func (b *Bus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// replayTo iterates the log oldest-first, republishing every matching
// entry to a single new subscriber (spec §4.I).
func (b *Bus) replayTo(node, class, id uint16) {
	_ = b.replay.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			ev, err := decodeEvent([]byte(value))
			if err != nil {
				return true
			}
			if matches(Event{Class: class, ID: id}, ev.Class, ev.ID) {
				_ = b.send(node, wire.MsgEventPublish, []byte(value))
			}
			return true
		})
	})
}

// appendLog stores the event keyed by a monotonic sequence, bounding the
// log to EventLogCapacity entries (spec §3, §6: 128-entry cap).
func (b *Bus) appendLog(ev Event) {
	b.mu.Lock()
	seq := b.seq
	b.seq++
	cap := b.cfg.EventLogCapacity
	b.mu.Unlock()

	body := encodeEvent(ev)
	key := fmt.Sprintf("%020d", seq)
	_ = b.replay.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(body), nil)
		return err
	})

	if seq >= int64(cap) {
		evictKey := fmt.Sprintf("%020d", seq-int64(cap))
		_ = b.replay.Update(func(tx *buntdb.Tx) error {
			_, err := tx.Delete(evictKey)
			if err == buntdb.ErrNotFound {
				return nil
			}
			return err
		})
	}
}

// Close releases the replay log's storage.
func (b *Bus) Close() error { return b.replay.Close() }
