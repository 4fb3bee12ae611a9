// Package routing implements link-state flooding, Dijkstra SPF, and
// multi-hop forwarding from spec §4.E. The versioned flood/age/retry
// shape is grounded on aistore's metasyncer (ais-metasync.go.go): a
// REVS-style "never go backwards" sequence check, re-flood to everyone
// except the neighbor we heard it from, and periodic aging of stale
// entries. SPF recompute coalescing under a burst of LSAs uses
// golang.org/x/sync/singleflight, matching the teacher's go.mod.
package routing

import (
	"container/heap"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/singleflight"

	"github.com/Pascu-Victor/wki/internal/config"
	"github.com/Pascu-Victor/wki/internal/nlog"
	"github.com/Pascu-Victor/wki/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NeighborLink is one entry in an LSA's neighbor list (spec §3).
type NeighborLink struct {
	NeighborID uint16 `json:"neighbor_id"`
	LinkCost   int    `json:"link_cost"`
	MTU        int    `json:"mtu"`
}

// LSA is one node's link-state advertisement (spec §3, §4.E).
type LSA struct {
	OriginNode     uint16         `json:"origin_node"`
	Seq            uint32         `json:"lsa_seq"`
	Neighbors      []NeighborLink `json:"neighbors"`
	RDMAZoneBitmap uint64         `json:"rdma_zone_bitmap"`
}

type lsdbEntry struct {
	lsa      LSA
	received time.Time
}

// RouteEntry is one row of the forwarding table: next hop + hop count to
// reach a destination node (spec §4.E).
type RouteEntry struct {
	NextHop  uint16
	HopCount int
}

// Send is how routing hands an already-framed message to the transport
// reaching a given next hop; supplied by the fabric layer that owns the
// peer table.
type Send func(nextHop uint16, frame []byte) error

// Table is the per-node link-state database, routing table, and LSA
// flooding engine.
type Table struct {
	mu sync.RWMutex

	localNode uint16
	cfg       *config.Config

	localSeq      uint32
	localNeighbors map[uint16]NeighborLink

	lsdb   map[uint16]*lsdbEntry
	routes map[uint16]RouteEntry

	send      Send
	connected func() []uint16 // returns currently-Connected neighbor node ids

	sf singleflight.Group
}

func NewTable(localNode uint16, cfg *config.Config, send Send, connected func() []uint16) *Table {
	return &Table{
		localNode: localNode, cfg: cfg, send: send,
		connected:      connected,
		localNeighbors: make(map[uint16]NeighborLink),
		lsdb:           make(map[uint16]*lsdbEntry),
		routes:         make(map[uint16]RouteEntry),
	}
}

// OnNeighborChange updates our own direct-neighbor list and regenerates
// and floods a new LSA (spec §4.E: "regenerated and flooded whenever
// direct-neighbor connectivity changes").
func (t *Table) OnNeighborChange(neighbor uint16, cost, mtu int, present bool) {
	t.mu.Lock()
	if present {
		t.localNeighbors[neighbor] = NeighborLink{NeighborID: neighbor, LinkCost: cost, MTU: mtu}
	} else {
		delete(t.localNeighbors, neighbor)
	}
	t.localSeq++
	lsa := t.buildLocalLSA()
	t.mu.Unlock()
	t.storeAndRecompute(lsa, time.Now())
	t.flood(lsa, wire.NodeBroadcast)
}

func (t *Table) buildLocalLSA() LSA {
	lsa := LSA{OriginNode: t.localNode, Seq: t.localSeq}
	for _, nl := range t.localNeighbors {
		lsa.Neighbors = append(lsa.Neighbors, nl)
	}
	return lsa
}

// HandleLSA processes an inbound LSA per spec §4.E: discard if
// lsa_seq <= stored, otherwise store, reflood to all Connected neighbors
// except the one we received it from, and recompute routes.
func (t *Table) HandleLSA(receivedFrom uint16, payload []byte) {
	var lsa LSA
	if err := json.Unmarshal(payload, &lsa); err != nil {
		return
	}
	if lsa.OriginNode == t.localNode {
		return
	}
	t.mu.Lock()
	existing, ok := t.lsdb[lsa.OriginNode]
	if ok && lsa.Seq <= existing.lsa.Seq {
		t.mu.Unlock()
		return
	}
	t.lsdb[lsa.OriginNode] = &lsdbEntry{lsa: lsa, received: time.Now()}
	t.mu.Unlock()

	t.recompute()
	t.flood(lsa, receivedFrom)
}

func (t *Table) storeAndRecompute(lsa LSA, now time.Time) {
	t.mu.Lock()
	t.lsdb[t.localNode] = &lsdbEntry{lsa: lsa, received: now}
	t.mu.Unlock()
	t.recompute()
}

// flood sends lsa to every Connected neighbor except exclude.
func (t *Table) flood(lsa LSA, exclude uint16) {
	body, err := json.Marshal(lsa)
	if err != nil {
		return
	}
	h := wire.Header{Version: 1, MsgType: wire.MsgLSA, SrcNode: t.localNode, DstNode: wire.NodeBroadcast, HopTTL: 8}
	f := &wire.Frame{Header: h, Payload: body}
	enc := f.Encode(false)
	for _, n := range t.connected() {
		if n == exclude {
			continue
		}
		if err := t.send(n, enc); err != nil {
			nlog.Warningf("routing: flood to %d: %v", n, err)
		}
	}
}

// recompute runs Dijkstra SPF over the LSDB, coalesced via singleflight so
// a burst of LSAs triggers one recompute instead of one per LSA (spec §9
// performance note this expansion adds).
func (t *Table) recompute() {
	_, _, _ = t.sf.Do("spf", func() (any, error) {
		t.mu.Lock()
		graph := make(map[uint16][]NeighborLink, len(t.lsdb)+1)
		graph[t.localNode] = t.localNeighbors_locked()
		for node, e := range t.lsdb {
			graph[node] = e.lsa.Neighbors
		}
		t.mu.Unlock()

		routes := dijkstra(t.localNode, graph)

		t.mu.Lock()
		t.routes = routes
		t.mu.Unlock()
		return nil, nil
	})
}

func (t *Table) localNeighbors_locked() []NeighborLink {
	out := make([]NeighborLink, 0, len(t.localNeighbors))
	for _, nl := range t.localNeighbors {
		out = append(out, nl)
	}
	return out
}

type pqItem struct {
	node uint16
	dist int
	hops int
}

type pq []pqItem

func (q pq) Len() int            { return len(q) }
func (q pq) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q pq) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *pq) Push(x any)         { *q = append(*q, x.(pqItem)) }
func (q *pq) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// dijkstra computes shortest paths from src over graph, returning a
// next-hop + hop-count routing table (spec §4.E).
func dijkstra(src uint16, graph map[uint16][]NeighborLink) map[uint16]RouteEntry {
	dist := map[uint16]int{src: 0}
	hops := map[uint16]int{src: 0}
	nextHop := map[uint16]uint16{}
	visited := map[uint16]bool{}

	q := &pq{{node: src, dist: 0, hops: 0}}
	heap.Init(q)

	for q.Len() > 0 {
		cur := heap.Pop(q).(pqItem)
		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true
		for _, nl := range graph[cur.node] {
			nd := cur.dist + nl.LinkCost
			if d, ok := dist[nl.NeighborID]; !ok || nd < d {
				dist[nl.NeighborID] = nd
				hops[nl.NeighborID] = cur.hops + 1
				if cur.node == src {
					nextHop[nl.NeighborID] = nl.NeighborID
				} else {
					nextHop[nl.NeighborID] = nextHop[cur.node]
				}
				heap.Push(q, pqItem{node: nl.NeighborID, dist: nd, hops: cur.hops + 1})
			}
		}
	}

	out := make(map[uint16]RouteEntry, len(dist))
	for node, nh := range nextHop {
		out[node] = RouteEntry{NextHop: nh, HopCount: hops[node]}
	}
	return out
}

// NextHop looks up the forwarding entry for dst.
func (t *Table) NextHop(dst uint16) (RouteEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.routes[dst]
	return e, ok
}

// InvalidateNode removes a node's LSDB entry and route, used on fencing
// (spec §4.D: "invalidate the routing-table entry for the fenced node").
func (t *Table) InvalidateNode(node uint16) {
	t.mu.Lock()
	delete(t.lsdb, node)
	delete(t.routes, node)
	t.mu.Unlock()
	t.recompute()
}

// AgeLSDB drops entries not refreshed within LSAMaxAgeMultiple *
// LSARefreshInterval (spec §4.E, §9 configurability).
func (t *Table) AgeLSDB(now time.Time) {
	maxAge := t.cfg.LSARefreshInterval * time.Duration(t.cfg.LSAMaxAgeMultiple)
	t.mu.Lock()
	var aged []uint16
	for node, e := range t.lsdb {
		if node != t.localNode && now.Sub(e.received) > maxAge {
			aged = append(aged, node)
		}
	}
	for _, node := range aged {
		delete(t.lsdb, node)
	}
	t.mu.Unlock()
	if len(aged) > 0 {
		t.recompute()
	}
}

// RefreshLocalLSA re-floods our own LSA unconditionally; call every
// LSARefreshInterval (spec §4.E).
func (t *Table) RefreshLocalLSA() {
	t.mu.Lock()
	t.localSeq++
	lsa := t.buildLocalLSA()
	t.mu.Unlock()
	t.storeAndRecompute(lsa, time.Now())
	t.flood(lsa, 0)
}

// Forward implements the RX-path forwarding rule (spec §4.E): decrement
// TTL, look up next hop, and forward the reframed packet. frame must be a
// full decoded frame (header+payload) addressed to a node other than
// ours; a forwarded frame must carry a non-zero CRC per spec §4.A, so the
// checksum is always recomputed here even if the original arrived with
// checksum 0. Returns false if the frame should be dropped (TTL exhausted
// or destination unreachable) -- the caller drops it silently (spec §4.E).
func (t *Table) Forward(h wire.Header, payload []byte) bool {
	if h.HopTTL == 0 {
		return false
	}
	h.HopTTL--
	route, ok := t.NextHop(h.DstNode)
	if !ok {
		return false
	}
	f := &wire.Frame{Header: h, Payload: payload}
	enc := f.Encode(false)
	if err := t.send(route.NextHop, enc); err != nil {
		nlog.Warningf("routing: forward to %d via %d: %v", h.DstNode, route.NextHop, err)
		return false
	}
	return true
}
