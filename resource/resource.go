// Package resource implements the node-global resource registry from spec
// §4.F: advertised resources broadcast on topology change and on local
// add/removal, cached per (owner_node, resource_id), invalidated wholesale
// when the owning peer is fenced. The versioned-broadcast shape follows
// aistore's metasyncer (ais-metasync.go.go); re-advert dedup uses a
// blake2b-128 digest the way SPEC_FULL.md's domain stack wires
// golang.org/x/crypto in, and the secondary index is keyed with
// OneOfOne/xxhash the way aistore hashes object names for its LOM cache.
package resource

import (
	"encoding/binary"
	"sync"

	"github.com/OneOfOne/xxhash"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/crypto/blake2b"

	"github.com/Pascu-Victor/wki/internal/nlog"
	"github.com/Pascu-Victor/wki/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Flags on a resource advert (spec §4.F).
const (
	FlagShareable uint8 = 1 << iota
	FlagPassthrough
)

// Record is an advertised resource (spec §3).
type Record struct {
	OwnerNode    uint16           `json:"owner_node"`
	ResourceType wire.ResourceType `json:"resource_type"`
	ResourceID   uint32           `json:"resource_id"`
	Name         string           `json:"name"`
	Flags        uint8            `json:"flags"`
}

type key struct {
	owner uint16
	id    uint32
}

func xkey(owner uint16, id uint32) uint64 {
	var b [6]byte
	binary.LittleEndian.PutUint16(b[0:2], owner)
	binary.LittleEndian.PutUint32(b[2:6], id)
	return xxhash.Checksum64(b[:])
}

// digest returns a blake2b-128 fingerprint of a record's identity+content,
// used to detect a byte-identical re-advert and skip a redundant
// broadcast (SPEC_FULL.md domain-stack note on resource).
func digest(r Record) [16]byte {
	body, _ := json.Marshal(r)
	full := blake2b.Sum256(body)
	var out [16]byte
	copy(out[:], full[:16])
	return out
}

// Broadcast sends an already-framed RESOURCE_ADVERT/WITHDRAW to every
// Connected peer; supplied by the fabric layer.
type Broadcast func(frame []byte)

// Registry is the node-local cache of every known resource, local and
// remote.
type Registry struct {
	mu      sync.RWMutex
	records map[key]Record
	hashIdx map[uint64]key
	lastAd  map[key][16]byte

	localNode uint16
	broadcast Broadcast
}

func NewRegistry(localNode uint16, broadcast Broadcast) *Registry {
	return &Registry{
		localNode: localNode, broadcast: broadcast,
		records: make(map[key]Record),
		hashIdx: make(map[uint64]key),
		lastAd:  make(map[key][16]byte),
	}
}

// Add registers a local resource and broadcasts RESOURCE_ADVERT (spec
// §4.F: "on local resource add/removal").
func (r *Registry) Add(rt wire.ResourceType, id uint32, name string, flags uint8) {
	rec := Record{OwnerNode: r.localNode, ResourceType: rt, ResourceID: id, Name: name, Flags: flags}
	r.store(rec)
	r.advertise(rec, wire.MsgResourceAdvert)
}

// Remove withdraws a local resource and broadcasts RESOURCE_WITHDRAW.
func (r *Registry) Remove(id uint32) {
	k := key{owner: r.localNode, id: id}
	r.mu.Lock()
	rec, ok := r.records[k]
	delete(r.records, k)
	delete(r.hashIdx, xkey(k.owner, k.id))
	delete(r.lastAd, k)
	r.mu.Unlock()
	if ok {
		r.advertise(rec, wire.MsgResourceWithdraw)
	}
}

func (r *Registry) store(rec Record) {
	k := key{owner: rec.OwnerNode, id: rec.ResourceID}
	r.mu.Lock()
	r.records[k] = rec
	r.hashIdx[xkey(k.owner, k.id)] = k
	r.mu.Unlock()
}

func (r *Registry) advertise(rec Record, msgType wire.MsgType) {
	k := key{owner: rec.OwnerNode, id: rec.ResourceID}
	d := digest(rec)
	r.mu.Lock()
	if msgType == wire.MsgResourceAdvert {
		if prev, ok := r.lastAd[k]; ok && prev == d {
			r.mu.Unlock()
			return // byte-identical re-advert, skip redundant broadcast
		}
		r.lastAd[k] = d
	}
	r.mu.Unlock()

	body, err := json.Marshal(rec)
	if err != nil {
		return
	}
	h := wire.Header{Version: 1, MsgType: msgType, SrcNode: r.localNode, DstNode: wire.NodeBroadcast, HopTTL: 8}
	f := &wire.Frame{Header: h, Payload: body}
	if r.broadcast != nil {
		r.broadcast(f.Encode(false))
	}
}

// AllOnConnect re-broadcasts every local resource; called when we
// transition to Connected with a new peer (spec §4.F).
func (r *Registry) AllOnConnect() {
	r.mu.RLock()
	var locals []Record
	for k, rec := range r.records {
		if k.owner == r.localNode {
			locals = append(locals, rec)
		}
	}
	r.mu.RUnlock()
	for _, rec := range locals {
		r.advertise(rec, wire.MsgResourceAdvert)
	}
}

// HandleAdvert caches a remote resource ad.
func (r *Registry) HandleAdvert(payload []byte) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		nlog.Warningf("resource: malformed advert: %v", err)
		return
	}
	r.store(rec)
}

// HandleWithdraw removes a remote resource ad.
func (r *Registry) HandleWithdraw(payload []byte) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return
	}
	k := key{owner: rec.OwnerNode, id: rec.ResourceID}
	r.mu.Lock()
	delete(r.records, k)
	delete(r.hashIdx, xkey(k.owner, k.id))
	delete(r.lastAd, k)
	r.mu.Unlock()
}

// InvalidateOwner drops every ad originating from a fenced node (spec
// §4.F, §4.D fencing cascade).
func (r *Registry) InvalidateOwner(owner uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.records {
		if k.owner == owner {
			delete(r.records, k)
			delete(r.hashIdx, xkey(k.owner, k.id))
			delete(r.lastAd, k)
		}
	}
}

// Lookup finds a cached resource by (owner, id).
func (r *Registry) Lookup(owner uint16, id uint32) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key{owner: owner, id: id}]
	return rec, ok
}

// ByHash finds a record by its secondary xxhash index, used for
// O(1)-amortized (owner,id) membership probes in hot paths.
func (r *Registry) ByHash(owner uint16, id uint32) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.hashIdx[xkey(owner, id)]
	if !ok {
		return Record{}, false
	}
	rec, ok := r.records[k]
	return rec, ok
}

// All returns every cached record (local and remote), used to populate
// a directory listing / CLI surface.
func (r *Registry) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}
