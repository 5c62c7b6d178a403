// Package server implements the server half of the cache protocol: the
// per-connection encode manager that decides, rectangle by rectangle, whether
// to emit a cache reference, a cache init, a seed, or a plainly encoded rect,
// plus the per-client bookkeeping of which cache ids the client holds.
package server

import (
	"github.com/pixelcache/pixelcache/rfb"
)

// HashSet tracks a set of cache ids with cumulative counters.
type HashSet[K comparable] struct {
	keys    map[K]struct{}
	added   uint64
	evicted uint64
}

// NewHashSet returns an empty set.
func NewHashSet[K comparable]() *HashSet[K] {
	return &HashSet[K]{keys: make(map[K]struct{})}
}

// Has reports membership.
func (s *HashSet[K]) Has(key K) bool {
	_, ok := s.keys[key]
	return ok
}

// Add inserts key; returns true if it was new.
func (s *HashSet[K]) Add(key K) bool {
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	s.added++
	return true
}

// Remove drops key; returns true if it was present.
func (s *HashSet[K]) Remove(key K) bool {
	if _, ok := s.keys[key]; !ok {
		return false
	}
	delete(s.keys, key)
	s.evicted++
	return true
}

// RemoveAll drops every listed key, returning how many were present.
func (s *HashSet[K]) RemoveAll(keys []K) int {
	removed := 0
	for _, k := range keys {
		if s.Remove(k) {
			removed++
		}
	}
	return removed
}

// Len returns the current size.
func (s *HashSet[K]) Len() int { return len(s.keys) }

// Clear empties the set and its counters.
func (s *HashSet[K]) Clear() {
	s.keys = make(map[K]struct{})
	s.added = 0
	s.evicted = 0
}

// HashSetStats reports cumulative set activity.
type HashSetStats struct {
	CurrentSize  int
	TotalAdded   uint64
	TotalEvicted uint64
}

// Stats snapshots the counters.
func (s *HashSet[K]) Stats() HashSetStats {
	return HashSetStats{CurrentSize: len(s.keys), TotalAdded: s.added, TotalEvicted: s.evicted}
}

// ClientCacheState is the server's model of one client's cache, driving the
// per-id state machine:
//
//	UNKNOWN --init sent--> PENDING --next update--> KNOWN
//	PENDING --RequestCachedData--> UNKNOWN (re-send init)
//	KNOWN --LossyHashReport--> KNOWN + lossyMap entry
//	KNOWN --Eviction--> UNKNOWN
type ClientCacheState struct {
	known     *HashSet[uint64]
	pending   map[uint64]struct{}
	requested map[uint64]struct{}

	// lossyMap maps the server's canonical id to the actual id the client
	// reported after a lossy decode.
	lossyMap map[uint64]uint64

	// lastRef remembers the rect each id was last referenced at, so a
	// RequestCachedData can trigger a targeted refresh.
	lastRef map[uint64]rfb.Rect
}

// NewClientCacheState returns empty per-client state.
func NewClientCacheState() *ClientCacheState {
	return &ClientCacheState{
		known:     NewHashSet[uint64](),
		pending:   make(map[uint64]struct{}),
		requested: make(map[uint64]struct{}),
		lossyMap:  make(map[uint64]uint64),
		lastRef:   make(map[uint64]rfb.Rect),
	}
}

// Knows reports whether the client is believed to hold id.
func (cs *ClientCacheState) Knows(id uint64) bool { return cs.known.Has(id) }

// Requested reports whether the client explicitly asked for a resend of id.
func (cs *ClientCacheState) Requested(id uint64) bool {
	_, ok := cs.requested[id]
	return ok
}

// MarkInitSent records that a CachedInit (or Seed) for id is on the wire.
// The id is usable for references immediately; it stays pending until the
// next update confirms delivery.
func (cs *ClientCacheState) MarkInitSent(id uint64) {
	cs.known.Add(id)
	cs.pending[id] = struct{}{}
	delete(cs.requested, id)
}

// MarkReferenced remembers the rect for a reference, for targeted refresh.
func (cs *ClientCacheState) MarkReferenced(id uint64, r rfb.Rect) {
	cs.lastRef[id] = r
}

// ConfirmPending is called at the start of each update: everything sent in
// the previous update is implicitly acknowledged.
func (cs *ClientCacheState) ConfirmPending() {
	for id := range cs.pending {
		delete(cs.pending, id)
	}
}

// LossyActual returns the actual id the client reported for canonical, if
// any.
func (cs *ClientCacheState) LossyActual(canonical uint64) (uint64, bool) {
	actual, ok := cs.lossyMap[canonical]
	return actual, ok
}

// HandleLossyReport learns the canonical-to-actual mapping.  The actual id
// becomes referenceable: the client stores the entry under both hashes.
func (cs *ClientCacheState) HandleLossyReport(rep rfb.LossyHashReport) {
	cs.lossyMap[rep.CanonicalID] = rep.ActualID
	cs.known.Add(rep.ActualID)
}

// HandleRequestCachedData drops the "client knows" assumption for id and
// flags it so the next occurrence is re-sent as a full init.  Returns the
// rect the id was last referenced at, when known.
func (cs *ClientCacheState) HandleRequestCachedData(id uint64) (rfb.Rect, bool) {
	cs.known.Remove(id)
	delete(cs.pending, id)
	cs.requested[id] = struct{}{}
	r, ok := cs.lastRef[id]
	return r, ok
}

// ClearRequest removes the resend flag after servicing it.
func (cs *ClientCacheState) ClearRequest(id uint64) {
	delete(cs.requested, id)
}

// HandleEvictions forgets ids the client evicted, including any lossy
// mappings involving them.  Returns how many were actually known.
func (cs *ClientCacheState) HandleEvictions(ids []uint64) int {
	removed := 0
	for _, id := range ids {
		if cs.known.Remove(id) {
			removed++
		}
		delete(cs.pending, id)
		delete(cs.lastRef, id)
		delete(cs.lossyMap, id)
		for canonical, actual := range cs.lossyMap {
			if actual == id {
				delete(cs.lossyMap, canonical)
			}
		}
	}
	return removed
}

// HandleCacheQuery processes a client query for ids it failed to serve
// locally: the server stops assuming the client holds them, so the next
// occurrence produces a fresh init.
func (cs *ClientCacheState) HandleCacheQuery(ids []uint64) {
	for _, id := range ids {
		cs.known.Remove(id)
		delete(cs.pending, id)
	}
}

// HandleHashList merges a chunk of the client's advertised ids, exactly as
// if each had just been sent a CachedInit.
func (cs *ClientCacheState) HandleHashList(chunk rfb.HashListChunk) {
	for _, id := range chunk.IDs {
		cs.MarkInitSent(id)
	}
}

// KnownStats exposes known-set counters for logging.
func (cs *ClientCacheState) KnownStats() HashSetStats { return cs.known.Stats() }
