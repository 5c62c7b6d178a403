// Package cache implements the client-side persistent framebuffer cache: an
// ARC-managed, byte-budgeted in-memory store of decoded pixel rectangles,
// optionally backed by a sharded on-disk payload store and coordinated with
// other viewer processes sharing the same cache directory.
//
// Threading model: all engine state except the coordinator is mutated only on
// the connection's main goroutine (the decode manager calls in between worker
// drains).  Coordinator callbacks arrive on coordinator goroutines and touch
// only the disk index and the cold/canonical-id maps, guarded by a dedicated
// mutex; the ARC is never shared.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pixelcache/pixelcache/internal/arc"
	"github.com/pixelcache/pixelcache/internal/coord"
	"github.com/pixelcache/pixelcache/internal/store"
	"github.com/pixelcache/pixelcache/rfb"
)

// HydrationState tracks how much of the on-disk cache has been loaded.
type HydrationState int

const (
	// Uninitialized: no disk load attempted.
	Uninitialized HydrationState = iota
	// IndexLoaded: metadata only, no payloads resident.
	IndexLoaded
	// PartiallyHydrated: some payloads resident.
	PartiallyHydrated
	// FullyHydrated: hydration queue drained.
	FullyHydrated
)

var (
	// ErrCorruptEntry rejects an insert whose decoded pixels do not match
	// the canonical hash even though the encoder was lossless.  Caching
	// such an entry would poison every future hit with corrupted pixels.
	ErrCorruptEntry = errors.New("cache: lossless decode does not match canonical hash")

	// ErrInvalidEntry rejects degenerate geometry or a zero key.
	ErrInvalidEntry = errors.New("cache: invalid entry")
)

// Engine is the persistent cache engine.
type Engine struct {
	cfg     Config
	log     *zap.Logger
	metrics metricsSink

	arc *arc.Cache[rfb.CacheKey, *CachedPixels]

	// persistable is false when PersistentCache is disabled but the
	// session-only alias keeps the engine alive: FlushDirty becomes a
	// no-op and nothing touches disk.
	persistable bool

	// canonicalIndex maps a 64-bit canonical id to every key (resident or
	// cold) whose content hashes to it.  Distinct keys can share an id
	// when only the trailing key bytes differ.
	canonicalIndex map[uint64]map[rfb.CacheKey]struct{}

	hydrationState HydrationState
	hydrationQueue []rfb.CacheKey
	cold           map[rfb.CacheKey]struct{}
	dirty          map[rfb.CacheKey]struct{}

	// pendingEvictions is drained by the decode manager at flush and
	// forwarded to the server as CacheEviction messages.
	pendingEvictions []rfb.CacheKey

	// coordMu guards the disk store and the cold/canonical bookkeeping it
	// shares with coordinator callbacks.
	coordMu     sync.Mutex
	store       *store.Store
	coordinator *coord.Coordinator

	hydrateGroup singleflight.Group

	stats  Stats
	nowFn  func() time.Time
	closed bool
}

// Stats is a snapshot of engine counters plus ARC internals.
type Stats struct {
	TotalEntries int
	TotalBytes   uint64
	CacheHits    uint64
	CacheMisses  uint64
	Evictions    uint64
	Stores       uint64
	Hydrations   uint64

	T1Len    int
	T2Len    int
	B1Len    int
	B2Len    int
	TargetT1 uint64

	DiskEntries int
	DiskBytes   uint64

	HydrationState HydrationState
	HydrationQueue int
}

// NewEngine constructs an engine.  The cache directory is created eagerly;
// index loading is deferred to LoadIndex so viewers pay disk I/O only once
// the protocol is actually negotiated.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	st, err := store.Open(cfg.CachePath, cfg.ShardSizeBytes(), o.logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:            cfg,
		log:            o.logger.With(zap.String("component", "cache-engine")),
		metrics:        newMetricsSink(o.registry),
		persistable:    cfg.PersistentCache,
		canonicalIndex: make(map[uint64]map[rfb.CacheKey]struct{}),
		cold:           make(map[rfb.CacheKey]struct{}),
		dirty:          make(map[rfb.CacheKey]struct{}),
		store:          st,
		hydrationState: Uninitialized,
		nowFn:          time.Now,
	}
	e.arc = arc.New[rfb.CacheKey, *CachedPixels](
		cfg.MemoryBudgetBytes(),
		func(cp *CachedPixels) uint64 { return cp.ByteSize() },
		e.onEvict,
	)
	return e, nil
}

// Close stops the coordinator and releases the shard handle.  Pending dirty
// entries are flushed first when persistence is on.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.persistable {
		e.FlushDirty()
		e.SaveIndex()
	}
	e.StopCoordinator()
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	return e.store.Close()
}

// CacheDirectory returns the directory backing this engine.
func (e *Engine) CacheDirectory() string { return e.store.Dir() }

/*
   ---------------- Bookkeeping helpers ----------------
*/

func (e *Engine) indexAdd(id uint64, key rfb.CacheKey) {
	set := e.canonicalIndex[id]
	if set == nil {
		set = make(map[rfb.CacheKey]struct{})
		e.canonicalIndex[id] = set
	}
	set[key] = struct{}{}
}

func (e *Engine) indexRemove(id uint64, key rfb.CacheKey) {
	if set := e.canonicalIndex[id]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(e.canonicalIndex, id)
		}
	}
}

func (e *Engine) now() uint32 { return uint32(e.nowFn().Unix()) }

// onEvict runs inside arc.Insert when capacity pressure displaces an entry.
func (e *Engine) onEvict(key rfb.CacheKey, cp *CachedPixels) {
	e.stats.Evictions++
	e.metrics.incEviction()
	e.pendingEvictions = append(e.pendingEvictions, key)

	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	if _, dirtyPending := e.dirty[key]; dirtyPending {
		// Never persisted; nothing survives on disk.
		delete(e.dirty, key)
		e.store.Delete(key)
		e.indexRemove(cp.CanonicalHash, key)
		return
	}
	if _, onDisk := e.store.Lookup(key); onDisk && e.persistable {
		// Demote to cold: payload stays available for re-hydration.
		e.store.SetCold(key, true)
		e.cold[key] = struct{}{}
		return
	}
	// Memory-only entry: fully gone.
	e.store.Delete(key)
	e.indexRemove(cp.CanonicalHash, key)
}

/*
   ---------------- Insertion ----------------
*/

// Insert admits a decoded rectangle.
//
// pixels may carry native stride padding (stridePixels >= width); rows are
// repacked tightly before storage.  lossyEncoding declares whether the
// transport encoder was allowed to alter pixels: a canonical/actual mismatch
// under a lossless encoder indicates corruption and rejects the entry rather
// than poisoning future hits.  persistable=false keeps the entry memory-only
// regardless of engine configuration (session-only alias).
func (e *Engine) Insert(canonicalID, actualID uint64, key rfb.CacheKey,
	pixels []byte, pf rfb.PixelFormat, width, height, stridePixels uint16,
	lossyEncoding, persistable bool) error {

	if key.IsZero() || width == 0 || height == 0 || stridePixels < width {
		return fmt.Errorf("%w: key=%s %dx%d stride=%d",
			ErrInvalidEntry, key, width, height, stridePixels)
	}
	if canonicalID != actualID && !lossyEncoding {
		e.log.Warn("rejecting corrupt cache entry",
			zap.Uint64("canonical", canonicalID),
			zap.Uint64("actual", actualID))
		return ErrCorruptEntry
	}

	bpp := pf.BytesPerPixel()
	packed := rfb.PackRows(pixels, int(stridePixels), int(width), int(height), bpp)

	cp := &CachedPixels{
		Pixels:        packed,
		Format:        pf,
		Width:         width,
		Height:        height,
		StridePixels:  width,
		CanonicalHash: canonicalID,
		ActualHash:    actualID,
		LastAccess:    e.now(),
	}

	if cp.ByteSize() > e.arc.MaxBytes() {
		// Larger than the whole budget: drop silently, count the miss.
		e.stats.CacheMisses++
		e.metrics.incMiss()
		return nil
	}

	e.arc.Insert(key, cp)
	e.stats.Stores++
	e.metrics.incStore()
	e.metrics.setResidentBytes(e.arc.Bytes())

	e.coordMu.Lock()
	e.indexAdd(canonicalID, key)
	delete(e.cold, key)
	if e.persistable && persistable {
		// Payload reaches disk at the next FlushDirty.
		e.dirty[key] = struct{}{}
	}
	e.coordMu.Unlock()
	return nil
}

/*
   ---------------- Lookup ----------------
*/

// Has reports whether key is resident or cold-on-disk.
func (e *Engine) Has(key rfb.CacheKey) bool {
	if e.arc.Has(key) {
		return true
	}
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	_, cold := e.cold[key]
	return cold
}

// GetByKey returns the entry for key, hydrating from disk when necessary.
// A hit promotes the entry in the ARC.
func (e *Engine) GetByKey(key rfb.CacheKey) *CachedPixels {
	if cp, ok := e.arc.Get(key); ok {
		cp.LastAccess = e.now()
		e.stats.CacheHits++
		e.metrics.incHit()
		return cp
	}
	if cp := e.hydrate(key); cp != nil {
		e.stats.CacheHits++
		e.metrics.incHit()
		return cp
	}
	e.stats.CacheMisses++
	e.metrics.incMiss()
	return nil
}

// candidate pairs a key with the metadata needed for quality ranking.
type candidate struct {
	key      rfb.CacheKey
	bpp      uint8
	lossless bool
	resident bool
}

// GetByCanonicalHash finds the best entry matching a canonical id and exact
// dimensions.
//
// minBpp filters out entries stored at a lower depth than the session needs:
// serving an 8 bpp payload into a 32 bpp session would permanently downgrade
// that rectangle, so when no candidate meets the floor the caller gets nil
// and requests fresh pixels instead.  Among survivors, higher bpp wins, then
// lossless beats lossy.
func (e *Engine) GetByCanonicalHash(canonicalID uint64, width, height uint16,
	minBpp uint8) *CachedPixels {

	e.coordMu.Lock()
	keys := e.canonicalIndex[canonicalID]
	cands := make([]candidate, 0, len(keys))
	for key := range keys {
		if cp, ok := e.arc.Peek(key); ok {
			if cp.Width == width && cp.Height == height {
				cands = append(cands, candidate{
					key:      key,
					bpp:      cp.Format.BPP,
					lossless: cp.IsLossless(),
					resident: true,
				})
			}
			continue
		}
		if entry, ok := e.store.Lookup(key); ok && entry.Cold {
			if entry.Width == width && entry.Height == height {
				cands = append(cands, candidate{
					key:      key,
					bpp:      entry.Format.BPP,
					lossless: !store.QualityIsLossy(entry.QualityCode),
				})
			}
		}
	}
	e.coordMu.Unlock()

	best := -1
	for i, c := range cands {
		if minBpp != 0 && c.bpp < minBpp {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		b := cands[best]
		if c.bpp > b.bpp || (c.bpp == b.bpp && c.lossless && !b.lossless) {
			best = i
		}
	}
	if best < 0 {
		e.stats.CacheMisses++
		e.metrics.incMiss()
		return nil
	}

	chosen := cands[best]
	var cp *CachedPixels
	if chosen.resident {
		cp, _ = e.arc.Get(chosen.key)
	} else {
		cp = e.hydrate(chosen.key)
	}
	if cp == nil {
		e.stats.CacheMisses++
		e.metrics.incMiss()
		return nil
	}
	cp.LastAccess = e.now()
	e.stats.CacheHits++
	e.metrics.incHit()
	return cp
}

// HasCanonicalCandidates reports whether any entry (resident or cold) exists
// for the id at the given shape, ignoring quality.  Lets callers distinguish
// "nothing cached" (worth a query) from "cached below the bpp floor" (needs
// a fresh high-quality resend).
func (e *Engine) HasCanonicalCandidates(canonicalID uint64, width, height uint16) bool {
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	for key := range e.canonicalIndex[canonicalID] {
		if cp, ok := e.arc.Peek(key); ok {
			if cp.Width == width && cp.Height == height {
				return true
			}
			continue
		}
		if entry, ok := e.store.Lookup(key); ok &&
			entry.Width == width && entry.Height == height {
			return true
		}
	}
	return false
}

/*
   ---------------- Invalidation & eviction queue ----------------
*/

// InvalidateByKey drops an entry everywhere (memory and disk) and queues an
// eviction notification.  Used when the viewer detects corruption.
func (e *Engine) InvalidateByKey(key rfb.CacheKey) {
	var canonical uint64
	if cp, ok := e.arc.Peek(key); ok {
		canonical = cp.CanonicalHash
	}
	e.arc.Remove(key)

	e.coordMu.Lock()
	if entry, ok := e.store.Lookup(key); ok {
		canonical = entry.CanonicalHash
		e.store.Delete(key)
	}
	delete(e.cold, key)
	delete(e.dirty, key)
	if canonical != 0 {
		e.indexRemove(canonical, key)
	}
	e.coordMu.Unlock()

	e.pendingEvictions = append(e.pendingEvictions, key)
	e.metrics.setResidentBytes(e.arc.Bytes())
}

// HasPendingEvictions reports whether eviction notifications are queued.
func (e *Engine) HasPendingEvictions() bool { return len(e.pendingEvictions) > 0 }

// DrainPendingEvictions returns and clears the queued eviction keys.
func (e *Engine) DrainPendingEvictions() []rfb.CacheKey {
	out := e.pendingEvictions
	e.pendingEvictions = nil
	return out
}

/*
   ---------------- Introspection ----------------
*/

// AllCanonicalIDs lists every id the engine can serve (resident or cold),
// for the HashList advertisement.
func (e *Engine) AllCanonicalIDs() []uint64 {
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	out := make([]uint64, 0, len(e.canonicalIndex))
	for id := range e.canonicalIndex {
		out = append(out, id)
	}
	return out
}

// GetStats snapshots engine counters.
func (e *Engine) GetStats() Stats {
	s := e.stats
	as := e.arc.Snapshot()
	s.TotalEntries = as.Entries
	s.TotalBytes = as.Bytes
	s.T1Len, s.T2Len, s.B1Len, s.B2Len = as.T1Len, as.T2Len, as.B1Len, as.B2Len
	s.TargetT1 = as.TargetT1
	s.HydrationState = e.hydrationState
	s.HydrationQueue = len(e.hydrationQueue)
	e.coordMu.Lock()
	s.DiskEntries = e.store.Len()
	s.DiskBytes = e.store.DiskUsage()
	e.coordMu.Unlock()
	return s
}

// ResetStats zeroes the counters (ARC internals are preserved).
func (e *Engine) ResetStats() {
	e.stats = Stats{}
}

// Clear drops all in-memory state.  Disk state is untouched.
func (e *Engine) Clear() {
	e.arc.Clear()
	e.coordMu.Lock()
	e.canonicalIndex = make(map[uint64]map[rfb.CacheKey]struct{})
	e.cold = make(map[rfb.CacheKey]struct{})
	e.dirty = make(map[rfb.CacheKey]struct{})
	e.coordMu.Unlock()
	e.pendingEvictions = nil
	e.metrics.setResidentBytes(0)
}
