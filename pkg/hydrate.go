package cache

// hydrate.go loads cold payloads back into memory.  Hydration happens on
// demand when a lookup lands on a cold entry, and opportunistically in small
// batches during idle flushes so a freshly-started viewer converges on a warm
// cache without blocking interactive updates.

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/pixelcache/pixelcache/internal/store"
	"github.com/pixelcache/pixelcache/rfb"
)

// hydrate reads key's payload from disk, reconstitutes the entry and admits
// it to the ARC.  Returns nil when the key has no disk payload.
//
// The actual hash is recomputed from the payload rather than trusted from
// the index: for lossless entries it must equal the canonical hash, and for
// lossy entries it restores the mapping the previous session reported.
func (e *Engine) hydrate(key rfb.CacheKey) *CachedPixels {
	// Singleflight guards against duplicate disk reads when tests drive
	// the engine from more than one goroutine.
	v, err, _ := e.hydrateGroup.Do(strconv.FormatUint(key.Hash64(), 16), func() (any, error) {
		e.coordMu.Lock()
		entry, ok := e.store.Lookup(key)
		if !ok || entry.Size == 0 {
			e.coordMu.Unlock()
			return nil, store.ErrNotFound
		}
		payload, err := e.store.ReadPayload(entry)
		e.coordMu.Unlock()
		if err != nil {
			e.log.Warn("hydration read failed",
				zap.String("key", key.String()), zap.Error(err))
			return nil, err
		}

		actual := rfb.ComputePackedHash(payload, entry.Format,
			int(entry.Width), int(entry.Height)).CanonicalID()
		cp := &CachedPixels{
			Pixels:        payload,
			Format:        entry.Format,
			Width:         entry.Width,
			Height:        entry.Height,
			StridePixels:  entry.Width,
			CanonicalHash: entry.CanonicalHash,
			ActualHash:    actual,
			LastAccess:    e.now(),
		}
		return cp, nil
	})
	if err != nil {
		return nil
	}
	cp := v.(*CachedPixels)

	// Admission may evict other entries; the eviction callback takes the
	// coordinator mutex itself, so it must not be held here.
	e.arc.Insert(key, cp)

	e.coordMu.Lock()
	e.store.SetCold(key, false)
	delete(e.cold, key)
	e.coordMu.Unlock()

	e.stats.Hydrations++
	e.metrics.incHydration()
	e.metrics.setResidentBytes(e.arc.Bytes())
	if e.hydrationState == IndexLoaded {
		e.hydrationState = PartiallyHydrated
	}
	return cp
}

// HydrateOne force-loads a single entry.  Returns true on success.
func (e *Engine) HydrateOne(key rfb.CacheKey) bool {
	if e.arc.Has(key) {
		return true
	}
	return e.hydrate(key) != nil
}

// HydrateNextBatch drains up to maxEntries from the hydration queue.  Called
// by the decode manager during idle flushes.  Returns the number actually
// hydrated.
func (e *Engine) HydrateNextBatch(maxEntries int) int {
	hydrated := 0
	for hydrated < maxEntries && len(e.hydrationQueue) > 0 {
		key := e.hydrationQueue[0]
		e.hydrationQueue = e.hydrationQueue[1:]
		if e.arc.Has(key) {
			continue
		}
		e.coordMu.Lock()
		_, stillCold := e.cold[key]
		e.coordMu.Unlock()
		if !stillCold {
			continue
		}
		if e.hydrate(key) != nil {
			hydrated++
		}
	}
	if len(e.hydrationQueue) == 0 && e.hydrationState != Uninitialized {
		e.hydrationState = FullyHydrated
	}
	return hydrated
}

// HydrationStateNow returns the current hydration phase.
func (e *Engine) HydrationStateNow() HydrationState { return e.hydrationState }

// HydrationQueueLen returns the number of entries awaiting background
// hydration.
func (e *Engine) HydrationQueueLen() int { return len(e.hydrationQueue) }
