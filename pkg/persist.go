package cache

// persist.go is the disk half of the engine: index load/save, incremental
// dirty flushing, the disk budget, and the glue between the engine and the
// multi-viewer coordinator.

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pixelcache/pixelcache/internal/coord"
	"github.com/pixelcache/pixelcache/internal/store"
	"github.com/pixelcache/pixelcache/rfb"
)

/*
   ---------------- Index lifecycle ----------------
*/

// LoadIndex reads index.dat and registers every persisted entry as cold.
// Payloads stay on disk; the hydration queue is seeded with entries that
// were resident at save time first, so the hottest content returns to memory
// soonest.
func (e *Engine) LoadIndex() error {
	e.coordMu.Lock()
	if err := e.store.LoadIndex(); err != nil {
		e.coordMu.Unlock()
		return err
	}

	var hot, coldTail []rfb.CacheKey
	e.store.ForEach(func(key rfb.CacheKey, entry store.IndexEntry) {
		e.cold[key] = struct{}{}
		e.indexAdd(entry.CanonicalHash, key)
		if entry.Cold {
			coldTail = append(coldTail, key)
		} else {
			hot = append(hot, key)
		}
	})
	// Everything starts cold in this process, whatever the previous
	// session thought.
	for _, key := range hot {
		e.store.SetCold(key, true)
	}
	e.coordMu.Unlock()

	e.hydrationQueue = append(hot, coldTail...)
	e.hydrationState = IndexLoaded
	e.metrics.setDiskBytes(e.store.DiskUsage())
	return nil
}

// SaveIndex rewrites index.dat when it is stale.
func (e *Engine) SaveIndex() error {
	if !e.persistable {
		return nil
	}
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	if !e.store.IndexDirty() {
		return nil
	}
	return e.store.SaveIndex()
}

// DirtyEntryCount returns the number of entries awaiting persistence.
func (e *Engine) DirtyEntryCount() int {
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	return len(e.dirty)
}

// ColdEntryCount returns the number of disk-only entries.
func (e *Engine) ColdEntryCount() int {
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	return len(e.cold)
}

// DiskUsage returns live payload bytes on disk.
func (e *Engine) DiskUsage() uint64 {
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	return e.store.DiskUsage()
}

// FlushDirty appends every dirty payload to the shard store (or forwards it
// to the master when running as a slave) and then refreshes index.dat.
// Returns the number of entries flushed.
//
// A failed append (ENOSPC included) keeps its entry dirty so a later flush
// retries; successful appends are never repeated.
func (e *Engine) FlushDirty() int {
	if !e.persistable {
		return 0
	}

	// A dead master is noticed here: the first persistence attempt after
	// the disconnect triggers a re-election.
	if e.coordinator != nil && e.coordinator.Role() == coord.RoleStandalone {
		e.coordinator.TryPromote()
	}
	role := coord.RoleStandalone
	if e.coordinator != nil {
		role = e.coordinator.Role()
	}

	e.coordMu.Lock()
	keys := make([]rfb.CacheKey, 0, len(e.dirty))
	for key := range e.dirty {
		keys = append(keys, key)
	}
	e.coordMu.Unlock()

	flushed := 0
	var announce []coord.WireIndexEntry
	for _, key := range keys {
		cp, ok := e.arc.Peek(key)
		if !ok || !cp.IsHydrated() {
			// Evicted since being marked dirty; the eviction path
			// already cleaned up.
			e.coordMu.Lock()
			delete(e.dirty, key)
			e.coordMu.Unlock()
			continue
		}

		meta := store.IndexEntry{
			Width:         cp.Width,
			Height:        cp.Height,
			StridePixels:  cp.StridePixels,
			Format:        cp.Format,
			CanonicalHash: cp.CanonicalHash,
			QualityCode:   store.ComputeQualityCode(cp.Format, !cp.IsLossless()),
		}

		if role == coord.RoleSlave {
			if !e.flushViaMaster(key, cp, meta) {
				continue
			}
			flushed++
			continue
		}

		e.coordMu.Lock()
		written, err := e.store.AppendPayload(key, cp.Pixels, meta)
		e.coordMu.Unlock()
		if err != nil {
			e.log.Warn("payload flush failed; will retry",
				zap.String("key", key.String()), zap.Error(err))
			break // disk trouble; later flush retries the remainder
		}
		e.coordMu.Lock()
		delete(e.dirty, key)
		e.coordMu.Unlock()
		flushed++
		if role == coord.RoleMaster {
			announce = append(announce, wireFromEntry(key, written, cp.ActualHash))
		}
	}

	e.enforceDiskBudget()

	if err := e.SaveIndex(); err != nil {
		e.log.Warn("index save failed; will retry", zap.Error(err))
	}
	if len(announce) > 0 {
		e.coordinator.PushIndexUpdate(announce)
	}
	e.metrics.setDiskBytes(e.DiskUsage())
	return flushed
}

// flushViaMaster forwards one payload to the master.  Returns true when the
// entry is settled (persisted or deliberately memory-only).
func (e *Engine) flushViaMaster(key rfb.CacheKey, cp *CachedPixels, meta store.IndexEntry) bool {
	wire := coord.WireIndexEntry{
		Key:           key,
		Width:         cp.Width,
		Height:        cp.Height,
		StridePixels:  cp.StridePixels,
		CanonicalHash: cp.CanonicalHash,
		ActualHash:    cp.ActualHash,
		QualityCode:   meta.QualityCode,
	}
	result, err := e.coordinator.RequestWrite(wire, cp.Pixels)
	switch {
	case err == nil:
		e.coordMu.Lock()
		meta.ShardID = result.ShardID
		meta.Offset = result.Offset
		meta.Size = result.Size
		e.store.Put(key, meta)
		delete(e.dirty, key)
		e.coordMu.Unlock()
		return true
	case errors.Is(err, coord.ErrWriteTimeout):
		// Master unresponsive: keep the entry memory-only.
		e.log.Warn("master write timed out; keeping entry memory-only",
			zap.String("key", key.String()))
		e.coordMu.Lock()
		delete(e.dirty, key)
		e.coordMu.Unlock()
		return true
	default:
		// Connection trouble; leave dirty for the retry after
		// re-election.
		return false
	}
}

// enforceDiskBudget deletes cold entries (and compacts shards) until live
// payload bytes fit the configured budget.  Dropped entries are reported to
// the server as evictions since this client can no longer serve them.
func (e *Engine) enforceDiskBudget() {
	budget := e.cfg.DiskBudgetBytes()

	e.coordMu.Lock()
	var dropped []rfb.CacheKey
	for key := range e.cold {
		if e.store.DiskUsage() <= budget {
			break
		}
		entry, ok := e.store.Lookup(key)
		if !ok {
			delete(e.cold, key)
			continue
		}
		e.store.Delete(key)
		delete(e.cold, key)
		e.indexRemove(entry.CanonicalHash, key)
		dropped = append(dropped, key)
	}
	over := e.store.DiskUsage() > budget
	e.coordMu.Unlock()

	e.pendingEvictions = append(e.pendingEvictions, dropped...)

	if over || len(dropped) > 0 {
		e.GarbageCollect()
	}
}

// GarbageCollect compacts fragmented shards.  Returns bytes reclaimed.
func (e *Engine) GarbageCollect() uint64 {
	if !e.persistable {
		return 0
	}
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	reclaimed, err := e.store.Compact()
	if err != nil {
		e.log.Warn("shard compaction failed", zap.Error(err))
	}
	return reclaimed
}

/*
   ---------------- Coordinator glue ----------------
*/

func wireFromEntry(key rfb.CacheKey, entry store.IndexEntry, actualHash uint64) coord.WireIndexEntry {
	return coord.WireIndexEntry{
		Key:           key,
		ShardID:       entry.ShardID,
		Offset:        entry.Offset,
		Size:          entry.Size,
		Width:         entry.Width,
		Height:        entry.Height,
		StridePixels:  entry.StridePixels,
		CanonicalHash: entry.CanonicalHash,
		ActualHash:    actualHash,
		QualityCode:   entry.QualityCode,
	}
}

// StartCoordinator begins multi-viewer coordination.  Call after LoadIndex.
// Failure degrades to standalone; the engine then behaves as the only
// writer.
func (e *Engine) StartCoordinator() coord.Role {
	if !e.persistable {
		return coord.RoleStandalone
	}
	if e.coordinator == nil {
		e.coordinator = coord.New(e.store.Dir(), coord.Callbacks{
			OnIndexUpdate:  e.onCoordIndexUpdate,
			OnWriteRequest: e.onCoordWriteRequest,
			OnPromoted:     e.onCoordPromoted,
		}, e.log)
	}
	role := e.coordinator.Start()
	e.metrics.setCoordinatorRole(int(role))
	return role
}

// StopCoordinator tears down coordination.
func (e *Engine) StopCoordinator() {
	if e.coordinator != nil {
		e.coordinator.Stop()
	}
}

// CoordinatorRole returns the current role for diagnostics.
func (e *Engine) CoordinatorRole() coord.Role {
	if e.coordinator == nil {
		return coord.RoleStandalone
	}
	return e.coordinator.Role()
}

// CoordinatorStats snapshots coordinator counters.
func (e *Engine) CoordinatorStats() coord.Stats {
	if e.coordinator == nil {
		return coord.Stats{Role: coord.RoleStandalone}
	}
	s := e.coordinator.GetStats()
	e.metrics.setConnectedSlaves(s.ConnectedSlaves)
	return s
}

// onCoordIndexUpdate merges master-announced entries as cold.  Runs on a
// coordinator goroutine; touches only mutex-guarded state.
func (e *Engine) onCoordIndexUpdate(entries []coord.WireIndexEntry) {
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	for _, w := range entries {
		if existing, ok := e.store.Lookup(w.Key); ok && !existing.Cold {
			// Our own resident entry; keep local state.
			continue
		}
		e.store.Put(w.Key, store.IndexEntry{
			ShardID:       w.ShardID,
			Offset:        w.Offset,
			Size:          w.Size,
			Width:         w.Width,
			Height:        w.Height,
			StridePixels:  w.StridePixels,
			Format:        rfb.CanonicalFormat,
			CanonicalHash: w.CanonicalHash,
			QualityCode:   w.QualityCode,
			Cold:          true,
		})
		e.cold[w.Key] = struct{}{}
		e.indexAdd(w.CanonicalHash, w.Key)
	}
}

// onCoordWriteRequest persists a slave's payload.  Runs on a coordinator
// goroutine (master side).
func (e *Engine) onCoordWriteRequest(w coord.WireIndexEntry, payload []byte) (coord.WireIndexEntry, error) {
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	meta := store.IndexEntry{
		Width:         w.Width,
		Height:        w.Height,
		StridePixels:  w.StridePixels,
		Format:        rfb.CanonicalFormat,
		CanonicalHash: w.CanonicalHash,
		QualityCode:   w.QualityCode,
		Cold:          true, // master does not hold the pixels in memory
	}
	written, err := e.store.AppendPayload(w.Key, payload, meta)
	if err != nil {
		return w, err
	}
	e.cold[w.Key] = struct{}{}
	e.indexAdd(w.CanonicalHash, w.Key)
	return wireFromEntry(w.Key, written, w.ActualHash), nil
}

// onCoordPromoted re-reads index.dat after winning a re-election so the new
// master serves writes against the authoritative directory state.
func (e *Engine) onCoordPromoted() {
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	if err := e.store.LoadIndex(); err != nil {
		e.log.Warn("post-promotion index reload failed", zap.Error(err))
		return
	}
	e.store.ForEach(func(key rfb.CacheKey, entry store.IndexEntry) {
		if _, resident := e.dirty[key]; resident {
			return
		}
		e.cold[key] = struct{}{}
		e.indexAdd(entry.CanonicalHash, key)
	})
	e.log.Info("promoted to master after re-election")
}

/*
   ---------------- Debug dump ----------------
*/

// DumpDebugState writes a post-mortem snapshot of the engine to outputDir
// and returns the file path.
func (e *Engine) DumpDebugState(outputDir string) (string, error) {
	if outputDir == "" {
		outputDir = os.TempDir()
	}
	path := filepath.Join(outputDir,
		fmt.Sprintf("pixelcache-dump-%d.txt", time.Now().Unix()))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	s := e.GetStats()
	fmt.Fprintf(f, "pixelcache engine state %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(f, "dir: %s\n", e.store.Dir())
	fmt.Fprintf(f, "entries=%d bytes=%d hits=%d misses=%d evictions=%d stores=%d\n",
		s.TotalEntries, s.TotalBytes, s.CacheHits, s.CacheMisses, s.Evictions, s.Stores)
	fmt.Fprintf(f, "arc: t1=%d t2=%d b1=%d b2=%d p=%d\n",
		s.T1Len, s.T2Len, s.B1Len, s.B2Len, s.TargetT1)
	fmt.Fprintf(f, "disk: entries=%d bytes=%d dirty=%d cold=%d\n",
		s.DiskEntries, s.DiskBytes, e.DirtyEntryCount(), e.ColdEntryCount())
	fmt.Fprintf(f, "hydration: state=%d queue=%d\n", s.HydrationState, s.HydrationQueue)
	fmt.Fprintf(f, "coordinator: role=%s\n", e.CoordinatorRole())

	e.coordMu.Lock()
	e.store.ForEach(func(key rfb.CacheKey, entry store.IndexEntry) {
		fmt.Fprintf(f, "entry %s shard=%d off=%d size=%d %dx%d q=%d cold=%v canonical=%016x\n",
			key, entry.ShardID, entry.Offset, entry.Size,
			entry.Width, entry.Height, entry.QualityCode, entry.Cold,
			entry.CanonicalHash)
	})
	e.coordMu.Unlock()
	return path, nil
}
