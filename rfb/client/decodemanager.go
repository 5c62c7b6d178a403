// Package client implements the viewer half of the cache protocol: the
// decode manager with its worker pool, the cache lookup/store paths driven by
// incoming cache rectangles, query batching, background hydration and the
// hash-list advertisement.
package client

import (
	"container/list"
	"fmt"
	"io"
	"runtime"
	"sync"

	"go.uber.org/zap"

	cache "github.com/pixelcache/pixelcache/pkg"
	"github.com/pixelcache/pixelcache/rfb"
)

// maxDecodeWorkers caps the pool; decoding is CPU-bound and more threads
// than cores just thrash.
const maxDecodeWorkers = 4

// queryBatchSize triggers an early query flush once this many ids are
// pending.
const queryBatchSize = 10

// hydrationBatchPerFlush is how many cold entries each idle flush pulls back
// into memory.
const hydrationBatchPerFlush = 5

// evictionBatchSize bounds one CacheEviction message.
const evictionBatchSize = 100

// DecodeStats counts client-side cache activity.
type DecodeStats struct {
	Rects       uint64
	CacheHits   uint64
	CacheMisses uint64
	Lookups     uint64
	Stores      uint64
	QueriesSent uint64
	Dropped     uint64 // corrupt entries rejected
}

type queueEntry struct {
	active   bool
	rect     rfb.Rect
	encoding int32
	decoder  rfb.Decoder
	data     []byte
	server   *rfb.ServerParams
	pb       rfb.ModifiablePixelBuffer
	affected rfb.Region
}

// DecodeManager parses rectangles on the network goroutine, decodes them on
// a small worker pool, and performs all cache operations on the network
// goroutine between worker drains (Flush is the barrier).
type DecodeManager struct {
	codecs *rfb.CodecRegistry
	engine *cache.Engine
	writer *rfb.MsgWriter
	log    *zap.Logger

	// persistDisk is false when the viewer negotiated only the
	// session-only alias: entries are inserted as non-persistable.
	persistDisk bool

	queueMu      sync.Mutex
	producerCond *sync.Cond // signalled when the queue drains
	consumerCond *sync.Cond // signalled when work arrives
	workQueue    *list.List // of *queueEntry
	stopping     bool
	workerErr    error // first decode failure, surfaced at Flush

	workers sync.WaitGroup

	pendingQueries []uint64

	hashListSequence uint32
	hashListSent     bool

	stats     DecodeStats
	bandwidth bandwidthEstimate
}

// bandwidthEstimate mirrors the server-side accounting from the receive
// side.
type bandwidthEstimate struct {
	RefBytes   uint64
	InitBytes  uint64
	RawEquival uint64
}

// NewDecodeManager starts the worker pool.
func NewDecodeManager(codecs *rfb.CodecRegistry, engine *cache.Engine,
	writer *rfb.MsgWriter, persistDisk bool, logger *zap.Logger) *DecodeManager {

	if logger == nil {
		logger = zap.NewNop()
	}
	dm := &DecodeManager{
		codecs:      codecs,
		engine:      engine,
		writer:      writer,
		log:         logger.With(zap.String("component", "decode-manager")),
		persistDisk: persistDisk,
		workQueue:   list.New(),
	}
	dm.producerCond = sync.NewCond(&dm.queueMu)
	dm.consumerCond = sync.NewCond(&dm.queueMu)

	n := min(runtime.NumCPU(), maxDecodeWorkers)
	for i := 0; i < n; i++ {
		dm.workers.Add(1)
		go dm.worker()
	}
	return dm
}

// Stop drains the workers and shuts the pool down.
func (dm *DecodeManager) Stop() {
	dm.queueMu.Lock()
	dm.stopping = true
	dm.consumerCond.Broadcast()
	dm.queueMu.Unlock()
	dm.workers.Wait()
}

/*
   ---------------- Decode queue ----------------
*/

// DecodeRect reads one encoded rectangle off the stream and queues it for
// decoding.  Runs on the network goroutine.
func (dm *DecodeManager) DecodeRect(r rfb.Rect, encoding int32, in io.Reader,
	server *rfb.ServerParams, pb rfb.ModifiablePixelBuffer) error {

	decoder, err := dm.codecs.Decoder(encoding)
	if err != nil {
		return fmt.Errorf("%w: %v", rfb.ErrProtocol, err)
	}
	data, err := decoder.ReadRect(r, in, server)
	if err != nil {
		return err
	}

	entry := &queueEntry{
		rect:     r,
		encoding: encoding,
		decoder:  decoder,
		data:     data,
		server:   server,
		pb:       pb,
		affected: decoder.AffectedRegion(r, data),
	}

	dm.queueMu.Lock()
	dm.workQueue.PushBack(entry)
	dm.consumerCond.Signal()
	dm.queueMu.Unlock()
	dm.stats.Rects++
	return nil
}

// waitQueueDrained blocks until every queued rectangle is decoded and
// surfaces any worker error.  This is the barrier that makes cache reads see
// a consistent framebuffer.
func (dm *DecodeManager) waitQueueDrained() error {
	dm.queueMu.Lock()
	for dm.workQueue.Len() > 0 {
		dm.producerCond.Wait()
	}
	err := dm.workerErr
	dm.workerErr = nil
	dm.queueMu.Unlock()
	return err
}

// Flush drains the decode queue, then runs the deferred cache traffic
// (queries, evictions) and a small hydration batch.  Called at the end of
// each framebuffer update.
func (dm *DecodeManager) Flush() error {
	if err := dm.waitQueueDrained(); err != nil {
		return err
	}
	dm.flushPendingQueries()
	dm.flushPendingEvictions()
	dm.engine.HydrateNextBatch(hydrationBatchPerFlush)
	return dm.writer.Err()
}

func (dm *DecodeManager) worker() {
	defer dm.workers.Done()
	dm.queueMu.Lock()
	for {
		entry := dm.findEntry()
		for entry == nil {
			if dm.stopping {
				dm.queueMu.Unlock()
				return
			}
			dm.consumerCond.Wait()
			entry = dm.findEntry()
		}
		entry.active = true
		dm.queueMu.Unlock()

		err := entry.decoder.DecodeRect(entry.rect, entry.data, entry.server, entry.pb)

		dm.queueMu.Lock()
		if err != nil && dm.workerErr == nil {
			dm.workerErr = err
		}
		for e := dm.workQueue.Front(); e != nil; e = e.Next() {
			if e.Value.(*queueEntry) == entry {
				dm.workQueue.Remove(e)
				break
			}
		}
		// Wake the producer when drained, and other workers whose
		// ordering constraints this entry may have satisfied.
		if dm.workQueue.Len() == 0 {
			dm.producerCond.Broadcast()
		}
		dm.consumerCond.Broadcast()
	}
}

// findEntry picks the next decodable entry, honouring three constraints:
// fully-ordered encodings decode FIFO, partially-ordered encodings consult
// the decoder before overtaking, and no two active entries may touch the
// same framebuffer area.  Called with queueMu held.
func (dm *DecodeManager) findEntry() *queueEntry {
	var lockedRegion rfb.Region
	for e := dm.workQueue.Front(); e != nil; e = e.Next() {
		candidate := e.Value.(*queueEntry)
		if candidate.active {
			lockedRegion.Union(&candidate.affected)
			continue
		}

		eligible := true
		if lockedRegion.Overlaps(&candidate.affected) {
			eligible = false
		}
		if eligible {
			flags := candidate.decoder.Flags()
			for p := dm.workQueue.Front(); p != e && eligible; p = p.Next() {
				prior := p.Value.(*queueEntry)
				if prior.encoding != candidate.encoding {
					continue
				}
				if flags&rfb.DecoderFullyOrdered != 0 {
					eligible = false
				} else if flags&rfb.DecoderPartiallyOrdered != 0 &&
					candidate.decoder.RectsConflict(candidate.rect, prior.rect) {
					eligible = false
				}
			}
		}
		if eligible {
			return candidate
		}
		lockedRegion.Union(&candidate.affected)
	}
	return nil
}

/*
   ---------------- Cache rectangle handling ----------------
*/

// keyAndID hashes the framebuffer rect and returns the full key plus
// its 64-bit id.
func keyAndID(pb rfb.PixelBuffer, r rfb.Rect) (rfb.CacheKey, uint64) {
	key := rfb.ComputeRectHash(pb, r)
	return key, key.CanonicalID()
}

// HandleCachedRect serves a reference-only rectangle from the local cache.
// Runs on the network goroutine; the decode queue is drained first so the
// blit lands on a settled framebuffer.
func (dm *DecodeManager) HandleCachedRect(ref rfb.CachedRef, pb rfb.ModifiablePixelBuffer) error {
	if err := dm.waitQueueDrained(); err != nil {
		return err
	}
	dm.stats.Lookups++

	width, height := uint16(ref.Rect.Width()), uint16(ref.Rect.Height())
	minBpp := pb.Format().BPP
	cp := dm.engine.GetByCanonicalHash(ref.CacheID, width, height, minBpp)
	if cp != nil {
		dm.stats.CacheHits++
		dm.bandwidth.RefBytes += uint64(rfb.RectHeaderSize + 8)
		dm.bandwidth.RawEquival += uint64(ref.Rect.Area() * pb.Format().BytesPerPixel())
		return pb.ImageRect(ref.Rect, cp.Pixels, int(cp.StridePixels))
	}

	dm.stats.CacheMisses++
	if dm.engine.HasCanonicalCandidates(ref.CacheID, width, height) {
		// Cached, but below the session's quality floor: ask for fresh
		// full pixels instead of upscaling stale ones.
		return dm.writer.WriteRequestCachedData(ref.CacheID)
	}
	dm.pendingQueries = append(dm.pendingQueries, ref.CacheID)
	if len(dm.pendingQueries) >= queryBatchSize {
		dm.flushPendingQueries()
	}
	return nil
}

// HandleCachedInit decodes the inner payload, verifies the decoded pixels
// against the server's id, and stores the entry.
//
// Quality-aware validation: a hash mismatch from a lossy encoder is the
// expected JPEG case — the entry is stored under both hashes and the server
// is told via LossyHashReport.  A mismatch from a lossless encoder means the
// pixels are corrupt (decoder bug, stride mismatch, truncated transport) and
// the entry is dropped so one bad rectangle cannot poison future hits.
func (dm *DecodeManager) HandleCachedInit(init rfb.CachedInit, in io.Reader,
	server *rfb.ServerParams, pb rfb.ModifiablePixelBuffer) error {

	if err := dm.DecodeRect(init.Rect, init.InnerEncoding, in, server, pb); err != nil {
		return err
	}
	// The store must observe the decoded pixels; drain the queue.
	if err := dm.waitQueueDrained(); err != nil {
		return err
	}
	dm.bandwidth.InitBytes += uint64(rfb.RectHeaderSize + 12)
	dm.bandwidth.RawEquival += uint64(init.Rect.Area() * pb.Format().BytesPerPixel())

	return dm.storeDecodedRect(init.Rect, init.CacheID, init.InnerEncoding, pb)
}

// HandleCachedSeed associates pixels already present in the framebuffer with
// an id.  No wire payload was consumed.  Runs after the workers drain so the
// framebuffer contains every previously-painted subrect.
func (dm *DecodeManager) HandleCachedSeed(seed rfb.CachedSeed, pb rfb.ModifiablePixelBuffer) error {
	if err := dm.waitQueueDrained(); err != nil {
		return err
	}
	// Seeds tolerate mismatches: the framebuffer content may carry lossy
	// history, which is exactly what the report mechanism handles.
	return dm.storeRect(seed.Rect, seed.CacheID, true, pb)
}

// storeDecodedRect validates and stores pixels just painted by a CachedInit.
func (dm *DecodeManager) storeDecodedRect(r rfb.Rect, canonicalID uint64,
	encoding int32, pb rfb.ModifiablePixelBuffer) error {
	return dm.storeRect(r, canonicalID, dm.codecs.IsLossy(encoding), pb)
}

func (dm *DecodeManager) storeRect(r rfb.Rect, canonicalID uint64,
	lossyEncoding bool, pb rfb.ModifiablePixelBuffer) error {

	key, actualID := keyAndID(pb, r)
	if key.IsZero() {
		return nil // unhashable; do not cache
	}

	if actualID != canonicalID && !lossyEncoding {
		dm.stats.Dropped++
		dm.log.Warn("dropping corrupt cache entry",
			zap.Uint64("canonical", canonicalID),
			zap.Uint64("actual", actualID))
		return nil
	}

	data, stride, err := pb.Buffer(r)
	if err != nil {
		return err
	}
	err = dm.engine.Insert(canonicalID, actualID, key,
		data, pb.Format(),
		uint16(r.Width()), uint16(r.Height()), uint16(stride),
		lossyEncoding, dm.persistDisk)
	if err != nil {
		return nil // engine rejected; session continues uncached
	}
	dm.stats.Stores++

	if actualID != canonicalID {
		// Teach the server the canonical-to-actual mapping so it can
		// reference this entry by either id.
		if err := dm.writer.WriteLossyHashReport(canonicalID, actualID); err != nil {
			return err
		}
	}

	// Inserting may have displaced entries; tell the server promptly so
	// it stops referencing them.
	dm.flushPendingEvictions()
	return nil
}

/*
   ---------------- Deferred client-to-server traffic ----------------
*/

func (dm *DecodeManager) flushPendingQueries() {
	if len(dm.pendingQueries) == 0 {
		return
	}
	for _, batch := range rfb.BatchForSending(dm.pendingQueries, queryBatchSize) {
		if err := dm.writer.WriteCacheQuery(batch); err != nil {
			break
		}
		dm.stats.QueriesSent += uint64(len(batch))
	}
	dm.pendingQueries = dm.pendingQueries[:0]
}

func (dm *DecodeManager) flushPendingEvictions() {
	if !dm.engine.HasPendingEvictions() {
		return
	}
	keys := dm.engine.DrainPendingEvictions()
	ids := make([]uint64, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.CanonicalID())
	}
	for _, batch := range rfb.BatchForSending(ids, evictionBatchSize) {
		if err := dm.writer.WriteCacheEviction(batch); err != nil {
			return
		}
	}
}

// AdvertiseHashList sends every id surviving from previous sessions, chunked
// to the protocol limit.  One-shot per connection; called right after the
// security handshake completes.
func (dm *DecodeManager) AdvertiseHashList() error {
	if dm.hashListSent {
		return nil
	}
	dm.hashListSent = true

	ids := dm.engine.AllCanonicalIDs()
	if len(ids) == 0 {
		return nil
	}
	dm.hashListSequence++
	chunks := rfb.BatchForSending(ids, rfb.HashListChunkLimit)
	for i, chunk := range chunks {
		err := dm.writer.WriteHashListChunk(rfb.HashListChunk{
			SequenceID:  dm.hashListSequence,
			TotalChunks: uint16(len(chunks)),
			ChunkIndex:  uint16(i),
			IDs:         chunk,
		})
		if err != nil {
			return err
		}
	}
	dm.log.Info("advertised persistent cache ids", zap.Int("count", len(ids)))
	return nil
}

// Stats snapshots decode-side counters.
func (dm *DecodeManager) Stats() DecodeStats { return dm.stats }

// LogStats emits end-of-session counters.
func (dm *DecodeManager) LogStats() {
	es := dm.engine.GetStats()
	dm.log.Info("decode manager stats",
		zap.Uint64("rects", dm.stats.Rects),
		zap.Uint64("cacheHits", dm.stats.CacheHits),
		zap.Uint64("cacheMisses", dm.stats.CacheMisses),
		zap.Uint64("stores", dm.stats.Stores),
		zap.Uint64("queries", dm.stats.QueriesSent),
		zap.Uint64("dropped", dm.stats.Dropped),
		zap.Int("entries", es.TotalEntries),
		zap.Uint64("bytes", es.TotalBytes))
}

// DumpCacheDebugState writes a post-mortem engine dump and returns its path.
func (dm *DecodeManager) DumpCacheDebugState(outputDir string) (string, error) {
	return dm.engine.DumpDebugState(outputDir)
}
