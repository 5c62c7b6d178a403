package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pixelcache/pixelcache/rfb"
)

// File names inside the cache directory.
const (
	IndexFileName  = "index.dat"
	shardPrefix    = "shard_"
	shardSuffix    = ".dat"
	indexTempName  = "index.dat.tmp"
	shardNameWidth = 4
)

var (
	// ErrPayloadTooLarge rejects payloads bigger than a whole shard.
	ErrPayloadTooLarge = errors.New("store: payload exceeds shard size")

	// ErrNotFound marks a lookup for a key the index does not hold.
	ErrNotFound = errors.New("store: entry not found")
)

// Store owns the index map and the shard files of one cache directory.
// It is not safe for concurrent use; the engine serialises access on the
// connection's main goroutine, and cross-process access is arbitrated by the
// coordinator's flock.
type Store struct {
	dir         string
	shardTarget uint64
	log         *zap.Logger

	entries map[rfb.CacheKey]IndexEntry
	created uint64

	// indexDirty is set whenever the in-memory index diverges from
	// index.dat.  It survives a failed SaveIndex so a later flush can
	// retry without re-appending payloads.
	indexDirty bool

	currentShardID uint16
	currentShard   *os.File
	currentSize    uint64

	// shardLive tracks live (index-referenced) payload bytes per shard;
	// shardTotal tracks appended bytes.  The difference is fragmentation.
	shardLive  map[uint16]uint64
	shardTotal map[uint16]uint64
}

// Open prepares a store over dir, creating the directory if needed.  No file
// I/O beyond the mkdir happens until LoadIndex.
func Open(dir string, shardTargetBytes uint64, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create cache dir: %w", err)
	}
	return &Store{
		dir:         dir,
		shardTarget: shardTargetBytes,
		log:         logger,
		entries:     make(map[rfb.CacheKey]IndexEntry),
		created:     uint64(time.Now().Unix()),
		shardLive:   make(map[uint16]uint64),
		shardTotal:  make(map[uint16]uint64),
	}, nil
}

// Dir returns the cache directory path.
func (s *Store) Dir() string { return s.dir }

// IndexPath returns the absolute path of index.dat.
func (s *Store) IndexPath() string { return filepath.Join(s.dir, IndexFileName) }

func (s *Store) shardPath(id uint16) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%0*d%s", shardPrefix, shardNameWidth, id, shardSuffix))
}

// Len returns the number of indexed entries.
func (s *Store) Len() int { return len(s.entries) }

// IndexDirty reports whether index.dat is stale relative to memory.
func (s *Store) IndexDirty() bool { return s.indexDirty }

// Lookup returns the index entry for key.
func (s *Store) Lookup(key rfb.CacheKey) (IndexEntry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

// ForEach visits every index entry.  The callback must not mutate the store.
func (s *Store) ForEach(fn func(key rfb.CacheKey, e IndexEntry)) {
	for k, e := range s.entries {
		fn(k, e)
	}
}

// Put inserts or replaces an index entry without touching payload files.
// Used when merging coordinator INDEX_UPDATE broadcasts: the master already
// wrote the payload, we only learn its location.
func (s *Store) Put(key rfb.CacheKey, e IndexEntry) {
	if old, ok := s.entries[key]; ok {
		s.shardLive[old.ShardID] -= uint64(old.Size)
	}
	s.entries[key] = e
	s.shardLive[e.ShardID] += uint64(e.Size)
	if uint64(e.Offset)+uint64(e.Size) > s.shardTotal[e.ShardID] {
		s.shardTotal[e.ShardID] = uint64(e.Offset) + uint64(e.Size)
	}
	if e.ShardID > s.currentShardID {
		s.currentShardID = e.ShardID
	}
	s.indexDirty = true
}

// SetCold flips the cold flag for key.
func (s *Store) SetCold(key rfb.CacheKey, cold bool) {
	e, ok := s.entries[key]
	if !ok || e.Cold == cold {
		return
	}
	e.Cold = cold
	s.entries[key] = e
	s.indexDirty = true
}

// Delete forgets an entry and releases its shard accounting.  The payload
// bytes stay in the shard file until Compact reclaims them.
func (s *Store) Delete(key rfb.CacheKey) {
	e, ok := s.entries[key]
	if !ok {
		return
	}
	s.shardLive[e.ShardID] -= uint64(e.Size)
	delete(s.entries, key)
	s.indexDirty = true
}

// DiskUsage returns total live payload bytes across all shards.
func (s *Store) DiskUsage() uint64 {
	var sum uint64
	for _, n := range s.shardLive {
		sum += n
	}
	return sum
}

// CurrentShardID exposes the shard currently open for appends.
func (s *Store) CurrentShardID() uint16 { return s.currentShardID }

// Close closes the current shard handle.  The index is NOT saved implicitly.
func (s *Store) Close() error {
	if s.currentShard == nil {
		return nil
	}
	err := s.currentShard.Close()
	s.currentShard = nil
	return err
}

/*
   ---------------- Index load/save ----------------
*/

// LoadIndex reads index.dat, validates the header, rebuilds shard accounting
// and removes orphaned shard files.  An index with an unknown version (or
// garbage) wipes the cache directory and starts fresh — stale formats are not
// migrated.  Loading twice is a no-op on disk state.
func (s *Store) LoadIndex() error {
	raw, err := os.ReadFile(s.IndexPath())
	if errors.Is(err, os.ErrNotExist) {
		s.cleanupOrphanShards()
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read index: %w", err)
	}

	hdr, err := unmarshalHeader(raw)
	if err != nil || hdr.version != IndexVersion {
		if err == nil {
			err = fmt.Errorf("%w: version %d (want %d)", ErrBadIndex, hdr.version, IndexVersion)
		}
		s.log.Warn("discarding stale cache directory", zap.Error(err))
		s.wipe()
		return nil
	}

	entries := make(map[rfb.CacheKey]IndexEntry, hdr.entryCount)
	off := headerSize
	for i := uint32(0); i < hdr.entryCount; i++ {
		if off+recordSize > len(raw) {
			s.log.Warn("index truncated mid-record, discarding cache",
				zap.Uint32("record", i))
			s.wipe()
			return nil
		}
		key, e, err := unmarshalRecord(raw[off : off+recordSize])
		if err != nil {
			s.wipe()
			return nil
		}
		entries[key] = e
		off += recordSize
	}

	s.entries = entries
	s.created = hdr.created
	s.currentShardID = hdr.maxShardID
	s.indexDirty = false

	s.shardLive = make(map[uint16]uint64)
	s.shardTotal = make(map[uint16]uint64)
	for _, e := range entries {
		s.shardLive[e.ShardID] += uint64(e.Size)
		end := uint64(e.Offset) + uint64(e.Size)
		if end > s.shardTotal[e.ShardID] {
			s.shardTotal[e.ShardID] = end
		}
	}
	if sz := s.shardTotal[s.currentShardID]; sz > 0 {
		s.currentSize = sz
	}

	s.cleanupOrphanShards()

	s.log.Info("cache index loaded",
		zap.Int("entries", len(entries)),
		zap.Uint16("maxShard", s.currentShardID),
		zap.Uint64("liveBytes", s.DiskUsage()))
	return nil
}

// SaveIndex atomically rewrites index.dat from the live map.  On failure the
// old index stays intact and the dirty flag remains set for a later retry.
func (s *Store) SaveIndex() error {
	buf := make([]byte, headerSize+len(s.entries)*recordSize)
	hdr := header{
		version:    IndexVersion,
		entryCount: uint32(len(s.entries)),
		created:    s.created,
		modified:   uint64(time.Now().Unix()),
		maxShardID: s.currentShardID,
	}
	hdr.marshal(buf)

	off := headerSize
	for key, e := range s.entries {
		if err := e.marshal(key, buf[off:]); err != nil {
			return err
		}
		off += recordSize
	}

	tmp := filepath.Join(s.dir, indexTempName)
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		s.indexDirty = true
		return fmt.Errorf("store: write index temp: %w", err)
	}
	if err := os.Rename(tmp, s.IndexPath()); err != nil {
		s.indexDirty = true
		os.Remove(tmp)
		return fmt.Errorf("store: rename index: %w", err)
	}
	s.indexDirty = false
	return nil
}

// wipe removes every cache file and resets in-memory state.
func (s *Store) wipe() {
	s.Close()
	matches, _ := filepath.Glob(filepath.Join(s.dir, shardPrefix+"*"+shardSuffix))
	for _, m := range matches {
		os.Remove(m)
	}
	os.Remove(s.IndexPath())
	os.Remove(filepath.Join(s.dir, indexTempName))
	s.entries = make(map[rfb.CacheKey]IndexEntry)
	s.shardLive = make(map[uint16]uint64)
	s.shardTotal = make(map[uint16]uint64)
	s.currentShardID = 0
	s.currentSize = 0
	s.created = uint64(time.Now().Unix())
	s.indexDirty = false
}

// cleanupOrphanShards unlinks shard files the index does not reference.
// Orphans appear when a GC or index rewrite dropped a shard's last entry but
// the process died before removing the file; left alone they silently eat
// the disk budget across restarts.
func (s *Store) cleanupOrphanShards() {
	matches, err := filepath.Glob(filepath.Join(s.dir, shardPrefix+"*"+shardSuffix))
	if err != nil {
		return
	}
	referenced := make(map[string]bool, len(s.shardLive))
	for id, live := range s.shardLive {
		if live > 0 {
			referenced[s.shardPath(id)] = true
		}
	}
	for _, m := range matches {
		if !referenced[m] {
			if err := os.Remove(m); err == nil {
				s.log.Debug("removed orphan shard", zap.String("path", m))
			}
		}
	}
}

/*
   ---------------- Payload I/O ----------------
*/

// openCurrentShard makes sure a shard file is open for appending.
func (s *Store) openCurrentShard() error {
	if s.currentShard != nil {
		return nil
	}
	f, err := os.OpenFile(s.shardPath(s.currentShardID),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("store: open shard %d: %w", s.currentShardID, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	s.currentShard = f
	s.currentSize = uint64(st.Size())
	return nil
}

// rollShard closes the current shard and starts the next one.
func (s *Store) rollShard() error {
	if s.currentShard != nil {
		s.currentShard.Close()
		s.currentShard = nil
	}
	s.currentShardID++
	s.currentSize = 0
	return s.openCurrentShard()
}

// AppendPayload writes payload to the current shard (rolling over when the
// append would exceed the target size) and records key's index entry with the
// assigned location.  meta supplies everything but ShardID/Offset/Size.
//
// A write failure (ENOSPC included) aborts only this entry: the index is not
// updated and the caller's memory cache is unaffected.
func (s *Store) AppendPayload(key rfb.CacheKey, payload []byte, meta IndexEntry) (IndexEntry, error) {
	if uint64(len(payload)) > s.shardTarget {
		return IndexEntry{}, ErrPayloadTooLarge
	}
	if err := s.openCurrentShard(); err != nil {
		return IndexEntry{}, err
	}
	if s.currentSize+uint64(len(payload)) > s.shardTarget && s.currentSize > 0 {
		if err := s.rollShard(); err != nil {
			return IndexEntry{}, err
		}
	}

	offset := s.currentSize
	n, err := s.currentShard.Write(payload)
	if err != nil {
		// Drop the partial tail so the next append starts clean.
		s.currentShard.Truncate(int64(offset))
		s.log.Warn("shard append failed", zap.Error(err),
			zap.Uint16("shard", s.currentShardID))
		return IndexEntry{}, err
	}
	s.currentSize += uint64(n)

	meta.ShardID = s.currentShardID
	meta.Offset = uint32(offset)
	meta.Size = uint32(len(payload))
	s.Put(key, meta)
	return meta, nil
}

// ReadPayload fetches an entry's bytes from its shard.
func (s *Store) ReadPayload(e IndexEntry) ([]byte, error) {
	f, err := os.Open(s.shardPath(e.ShardID))
	if err != nil {
		return nil, fmt.Errorf("store: open shard %d: %w", e.ShardID, err)
	}
	defer f.Close()
	buf := make([]byte, e.Size)
	if _, err := f.ReadAt(buf, int64(e.Offset)); err != nil {
		return nil, fmt.Errorf("store: read shard %d @%d+%d: %w",
			e.ShardID, e.Offset, e.Size, err)
	}
	return buf, nil
}

/*
   ---------------- Compaction ----------------
*/

// compactFragmentationThreshold: a read-only shard is compacted when less
// than half of its appended bytes are still live.
const compactFragmentationThreshold = 0.5

// Compact rewrites fragmented read-only shards: live payloads are re-appended
// to the current shard, the index is updated, the old file unlinked.  Returns
// bytes reclaimed.
func (s *Store) Compact() (uint64, error) {
	var reclaimed uint64
	for shardID, total := range s.shardTotal {
		if shardID == s.currentShardID || total == 0 {
			continue
		}
		live := s.shardLive[shardID]
		if float64(live) >= float64(total)*compactFragmentationThreshold {
			continue
		}

		// Collect the survivors before mutating the map.
		type liveEntry struct {
			key rfb.CacheKey
			e   IndexEntry
		}
		var survivors []liveEntry
		for k, e := range s.entries {
			if e.ShardID == shardID {
				survivors = append(survivors, liveEntry{k, e})
			}
		}

		failed := false
		for _, le := range survivors {
			payload, err := s.ReadPayload(le.e)
			if err != nil {
				s.log.Warn("compact: unreadable payload, dropping entry",
					zap.String("key", le.key.String()), zap.Error(err))
				s.Delete(le.key)
				continue
			}
			if _, err := s.AppendPayload(le.key, payload, le.e); err != nil {
				failed = true
				break
			}
		}
		if failed {
			// Out of space mid-compaction; leave the shard alone,
			// entries already moved stay moved.
			continue
		}

		if err := os.Remove(s.shardPath(shardID)); err == nil {
			reclaimed += total - live
		}
		delete(s.shardLive, shardID)
		delete(s.shardTotal, shardID)
	}
	if reclaimed > 0 {
		s.indexDirty = true
	}
	return reclaimed, nil
}
