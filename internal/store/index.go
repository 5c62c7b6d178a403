// Package store implements the sharded on-disk payload store backing the
// persistent cache engine: a master index file (index.dat) plus append-only
// payload shards (shard_NNNN.dat).
//
// Layout under the cache directory:
//
//	index.dat       versioned header + fixed-size entry records
//	shard_0000.dat  opaque payload blobs, append-only within a session
//	shard_0001.dat  ...
//
// One shard is "current" and open for appends; all others are read-only.
// The index is rewritten atomically (temp file + rename); shard payloads are
// written incrementally as entries become dirty.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pixelcache/pixelcache/rfb"
)

// Index file format constants.
const (
	// IndexMagic identifies the sharded v3 cache directory format.
	IndexMagic = "PCV3"

	// IndexVersion is bumped whenever the record layout changes.  Loading
	// any other version wipes the directory and starts fresh.
	IndexVersion uint32 = 7

	headerSize = 40
	recordSize = 104
)

var (
	// ErrBadIndex marks an unreadable or wrong-version index file.
	ErrBadIndex = errors.New("store: bad index file")

	errShortRecord = errors.New("store: short index record")
)

// Quality codes pack colour depth and lossiness into 3 bits:
// bit 0 = lossy flag, bits 1-2 = depth class (0=8bpp, 1=16bpp, 2=24/32bpp).
const (
	QualityLossyBit uint8 = 0x01

	depthClass8  uint8 = 0
	depthClass16 uint8 = 1
	depthClass32 uint8 = 2
)

// ComputeQualityCode derives the 3-bit quality code for a format.
func ComputeQualityCode(pf rfb.PixelFormat, lossy bool) uint8 {
	var depth uint8
	switch {
	case pf.BPP <= 8:
		depth = depthClass8
	case pf.BPP <= 16:
		depth = depthClass16
	default:
		depth = depthClass32
	}
	code := depth << 1
	if lossy {
		code |= QualityLossyBit
	}
	return code
}

// QualityIsLossy extracts the lossy flag from a quality code.
func QualityIsLossy(code uint8) bool { return code&QualityLossyBit != 0 }

// IndexEntry is the on-disk directory record for one cached rectangle.
type IndexEntry struct {
	ShardID uint16
	Offset  uint32
	Size    uint32

	Width        uint16
	Height       uint16
	StridePixels uint16

	Format        rfb.PixelFormat
	CanonicalHash uint64
	QualityCode   uint8

	// Cold entries have been evicted from memory but their payload is
	// retained on disk for re-hydration.
	Cold bool
}

// marshal writes the fixed-size record for key+entry into dst.
func (e *IndexEntry) marshal(key rfb.CacheKey, dst []byte) error {
	if len(dst) < recordSize {
		return errShortRecord
	}
	for i := range dst[:recordSize] {
		dst[i] = 0
	}
	copy(dst[0:16], key[:])
	binary.LittleEndian.PutUint16(dst[16:], e.ShardID)
	binary.LittleEndian.PutUint32(dst[18:], e.Offset)
	binary.LittleEndian.PutUint32(dst[22:], e.Size)
	binary.LittleEndian.PutUint16(dst[26:], e.Width)
	binary.LittleEndian.PutUint16(dst[28:], e.Height)
	binary.LittleEndian.PutUint16(dst[30:], e.StridePixels)
	if err := e.Format.Marshal(dst[32:80]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(dst[80:], e.CanonicalHash)
	dst[88] = e.QualityCode
	if e.Cold {
		dst[89] = 1
	}
	// dst[90:104] reserved
	return nil
}

// unmarshalRecord parses one record.
func unmarshalRecord(src []byte) (rfb.CacheKey, IndexEntry, error) {
	var key rfb.CacheKey
	var e IndexEntry
	if len(src) < recordSize {
		return key, e, errShortRecord
	}
	copy(key[:], src[0:16])
	e.ShardID = binary.LittleEndian.Uint16(src[16:])
	e.Offset = binary.LittleEndian.Uint32(src[18:])
	e.Size = binary.LittleEndian.Uint32(src[22:])
	e.Width = binary.LittleEndian.Uint16(src[26:])
	e.Height = binary.LittleEndian.Uint16(src[28:])
	e.StridePixels = binary.LittleEndian.Uint16(src[30:])
	pf, err := rfb.UnmarshalPixelFormat(src[32:80])
	if err != nil {
		return key, e, err
	}
	e.Format = pf
	e.CanonicalHash = binary.LittleEndian.Uint64(src[80:])
	e.QualityCode = src[88]
	e.Cold = src[89] != 0
	return key, e, nil
}

// header is the index.dat preamble.
type header struct {
	version    uint32
	entryCount uint32
	created    uint64
	modified   uint64
	maxShardID uint16
}

func (h *header) marshal(dst []byte) {
	copy(dst[0:4], IndexMagic)
	binary.LittleEndian.PutUint32(dst[4:], h.version)
	binary.LittleEndian.PutUint32(dst[8:], h.entryCount)
	binary.LittleEndian.PutUint64(dst[12:], h.created)
	binary.LittleEndian.PutUint64(dst[20:], h.modified)
	binary.LittleEndian.PutUint16(dst[28:], h.maxShardID)
	// dst[30:40] reserved
}

func unmarshalHeader(src []byte) (header, error) {
	var h header
	if len(src) < headerSize {
		return h, fmt.Errorf("%w: truncated header", ErrBadIndex)
	}
	if string(src[0:4]) != IndexMagic {
		return h, fmt.Errorf("%w: bad magic %q", ErrBadIndex, src[0:4])
	}
	h.version = binary.LittleEndian.Uint32(src[4:])
	h.entryCount = binary.LittleEndian.Uint32(src[8:])
	h.created = binary.LittleEndian.Uint64(src[12:])
	h.modified = binary.LittleEndian.Uint64(src[20:])
	h.maxShardID = binary.LittleEndian.Uint16(src[28:])
	return h, nil
}
