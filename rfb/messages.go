package rfb

// messages.go defines the nine cache-related wire messages layered on top of
// the standard RFB message loop.  Server-to-client cache traffic rides inside
// framebuffer updates as rectangles with extension encodings (see
// encodings.go); client-to-server traffic uses the message type octets below.
//
// All multi-byte integers are big-endian.  Cache ids on the wire are the
// 64-bit canonical ids (the leading 8 bytes of a CacheKey).

// Client-to-server cache message types.
const (
	// MsgTypeRequestCachedData asks the server to resend full pixels for
	// an id the client referenced but could not serve locally.
	MsgTypeRequestCachedData uint8 = 180

	// MsgTypeCacheEviction notifies the server of ids the client evicted.
	MsgTypeCacheEviction uint8 = 181

	// MsgTypePersistentCacheQuery asks whether the server still holds the
	// listed ids.
	MsgTypePersistentCacheQuery uint8 = 182

	// MsgTypePersistentHashList advertises ids surviving from a previous
	// session, chunked.
	MsgTypePersistentHashList uint8 = 183

	// MsgTypeLossyHashReport maps a canonical id to the actual id the
	// client computed after lossy decoding.
	MsgTypeLossyHashReport uint8 = 247

	// MsgTypeDebugDumpRequest coordinates post-mortem cache dumps.
	MsgTypeDebugDumpRequest uint8 = 248
)

// HashListChunkLimit caps the ids carried per PersistentHashList chunk.
const HashListChunkLimit = 1000

// RectHeaderSize is the wire size of an update rectangle header: x, y, w, h
// as u16 plus the i32 encoding.
const RectHeaderSize = 12

// RectHeader is the per-rectangle header inside a framebuffer update.
type RectHeader struct {
	Rect     Rect
	Encoding int32
}

// CachedRef is a reference-only cache rectangle (EncodingCachedRect).
type CachedRef struct {
	Rect    Rect
	CacheID uint64
}

// CachedInit is a seeding cache rectangle (EncodingCachedRectInit).  The
// encoded payload follows the header in InnerEncoding and is consumed by the
// matching decoder, not by the message layer.
type CachedInit struct {
	Rect          Rect
	CacheID       uint64
	InnerEncoding int32
}

// CachedSeed associates framebuffer pixels with an id
// (EncodingCachedRectSeed).
type CachedSeed struct {
	Rect    Rect
	CacheID uint64
}

// HashListChunk is one chunk of a PersistentHashList advertisement.
type HashListChunk struct {
	SequenceID  uint32
	TotalChunks uint16
	ChunkIndex  uint16
	IDs         []uint64
}

// LossyHashReport maps the server's canonical id to the client's actual id.
type LossyHashReport struct {
	CanonicalID uint64
	ActualID    uint64
}

// BatchForSending splits items into chunks of at most batchSize, preserving
// order.  Used for evictions, queries and the hash list.
func BatchForSending[T any](items []T, batchSize int) [][]T {
	if batchSize <= 0 || len(items) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(items)+batchSize-1)/batchSize)
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		out = append(out, items[start:end])
	}
	return out
}
