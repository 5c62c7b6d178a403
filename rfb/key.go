package rfb

// key.go defines the 16-byte content-addressed cache key and the 64-bit wire
// identifiers derived from it.
//
// A CacheKey is the first 16 bytes of SHA-256 over the canonical pixel stream
// of a rectangle (see contenthash.go).  The leading 8 bytes double as the
// 64-bit cache id carried on the wire; the trailing 8 bytes preserve
// collision resistance for disk indexing.  Two rectangles with equal keys are
// assumed to hold identical pixel content — a collision is a correctness bug,
// not a condition we recover from.

import (
	"encoding/binary"
	"encoding/hex"
)

// CacheKeySize is the byte length of a CacheKey.
const CacheKeySize = 16

// CacheKey is an opaque 16-byte content identifier.  The zero value means
// "do not cache" and is produced when hashing fails.
type CacheKey [CacheKeySize]byte

// KeyFromBytes copies the first 16 bytes of b into a key.  Short input
// yields a zero key.
func KeyFromBytes(b []byte) CacheKey {
	var k CacheKey
	if len(b) >= CacheKeySize {
		copy(k[:], b[:CacheKeySize])
	}
	return k
}

// IsZero reports whether the key is the all-zero "do not cache" sentinel.
func (k CacheKey) IsZero() bool {
	return k == CacheKey{}
}

// CanonicalID returns the 64-bit wire identifier: the key's leading 8 bytes
// interpreted little-endian.
func (k CacheKey) CanonicalID() uint64 {
	return binary.LittleEndian.Uint64(k[:8])
}

// Hash64 mixes the two 64-bit lanes of the key through a MurmurHash3-style
// finaliser.  Used wherever a well-distributed scalar hash of the key is
// needed (singleflight grouping of hydrations).
func (k CacheKey) Hash64() uint64 {
	a := binary.LittleEndian.Uint64(k[:8])
	b := binary.LittleEndian.Uint64(k[8:])
	v := a ^ (b * 0x9e3779b97f4a7c15)
	v ^= v >> 33
	v *= 0xff51afd7ed558ccd
	v ^= v >> 33
	v *= 0xc4ceb9fe1a85ec53
	v ^= v >> 33
	return v
}

// String renders the key as lowercase hex.
func (k CacheKey) String() string {
	return hex.EncodeToString(k[:])
}
