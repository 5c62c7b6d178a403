package cache

// pixels.go defines the in-memory cache entry.  Pixels are stored tightly
// packed (stride == width) in the format they were decoded in; the native
// stride padding is dropped on insert so byte accounting is exact.

import (
	"github.com/pixelcache/pixelcache/rfb"
)

// CachedPixels is one decoded rectangle held by the engine.
type CachedPixels struct {
	// Pixels is the decoded data, packed row-major.  Empty for entries
	// whose payload still lives only on disk.
	Pixels []byte

	Format       rfb.PixelFormat
	Width        uint16
	Height       uint16
	StridePixels uint16

	// CanonicalHash is the server's hash of the uncompressed source
	// pixels; ActualHash is this client's hash of what it decoded.  They
	// differ exactly when the transport encoder was lossy.
	CanonicalHash uint64
	ActualHash    uint64

	// LastAccess is a coarse wall-clock second, maintained on each hit.
	LastAccess uint32
}

// ByteSize prices the entry for the ARC byte budget.
func (cp *CachedPixels) ByteSize() uint64 {
	return uint64(len(cp.Pixels))
}

// IsHydrated reports whether pixel data is resident.
func (cp *CachedPixels) IsHydrated() bool {
	return len(cp.Pixels) > 0
}

// IsLossless reports whether decode reproduced the canonical content
// exactly.
func (cp *CachedPixels) IsLossless() bool {
	return cp.CanonicalHash == cp.ActualHash
}
