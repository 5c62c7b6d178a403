package rfb

// contenthash.go computes the deterministic content hash that identifies a
// rectangle across sessions, servers and pixel depths.
//
// The hashing domain is NOT the native framebuffer format.  Every rectangle
// is converted, row by row, to the canonical 32 bpp little-endian true-colour
// layout (channel masks 0xFF, shifts R=16 G=8 B=0) before being fed to
// SHA-256.  Hashing the canonical domain is what makes an 8 bpp session and a
// 32 bpp session agree on the identity of the same screen content.
//
// Width and height are mixed into the digest ahead of the pixel rows so that
// rectangles with identical byte streams but different shapes (e.g. 2x8 vs
// 4x4 of a flat colour) produce distinct keys.
//
// On any failure the all-zero key is returned; callers treat a zero key as
// "do not cache" and fall back to plain encoding.

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
)

// fbHashDebug gates extra hash-domain logging.  Set FB_HASH_DEBUG=1 in the
// environment to enable; behaviour is unaffected either way.
var fbHashDebug = os.Getenv("FB_HASH_DEBUG") != ""

// FBHashDebugEnabled reports whether hash-domain debug logging is on.
func FBHashDebugEnabled() bool { return fbHashDebug }

// ComputeRectHash hashes the canonical representation of r within pb and
// returns the truncated 16-byte key.  A zero key is returned when the rect is
// degenerate or the buffer cannot be read.
func ComputeRectHash(pb PixelBuffer, r Rect) CacheKey {
	if pb == nil || r.Empty() {
		return CacheKey{}
	}
	data, stride, err := pb.Buffer(r)
	if err != nil {
		return CacheKey{}
	}
	return computeCanonical(data, stride, pb.Format(), r.Width(), r.Height())
}

// ComputePackedHash hashes tightly-packed rows (stride == width) in the given
// native format.  Used when the pixels have already been copied out of a
// framebuffer, e.g. by the cache engine.
func ComputePackedHash(data []byte, pf PixelFormat, width, height int) CacheKey {
	return computeCanonical(data, width, pf, width, height)
}

func computeCanonical(data []byte, stridePixels int, pf PixelFormat, width, height int) CacheKey {
	if width <= 0 || height <= 0 || stridePixels < width {
		return CacheKey{}
	}
	bpp := pf.BytesPerPixel()
	if bpp == 0 {
		return CacheKey{}
	}
	need := ((height-1)*stridePixels + width) * bpp
	if len(data) < need {
		return CacheKey{}
	}

	h := sha256.New()

	// Shape prefix: width and height as little-endian u16.
	var dims [4]byte
	binary.LittleEndian.PutUint16(dims[0:], uint16(width))
	binary.LittleEndian.PutUint16(dims[2:], uint16(height))
	h.Write(dims[:])

	if pf.Equal(CanonicalFormat) {
		// Fast path: rows are already canonical bytes, skip conversion.
		rowBytes := width * 4
		for y := 0; y < height; y++ {
			row := data[y*stridePixels*4:]
			h.Write(row[:rowBytes])
		}
	} else {
		row := make([]byte, width*4)
		for y := 0; y < height; y++ {
			src := data[y*stridePixels*bpp:]
			for x := 0; x < width; x++ {
				v := pf.readPixel(src[x*bpp:])
				r8, g8, b8 := pf.DecodeRGB(v)
				canonical := uint32(r8)<<16 | uint32(g8)<<8 | uint32(b8)
				binary.LittleEndian.PutUint32(row[x*4:], canonical)
			}
			h.Write(row)
		}
	}

	return KeyFromBytes(h.Sum(nil))
}
