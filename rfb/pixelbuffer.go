package rfb

// pixelbuffer.go holds the framebuffer abstraction the cache core reads from
// and decodes into.  Strides are expressed in pixels, not bytes; multiplying
// by BytesPerPixel at every byte-level access is deliberate and load-bearing
// (a stride-in-bytes confusion here corrupts every hash downstream).

import (
	"errors"
	"fmt"
)

var errRectOutOfBounds = errors.New("rfb: rect outside framebuffer bounds")

// PixelBuffer is a read-only view of a framebuffer.
type PixelBuffer interface {
	Format() PixelFormat
	Width() int
	Height() int

	// Buffer returns the pixel data for r plus the buffer stride in pixels.
	// The returned slice starts at r's top-left pixel; rows are stride
	// pixels apart.
	Buffer(r Rect) (data []byte, stridePixels int, err error)
}

// ModifiablePixelBuffer extends PixelBuffer with write access.
type ModifiablePixelBuffer interface {
	PixelBuffer

	// BufferRW is like Buffer but the returned slice may be written to.
	BufferRW(r Rect) (data []byte, stridePixels int, err error)

	// ImageRect copies tightly-packed pixel rows (srcStridePixels apart)
	// into r.
	ImageRect(r Rect, src []byte, srcStridePixels int) error
}

// FullFramePixelBuffer is a simple in-memory framebuffer backed by a single
// contiguous allocation.
type FullFramePixelBuffer struct {
	pf     PixelFormat
	width  int
	height int
	data   []byte
}

// NewFullFramePixelBuffer allocates a zeroed framebuffer.
func NewFullFramePixelBuffer(pf PixelFormat, width, height int) *FullFramePixelBuffer {
	return &FullFramePixelBuffer{
		pf:     pf,
		width:  width,
		height: height,
		data:   make([]byte, width*height*pf.BytesPerPixel()),
	}
}

// Format returns the buffer's pixel format.
func (pb *FullFramePixelBuffer) Format() PixelFormat { return pb.pf }

// Width returns the framebuffer width in pixels.
func (pb *FullFramePixelBuffer) Width() int { return pb.width }

// Height returns the framebuffer height in pixels.
func (pb *FullFramePixelBuffer) Height() int { return pb.height }

func (pb *FullFramePixelBuffer) bounds() Rect { return MakeRect(0, 0, pb.width, pb.height) }

func (pb *FullFramePixelBuffer) slice(r Rect) ([]byte, int, error) {
	if r.Empty() || !pb.bounds().Contains(r) {
		return nil, 0, fmt.Errorf("%w: %v in %dx%d", errRectOutOfBounds, r, pb.width, pb.height)
	}
	bpp := pb.pf.BytesPerPixel()
	start := (r.TL.Y*pb.width + r.TL.X) * bpp
	return pb.data[start:], pb.width, nil
}

// Buffer implements PixelBuffer.
func (pb *FullFramePixelBuffer) Buffer(r Rect) ([]byte, int, error) {
	return pb.slice(r)
}

// BufferRW implements ModifiablePixelBuffer.
func (pb *FullFramePixelBuffer) BufferRW(r Rect) ([]byte, int, error) {
	return pb.slice(r)
}

// ImageRect implements ModifiablePixelBuffer.
func (pb *FullFramePixelBuffer) ImageRect(r Rect, src []byte, srcStridePixels int) error {
	dst, dstStride, err := pb.slice(r)
	if err != nil {
		return err
	}
	bpp := pb.pf.BytesPerPixel()
	rowBytes := r.Width() * bpp
	if srcStridePixels < r.Width() {
		return fmt.Errorf("rfb: source stride %d narrower than rect width %d",
			srcStridePixels, r.Width())
	}
	for y := 0; y < r.Height(); y++ {
		copy(dst[y*dstStride*bpp:y*dstStride*bpp+rowBytes],
			src[y*srcStridePixels*bpp:y*srcStridePixels*bpp+rowBytes])
	}
	return nil
}

// offsetBuffer is a read-only window into a parent buffer.  Encoders see a
// buffer whose (0,0) is the window's top-left.
type offsetBuffer struct {
	parent PixelBuffer
	window Rect
}

// SubBuffer returns a read-only view of r within pb.
func SubBuffer(pb PixelBuffer, r Rect) (PixelBuffer, error) {
	if _, _, err := pb.Buffer(r); err != nil {
		return nil, err
	}
	return &offsetBuffer{parent: pb, window: r}, nil
}

func (ob *offsetBuffer) Format() PixelFormat { return ob.parent.Format() }
func (ob *offsetBuffer) Width() int          { return ob.window.Width() }
func (ob *offsetBuffer) Height() int         { return ob.window.Height() }

func (ob *offsetBuffer) Buffer(r Rect) ([]byte, int, error) {
	return ob.parent.Buffer(r.Translate(ob.window.TL))
}

// PackRows copies the rect's rows out of a strided buffer into a tight
// row-major slice (stride == width).  Used when admitting decoded pixels to
// the cache.
func PackRows(data []byte, stridePixels int, width, height, bytesPerPixel int) []byte {
	rowBytes := width * bytesPerPixel
	out := make([]byte, rowBytes*height)
	for y := 0; y < height; y++ {
		copy(out[y*rowBytes:(y+1)*rowBytes],
			data[y*stridePixels*bytesPerPixel:y*stridePixels*bytesPerPixel+rowBytes])
	}
	return out
}
