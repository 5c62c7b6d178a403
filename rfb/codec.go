package rfb

// codec.go declares the capability surface the cache core consumes from the
// pixel codecs.  The codecs themselves (Raw/RRE/Hextile/Tight/ZRLE/JPEG) are
// external collaborators; everything here is interface plus a registry that
// is injected explicitly instead of living in process-wide tables.

import (
	"errors"
	"fmt"
	"io"
)

// DecoderFlags describe ordering and quality properties of a decoder.
type DecoderFlags uint8

const (
	// DecoderPlain decoders have no ordering constraints beyond
	// non-overlapping output rectangles.
	DecoderPlain DecoderFlags = 0

	// DecoderFullyOrdered rects must be decoded strictly in FIFO order.
	DecoderFullyOrdered DecoderFlags = 1 << iota

	// DecoderPartiallyOrdered decoders are consulted via RectsConflict
	// before one rect may overtake another.
	DecoderPartiallyOrdered

	// DecoderUseNativePF decoders write pixels in the server's native
	// format rather than the client's requested format.
	DecoderUseNativePF

	// DecoderLossy marks decoders whose output may legitimately differ
	// from the source pixels (e.g. JPEG).  The cache treats a hash
	// mismatch from a lossy decoder as expected, not as corruption.
	DecoderLossy
)

// ServerParams carries the server-side session parameters a decoder needs.
type ServerParams struct {
	Format PixelFormat
	Width  int
	Height int
}

// Decoder turns wire bytes into pixels.
type Decoder interface {
	Flags() DecoderFlags

	// ReadRect consumes the encoded representation of r from the stream
	// and returns it as an opaque buffer for later decoding.
	ReadRect(r Rect, in io.Reader, server *ServerParams) ([]byte, error)

	// DecodeRect paints the previously-read buffer into pb.
	DecodeRect(r Rect, data []byte, server *ServerParams, pb ModifiablePixelBuffer) error

	// AffectedRegion returns every framebuffer area DecodeRect may touch
	// for this rect (some codecs read neighbouring pixels).
	AffectedRegion(r Rect, data []byte) Region

	// RectsConflict reports whether two rects of this encoding must keep
	// their relative order.  Only consulted for partially-ordered
	// decoders.
	RectsConflict(a, b Rect) bool
}

// Palette is the colour table produced by rect analysis and consumed by
// palette-based encoders.
type Palette struct {
	Colours []uint32
}

// Size returns the number of palette entries.
func (p *Palette) Size() int { return len(p.Colours) }

// Encoder turns pixels into wire bytes.
type Encoder interface {
	Encoding() int32
	Flags() DecoderFlags

	// WriteRect encodes the whole buffer to w.
	WriteRect(pb PixelBuffer, pal *Palette, w io.Writer) error

	// WriteSolidRect encodes a single-colour rect without touching pixel
	// data.
	WriteSolidRect(width, height int, pf PixelFormat, colour []byte, w io.Writer) error

	SetCompressLevel(level int)
	SetQualityLevel(level int)
	QualityLevel() int

	// LosslessQuality returns the quality level at and above which this
	// encoder is effectively lossless, or -1 if it never is.
	LosslessQuality() int
}

var (
	errUnknownEncoding = errors.New("rfb: unknown encoding")
)

// CodecRegistry maps encodings to codec implementations.  Connections and
// managers receive a registry explicitly; there is no process-wide table.
type CodecRegistry struct {
	decoders map[int32]Decoder
	encoders map[int32]Encoder
}

// NewCodecRegistry returns an empty registry.
func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{
		decoders: make(map[int32]Decoder),
		encoders: make(map[int32]Encoder),
	}
}

// RegisterDecoder adds or replaces the decoder for an encoding.
func (cr *CodecRegistry) RegisterDecoder(encoding int32, d Decoder) {
	cr.decoders[encoding] = d
}

// RegisterEncoder adds or replaces the encoder for an encoding.
func (cr *CodecRegistry) RegisterEncoder(encoding int32, e Encoder) {
	cr.encoders[encoding] = e
}

// Decoder returns the decoder registered for encoding.
func (cr *CodecRegistry) Decoder(encoding int32) (Decoder, error) {
	d, ok := cr.decoders[encoding]
	if !ok {
		return nil, fmt.Errorf("%w: decoder %d", errUnknownEncoding, encoding)
	}
	return d, nil
}

// Encoder returns the encoder registered for encoding.
func (cr *CodecRegistry) Encoder(encoding int32) (Encoder, error) {
	e, ok := cr.encoders[encoding]
	if !ok {
		return nil, fmt.Errorf("%w: encoder %d", errUnknownEncoding, encoding)
	}
	return e, nil
}

// HasDecoder reports whether a decoder is registered for encoding.
func (cr *CodecRegistry) HasDecoder(encoding int32) bool {
	_, ok := cr.decoders[encoding]
	return ok
}

// IsLossy reports whether the decoder registered for encoding is declared
// lossy.  Unknown encodings count as lossless so that a mismatch is treated
// as corruption rather than silently tolerated.
func (cr *CodecRegistry) IsLossy(encoding int32) bool {
	d, ok := cr.decoders[encoding]
	return ok && d.Flags()&DecoderLossy != 0
}
