package rfb

// encodings.go enumerates the rectangle encodings and pseudo-encodings the
// cache core needs to know about.  The individual codecs live behind the
// Decoder/Encoder interfaces in codec.go; the core only inspects encoding
// numbers and codec flags.

// Standard RFB rectangle encodings.
const (
	EncodingRaw      int32 = 0
	EncodingCopyRect int32 = 1
	EncodingRRE      int32 = 2
	EncodingHextile  int32 = 5
	EncodingTight    int32 = 7
	EncodingZRLE     int32 = 16
)

// Cache extension rectangle encodings (server to client).  These occupy the
// vendor extension range and carry a cache id after the rect header.
const (
	// EncodingCachedRect references content the client is known to hold:
	// rect header + cacheId(8), no pixel payload.
	EncodingCachedRect int32 = 0x54430001

	// EncodingCachedRectInit seeds the client: rect header + cacheId(8) +
	// innerEncoding(4) + encoded payload in that inner encoding.
	EncodingCachedRectInit int32 = 0x54430002

	// EncodingCachedRectSeed tells the client to associate the pixels
	// already present in its framebuffer at the rect with the given id.
	EncodingCachedRectSeed int32 = 0x54430003
)

// Pseudo-encodings advertised by the client in SetEncodings.
const (
	// PseudoEncodingPersistentCache negotiates the disk-backed cache
	// protocol.
	PseudoEncodingPersistentCache int32 = -321

	// PseudoEncodingContentCache is the session-only alias; it enables the
	// same wire protocol but the viewer keeps entries memory-only.
	PseudoEncodingContentCache int32 = -320

	// PseudoEncodingLastRect lets the server terminate an update early.
	PseudoEncodingLastRect int32 = -224
)

// EncoderClass identifies a codec implementation family.
type EncoderClass int

const (
	EncoderClassRaw EncoderClass = iota
	EncoderClassRRE
	EncoderClassHextile
	EncoderClassTight
	EncoderClassTightJPEG
	EncoderClassZRLE
	encoderClassMax
)

// EncoderType classifies rectangle content; the encode manager crosses it
// with encoder classes to pick a codec.
type EncoderType int

const (
	EncoderTypeSolid EncoderType = iota
	EncoderTypeBitmap
	EncoderTypeBitmapRLE
	EncoderTypeIndexed
	EncoderTypeIndexedRLE
	EncoderTypeFullColour
	encoderTypeMax
)

// NumEncoderClasses and NumEncoderTypes size stats tables.
const (
	NumEncoderClasses = int(encoderClassMax)
	NumEncoderTypes   = int(encoderTypeMax)
)
