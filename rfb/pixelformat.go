package rfb

// pixelformat.go defines the RFB pixel format descriptor and its fixed-layout
// serialisation.  The 48-byte packed form is the one persisted in index.dat
// and must round-trip every field, including the per-channel shift values: an
// earlier 24-byte truncation dropped the shifts and produced colour
// corruption after a session restart, so the full width is load-bearing.

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PixelFormatSize is the packed on-disk/wire size of a PixelFormat.
const PixelFormatSize = 48

var errShortPixelFormat = errors.New("rfb: short pixel format buffer")

// PixelFormat describes how pixel values map to colour channels.
type PixelFormat struct {
	BPP        uint8 // bits per pixel: 8, 16 or 32
	Depth      uint8 // significant bits
	BigEndian  bool
	TrueColour bool

	RedMax   uint16
	GreenMax uint16
	BlueMax  uint16

	RedShift   uint8
	GreenShift uint8
	BlueShift  uint8
}

// CanonicalFormat is the authoritative hashing domain: 32 bpp little-endian
// true colour with 8-bit channels at shifts R=16, G=8, B=0.  Every content
// hash is computed over pixels converted to this format regardless of the
// session's native format.
var CanonicalFormat = PixelFormat{
	BPP:        32,
	Depth:      24,
	BigEndian:  false,
	TrueColour: true,
	RedMax:     0xFF,
	GreenMax:   0xFF,
	BlueMax:    0xFF,
	RedShift:   16,
	GreenShift: 8,
	BlueShift:  0,
}

// BytesPerPixel returns BPP/8.
func (pf PixelFormat) BytesPerPixel() int { return int(pf.BPP) / 8 }

// Equal reports whether both formats describe identical pixel layouts.
func (pf PixelFormat) Equal(other PixelFormat) bool { return pf == other }

func (pf PixelFormat) String() string {
	return fmt.Sprintf("bpp=%d depth=%d rgb-max=%d/%d/%d rgb-shift=%d/%d/%d",
		pf.BPP, pf.Depth, pf.RedMax, pf.GreenMax, pf.BlueMax,
		pf.RedShift, pf.GreenShift, pf.BlueShift)
}

// Marshal packs the format into dst, which must be at least PixelFormatSize
// bytes.  Layout (little-endian, matching the index file):
//
//	 0: bpp (u8)
//	 1: depth (u8)
//	 2: flags (u8; bit0 = big-endian, bit1 = true-colour)
//	 3: reserved (u8)
//	 4: redMax (u16)    6: greenMax (u16)   8: blueMax (u16)
//	10: redShift (u8)  11: greenShift (u8) 12: blueShift (u8)
//	13..47: reserved, zeroed
func (pf PixelFormat) Marshal(dst []byte) error {
	if len(dst) < PixelFormatSize {
		return errShortPixelFormat
	}
	for i := 0; i < PixelFormatSize; i++ {
		dst[i] = 0
	}
	dst[0] = pf.BPP
	dst[1] = pf.Depth
	var flags uint8
	if pf.BigEndian {
		flags |= 0x01
	}
	if pf.TrueColour {
		flags |= 0x02
	}
	dst[2] = flags
	binary.LittleEndian.PutUint16(dst[4:], pf.RedMax)
	binary.LittleEndian.PutUint16(dst[6:], pf.GreenMax)
	binary.LittleEndian.PutUint16(dst[8:], pf.BlueMax)
	dst[10] = pf.RedShift
	dst[11] = pf.GreenShift
	dst[12] = pf.BlueShift
	return nil
}

// UnmarshalPixelFormat parses the packed 48-byte form.
func UnmarshalPixelFormat(src []byte) (PixelFormat, error) {
	var pf PixelFormat
	if len(src) < PixelFormatSize {
		return pf, errShortPixelFormat
	}
	pf.BPP = src[0]
	pf.Depth = src[1]
	pf.BigEndian = src[2]&0x01 != 0
	pf.TrueColour = src[2]&0x02 != 0
	pf.RedMax = binary.LittleEndian.Uint16(src[4:])
	pf.GreenMax = binary.LittleEndian.Uint16(src[6:])
	pf.BlueMax = binary.LittleEndian.Uint16(src[8:])
	pf.RedShift = src[10]
	pf.GreenShift = src[11]
	pf.BlueShift = src[12]
	return pf, nil
}

// readPixel extracts the raw pixel value at the start of p.
func (pf PixelFormat) readPixel(p []byte) uint32 {
	switch pf.BPP {
	case 8:
		return uint32(p[0])
	case 16:
		if pf.BigEndian {
			return uint32(binary.BigEndian.Uint16(p))
		}
		return uint32(binary.LittleEndian.Uint16(p))
	default:
		if pf.BigEndian {
			return binary.BigEndian.Uint32(p)
		}
		return binary.LittleEndian.Uint32(p)
	}
}

// scale8 maps a channel value with the given max onto 0..255.
func scale8(v uint32, channelMax uint16) uint8 {
	if channelMax == 0 {
		return 0
	}
	if channelMax == 0xFF {
		return uint8(v)
	}
	return uint8(v * 255 / uint32(channelMax))
}

// DecodeRGB splits a raw pixel value into 8-bit channels.
func (pf PixelFormat) DecodeRGB(v uint32) (r, g, b uint8) {
	r = scale8((v>>pf.RedShift)&uint32(pf.RedMax), pf.RedMax)
	g = scale8((v>>pf.GreenShift)&uint32(pf.GreenMax), pf.GreenMax)
	b = scale8((v>>pf.BlueShift)&uint32(pf.BlueMax), pf.BlueMax)
	return
}
