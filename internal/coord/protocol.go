// Package coord arbitrates shared cache-directory writes between viewer
// processes.  Exactly one process — the master, elected via a non-blocking
// flock on coordinator.lock — owns disk writes; every other process is a
// slave that forwards its persistence requests over a UNIX stream socket and
// learns about index growth through broadcast updates.
package coord

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pixelcache/pixelcache/rfb"
)

// ProtocolVersion is carried in HELLO; mismatched peers disconnect.
const ProtocolVersion uint32 = 1

// Message types on the coordinator socket.
const (
	msgHello uint8 = iota + 1
	msgIndexUpdate
	msgWriteRequest
	msgWriteResponse
	msgPing
	msgPong
)

// Write response status codes.
const (
	writeStatusOK     uint8 = 0
	writeStatusFailed uint8 = 1
)

// WireIndexEntrySize is the fixed serialised size of a WireIndexEntry.
const WireIndexEntrySize = 66

// maxFrameSize bounds a single IPC frame; payloads are pixel rects so even
// a full-screen 4K 32bpp entry fits comfortably.
const maxFrameSize = 64 << 20

var (
	// ErrBadFrame marks a malformed or oversized IPC frame.
	ErrBadFrame = errors.New("coord: bad frame")

	errShortWireEntry = errors.New("coord: short wire index entry")
)

// WireIndexEntry is the fixed-layout index record exchanged over IPC.
type WireIndexEntry struct {
	Key           rfb.CacheKey
	ShardID       uint16
	Offset        uint32
	Size          uint32
	Width         uint16
	Height        uint16
	StridePixels  uint16
	CanonicalHash uint64
	ActualHash    uint64
	QualityCode   uint8
}

// Marshal packs the entry into its 66-byte wire form.
func (e *WireIndexEntry) Marshal(dst []byte) error {
	if len(dst) < WireIndexEntrySize {
		return errShortWireEntry
	}
	for i := range dst[:WireIndexEntrySize] {
		dst[i] = 0
	}
	copy(dst[0:16], e.Key[:])
	binary.BigEndian.PutUint16(dst[16:], e.ShardID)
	binary.BigEndian.PutUint32(dst[18:], e.Offset)
	binary.BigEndian.PutUint32(dst[22:], e.Size)
	binary.BigEndian.PutUint16(dst[26:], e.Width)
	binary.BigEndian.PutUint16(dst[28:], e.Height)
	binary.BigEndian.PutUint16(dst[30:], e.StridePixels)
	binary.BigEndian.PutUint64(dst[32:], e.CanonicalHash)
	binary.BigEndian.PutUint64(dst[40:], e.ActualHash)
	dst[48] = e.QualityCode
	// dst[49:66] reserved
	return nil
}

// UnmarshalWireIndexEntry parses the 66-byte wire form.
func UnmarshalWireIndexEntry(src []byte) (WireIndexEntry, error) {
	var e WireIndexEntry
	if len(src) < WireIndexEntrySize {
		return e, errShortWireEntry
	}
	copy(e.Key[:], src[0:16])
	e.ShardID = binary.BigEndian.Uint16(src[16:])
	e.Offset = binary.BigEndian.Uint32(src[18:])
	e.Size = binary.BigEndian.Uint32(src[22:])
	e.Width = binary.BigEndian.Uint16(src[26:])
	e.Height = binary.BigEndian.Uint16(src[28:])
	e.StridePixels = binary.BigEndian.Uint16(src[30:])
	e.CanonicalHash = binary.BigEndian.Uint64(src[32:])
	e.ActualHash = binary.BigEndian.Uint64(src[40:])
	e.QualityCode = src[48]
	return e, nil
}

/*
   ---------------- Framing ----------------

   Every message is: length (u32, covers type+payload) + type (u8) + payload.
*/

func writeFrame(w io.Writer, msgType uint8, payload []byte) error {
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr, uint32(1+len(payload)))
	hdr[4] = msgType
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r io.Reader) (uint8, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:4])
	if length == 0 || length > maxFrameSize {
		return 0, nil, fmt.Errorf("%w: length %d", ErrBadFrame, length)
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[4], payload, nil
}

/*
   ---------------- Payload codecs ----------------
*/

type helloPayload struct {
	version uint32
	pid     uint32
}

func marshalHello(h helloPayload) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:], h.version)
	binary.BigEndian.PutUint32(buf[4:], h.pid)
	return buf
}

func unmarshalHello(p []byte) (helloPayload, error) {
	var h helloPayload
	if len(p) < 8 {
		return h, fmt.Errorf("%w: hello payload %d bytes", ErrBadFrame, len(p))
	}
	h.version = binary.BigEndian.Uint32(p[0:])
	h.pid = binary.BigEndian.Uint32(p[4:])
	return h, nil
}

func marshalIndexUpdate(entries []WireIndexEntry) []byte {
	buf := make([]byte, 4+len(entries)*WireIndexEntrySize)
	binary.BigEndian.PutUint32(buf, uint32(len(entries)))
	off := 4
	for i := range entries {
		entries[i].Marshal(buf[off:])
		off += WireIndexEntrySize
	}
	return buf
}

func unmarshalIndexUpdate(p []byte) ([]WireIndexEntry, error) {
	if len(p) < 4 {
		return nil, ErrBadFrame
	}
	count := binary.BigEndian.Uint32(p)
	if len(p) < 4+int(count)*WireIndexEntrySize {
		return nil, fmt.Errorf("%w: index update truncated", ErrBadFrame)
	}
	out := make([]WireIndexEntry, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		e, err := UnmarshalWireIndexEntry(p[off:])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		off += WireIndexEntrySize
	}
	return out, nil
}

func marshalWriteRequest(e WireIndexEntry, payload []byte) []byte {
	buf := make([]byte, WireIndexEntrySize+len(payload))
	e.Marshal(buf)
	copy(buf[WireIndexEntrySize:], payload)
	return buf
}

func unmarshalWriteRequest(p []byte) (WireIndexEntry, []byte, error) {
	e, err := UnmarshalWireIndexEntry(p)
	if err != nil {
		return e, nil, err
	}
	return e, p[WireIndexEntrySize:], nil
}

func marshalWriteResponse(status uint8, e WireIndexEntry) []byte {
	buf := make([]byte, 1+WireIndexEntrySize)
	buf[0] = status
	e.Marshal(buf[1:])
	return buf
}

func unmarshalWriteResponse(p []byte) (uint8, WireIndexEntry, error) {
	if len(p) < 1+WireIndexEntrySize {
		return 0, WireIndexEntry{}, fmt.Errorf("%w: write response %d bytes",
			ErrBadFrame, len(p))
	}
	e, err := UnmarshalWireIndexEntry(p[1:])
	return p[0], e, err
}
