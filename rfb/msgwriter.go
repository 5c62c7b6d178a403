package rfb

// msgwriter.go serialises the cache protocol.  MsgWriter is used by both
// sides: the server writes cache rectangles inside updates, the client writes
// the cache control messages.  Errors are sticky — after the first write
// failure every later call is a no-op returning the same error, which lets
// callers emit a whole message and check once.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var errZeroCacheID = errors.New("rfb: refusing to write zero cache id")

// MsgWriter writes cache protocol elements to a stream.
type MsgWriter struct {
	w   io.Writer
	n   int
	err error
}

// NewMsgWriter wraps w.
func NewMsgWriter(w io.Writer) *MsgWriter {
	return &MsgWriter{w: w}
}

// Write implements io.Writer so payload encoders can stream through the
// same byte accounting as the headers.
func (mw *MsgWriter) Write(p []byte) (int, error) {
	if mw.err != nil {
		return 0, mw.err
	}
	before := mw.n
	mw.write(p)
	return mw.n - before, mw.err
}

// BytesWritten returns the number of bytes successfully written so far.
func (mw *MsgWriter) BytesWritten() int { return mw.n }

// Err returns the sticky error, if any.
func (mw *MsgWriter) Err() error { return mw.err }

func (mw *MsgWriter) write(p []byte) {
	if mw.err != nil {
		return
	}
	n, err := mw.w.Write(p)
	mw.n += n
	mw.err = err
}

func (mw *MsgWriter) writeU8(v uint8) {
	mw.write([]byte{v})
}

func (mw *MsgWriter) writeU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	mw.write(b[:])
}

func (mw *MsgWriter) writeU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	mw.write(b[:])
}

func (mw *MsgWriter) writeU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	mw.write(b[:])
}

func (mw *MsgWriter) writeRectHeader(r Rect, encoding int32) {
	mw.writeU16(uint16(r.TL.X))
	mw.writeU16(uint16(r.TL.Y))
	mw.writeU16(uint16(r.Width()))
	mw.writeU16(uint16(r.Height()))
	mw.writeU32(uint32(encoding))
}

// WriteRectHeader emits a plain update rectangle header.
func (mw *MsgWriter) WriteRectHeader(r Rect, encoding int32) error {
	mw.writeRectHeader(r, encoding)
	return mw.err
}

// WriteCopyRect emits a CopyRect rectangle blitting from src.
func (mw *MsgWriter) WriteCopyRect(r Rect, src Point) error {
	mw.writeRectHeader(r, EncodingCopyRect)
	mw.writeU16(uint16(src.X))
	mw.writeU16(uint16(src.Y))
	return mw.err
}

// WriteCachedRect emits a reference-only cache rectangle.
func (mw *MsgWriter) WriteCachedRect(r Rect, cacheID uint64) error {
	if cacheID == 0 {
		return errZeroCacheID
	}
	mw.writeRectHeader(r, EncodingCachedRect)
	mw.writeU64(cacheID)
	return mw.err
}

// WriteCachedRectInit emits the init header; the caller then streams the
// encoded payload in innerEncoding directly to the underlying writer.
func (mw *MsgWriter) WriteCachedRectInit(r Rect, cacheID uint64, innerEncoding int32) error {
	if cacheID == 0 {
		return errZeroCacheID
	}
	mw.writeRectHeader(r, EncodingCachedRectInit)
	mw.writeU64(cacheID)
	mw.writeU32(uint32(innerEncoding))
	return mw.err
}

// WriteCachedRectSeed emits a seed rectangle.
func (mw *MsgWriter) WriteCachedRectSeed(r Rect, cacheID uint64) error {
	if cacheID == 0 {
		return errZeroCacheID
	}
	mw.writeRectHeader(r, EncodingCachedRectSeed)
	mw.writeU64(cacheID)
	return mw.err
}

// WriteRequestCachedData asks the server to resend an id.
func (mw *MsgWriter) WriteRequestCachedData(cacheID uint64) error {
	if cacheID == 0 {
		return errZeroCacheID
	}
	mw.writeU8(MsgTypeRequestCachedData)
	mw.writeU64(cacheID)
	return mw.err
}

// WriteCacheEviction notifies the server of evicted ids.
func (mw *MsgWriter) WriteCacheEviction(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) > 0xFFFF {
		return fmt.Errorf("rfb: eviction batch too large: %d", len(ids))
	}
	mw.writeU8(MsgTypeCacheEviction)
	mw.writeU16(uint16(len(ids)))
	for _, id := range ids {
		mw.writeU64(id)
	}
	return mw.err
}

// WriteCacheQuery asks the server whether it still holds the listed ids.
func (mw *MsgWriter) WriteCacheQuery(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) > 0xFFFF {
		return fmt.Errorf("rfb: query batch too large: %d", len(ids))
	}
	mw.writeU8(MsgTypePersistentCacheQuery)
	mw.writeU16(uint16(len(ids)))
	for _, id := range ids {
		mw.writeU64(id)
	}
	return mw.err
}

// WriteHashListChunk advertises one chunk of surviving ids.
func (mw *MsgWriter) WriteHashListChunk(c HashListChunk) error {
	if len(c.IDs) > HashListChunkLimit {
		return fmt.Errorf("rfb: hash list chunk too large: %d", len(c.IDs))
	}
	mw.writeU8(MsgTypePersistentHashList)
	mw.writeU32(c.SequenceID)
	mw.writeU16(c.TotalChunks)
	mw.writeU16(c.ChunkIndex)
	mw.writeU16(uint16(len(c.IDs)))
	for _, id := range c.IDs {
		mw.writeU64(id)
	}
	return mw.err
}

// WriteLossyHashReport maps canonical to actual after a lossy decode.
func (mw *MsgWriter) WriteLossyHashReport(canonicalID, actualID uint64) error {
	if canonicalID == 0 || actualID == 0 {
		return errZeroCacheID
	}
	mw.writeU8(MsgTypeLossyHashReport)
	mw.writeU64(canonicalID)
	mw.writeU64(actualID)
	return mw.err
}

// WriteDebugDumpRequest coordinates a post-mortem dump.
func (mw *MsgWriter) WriteDebugDumpRequest(epoch uint32) error {
	mw.writeU8(MsgTypeDebugDumpRequest)
	mw.writeU32(epoch)
	return mw.err
}
