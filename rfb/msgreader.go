package rfb

// msgreader.go parses the cache protocol.  Malformed input is a protocol
// error: the reader returns a wrapped ErrProtocol and the connection is
// expected to close.  A zero cache id on the wire is always malformed.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrProtocol marks unrecoverable wire-format violations.
var ErrProtocol = errors.New("rfb: protocol error")

// MsgReader reads cache protocol elements from a stream.
type MsgReader struct {
	r io.Reader
}

// NewMsgReader wraps r.
func NewMsgReader(r io.Reader) *MsgReader {
	return &MsgReader{r: r}
}

func (mr *MsgReader) readFull(p []byte) error {
	_, err := io.ReadFull(mr.r, p)
	return err
}

func (mr *MsgReader) readU8() (uint8, error) {
	var b [1]byte
	err := mr.readFull(b[:])
	return b[0], err
}

func (mr *MsgReader) readU16() (uint16, error) {
	var b [2]byte
	err := mr.readFull(b[:])
	return binary.BigEndian.Uint16(b[:]), err
}

func (mr *MsgReader) readU32() (uint32, error) {
	var b [4]byte
	err := mr.readFull(b[:])
	return binary.BigEndian.Uint32(b[:]), err
}

func (mr *MsgReader) readU64() (uint64, error) {
	var b [8]byte
	err := mr.readFull(b[:])
	return binary.BigEndian.Uint64(b[:]), err
}

func (mr *MsgReader) readCacheID() (uint64, error) {
	id, err := mr.readU64()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("%w: zero cache id", ErrProtocol)
	}
	return id, nil
}

// ReadRectHeader parses an update rectangle header.
func (mr *MsgReader) ReadRectHeader() (RectHeader, error) {
	var hdr RectHeader
	x, err := mr.readU16()
	if err != nil {
		return hdr, err
	}
	y, err := mr.readU16()
	if err != nil {
		return hdr, err
	}
	w, err := mr.readU16()
	if err != nil {
		return hdr, err
	}
	h, err := mr.readU16()
	if err != nil {
		return hdr, err
	}
	enc, err := mr.readU32()
	if err != nil {
		return hdr, err
	}
	hdr.Rect = MakeRect(int(x), int(y), int(w), int(h))
	hdr.Encoding = int32(enc)
	return hdr, nil
}

// ReadCachedRef parses the body of an EncodingCachedRect rectangle.
func (mr *MsgReader) ReadCachedRef(r Rect) (CachedRef, error) {
	id, err := mr.readCacheID()
	if err != nil {
		return CachedRef{}, err
	}
	return CachedRef{Rect: r, CacheID: id}, nil
}

// ReadCachedInit parses the body of an EncodingCachedRectInit rectangle up to
// the inner payload, which the caller hands to the matching decoder.
func (mr *MsgReader) ReadCachedInit(r Rect) (CachedInit, error) {
	id, err := mr.readCacheID()
	if err != nil {
		return CachedInit{}, err
	}
	enc, err := mr.readU32()
	if err != nil {
		return CachedInit{}, err
	}
	return CachedInit{Rect: r, CacheID: id, InnerEncoding: int32(enc)}, nil
}

// ReadCachedSeed parses the body of an EncodingCachedRectSeed rectangle.
func (mr *MsgReader) ReadCachedSeed(r Rect) (CachedSeed, error) {
	id, err := mr.readCacheID()
	if err != nil {
		return CachedSeed{}, err
	}
	return CachedSeed{Rect: r, CacheID: id}, nil
}

// ReadRequestCachedData parses the body of MsgTypeRequestCachedData.
func (mr *MsgReader) ReadRequestCachedData() (uint64, error) {
	return mr.readCacheID()
}

func (mr *MsgReader) readIDList() ([]uint64, error) {
	count, err := mr.readU16()
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, count)
	for i := 0; i < int(count); i++ {
		id, err := mr.readCacheID()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ReadCacheEviction parses the body of MsgTypeCacheEviction.
func (mr *MsgReader) ReadCacheEviction() ([]uint64, error) {
	return mr.readIDList()
}

// ReadCacheQuery parses the body of MsgTypePersistentCacheQuery.
func (mr *MsgReader) ReadCacheQuery() ([]uint64, error) {
	return mr.readIDList()
}

// ReadHashListChunk parses the body of MsgTypePersistentHashList.
func (mr *MsgReader) ReadHashListChunk() (HashListChunk, error) {
	var c HashListChunk
	var err error
	if c.SequenceID, err = mr.readU32(); err != nil {
		return c, err
	}
	if c.TotalChunks, err = mr.readU16(); err != nil {
		return c, err
	}
	if c.ChunkIndex, err = mr.readU16(); err != nil {
		return c, err
	}
	if c.TotalChunks == 0 || c.ChunkIndex >= c.TotalChunks {
		return c, fmt.Errorf("%w: hash list chunk %d/%d",
			ErrProtocol, c.ChunkIndex, c.TotalChunks)
	}
	count, err := mr.readU16()
	if err != nil {
		return c, err
	}
	if count > HashListChunkLimit {
		return c, fmt.Errorf("%w: hash list chunk count %d", ErrProtocol, count)
	}
	c.IDs = make([]uint64, 0, count)
	for i := 0; i < int(count); i++ {
		id, err := mr.readCacheID()
		if err != nil {
			return c, err
		}
		c.IDs = append(c.IDs, id)
	}
	return c, nil
}

// ReadLossyHashReport parses the body of MsgTypeLossyHashReport.
func (mr *MsgReader) ReadLossyHashReport() (LossyHashReport, error) {
	var rep LossyHashReport
	var err error
	if rep.CanonicalID, err = mr.readCacheID(); err != nil {
		return rep, err
	}
	if rep.ActualID, err = mr.readCacheID(); err != nil {
		return rep, err
	}
	return rep, nil
}

// ReadDebugDumpRequest parses the body of MsgTypeDebugDumpRequest.
func (mr *MsgReader) ReadDebugDumpRequest() (uint32, error) {
	return mr.readU32()
}
