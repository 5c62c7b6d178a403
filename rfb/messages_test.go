package rfb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundtrip(t *testing.T, write func(*MsgWriter) error) *MsgReader {
	t.Helper()
	var buf bytes.Buffer
	w := NewMsgWriter(&buf)
	require.NoError(t, write(w))
	return NewMsgReader(&buf)
}

func TestCachedRefRoundtrip(t *testing.T) {
	r := MakeRect(10, 20, 128, 64)
	mr := roundtrip(t, func(w *MsgWriter) error {
		return w.WriteCachedRect(r, 0xDEADBEEFCAFE0001)
	})
	hdr, err := mr.ReadRectHeader()
	require.NoError(t, err)
	assert.Equal(t, EncodingCachedRect, hdr.Encoding)
	assert.True(t, hdr.Rect.Equals(r))

	ref, err := mr.ReadCachedRef(hdr.Rect)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xDEADBEEFCAFE0001), ref.CacheID)
}

func TestCachedInitRoundtrip(t *testing.T) {
	r := MakeRect(0, 0, 64, 64)
	mr := roundtrip(t, func(w *MsgWriter) error {
		return w.WriteCachedRectInit(r, 42, EncodingTight)
	})
	hdr, err := mr.ReadRectHeader()
	require.NoError(t, err)
	assert.Equal(t, EncodingCachedRectInit, hdr.Encoding)

	init, err := mr.ReadCachedInit(hdr.Rect)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), init.CacheID)
	assert.Equal(t, EncodingTight, init.InnerEncoding)
}

func TestCachedSeedRoundtrip(t *testing.T) {
	r := MakeRect(5, 5, 32, 32)
	mr := roundtrip(t, func(w *MsgWriter) error {
		return w.WriteCachedRectSeed(r, 7)
	})
	hdr, err := mr.ReadRectHeader()
	require.NoError(t, err)
	assert.Equal(t, EncodingCachedRectSeed, hdr.Encoding)
	seed, err := mr.ReadCachedSeed(hdr.Rect)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seed.CacheID)
}

func TestZeroCacheIDRejected(t *testing.T) {
	var buf bytes.Buffer
	w := NewMsgWriter(&buf)
	assert.Error(t, w.WriteCachedRect(MakeRect(0, 0, 4, 4), 0))
	assert.Error(t, w.WriteRequestCachedData(0))
	assert.Error(t, w.WriteLossyHashReport(0, 1))
	assert.Zero(t, buf.Len())

	// And a zero id on the wire is a protocol error on read.
	buf.Reset()
	require.NoError(t, w.WriteRectHeader(MakeRect(0, 0, 4, 4), EncodingCachedRect))
	buf.Write(make([]byte, 8)) // zero id
	mr := NewMsgReader(&buf)
	hdr, err := mr.ReadRectHeader()
	require.NoError(t, err)
	_, err = mr.ReadCachedRef(hdr.Rect)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestEvictionAndQueryRoundtrip(t *testing.T) {
	ids := []uint64{1, 2, 3, 0xFFFFFFFFFFFFFFFF}
	mr := roundtrip(t, func(w *MsgWriter) error {
		return w.WriteCacheEviction(ids)
	})
	typ, err := mr.readU8()
	require.NoError(t, err)
	assert.Equal(t, MsgTypeCacheEviction, typ)
	got, err := mr.ReadCacheEviction()
	require.NoError(t, err)
	assert.Equal(t, ids, got)

	mr = roundtrip(t, func(w *MsgWriter) error {
		return w.WriteCacheQuery(ids)
	})
	typ, err = mr.readU8()
	require.NoError(t, err)
	assert.Equal(t, MsgTypePersistentCacheQuery, typ)
	got, err = mr.ReadCacheQuery()
	require.NoError(t, err)
	assert.Equal(t, ids, got)
}

func TestHashListChunkRoundtrip(t *testing.T) {
	chunk := HashListChunk{
		SequenceID:  9,
		TotalChunks: 3,
		ChunkIndex:  1,
		IDs:         []uint64{11, 22, 33},
	}
	mr := roundtrip(t, func(w *MsgWriter) error {
		return w.WriteHashListChunk(chunk)
	})
	typ, err := mr.readU8()
	require.NoError(t, err)
	assert.Equal(t, MsgTypePersistentHashList, typ)
	got, err := mr.ReadHashListChunk()
	require.NoError(t, err)
	assert.Equal(t, chunk, got)
}

func TestHashListChunkValidation(t *testing.T) {
	mr := roundtrip(t, func(w *MsgWriter) error {
		w.writeU8(MsgTypePersistentHashList)
		w.writeU32(1)
		w.writeU16(2) // totalChunks
		w.writeU16(2) // chunkIndex == totalChunks: invalid
		w.writeU16(0)
		return w.Err()
	})
	_, err := mr.readU8()
	require.NoError(t, err)
	_, err = mr.ReadHashListChunk()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestLossyHashReportRoundtrip(t *testing.T) {
	mr := roundtrip(t, func(w *MsgWriter) error {
		return w.WriteLossyHashReport(0xAAAA, 0xBBBB)
	})
	typ, err := mr.readU8()
	require.NoError(t, err)
	assert.Equal(t, MsgTypeLossyHashReport, typ)
	rep, err := mr.ReadLossyHashReport()
	require.NoError(t, err)
	assert.Equal(t, uint64(0xAAAA), rep.CanonicalID)
	assert.Equal(t, uint64(0xBBBB), rep.ActualID)
}

func TestPixelFormatRoundtrip(t *testing.T) {
	pf := PixelFormat{
		BPP: 32, Depth: 24, BigEndian: false, TrueColour: true,
		RedMax: 255, GreenMax: 255, BlueMax: 255,
		RedShift: 16, GreenShift: 8, BlueShift: 0,
	}
	var buf [PixelFormatSize]byte
	require.NoError(t, pf.Marshal(buf[:]))
	got, err := UnmarshalPixelFormat(buf[:])
	require.NoError(t, err)
	assert.Equal(t, pf, got)
}

func TestBatchForSending(t *testing.T) {
	items := []uint64{1, 2, 3, 4, 5}
	batches := BatchForSending(items, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, []uint64{1, 2}, batches[0])
	assert.Equal(t, []uint64{5}, batches[2])
	assert.Nil(t, BatchForSending([]uint64{}, 2))
}
