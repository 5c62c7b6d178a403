package client

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cache "github.com/pixelcache/pixelcache/pkg"
	"github.com/pixelcache/pixelcache/rfb"
)

// rawTestDecoder paints its payload verbatim.  An optional corruption byte
// simulates a decoder whose output differs from the source (lossy or buggy).
type rawTestDecoder struct {
	flags   rfb.DecoderFlags
	corrupt bool
}

func (d *rawTestDecoder) Flags() rfb.DecoderFlags { return d.flags }

func (d *rawTestDecoder) ReadRect(r rfb.Rect, in io.Reader, server *rfb.ServerParams) ([]byte, error) {
	buf := make([]byte, r.Area()*server.Format.BytesPerPixel())
	_, err := io.ReadFull(in, buf)
	return buf, err
}

func (d *rawTestDecoder) DecodeRect(r rfb.Rect, data []byte, server *rfb.ServerParams,
	pb rfb.ModifiablePixelBuffer) error {
	if d.corrupt {
		data = append([]byte(nil), data...)
		data[0] ^= 0xFF
	}
	return pb.ImageRect(r, data, r.Width())
}

func (d *rawTestDecoder) AffectedRegion(r rfb.Rect, data []byte) rfb.Region {
	return rfb.NewRegion(r)
}

func (d *rawTestDecoder) RectsConflict(a, b rfb.Rect) bool { return false }

const (
	encLosslessTest int32 = 900
	encLossyTest    int32 = 901
	encCorruptTest  int32 = 902
)

type testRig struct {
	dm     *DecodeManager
	engine *cache.Engine
	out    *bytes.Buffer
	pb     *rfb.FullFramePixelBuffer
	server rfb.ServerParams
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	cfg := cache.DefaultConfig()
	cfg.CachePath = t.TempDir()
	cfg.MemoryBudgetMiB = 4
	engine, err := cache.NewEngine(cfg)
	require.NoError(t, err)

	codecs := rfb.NewCodecRegistry()
	codecs.RegisterDecoder(encLosslessTest, &rawTestDecoder{})
	codecs.RegisterDecoder(encLossyTest, &rawTestDecoder{flags: rfb.DecoderLossy, corrupt: true})
	codecs.RegisterDecoder(encCorruptTest, &rawTestDecoder{corrupt: true})

	out := &bytes.Buffer{}
	dm := NewDecodeManager(codecs, engine, rfb.NewMsgWriter(out), true, nil)

	pb := rfb.NewFullFramePixelBuffer(rfb.CanonicalFormat, 256, 256)
	t.Cleanup(func() {
		dm.Stop()
		engine.Close()
	})
	return &testRig{
		dm:     dm,
		engine: engine,
		out:    out,
		pb:     pb,
		server: rfb.ServerParams{Format: rfb.CanonicalFormat, Width: 256, Height: 256},
	}
}

func patternPayload(r rfb.Rect, seed byte) []byte {
	buf := make([]byte, r.Area()*4)
	for i := range buf {
		buf[i] = seed + byte(i%13)
	}
	return buf
}

// drainMessages parses every client-to-server message in the output buffer
// and returns the seen type octets in order.
func drainMessages(t *testing.T, buf *bytes.Buffer) []uint8 {
	t.Helper()
	mr := rfb.NewMsgReader(buf)
	var types []uint8
	for buf.Len() > 0 {
		var typeByte [1]byte
		_, err := io.ReadFull(buf, typeByte[:])
		require.NoError(t, err)
		types = append(types, typeByte[0])
		switch typeByte[0] {
		case rfb.MsgTypeLossyHashReport:
			_, err = mr.ReadLossyHashReport()
		case rfb.MsgTypePersistentCacheQuery:
			_, err = mr.ReadCacheQuery()
		case rfb.MsgTypeCacheEviction:
			_, err = mr.ReadCacheEviction()
		case rfb.MsgTypeRequestCachedData:
			_, err = mr.ReadRequestCachedData()
		case rfb.MsgTypePersistentHashList:
			_, err = mr.ReadHashListChunk()
		default:
			t.Fatalf("unexpected message type %d", typeByte[0])
		}
		require.NoError(t, err)
	}
	return types
}

func TestDecodeRectAndFlush(t *testing.T) {
	rig := newRig(t)
	r := rfb.MakeRect(0, 0, 8, 8)
	payload := patternPayload(r, 1)

	err := rig.dm.DecodeRect(r, encLosslessTest, bytes.NewReader(payload), &rig.server, rig.pb)
	require.NoError(t, err)
	require.NoError(t, rig.dm.Flush())

	data, stride, err := rig.pb.Buffer(r)
	require.NoError(t, err)
	assert.Equal(t, payload[:32], data[:32])
	assert.Equal(t, 256, stride)
}

func TestCachedInitLosslessStores(t *testing.T) {
	rig := newRig(t)
	r := rfb.MakeRect(16, 16, 64, 64)
	payload := patternPayload(r, 7)

	init := rfb.CachedInit{Rect: r, CacheID: 0, InnerEncoding: encLosslessTest}
	// The server's id is the canonical hash of the source pixels; for a
	// lossless transport that equals the hash of what we decode.
	init.CacheID = rfb.ComputePackedHash(payload, rfb.CanonicalFormat, 64, 64).CanonicalID()

	err := rig.dm.HandleCachedInit(init, bytes.NewReader(payload), &rig.server, rig.pb)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), rig.dm.Stats().Stores)
	assert.NotNil(t, rig.engine.GetByCanonicalHash(init.CacheID, 64, 64, 32))
	assert.Empty(t, drainMessages(t, rig.out), "lossless store sends nothing")
}

func TestCachedInitLossyStoresAndReports(t *testing.T) {
	rig := newRig(t)
	r := rfb.MakeRect(0, 0, 64, 64)
	payload := patternPayload(r, 9)
	canonical := rfb.ComputePackedHash(payload, rfb.CanonicalFormat, 64, 64).CanonicalID()

	init := rfb.CachedInit{Rect: r, CacheID: canonical, InnerEncoding: encLossyTest}
	err := rig.dm.HandleCachedInit(init, bytes.NewReader(payload), &rig.server, rig.pb)
	require.NoError(t, err)

	// The perturbed decode is stored under the canonical id anyway...
	assert.Equal(t, uint64(1), rig.dm.Stats().Stores)
	cp := rig.engine.GetByCanonicalHash(canonical, 64, 64, 32)
	require.NotNil(t, cp)
	assert.False(t, cp.IsLossless())

	// ...and the server learns the canonical-to-actual mapping.
	types := drainMessages(t, rig.out)
	assert.Contains(t, types, rfb.MsgTypeLossyHashReport)
}

func TestCachedInitCorruptLosslessDropped(t *testing.T) {
	rig := newRig(t)
	r := rfb.MakeRect(0, 0, 64, 64)
	payload := patternPayload(r, 3)
	canonical := rfb.ComputePackedHash(payload, rfb.CanonicalFormat, 64, 64).CanonicalID()

	init := rfb.CachedInit{Rect: r, CacheID: canonical, InnerEncoding: encCorruptTest}
	err := rig.dm.HandleCachedInit(init, bytes.NewReader(payload), &rig.server, rig.pb)
	require.NoError(t, err, "corruption degrades caching, not the session")

	assert.Equal(t, uint64(1), rig.dm.Stats().Dropped)
	assert.Equal(t, uint64(0), rig.dm.Stats().Stores)
	assert.Nil(t, rig.engine.GetByCanonicalHash(canonical, 64, 64, 0))
	assert.Empty(t, drainMessages(t, rig.out))
}

func TestCachedRefHitBlits(t *testing.T) {
	rig := newRig(t)
	r := rfb.MakeRect(32, 32, 64, 64)
	payload := patternPayload(r, 5)

	// Paint and seed, so the cache holds the content under its id.
	require.NoError(t, rig.pb.ImageRect(r, payload, 64))
	id := rfb.ComputeRectHash(rig.pb, r).CanonicalID()
	require.NoError(t, rig.dm.HandleCachedSeed(rfb.CachedSeed{Rect: r, CacheID: id}, rig.pb))

	// Wipe the framebuffer, then serve the reference from cache.
	blank := make([]byte, r.Area()*4)
	require.NoError(t, rig.pb.ImageRect(r, blank, 64))

	require.NoError(t, rig.dm.HandleCachedRect(rfb.CachedRef{Rect: r, CacheID: id}, rig.pb))
	assert.Equal(t, uint64(1), rig.dm.Stats().CacheHits)

	data, _, err := rig.pb.Buffer(r)
	require.NoError(t, err)
	assert.Equal(t, payload[:16], data[:16])
}

func TestCachedRefMissQueuesQuery(t *testing.T) {
	rig := newRig(t)
	r := rfb.MakeRect(0, 0, 64, 64)

	require.NoError(t, rig.dm.HandleCachedRect(rfb.CachedRef{Rect: r, CacheID: 0x4242}, rig.pb))
	assert.Equal(t, uint64(1), rig.dm.Stats().CacheMisses)
	// Queued, not yet sent.
	assert.Empty(t, rig.out.Bytes())

	// The next flush sends the batch.
	require.NoError(t, rig.dm.Flush())
	types := drainMessages(t, rig.out)
	assert.Contains(t, types, rfb.MsgTypePersistentCacheQuery)
}

func TestQueryBatchSentAtThreshold(t *testing.T) {
	rig := newRig(t)
	r := rfb.MakeRect(0, 0, 64, 64)
	for i := 0; i < queryBatchSize; i++ {
		require.NoError(t, rig.dm.HandleCachedRect(
			rfb.CachedRef{Rect: r, CacheID: uint64(0x1000 + i)}, rig.pb))
	}
	types := drainMessages(t, rig.out)
	assert.Contains(t, types, rfb.MsgTypePersistentCacheQuery)
	assert.Equal(t, uint64(queryBatchSize), rig.dm.Stats().QueriesSent)
}

func TestLowBppEntryTriggersRequestCachedData(t *testing.T) {
	rig := newRig(t)

	// Plant an 8 bpp entry directly in the engine.
	pf8 := rfb.PixelFormat{BPP: 8, Depth: 8, TrueColour: true,
		RedMax: 7, GreenMax: 7, BlueMax: 3, RedShift: 5, GreenShift: 2}
	pixels := bytes.Repeat([]byte{0x24}, 64*64)
	key := rfb.ComputePackedHash(pixels, pf8, 64, 64)
	id := key.CanonicalID()
	require.NoError(t, rig.engine.Insert(id, id, key, pixels, pf8, 64, 64, 64, false, true))

	r := rfb.MakeRect(0, 0, 64, 64)
	require.NoError(t, rig.dm.HandleCachedRect(rfb.CachedRef{Rect: r, CacheID: id}, rig.pb))

	types := drainMessages(t, rig.out)
	assert.Contains(t, types, rfb.MsgTypeRequestCachedData,
		"a below-floor entry asks for fresh pixels instead of querying")
}

func TestSeedMismatchReportsLossy(t *testing.T) {
	rig := newRig(t)
	r := rfb.MakeRect(0, 0, 64, 64)
	require.NoError(t, rig.pb.ImageRect(r, patternPayload(r, 11), 64))

	// The server seeds an id computed from different (pre-lossy) pixels.
	serverID := uint64(0x7777000011112222)
	require.NoError(t, rig.dm.HandleCachedSeed(rfb.CachedSeed{Rect: r, CacheID: serverID}, rig.pb))

	types := drainMessages(t, rig.out)
	assert.Contains(t, types, rfb.MsgTypeLossyHashReport)
	assert.NotNil(t, rig.engine.GetByCanonicalHash(serverID, 64, 64, 0))
}

func TestAdvertiseHashListChunksAndIsOneShot(t *testing.T) {
	rig := newRig(t)

	for i := 0; i < 5; i++ {
		r := rfb.MakeRect(0, 0, 32, 32)
		payload := patternPayload(r, byte(20+i))
		require.NoError(t, rig.pb.ImageRect(r, payload, 32))
		id := rfb.ComputeRectHash(rig.pb, r).CanonicalID()
		require.NoError(t, rig.dm.HandleCachedSeed(rfb.CachedSeed{Rect: r, CacheID: id}, rig.pb))
	}
	rig.out.Reset()

	require.NoError(t, rig.dm.AdvertiseHashList())
	mr := rfb.NewMsgReader(rig.out)
	var typeByte [1]byte
	_, err := io.ReadFull(rig.out, typeByte[:])
	require.NoError(t, err)
	require.Equal(t, rfb.MsgTypePersistentHashList, typeByte[0])
	chunk, err := mr.ReadHashListChunk()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), chunk.TotalChunks)
	assert.Len(t, chunk.IDs, 5)

	rig.out.Reset()
	require.NoError(t, rig.dm.AdvertiseHashList())
	assert.Empty(t, rig.out.Bytes(), "hash list is sent at most once per connection")
}

func TestWorkerErrorSurfacesAtFlush(t *testing.T) {
	rig := newRig(t)
	r := rfb.MakeRect(250, 250, 32, 32) // extends past the framebuffer

	codecs := rfb.NewCodecRegistry()
	codecs.RegisterDecoder(encLosslessTest, &rawTestDecoder{})
	payload := patternPayload(r, 1)

	err := rig.dm.DecodeRect(r, encLosslessTest, bytes.NewReader(payload), &rig.server, rig.pb)
	require.NoError(t, err, "the failure belongs to the decode, not the enqueue")
	assert.Error(t, rig.dm.Flush(), "worker failures surface at the next flush")
}
