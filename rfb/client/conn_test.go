package client

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cache "github.com/pixelcache/pixelcache/pkg"
	"github.com/pixelcache/pixelcache/rfb"
)

func newTestConn(t *testing.T, cfg cache.Config) (*Conn, *bytes.Buffer) {
	t.Helper()
	cfg.CachePath = t.TempDir()
	engine, err := cache.NewEngine(cfg)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	writer := rfb.NewMsgWriter(out)
	dm := NewDecodeManager(rfb.NewCodecRegistry(), engine, writer, cfg.PersistentCache, nil)
	conn := NewConn(cfg, engine, dm, rfb.NewMsgReader(bytes.NewReader(nil)), writer, nil)
	t.Cleanup(func() { conn.Close() })
	return conn, out
}

func advanceToNormal(t *testing.T, c *Conn) {
	t.Helper()
	for c.State() != StateNormal {
		require.NoError(t, c.AdvanceState(c.State()+1))
	}
}

func TestStateMachineOrdering(t *testing.T) {
	cfg := cache.DefaultConfig()
	c, _ := newTestConn(t, cfg)

	assert.Equal(t, StateProtocolVersion, c.State())
	// Skipping ahead is a protocol violation.
	err := c.AdvanceState(StateNormal)
	assert.ErrorIs(t, err, rfb.ErrProtocol)

	advanceToNormal(t, c)
	assert.Equal(t, StateNormal, c.State())

	// Closing is reachable from anywhere.
	require.NoError(t, c.AdvanceState(StateClosing))
	assert.Equal(t, StateClosing, c.State())
}

func TestCacheEncodingsAdvertised(t *testing.T) {
	cfg := cache.DefaultConfig()
	c, _ := newTestConn(t, cfg)
	assert.Equal(t, []int32{
		rfb.PseudoEncodingPersistentCache,
		rfb.PseudoEncodingContentCache,
	}, c.CacheEncodings())

	cfg2 := cache.DefaultConfig()
	cfg2.PersistentCache = false
	c2, _ := newTestConn(t, cfg2)
	assert.Equal(t, []int32{rfb.PseudoEncodingContentCache}, c2.CacheEncodings())
}

func TestCacheRectsRejectedBeforeNormal(t *testing.T) {
	cfg := cache.DefaultConfig()
	c, _ := newTestConn(t, cfg)

	hdr := rfb.RectHeader{
		Rect:     rfb.MakeRect(0, 0, 64, 64),
		Encoding: rfb.EncodingCachedRect,
	}
	pb := rfb.NewFullFramePixelBuffer(rfb.CanonicalFormat, 64, 64)
	err := c.ProcessRect(hdr, bytes.NewReader(nil), pb)
	assert.ErrorIs(t, err, rfb.ErrProtocol)
}

func TestNormalTriggersLoadAndCoordinator(t *testing.T) {
	cfg := cache.DefaultConfig()
	c, _ := newTestConn(t, cfg)

	advanceToNormal(t, c)
	// The lazy load ran: state reflects a loaded (empty) index and the
	// coordinator elected a role for this directory.
	assert.NotEqual(t, cache.Uninitialized, c.engine.HydrationStateNow())
	assert.Equal(t, "master", c.engine.CoordinatorRole().String())
}
