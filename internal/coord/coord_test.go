package coord

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixelcache/pixelcache/rfb"
)

func testWireEntry(b byte) WireIndexEntry {
	var key rfb.CacheKey
	for i := range key {
		key[i] = b
	}
	return WireIndexEntry{
		Key:           key,
		ShardID:       3,
		Offset:        4096,
		Size:          256,
		Width:         64,
		Height:        32,
		StridePixels:  64,
		CanonicalHash: 0x1122334455667788,
		ActualHash:    0x8877665544332211,
		QualityCode:   4,
	}
}

func TestWireIndexEntryRoundtrip(t *testing.T) {
	e := testWireEntry(9)
	var buf [WireIndexEntrySize]byte
	require.NoError(t, e.Marshal(buf[:]))

	got, err := UnmarshalWireIndexEntry(buf[:])
	require.NoError(t, err)
	assert.Equal(t, e, got)

	// Serialised form must be byte-stable.
	var buf2 [WireIndexEntrySize]byte
	require.NoError(t, got.Marshal(buf2[:]))
	assert.Equal(t, buf, buf2)
}

func TestElectionMasterThenSlave(t *testing.T) {
	dir := t.TempDir()

	master := New(dir, Callbacks{}, zap.NewNop())
	require.Equal(t, RoleMaster, master.Start())
	defer master.Stop()

	slave := New(dir, Callbacks{}, zap.NewNop())
	require.Equal(t, RoleSlave, slave.Start())
	defer slave.Stop()

	// The master must see the slave's HELLO promptly.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if master.GetStats().ConnectedSlaves == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, master.GetStats().ConnectedSlaves)
	assert.Equal(t, RoleSlave, slave.GetStats().Role)
}

func TestWriteRequestForwarding(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var gotPayload []byte
	master := New(dir, Callbacks{
		OnWriteRequest: func(e WireIndexEntry, payload []byte) (WireIndexEntry, error) {
			mu.Lock()
			gotPayload = append([]byte(nil), payload...)
			mu.Unlock()
			e.ShardID = 7
			e.Offset = 1234
			e.Size = uint32(len(payload))
			return e, nil
		},
	}, zap.NewNop())
	require.Equal(t, RoleMaster, master.Start())
	defer master.Stop()

	slave := New(dir, Callbacks{}, zap.NewNop())
	require.Equal(t, RoleSlave, slave.Start())
	defer slave.Stop()

	payload := []byte("pixels")
	result, err := slave.RequestWrite(testWireEntry(1), payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), result.ShardID)
	assert.Equal(t, uint32(1234), result.Offset)
	assert.Equal(t, uint32(len(payload)), result.Size)

	mu.Lock()
	assert.Equal(t, payload, gotPayload)
	mu.Unlock()

	assert.Equal(t, uint64(1), master.GetStats().WritesServed)
	assert.Equal(t, uint64(1), slave.GetStats().WritesForwarded)
}

func TestIndexUpdateBroadcast(t *testing.T) {
	dir := t.TempDir()

	master := New(dir, Callbacks{}, zap.NewNop())
	require.Equal(t, RoleMaster, master.Start())
	defer master.Stop()

	received := make(chan []WireIndexEntry, 1)
	slave := New(dir, Callbacks{
		OnIndexUpdate: func(entries []WireIndexEntry) {
			received <- entries
		},
	}, zap.NewNop())
	require.Equal(t, RoleSlave, slave.Start())
	defer slave.Stop()

	// Wait for the master to register the slave before broadcasting.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && master.GetStats().ConnectedSlaves == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, master.GetStats().ConnectedSlaves)

	want := []WireIndexEntry{testWireEntry(2), testWireEntry(3)}
	master.PushIndexUpdate(want)

	select {
	case got := <-received:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("index update never arrived")
	}
}

func TestStandaloneWhenNoDirectoryAccess(t *testing.T) {
	// An unusable directory degrades to standalone instead of failing.
	c := New("/proc/nonexistent/cache", Callbacks{}, zap.NewNop())
	assert.Equal(t, RoleStandalone, c.Start())
	c.Stop()
}

func TestSlaveWriteTimeout(t *testing.T) {
	dir := t.TempDir()

	block := make(chan struct{})
	master := New(dir, Callbacks{
		OnWriteRequest: func(e WireIndexEntry, payload []byte) (WireIndexEntry, error) {
			<-block
			return e, nil
		},
	}, zap.NewNop())
	require.Equal(t, RoleMaster, master.Start())
	defer func() {
		close(block)
		master.Stop()
	}()

	slave := New(dir, Callbacks{}, zap.NewNop())
	slave.SetWriteTimeout(50 * time.Millisecond)
	require.Equal(t, RoleSlave, slave.Start())
	defer slave.Stop()

	_, err := slave.RequestWrite(testWireEntry(4), []byte("x"))
	assert.ErrorIs(t, err, ErrWriteTimeout)
}

func TestReelectionAfterMasterDeath(t *testing.T) {
	dir := t.TempDir()

	master := New(dir, Callbacks{}, zap.NewNop())
	require.Equal(t, RoleMaster, master.Start())

	promoted := make(chan struct{}, 1)
	slave := New(dir, Callbacks{
		OnPromoted: func() { promoted <- struct{}{} },
	}, zap.NewNop())
	require.Equal(t, RoleSlave, slave.Start())
	defer slave.Stop()

	master.Stop() // releases the flock, closes the socket

	// The slave notices the disconnect and downgrades.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && slave.Role() != RoleStandalone {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, RoleStandalone, slave.Role())

	// The next persistence attempt re-elects.
	assert.Equal(t, RoleMaster, slave.TryPromote())
	select {
	case <-promoted:
	default:
		t.Fatal("OnPromoted must run before TryPromote returns")
	}
}
