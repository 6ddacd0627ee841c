package blockcache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Godones/fat32/blockcache"
	"github.com/Godones/fat32/blockdev"
)

func newTestCache(t *testing.T, capacity, totalSectors int) (*blockcache.Cache, *blockdev.MemDevice) {
	t.Helper()
	dev := blockdev.NewMemDevice(totalSectors)
	return blockcache.New(dev, capacity, nil), dev
}

func TestGetLoadsFromDevice(t *testing.T) {
	cache, dev := newTestCache(t, 4, 8)

	buf := make([]byte, blockdev.SectorSize)
	buf[0] = 0xAB
	require.NoError(t, dev.WriteSector(3, buf))

	h, err := cache.Get(3)
	require.NoError(t, err)
	defer h.Release()

	h.Read(0, func(b []byte) {
		assert.Equal(t, byte(0xAB), b[0])
	})
}

func TestWriteMarksDirtyAndReleaseFlushes(t *testing.T) {
	cache, dev := newTestCache(t, 4, 8)

	h, err := cache.Get(1)
	require.NoError(t, err)

	h.Write(0, func(b []byte) {
		b[0] = 0x42
	})
	require.NoError(t, h.Release())

	raw := make([]byte, blockdev.SectorSize)
	require.NoError(t, dev.ReadSector(1, raw))
	assert.Equal(t, byte(0x42), raw[0])
}

func TestSyncFlushesAllDirtyEntries(t *testing.T) {
	cache, dev := newTestCache(t, 4, 8)

	h1, err := cache.Get(0)
	require.NoError(t, err)
	h1.Write(0, func(b []byte) { b[0] = 1 })

	h2, err := cache.Get(1)
	require.NoError(t, err)
	h2.Write(0, func(b []byte) { b[0] = 2 })

	require.NoError(t, cache.Sync())

	raw := make([]byte, blockdev.SectorSize)
	require.NoError(t, dev.ReadSector(0, raw))
	assert.Equal(t, byte(1), raw[0])
	require.NoError(t, dev.ReadSector(1, raw))
	assert.Equal(t, byte(2), raw[0])

	require.NoError(t, h1.Release())
	require.NoError(t, h2.Release())
}

func TestEvictionKeepsReleasedWriteOnDevice(t *testing.T) {
	cache, dev := newTestCache(t, 2, 8)

	h0, err := cache.Get(0)
	require.NoError(t, err)
	h0.Write(0, func(b []byte) { b[0] = 0x99 })
	require.NoError(t, h0.Release())

	h1, err := cache.Get(1)
	require.NoError(t, err)
	require.NoError(t, h1.Release())

	// Cache is now full with sectors {0, 1}, neither externally held. A
	// third distinct sector forces an eviction.
	h2, err := cache.Get(2)
	require.NoError(t, err)
	require.NoError(t, h2.Release())

	assert.Equal(t, 2, cache.Stats().Occupied)
	assert.GreaterOrEqual(t, cache.Stats().Evictions, uint64(1))

	raw := make([]byte, blockdev.SectorSize)
	require.NoError(t, dev.ReadSector(0, raw))
	assert.Equal(t, byte(0x99), raw[0], "a write released before eviction must still be on the device")
}

func TestEvictionPanicsWhenEveryEntryIsHeld(t *testing.T) {
	cache, _ := newTestCache(t, 1, 4)

	h, err := cache.Get(0)
	require.NoError(t, err)
	defer h.Release()

	assert.Panics(t, func() {
		_, _ = cache.Get(1)
	})
}

func TestGetOnSameSectorReturnsIndependentHandles(t *testing.T) {
	cache, _ := newTestCache(t, 4, 8)

	h1, err := cache.Get(5)
	require.NoError(t, err)
	h2, err := cache.Get(5)
	require.NoError(t, err)

	h1.Write(0, func(b []byte) { b[0] = 7 })
	h2.Read(0, func(b []byte) {
		assert.Equal(t, byte(7), b[0], "both handles must see the same underlying buffer")
	})

	require.NoError(t, h1.Release())
	require.NoError(t, h2.Release())
}
