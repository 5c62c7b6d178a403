package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelcache/pixelcache/rfb"
)

// gridClassifier marks tiles as hits according to a bitmap.
type gridClassifier struct {
	hits   map[[2]int]bool
	bounds rfb.Rect
	size   int
}

func (g *gridClassifier) ClassifyTile(tileRect rfb.Rect, pb rfb.PixelBuffer) TileCacheState {
	tx := (tileRect.TL.X - g.bounds.TL.X) / g.size
	ty := (tileRect.TL.Y - g.bounds.TL.Y) / g.size
	if g.hits[[2]int{tx, ty}] {
		return TileHit
	}
	return TileInitCandidate
}

func TestBuildTilingGrid(t *testing.T) {
	bounds := rfb.MakeRect(10, 10, 100, 70)
	cls := &gridClassifier{hits: map[[2]int]bool{}, bounds: bounds, size: 32}
	tiles, tilesX, tilesY := BuildTilingGrid(bounds, 32, nil, cls)

	assert.Equal(t, 4, tilesX) // ceil(100/32)
	assert.Equal(t, 3, tilesY) // ceil(70/32)
	require.Len(t, tiles, 12)

	// Edge tiles are clipped to bounds.
	last := tiles[len(tiles)-1].Rect
	assert.Equal(t, bounds.BR, last.BR)
}

func TestFindLargestHitRectangle(t *testing.T) {
	bounds := rfb.MakeRect(0, 0, 160, 160)
	const size = 32 // 5x5 grid
	hits := map[[2]int]bool{}
	// A 3x2 block of hits at (1,1)..(3,2), plus an isolated hit at (0,4).
	for tx := 1; tx <= 3; tx++ {
		for ty := 1; ty <= 2; ty++ {
			hits[[2]int{tx, ty}] = true
		}
	}
	hits[[2]int{0, 4}] = true

	cls := &gridClassifier{hits: hits, bounds: bounds, size: size}
	tiles, tilesX, tilesY := BuildTilingGrid(bounds, size, nil, cls)

	best, found := FindLargestHitRectangle(tiles, tilesX, tilesY, 4)
	require.True(t, found)
	assert.Equal(t, 3, best.TilesWide)
	assert.Equal(t, 2, best.TilesHigh)
	assert.True(t, best.Rect.Equals(rfb.MakeRect(32, 32, 96, 64)),
		"got %v", best.Rect)
}

func TestFindLargestHitRectangleBelowMinimum(t *testing.T) {
	bounds := rfb.MakeRect(0, 0, 96, 96)
	hits := map[[2]int]bool{{0, 0}: true} // a single hit tile
	cls := &gridClassifier{hits: hits, bounds: bounds, size: 32}
	tiles, tilesX, tilesY := BuildTilingGrid(bounds, 32, nil, cls)

	_, found := FindLargestHitRectangle(tiles, tilesX, tilesY, 4)
	assert.False(t, found)
}

func TestVolatilityDecay(t *testing.T) {
	vm := NewVolatilityMap(256, 256, 64, 100)
	r := rfb.MakeRect(0, 0, 64, 64)

	// Three damages in quick succession cross the threshold.
	vm.NoteDamage(r, 1000)
	require.False(t, vm.RectTouchesVolatile(r))
	vm.NoteDamage(r, 1010)
	require.False(t, vm.RectTouchesVolatile(r))
	vm.NoteDamage(r, 1020)
	require.True(t, vm.RectTouchesVolatile(r))

	// A distant tile is unaffected.
	assert.False(t, vm.IsVolatileXY(200, 200))

	// After many idle windows the rate decays away.
	vm.NoteDamage(r, 10_000)
	assert.False(t, vm.RectTouchesVolatile(r))
}

func TestBorderHeuristic(t *testing.T) {
	b := DefaultBorderHeuristic()

	_, ok := b.ContentRect(320, 200)
	assert.False(t, ok, "too small for the layout assumption")

	content, ok := b.ContentRect(1920, 1080)
	require.True(t, ok)
	assert.Equal(t, 1920*9/100, content.TL.X)
	assert.Equal(t, 1080*8/100, content.TL.Y)
	assert.Equal(t, 1920-1920*2/100, content.BR.X)
	assert.Equal(t, 1080-1080*2/100, content.BR.Y)
}
