package server

// volatility.go tracks how frequently each screen tile changes.  Rapidly
// changing tiles (video, animations) are a waste of cache effort: their
// hashes never repeat, so the tile scan classifies tiles touching volatile
// grid cells as not cacheable.  The other cache paths do not consult the map.

import (
	"github.com/pixelcache/pixelcache/rfb"
)

// VolatilityMap keeps a per-tile exponentially weighted damage rate.
type VolatilityMap struct {
	gridSize int
	windowMs int
	tilesX   int
	tilesY   int

	// ewma is a fixed-point (x256) damage rate per tile; lastMs is the
	// last damage timestamp used for decay.
	ewma   []uint32
	lastMs []uint64
}

// volatileThreshold is the fixed-point rate above which a tile counts as
// volatile (roughly: damaged three or more times within a decay window).
const volatileThreshold = 192

// NewVolatilityMap sizes the grid for a framebuffer.
func NewVolatilityMap(fbWidth, fbHeight, gridSize, windowMs int) *VolatilityMap {
	vm := &VolatilityMap{gridSize: gridSize, windowMs: windowMs}
	vm.Resize(fbWidth, fbHeight)
	return vm
}

// Resize re-grids after a framebuffer size change, dropping history.
func (vm *VolatilityMap) Resize(fbWidth, fbHeight int) {
	vm.tilesX = (fbWidth + vm.gridSize - 1) / vm.gridSize
	vm.tilesY = (fbHeight + vm.gridSize - 1) / vm.gridSize
	n := vm.tilesX * vm.tilesY
	vm.ewma = make([]uint32, n)
	vm.lastMs = make([]uint64, n)
}

func (vm *VolatilityMap) tileIndex(tx, ty int) int { return ty*vm.tilesX + tx }

// NoteDamage feeds one damage bounding box at time nowMs.
func (vm *VolatilityMap) NoteDamage(bbox rfb.Rect, nowMs uint64) {
	if bbox.Empty() {
		return
	}
	tx0 := bbox.TL.X / vm.gridSize
	ty0 := bbox.TL.Y / vm.gridSize
	tx1 := (bbox.BR.X - 1) / vm.gridSize
	ty1 := (bbox.BR.Y - 1) / vm.gridSize
	for ty := max(ty0, 0); ty <= ty1 && ty < vm.tilesY; ty++ {
		for tx := max(tx0, 0); tx <= tx1 && tx < vm.tilesX; tx++ {
			i := vm.tileIndex(tx, ty)
			vm.ewma[i] = vm.decayed(i, nowMs) + 64
			vm.lastMs[i] = nowMs
		}
	}
}

// decayed returns the tile's rate after halving once per elapsed window.
func (vm *VolatilityMap) decayed(i int, nowMs uint64) uint32 {
	last := vm.lastMs[i]
	if last == 0 || nowMs <= last {
		return vm.ewma[i]
	}
	windows := (nowMs - last) / uint64(vm.windowMs)
	if windows >= 32 {
		return 0
	}
	return vm.ewma[i] >> windows
}

// IsVolatileXY reports whether the tile containing (x, y) is hot.
func (vm *VolatilityMap) IsVolatileXY(x, y int) bool {
	tx, ty := x/vm.gridSize, y/vm.gridSize
	if tx < 0 || ty < 0 || tx >= vm.tilesX || ty >= vm.tilesY {
		return false
	}
	return vm.ewma[vm.tileIndex(tx, ty)] >= volatileThreshold
}

// RectTouchesVolatile reports whether any tile under r is hot.
func (vm *VolatilityMap) RectTouchesVolatile(r rfb.Rect) bool {
	if r.Empty() {
		return false
	}
	tx0 := r.TL.X / vm.gridSize
	ty0 := r.TL.Y / vm.gridSize
	tx1 := (r.BR.X - 1) / vm.gridSize
	ty1 := (r.BR.Y - 1) / vm.gridSize
	for ty := max(ty0, 0); ty <= ty1 && ty < vm.tilesY; ty++ {
		for tx := max(tx0, 0); tx <= tx1 && tx < vm.tilesX; tx++ {
			if vm.ewma[vm.tileIndex(tx, ty)] >= volatileThreshold {
				return true
			}
		}
	}
	return false
}
