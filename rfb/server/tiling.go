package server

// tiling.go implements the experimental tile scan: the damage bounding box is
// gridded, each tile is classified against the client's cache, and the
// largest rectangle of hit tiles is served with a single reference.
//
// Set CC_TILING_DEBUG=1 to log scan outcomes; behaviour is unchanged.

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/pixelcache/pixelcache/rfb"
)

var tilingDebug = os.Getenv("CC_TILING_DEBUG") != ""

// TileCacheState classifies one tile with respect to the client's cache.
type TileCacheState uint8

const (
	// TileNotCacheable tiles are skipped (volatile or zero hash).
	TileNotCacheable TileCacheState = iota
	// TileHit tiles can be served entirely from the client's cache.
	TileHit
	// TileInitCandidate tiles are cacheable but unknown to the client.
	TileInitCandidate
)

// TileInfo describes one grid cell.
type TileInfo struct {
	Rect  rfb.Rect
	State TileCacheState
}

// MaxRect is the best hit rectangle found by FindLargestHitRectangle.
type MaxRect struct {
	Rect      rfb.Rect
	TilesWide int
	TilesHigh int
}

// TileClassifier classifies a tile for the current connection without
// exposing cache internals to the tiling layer.
type TileClassifier interface {
	ClassifyTile(tileRect rfb.Rect, pb rfb.PixelBuffer) TileCacheState
}

// BuildTilingGrid lays a row-major tile grid over bounds and classifies each
// cell.  Partial edge tiles are clipped to bounds.
func BuildTilingGrid(bounds rfb.Rect, tileSize int, pb rfb.PixelBuffer,
	classifier TileClassifier) (tiles []TileInfo, tilesX, tilesY int) {

	if bounds.Empty() || tileSize <= 0 {
		return nil, 0, 0
	}
	tilesX = (bounds.Width() + tileSize - 1) / tileSize
	tilesY = (bounds.Height() + tileSize - 1) / tileSize
	tiles = make([]TileInfo, 0, tilesX*tilesY)
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			tile := rfb.MakeRect(
				bounds.TL.X+tx*tileSize,
				bounds.TL.Y+ty*tileSize,
				tileSize, tileSize,
			).Intersect(bounds)
			tiles = append(tiles, TileInfo{
				Rect:  tile,
				State: classifier.ClassifyTile(tile, pb),
			})
		}
	}
	return tiles, tilesX, tilesY
}

// FindLargestHitRectangle finds the maximal axis-aligned rectangle of
// TileHit cells using the histogram-of-heights technique, one stack pass per
// grid row.  Returns false when no hit rectangle of at least minTiles cells
// exists.
func FindLargestHitRectangle(tiles []TileInfo, tilesX, tilesY, minTiles int) (MaxRect, bool) {
	var best MaxRect
	bestArea := 0
	if tilesX == 0 || tilesY == 0 {
		return best, false
	}

	heights := make([]int, tilesX)
	type stackEntry struct{ start, height int }
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			if tiles[ty*tilesX+tx].State == TileHit {
				heights[tx]++
			} else {
				heights[tx] = 0
			}
		}

		stack := make([]stackEntry, 0, tilesX)
		for tx := 0; tx <= tilesX; tx++ {
			h := 0
			if tx < tilesX {
				h = heights[tx]
			}
			start := tx
			for len(stack) > 0 && stack[len(stack)-1].height > h {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				area := top.height * (tx - top.start)
				if area > bestArea {
					bestArea = area
					best = MaxRect{
						TilesWide: tx - top.start,
						TilesHigh: top.height,
					}
					// Reconstruct the pixel rect from tile
					// coordinates.
					firstTile := tiles[(ty-top.height+1)*tilesX+top.start].Rect
					lastTile := tiles[ty*tilesX+(tx-1)].Rect
					best.Rect = firstTile.UnionBoundary(lastTile)
				}
				start = top.start
			}
			if h > 0 {
				stack = append(stack, stackEntry{start: start, height: h})
			}
		}
	}

	if bestArea < minTiles {
		return MaxRect{}, false
	}
	return best, true
}

// logTileScan emits scan telemetry when CC_TILING_DEBUG is set.
func logTileScan(log *zap.Logger, bounds rfb.Rect, tiles []TileInfo, found bool, best MaxRect) {
	if !tilingDebug {
		return
	}
	hits, inits := 0, 0
	for _, t := range tiles {
		switch t.State {
		case TileHit:
			hits++
		case TileInitCandidate:
			inits++
		}
	}
	log.Debug("tile scan",
		zap.Int("tiles", len(tiles)),
		zap.Int("hits", hits),
		zap.Int("initCandidates", inits),
		zap.Bool("packed", found),
		zap.Int("packedTiles", best.TilesWide*best.TilesHigh),
		zap.String("bounds", rectString(bounds)))
}

func rectString(r rfb.Rect) string {
	return fmt.Sprintf("[%d,%d-%d,%d]", r.TL.X, r.TL.Y, r.BR.X, r.BR.Y)
}
