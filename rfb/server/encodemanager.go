package server

// encodemanager.go drives every framebuffer update for one connection.  For
// each damaged rectangle it picks the cheapest representation the client can
// handle: a CopyRect blit, a solid fill, a cache reference, a cache init, or
// a plainly encoded rect.  It also runs the region-level optimisations
// (bordered-region carve-out, bounding-box cache, tile scan) and schedules
// the lossless refresh of previously-lossy areas.
//
// One manager serves exactly one connection and runs on that connection's
// goroutine; nothing here is safe for concurrent use.

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/pixelcache/pixelcache/rfb"
)

var ccDebug = os.Getenv("CC_DEBUG") != ""

// losslessRefreshDelay is how long damage must quiesce before lossy regions
// are re-sent losslessly.
const losslessRefreshDelay = 50 * time.Millisecond

// solidProbeSize is the block edge used when probing for solid areas.
const solidProbeSize = 16

// volatilityGridSize and volatilityWindowMs size the damage-rate tracker.
const (
	volatilityGridSize = 64
	volatilityWindowMs = 500
)

// BorderHeuristic estimates the content sub-rectangle of an application
// layout (e.g. the slide area of a presentation) from proportional margins.
// The defaults mirror a typical document/presentation editor: a thumbnail
// panel on the left, toolbars on top, thin margins elsewhere.
type BorderHeuristic struct {
	LeftPct   int
	RightPct  int
	TopPct    int
	BottomPct int

	MinScreenWidth   int
	MinScreenHeight  int
	MinContentWidth  int
	MinContentHeight int
}

// DefaultBorderHeuristic returns the stock proportions.
func DefaultBorderHeuristic() BorderHeuristic {
	return BorderHeuristic{
		LeftPct: 9, RightPct: 2, TopPct: 8, BottomPct: 2,
		MinScreenWidth: 400, MinScreenHeight: 300,
		MinContentWidth: 300, MinContentHeight: 200,
	}
}

// ContentRect estimates the content area for a framebuffer, or returns false
// when the screen is too small for the layout assumption to hold.
func (b BorderHeuristic) ContentRect(fbWidth, fbHeight int) (rfb.Rect, bool) {
	if fbWidth < b.MinScreenWidth || fbHeight < b.MinScreenHeight {
		return rfb.Rect{}, false
	}
	content := rfb.Rect{
		TL: rfb.Point{X: fbWidth * b.LeftPct / 100, Y: fbHeight * b.TopPct / 100},
		BR: rfb.Point{X: fbWidth - fbWidth*b.RightPct/100, Y: fbHeight - fbHeight*b.BottomPct/100},
	}
	if content.Width() < b.MinContentWidth || content.Height() < b.MinContentHeight {
		return rfb.Rect{}, false
	}
	return content, true
}

// Config tunes the encode manager.
type Config struct {
	// MinRectArea: rectangles below this pixel area are never cached.
	MinRectArea int

	// BBoxCache enables the whole-region bounding-box lookup.
	BBoxCache bool

	// BorderDetect enables the bordered-region carve-out.
	BorderDetect bool
	Border       BorderHeuristic

	// CoverageThreshold is the minimum damage coverage of the content
	// rect for a whole-region attempt (below it the sub-rect is partly
	// stale and the per-tile path runs instead).
	CoverageThreshold float64

	// TileScan enables the experimental tile packing; TileSize is the
	// grid edge in pixels.
	TileScan bool
	TileSize int

	// PreferredEncodings orders the payload encodings to try, best
	// first.
	PreferredEncodings []int32
}

// DefaultConfig returns stock encode-manager settings.
func DefaultConfig() Config {
	return Config{
		MinRectArea:       10000,
		BBoxCache:         true,
		BorderDetect:      true,
		Border:            DefaultBorderHeuristic(),
		CoverageThreshold: 0.5,
		TileScan:          false,
		TileSize:          64,
		PreferredEncodings: []int32{
			rfb.EncodingTight, rfb.EncodingZRLE,
			rfb.EncodingHextile, rfb.EncodingRRE, rfb.EncodingRaw,
		},
	}
}

// Conn is the connection surface the encode manager drives.
type Conn interface {
	Writer() *rfb.MsgWriter
	ClientFormat() rfb.PixelFormat
	SupportsEncoding(encoding int32) bool
	CacheState() *ClientCacheState
}

// UpdateInfo is one update's worth of damage from the update tracker.
type UpdateInfo struct {
	Changed   rfb.Region
	Copied    rfb.Region
	CopyDelta rfb.Point
}

// CacheLookupStats counts server-side cache decisions.
type CacheLookupStats struct {
	Lookups    uint64
	Hits       uint64
	Misses     uint64
	BytesSaved uint64
}

// seedCandidate is a region we encoded normally but whose hash the client can
// adopt for future references.
type seedCandidate struct {
	rect rfb.Rect
	id   uint64
}

// EncodeManager schedules one connection's updates.
type EncodeManager struct {
	conn   Conn
	codecs *rfb.CodecRegistry
	cfg    Config
	log    *zap.Logger

	lossyRegion           rfb.Region
	recentlyChangedRegion rfb.Region
	pendingRefreshRegion  rfb.Region
	lastChangeAt          time.Time

	volatility *VolatilityMap
	fbWidth    int
	fbHeight   int

	updates    uint64
	cacheStats CacheLookupStats
	bandwidth  CacheProtocolStats

	seeds []seedCandidate
}

// NewEncodeManager builds a manager for one connection.
func NewEncodeManager(conn Conn, codecs *rfb.CodecRegistry, cfg Config, logger *zap.Logger) *EncodeManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EncodeManager{
		conn:   conn,
		codecs: codecs,
		cfg:    cfg,
		log:    logger.With(zap.String("component", "encode-manager")),
	}
}

// clientSupportsCache reports whether either cache pseudo-encoding was
// negotiated.
func (em *EncodeManager) clientSupportsCache() bool {
	return em.conn.SupportsEncoding(rfb.PseudoEncodingPersistentCache) ||
		em.conn.SupportsEncoding(rfb.PseudoEncodingContentCache)
}

// CacheStats snapshots server-side lookup counters.
func (em *EncodeManager) CacheStats() CacheLookupStats { return em.cacheStats }

// BandwidthStats snapshots wire accounting.
func (em *EncodeManager) BandwidthStats() CacheProtocolStats { return em.bandwidth }

/*
   ---------------- Update pipeline ----------------
*/

// WriteUpdate emits one framebuffer update for the given damage.
func (em *EncodeManager) WriteUpdate(ui UpdateInfo, pb rfb.PixelBuffer) error {
	em.updates++
	cs := em.conn.CacheState()
	cs.ConfirmPending()

	em.trackFramebuffer(pb)
	now := time.Now()
	if !ui.Changed.Empty() {
		bbox := ui.Changed.BoundingRect()
		em.volatility.NoteDamage(bbox, uint64(now.UnixMilli()))
		em.recentlyChangedRegion.Union(&ui.Changed)
		em.lastChangeAt = now
	}

	if err := em.writeCopyRects(ui.Copied, ui.CopyDelta); err != nil {
		return err
	}

	changed := ui.Changed.Copy()
	if err := em.writeSolidRects(&changed, pb); err != nil {
		return err
	}

	if em.clientSupportsCache() && !changed.Empty() {
		if done, err := em.tryBorderedRegion(&changed, pb); err != nil {
			return err
		} else if done {
			return em.flushSeeds()
		}
		if done, err := em.tryBBoxCache(&changed, pb); err != nil {
			return err
		} else if done {
			return em.flushSeeds()
		}
		if em.cfg.TileScan {
			if err := em.tryTileScan(&changed, pb); err != nil {
				return err
			}
		}
	}

	if err := em.writeRects(&changed, pb); err != nil {
		return err
	}
	return em.flushSeeds()
}

// trackFramebuffer resizes the volatility grid on resolution changes.
func (em *EncodeManager) trackFramebuffer(pb rfb.PixelBuffer) {
	if em.volatility == nil || pb.Width() != em.fbWidth || pb.Height() != em.fbHeight {
		em.fbWidth, em.fbHeight = pb.Width(), pb.Height()
		em.volatility = NewVolatilityMap(em.fbWidth, em.fbHeight,
			volatilityGridSize, volatilityWindowMs)
		// Stale refresh state is meaningless across a resize.
		em.lossyRegion.Clear()
		em.pendingRefreshRegion.Clear()
		em.recentlyChangedRegion.Clear()
	}
}

func (em *EncodeManager) writeCopyRects(copied rfb.Region, delta rfb.Point) error {
	for _, r := range copied.Rects() {
		src := rfb.Point{X: r.TL.X - delta.X, Y: r.TL.Y - delta.Y}
		if err := em.conn.Writer().WriteCopyRect(r, src); err != nil {
			return err
		}
		// A blit carries whatever quality the source had.
		if em.lossyRegion.OverlapsRect(r.Translate(rfb.Point{X: -delta.X, Y: -delta.Y})) {
			em.lossyRegion.AddRect(r)
		}
	}
	return nil
}

/*
   ---------------- Solid detection ----------------
*/

// writeSolidRects probes 16x16 blocks of the damage for solid colour,
// extends each find block-wise then pixel-wise, emits the solid rects and
// subtracts them from changed.
func (em *EncodeManager) writeSolidRects(changed *rfb.Region, pb rfb.PixelBuffer) error {
	rects := append([]rfb.Rect(nil), changed.Rects()...)
	for _, r := range rects {
		if err := em.findSolidRect(r, changed, pb); err != nil {
			return err
		}
	}
	return nil
}

func (em *EncodeManager) findSolidRect(bounds rfb.Rect, changed *rfb.Region, pb rfb.PixelBuffer) error {
	for y := bounds.TL.Y; y < bounds.BR.Y; y += solidProbeSize {
		for x := bounds.TL.X; x < bounds.BR.X; x += solidProbeSize {
			probe := rfb.MakeRect(x, y, solidProbeSize, solidProbeSize).Intersect(bounds)
			if probe.Empty() || !changed.OverlapsRect(probe) {
				continue
			}
			colour, ok := em.solidColour(probe, pb)
			if !ok {
				continue
			}
			er := em.extendSolidArea(probe, bounds, colour, pb)
			if er.Area() < solidProbeSize*solidProbeSize {
				continue
			}
			if err := em.writeSolidRect(er, colour, pb); err != nil {
				return err
			}
			changed.SubtractRect(er)
			em.lossyRegion.SubtractRect(er)
			em.pendingRefreshRegion.SubtractRect(er)
		}
	}
	return nil
}

// solidColour reports whether every pixel of r equals its first pixel.
func (em *EncodeManager) solidColour(r rfb.Rect, pb rfb.PixelBuffer) ([]byte, bool) {
	data, stride, err := pb.Buffer(r)
	if err != nil {
		return nil, false
	}
	bpp := pb.Format().BytesPerPixel()
	colour := data[:bpp]
	for y := 0; y < r.Height(); y++ {
		row := data[y*stride*bpp:]
		for x := 0; x < r.Width(); x++ {
			if !bytes.Equal(row[x*bpp:x*bpp+bpp], colour) {
				return nil, false
			}
		}
	}
	out := make([]byte, bpp)
	copy(out, colour)
	return out, true
}

// extendSolidArea grows a solid probe first by whole blocks, then by single
// rows/columns, staying inside bounds.
func (em *EncodeManager) extendSolidArea(seed, bounds rfb.Rect, colour []byte, pb rfb.PixelBuffer) rfb.Rect {
	er := seed
	// Block-wise growth downwards, then rightwards.
	for _, step := range []rfb.Point{{X: 0, Y: solidProbeSize}, {X: solidProbeSize, Y: 0}} {
		for {
			var next rfb.Rect
			if step.Y > 0 {
				next = rfb.Rect{TL: rfb.Point{X: er.TL.X, Y: er.BR.Y},
					BR: rfb.Point{X: er.BR.X, Y: er.BR.Y + step.Y}}
			} else {
				next = rfb.Rect{TL: rfb.Point{X: er.BR.X, Y: er.TL.Y},
					BR: rfb.Point{X: er.BR.X + step.X, Y: er.BR.Y}}
			}
			next = next.Intersect(bounds)
			if next.Empty() {
				break
			}
			if ok := em.isSolid(next, colour, pb); !ok {
				break
			}
			er = er.UnionBoundary(next)
		}
	}
	// Pixel-wise growth: one row/column at a time.
	for _, dir := range []int{0, 1, 2, 3} { // down, right, up, left
		for {
			var next rfb.Rect
			switch dir {
			case 0:
				next = rfb.Rect{TL: rfb.Point{X: er.TL.X, Y: er.BR.Y},
					BR: rfb.Point{X: er.BR.X, Y: er.BR.Y + 1}}
			case 1:
				next = rfb.Rect{TL: rfb.Point{X: er.BR.X, Y: er.TL.Y},
					BR: rfb.Point{X: er.BR.X + 1, Y: er.BR.Y}}
			case 2:
				next = rfb.Rect{TL: rfb.Point{X: er.TL.X, Y: er.TL.Y - 1},
					BR: rfb.Point{X: er.BR.X, Y: er.TL.Y}}
			case 3:
				next = rfb.Rect{TL: rfb.Point{X: er.TL.X - 1, Y: er.TL.Y},
					BR: rfb.Point{X: er.TL.X, Y: er.BR.Y}}
			}
			next = next.Intersect(bounds)
			if next.Empty() || !em.isSolid(next, colour, pb) {
				break
			}
			er = er.UnionBoundary(next)
		}
	}
	return er
}

func (em *EncodeManager) isSolid(r rfb.Rect, colour []byte, pb rfb.PixelBuffer) bool {
	data, stride, err := pb.Buffer(r)
	if err != nil {
		return false
	}
	bpp := pb.Format().BytesPerPixel()
	for y := 0; y < r.Height(); y++ {
		row := data[y*stride*bpp:]
		for x := 0; x < r.Width(); x++ {
			if !bytes.Equal(row[x*bpp:x*bpp+bpp], colour) {
				return false
			}
		}
	}
	return true
}

func (em *EncodeManager) writeSolidRect(r rfb.Rect, colour []byte, pb rfb.PixelBuffer) error {
	enc, err := em.pickEncoder()
	if err != nil {
		return err
	}
	w := em.conn.Writer()
	if err := w.WriteRectHeader(r, enc.Encoding()); err != nil {
		return err
	}
	return enc.WriteSolidRect(r.Width(), r.Height(), pb.Format(), colour, w)
}

/*
   ---------------- Region-level cache optimisations ----------------
*/

// tryBorderedRegion attempts a whole-region hit against the heuristic
// content sub-rectangle.  Only runs when damage covers at least the
// configured share of the content rect; a sparsely-damaged content rect is
// partly stale and must take the per-tile path.
func (em *EncodeManager) tryBorderedRegion(changed *rfb.Region, pb rfb.PixelBuffer) (bool, error) {
	if !em.cfg.BorderDetect {
		return false, nil
	}
	content, ok := em.cfg.Border.ContentRect(pb.Width(), pb.Height())
	if !ok {
		return false, nil
	}
	damageInContent := changed.Copy()
	damageInContent.IntersectRect(content)
	if damageInContent.Empty() {
		return false, nil
	}
	coverage := float64(damageInContent.Area()) / float64(content.Area())
	if coverage < em.cfg.CoverageThreshold {
		return false, nil
	}

	key := rfb.ComputeRectHash(pb, content)
	if key.IsZero() {
		return false, nil
	}
	id := key.CanonicalID()
	cs := em.conn.CacheState()
	if cs.Knows(id) && !cs.Requested(id) {
		if err := em.writeCacheRef(content, id, pb, false); err != nil {
			return false, err
		}
		changed.SubtractRect(content)
		// Anything damaged outside the content rect still goes the
		// normal way.
		return changed.Empty(), em.writeRects(changed, pb)
	}
	// Remember the content rect: after the damage is encoded normally,
	// seed its id so the next pass can reference it.
	em.seeds = append(em.seeds, seedCandidate{rect: content, id: id})
	return false, nil
}

// tryBBoxCache attempts one reference covering the whole damage bounding
// box.
func (em *EncodeManager) tryBBoxCache(changed *rfb.Region, pb rfb.PixelBuffer) (bool, error) {
	if !em.cfg.BBoxCache {
		return false, nil
	}
	bbox := changed.BoundingRect()
	if bbox.Area() < em.cfg.MinRectArea {
		return false, nil
	}
	// For large boxes sparse damage makes a whole-box hit pointless and
	// the hash expensive; require the same coverage bar as the bordered
	// path.
	coverage := float64(changed.Area()) / float64(bbox.Area())
	if coverage < em.cfg.CoverageThreshold {
		return false, nil
	}

	key := rfb.ComputeRectHash(pb, bbox)
	if key.IsZero() {
		return false, nil
	}
	id := key.CanonicalID()
	cs := em.conn.CacheState()

	matchedID, lossyMatch, found := em.resolveHit(cs, id)
	if found {
		if err := em.writeCacheRef(bbox, matchedID, pb, lossyMatch); err != nil {
			return false, err
		}
		changed.Clear()
		return true, nil
	}
	// Seed the bbox after the damage rects are encoded, enabling a
	// first-occurrence hit next time this exact screenful appears.
	em.seeds = append(em.seeds, seedCandidate{rect: bbox, id: id})
	return false, nil
}

// tryTileScan packs adjacent cache-hit tiles into larger rectangles and
// serves the largest one with a single reference.
func (em *EncodeManager) tryTileScan(changed *rfb.Region, pb rfb.PixelBuffer) error {
	bbox := changed.BoundingRect()
	if bbox.Area() < em.cfg.MinRectArea {
		return nil
	}
	classifier := &cacheTileClassifier{em: em}
	tiles, tilesX, tilesY := BuildTilingGrid(bbox, em.cfg.TileSize, pb, classifier)
	best, found := FindLargestHitRectangle(tiles, tilesX, tilesY, 4)
	logTileScan(em.log, bbox, tiles, found, best)
	if !found {
		return nil
	}
	// Verify the packed rect as a whole: tile-level hits do not imply the
	// composite hash is known.
	key := rfb.ComputeRectHash(pb, best.Rect)
	if key.IsZero() {
		return nil
	}
	id := key.CanonicalID()
	cs := em.conn.CacheState()
	matchedID, lossyMatch, found := em.resolveHit(cs, id)
	if !found {
		return nil
	}
	if err := em.writeCacheRef(best.Rect, matchedID, pb, lossyMatch); err != nil {
		return err
	}
	changed.SubtractRect(best.Rect)
	return nil
}

type cacheTileClassifier struct {
	em *EncodeManager
}

func (tc *cacheTileClassifier) ClassifyTile(tileRect rfb.Rect, pb rfb.PixelBuffer) TileCacheState {
	if tc.em.volatility.RectTouchesVolatile(tileRect) {
		return TileNotCacheable
	}
	key := rfb.ComputeRectHash(pb, tileRect)
	if key.IsZero() {
		return TileNotCacheable
	}
	cs := tc.em.conn.CacheState()
	if _, _, found := tc.em.resolveHit(cs, key.CanonicalID()); found {
		return TileHit
	}
	return TileInitCandidate
}

/*
   ---------------- Per-rect path ----------------
*/

func (em *EncodeManager) writeRects(changed *rfb.Region, pb rfb.PixelBuffer) error {
	for _, r := range changed.Rects() {
		if err := em.writeSubRect(r, pb); err != nil {
			return err
		}
	}
	changed.Clear()
	return nil
}

func (em *EncodeManager) writeSubRect(r rfb.Rect, pb rfb.PixelBuffer) error {
	if em.clientSupportsCache() && r.Area() >= em.cfg.MinRectArea {
		handled, err := em.tryCacheLookup(r, pb)
		if err != nil || handled {
			return err
		}
	}
	return em.writePlainRect(r, pb)
}

// resolveHit applies the hit preference order: the canonical (lossless) id
// first, the reported lossy id as fallback, and neither when the client
// explicitly requested a resend.
func (em *EncodeManager) resolveHit(cs *ClientCacheState, canonicalID uint64) (matchedID uint64, lossyMatch, found bool) {
	if cs.Requested(canonicalID) {
		return 0, false, false
	}
	if cs.Knows(canonicalID) {
		return canonicalID, false, true
	}
	if actual, ok := cs.LossyActual(canonicalID); ok && cs.Knows(actual) {
		return actual, true, true
	}
	return 0, false, false
}

// tryCacheLookup hashes the rect and emits either a reference (client knows
// the content) or an init (seed it now).  Returns false when the rect should
// take the plain path instead.
func (em *EncodeManager) tryCacheLookup(r rfb.Rect, pb rfb.PixelBuffer) (bool, error) {
	em.cacheStats.Lookups++

	key := rfb.ComputeRectHash(pb, r)
	if key.IsZero() {
		return false, nil
	}
	id := key.CanonicalID()
	cs := em.conn.CacheState()

	if matchedID, lossyMatch, found := em.resolveHit(cs, id); found {
		em.cacheStats.Hits++
		if err := em.writeCacheRef(r, matchedID, pb, lossyMatch); err != nil {
			return false, err
		}
		return true, nil
	}

	em.cacheStats.Misses++
	if err := em.writeCacheInit(r, id, pb); err != nil {
		return false, err
	}
	return true, nil
}

// writeCacheRef emits one reference and maintains refresh bookkeeping.  A
// hit on a lossy entry keeps the rect in lossyRegion so the lossless refresh
// eventually upgrades it.
func (em *EncodeManager) writeCacheRef(r rfb.Rect, id uint64, pb rfb.PixelBuffer, lossyMatch bool) error {
	w := em.conn.Writer()
	if err := w.WriteCachedRect(r, id); err != nil {
		return err
	}
	cs := em.conn.CacheState()
	cs.MarkReferenced(id, r)

	pf := em.conn.ClientFormat()
	em.bandwidth.TrackRef(r, pf)
	equivalent := uint64(rfb.RectHeaderSize + r.Area()*pf.BytesPerPixel())
	em.cacheStats.BytesSaved += equivalent - refOverheadBytes

	if !lossyMatch {
		em.lossyRegion.SubtractRect(r)
	}
	em.pendingRefreshRegion.SubtractRect(r)

	if ccDebug {
		em.log.Debug("cache hit",
			zap.String("rect", rectString(r)),
			zap.Uint64("id", id),
			zap.Bool("lossy", lossyMatch))
	}
	return nil
}

// writeCacheInit emits the reference header plus an encoded payload, after
// which the id is treated as known (pending confirmation).
func (em *EncodeManager) writeCacheInit(r rfb.Rect, id uint64, pb rfb.PixelBuffer) error {
	enc, err := em.pickEncoder()
	if err != nil {
		return err
	}

	w := em.conn.Writer()
	if err := w.WriteCachedRectInit(r, id, enc.Encoding()); err != nil {
		return err
	}
	before := w.BytesWritten()
	sub, err := rfb.SubBuffer(pb, r)
	if err != nil {
		return err
	}
	if err := enc.WriteRect(sub, nil, w); err != nil {
		return err
	}
	payloadBytes := w.BytesWritten() - before

	cs := em.conn.CacheState()
	cs.MarkInitSent(id)
	cs.ClearRequest(id)

	em.bandwidth.TrackInit(r, em.conn.ClientFormat(), payloadBytes)

	if em.payloadIsLossy(enc) {
		em.lossyRegion.AddRect(r)
	} else {
		em.lossyRegion.SubtractRect(r)
	}
	em.pendingRefreshRegion.SubtractRect(r)

	if ccDebug {
		em.log.Debug("cache init",
			zap.String("rect", rectString(r)),
			zap.Uint64("id", id),
			zap.Int32("encoding", enc.Encoding()),
			zap.Int("payloadBytes", payloadBytes))
	}
	return nil
}

// flushSeeds emits queued CachedSeed rectangles.  Seeds go out after every
// normal rect so the client's framebuffer already holds the pixels being
// associated.
func (em *EncodeManager) flushSeeds() error {
	cs := em.conn.CacheState()
	for _, s := range em.seeds {
		if cs.Knows(s.id) {
			continue
		}
		if err := em.conn.Writer().WriteCachedRectSeed(s.rect, s.id); err != nil {
			return err
		}
		cs.MarkInitSent(s.id)
	}
	em.seeds = em.seeds[:0]
	return nil
}

/*
   ---------------- Plain encoding ----------------
*/

// pickEncoder returns the first preferred encoding the registry provides.
func (em *EncodeManager) pickEncoder() (rfb.Encoder, error) {
	for _, encoding := range em.cfg.PreferredEncodings {
		if enc, err := em.codecs.Encoder(encoding); err == nil {
			return enc, nil
		}
	}
	return nil, fmt.Errorf("server: no usable encoder registered")
}

// pickLosslessEncoder returns a preferred encoder that is not lossy at its
// current settings.
func (em *EncodeManager) pickLosslessEncoder() (rfb.Encoder, error) {
	for _, encoding := range em.cfg.PreferredEncodings {
		enc, err := em.codecs.Encoder(encoding)
		if err != nil {
			continue
		}
		if !em.payloadIsLossy(enc) {
			return enc, nil
		}
	}
	return nil, fmt.Errorf("server: no lossless encoder registered")
}

func (em *EncodeManager) payloadIsLossy(enc rfb.Encoder) bool {
	if enc.Flags()&rfb.DecoderLossy == 0 {
		return false
	}
	lq := enc.LosslessQuality()
	return lq == -1 || enc.QualityLevel() < lq
}

func (em *EncodeManager) writePlainRect(r rfb.Rect, pb rfb.PixelBuffer) error {
	enc, err := em.pickEncoder()
	if err != nil {
		return err
	}
	w := em.conn.Writer()
	if err := w.WriteRectHeader(r, enc.Encoding()); err != nil {
		return err
	}
	sub, err := rfb.SubBuffer(pb, r)
	if err != nil {
		return err
	}
	if err := enc.WriteRect(sub, nil, w); err != nil {
		return err
	}
	if em.payloadIsLossy(enc) {
		em.lossyRegion.AddRect(r)
	} else {
		em.lossyRegion.SubtractRect(r)
	}
	return nil
}

/*
   ---------------- Lossless refresh ----------------
*/

// TickRefresh moves quiesced lossy areas into the pending refresh region.
// Call periodically (the 50 ms activity timer).
func (em *EncodeManager) TickRefresh(now time.Time) {
	if em.lossyRegion.Empty() {
		return
	}
	if now.Sub(em.lastChangeAt) < losslessRefreshDelay {
		return
	}
	quiesced := em.lossyRegion.Copy()
	quiesced.Subtract(&em.recentlyChangedRegion)
	em.pendingRefreshRegion.Union(&quiesced)
	em.recentlyChangedRegion.Clear()
}

// NeedsLosslessRefresh reports whether any of req awaits a lossless re-send.
func (em *EncodeManager) NeedsLosslessRefresh(req rfb.Region) bool {
	pending := em.pendingRefreshRegion.Copy()
	pending.Intersect(&req)
	return !pending.Empty()
}

// PruneLosslessRefresh clips refresh state to the given limits (e.g. after a
// framebuffer resize).
func (em *EncodeManager) PruneLosslessRefresh(limits rfb.Rect) {
	em.lossyRegion.IntersectRect(limits)
	em.pendingRefreshRegion.IntersectRect(limits)
	em.recentlyChangedRegion.IntersectRect(limits)
}

// ForceRefresh queues req for a lossless re-send regardless of quiescence.
func (em *EncodeManager) ForceRefresh(req rfb.Region) {
	em.pendingRefreshRegion.Union(&req)
}

// WriteLosslessRefresh re-sends pending regions with strictly lossless
// encoders until maxBytes of wire traffic is produced or the region is
// drained.  Refreshed areas leave both refresh regions; the client converges
// pixel-perfectly.
func (em *EncodeManager) WriteLosslessRefresh(req rfb.Region, pb rfb.PixelBuffer, maxBytes int) error {
	pending := em.pendingRefreshRegion.Copy()
	pending.Intersect(&req)
	if pending.Empty() {
		return nil
	}
	enc, err := em.pickLosslessEncoder()
	if err != nil {
		return err
	}
	w := em.conn.Writer()
	start := w.BytesWritten()
	for _, r := range pending.Rects() {
		if err := w.WriteRectHeader(r, enc.Encoding()); err != nil {
			return err
		}
		sub, err := rfb.SubBuffer(pb, r)
		if err != nil {
			return err
		}
		if err := enc.WriteRect(sub, nil, w); err != nil {
			return err
		}
		em.pendingRefreshRegion.SubtractRect(r)
		em.lossyRegion.SubtractRect(r)
		if maxBytes > 0 && w.BytesWritten()-start >= maxBytes {
			break
		}
	}
	return nil
}

// LogStats emits end-of-session counters.
func (em *EncodeManager) LogStats() {
	ks := em.conn.CacheState().KnownStats()
	em.log.Info("encode manager stats",
		zap.Uint64("updates", em.updates),
		zap.Uint64("cacheLookups", em.cacheStats.Lookups),
		zap.Uint64("cacheHits", em.cacheStats.Hits),
		zap.Uint64("cacheMisses", em.cacheStats.Misses),
		zap.Uint64("bytesSaved", em.cacheStats.BytesSaved),
		zap.Int("clientKnownIds", ks.CurrentSize),
		zap.String("bandwidth", em.bandwidth.FormatSummary("cache")))
}
