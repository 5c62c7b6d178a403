package server

// bandwidth.go accounts cache protocol bytes against an estimated raw
// baseline so sessions can report how much the cache actually saved.

import (
	"fmt"

	"github.com/pixelcache/pixelcache/rfb"
)

// refOverheadBytes is the wire cost of one cache reference: 12-byte rect
// header plus the 8-byte id.
const refOverheadBytes = rfb.RectHeaderSize + 8

// initOverheadBytes adds the inner-encoding field on top of a reference.
const initOverheadBytes = refOverheadBytes + 4

// CacheProtocolStats accumulates cache wire usage for one connection.
type CacheProtocolStats struct {
	CachedRectBytes     uint64
	CachedRectCount     uint32
	CachedRectInitBytes uint64
	CachedRectInitCount uint32

	// AlternativeBytes estimates what the same rects would have cost as
	// raw pixels.
	AlternativeBytes uint64
}

// TrackRef accounts one cache reference for rect r under format pf.
func (s *CacheProtocolStats) TrackRef(r rfb.Rect, pf rfb.PixelFormat) {
	s.CachedRectCount++
	s.CachedRectBytes += refOverheadBytes
	s.AlternativeBytes += uint64(rfb.RectHeaderSize + r.Area()*pf.BytesPerPixel())
}

// TrackInit accounts one cache init whose encoded payload was
// compressedBytes long.
func (s *CacheProtocolStats) TrackInit(r rfb.Rect, pf rfb.PixelFormat, compressedBytes int) {
	s.CachedRectInitCount++
	s.CachedRectInitBytes += uint64(initOverheadBytes + compressedBytes)
	s.AlternativeBytes += uint64(rfb.RectHeaderSize + r.Area()*pf.BytesPerPixel())
}

// BandwidthSaved returns bytes saved versus the raw baseline, clamped at 0.
func (s *CacheProtocolStats) BandwidthSaved() uint64 {
	used := s.CachedRectBytes + s.CachedRectInitBytes
	if s.AlternativeBytes <= used {
		return 0
	}
	return s.AlternativeBytes - used
}

// ReductionPercentage returns the saving as a percentage of the baseline.
func (s *CacheProtocolStats) ReductionPercentage() float64 {
	used := s.CachedRectBytes + s.CachedRectInitBytes
	if s.AlternativeBytes == 0 || used >= s.AlternativeBytes {
		return 0
	}
	return 100 * float64(s.AlternativeBytes-used) / float64(s.AlternativeBytes)
}

// FormatSummary renders a one-line summary for session-end logging.
func (s *CacheProtocolStats) FormatSummary(label string) string {
	return fmt.Sprintf("%s: %d refs (%d B), %d inits (%d B), saved %d B (%.1f%%)",
		label, s.CachedRectCount, s.CachedRectBytes,
		s.CachedRectInitCount, s.CachedRectInitBytes,
		s.BandwidthSaved(), s.ReductionPercentage())
}
