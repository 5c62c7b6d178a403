package rfb

// geom.go provides the small geometry vocabulary used throughout the cache
// core: points, axis-aligned rectangles and regions (unions of disjoint
// rectangles).  Rectangles are half-open: [TL.X, BR.X) x [TL.Y, BR.Y), so an
// empty rect has BR <= TL on either axis.
//
// Region keeps its rectangles disjoint at all times.  The algebra here is
// deliberately simple — subtract fragments a rect into at most four pieces,
// union is subtract-then-append — because regions in this codebase are tiny
// (damage regions of a desktop, rarely more than a few dozen rects).

// Point is a pixel coordinate.
type Point struct {
	X, Y int
}

// Translate returns the point shifted by d.
func (p Point) Translate(d Point) Point {
	return Point{p.X + d.X, p.Y + d.Y}
}

// Rect is a half-open rectangle [TL, BR).
type Rect struct {
	TL, BR Point
}

// MakeRect builds a rect from origin and size.
func MakeRect(x, y, w, h int) Rect {
	return Rect{Point{x, y}, Point{x + w, y + h}}
}

// Width returns the horizontal extent; zero or negative means empty.
func (r Rect) Width() int { return r.BR.X - r.TL.X }

// Height returns the vertical extent.
func (r Rect) Height() int { return r.BR.Y - r.TL.Y }

// Area returns Width*Height, or 0 for empty rects.
func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.Width() * r.Height()
}

// Empty reports whether the rect covers no pixels.
func (r Rect) Empty() bool {
	return r.BR.X <= r.TL.X || r.BR.Y <= r.TL.Y
}

// Contains reports whether other lies fully inside r.
func (r Rect) Contains(other Rect) bool {
	return other.TL.X >= r.TL.X && other.TL.Y >= r.TL.Y &&
		other.BR.X <= r.BR.X && other.BR.Y <= r.BR.Y
}

// ContainsPoint reports whether p lies inside r.
func (r Rect) ContainsPoint(p Point) bool {
	return p.X >= r.TL.X && p.X < r.BR.X && p.Y >= r.TL.Y && p.Y < r.BR.Y
}

// Overlaps reports whether the two rects share at least one pixel.
func (r Rect) Overlaps(other Rect) bool {
	return !r.Intersect(other).Empty()
}

// Intersect returns the overlapping area of the two rects (possibly empty).
func (r Rect) Intersect(other Rect) Rect {
	out := Rect{
		Point{max(r.TL.X, other.TL.X), max(r.TL.Y, other.TL.Y)},
		Point{min(r.BR.X, other.BR.X), min(r.BR.Y, other.BR.Y)},
	}
	return out
}

// UnionBoundary returns the smallest rect covering both inputs.  Empty inputs
// are ignored.
func (r Rect) UnionBoundary(other Rect) Rect {
	if r.Empty() {
		return other
	}
	if other.Empty() {
		return r
	}
	return Rect{
		Point{min(r.TL.X, other.TL.X), min(r.TL.Y, other.TL.Y)},
		Point{max(r.BR.X, other.BR.X), max(r.BR.Y, other.BR.Y)},
	}
}

// Translate returns the rect shifted by d.
func (r Rect) Translate(d Point) Rect {
	return Rect{r.TL.Translate(d), r.BR.Translate(d)}
}

// Equals reports exact coordinate equality.
func (r Rect) Equals(other Rect) bool {
	return r.TL == other.TL && r.BR == other.BR
}

// subtractRect returns the parts of r not covered by s: up to four fragments
// (above, below, left, right of the overlap).
func subtractRect(r, s Rect) []Rect {
	ov := r.Intersect(s)
	if ov.Empty() {
		return []Rect{r}
	}
	if ov.Equals(r) {
		return nil
	}
	var out []Rect
	if ov.TL.Y > r.TL.Y { // band above
		out = append(out, Rect{r.TL, Point{r.BR.X, ov.TL.Y}})
	}
	if ov.BR.Y < r.BR.Y { // band below
		out = append(out, Rect{Point{r.TL.X, ov.BR.Y}, r.BR})
	}
	if ov.TL.X > r.TL.X { // left of overlap
		out = append(out, Rect{Point{r.TL.X, ov.TL.Y}, Point{ov.TL.X, ov.BR.Y}})
	}
	if ov.BR.X < r.BR.X { // right of overlap
		out = append(out, Rect{Point{ov.BR.X, ov.TL.Y}, Point{r.BR.X, ov.BR.Y}})
	}
	return out
}

// Region is a set of pixels represented as disjoint rectangles.  The zero
// value is an empty region.  Region values are cheap to copy; all mutating
// methods operate on the receiver pointer.
type Region struct {
	rects []Rect
}

// NewRegion builds a region covering a single rect.
func NewRegion(r Rect) Region {
	if r.Empty() {
		return Region{}
	}
	return Region{rects: []Rect{r}}
}

// Empty reports whether the region covers no pixels.
func (rg *Region) Empty() bool { return len(rg.rects) == 0 }

// NumRects returns the number of disjoint rectangles.
func (rg *Region) NumRects() int { return len(rg.rects) }

// Rects returns the disjoint rectangles making up the region.  The returned
// slice is owned by the region and must not be modified.
func (rg *Region) Rects() []Rect { return rg.rects }

// Area sums the pixel count of all rects.
func (rg *Region) Area() int {
	total := 0
	for _, r := range rg.rects {
		total += r.Area()
	}
	return total
}

// BoundingRect returns the smallest rect covering the whole region.
func (rg *Region) BoundingRect() Rect {
	var out Rect
	for _, r := range rg.rects {
		out = out.UnionBoundary(r)
	}
	return out
}

// Clear empties the region.
func (rg *Region) Clear() { rg.rects = nil }

// Copy returns an independent copy.
func (rg *Region) Copy() Region {
	out := make([]Rect, len(rg.rects))
	copy(out, rg.rects)
	return Region{rects: out}
}

// AddRect unions a single rect into the region.
func (rg *Region) AddRect(r Rect) {
	if r.Empty() {
		return
	}
	// Keep rects disjoint: strip what we already cover, then append.
	pending := []Rect{r}
	for _, have := range rg.rects {
		var next []Rect
		for _, p := range pending {
			next = append(next, subtractRect(p, have)...)
		}
		pending = next
		if len(pending) == 0 {
			return
		}
	}
	rg.rects = append(rg.rects, pending...)
}

// Union merges other into the receiver.
func (rg *Region) Union(other *Region) {
	for _, r := range other.rects {
		rg.AddRect(r)
	}
}

// SubtractRect removes a rect from the region.
func (rg *Region) SubtractRect(r Rect) {
	if r.Empty() || rg.Empty() {
		return
	}
	var out []Rect
	for _, have := range rg.rects {
		out = append(out, subtractRect(have, r)...)
	}
	rg.rects = out
}

// Subtract removes other from the receiver.
func (rg *Region) Subtract(other *Region) {
	for _, r := range other.rects {
		rg.SubtractRect(r)
	}
}

// IntersectRect clips the region to a rect.
func (rg *Region) IntersectRect(clip Rect) {
	var out []Rect
	for _, have := range rg.rects {
		ov := have.Intersect(clip)
		if !ov.Empty() {
			out = append(out, ov)
		}
	}
	rg.rects = out
}

// Intersect clips the region to another region.
func (rg *Region) Intersect(other *Region) {
	var out []Rect
	for _, have := range rg.rects {
		for _, o := range other.rects {
			ov := have.Intersect(o)
			if !ov.Empty() {
				out = append(out, ov)
			}
		}
	}
	rg.rects = out
}

// OverlapsRect reports whether any part of the region intersects r.
func (rg *Region) OverlapsRect(r Rect) bool {
	for _, have := range rg.rects {
		if have.Overlaps(r) {
			return true
		}
	}
	return false
}

// Overlaps reports whether the two regions share any pixel.
func (rg *Region) Overlaps(other *Region) bool {
	for _, r := range other.rects {
		if rg.OverlapsRect(r) {
			return true
		}
	}
	return false
}

// Translate shifts the whole region by d.
func (rg *Region) Translate(d Point) {
	for i := range rg.rects {
		rg.rects[i] = rg.rects[i].Translate(d)
	}
}
