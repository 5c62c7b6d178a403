// Package arc implements a generic byte-budgeted Adaptive Replacement Cache.
//
// Reference: N. Megiddo & D. Modha, "ARC: A Self-Tuning, Low Overhead
// Replacement Cache", FAST 2003.
//
// Our flavour differs from the paper in two ways dictated by the cache-engine
// use-case:
//   - capacity is expressed in bytes (a user-supplied size function prices
//     each entry), not in entry counts;
//   - ghost lists are trimmed to a multiple of the resident population rather
//     than the paper's fixed 2c bound, because entry sizes vary wildly.
//
// Every resident key lives on exactly one of T1 (seen once) or T2 (frequent);
// every ghost key lives on B1 (evicted from T1) or B2 (evicted from T2).  The
// adaptive scalar p tracks the byte target for T1.
//
// The cache performs no locking: in the engine all mutation happens on the
// connection's main goroutine.  External synchronisation is the caller's job.
package arc

import (
	"container/list"
)

// listID identifies which ARC list a key currently sits on.
type listID uint8

const (
	listNone listID = iota
	listT1
	listT2
	listB1
	listB2
)

// SizeFunc prices an entry in bytes.  It must be cheap and deterministic for
// a given value.
type SizeFunc[V any] func(V) uint64

// EvictFunc is invoked for every resident entry displaced by capacity
// pressure, before the entry is dropped.  It runs in the calling goroutine
// and must not re-enter the cache.
type EvictFunc[K comparable, V any] func(key K, val V)

// Stats is a point-in-time snapshot of cache state and counters.
type Stats struct {
	Entries   int
	Bytes     uint64
	Hits      uint64
	Misses    uint64
	Evictions uint64

	T1Len    int
	T2Len    int
	B1Len    int
	B2Len    int
	TargetT1 uint64 // adaptive p, in bytes
}

type node[K comparable] struct {
	key  K
	list listID
	elem *list.Element
}

// Cache is a byte-budgeted ARC.  Not safe for concurrent use.
type Cache[K comparable, V any] struct {
	maxBytes uint64
	curBytes uint64
	p        uint64 // target size of T1 in bytes

	t1, t2, b1, b2 *list.List // of K (Element.Value is K)
	nodes          map[K]*node[K]
	entries        map[K]V

	sizeFn  SizeFunc[V]
	evictCb EvictFunc[K, V]

	hits, misses, evictions uint64
}

// New constructs an ARC with the given byte budget.  sizeFn must be non-nil;
// evictCb may be nil.
func New[K comparable, V any](maxBytes uint64, sizeFn SizeFunc[V], evictCb EvictFunc[K, V]) *Cache[K, V] {
	if sizeFn == nil {
		panic("arc: sizeFn must be provided")
	}
	return &Cache[K, V]{
		maxBytes: maxBytes,
		t1:       list.New(),
		t2:       list.New(),
		b1:       list.New(),
		b2:       list.New(),
		nodes:    make(map[K]*node[K]),
		entries:  make(map[K]V),
		sizeFn:   sizeFn,
		evictCb:  evictCb,
	}
}

// Len returns the number of resident entries.
func (c *Cache[K, V]) Len() int { return len(c.entries) }

// Bytes returns the resident byte total.
func (c *Cache[K, V]) Bytes() uint64 { return c.curBytes }

// MaxBytes returns the configured budget.
func (c *Cache[K, V]) MaxBytes() uint64 { return c.maxBytes }

// Has reports residency without promoting.
func (c *Cache[K, V]) Has(key K) bool {
	_, ok := c.entries[key]
	return ok
}

// Get returns the resident value for key, promoting it to the front of T2.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.entries[key]
	if !ok {
		var zero V
		c.misses++
		return zero, false
	}
	c.moveToFront(key, listT2)
	c.hits++
	return v, true
}

// Peek returns the resident value without touching recency state.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	v, ok := c.entries[key]
	return v, ok
}

// Keys returns every resident key, unordered.
func (c *Cache[K, V]) Keys() []K {
	out := make([]K, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

// Insert admits or updates an entry.  Entries larger than the whole budget
// are dropped silently (counted as a miss).  May evict several entries to
// make room.
func (c *Cache[K, V]) Insert(key K, val V) {
	sz := c.sizeFn(val)
	if sz > c.maxBytes {
		c.misses++
		return
	}

	if old, resident := c.entries[key]; resident {
		// Replace in place and promote; a larger value may displace
		// other entries to stay within budget.
		c.curBytes -= c.sizeFn(old)
		delete(c.entries, key)
		c.detach(key)
		c.replace(sz)
		c.attach(key, listT2)
		c.entries[key] = val
		c.curBytes += sz
		return
	}

	n := c.nodes[key]
	switch {
	case n != nil && n.list == listB1:
		// Ghost hit in B1: grow p towards maxBytes, then admit to T2.
		delta := uint64(1)
		if c.b1.Len() > 0 {
			delta = max(1, uint64(c.b2.Len()/c.b1.Len()))
		}
		c.p = min(c.maxBytes, c.p+delta)
		c.replace(sz)
		c.detach(key)
		c.attach(key, listT2)
	case n != nil && n.list == listB2:
		// Ghost hit in B2: shrink p towards zero, then admit to T2.
		delta := uint64(1)
		if c.b2.Len() > 0 {
			delta = max(1, uint64(c.b1.Len()/c.b2.Len()))
		}
		if delta > c.p {
			c.p = 0
		} else {
			c.p -= delta
		}
		c.replace(sz)
		c.detach(key)
		c.attach(key, listT2)
	default:
		// Brand-new key: make room, admit to T1.
		if c.curBytes+sz > c.maxBytes {
			c.replace(sz)
		}
		c.detach(key)
		c.attach(key, listT1)
		c.misses++
	}

	c.entries[key] = val
	c.curBytes += sz
}

// Remove drops a key entirely, resident or ghost.  The eviction callback is
// not invoked; explicit removal is not capacity pressure.  Returns the
// removed value if it was resident.
func (c *Cache[K, V]) Remove(key K) (V, bool) {
	var zero V
	v, resident := c.entries[key]
	if resident {
		c.curBytes -= c.sizeFn(v)
		delete(c.entries, key)
	}
	c.detach(key)
	if !resident {
		return zero, false
	}
	return v, true
}

// Clear drops everything, including ghosts and counters' basis state (the
// hit/miss totals are preserved).
func (c *Cache[K, V]) Clear() {
	c.t1.Init()
	c.t2.Init()
	c.b1.Init()
	c.b2.Init()
	c.nodes = make(map[K]*node[K])
	c.entries = make(map[K]V)
	c.curBytes = 0
	c.p = 0
}

// Snapshot returns current stats.
func (c *Cache[K, V]) Snapshot() Stats {
	return Stats{
		Entries:   len(c.entries),
		Bytes:     c.curBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		T1Len:     c.t1.Len(),
		T2Len:     c.t2.Len(),
		B1Len:     c.b1.Len(),
		B2Len:     c.b2.Len(),
		TargetT1:  c.p,
	}
}

/*
   ---------------- List plumbing ----------------
*/

func (c *Cache[K, V]) listFor(id listID) *list.List {
	switch id {
	case listT1:
		return c.t1
	case listT2:
		return c.t2
	case listB1:
		return c.b1
	case listB2:
		return c.b2
	}
	return nil
}

// attach places key at the front of dst, creating tracking state.
func (c *Cache[K, V]) attach(key K, dst listID) {
	l := c.listFor(dst)
	n := c.nodes[key]
	if n == nil {
		n = &node[K]{key: key}
		c.nodes[key] = n
	}
	n.list = dst
	n.elem = l.PushFront(key)
}

// detach removes key from whatever list holds it and forgets it.
func (c *Cache[K, V]) detach(key K) {
	n := c.nodes[key]
	if n == nil {
		return
	}
	if l := c.listFor(n.list); l != nil && n.elem != nil {
		l.Remove(n.elem)
	}
	delete(c.nodes, key)
}

// moveToFront relocates a tracked key to the front of dst.
func (c *Cache[K, V]) moveToFront(key K, dst listID) {
	n := c.nodes[key]
	if n == nil {
		c.attach(key, dst)
		return
	}
	if l := c.listFor(n.list); l != nil && n.elem != nil {
		l.Remove(n.elem)
	}
	n.list = dst
	n.elem = c.listFor(dst).PushFront(key)
}

// bytesOfT1 sums resident sizes on T1.
func (c *Cache[K, V]) bytesOfT1() uint64 {
	var sum uint64
	for e := c.t1.Front(); e != nil; e = e.Next() {
		if v, ok := c.entries[e.Value.(K)]; ok {
			sum += c.sizeFn(v)
		}
	}
	return sum
}

// replace evicts resident entries until incoming fits, moving victims to the
// appropriate ghost list.
func (c *Cache[K, V]) replace(incoming uint64) {
	for c.curBytes+incoming > c.maxBytes {
		if c.t1.Len() == 0 && c.t2.Len() == 0 {
			return
		}

		evictT1 := false
		switch {
		case c.t1.Len() > 0 && c.bytesOfT1() > c.p:
			evictT1 = true
		case c.t2.Len() == 0:
			evictT1 = c.t1.Len() > 0
		}

		src, ghost := c.t2, listB2
		if evictT1 {
			src, ghost = c.t1, listB1
		}

		back := src.Back()
		if back == nil {
			return
		}
		victim := back.Value.(K)
		if v, resident := c.entries[victim]; resident {
			c.curBytes -= c.sizeFn(v)
			if c.evictCb != nil {
				c.evictCb(victim, v)
			}
			delete(c.entries, victim)
			c.evictions++
		}
		c.detach(victim)
		c.attach(victim, ghost)

		c.trimGhosts()
	}
}

// trimGhosts bounds B1/B2 to 4x the resident population.
func (c *Cache[K, V]) trimGhosts() {
	maxGhost := 4 * (c.t1.Len() + c.t2.Len() + 1)
	for c.b1.Len() > maxGhost {
		c.detach(c.b1.Back().Value.(K))
	}
	for c.b2.Len() > maxGhost {
		c.detach(c.b2.Back().Value.(K))
	}
}
