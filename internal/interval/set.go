// Package interval keeps an ordered set of non-overlapping address ranges.
//
// The set is a sorted slice: lookups are binary searches and edits copy
// at most the tail of the slice. Removing a range that cuts through a
// segment trims or splits it; the split callback lets the caller carry
// per-segment state (such as a file offset) over to the surviving tail.
package interval

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ErrOverlap is returned by Insert when the new range intersects a live segment.
var ErrOverlap = errors.New("interval: range overlaps existing segment")

// ErrEmpty is returned for ranges with End <= Start.
var ErrEmpty = errors.New("interval: empty range")

// Range is the half-open address range [Start, End).
type Range struct {
	Start uintptr
	End   uintptr
}

// Len returns End-Start.
func (r Range) Len() uintptr { return r.End - r.Start }

// Overlaps reports whether r and o share at least one address.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Contains reports whether o lies entirely inside r.
func (r Range) Contains(o Range) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// Intersect returns the common part of r and o. The result is empty when
// they do not overlap.
func (r Range) Intersect(o Range) Range {
	out := Range{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// Segment is a range plus its value.
type Segment[V any] struct {
	Range
	Value V
}

// SplitFunc derives the value of the piece that starts delta bytes into a
// segment whose value is v.
type SplitFunc[V any] func(v V, delta uintptr) V

// Set is an ordered collection of non-overlapping segments.
// The zero value is not usable; call New.
type Set[V any] struct {
	segs  []Segment[V]
	split SplitFunc[V]
}

// New returns an empty set. split may be nil when values do not depend on
// their position inside a segment.
func New[V any](split SplitFunc[V]) *Set[V] {
	if split == nil {
		split = func(v V, _ uintptr) V { return v }
	}
	return &Set[V]{split: split}
}

// Len returns the number of segments.
func (s *Set[V]) Len() int { return len(s.segs) }

// Segments returns a copy of all segments in address order.
func (s *Set[V]) Segments() []Segment[V] {
	return slices.Clone(s.segs)
}

// first returns the index of the first segment whose End is above addr.
func (s *Set[V]) first(addr uintptr) int {
	return sort.Search(len(s.segs), func(i int) bool {
		return s.segs[i].End > addr
	})
}

// Find returns the segment containing addr.
func (s *Set[V]) Find(addr uintptr) (Segment[V], bool) {
	i := s.first(addr)
	if i < len(s.segs) && s.segs[i].Start <= addr {
		return s.segs[i], true
	}
	return Segment[V]{}, false
}

// Overlapping returns every segment intersecting r, in address order.
func (s *Set[V]) Overlapping(r Range) []Segment[V] {
	var out []Segment[V]
	for i := s.first(r.Start); i < len(s.segs) && s.segs[i].Start < r.End; i++ {
		out = append(out, s.segs[i])
	}
	return out
}

// IsFree reports whether no segment intersects r.
func (s *Set[V]) IsFree(r Range) bool {
	i := s.first(r.Start)
	return i == len(s.segs) || s.segs[i].Start >= r.End
}

// Covered reports whether r is fully covered by segments with no gaps.
func (s *Set[V]) Covered(r Range) bool {
	next := r.Start
	for i := s.first(r.Start); i < len(s.segs) && next < r.End; i++ {
		if s.segs[i].Start > next {
			return false
		}
		next = s.segs[i].End
	}
	return next >= r.End
}

// Insert adds a new segment. It fails with ErrOverlap if any address in r is
// already taken.
func (s *Set[V]) Insert(r Range, v V) error {
	if r.End <= r.Start {
		return fmt.Errorf("%w: %s", ErrEmpty, r)
	}
	i := s.first(r.Start)
	if i < len(s.segs) && s.segs[i].Start < r.End {
		return fmt.Errorf("%w: %s intersects %s", ErrOverlap, r, s.segs[i].Range)
	}
	s.segs = slices.Insert(s.segs, i, Segment[V]{Range: r, Value: v})
	return nil
}

// Remove deletes r from the set. Segments straddling the edges of r are
// trimmed; a segment strictly containing r is split in two. The removed
// pieces are returned in address order.
func (s *Set[V]) Remove(r Range) []Segment[V] {
	if r.End <= r.Start {
		return nil
	}
	lo := s.first(r.Start)
	hi := lo
	for hi < len(s.segs) && s.segs[hi].Start < r.End {
		hi++
	}
	if lo == hi {
		return nil
	}

	var removed, keep []Segment[V]
	for _, seg := range s.segs[lo:hi] {
		cut := seg.Intersect(r)
		removed = append(removed, Segment[V]{
			Range: cut,
			Value: s.split(seg.Value, cut.Start-seg.Start),
		})
		if seg.Start < cut.Start {
			keep = append(keep, Segment[V]{
				Range: Range{Start: seg.Start, End: cut.Start},
				Value: seg.Value,
			})
		}
		if cut.End < seg.End {
			keep = append(keep, Segment[V]{
				Range: Range{Start: cut.End, End: seg.End},
				Value: s.split(seg.Value, cut.End-seg.Start),
			})
		}
	}
	s.segs = slices.Replace(s.segs, lo, hi, keep...)
	return removed
}

// Update applies fn to the part of every segment that intersects r,
// splitting segments at the edges of r. It returns the number of bytes
// updated.
func (s *Set[V]) Update(r Range, fn func(V) V) uintptr {
	pieces := s.Remove(r)
	var n uintptr
	for _, p := range pieces {
		// Remove just vacated p.Range, so Insert cannot overlap.
		_ = s.Insert(p.Range, fn(p.Value))
		n += p.Len()
	}
	return n
}

// Clear drops every segment.
func (s *Set[V]) Clear() {
	s.segs = nil
}
