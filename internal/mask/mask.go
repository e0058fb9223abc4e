// Package mask holds point-index masks produced by image-space segmentation and the
// operators that combine them with the current selection.
package mask

import (
	"errors"
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/splat-tiles/server/internal/selection"
	"github.com/splat-tiles/server/internal/splat"
)

// Set is a set of point indices. The zero value is not usable; use NewSet.
type Set struct {
	bm *roaring.Bitmap
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{bm: roaring.New()}
}

// FromIndices builds a set from point indices. Negative indices are ignored.
func FromIndices(indices ...int) *Set {
	s := NewSet()
	for _, i := range indices {
		s.Add(i)
	}
	return s
}

// Add inserts point i.
func (s *Set) Add(i int) {
	if i < 0 {
		return
	}
	s.bm.Add(uint32(i))
}

// Contains reports whether point i is in the set.
func (s *Set) Contains(i int) bool {
	if s == nil || i < 0 {
		return false
	}
	return s.bm.Contains(uint32(i))
}

// Len returns the number of points.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return int(s.bm.GetCardinality())
}

// IsEmpty reports whether the set has no points.
func (s *Set) IsEmpty() bool { return s.Len() == 0 }

// Equal reports whether both sets hold the same points.
func (s *Set) Equal(o *Set) bool {
	if s.IsEmpty() || o.IsEmpty() {
		return s.IsEmpty() && o.IsEmpty()
	}
	return s.bm.Equals(o.bm)
}

// Clone returns an independent copy.
func (s *Set) Clone() *Set {
	if s == nil {
		return NewSet()
	}
	return &Set{bm: s.bm.Clone()}
}

// Indices returns the points in ascending order.
func (s *Set) Indices() []int {
	if s == nil {
		return nil
	}
	out := make([]int, 0, s.Len())
	it := s.bm.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// Predicate exposes membership as a selection predicate.
func (s *Set) Predicate() selection.Predicate {
	return s.Contains
}

// Intersect returns the points present in every set. It returns nil for no input.
func Intersect(sets ...*Set) *Set {
	if len(sets) == 0 {
		return nil
	}
	bms := make([]*roaring.Bitmap, 0, len(sets))
	for _, s := range sets {
		if s.IsEmpty() {
			return NewSet()
		}
		bms = append(bms, s.bm)
	}
	if len(bms) == 1 {
		return &Set{bm: bms[0].Clone()}
	}
	return &Set{bm: roaring.FastAnd(bms...)}
}

// ErrUnknownOperator is returned by ParseOperator.
var ErrUnknownOperator = errors.New("unknown mask operator")

// Operator combines a fresh mask with the current selection.
type Operator uint8

const (
	// OperatorSet replaces the selection with the mask.
	OperatorSet Operator = iota
	// OperatorOr adds the mask to the selection.
	OperatorOr
	// OperatorAnd keeps only selected points inside the mask.
	OperatorAnd
)

func (o Operator) String() string {
	switch o {
	case OperatorSet:
		return "set"
	case OperatorOr:
		return "or"
	case OperatorAnd:
		return "and"
	}
	return fmt.Sprintf("operator(%d)", o)
}

// ParseOperator parses set, or and and.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "set", "":
		return OperatorSet, nil
	case "or":
		return OperatorOr, nil
	case "and":
		return OperatorAnd, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOperator, s)
}

// Combine computes the selection that results from applying op with m to the current
// state of n points. Only the selected bit counts as "currently selected", whatever the
// hidden bit says. Deleted points are never part of the result. State is read before
// anything is written, so the result reflects the pre-operation selection.
func Combine(op Operator, m *Set, n int, state selection.StateFunc) *Set {
	out := NewSet()
	for i := 0; i < n; i++ {
		s := state(i)
		if s.Has(splat.StateDeleted) {
			continue
		}
		cur := s.Has(splat.StateSelected)
		in := m.Contains(i)
		var keep bool
		switch op {
		case OperatorOr:
			keep = cur || in
		case OperatorAnd:
			keep = cur && in
		default:
			keep = in
		}
		if keep {
			out.bm.Add(uint32(i))
		}
	}
	return out
}

// Apply combines m with the current selection and writes the result through a using
// replace semantics.
func Apply(a selection.Applier, op Operator, m *Set, n int, state selection.StateFunc) (*selection.Change, error) {
	result := Combine(op, m, n, state)
	return a.Apply(selection.OpReplace, result.Predicate())
}
