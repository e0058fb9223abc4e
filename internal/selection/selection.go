// Package selection turns histogram bucket ranges into point predicates and applies
// selection operations to the per-point state bytes.
package selection

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/splat-tiles/server/internal/attribute"
	"github.com/splat-tiles/server/internal/splat"
)

// ErrInvalidBucketRange is returned for inverted or fully out-of-range bucket ranges.
var ErrInvalidBucketRange = errors.New("invalid bucket range")

// ErrUnknownOp is returned by ParseOp.
var ErrUnknownOp = errors.New("unknown selection op")

// Op is how a predicate combines with the current selection.
type Op uint8

const (
	OpReplace Op = iota
	OpAdd
	OpSubtract
	OpIntersect
)

var opNames = [...]string{"replace", "add", "subtract", "intersect"}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", o)
}

// ParseOp accepts the op names plus the aliases set, remove and and.
func ParseOp(s string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "replace", "set":
		return OpReplace, nil
	case "add", "or":
		return OpAdd, nil
	case "subtract", "remove":
		return OpSubtract, nil
	case "intersect", "and":
		return OpIntersect, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOp, s)
}

// Predicate reports whether point i is part of an operation.
type Predicate func(i int) bool

// StateFunc reads the state byte of point i.
type StateFunc func(i int) splat.State

// BucketMapper is the histogram's value-to-bucket mapping.
type BucketMapper interface {
	ValueToBucket(v float64) int
	NumBuckets() int
}

// RangePredicate builds the predicate for the inclusive bucket range [start, end]. Indices
// beyond the histogram are clamped; an inverted range or one that lies entirely outside
// the histogram is rejected.
func RangePredicate(m BucketMapper, start, end int, value attribute.ValueFunc, state StateFunc) (Predicate, error) {
	if start > end {
		return nil, fmt.Errorf("%w: start %d > end %d", ErrInvalidBucketRange, start, end)
	}
	k := m.NumBuckets()
	if k == 0 || end < 0 || start >= k {
		return nil, fmt.Errorf("%w: [%d, %d] outside [0, %d)", ErrInvalidBucketRange, start, end, k)
	}
	if start < 0 {
		start = 0
	}
	if end >= k {
		end = k - 1
	}

	return func(i int) bool {
		if !state(i).Eligible() {
			return false
		}
		v := value(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		b := m.ValueToBucket(v)
		return b >= start && b <= end
	}, nil
}

// Applier mutates selection state for all points matching a predicate.
type Applier interface {
	Apply(op Op, pred Predicate) (*Change, error)
}

// SelectRange builds the range predicate and hands it to a.
func SelectRange(a Applier, op Op, m BucketMapper, start, end int, value attribute.ValueFunc, state StateFunc) (*Change, error) {
	pred, err := RangePredicate(m, start, end, value, state)
	if err != nil {
		return nil, err
	}
	return a.Apply(op, pred)
}
