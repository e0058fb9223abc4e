// Package splat holds the per-point attribute arrays and state bytes of a loaded splat scene.
package splat

import (
	"errors"
	"fmt"
)

// State is the per-point flag byte. Zero means normal, visible and unselected.
type State uint8

const (
	StateSelected State = 1 << iota
	StateHidden
	StateDeleted
)

// Has reports whether all bits of flag are set.
func (s State) Has(flag State) bool {
	return s&flag == flag
}

// Eligible reports whether a point takes part in histograms and range selections.
// Only plain (0) and plain-selected points qualify; any hidden or deleted bit excludes it.
func (s State) Eligible() bool {
	return s == 0 || s == StateSelected
}

var (
	// ErrLengthMismatch is returned when a property array does not have one value per point.
	ErrLengthMismatch = errors.New("property length does not match point count")
	// ErrDuplicateProperty is returned when a property is added twice.
	ErrDuplicateProperty = errors.New("duplicate property")
)

// PointSet is a read-only view over raw property arrays plus a mutable state byte per point.
type PointSet struct {
	name  string
	n     int
	order []string
	props map[string][]float32
	state []uint8
}

// NewPointSet creates an empty point set of n points with all states zero.
func NewPointSet(name string, n int) *PointSet {
	if n < 0 {
		n = 0
	}
	return &PointSet{
		name:  name,
		n:     n,
		props: make(map[string][]float32),
		state: make([]uint8, n),
	}
}

// AddProperty attaches a raw property array. Properties keep insertion order.
func (p *PointSet) AddProperty(name string, values []float32) error {
	if len(values) != p.n {
		return fmt.Errorf("%s: %w (got %d, want %d)", name, ErrLengthMismatch, len(values), p.n)
	}
	if _, ok := p.props[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicateProperty)
	}
	p.props[name] = values
	p.order = append(p.order, name)
	return nil
}

// SetStates replaces the state array.
func (p *PointSet) SetStates(states []uint8) error {
	if len(states) != p.n {
		return fmt.Errorf("state: %w (got %d, want %d)", ErrLengthMismatch, len(states), p.n)
	}
	p.state = states
	return nil
}

// Name returns the scene name.
func (p *PointSet) Name() string { return p.name }

// Len returns the number of points.
func (p *PointSet) Len() int { return p.n }

// Property returns the raw values of a property.
func (p *PointSet) Property(name string) ([]float32, bool) {
	v, ok := p.props[name]
	return v, ok
}

// PropertyNames returns the raw property names in load order.
func (p *PointSet) PropertyNames() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// StateAt returns the state byte of point i. Out-of-range indices read as deleted.
func (p *PointSet) StateAt(i int) State {
	if i < 0 || i >= p.n {
		return StateDeleted
	}
	return State(p.state[i])
}

// States exposes the state array for the selection applier. Callers must not resize it.
func (p *PointSet) States() []uint8 {
	return p.state
}

// Totals summarizes the state bytes.
type Totals struct {
	Splats   int `json:"splats"`
	Selected int `json:"selected"`
	Hidden   int `json:"hidden"`
	Deleted  int `json:"deleted"`
}

// Totals counts points by state. Splats excludes deleted points.
func (p *PointSet) Totals() Totals {
	var t Totals
	for _, b := range p.state {
		s := State(b)
		switch {
		case s.Has(StateDeleted):
			t.Deleted++
			continue
		case s.Has(StateHidden):
			t.Hidden++
		}
		if s.Has(StateSelected) {
			t.Selected++
		}
	}
	t.Splats = p.n - t.Deleted
	return t
}
