package selection

import (
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/splat-tiles/server/internal/splat"
)

// Change records the points whose selected bit was flipped by one operation. Flipping
// them again reverts it.
type Change struct {
	Op      Op
	Flipped *roaring.Bitmap
}

// Len returns the number of flipped points.
func (c *Change) Len() int {
	if c == nil || c.Flipped == nil {
		return 0
	}
	return int(c.Flipped.GetCardinality())
}

// Empty reports whether the change flipped nothing.
func (c *Change) Empty() bool { return c.Len() == 0 }

// StateApplier applies selection operations to a point set's state bytes.
//
// Hidden points keep their state. Deleted points always end up unselected.
// Predicates are evaluated against the state as it was before the operation;
// the flips are written only after every point has been evaluated.
type StateApplier struct {
	points *splat.PointSet
	log    *slog.Logger
}

// NewStateApplier returns an applier over ps. A nil logger means slog.Default().
func NewStateApplier(ps *splat.PointSet, logger *slog.Logger) *StateApplier {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateApplier{points: ps, log: logger}
}

// Apply evaluates pred for every point and updates the selected bits.
func (a *StateApplier) Apply(op Op, pred Predicate) (*Change, error) {
	states := a.points.States()
	flipped := roaring.New()

	for i, b := range states {
		s := splat.State(b)
		cur := s.Has(splat.StateSelected)
		var next bool
		switch {
		case s.Has(splat.StateDeleted):
			next = false
		case s.Has(splat.StateHidden):
			next = cur
		default:
			next = combine(op, cur, pred(i))
		}
		if next != cur {
			flipped.Add(uint32(i))
		}
	}

	c := &Change{Op: op, Flipped: flipped}
	a.flip(c)
	a.log.Debug("selection applied",
		slog.String("dataset", a.points.Name()),
		slog.String("op", op.String()),
		slog.Int("flipped", c.Len()))
	return c, nil
}

func combine(op Op, cur, match bool) bool {
	switch op {
	case OpAdd:
		return cur || match
	case OpSubtract:
		return cur && !match
	case OpIntersect:
		return cur && match
	default:
		return match
	}
}

func (a *StateApplier) flip(c *Change) {
	states := a.points.States()
	it := c.Flipped.Iterator()
	for it.HasNext() {
		i := it.Next()
		if int(i) < len(states) {
			states[i] ^= uint8(splat.StateSelected)
		}
	}
}

// DefaultHistoryDepth bounds the number of undoable operations.
const DefaultHistoryDepth = 64

// History is a bounded undo/redo stack of applied changes.
type History struct {
	applier *StateApplier
	depth   int
	undo    []*Change
	redo    []*Change
}

// NewHistory creates a history for changes produced by a. depth <= 0 uses
// DefaultHistoryDepth.
func NewHistory(a *StateApplier, depth int) *History {
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	return &History{applier: a, depth: depth}
}

// Record pushes c onto the undo stack and drops the redo stack. Empty changes are ignored.
func (h *History) Record(c *Change) {
	if c.Empty() {
		return
	}
	h.undo = append(h.undo, c)
	if len(h.undo) > h.depth {
		h.undo = h.undo[len(h.undo)-h.depth:]
	}
	h.redo = h.redo[:0]
}

// Undo reverts the most recent change. It reports false when there is nothing to undo.
func (h *History) Undo() bool {
	if len(h.undo) == 0 {
		return false
	}
	c := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.applier.flip(c)
	h.redo = append(h.redo, c)
	return true
}

// Redo re-applies the most recently undone change.
func (h *History) Redo() bool {
	if len(h.redo) == 0 {
		return false
	}
	c := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.applier.flip(c)
	h.undo = append(h.undo, c)
	return true
}

// CanUndo reports whether Undo would do anything.
func (h *History) CanUndo() bool { return len(h.undo) > 0 }

// CanRedo reports whether Redo would do anything.
func (h *History) CanRedo() bool { return len(h.redo) > 0 }
