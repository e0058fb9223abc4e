// Package segment drives the click-to-segment interaction: a state machine around an
// external image segmentation model and the mapping of its pixel mask back to points.
package segment

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/google/uuid"

	"github.com/splat-tiles/server/internal/mask"
	"github.com/splat-tiles/server/internal/splat"
)

var (
	// ErrSegmentationUnavailable wraps any failure of the segmentation model.
	ErrSegmentationUnavailable = errors.New("segmentation unavailable")
	// ErrInvalidTransition is returned when an action is not allowed in the current phase.
	ErrInvalidTransition = errors.New("invalid segmentation transition")
	// ErrNoMask is returned when accepting before a mask has been computed.
	ErrNoMask = errors.New("no mask computed")
	// ErrStaleRequest is returned when a result arrives for a superseded request.
	ErrStaleRequest = errors.New("stale segmentation request")
)

// Phase is the interaction state.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseAwaitingClick
	PhaseMaskReady
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingClick:
		return "awaiting-click"
	case PhaseMaskReady:
		return "mask-ready"
	}
	return fmt.Sprintf("phase(%d)", p)
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Mask values of CategoryMask.Data.
const (
	Foreground uint8 = 0
	Background uint8 = 255
)

// CategoryMask is a per-pixel foreground/background mask, row-major from the top-left.
type CategoryMask struct {
	Width  int
	Height int
	Data   []uint8
}

// At returns the category of pixel (x, y). Out-of-bounds pixels are background.
func (m *CategoryMask) At(x, y int) uint8 {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return Background
	}
	return m.Data[y*m.Width+x]
}

// Validate checks that Data covers Width*Height pixels.
func (m *CategoryMask) Validate() error {
	if m.Width <= 0 || m.Height <= 0 || len(m.Data) != m.Width*m.Height {
		return fmt.Errorf("category mask %dx%d with %d bytes", m.Width, m.Height, len(m.Data))
	}
	return nil
}

// Point is a click location in normalized image coordinates, origin top-left.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Segmenter is the external segmentation model.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image, click Point) (*CategoryMask, error)
}

// Mapper converts a pixel mask into the points it covers. A nil set means nothing matched.
type Mapper interface {
	CalculateMask(ps *splat.PointSet, op mask.Operator, cm *CategoryMask) (*mask.Set, error)
}

// Result is a computed mask pending accept or cancel.
type Result struct {
	Ticket uuid.UUID
	Click  Point
	Mask   *CategoryMask
}

// Machine tracks the idle → awaiting-click → mask-ready cycle. It is not safe for
// concurrent use; the owner serializes calls.
type Machine struct {
	phase   Phase
	ticket  uuid.UUID
	click   Point
	pending *Result
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase { return m.phase }

// Pending returns the mask awaiting accept, if any.
func (m *Machine) Pending() *Result { return m.pending }

// Ticket returns the outstanding request ticket, or uuid.Nil.
func (m *Machine) Ticket() uuid.UUID { return m.ticket }

// InFlight reports whether a segmentation request is outstanding.
func (m *Machine) InFlight() bool { return m.ticket != uuid.Nil }

// Start moves from idle to awaiting-click.
func (m *Machine) Start() error {
	if m.phase != PhaseIdle {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, m.phase)
	}
	m.phase = PhaseAwaitingClick
	return nil
}

// Request registers a click and returns the ticket its result must carry. Clicking again
// while a mask is ready discards that mask and supersedes any earlier request.
func (m *Machine) Request(click Point) (uuid.UUID, error) {
	if m.phase == PhaseIdle {
		return uuid.Nil, fmt.Errorf("%w: click while idle", ErrInvalidTransition)
	}
	m.phase = PhaseAwaitingClick
	m.pending = nil
	m.ticket = uuid.New()
	m.click = click
	return m.ticket, nil
}

// Resolve delivers the outcome of the request identified by ticket. A failed request
// returns the machine to idle.
func (m *Machine) Resolve(ticket uuid.UUID, cm *CategoryMask, err error) error {
	if ticket == uuid.Nil || ticket != m.ticket || m.phase != PhaseAwaitingClick {
		return ErrStaleRequest
	}
	m.ticket = uuid.Nil
	if err == nil && cm != nil {
		err = cm.Validate()
	} else if err == nil {
		err = errors.New("empty mask")
	}
	if err != nil {
		m.reset()
		return fmt.Errorf("%w: %w", ErrSegmentationUnavailable, err)
	}
	m.pending = &Result{Ticket: ticket, Click: m.click, Mask: cm}
	m.phase = PhaseMaskReady
	return nil
}

// Accept hands over the pending mask and returns to idle.
func (m *Machine) Accept() (*Result, error) {
	switch m.phase {
	case PhaseIdle:
		return nil, fmt.Errorf("%w: accept while idle", ErrInvalidTransition)
	case PhaseAwaitingClick:
		return nil, ErrNoMask
	}
	r := m.pending
	m.reset()
	return r, nil
}

// Cancel discards any pending mask or request and returns to idle.
func (m *Machine) Cancel() {
	m.reset()
}

func (m *Machine) reset() {
	m.phase = PhaseIdle
	m.ticket = uuid.Nil
	m.click = Point{}
	m.pending = nil
}
