// Package service provides the per-dataset session that ties the attribute resolver,
// histogram, selection and segmentation together.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splat-tiles/server/internal/attribute"
	"github.com/splat-tiles/server/internal/cache"
	"github.com/splat-tiles/server/internal/events"
	"github.com/splat-tiles/server/internal/histogram"
	"github.com/splat-tiles/server/internal/mask"
	"github.com/splat-tiles/server/internal/metrics"
	"github.com/splat-tiles/server/internal/render"
	"github.com/splat-tiles/server/internal/segment"
	"github.com/splat-tiles/server/internal/selection"
	"github.com/splat-tiles/server/internal/splat"
)

// ErrPanelHidden is returned for histogram queries while the panel is collapsed.
var ErrPanelHidden = errors.New("histogram panel is hidden")

// SessionConfig contains session configuration.
type SessionConfig struct {
	DatasetID    string
	Points       *splat.PointSet
	Buckets      int
	LogEpsilon   float64
	HistoryDepth int
	Colormap     string

	Cache    *cache.Manager
	Renderer *render.HistogramRenderer
	Overlay  *render.MaskOverlay
	// Segmentation is nil when no model is configured.
	Segmentation *segment.Queue
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Session holds the interactive state of one dataset. All methods are safe for
// concurrent use; state changes are serialized by one mutex and notifications are
// dispatched synchronously while it is held.
type Session struct {
	mu sync.Mutex

	id      string
	points  *splat.PointSet
	buckets int
	epsilon float64

	attribute string
	value     attribute.ValueFunc
	logScale  bool
	visible   bool
	hist      *histogram.Result

	// generation changes whenever anything the histogram depends on changes.
	generation uint64

	applier *selection.StateApplier
	history *selection.History
	views   mask.ViewList
	machine segment.Machine
	segErr  error
	bus     events.Bus
	// lastViews is the change made by the latest view re-application.
	lastViews *selection.Change

	queue    *segment.Queue
	cache    *cache.Manager
	renderer *render.HistogramRenderer
	overlay  *render.MaskOverlay
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewSession creates a session showing the default attribute, or the first available
// one when the default cannot be resolved.
func NewSession(cfg SessionConfig) *Session {
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("dataset", datasetID))
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewHistogramRenderer(render.Config{Colormap: cfg.Colormap})
	}
	if cfg.Overlay == nil {
		cfg.Overlay = render.NewMaskOverlay()
	}
	if cfg.Buckets <= 0 {
		cfg.Buckets = histogram.DefaultBuckets
	}

	s := &Session{
		id:       datasetID,
		points:   cfg.Points,
		buckets:  cfg.Buckets,
		epsilon:  cfg.LogEpsilon,
		visible:  true,
		queue:    cfg.Segmentation,
		cache:    cfg.Cache,
		renderer: cfg.Renderer,
		overlay:  cfg.Overlay,
		metrics:  cfg.Metrics,
		log:      logger,
	}
	s.applier = selection.NewStateApplier(cfg.Points, logger)
	s.history = selection.NewHistory(s.applier, cfg.HistoryDepth)

	for _, topic := range []events.Topic{
		events.StateChanged,
		events.AttributeChanged,
		events.LogScaleChanged,
		events.VisibilityChanged,
	} {
		s.bus.Subscribe(topic, s.onChange)
	}
	s.bus.Subscribe(events.ViewListUpdated, s.onViewListUpdated)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setAttribute(attribute.DefaultKey); err != nil {
		for _, opt := range attribute.Options(cfg.Points) {
			if opt.Available && s.setAttribute(opt.Key) == nil {
				break
			}
		}
	}
	if s.value == nil {
		s.log.Warn("no attribute can be resolved")
		s.rebuild()
	}
	return s
}

// ID returns the dataset id.
func (s *Session) ID() string { return s.id }

// Points returns the underlying point set.
func (s *Session) Points() *splat.PointSet { return s.points }

// Subscribe registers an observer for session notifications.
func (s *Session) Subscribe(topic events.Topic, fn events.Handler) (cancel func()) {
	return s.bus.Subscribe(topic, fn)
}

// onChange rebuilds the histogram. Called with s.mu held.
func (s *Session) onChange(events.Topic) {
	s.rebuild()
}

func (s *Session) rebuild() {
	s.generation++
	if !s.visible {
		s.hist = nil
		return
	}

	start := time.Now()
	p := histogram.Params{
		Count:    s.points.Len(),
		Selected: func(i int) bool { return s.points.StateAt(i) == splat.StateSelected },
		LogScale: s.logScale,
		Buckets:  s.buckets,
		Epsilon:  s.epsilon,
	}
	if value := s.value; value != nil {
		p.Value = func(i int) (float64, bool) {
			if !s.points.StateAt(i).Eligible() {
				return 0, false
			}
			return value(i), true
		}
	}
	s.hist = histogram.Build(p)
	s.metrics.ObserveBuild(s.id, time.Since(start))
}

// onViewListUpdated re-applies the intersection of all views. Called with s.mu held.
func (s *Session) onViewListUpdated(events.Topic) {
	s.lastViews = nil
	combined := s.views.Intersection()
	if combined == nil {
		return
	}
	c, err := s.applier.Apply(selection.OpReplace, combined.Predicate())
	if err != nil {
		s.log.Error("apply views failed", slog.Any("err", err))
		return
	}
	s.lastViews = c
	s.commit("views", c)
}

// commit records a selection change and notifies observers.
func (s *Session) commit(op string, c *selection.Change) {
	s.history.Record(c)
	s.metrics.SelectionApplied(s.id, op, s.points.Totals().Selected)
	s.log.Info("selection changed", slog.String("op", op), slog.Int("flipped", c.Len()))
	if !c.Empty() {
		s.bus.Publish(events.StateChanged)
	}
}

// AttributeState describes the attribute selector.
type AttributeState struct {
	Active   string             `json:"active"`
	LogScale bool               `json:"log_scale"`
	Visible  bool               `json:"visible"`
	Options  []attribute.Option `json:"options"`
}

// Attributes lists the selectable attributes.
func (s *Session) Attributes() AttributeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return AttributeState{
		Active:   s.attribute,
		LogScale: s.logScale,
		Visible:  s.visible,
		Options:  attribute.Options(s.points),
	}
}

// SetAttribute switches the active attribute. On failure the previous attribute stays
// active and the error wraps attribute.ErrUnresolvableAttribute.
func (s *Session) SetAttribute(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.attribute && s.value != nil {
		return nil
	}
	return s.setAttribute(key)
}

func (s *Session) setAttribute(key string) error {
	value, err := attribute.Resolve(s.points, key)
	if err != nil {
		s.log.Warn("attribute unavailable", slog.String("attribute", key), slog.Any("err", err))
		return err
	}
	s.attribute = key
	s.value = value
	s.bus.Publish(events.AttributeChanged)
	return nil
}

// SetLogScale toggles log bucketing.
func (s *Session) SetLogScale(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logScale == on {
		return
	}
	s.logScale = on
	s.bus.Publish(events.LogScaleChanged)
}

// SetVisible expands or collapses the panel. No histogram is built while collapsed.
func (s *Session) SetVisible(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.visible == on {
		return
	}
	s.visible = on
	s.bus.Publish(events.VisibilityChanged)
}

// Generation returns the current state generation.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Snapshot is the serializable view of the current histogram.
type Snapshot struct {
	Dataset    string             `json:"dataset"`
	Attribute  string             `json:"attribute"`
	Label      string             `json:"label"`
	LogScale   bool               `json:"log_scale"`
	Min        float64            `json:"min"`
	Max        float64            `json:"max"`
	Total      int                `json:"total"`
	Selected   int                `json:"selected"`
	Buckets    []histogram.Bucket `json:"buckets"`
	Edges      []float64          `json:"edges"`
	Generation uint64             `json:"generation"`
}

// Histogram returns the current histogram.
func (s *Session) Histogram() (*histogram.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hist == nil {
		return nil, ErrPanelHidden
	}
	return s.hist, nil
}

// Snapshot returns the current histogram.
func (s *Session) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Session) snapshot() (Snapshot, error) {
	if s.hist == nil {
		return Snapshot{}, ErrPanelHidden
	}
	h := s.hist
	return Snapshot{
		Dataset:    s.id,
		Attribute:  s.attribute,
		Label:      attribute.Label(s.attribute),
		LogScale:   h.LogScale,
		Min:        h.Min,
		Max:        h.Max,
		Total:      h.Total,
		Selected:   h.SelectedTotal(),
		Buckets:    h.Buckets,
		Edges:      h.Edges(),
		Generation: s.generation,
	}, nil
}

func (s *Session) histKey() string {
	return cache.HistogramKey(s.id, s.generation, s.attribute, s.logScale, s.buckets)
}

// SnapshotJSON returns the serialized snapshot, cached per generation.
func (s *Session) SnapshotJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.histKey()
	if s.cache != nil {
		data, ok := s.cache.GetQuery(key)
		s.metrics.CacheLookup("query", ok)
		if ok {
			return data, nil
		}
	}
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetQuery(key, data)
	}
	return data, nil
}

// HistogramPNG renders the current histogram. An empty colormap uses the default.
func (s *Session) HistogramPNG(colormapName string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hist == nil {
		return nil, ErrPanelHidden
	}
	if colormapName == "" {
		colormapName = s.renderer.Colormap()
	}

	w, h := s.renderer.Size()
	key := cache.HistogramImageKey(s.histKey(), w, h, colormapName)
	if s.cache != nil {
		data, ok := s.cache.GetRender(key)
		s.metrics.CacheLookup("render", ok)
		if ok {
			return data, nil
		}
	}
	data, err := s.renderer.Render(s.hist, colormapName)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetRender(key, data); err != nil {
			s.log.Debug("render cache set failed", slog.Any("err", err))
		}
	}
	return data, nil
}

// BucketInfo describes one bucket of the current histogram.
func (s *Session) BucketInfo(bucket int) (histogram.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hist == nil {
		return histogram.Info{}, ErrPanelHidden
	}
	return s.hist.BucketInfo(bucket), nil
}

// SelectRange applies op to the points of the active attribute whose bucket lies in
// [start, end] of the displayed histogram.
func (s *Session) SelectRange(op selection.Op, start, end int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hist == nil {
		return 0, ErrPanelHidden
	}
	if s.value == nil {
		return 0, fmt.Errorf("select range: %w", attribute.ErrUnresolvableAttribute)
	}
	c, err := selection.SelectRange(s.applier, op, s.hist, start, end, s.value, s.points.StateAt)
	if err != nil {
		return 0, err
	}
	s.commit(op.String(), c)
	return c.Len(), nil
}

// Totals returns point counts by state.
func (s *Session) Totals() splat.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.points.Totals()
}

// Undo reverts the latest selection change.
func (s *Session) Undo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.history.Undo() {
		return false
	}
	s.bus.Publish(events.StateChanged)
	return true
}

// Redo re-applies the latest undone selection change.
func (s *Session) Redo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.history.Redo() {
		return false
	}
	s.bus.Publish(events.StateChanged)
	return true
}

// Views returns the saved views.
func (s *Session) Views() []mask.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views.Views()
}

// RemoveView deletes a view and re-applies the remaining intersection.
func (s *Session) RemoveView(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.views.Remove(id) {
		return false
	}
	s.bus.Publish(events.ViewListUpdated)
	return true
}

// ClearViews removes every view. The selection is left as it is.
func (s *Session) ClearViews() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views.Clear()
	s.bus.Publish(events.ViewListUpdated)
}

// SegmentState describes the segmentation interaction.
type SegmentState struct {
	Phase    segment.Phase  `json:"phase"`
	InFlight bool           `json:"in_flight"`
	Click    *segment.Point `json:"click,omitempty"`
	Error    string         `json:"error,omitempty"`
	Enabled  bool           `json:"enabled"`
}

// SegmentState returns the interaction state.
func (s *Session) SegmentState() SegmentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SegmentState{
		Phase:    s.machine.Phase(),
		InFlight: s.machine.InFlight(),
		Enabled:  s.queue != nil,
	}
	if p := s.machine.Pending(); p != nil {
		click := p.Click
		st.Click = &click
	}
	if s.segErr != nil {
		st.Error = s.segErr.Error()
	}
	return st
}

// StartSegment enters awaiting-click.
func (s *Session) StartSegment() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return fmt.Errorf("%w: no segmentation model configured", segment.ErrSegmentationUnavailable)
	}
	s.segErr = nil
	return s.machine.Start()
}

// Click queues a segmentation request for img at click. The result arrives
// asynchronously; poll SegmentState for mask-ready.
func (s *Session) Click(img image.Image, click segment.Point) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue == nil {
		return uuid.Nil, fmt.Errorf("%w: no segmentation model configured", segment.ErrSegmentationUnavailable)
	}
	if prev := s.machine.Ticket(); prev != uuid.Nil {
		s.queue.Cancel(prev)
	}
	ticket, err := s.machine.Request(click)
	if err != nil {
		return uuid.Nil, err
	}
	s.segErr = nil

	job := &segment.Job{Ticket: ticket, Image: img, Click: click, Deliver: s.deliver}
	if err := s.queue.Submit(job); err != nil {
		err = s.machine.Resolve(ticket, nil, err)
		s.segErr = err
		s.metrics.Segmentation(s.id, "rejected")
		return uuid.Nil, err
	}
	return ticket, nil
}

func (s *Session) deliver(ticket uuid.UUID, cm *segment.CategoryMask, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rerr := s.machine.Resolve(ticket, cm, err)
	switch {
	case errors.Is(rerr, segment.ErrStaleRequest):
		s.metrics.Segmentation(s.id, "stale")
	case rerr != nil:
		s.segErr = rerr
		s.metrics.Segmentation(s.id, "error")
		s.log.Warn("segmentation unavailable", slog.Any("err", rerr))
	default:
		s.metrics.Segmentation(s.id, "ok")
	}
}

// MaskPNG renders the pending mask over a transparent background.
func (s *Session) MaskPNG() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.machine.Pending()
	if p == nil {
		return nil, segment.ErrNoMask
	}
	return s.overlay.Render(p.Mask, p.Click)
}

// OperatorViews accepts a mask as a new saved view instead of combining it directly.
const OperatorViews = "views"

// AcceptResult reports what an accept did.
type AcceptResult struct {
	Matched int        `json:"matched"`
	View    *mask.View `json:"view,omitempty"`
	Flipped int        `json:"flipped"`
}

// AcceptSegment maps the pending mask to points with mapper and applies it. operator is
// OperatorViews or one of the mask operators. Deleted points are excluded at this
// point, whatever their state was when the click was made.
func (s *Session) AcceptSegment(operator string, mapper segment.Mapper) (AcceptResult, error) {
	var op mask.Operator
	if operator != OperatorViews {
		var err error
		if op, err = mask.ParseOperator(operator); err != nil {
			return AcceptResult{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.machine.Accept()
	if err != nil {
		return AcceptResult{}, err
	}
	ms, err := mapper.CalculateMask(s.points, op, pending.Mask)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("calculate mask: %w", err)
	}
	if ms == nil {
		s.log.Info("segmentation matched no points")
		return AcceptResult{}, nil
	}

	res := AcceptResult{Matched: ms.Len()}
	if operator == OperatorViews {
		v := s.views.Add(ms)
		res.View = &v
		s.bus.Publish(events.ViewListUpdated)
		res.Flipped = s.lastViews.Len()
		return res, nil
	}

	c, err := mask.Apply(s.applier, op, ms, s.points.Len(), s.points.StateAt)
	if err != nil {
		return AcceptResult{}, err
	}
	s.commit(op.String(), c)
	res.Flipped = c.Len()
	return res, nil
}

// CancelSegment discards the pending mask or request.
func (s *Session) CancelSegment() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.machine.Ticket(); t != uuid.Nil && s.queue != nil {
		s.queue.Cancel(t)
	}
	s.machine.Cancel()
	s.segErr = nil
}
