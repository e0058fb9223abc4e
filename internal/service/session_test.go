package service

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splat-tiles/server/internal/attribute"
	"github.com/splat-tiles/server/internal/cache"
	"github.com/splat-tiles/server/internal/events"
	"github.com/splat-tiles/server/internal/mask"
	"github.com/splat-tiles/server/internal/segment"
	"github.com/splat-tiles/server/internal/selection"
	"github.com/splat-tiles/server/internal/splat"
)

const (
	sel = uint8(splat.StateSelected)
	del = uint8(splat.StateDeleted)
)

func testPoints(t *testing.T, n int) *splat.PointSet {
	t.Helper()
	ps := splat.NewPointSet("scene", n)
	cols := map[string][]float32{}
	for _, name := range []string{"x", "y", "z", "scale_0", "scale_1", "scale_2"} {
		cols[name] = make([]float32, n)
	}
	for i := 0; i < n; i++ {
		cols["x"][i] = float32(i)
		for _, s := range []string{"scale_0", "scale_1", "scale_2"} {
			cols[s][i] = float32(i) * 0.1
		}
	}
	for _, name := range []string{"x", "y", "z", "scale_0", "scale_1", "scale_2"} {
		require.NoError(t, ps.AddProperty(name, cols[name]))
	}
	return ps
}

func newSession(t *testing.T, ps *splat.PointSet, q *segment.Queue) *Session {
	t.Helper()
	return NewSession(SessionConfig{
		DatasetID:    "scene",
		Points:       ps,
		Buckets:      10,
		Segmentation: q,
	})
}

func TestNewSession_DefaultAttribute(t *testing.T) {
	s := newSession(t, testPoints(t, 10), nil)
	assert.Equal(t, attribute.DefaultKey, s.Attributes().Active)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 10, snap.Total)
	assert.Equal(t, "Surface Area", snap.Label)

	// Without scales the first available option is used.
	ps := splat.NewPointSet("bare", 3)
	require.NoError(t, ps.AddProperty("intensity", []float32{1, 2, 3}))
	s = newSession(t, ps, nil)
	assert.Equal(t, "intensity", s.Attributes().Active)
}

func TestSession_SetAttribute(t *testing.T) {
	s := newSession(t, testPoints(t, 10), nil)
	gen := s.Generation()

	require.NoError(t, s.SetAttribute("x"))
	assert.Greater(t, s.Generation(), gen)
	h, err := s.Histogram()
	require.NoError(t, err)
	assert.Equal(t, 9.0, h.Max)

	err = s.SetAttribute("opacity")
	assert.ErrorIs(t, err, attribute.ErrUnresolvableAttribute)
	assert.Equal(t, "x", s.Attributes().Active)

	gen = s.Generation()
	s.SetLogScale(true)
	s.SetLogScale(true)
	assert.Equal(t, gen+1, s.Generation())
	h, err = s.Histogram()
	require.NoError(t, err)
	assert.True(t, h.LogScale)
}

func TestSession_VisibilityGating(t *testing.T) {
	s := newSession(t, testPoints(t, 10), nil)

	s.SetVisible(false)
	_, err := s.Histogram()
	assert.ErrorIs(t, err, ErrPanelHidden)
	_, err = s.SelectRange(selection.OpReplace, 0, 3)
	assert.ErrorIs(t, err, ErrPanelHidden)

	require.NoError(t, s.SetAttribute("x"))
	_, err = s.Snapshot()
	assert.ErrorIs(t, err, ErrPanelHidden)

	s.SetVisible(true)
	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "x", snap.Attribute)
	assert.Equal(t, 10, snap.Total)
}

func TestSession_SelectRangeAndUndo(t *testing.T) {
	ps := testPoints(t, 10)
	ps.States()[9] = del
	s := newSession(t, ps, nil)
	require.NoError(t, s.SetAttribute("x"))

	var notified int
	cancel := s.Subscribe(events.StateChanged, func(events.Topic) { notified++ })
	defer cancel()

	// x in 0..8 over 10 buckets; buckets 0-1 hold x=0 and x=1.
	n, err := s.SelectRange(selection.OpReplace, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, splat.Totals{Splats: 9, Selected: 2, Deleted: 1}, s.Totals())
	assert.Equal(t, 1, notified)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Selected)

	_, err = s.SelectRange(selection.OpAdd, 5, 2)
	assert.ErrorIs(t, err, selection.ErrInvalidBucketRange)

	require.True(t, s.Undo())
	assert.Zero(t, s.Totals().Selected)
	require.True(t, s.Redo())
	assert.Equal(t, 2, s.Totals().Selected)
	assert.False(t, s.Redo())
}

func TestSession_SnapshotJSONCached(t *testing.T) {
	m, err := cache.NewManager(cache.Config{RenderCacheSizeMB: 1, RenderTTL: time.Minute, QueryCacheSize: 8})
	require.NoError(t, err)
	defer m.Close()

	s := NewSession(SessionConfig{DatasetID: "c", Points: testPoints(t, 10), Buckets: 4, Cache: m})
	a, err := s.SnapshotJSON()
	require.NoError(t, err)
	b, err := s.SnapshotJSON()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(a, &snap))
	assert.Len(t, snap.Buckets, 4)
	assert.Len(t, snap.Edges, 5)

	png1, err := s.HistogramPNG("")
	require.NoError(t, err)
	png2, err := s.HistogramPNG("")
	require.NoError(t, err)
	assert.Equal(t, png1, png2)

	_, err = s.HistogramPNG("nope")
	assert.Error(t, err)
}

type stubSegmenter struct{ err error }

func (s stubSegmenter) Segment(context.Context, image.Image, segment.Point) (*segment.CategoryMask, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &segment.CategoryMask{Width: 1, Height: 1, Data: []uint8{segment.Foreground}}, nil
}

// stubMapper returns a fixed mask whatever the image.
type stubMapper struct{ indices []int }

func (m stubMapper) CalculateMask(*splat.PointSet, mask.Operator, *segment.CategoryMask) (*mask.Set, error) {
	if m.indices == nil {
		return nil, nil
	}
	return mask.FromIndices(m.indices...), nil
}

func startQueue(t *testing.T, seg segment.Segmenter) *segment.Queue {
	t.Helper()
	q := segment.NewQueue(seg, segment.QueueConfig{Timeout: 5 * time.Second}, nil)
	q.Start()
	t.Cleanup(q.Stop)
	return q
}

func clickAndWait(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.StartSegment())
	_, err := s.Click(image.NewRGBA(image.Rect(0, 0, 1, 1)), segment.Point{X: 0.5, Y: 0.5})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.SegmentState().Phase == segment.PhaseMaskReady
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSession_SegmentViews(t *testing.T) {
	ps := testPoints(t, 10)
	s := newSession(t, ps, startQueue(t, stubSegmenter{}))

	clickAndWait(t, s)
	png, err := s.MaskPNG()
	require.NoError(t, err)
	assert.NotEmpty(t, png)

	res, err := s.AcceptSegment(OperatorViews, stubMapper{indices: []int{1, 2, 3, 4}})
	require.NoError(t, err)
	require.NotNil(t, res.View)
	assert.Equal(t, "View 1", res.View.Name)
	assert.Equal(t, 4, res.Flipped)
	assert.Equal(t, segment.PhaseIdle, s.SegmentState().Phase)

	clickAndWait(t, s)
	res, err = s.AcceptSegment(OperatorViews, stubMapper{indices: []int{3, 4, 5}})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Totals().Selected)

	// Removing the second view re-applies the first.
	require.True(t, s.RemoveView(res.View.ID))
	assert.Equal(t, 4, s.Totals().Selected)
	assert.False(t, s.RemoveView(uuid.New()))

	// Clearing leaves the selection alone.
	s.ClearViews()
	assert.Empty(t, s.Views())
	assert.Equal(t, 4, s.Totals().Selected)
}

func TestSession_SegmentOperators(t *testing.T) {
	ps := testPoints(t, 6)
	copy(ps.States(), []uint8{sel, sel, 0, 0, del, 0})
	s := newSession(t, ps, startQueue(t, stubSegmenter{}))

	clickAndWait(t, s)
	_, err := s.AcceptSegment("and", stubMapper{indices: []int{1, 2, 4}})
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, sel, 0, 0, del, 0}, ps.States())

	clickAndWait(t, s)
	_, err = s.AcceptSegment("or", stubMapper{indices: []int{3, 4}})
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, sel, 0, sel, del, 0}, ps.States())

	// A mask that matched nothing changes nothing.
	clickAndWait(t, s)
	res, err := s.AcceptSegment("set", stubMapper{})
	require.NoError(t, err)
	assert.Zero(t, res.Matched)
	assert.Equal(t, []uint8{0, sel, 0, sel, del, 0}, ps.States())

	_, err = s.AcceptSegment("xor", stubMapper{})
	assert.ErrorIs(t, err, mask.ErrUnknownOperator)
	_, err = s.AcceptSegment("set", stubMapper{})
	assert.ErrorIs(t, err, segment.ErrInvalidTransition)
}

func TestSession_SegmentFailureAndCancel(t *testing.T) {
	s := newSession(t, testPoints(t, 4), startQueue(t, stubSegmenter{err: errors.New("model not loaded")}))

	require.NoError(t, s.StartSegment())
	_, err := s.Click(image.NewRGBA(image.Rect(0, 0, 1, 1)), segment.Point{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := s.SegmentState()
		return st.Phase == segment.PhaseIdle && st.Error != ""
	}, 5*time.Second, 5*time.Millisecond)
	assert.Contains(t, s.SegmentState().Error, "model not loaded")

	_, err = s.MaskPNG()
	assert.ErrorIs(t, err, segment.ErrNoMask)

	require.NoError(t, s.StartSegment())
	s.CancelSegment()
	assert.Equal(t, segment.PhaseIdle, s.SegmentState().Phase)
	_, err = s.AcceptSegment("set", stubMapper{})
	assert.ErrorIs(t, err, segment.ErrInvalidTransition)
}

func TestSession_SegmentDisabled(t *testing.T) {
	s := newSession(t, testPoints(t, 4), nil)
	assert.False(t, s.SegmentState().Enabled)
	assert.ErrorIs(t, s.StartSegment(), segment.ErrSegmentationUnavailable)
	_, err := s.Click(nil, segment.Point{})
	assert.ErrorIs(t, err, segment.ErrSegmentationUnavailable)
}
