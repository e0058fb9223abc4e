package histogram

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splat-tiles/server/internal/attribute"
	"github.com/splat-tiles/server/internal/splat"
)

func sliceParams(values []float64, excluded map[int]bool, selected map[int]bool) Params {
	return Params{
		Count: len(values),
		Value: func(i int) (float64, bool) {
			if excluded[i] {
				return 0, false
			}
			return values[i], true
		},
		Selected: func(i int) bool { return selected[i] },
	}
}

func sumBuckets(r *Result) int {
	n := 0
	for _, b := range r.Buckets {
		n += b.Total()
	}
	return n
}

func TestBuild_Empty(t *testing.T) {
	r := Build(Params{Count: 0})
	assert.Equal(t, 0, r.Total)
	assert.Len(t, r.Buckets, DefaultBuckets)
	assert.Equal(t, 0, r.ValueToBucket(42))
	assert.Equal(t, 0, r.MaxBucket())

	all := sliceParams([]float64{1, 2, 3}, map[int]bool{0: true, 1: true, 2: true}, nil)
	r = Build(all)
	assert.Equal(t, 0, r.Total)
	assert.Equal(t, 0, sumBuckets(r))
	assert.Zero(t, r.BucketInfo(3).Percentage)
}

func TestBuild_Degenerate(t *testing.T) {
	p := sliceParams([]float64{5, 5, 5, 5}, nil, map[int]bool{1: true})
	p.Buckets = 8
	r := Build(p)

	require.Equal(t, 4, r.Total)
	assert.Equal(t, 5.0, r.Min)
	assert.Equal(t, 5.0, r.Max)
	assert.Equal(t, Bucket{Selected: 1, Unselected: 3}, r.Buckets[0])
	assert.Equal(t, 4, sumBuckets(r))

	p.LogScale = true
	r = Build(p)
	assert.Equal(t, Bucket{Selected: 1, Unselected: 3}, r.Buckets[0])
	edges := r.Edges()
	assert.Len(t, edges, 9)
	assert.Equal(t, 5.0, edges[8])
}

func TestBuild_SumsMatchTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	values := make([]float64, 10000)
	excluded := make(map[int]bool)
	selected := make(map[int]bool)
	for i := range values {
		values[i] = rng.NormFloat64() * 100
		if rng.Intn(10) == 0 {
			excluded[i] = true
		}
		if rng.Intn(3) == 0 {
			selected[i] = true
		}
	}
	values[17] = math.NaN()
	values[18] = math.Inf(1)

	for _, logScale := range []bool{false, true} {
		p := sliceParams(values, excluded, selected)
		p.LogScale = logScale
		r := Build(p)

		want := 0
		for i, v := range values {
			if !excluded[i] && !math.IsNaN(v) && !math.IsInf(v, 0) {
				want++
			}
		}
		assert.Equal(t, want, r.Total)
		assert.Equal(t, r.Total, sumBuckets(r))
	}
}

func TestBuild_Idempotent(t *testing.T) {
	values := []float64{0.1, 3, 2.5, 100, 42, 0.001, 7}
	for _, logScale := range []bool{false, true} {
		p := sliceParams(values, map[int]bool{2: true}, map[int]bool{3: true, 4: true})
		p.LogScale = logScale
		p.Buckets = 16

		a := Build(p)
		b := Build(p)
		if diff := cmp.Diff(a.Buckets, b.Buckets); diff != "" {
			t.Fatalf("rebuild changed buckets (log=%v) (-first +second):\n%s", logScale, diff)
		}
		assert.Equal(t, a.Edges(), b.Edges())
	}
}

func TestValueToBucket_Monotonic(t *testing.T) {
	values := []float64{-10, -1, 0, 0.5, 1, 10, 1000}
	for _, logScale := range []bool{false, true} {
		p := sliceParams(values, nil, nil)
		p.LogScale = logScale
		p.Buckets = 32
		r := Build(p)

		prev := -1
		for v := -20.0; v <= 2000; v += 0.37 {
			b := r.ValueToBucket(v)
			require.GreaterOrEqual(t, b, prev, "log=%v v=%v", logScale, v)
			require.GreaterOrEqual(t, b, 0)
			require.Less(t, b, 32)
			prev = b
		}
		assert.Equal(t, 0, r.ValueToBucket(math.Inf(-1)))
		assert.Equal(t, 31, r.ValueToBucket(math.Inf(1)))
		assert.Equal(t, 0, r.ValueToBucket(math.NaN()))
	}
}

func TestBuild_LinearBuckets(t *testing.T) {
	p := sliceParams([]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, nil, map[int]bool{10: true})
	p.Buckets = 5
	r := Build(p)

	want := []Bucket{
		{Unselected: 2},
		{Unselected: 2},
		{Unselected: 2},
		{Unselected: 2},
		{Unselected: 2, Selected: 1},
	}
	if diff := cmp.Diff(want, r.Buckets); diff != "" {
		t.Fatalf("unexpected buckets (-want +got):\n%s", diff)
	}
	assert.Equal(t, []float64{0, 2, 4, 6, 8, 10}, r.Edges())
	assert.InDelta(t, 4.0, r.BucketValue(2), 1e-12)
	assert.Equal(t, 1, r.SelectedTotal())
	assert.Equal(t, 3, r.MaxBucket())
}

func TestBuild_LogBuckets(t *testing.T) {
	p := sliceParams([]float64{1, 15, 150, 1000, -5, 0}, nil, nil)
	p.LogScale = true
	p.Buckets = 3
	p.Epsilon = 1
	r := Build(p)

	// Non-positive values clamp to epsilon and land in the first bucket.
	assert.Equal(t, []Bucket{{Unselected: 3}, {Unselected: 1}, {Unselected: 2}}, r.Buckets)
	assert.Equal(t, -5.0, r.Min)
	edges := r.Edges()
	assert.InDeltaSlice(t, []float64{1, 10, 100, 1000}, edges, 1e-9)
	assert.InDelta(t, 10.0, r.BucketValue(1), 1e-9)
}

func TestBucketInfo(t *testing.T) {
	p := sliceParams([]float64{0, 1, 2, 3}, nil, map[int]bool{3: true})
	p.Buckets = 2
	r := Build(p)

	info := r.BucketInfo(1)
	assert.Equal(t, Info{
		Bucket:     1,
		Value:      1.5,
		Count:      2,
		Selected:   1,
		Unselected: 1,
		Total:      4,
		Percentage: 50,
	}, info)

	assert.Equal(t, 1, r.BucketInfo(99).Bucket)
	assert.Equal(t, 0, r.BucketInfo(-4).Bucket)
}

func TestBuild_VolumeExcludesDeleted(t *testing.T) {
	ps := splat.NewPointSet("four", 4)
	for _, name := range []string{"scale_0", "scale_1", "scale_2"} {
		require.NoError(t, ps.AddProperty(name, []float32{0, 0, 1, 1}))
	}
	require.NoError(t, ps.SetStates([]uint8{0, 0, 0, uint8(splat.StateDeleted)}))

	volume, err := attribute.Resolve(ps, "volume")
	require.NoError(t, err)

	r := Build(Params{
		Count: ps.Len(),
		Value: func(i int) (float64, bool) {
			if !ps.StateAt(i).Eligible() {
				return 0, false
			}
			return volume(i), true
		},
		Selected: func(i int) bool { return ps.StateAt(i) == splat.StateSelected },
		Buckets:  2,
	})

	assert.Equal(t, 3, r.Total)
	assert.Equal(t, []Bucket{{Unselected: 2}, {Unselected: 1}}, r.Buckets)
	assert.InDelta(t, math.Exp(3), r.Max, 1e-4)
}
