// Package histogram buckets per-point values into a fixed number of bins, tracking
// selected and unselected counts separately.
package histogram

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	// DefaultBuckets is the bucket count used by the data panel.
	DefaultBuckets = 256
	// DefaultEpsilon is the lower clamp applied to values in log mode.
	DefaultEpsilon = 1e-6
)

// ValueFunc returns the value of point i, or false when the point is excluded.
type ValueFunc func(i int) (float64, bool)

// SelectedFunc reports whether point i is currently selected.
type SelectedFunc func(i int) bool

// Params describes one histogram build.
type Params struct {
	Count    int
	Value    ValueFunc
	Selected SelectedFunc
	LogScale bool
	// Buckets defaults to DefaultBuckets.
	Buckets int
	// Epsilon defaults to DefaultEpsilon.
	Epsilon float64
}

// Bucket holds the counts of one interval.
type Bucket struct {
	Selected   int `json:"selected"`
	Unselected int `json:"unselected"`
}

// Total returns the number of points in the bucket.
func (b Bucket) Total() int { return b.Selected + b.Unselected }

// Result is a built histogram. It is immutable once returned.
type Result struct {
	Buckets  []Bucket
	Min      float64
	Max      float64
	Total    int
	LogScale bool

	epsilon float64
	// lo and hi are the mapping range in transformed space (log space when LogScale).
	lo, hi float64
}

// Build scans all points twice: once for the value range, once to fill buckets.
// Non-finite values are treated as excluded.
func Build(p Params) *Result {
	k := p.Buckets
	if k <= 0 {
		k = DefaultBuckets
	}
	eps := p.Epsilon
	if eps <= 0 {
		eps = DefaultEpsilon
	}

	r := &Result{
		Buckets:  make([]Bucket, k),
		LogScale: p.LogScale,
		epsilon:  eps,
	}
	if p.Count <= 0 || p.Value == nil {
		return r
	}

	minV, maxV := math.Inf(1), math.Inf(-1)
	for i := 0; i < p.Count; i++ {
		v, ok := p.Value(i)
		if !ok || !finite(v) {
			continue
		}
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
		r.Total++
	}
	if r.Total == 0 {
		return r
	}

	r.Min, r.Max = minV, maxV
	r.lo, r.hi = r.transform(minV), r.transform(maxV)

	for i := 0; i < p.Count; i++ {
		v, ok := p.Value(i)
		if !ok || !finite(v) {
			continue
		}
		b := &r.Buckets[r.ValueToBucket(v)]
		if p.Selected != nil && p.Selected(i) {
			b.Selected++
		} else {
			b.Unselected++
		}
	}
	return r
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (r *Result) transform(v float64) float64 {
	if !r.LogScale {
		return v
	}
	return math.Log(math.Max(v, r.epsilon))
}

// NumBuckets returns the bucket count.
func (r *Result) NumBuckets() int { return len(r.Buckets) }

// ValueToBucket maps a value to its bucket index in [0, NumBuckets-1]. The same mapping is
// used to fill the histogram, so selection by bucket range matches what was displayed.
func (r *Result) ValueToBucket(v float64) int {
	k := len(r.Buckets)
	if k == 0 || math.IsNaN(v) {
		return 0
	}
	span := r.hi - r.lo
	if span <= 0 {
		return 0
	}
	f := (r.transform(v) - r.lo) / span * float64(k)
	switch {
	case f <= 0:
		return 0
	case f >= float64(k-1):
		return k - 1
	}
	return int(f)
}

// Edges returns the NumBuckets+1 bucket boundaries in value space. A degenerate range
// yields equal edges.
func (r *Result) Edges() []float64 {
	k := len(r.Buckets)
	edges := make([]float64, k+1)
	if r.Total == 0 || r.hi <= r.lo {
		for i := range edges {
			edges[i] = r.Min
		}
		return edges
	}
	if r.LogScale {
		return floats.LogSpan(edges, math.Exp(r.lo), math.Exp(r.hi))
	}
	return floats.Span(edges, r.lo, r.hi)
}

// BucketValue returns the lower edge of bucket b.
func (r *Result) BucketValue(b int) float64 {
	k := len(r.Buckets)
	if k == 0 {
		return r.Min
	}
	b = clamp(b, 0, k-1)
	t := float64(b) / float64(k)
	if r.LogScale {
		return math.Exp(r.lo + t*(r.hi-r.lo))
	}
	return r.lo + t*(r.hi-r.lo)
}

// Info summarizes one bucket for the hover overlay.
type Info struct {
	Bucket     int     `json:"bucket"`
	Value      float64 `json:"value"`
	Count      int     `json:"count"`
	Selected   int     `json:"selected"`
	Unselected int     `json:"unselected"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// BucketInfo describes bucket b, clamped to the valid range.
func (r *Result) BucketInfo(b int) Info {
	if len(r.Buckets) == 0 {
		return Info{}
	}
	b = clamp(b, 0, len(r.Buckets)-1)
	bk := r.Buckets[b]
	info := Info{
		Bucket:     b,
		Value:      r.BucketValue(b),
		Count:      bk.Total(),
		Selected:   bk.Selected,
		Unselected: bk.Unselected,
		Total:      r.Total,
	}
	if r.Total > 0 {
		info.Percentage = float64(info.Count) / float64(r.Total) * 100
	}
	return info
}

// MaxBucket returns the largest bucket total, used to scale bar heights.
func (r *Result) MaxBucket() int {
	m := 0
	for _, b := range r.Buckets {
		if t := b.Total(); t > m {
			m = t
		}
	}
	return m
}

// SelectedTotal returns the number of included points that are selected.
func (r *Result) SelectedTotal() int {
	n := 0
	for _, b := range r.Buckets {
		n += b.Selected
	}
	return n
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
