// Package metrics holds the Prometheus instrumentation of the server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	HistogramBuild       *prometheus.HistogramVec
	SelectionOps         *prometheus.CounterVec
	SelectedPoints       *prometheus.GaugeVec
	SegmentationRequests *prometheus.CounterVec
	CacheLookups         *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	histogramBuild := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "splat_histogram_build_seconds",
		Help:    "Time spent resolving values and bucketing one histogram",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"dataset"})

	selectionOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "splat_selection_ops_total",
		Help: "Selection operations applied to point state",
	}, []string{"dataset", "op"})

	selectedPoints := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "splat_selected_points",
		Help: "Points currently selected",
	}, []string{"dataset"})

	segmentationRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "splat_segmentation_requests_total",
		Help: "Segmentation requests by outcome",
	}, []string{"dataset", "outcome"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "splat_cache_lookups_total",
		Help: "Cache lookups by cache and result",
	}, []string{"cache", "result"})

	reg.MustRegister(histogramBuild, selectionOps, selectedPoints, segmentationRequests, cacheLookups)

	return &Metrics{
		HistogramBuild:       histogramBuild,
		SelectionOps:         selectionOps,
		SelectedPoints:       selectedPoints,
		SegmentationRequests: segmentationRequests,
		CacheLookups:         cacheLookups,
	}
}

// ObserveBuild records one histogram build.
func (m *Metrics) ObserveBuild(dataset string, d time.Duration) {
	if m == nil {
		return
	}
	m.HistogramBuild.WithLabelValues(dataset).Observe(d.Seconds())
}

// SelectionApplied records a selection op and the resulting selected count.
func (m *Metrics) SelectionApplied(dataset, op string, selected int) {
	if m == nil {
		return
	}
	m.SelectionOps.WithLabelValues(dataset, op).Inc()
	m.SelectedPoints.WithLabelValues(dataset).Set(float64(selected))
}

// Segmentation records the outcome of a segmentation request.
func (m *Metrics) Segmentation(dataset, outcome string) {
	if m == nil {
		return
	}
	m.SegmentationRequests.WithLabelValues(dataset, outcome).Inc()
}

// CacheLookup records a hit or miss.
func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}
