// Package render draws histograms and segmentation overlays using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/splat-tiles/server/internal/histogram"
	"github.com/splat-tiles/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Width    int
	Height   int
	Colormap string
}

// HistogramRenderer renders histogram bars: the selected share of each bucket is drawn
// on top of the unselected share.
type HistogramRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewHistogramRenderer creates a new renderer.
func NewHistogramRenderer(cfg Config) *HistogramRenderer {
	if cfg.Width <= 0 {
		cfg.Width = 512
	}
	if cfg.Height <= 0 {
		cfg.Height = 128
	}
	if cfg.Colormap == "" {
		cfg.Colormap = "viridis"
	}
	return &HistogramRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Width, cfg.Height)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 16*1024))
			},
		},
	}
}

// Size returns the image dimensions.
func (r *HistogramRenderer) Size() (int, int) { return r.config.Width, r.config.Height }

// Colormap returns the default colormap name.
func (r *HistogramRenderer) Colormap() string { return r.config.Colormap }

// Render draws h as a PNG. An empty colormap name uses the configured default.
func (r *HistogramRenderer) Render(h *histogram.Result, colormapName string) ([]byte, error) {
	if colormapName == "" {
		colormapName = r.config.Colormap
	}
	cmap, ok := colormap.Lookup(colormapName)
	if !ok {
		return nil, fmt.Errorf("unknown colormap %q", colormapName)
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.Transparent)
	dc.Clear()

	maxCount := h.MaxBucket()
	k := h.NumBuckets()
	if maxCount == 0 || k == 0 {
		return r.encodeContext(dc)
	}

	width := float64(r.config.Width)
	height := float64(r.config.Height)
	barWidth := width / float64(k)

	for b, bucket := range h.Buckets {
		total := bucket.Total()
		if total == 0 {
			continue
		}
		x := float64(b) * barWidth
		barHeight := float64(total) / float64(maxCount) * height
		selHeight := float64(bucket.Selected) / float64(maxCount) * height

		var t float64
		if k > 1 {
			t = float64(b) / float64(k-1)
		}
		dc.SetColor(cmap.At(t))
		dc.DrawRectangle(x, height-barHeight, barWidth, barHeight-selHeight)
		dc.Fill()

		if bucket.Selected > 0 {
			dc.SetColor(colormap.Highlight.At(0))
			dc.DrawRectangle(x, height-selHeight, barWidth, selHeight)
			dc.Fill()
		}
	}

	return r.encodeContext(dc)
}

func (r *HistogramRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	return encode(&r.bufferPool, dc.Image())
}

func encode(pool *sync.Pool, img image.Image) ([]byte, error) {
	buf := pool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		pool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
