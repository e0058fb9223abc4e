package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/splat-tiles/server/internal/histogram"
	"github.com/splat-tiles/server/internal/segment"
)

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	return img
}

func rgba(c color.Color) color.RGBA {
	return color.RGBAModel.Convert(c).(color.RGBA)
}

func TestHistogramRenderer_Bars(t *testing.T) {
	r := NewHistogramRenderer(Config{Width: 40, Height: 20})
	h := histogram.Build(histogram.Params{
		Count:    4,
		Value:    func(i int) (float64, bool) { return []float64{0, 0, 1, 1}[i], true },
		Selected: func(i int) bool { return i == 3 },
		Buckets:  2,
	})

	data, err := r.Render(h, "")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	img := decode(t, data)
	if img.Bounds().Dx() != 40 || img.Bounds().Dy() != 20 {
		t.Fatalf("unexpected size %v", img.Bounds())
	}

	// The bottom of the right bar is the selected half.
	if got := rgba(img.At(30, 18)); got != (color.RGBA{R: 255, G: 102, B: 0, A: 255}) {
		t.Errorf("expected highlight at bottom of right bar, got %#v", got)
	}
	// The top of the left bar is unselected and drawn with the colormap.
	if got := rgba(img.At(10, 2)); got.A != 255 || got == (color.RGBA{R: 255, G: 102, B: 0, A: 255}) {
		t.Errorf("expected colormap color at top of left bar, got %#v", got)
	}
}

func TestHistogramRenderer_Empty(t *testing.T) {
	r := NewHistogramRenderer(Config{Width: 8, Height: 8})
	data, err := r.Render(histogram.Build(histogram.Params{}), "magma")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got := rgba(decode(t, data).At(4, 4)); got.A != 0 {
		t.Errorf("expected transparent image, got %#v", got)
	}

	if _, err := r.Render(histogram.Build(histogram.Params{}), "nope"); err == nil {
		t.Fatal("expected error for unknown colormap")
	}
}

func TestMaskOverlay(t *testing.T) {
	cm := &segment.CategoryMask{Width: 20, Height: 10, Data: make([]uint8, 200)}
	for y := 0; y < 10; y++ {
		for x := 10; x < 20; x++ {
			cm.Data[y*20+x] = segment.Background
		}
	}

	o := NewMaskOverlay()
	data, err := o.Render(cm, segment.Point{X: 0.25, Y: 0.5})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	img := decode(t, data)

	if got := color.NRGBAModel.Convert(img.At(1, 1)).(color.NRGBA); got.A != 128 {
		t.Errorf("expected translucent foreground, got %#v", got)
	}
	if got := rgba(img.At(18, 1)); got.A != 0 {
		t.Errorf("expected transparent background, got %#v", got)
	}
	if got := color.NRGBAModel.Convert(img.At(5, 5)).(color.NRGBA); got.R != 255 || got.G > 10 {
		t.Errorf("expected red click marker, got %#v", got)
	}

	if _, err := o.Render(&segment.CategoryMask{Width: 2, Height: 2}, segment.Point{}); err == nil {
		t.Fatal("expected error for malformed mask")
	}
}
