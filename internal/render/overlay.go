package render

import (
	"bytes"
	"image"
	"image/color"
	"sync"

	"github.com/fogleman/gg"

	"github.com/splat-tiles/server/internal/segment"
)

var (
	overlayFill = color.NRGBA{R: 255, G: 255, B: 255, A: 128}
	clickColor  = color.NRGBA{R: 255, G: 0, B: 0, A: 255}
)

// MaskOverlay renders a category mask as a translucent white layer with the click point
// marked in red.
type MaskOverlay struct {
	bufferPool sync.Pool
	dotRadius  float64
}

// NewMaskOverlay creates an overlay renderer.
func NewMaskOverlay() *MaskOverlay {
	return &MaskOverlay{
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
		dotRadius: 4,
	}
}

// Image builds the overlay image for cm.
func (o *MaskOverlay) Image(cm *segment.CategoryMask, click segment.Point) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, cm.Width, cm.Height))
	for y := 0; y < cm.Height; y++ {
		for x := 0; x < cm.Width; x++ {
			if cm.At(x, y) == segment.Foreground {
				img.SetNRGBA(x, y, overlayFill)
			}
		}
	}

	dc := gg.NewContextForImage(img)
	dc.SetColor(clickColor)
	dc.DrawCircle(click.X*float64(cm.Width), click.Y*float64(cm.Height), o.dotRadius)
	dc.Fill()
	return dc.Image()
}

// Render encodes the overlay as PNG.
func (o *MaskOverlay) Render(cm *segment.CategoryMask, click segment.Point) ([]byte, error) {
	if err := cm.Validate(); err != nil {
		return nil, err
	}
	return encode(&o.bufferPool, o.Image(cm, click))
}
