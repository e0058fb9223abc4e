package segment

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/splat-tiles/server/internal/mask"
	"github.com/splat-tiles/server/internal/splat"
)

// ErrMissingPosition is returned when the point set lacks x, y or z.
var ErrMissingPosition = errors.New("point set has no position properties")

// ProjectionMapper maps a pixel mask to the points whose projected centers fall on
// foreground pixels, using the view-projection matrix the image was rendered with.
type ProjectionMapper struct {
	m [16]float64 // row-major
}

// NewProjectionMapper takes a 4x4 view-projection matrix in column-major order, the
// layout WebGL uses.
func NewProjectionMapper(viewProjection [16]float64) *ProjectionMapper {
	cols := mat.NewDense(4, 4, viewProjection[:])
	var rows mat.Dense
	rows.CloneFrom(cols.T())

	p := &ProjectionMapper{}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			p.m[r*4+c] = rows.At(r, c)
		}
	}
	return p
}

// Project returns the normalized device coordinates of a world position. ok is false
// for points behind the camera.
func (p *ProjectionMapper) Project(x, y, z float64) (nx, ny float64, ok bool) {
	m := &p.m
	cx := m[0]*x + m[1]*y + m[2]*z + m[3]
	cy := m[4]*x + m[5]*y + m[6]*z + m[7]
	cw := m[12]*x + m[13]*y + m[14]*z + m[15]
	if cw <= 0 {
		return 0, 0, false
	}
	return cx / cw, cy / cw, true
}

// CalculateMask implements Mapper. Deleted and hidden points are never matched.
func (p *ProjectionMapper) CalculateMask(ps *splat.PointSet, _ mask.Operator, cm *CategoryMask) (*mask.Set, error) {
	if err := cm.Validate(); err != nil {
		return nil, err
	}
	xs, okx := ps.Property("x")
	ys, oky := ps.Property("y")
	zs, okz := ps.Property("z")
	if !okx || !oky || !okz {
		return nil, ErrMissingPosition
	}

	out := mask.NewSet()
	for i := 0; i < ps.Len(); i++ {
		s := ps.StateAt(i)
		if s.Has(splat.StateDeleted) || s.Has(splat.StateHidden) {
			continue
		}
		nx, ny, ok := p.Project(float64(xs[i]), float64(ys[i]), float64(zs[i]))
		if !ok || nx < -1 || nx > 1 || ny < -1 || ny > 1 {
			continue
		}
		px := int((nx + 1) / 2 * float64(cm.Width))
		py := int((1 - ny) / 2 * float64(cm.Height))
		if px == cm.Width {
			px--
		}
		if py == cm.Height {
			py--
		}
		if cm.At(px, py) == Foreground {
			out.Add(i)
		}
	}
	if out.IsEmpty() {
		return nil, nil
	}
	return out, nil
}
