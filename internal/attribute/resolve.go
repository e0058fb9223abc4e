// Package attribute turns attribute keys into per-point value functions.
//
// A key names either a raw stored property ("x", "scale_0", "opacity", ...) or a
// derived metric computed from several properties ("volume", "hue", ...). Keys are
// classified into a closed set of kinds and each kind builds its closure once, so
// evaluation is a plain slice lookup plus arithmetic with no per-call dispatch.
package attribute

import (
	"errors"
	"fmt"
	"math"
)

// SHC0 is the degree-0 spherical harmonic coefficient.
const SHC0 = 0.28209479177387814

// ErrUnresolvableAttribute is returned when a key needs properties the store does not have.
var ErrUnresolvableAttribute = errors.New("unresolvable attribute")

// MissingPropertyError names the property that prevented a key from resolving.
type MissingPropertyError struct {
	Key      string
	Property string
}

func (e *MissingPropertyError) Error() string {
	return fmt.Sprintf("attribute %q requires property %q", e.Key, e.Property)
}

func (e *MissingPropertyError) Unwrap() error { return ErrUnresolvableAttribute }

// Store is the read side of a point set.
type Store interface {
	Len() int
	Property(name string) ([]float32, bool)
	PropertyNames() []string
}

// ValueFunc returns the attribute value of point i.
type ValueFunc func(i int) float64

// Kind is the closed set of ways a key is evaluated.
type Kind uint8

const (
	KindRaw Kind = iota
	KindScale
	KindColor
	KindOpacity
	KindDistance
	KindVolume
	KindSurfaceArea
	KindHue
	KindSaturation
	KindValue
)

var kindNames = [...]string{
	KindRaw:         "raw",
	KindScale:       "scale",
	KindColor:       "color",
	KindOpacity:     "opacity",
	KindDistance:    "distance",
	KindVolume:      "volume",
	KindSurfaceArea: "surface-area",
	KindHue:         "hue",
	KindSaturation:  "saturation",
	KindValue:       "value",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Derived reports whether the kind combines several properties.
func (k Kind) Derived() bool {
	return k >= KindDistance
}

var (
	positionProps = []string{"x", "y", "z"}
	scaleProps    = []string{"scale_0", "scale_1", "scale_2"}
	colorProps    = []string{"f_dc_0", "f_dc_1", "f_dc_2"}
)

// Classify maps a key to its kind and the raw properties it reads.
func Classify(key string) (Kind, []string) {
	switch key {
	case "scale_0", "scale_1", "scale_2":
		return KindScale, []string{key}
	case "f_dc_0", "f_dc_1", "f_dc_2":
		return KindColor, []string{key}
	case "opacity":
		return KindOpacity, []string{key}
	case "distance":
		return KindDistance, positionProps
	case "volume":
		return KindVolume, scaleProps
	case "surface-area":
		return KindSurfaceArea, scaleProps
	case "hue":
		return KindHue, colorProps
	case "saturation":
		return KindSaturation, colorProps
	case "value":
		return KindValue, colorProps
	}
	return KindRaw, []string{key}
}

// DecodeScale converts a stored log-scale to physical units.
func DecodeScale(v float32) float64 { return math.Exp(float64(v)) }

// DecodeColor converts a degree-0 SH coefficient to a linear color channel.
func DecodeColor(v float32) float64 { return 0.5 + float64(v)*SHC0 }

// DecodeOpacity converts a stored opacity logit to [0, 1].
func DecodeOpacity(v float32) float64 { return 1 / (1 + math.Exp(-float64(v))) }

// Resolve builds the value function for key over store. The returned closure holds the
// property slices, not the store, and must be rebuilt when the store changes.
func Resolve(store Store, key string) (ValueFunc, error) {
	kind, names := Classify(key)

	cols := make([][]float32, len(names))
	for i, name := range names {
		col, ok := store.Property(name)
		if !ok || len(col) < store.Len() {
			return nil, &MissingPropertyError{Key: key, Property: name}
		}
		cols[i] = col
	}

	switch kind {
	case KindRaw:
		c := cols[0]
		return func(i int) float64 { return float64(c[i]) }, nil
	case KindScale:
		c := cols[0]
		return func(i int) float64 { return DecodeScale(c[i]) }, nil
	case KindColor:
		c := cols[0]
		return func(i int) float64 { return DecodeColor(c[i]) }, nil
	case KindOpacity:
		c := cols[0]
		return func(i int) float64 { return DecodeOpacity(c[i]) }, nil
	case KindDistance:
		x, y, z := cols[0], cols[1], cols[2]
		return func(i int) float64 {
			px, py, pz := float64(x[i]), float64(y[i]), float64(z[i])
			return math.Sqrt(px*px + py*py + pz*pz)
		}, nil
	case KindVolume:
		sx, sy, sz := cols[0], cols[1], cols[2]
		return func(i int) float64 {
			return DecodeScale(sx[i]) * DecodeScale(sy[i]) * DecodeScale(sz[i])
		}, nil
	case KindSurfaceArea:
		// Sum of squared axis scales, not the ellipsoid surface. Consumers depend on this value.
		sx, sy, sz := cols[0], cols[1], cols[2]
		return func(i int) float64 {
			a, b, c := DecodeScale(sx[i]), DecodeScale(sy[i]), DecodeScale(sz[i])
			return a*a + b*b + c*c
		}, nil
	case KindHue, KindSaturation, KindValue:
		return hsvFunc(kind, cols[0], cols[1], cols[2]), nil
	}
	panic(fmt.Sprintf("attribute: unhandled kind %v", kind))
}

func hsvFunc(kind Kind, r, g, b []float32) ValueFunc {
	decode := func(i int) (float64, float64, float64) {
		return RGBToHSV(DecodeColor(r[i]), DecodeColor(g[i]), DecodeColor(b[i]))
	}
	switch kind {
	case KindHue:
		return func(i int) float64 {
			h, _, _ := decode(i)
			return h * 360
		}
	case KindSaturation:
		return func(i int) float64 {
			_, s, _ := decode(i)
			return s
		}
	default:
		return func(i int) float64 {
			_, _, v := decode(i)
			return v
		}
	}
}

// RGBToHSV converts RGB to HSV with all components in [0, 1] for in-gamut input.
// Achromatic colors report hue 0.
func RGBToHSV(r, g, b float64) (h, s, v float64) {
	maxC := math.Max(r, math.Max(g, b))
	minC := math.Min(r, math.Min(g, b))
	v = maxC
	d := maxC - minC
	if maxC != 0 {
		s = d / maxC
	}
	if d == 0 {
		return 0, s, v
	}
	switch maxC {
	case r:
		h = (g - b) / d
		if g < b {
			h += 6
		}
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	return h / 6, s, v
}
