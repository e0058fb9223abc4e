package attribute

import (
	"github.com/coregx/coregex"
)

// DefaultKey is the attribute shown when a scene is first selected.
const DefaultKey = "surface-area"

// DerivedKeys lists the derived metrics in display order.
var DerivedKeys = []string{"distance", "volume", "surface-area", "hue", "saturation", "value"}

var suppressedKeys = map[string]struct{}{
	"state":     {},
	"transform": {},
}

var restCoefficient = coregex.MustCompile(`^f_rest_\d+$`)

var labels = map[string]string{
	"x":            "X",
	"y":            "Y",
	"z":            "Z",
	"distance":     "Distance",
	"volume":       "Volume",
	"surface-area": "Surface Area",
	"scale_0":      "Scale X",
	"scale_1":      "Scale Y",
	"scale_2":      "Scale Z",
	"f_dc_0":       "Red",
	"f_dc_1":       "Green",
	"f_dc_2":       "Blue",
	"opacity":      "Opacity",
	"hue":          "Hue",
	"saturation":   "Saturation",
	"value":        "Value",
}

// Option is one entry of the attribute selector.
type Option struct {
	Key     string `json:"key"`
	Label   string `json:"label"`
	Derived bool   `json:"derived"`
	// Available is false when the store lacks a property the key needs.
	Available bool `json:"available"`
}

// Suppressed reports whether key is hidden from the selector.
func Suppressed(key string) bool {
	if _, ok := suppressedKeys[key]; ok {
		return true
	}
	return restCoefficient.MatchString(key)
}

// Label returns the display label of key, falling back to the key itself.
func Label(key string) string {
	if l, ok := labels[key]; ok {
		return l
	}
	return key
}

// Options lists the selectable keys of store: raw properties in store order followed by the
// derived metrics, minus suppressed keys.
func Options(store Store) []Option {
	raw := store.PropertyNames()
	keys := make([]string, 0, len(raw)+len(DerivedKeys))
	keys = append(keys, raw...)
	keys = append(keys, DerivedKeys...)

	out := make([]Option, 0, len(keys))
	for _, key := range keys {
		if Suppressed(key) {
			continue
		}
		kind, _ := Classify(key)
		out = append(out, Option{
			Key:       key,
			Label:     Label(key),
			Derived:   kind.Derived(),
			Available: Resolvable(store, key),
		})
	}
	return out
}

// Resolvable reports whether Resolve would succeed for key.
func Resolvable(store Store, key string) bool {
	_, names := Classify(key)
	for _, name := range names {
		col, ok := store.Property(name)
		if !ok || len(col) < store.Len() {
			return false
		}
	}
	return true
}
