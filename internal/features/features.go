// Package features normalizes raw segment state into the fixed feature
// vector a profile's scorers and rules operate on.
package features

import (
	"math"
	"strconv"
	"strings"

	"github.com/opensource-utility/kestrel/internal/domain"
)

// Vector is one normalized observation: values aligned with the profile's
// metric vocabulary plus the list of sources that were absent from input.
type Vector struct {
	// Values is keyed by metric name and always holds every metric of the
	// profile, with defaults substituted for missing or malformed input.
	Values map[string]float64

	// Ordered holds the same values in profile declaration order.
	Ordered []float64

	// Missing lists the source keys absent from input, in declaration
	// order. Drives the confidence penalty.
	Missing []string
}

// Normalize builds the profile's feature vector from a raw key-value state.
// Unknown input keys are ignored; missing or unparsable metrics take their
// declared default. The function is pure: same input, same output.
func Normalize(p *domain.Profile, raw map[string]any) Vector {
	v := Vector{
		Values:  make(map[string]float64, len(p.Metrics)),
		Ordered: make([]float64, 0, len(p.Metrics)),
	}
	for _, m := range p.Metrics {
		in, present := raw[m.SourceKey()]
		if !present {
			v.Missing = append(v.Missing, m.SourceKey())
			v.set(m.Name, m.Default)
			continue
		}
		if m.FromStatus {
			v.set(m.Name, statusValue(in))
			continue
		}
		f, ok := toFloat(in)
		if !ok || math.IsNaN(f) {
			v.set(m.Name, m.Default)
			continue
		}
		v.set(m.Name, f)
	}
	return v
}

func (v *Vector) set(name string, val float64) {
	v.Values[name] = val
	v.Ordered = append(v.Ordered, val)
}

// statusValue coerces a status string to a boolean metric: fault-like states
// map to 1, everything else to 0.
func statusValue(in any) float64 {
	s, ok := in.(string)
	if !ok {
		if f, ok := toFloat(in); ok && f != 0 {
			return 1
		}
		return 0
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fault", "down", "offline":
		return 1
	default:
		return 0
	}
}

// toFloat accepts the numeric shapes JSON decoding and sensor payloads
// produce.
func toFloat(in any) (float64, bool) {
	switch x := in.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
