package capture

import "math"

const (
	DefaultVADMin = 0.3
	DefaultVADMax = 0.6
)

// Thresholds are the VAD hysteresis bounds. Min <= Max, both in [0, 1].
type Thresholds struct {
	Min float64
	Max float64
}

// NormalizeThresholds repairs out-of-range input instead of rejecting it:
// NaN takes the default, values are clamped to [0, 1] and an inverted pair
// is swapped.
func NormalizeThresholds(lo, hi float64) Thresholds {
	if math.IsNaN(lo) {
		lo = DefaultVADMin
	}
	if math.IsNaN(hi) {
		hi = DefaultVADMax
	}
	lo, hi = clamp01(lo), clamp01(hi)
	if lo > hi {
		lo, hi = hi, lo
	}
	return Thresholds{Min: lo, Max: hi}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
