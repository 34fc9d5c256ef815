package capture

import "math"

// meterFloorDB is the level that maps to a meter reading of 0.
const meterFloorDB = -96.0

// MeterLevel is the RMS of samples in dBFS, scaled by boost and normalised
// so that meterFloorDB reads 0 and full scale reads 1.
func MeterLevel(samples []float32, boost float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) * boost
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	db := 20 * math.Log10(rms)
	if math.IsNaN(db) || math.IsInf(db, 0) {
		db = meterFloorDB
	}
	return clamp01((db - meterFloorDB) / -meterFloorDB)
}

// amplitudeProbability places level between the thresholds. It is 0 when
// the thresholds coincide.
func amplitudeProbability(level float64, th Thresholds) float64 {
	if th.Max <= th.Min {
		return 0
	}
	return clamp01((level - th.Min) / (th.Max - th.Min))
}

// SpeechEstimator turns one captured buffer into a speech probability in
// [0, 1]. Estimate is only ever called from the capture goroutine, one buffer
// at a time, so implementations may keep state between calls.
type SpeechEstimator interface {
	Estimate(samples []float32, sampleRate float64, level float64) float64
}

// EstimatorFunc adapts a function to SpeechEstimator.
type EstimatorFunc func(samples []float32, sampleRate float64, level float64) float64

func (f EstimatorFunc) Estimate(samples []float32, sampleRate float64, level float64) float64 {
	return f(samples, sampleRate, level)
}

// hysteresis returns the new gate given the current one. At or above max
// opens, at or below min closes, anything between holds.
func hysteresis(open bool, v float64, th Thresholds) bool {
	switch {
	case v >= th.Max:
		return true
	case v <= th.Min:
		return false
	default:
		return open
	}
}
