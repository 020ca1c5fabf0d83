// Package heading turns accelerometer and magnetometer samples into a
// smoothed compass bearing.
package heading

import "math"

// DefaultAlpha is the EMA retention factor: each observation keeps 90% of
// the previous bearing.
const DefaultAlpha = 0.9

// Filter is an exponential moving average over compass headings that takes
// the short way around the ±π seam. Not safe for concurrent use; callers
// guard it with their own lock.
type Filter struct {
	alpha   float64
	current Bearing
}

// NewFilter creates a filter with the given retention factor. Values
// outside (0, 1) fall back to DefaultAlpha.
func NewFilter(alpha float64) *Filter {
	if !(alpha > 0 && alpha < 1) {
		alpha = DefaultAlpha
	}
	return &Filter{alpha: alpha}
}

// Alpha returns the retention factor in use.
func (f *Filter) Alpha() float64 { return f.alpha }

// Current returns the last smoothed bearing.
func (f *Filter) Current() Bearing { return f.current }

// Reset returns the filter to north.
func (f *Filter) Reset() { f.current = 0 }

// Observe updates the bearing from the latest gravity and magnetic vectors.
// It returns false, leaving the state alone, when the device rotation
// cannot be determined from the pair.
func (f *Filter) Observe(gravity, magnetic Vector3) (Bearing, bool) {
	m, ok := RotationMatrix(gravity, magnetic)
	if !ok {
		return f.current, false
	}
	return f.Blend(Azimuth(m)), true
}

// Blend folds one raw azimuth (radians) into the running average. A
// non-finite raw value leaves the average unchanged.
func (f *Filter) Blend(raw float64) Bearing {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return f.current
	}
	old := float64(f.current)
	if math.Abs(old-raw) > math.Pi {
		if raw > 0 {
			raw -= twoPi
		} else {
			raw += twoPi
		}
	}
	f.current = Normalize(f.alpha*old + (1-f.alpha)*raw)
	return f.current
}
