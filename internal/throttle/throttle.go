// Package throttle rate-limits downstream refreshes.
package throttle

// DefaultIntervalMs is the minimum spacing between camera/marker updates.
const DefaultIntervalMs = 100

// Throttle is a leaky bucket of one: at most one push per interval.
// Not safe for concurrent use.
type Throttle struct {
	lastPush int64 // ms
	interval int64 // ms
}

// New creates a throttle. A non-positive interval falls back to
// DefaultIntervalMs.
func New(minIntervalMs int64) *Throttle {
	if minIntervalMs <= 0 {
		minIntervalMs = DefaultIntervalMs
	}
	return &Throttle{interval: minIntervalMs}
}

// Interval returns the minimum spacing in milliseconds.
func (t *Throttle) Interval() int64 { return t.interval }

// ShouldPush reports whether a refresh may go out at nowMs and, if so,
// records it. A timestamp earlier than the last push means the clock went
// backwards; the gate resets instead of wedging until the clock catches up.
// The false path never mutates state.
func (t *Throttle) ShouldPush(nowMs int64) bool {
	if nowMs < t.lastPush || nowMs > t.lastPush+t.interval {
		t.lastPush = nowMs
		return true
	}
	return false
}

// Reset forgets the last push so the next call is allowed.
func (t *Throttle) Reset() { t.lastPush = 0 }
