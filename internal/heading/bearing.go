package heading

import "math"

const twoPi = 2 * math.Pi

// Bearing is a heading relative to north in radians, in (-π, π].
type Bearing float64

// Normalize wraps angle into (-π, π].
func Normalize(angle float64) Bearing {
	if math.IsNaN(angle) || math.IsInf(angle, 0) {
		return 0
	}
	if angle > math.Pi || angle <= -math.Pi {
		angle = math.Mod(angle, twoPi)
		if angle > math.Pi {
			angle -= twoPi
		} else if angle <= -math.Pi {
			angle += twoPi
		}
	}
	return Bearing(angle)
}

// Radians returns the bearing as a plain float.
func (b Bearing) Radians() float64 { return float64(b) }

// Degrees returns the bearing in degrees, in (-180, 180].
func (b Bearing) Degrees() float64 { return float64(b) * 180 / math.Pi }
