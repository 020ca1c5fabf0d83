package heading

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Standard gravity in m/s².
const gravityEarth = 9.80665

const (
	// Accelerometer magnitudes below 10% of g mean the device is in free
	// fall and gravity cannot be used as the "down" reference.
	freeFallGravitySquared = 0.01 * gravityEarth * gravityEarth
	// Minimum |E×A| before the horizontal field direction is considered
	// undefined (field nearly parallel to gravity).
	minHorizontalField = 0.1
)

// Vector3 is a raw accelerometer or magnetometer sample.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vector3) vec() r3.Vec { return r3.Vec{X: v.X, Y: v.Y, Z: v.Z} }

// finite reports whether every component is a real number.
func (v Vector3) finite() bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// IsZero reports whether all components are zero (no reading yet).
func (v Vector3) IsZero() bool { return v.X == 0 && v.Y == 0 && v.Z == 0 }

// Matrix3 is a row-major 3×3 rotation matrix mapping device coordinates to
// world coordinates (east, north, up).
type Matrix3 [3][3]float64

// RotationMatrix computes the device rotation from a gravity and a
// geomagnetic vector. ok is false when the geometry is degenerate or a
// component is NaN or infinite.
func RotationMatrix(gravity, magnetic Vector3) (m Matrix3, ok bool) {
	if !gravity.finite() || !magnetic.finite() {
		return m, false
	}
	a := gravity.vec()
	e := magnetic.vec()

	if r3.Dot(a, a) < freeFallGravitySquared {
		return m, false
	}

	h := r3.Cross(e, a)
	normH := r3.Norm(h)
	if normH < minHorizontalField || math.IsNaN(normH) || math.IsInf(normH, 0) {
		return m, false
	}
	h = r3.Scale(1/normH, h)
	a = r3.Unit(a)
	n := r3.Cross(a, h)

	m[0] = [3]float64{h.X, h.Y, h.Z}
	m[1] = [3]float64{n.X, n.Y, n.Z}
	m[2] = [3]float64{a.X, a.Y, a.Z}
	return m, true
}

// Azimuth returns the rotation around the world up axis, in radians in
// [-π, π], zero when the device's Y axis points to magnetic north.
func Azimuth(m Matrix3) float64 {
	return math.Atan2(m[0][1], m[1][1])
}
