// Package sensors delivers accelerometer and magnetometer samples from a
// serial IMU or a simulated device.
package sensors

import (
	"fmt"
	"time"

	"github.com/missilemap/missilemap-go/internal/heading"
)

// Kind tags which sensor produced a sample.
type Kind int

const (
	Accelerometer Kind = iota + 1
	Magnetic
)

func (k Kind) String() string {
	switch k {
	case Accelerometer:
		return "accelerometer"
	case Magnetic:
		return "magnetic"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sample is one vector reading from one sensor.
type Sample struct {
	Kind   Kind
	Vector heading.Vector3
	Stamp  time.Time
}

// Provider is the interface all sensor backends implement.
type Provider interface {
	// Name returns a human-readable name.
	Name() string
	// Connect opens the underlying device.
	Connect() error
	// Close shuts the device down.
	Close() error
	// Read blocks until the next sample is available.
	Read() (Sample, error)
}
