package sensors

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/missilemap/missilemap-go/internal/heading"
)

// DemoIMU simulates a device lying flat and slowly turning clockwise.
// Samples alternate accelerometer, magnetometer.
type DemoIMU struct {
	mu       sync.Mutex
	rng      *rand.Rand
	period   time.Duration // one full revolution
	interval time.Duration // spacing between samples
	noise    float64
	elapsed  time.Duration
	next     Kind
	sleep    func(time.Duration)
}

// NewDemoIMU creates a simulated device. interval <= 0 produces samples
// without sleeping, which is what tests want.
func NewDemoIMU(period, interval time.Duration, seed int64) *DemoIMU {
	if period <= 0 {
		period = 60 * time.Second
	}
	return &DemoIMU{
		rng:      rand.New(rand.NewSource(seed)),
		period:   period,
		interval: interval,
		noise:    0.3,
		next:     Accelerometer,
		sleep:    time.Sleep,
	}
}

func (d *DemoIMU) Name() string   { return "Demo IMU (Simulated)" }
func (d *DemoIMU) Connect() error { return nil }
func (d *DemoIMU) Close() error   { return nil }

// TrueHeading returns the simulated heading at the current step.
func (d *DemoIMU) TrueHeading() heading.Bearing {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headingLocked()
}

func (d *DemoIMU) headingLocked() heading.Bearing {
	frac := float64(d.elapsed%d.period) / float64(d.period)
	return heading.Normalize(frac * 2 * math.Pi)
}

func (d *DemoIMU) Read() (Sample, error) {
	if d.interval > 0 {
		d.sleep(d.interval)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	s := Sample{Kind: d.next, Stamp: time.Now()}
	switch d.next {
	case Accelerometer:
		s.Vector = heading.Vector3{X: d.jitter(), Y: d.jitter(), Z: 9.81 + d.jitter()}
		d.next = Magnetic
	case Magnetic:
		theta := d.headingLocked().Radians()
		s.Vector = heading.Vector3{
			X: -22*math.Sin(theta) + d.jitter(),
			Y: 22*math.Cos(theta) + d.jitter(),
			Z: -41 + d.jitter(),
		}
		d.next = Accelerometer
		d.elapsed += 2 * d.step()
	}
	return s, nil
}

func (d *DemoIMU) step() time.Duration {
	if d.interval > 0 {
		return d.interval
	}
	return 20 * time.Millisecond
}

func (d *DemoIMU) jitter() float64 {
	return (d.rng.Float64()*2 - 1) * d.noise
}
