package gps

import (
	"math"
	"sync"
	"time"
)

// DemoGPS circles a fixed centre point.
type DemoGPS struct {
	mu     sync.Mutex
	t      float64
	center Point
}

// NewDemoGPS creates a simulated receiver circling center.
func NewDemoGPS(center Point) *DemoGPS { return &DemoGPS{center: center} }

func (d *DemoGPS) Name() string   { return "Demo GPS (Simulated)" }
func (d *DemoGPS) Connect() error { return nil }
func (d *DemoGPS) Close() error   { return nil }

func (d *DemoGPS) Read() (*Data, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1

	const radius = 0.005 // ~500m
	phase := d.t * 0.1
	return &Data{
		Valid:      true,
		Latitude:   d.center.Latitude + radius*math.Sin(phase),
		Longitude:  d.center.Longitude + radius*math.Cos(phase),
		Speed:      35,
		Heading:    math.Mod(360-phase*180/math.Pi, 360),
		Satellites: 9,
		FixQuality: 1,
		HDOP:       0.9,
		Timestamp:  time.Now().UTC().Format("150405.00"),
	}, nil
}
