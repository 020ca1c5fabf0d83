package remote

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/missilemap/missilemap-go/internal/gps"
	"github.com/missilemap/missilemap-go/internal/targets"
)

// ErrDemoOutage is returned by Demo on its simulated failed fetches.
var ErrDemoOutage = errors.New("remote: simulated outage")

// Demo is an in-process stand-in for the service. Each fetch extends the
// paths of a few targets flying straight lines away from the origin, and
// every failEvery-th fetch fails.
type Demo struct {
	mu        sync.Mutex
	origin    gps.Point
	started   int64
	fetches   int
	failEvery int
	sightings []Sighting
}

// NewDemo creates a demo source. failEvery <= 0 never fails.
func NewDemo(origin gps.Point, failEvery int) *Demo {
	return &Demo{
		origin:    origin,
		started:   time.Now().Unix(),
		failEvery: failEvery,
	}
}

// FetchTargets satisfies targets.FetchFunc.
func (d *Demo) FetchTargets(ctx context.Context) ([]targets.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fetches++
	if d.failEvery > 0 && d.fetches%d.failEvery == 0 {
		return nil, ErrDemoOutage
	}

	const (
		count    = 3
		stepDeg  = 0.002
		maxSteps = 40
	)
	steps := d.fetches
	if steps > maxSteps {
		steps = maxSteps
	}

	out := make([]targets.Target, count)
	for i := range out {
		course := float64(i) * 2 * math.Pi / count
		path := make([]gps.Point, steps)
		for s := range path {
			dist := float64(s) * stepDeg
			path[s] = gps.Point{
				Latitude:  d.origin.Latitude + dist*math.Cos(course),
				Longitude: d.origin.Longitude + dist*math.Sin(course),
			}
		}
		out[i] = targets.Target{
			StartTime: d.started + int64(i*60),
			Speed:     200 + 25*float64(i),
			Path:      path,
		}
	}
	return out, nil
}

// PostSighting records the sighting in memory.
func (d *Demo) PostSighting(ctx context.Context, s Sighting) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.sightings = append(d.sightings, s)
	d.mu.Unlock()
	log.Printf("[remote] demo sighting lat=%.6f lon=%.6f bearing=%.3f", s.Latitude, s.Longitude, s.Bearing)
	return nil
}

// Sightings returns the reports received so far.
func (d *Demo) Sightings() []Sighting {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sighting(nil), d.sightings...)
}
