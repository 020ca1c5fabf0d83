package targets

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/missilemap/missilemap-go/internal/timeutil"
)

// DefaultInterval is the spacing between polls.
const DefaultInterval = 3 * time.Second

// FetchFunc retrieves the current target set from the data source.
type FetchFunc func(ctx context.Context) ([]Target, error)

// State is the poller's position in its schedule/fetch cycle.
type State int

const (
	Idle State = iota
	Scheduled
	Fetching
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Fetching:
		return "fetching"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Poller fetches targets once per interval until stopped. A failed fetch
// is reported and the loop carries on; only Stop ends it.
//
// onUpdate and onError run while the poller's lock is held, which is what
// guarantees nothing is delivered after Stop returns. They must not call
// back into the Poller.
type Poller struct {
	clock timeutil.Clock

	mu       sync.Mutex
	run      *pollRun // nil when idle
	state    State
	targets  []Target
	attempts int
	done     chan struct{} // closed when the last run's goroutine exits
}

type pollRun struct {
	fetch    FetchFunc
	interval time.Duration
	onUpdate func([]Target)
	onError  func(error)
	stop     chan struct{}
}

// NewPoller creates an idle poller. A nil clock uses the wall clock.
func NewPoller(clock timeutil.Clock) *Poller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	done := make(chan struct{})
	close(done)
	return &Poller{clock: clock, done: done}
}

// Start begins polling. The first fetch happens one interval from now, or
// once a fetch still in flight from an earlier run returns, whichever is
// later. Starting a running poller stops the previous run first. onError may be
// nil; failures are always logged.
func (p *Poller) Start(ctx context.Context, fetch FetchFunc, interval time.Duration, onUpdate func([]Target), onError func(error)) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &pollRun{
		fetch:    fetch,
		interval: interval,
		onUpdate: onUpdate,
		onError:  onError,
		stop:     make(chan struct{}),
	}

	p.mu.Lock()
	p.stopLocked()
	p.run = r
	p.state = Scheduled
	prev := p.done
	done := make(chan struct{})
	p.done = done
	p.mu.Unlock()

	go p.loop(ctx, r, prev, done)
}

// Stop cancels any pending fetch. An in-flight fetch is left to finish
// but its result is dropped. Safe to call repeatedly.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if p.run == nil {
		return
	}
	close(p.run.stop)
	p.run = nil
	p.state = Idle
}

// Wait blocks until the most recent run's goroutine has exited. Call it
// after Stop, or after cancelling the context passed to Start.
func (p *Poller) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	<-done
}

// Targets returns a copy of the last successfully fetched set.
func (p *Poller) Targets() []Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Clone(p.targets)
}

// State returns the current cycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Attempts returns how many fetches have been started since creation.
func (p *Poller) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// loop runs one Start..Stop cycle. prev is closed once the previous run's
// goroutine has exited; no fetch starts before that, so at most one fetch
// is ever in flight.
func (p *Poller) loop(ctx context.Context, r *pollRun, prev <-chan struct{}, done chan struct{}) {
	defer close(done)

	for {
		timer := p.clock.NewTimer(r.interval)
		select {
		case <-r.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			p.cancelRun(r)
			return
		case <-timer.C():
		}

		select {
		case <-prev:
		case <-r.stop:
			return
		case <-ctx.Done():
			p.cancelRun(r)
			return
		}

		if !p.transition(r, Fetching) {
			return
		}

		ts, err := r.fetch(ctx)
		if ctx.Err() != nil {
			p.cancelRun(r)
			return
		}

		if !p.deliver(r, ts, err) {
			return
		}
	}
}

// cancelRun idles the poller after r's context ended, unless r was
// already replaced.
func (p *Poller) cancelRun(r *pollRun) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == r {
		p.stopLocked()
	}
}

// transition moves r to state s if r is still the active run.
func (p *Poller) transition(r *pollRun, s State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != r {
		return false
	}
	p.state = s
	if s == Fetching {
		p.attempts++
	}
	return true
}

// deliver applies a fetch result and reschedules. It returns false when
// the run was stopped while the fetch was in flight.
func (p *Poller) deliver(r *pollRun, ts []Target, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != r {
		return false
	}

	if err != nil {
		log.Printf("[poller] fetch failed: %v (retry in %v)", err, r.interval)
		if r.onError != nil {
			r.onError(err)
		}
	} else {
		if ts == nil {
			ts = []Target{}
		}
		p.targets = Clone(ts)
		if r.onUpdate != nil {
			r.onUpdate(Clone(ts))
		}
	}
	p.state = Scheduled
	return true
}
