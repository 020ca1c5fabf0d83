// Package fusion binds sensor and location input, the refresh throttle and
// the target poller to a rendering sink.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/missilemap/missilemap-go/internal/gps"
	"github.com/missilemap/missilemap-go/internal/heading"
	"github.com/missilemap/missilemap-go/internal/remote"
	"github.com/missilemap/missilemap-go/internal/sensors"
	"github.com/missilemap/missilemap-go/internal/targets"
	"github.com/missilemap/missilemap-go/internal/throttle"
	"github.com/missilemap/missilemap-go/internal/timeutil"
)

var (
	// ErrNoFix is returned by Report before the first location fix.
	ErrNoFix = errors.New("fusion: no location fix")
	// ErrNotFollowing is returned by Report while follow mode is off.
	ErrNotFollowing = errors.New("fusion: not following current location")
	// ErrNoReporter is returned by Report when no reporter was configured.
	ErrNoReporter = errors.New("fusion: no reporter configured")
)

// Reporter submits sighting reports.
type Reporter interface {
	PostSighting(ctx context.Context, s remote.Sighting) error
}

// Config tunes the controller.
type Config struct {
	Alpha             float64       // EMA retention factor
	RefreshIntervalMs int64         // minimum spacing of refresh events
	PollInterval      time.Duration // target poll spacing
}

// DefaultConfig returns the historical tuning: α=0.9, 100 ms refresh
// spacing, 3 s target polls.
func DefaultConfig() Config {
	return Config{
		Alpha:             heading.DefaultAlpha,
		RefreshIntervalMs: throttle.DefaultIntervalMs,
		PollInterval:      targets.DefaultInterval,
	}
}

// Controller is the single owner of session state. Every field below mu
// is guarded by it; the sink is called with it held so refresh events go
// out in input order.
type Controller struct {
	cfg      Config
	clock    timeutil.Clock
	poller   *targets.Poller
	fetch    targets.FetchFunc
	reporter Reporter

	// lifecycle serializes OnForeground/OnBackground so poller Start/Stop
	// calls cannot reorder.
	lifecycle sync.Mutex

	mu           sync.Mutex
	sink         Sink
	filter       *heading.Filter
	throttle     *throttle.Throttle
	gravity      heading.Vector3
	magnetic     heading.Vector3
	haveGravity  bool
	haveMagnetic bool
	bearing      heading.Bearing
	haveBearing  bool
	location     gps.Point
	haveLocation bool
	foreground   bool
	follow       bool
	session      string
	sessionEnd   chan struct{} // closed when the session ends
	targets      []targets.Target
}

// New creates a backgrounded controller with follow mode on. fetch may be
// nil to disable target polling; reporter may be nil to disable reports.
// A nil clock uses the wall clock.
func New(cfg Config, clock timeutil.Clock, fetch targets.FetchFunc, reporter Reporter) *Controller {
	def := DefaultConfig()
	if cfg.Alpha == 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.RefreshIntervalMs <= 0 {
		cfg.RefreshIntervalMs = def.RefreshIntervalMs
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{
		cfg:      cfg,
		clock:    clock,
		poller:   targets.NewPoller(clock),
		fetch:    fetch,
		reporter: reporter,
		filter:   heading.NewFilter(cfg.Alpha),
		throttle: throttle.New(cfg.RefreshIntervalMs),
		follow:   true,
	}
}

// Poller exposes the target poller, mainly for status and tests.
func (c *Controller) Poller() *targets.Poller { return c.poller }

// AttachSink connects the rendering sink. If a session is active and
// targets are already known they are pushed to it straight away.
func (c *Controller) AttachSink(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = s
	if s != nil && c.foreground && c.targets != nil {
		s.UpdateTargets(c.targetsEventLocked())
	}
}

// DetachSink disconnects the sink. Events produced while detached are
// dropped, not queued.
func (c *Controller) DetachSink() {
	c.mu.Lock()
	c.sink = nil
	c.mu.Unlock()
}

// OnSensorSample stores the sample in its slot and, once both slots are
// filled, updates the bearing.
func (c *Controller) OnSensorSample(s sensors.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.foreground {
		return
	}

	switch s.Kind {
	case sensors.Accelerometer:
		c.gravity = s.Vector
		c.haveGravity = true
	case sensors.Magnetic:
		c.magnetic = s.Vector
		c.haveMagnetic = true
	default:
		return
	}
	if !c.haveGravity || !c.haveMagnetic {
		return
	}

	b, ok := c.filter.Observe(c.gravity, c.magnetic)
	if !ok {
		return
	}
	c.bearing = b
	c.haveBearing = true
	c.maybeRefreshLocked()
}

// OnLocationFix stores the latest position.
func (c *Controller) OnLocationFix(p gps.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.foreground {
		return
	}
	c.location = p
	c.haveLocation = true
	c.maybeRefreshLocked()
}

// MaybeRefresh emits a refresh event if one is due.
func (c *Controller) MaybeRefresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maybeRefreshLocked()
}

// maybeRefreshLocked checks availability before the throttle, so a
// refresh that could not be delivered never spends the interval.
func (c *Controller) maybeRefreshLocked() bool {
	if !c.foreground || c.sink == nil || !c.follow || !c.haveBearing || !c.haveLocation {
		return false
	}
	now := c.clock.Now().UnixMilli()
	if !c.throttle.ShouldPush(now) {
		return false
	}
	c.sink.Refresh(RefreshEvent{
		Session:    c.session,
		Bearing:    c.bearing,
		BearingDeg: c.bearing.Degrees(),
		Location:   c.location,
		Follow:     true,
		Stamp:      now,
	})
	return true
}

// OnForeground opens a session: fresh filter and throttle state, a new
// session ID, and the target poller running. Calling it on an active
// session is a no-op. Cancelling ctx ends the session as OnBackground
// would.
func (c *Controller) OnForeground(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.foreground {
		c.mu.Unlock()
		return
	}
	c.foreground = true
	c.filter = heading.NewFilter(c.cfg.Alpha)
	c.throttle.Reset()
	c.gravity, c.magnetic = heading.Vector3{}, heading.Vector3{}
	c.haveGravity, c.haveMagnetic = false, false
	c.bearing, c.haveBearing = 0, false
	c.session = uuid.NewString()
	session := c.session
	end := make(chan struct{})
	c.sessionEnd = end
	c.mu.Unlock()

	log.Printf("[fusion] session %s started", session)
	if c.fetch != nil {
		c.poller.Start(ctx, c.fetch, c.cfg.PollInterval, c.targetsHandler(session), nil)
	}
	go c.watchSession(ctx, session, end)
}

func (c *Controller) watchSession(ctx context.Context, session string, end <-chan struct{}) {
	select {
	case <-end:
	case <-ctx.Done():
		log.Printf("[fusion] session %s context ended: %v", session, ctx.Err())
		c.endSession(session)
	}
}

// OnBackground ends the session. Nothing is emitted afterwards, including
// results of a poll that is still in flight. Idempotent.
func (c *Controller) OnBackground() { c.endSession("") }

// endSession ends the active session. A non-empty id only ends the session
// with that ID.
func (c *Controller) endSession(id string) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if !c.foreground || (id != "" && c.session != id) {
		c.mu.Unlock()
		return
	}
	c.foreground = false
	session := c.session
	c.session = ""
	close(c.sessionEnd)
	c.sessionEnd = nil
	c.mu.Unlock()

	c.poller.Stop()
	log.Printf("[fusion] session %s ended", session)
}

// targetsHandler returns the poller callback for one session. Runs with
// the poller's lock held; lock order is poller, then controller.
func (c *Controller) targetsHandler(session string) func([]targets.Target) {
	return func(ts []targets.Target) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.foreground || c.session != session {
			return
		}
		c.targets = ts
		if c.sink != nil {
			c.sink.UpdateTargets(c.targetsEventLocked())
		}
	}
}

func (c *Controller) targetsEventLocked() TargetsEvent {
	return TargetsEvent{
		Session: c.session,
		Targets: targets.Clone(c.targets),
		Stamp:   c.clock.Now().UnixMilli(),
	}
}

// SetFollow toggles follow mode. Turning it off sends one north-up
// refresh and suppresses further refreshes; turning it on allows the next
// refresh immediately.
func (c *Controller) SetFollow(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.follow == on {
		return
	}
	c.follow = on
	if on {
		c.throttle.Reset()
		c.maybeRefreshLocked()
		return
	}
	if c.foreground && c.sink != nil && c.haveLocation {
		c.sink.Refresh(RefreshEvent{
			Session:  c.session,
			Location: c.location,
			Follow:   false,
			Stamp:    c.clock.Now().UnixMilli(),
		})
	}
}

// Report submits a sighting from the current position and bearing.
// Submission errors are returned to the caller; there is no retry.
func (c *Controller) Report(ctx context.Context) error {
	c.mu.Lock()
	if !c.haveLocation {
		c.mu.Unlock()
		return ErrNoFix
	}
	if !c.follow {
		c.mu.Unlock()
		return ErrNotFollowing
	}
	s := remote.Sighting{
		Latitude:  c.location.Latitude,
		Longitude: c.location.Longitude,
		Bearing:   c.bearing.Radians(),
	}
	c.mu.Unlock()

	if c.reporter == nil {
		return ErrNoReporter
	}
	if err := c.reporter.PostSighting(ctx, s); err != nil {
		return fmt.Errorf("fusion: report: %w", err)
	}
	return nil
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	pollerState := c.poller.State()

	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		Foreground:  c.foreground,
		Follow:      c.follow,
		Attached:    c.sink != nil,
		Session:     c.session,
		Targets:     len(c.targets),
		PollerState: pollerState.String(),
		CanReport:   c.haveLocation && c.follow,
	}
	if c.haveBearing {
		b := c.bearing
		st.Bearing = &b
	}
	if c.haveLocation {
		p := c.location
		st.Location = &p
	}
	return st
}
