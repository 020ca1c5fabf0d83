package fusion

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missilemap/missilemap-go/internal/gps"
	"github.com/missilemap/missilemap-go/internal/heading"
	"github.com/missilemap/missilemap-go/internal/remote"
	"github.com/missilemap/missilemap-go/internal/sensors"
	"github.com/missilemap/missilemap-go/internal/targets"
	"github.com/missilemap/missilemap-go/internal/timeutil"
)

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu        sync.Mutex
	refreshes []RefreshEvent
	updates   []TargetsEvent
	updateCh  chan TargetsEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{updateCh: make(chan TargetsEvent, 16)}
}

func (s *recordingSink) Refresh(ev RefreshEvent) {
	s.mu.Lock()
	s.refreshes = append(s.refreshes, ev)
	s.mu.Unlock()
}

func (s *recordingSink) UpdateTargets(ev TargetsEvent) {
	s.mu.Lock()
	s.updates = append(s.updates, ev)
	s.mu.Unlock()
	s.updateCh <- ev
}

func (s *recordingSink) Refreshes() []RefreshEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RefreshEvent(nil), s.refreshes...)
}

type fakeReporter struct {
	got []remote.Sighting
	err error
}

func (f *fakeReporter) PostSighting(ctx context.Context, s remote.Sighting) error {
	f.got = append(f.got, s)
	return f.err
}

// feedHeading delivers a flat device pointing at theta.
func feedHeading(c *Controller, theta float64) {
	c.OnSensorSample(sensors.Sample{Kind: sensors.Accelerometer, Vector: heading.Vector3{Z: 9.81}})
	c.OnSensorSample(sensors.Sample{Kind: sensors.Magnetic, Vector: heading.Vector3{
		X: -20 * math.Sin(theta), Y: 20 * math.Cos(theta), Z: -40,
	}})
}

func newTestController(fetch targets.FetchFunc, rep Reporter) (*Controller, *timeutil.MockClock, *recordingSink) {
	clock := timeutil.NewMockClock(epoch)
	c := New(DefaultConfig(), clock, fetch, rep)
	sink := newRecordingSink()
	c.AttachSink(sink)
	return c, clock, sink
}

func TestController_RefreshNeedsBearingAndLocation(t *testing.T) {
	c, _, sink := newTestController(nil, nil)
	c.OnForeground(context.Background())
	defer c.OnBackground()

	c.OnLocationFix(gps.Point{Latitude: 34, Longitude: 47})
	assert.Empty(t, sink.Refreshes(), "no bearing yet")

	c.OnSensorSample(sensors.Sample{Kind: sensors.Accelerometer, Vector: heading.Vector3{Z: 9.81}})
	assert.Empty(t, sink.Refreshes(), "only one vector")

	feedHeading(c, 1.0)
	got := sink.Refreshes()
	require.Len(t, got, 1)
	assert.Equal(t, gps.Point{Latitude: 34, Longitude: 47}, got[0].Location)
	assert.True(t, got[0].Follow)
	assert.NotEmpty(t, got[0].Session)
	assert.Equal(t, epoch.UnixMilli(), got[0].Stamp)
	assert.InDelta(t, got[0].Bearing.Degrees(), got[0].BearingDeg, 1e-12)
}

func TestController_Throttles(t *testing.T) {
	c, clock, sink := newTestController(nil, nil)
	c.OnForeground(context.Background())
	defer c.OnBackground()

	c.OnLocationFix(gps.Point{Latitude: 1, Longitude: 1})
	feedHeading(c, 0.5) // first refresh
	require.Len(t, sink.Refreshes(), 1)

	clock.Set(epoch.Add(50 * time.Millisecond))
	feedHeading(c, 0.6)
	c.OnLocationFix(gps.Point{Latitude: 1.1, Longitude: 1})
	assert.Len(t, sink.Refreshes(), 1)

	clock.Set(epoch.Add(101 * time.Millisecond))
	c.OnLocationFix(gps.Point{Latitude: 1.2, Longitude: 1})
	got := sink.Refreshes()
	require.Len(t, got, 2)
	assert.Equal(t, gps.Point{Latitude: 1.2, Longitude: 1}, got[1].Location)
}

func TestController_ClockRollbackRefreshes(t *testing.T) {
	c, clock, sink := newTestController(nil, nil)
	c.OnForeground(context.Background())
	defer c.OnBackground()

	c.OnLocationFix(gps.Point{})
	feedHeading(c, 0)
	require.Len(t, sink.Refreshes(), 1)

	clock.Set(epoch.Add(-time.Hour))
	c.OnLocationFix(gps.Point{Latitude: 2})
	assert.Len(t, sink.Refreshes(), 2)
}

func TestController_DetachedDoesNotSpendThrottle(t *testing.T) {
	c, _, sink := newTestController(nil, nil)
	c.OnForeground(context.Background())
	defer c.OnBackground()

	c.DetachSink()
	c.OnLocationFix(gps.Point{Latitude: 5})
	feedHeading(c, 0.2)

	c.AttachSink(sink)
	assert.True(t, c.MaybeRefresh(), "throttle was consumed while detached")
	assert.Len(t, sink.Refreshes(), 1)
}

func TestController_BackgroundDropsInput(t *testing.T) {
	c, _, sink := newTestController(nil, nil)

	c.OnLocationFix(gps.Point{Latitude: 5})
	feedHeading(c, 0.2)
	assert.Empty(t, sink.Refreshes())
	assert.False(t, c.MaybeRefresh())

	st := c.Snapshot()
	assert.False(t, st.Foreground)
	assert.Nil(t, st.Location)
	assert.Nil(t, st.Bearing)
}

func TestController_SessionResetsFilterKeepsLocation(t *testing.T) {
	c, clock, sink := newTestController(nil, nil)
	c.OnForeground(context.Background())
	c.OnLocationFix(gps.Point{Latitude: 3, Longitude: 4})
	for i := 0; i < 100; i++ {
		feedHeading(c, 2.0)
	}
	first := c.Snapshot()
	require.NotNil(t, first.Bearing)
	assert.InDelta(t, 2.0, first.Bearing.Radians(), 1e-3)
	c.OnBackground()

	clock.Set(epoch.Add(time.Second))
	c.OnForeground(context.Background())
	defer c.OnBackground()
	second := c.Snapshot()
	assert.NotEqual(t, first.Session, second.Session)
	assert.Nil(t, second.Bearing, "bearing must not survive a session")
	require.NotNil(t, second.Location)
	assert.Equal(t, gps.Point{Latitude: 3, Longitude: 4}, *second.Location)

	// The new filter starts from north again.
	n := len(sink.Refreshes())
	feedHeading(c, 2.0)
	got := sink.Refreshes()
	require.Len(t, got, n+1)
	assert.InDelta(t, 0.2, got[n].Bearing.Radians(), 1e-9)
}

func TestController_RefreshOrderFollowsInput(t *testing.T) {
	c, clock, sink := newTestController(nil, nil)
	c.OnForeground(context.Background())
	defer c.OnBackground()
	feedHeading(c, 0)

	for i := 0; i < 10; i++ {
		clock.Set(epoch.Add(time.Duration(i+1) * 200 * time.Millisecond))
		c.OnLocationFix(gps.Point{Latitude: float64(i)})
	}
	got := sink.Refreshes()
	require.Len(t, got, 10)
	for i, ev := range got {
		assert.Equal(t, float64(i), ev.Location.Latitude)
	}
}

func TestController_FollowMode(t *testing.T) {
	rep := &fakeReporter{}
	c, _, sink := newTestController(nil, rep)
	c.OnForeground(context.Background())
	defer c.OnBackground()

	c.OnLocationFix(gps.Point{Latitude: 7, Longitude: 8})
	feedHeading(c, 1.0)
	require.Len(t, sink.Refreshes(), 1)

	c.SetFollow(false)
	got := sink.Refreshes()
	require.Len(t, got, 2)
	assert.False(t, got[1].Follow)
	assert.Zero(t, got[1].Bearing)
	assert.ErrorIs(t, c.Report(context.Background()), ErrNotFollowing)
	assert.False(t, c.Snapshot().CanReport)

	feedHeading(c, 1.0)
	assert.Len(t, sink.Refreshes(), 2, "suppressed while not following")

	c.SetFollow(true)
	got = sink.Refreshes()
	require.Len(t, got, 3, "re-enabling follow refreshes immediately")
	assert.True(t, got[2].Follow)
}

func TestController_Report(t *testing.T) {
	rep := &fakeReporter{}
	c, _, _ := newTestController(nil, rep)
	c.OnForeground(context.Background())
	defer c.OnBackground()

	assert.ErrorIs(t, c.Report(context.Background()), ErrNoFix)

	c.OnLocationFix(gps.Point{Latitude: 47.48, Longitude: 33.08})
	feedHeading(c, 1.0)
	require.NoError(t, c.Report(context.Background()))
	require.Len(t, rep.got, 1)
	assert.Equal(t, 47.48, rep.got[0].Latitude)
	assert.Equal(t, 33.08, rep.got[0].Longitude)
	assert.InDelta(t, 0.1, rep.got[0].Bearing, 1e-9)

	rep.err = errors.New("boom")
	err := c.Report(context.Background())
	assert.ErrorContains(t, err, "boom")
}

func TestController_ReportWithoutReporter(t *testing.T) {
	c, _, _ := newTestController(nil, nil)
	c.OnForeground(context.Background())
	defer c.OnBackground()
	c.OnLocationFix(gps.Point{})
	assert.ErrorIs(t, c.Report(context.Background()), ErrNoReporter)
}

func waitPending(t *testing.T, clock *timeutil.MockClock) {
	t.Helper()
	require.Eventually(t, func() bool { return clock.Pending() == 1 },
		time.Second, time.Millisecond, "poller never scheduled")
}

func TestController_PollsWhileForeground(t *testing.T) {
	want := []targets.Target{{StartTime: 9, Speed: 1.5, Path: []gps.Point{{Latitude: 1, Longitude: 2}}}}
	var calls atomic.Int32
	fetch := func(ctx context.Context) ([]targets.Target, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("timeout")
		}
		return want, nil
	}

	c, clock, sink := newTestController(fetch, nil)
	c.OnForeground(context.Background())

	waitPending(t, clock)
	clock.Advance(targets.DefaultInterval)
	waitPending(t, clock)
	clock.Advance(targets.DefaultInterval)

	select {
	case ev := <-sink.updateCh:
		if diff := cmp.Diff(want, ev.Targets); diff != "" {
			t.Errorf("targets mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, c.Snapshot().Session, ev.Session)
	case <-time.After(time.Second):
		t.Fatal("no target update")
	}

	c.OnBackground()
	c.OnBackground()
	c.Poller().Wait()
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "idle", c.Snapshot().PollerState)
}

func TestController_BackgroundDiscardsInFlightPoll(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) ([]targets.Target, error) {
		close(entered)
		<-release
		return []targets.Target{{StartTime: 1}}, nil
	}

	c, clock, sink := newTestController(fetch, nil)
	c.OnForeground(context.Background())
	waitPending(t, clock)
	clock.Advance(targets.DefaultInterval)
	<-entered

	c.OnBackground()
	close(release)
	c.Poller().Wait()

	select {
	case <-sink.updateCh:
		t.Fatal("target update delivered after background")
	default:
	}
	assert.Zero(t, c.Snapshot().Targets)
}

func TestController_CancelledContextEndsSession(t *testing.T) {
	var calls atomic.Int32
	fetch := func(ctx context.Context) ([]targets.Target, error) {
		calls.Add(1)
		return nil, nil
	}
	c, clock, sink := newTestController(fetch, nil)
	ctx, cancel := context.WithCancel(context.Background())
	c.OnForeground(ctx)
	waitPending(t, clock)
	first := c.Snapshot().Session

	cancel()
	require.Eventually(t, func() bool { return !c.Snapshot().Foreground },
		time.Second, time.Millisecond, "session outlived its context")
	c.Poller().Wait()
	assert.Equal(t, "idle", c.Snapshot().PollerState)

	c.OnLocationFix(gps.Point{Latitude: 1})
	feedHeading(c, 0.3)
	assert.Empty(t, sink.Refreshes())

	// A fresh session polls again.
	c.OnForeground(context.Background())
	defer c.OnBackground()
	assert.NotEqual(t, first, c.Snapshot().Session)
	waitPending(t, clock)
	clock.Advance(targets.DefaultInterval)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestController_AttachPushesKnownTargets(t *testing.T) {
	fetch := func(ctx context.Context) ([]targets.Target, error) {
		return []targets.Target{{StartTime: 4}}, nil
	}
	c, clock, sink := newTestController(fetch, nil)
	c.OnForeground(context.Background())
	defer c.OnBackground()

	waitPending(t, clock)
	clock.Advance(targets.DefaultInterval)
	<-sink.updateCh

	late := newRecordingSink()
	c.AttachSink(late)
	select {
	case ev := <-late.updateCh:
		require.Len(t, ev.Targets, 1)
		assert.Equal(t, int64(4), ev.Targets[0].StartTime)
	default:
		t.Fatal("attached sink did not receive current targets")
	}
}

func TestController_ConcurrentInput(t *testing.T) {
	c, clock, sink := newTestController(nil, nil)
	c.OnForeground(context.Background())
	defer c.OnBackground()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			feedHeading(c, float64(i%60)/10)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			c.OnLocationFix(gps.Point{Latitude: float64(i) / 1000})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			clock.Set(epoch.Add(time.Duration(i) * time.Second))
			_ = c.Snapshot()
		}
	}()
	wg.Wait()

	for _, ev := range sink.Refreshes() {
		assert.Greater(t, ev.Bearing.Radians(), -math.Pi)
		assert.LessOrEqual(t, ev.Bearing.Radians(), math.Pi)
	}
}

func TestNew_ConfigDefaults(t *testing.T) {
	c := New(Config{}, nil, nil, nil)
	assert.Equal(t, DefaultConfig(), c.cfg)
	assert.True(t, c.Snapshot().Follow)
}
