package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()
	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Timer(t *testing.T) {
	timer := RealClock{}.NewTimer(time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.False(t, timer.Stop())
}

func TestMockClock_TimerFiresOnDeadline(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	timer := clock.NewTimer(3 * time.Second)
	require.Equal(t, 1, clock.Pending())

	clock.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(time.Second)
	select {
	case got := <-timer.C():
		assert.Equal(t, start.Add(3*time.Second), got)
	default:
		t.Fatal("timer did not fire at deadline")
	}
	assert.Equal(t, 0, clock.Pending())
}

func TestMockClock_StoppedTimerDoesNotFire(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	timer := clock.NewTimer(time.Second)
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	assert.Equal(t, 0, clock.Pending())

	clock.Advance(time.Minute)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestMockClock_SetBackwards(t *testing.T) {
	clock := NewMockClock(time.Unix(100, 0))
	clock.Set(time.Unix(50, 0))
	assert.Equal(t, time.Unix(50, 0), clock.Now())
}
