package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "doh", TripAfter: 3, OpenTimeout: time.Hour})
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(func() error { return errUpstream }), errUpstream)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Do(func() error { return nil }), ErrOpen)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b := New(Config{Name: "doh", TripAfter: 3, OpenTimeout: time.Hour})
	b.Do(func() error { return errUpstream })
	b.Do(func() error { return errUpstream })
	require.NoError(t, b.Do(func() error { return nil }))
	b.Do(func() error { return errUpstream })
	b.Do(func() error { return errUpstream })
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenProbeRecovers(t *testing.T) {
	b := New(Config{Name: "doh", TripAfter: 1, OpenTimeout: 10 * time.Millisecond, MaxProbes: 1})
	b.Do(func() error { return errUpstream })
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{Name: "doh", TripAfter: 1, OpenTimeout: 10 * time.Millisecond, MaxProbes: 1})
	b.Do(func() error { return errUpstream })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())
	b.Do(func() error { return errUpstream })
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	b := New(Config{Name: "doh", TripAfter: 1, OpenTimeout: 10 * time.Millisecond, MaxProbes: 1})
	b.Do(func() error { return errUpstream })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	started := make(chan struct{})
	release := make(chan struct{})
	go b.Do(func() error {
		close(started)
		<-release
		return nil
	})
	<-started
	assert.ErrorIs(t, b.Do(func() error { return nil }), ErrTooManyProbes)
	close(release)
}
