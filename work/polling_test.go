package work

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestBackend(t *testing.T) (*PollingBackend, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	b, err := NewPollingBackend(NewMemoryStore(), WithPollingClock(mock))
	require.NoError(t, err)
	return b, mock
}

func collect(firings *[]Firing) FireFunc {
	return func(_ context.Context, firing Firing) error {
		*firings = append(*firings, firing)
		return nil
	}
}

func TestPollingBackend_armOnce(t *testing.T) {
	b, mock := newTestBackend(t)
	ctx := context.Background()

	at := mock.Now().Add(time.Minute)
	require.NoError(t, b.ArmOnce(ctx, Arming{EarliestAt: at, LatestAt: at.Add(time.Second), Key: "k", Token: "t1"}))

	status, err := b.Status(ctx, "k")
	require.NoError(t, err)
	assert.True(t, status.Armed)
	assert.False(t, status.Periodic)
	assert.Equal(t, "t1", status.Token)
	assert.True(t, status.NextAt.Equal(at))

	var firings []Firing
	n, err := b.Poll(ctx, collect(&firings))
	require.NoError(t, err)
	assert.Zero(t, n)

	mock.Add(time.Minute)
	n, err = b.Poll(ctx, collect(&firings))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, firings, 1)
	assert.Equal(t, "t1", firings[0].Arming.Token)
	assert.False(t, firings[0].Late)

	status, err = b.Status(ctx, "k")
	require.NoError(t, err)
	assert.False(t, status.Armed)
	assert.Equal(t, "k", status.Key)
}

func TestPollingBackend_periodicCoalesces(t *testing.T) {
	b, mock := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.ArmPeriodic(ctx, Arming{Key: "p", Token: "t", Schedule: "@every 1m"}))
	status, err := b.Status(ctx, "p")
	require.NoError(t, err)
	assert.True(t, status.NextAt.Equal(mock.Now().Add(time.Minute)))

	// missed ten runs
	mock.Add(10 * time.Minute)
	var firings []Firing
	n, err := b.Poll(ctx, collect(&firings))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, firings[0].Late)

	status, err = b.Status(ctx, "p")
	require.NoError(t, err)
	assert.True(t, status.NextAt.Equal(mock.Now().Add(time.Minute)))
	assert.Equal(t, 1, status.Runs)
	assert.True(t, status.LastFiredAt.Equal(mock.Now()))
}

func TestPollingBackend_cronSchedule(t *testing.T) {
	b, mock := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.ArmPeriodic(ctx, Arming{Key: "hourly", Token: "t", Schedule: "0 * * * *"}))
	status, err := b.Status(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, 0, status.NextAt.Minute())
	assert.True(t, status.NextAt.After(mock.Now()))
}

func TestPollingBackend_invalid(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	assert.Error(t, b.ArmPeriodic(ctx, Arming{Key: "p", Token: "t", Schedule: "not a schedule"}))
	assert.ErrorIs(t, b.ArmOnce(ctx, Arming{Token: "t"}), ErrInvalidTask)
	assert.ErrorIs(t, b.ArmPeriodic(ctx, Arming{Token: "t", Schedule: "@every 1s"}), ErrInvalidTask)

	_, err := NewPollingBackend(nil)
	assert.Error(t, err)
	_, err = NewPollingBackend(NewMemoryStore(), WithPollInterval(0))
	assert.Error(t, err)
	_, err = NewPollingBackend(NewMemoryStore(), WithPollBatch(-1))
	assert.Error(t, err)
	_, err = NewPollingBackend(NewMemoryStore(), WithPollingClock(nil))
	assert.Error(t, err)
}

func TestPollingBackend_cancel(t *testing.T) {
	b, mock := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.ArmOnce(ctx, Arming{Key: "a", Token: "t"}))
	require.NoError(t, b.ArmOnce(ctx, Arming{Key: "b", Token: "t"}))
	require.NoError(t, b.ArmPeriodic(ctx, Arming{Key: "c", Token: "t", Schedule: "@every 1s"}))
	require.NoError(t, b.Cancel(ctx, "a"))
	require.NoError(t, b.Cancel(ctx, "a"))

	var firings []Firing
	n, err := b.Poll(ctx, collect(&firings))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "b", firings[0].Arming.Key)

	require.NoError(t, b.CancelAll(ctx))
	mock.Add(time.Hour)
	n, err = b.Poll(ctx, collect(&firings))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPollingBackend_lateAndBatch(t *testing.T) {
	mock := clock.NewMock()
	b, err := NewPollingBackend(NewMemoryStore(), WithPollingClock(mock), WithPollBatch(2))
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, b.ArmOnce(ctx, Arming{
			EarliestAt: mock.Now(),
			LatestAt:   mock.Now().Add(time.Second),
			Key:        key,
			Token:      "t",
		}))
	}
	mock.Add(2 * time.Second)

	var firings []Firing
	n, err := b.Poll(ctx, collect(&firings))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = b.Poll(ctx, collect(&firings))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, firings, 3)
	for _, f := range firings {
		assert.True(t, f.Late)
	}
}

func TestPollingBackend_fireErrorDoesNotRepeat(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.ArmOnce(ctx, Arming{Key: "a", Token: "t"}))

	var calls int
	fire := func(context.Context, Firing) error {
		calls++
		return errors.New("failed")
	}
	n, err := b.Poll(ctx, fire)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = b.Poll(ctx, fire)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, calls)
}

func TestPollingBackend_run(t *testing.T) {
	defer goleak.VerifyNone(t)

	b, err := NewPollingBackend(NewMemoryStore(), WithPollInterval(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fired := make(chan Firing, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx, func(_ context.Context, firing Firing) error {
			fired <- firing
			return nil
		})
	}()

	// arming wakes the loop, despite the interval
	require.NoError(t, b.ArmOnce(ctx, Arming{Key: "now", Token: "t"}))
	select {
	case f := <-fired:
		assert.Equal(t, "now", f.Arming.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("not fired")
	}

	require.Eventually(t, b.running.Load, time.Second, time.Millisecond)
	assert.Error(t, b.Run(ctx, func(context.Context, Firing) error { return nil }))
	assert.Error(t, b.Run(ctx, nil))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestPollingBackend_storeClosed(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Store().Close())
	assert.Error(t, b.ArmOnce(ctx, Arming{Key: "a", Token: "t"}))
	_, err := b.Status(ctx, "a")
	assert.Error(t, err)
	_, err = b.Poll(ctx, func(context.Context, Firing) error { return nil })
	assert.Error(t, err)
}
