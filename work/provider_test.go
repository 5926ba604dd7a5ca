package work

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestProvider_enqueueWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := TimedTask{
		TriggerAt: h.clock.Now().Add(time.Minute),
		Payload:   map[string]any{"n": "1"},
		Key:       "report",
		Entry:     "report.js",
	}
	require.NoError(t, h.provider.EnqueueWork(ctx, task, 10*time.Second))

	assert.Zero(t, h.poll(t))
	h.clock.Add(59 * time.Second)
	assert.Zero(t, h.poll(t))
	h.clock.Add(time.Second)
	assert.Equal(t, 1, h.poll(t))

	got := h.resurrected.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "report", got[0].Key)
	assert.Equal(t, "report.js", got[0].Entry)
	assert.Equal(t, 10*time.Second, got[0].Window)
	assert.Equal(t, map[string]any{"n": "1"}, got[0].Payload)

	// fires once
	h.clock.Add(time.Hour)
	assert.Zero(t, h.poll(t))
	assert.Empty(t, h.sink.snapshot())
}

func TestProvider_cancelBeforeTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := TimedTask{TriggerAt: h.clock.Now().Add(time.Second), Key: "a", Entry: "a.js"}
	require.NoError(t, h.provider.EnqueueWork(ctx, task, 0))
	require.NoError(t, h.provider.Cancel(ctx, task))

	h.clock.Add(time.Minute)
	assert.Zero(t, h.poll(t))
	assert.Empty(t, h.resurrected.snapshot())

	// already cancelled, and never armed
	require.NoError(t, h.provider.Cancel(ctx, task))
	require.NoError(t, h.provider.Cancel(ctx, TimedTask{Key: "unknown"}))
}

func TestProvider_cancelAfterFire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := TimedTask{Key: "a", Entry: "a.js"}
	require.NoError(t, h.provider.EnqueueWork(ctx, task, 0))
	assert.Equal(t, 1, h.poll(t))
	require.NoError(t, h.provider.Cancel(ctx, task))
	assert.Len(t, h.resurrected.snapshot(), 1)
}

func TestProvider_sameKeyReplaces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.provider.EnqueueWork(ctx, TimedTask{
		TriggerAt: h.clock.Now().Add(time.Second),
		Key:       "k",
		Entry:     "old.js",
	}, 0))
	require.NoError(t, h.provider.EnqueueWork(ctx, TimedTask{
		TriggerAt: h.clock.Now().Add(2 * time.Second),
		Key:       "k",
		Entry:     "new.js",
	}, 0))

	records, err := h.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	h.clock.Add(time.Second)
	assert.Zero(t, h.poll(t))
	h.clock.Add(time.Second)
	assert.Equal(t, 1, h.poll(t))

	got := h.resurrected.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "new.js", got[0].Entry)
}

func TestProvider_staleFiringDropped(t *testing.T) {
	metrics := NewMetrics(nil)
	h := newHarness(t, WithMetrics(metrics))
	ctx := context.Background()

	task := TimedTask{Key: "k", Entry: "a.js"}
	require.NoError(t, h.provider.EnqueueWork(ctx, task, 0))
	first, err := h.store.Get(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, h.provider.EnqueueWork(ctx, task, 0))

	// a backend that delivered the replaced arming anyway
	require.NoError(t, h.provider.handle(ctx, Firing{FiredAt: h.clock.Now(), Arming: first.Arming}))
	assert.Empty(t, h.resurrected.snapshot())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Firings.WithLabelValues(outcomeStale)))

	// and after cancellation
	second, err := h.store.Get(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, h.provider.Cancel(ctx, task))
	require.NoError(t, h.provider.handle(ctx, Firing{FiredAt: h.clock.Now(), Arming: second.Arming}))
	assert.Empty(t, h.resurrected.snapshot())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Firings.WithLabelValues(outcomeStale)))
}

func TestProvider_isCheckWorkFine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.False(t, h.provider.IsCheckWorkFine())
	require.NoError(t, h.provider.EnqueuePeriodicWork(ctx, time.Second))
	assert.False(t, h.provider.IsCheckWorkFine())

	h.clock.Add(999 * time.Millisecond)
	assert.Zero(t, h.poll(t))
	assert.False(t, h.provider.IsCheckWorkFine())

	h.clock.Add(time.Millisecond)
	assert.Equal(t, 1, h.poll(t))
	assert.True(t, h.provider.IsCheckWorkFine())

	status, err := h.backend.Status(ctx, RecheckKey)
	require.NoError(t, err)
	assert.True(t, status.Armed)
	assert.True(t, status.Periodic)
	assert.Equal(t, 1, status.Runs)
	assert.True(t, status.NextAt.Equal(h.clock.Now().Add(DefaultRecheckPeriod)))

	// re-arming resets
	require.NoError(t, h.provider.EnqueuePeriodicWork(ctx, time.Minute))
	assert.False(t, h.provider.IsCheckWorkFine())

	require.NoError(t, h.provider.CancelAllWorks(ctx))
	assert.False(t, h.provider.IsCheckWorkFine())
	h.clock.Add(time.Hour)
	assert.Zero(t, h.poll(t))
}

func TestProvider_recheckInFlightAfterCancelAll(t *testing.T) {
	var listed atomic.Int32
	h := newHarness(t, WithTaskSource(TaskSourceFunc(func(context.Context) ([]TimedTask, error) {
		listed.Add(1)
		return []TimedTask{{Key: "pending", Entry: "job"}}, nil
	})))
	ctx := context.Background()

	require.NoError(t, h.provider.EnqueuePeriodicWork(ctx, time.Second))
	h.clock.Add(time.Second)
	rec, err := h.store.Get(ctx, RecheckKey)
	require.NoError(t, err)

	// claimed by the backend before the cancel was observed
	require.NoError(t, h.provider.CancelAllWorks(ctx))
	require.NoError(t, h.provider.handle(ctx, Firing{FiredAt: h.clock.Now(), Arming: rec.Arming}))

	assert.False(t, h.provider.IsCheckWorkFine())
	assert.Zero(t, listed.Load())
	records, err := h.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestProvider_recheckAdoptedAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.provider.EnqueuePeriodicWork(ctx, time.Second))

	restarted, err := NewProvider(h.backend, h.resurrected, WithClock(h.clock), WithFailureSink(h.sink))
	require.NoError(t, err)
	h.clock.Add(time.Second)
	n, err := h.backend.Poll(ctx, restarted.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, restarted.IsCheckWorkFine())
}

func TestProvider_cancelledTokensPruned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := range 1000 {
		task := TimedTask{Key: "task-" + strconv.Itoa(i), Entry: "job", TriggerAt: h.clock.Now().Add(time.Hour)}
		require.NoError(t, h.provider.EnqueueWork(ctx, task, 0))
		require.NoError(t, h.provider.Cancel(ctx, task))
	}
	require.NoError(t, h.provider.CancelAllWorks(ctx))
	assert.Len(t, h.provider.tokens, 1000)

	h.clock.Add(DefaultRecheckPeriod)
	require.NoError(t, h.provider.Cancel(ctx, TimedTask{Key: "last"}))
	assert.Equal(t, map[string]string{"last": ""}, h.provider.tokens)
	assert.Len(t, h.provider.cancelled, 1)
	assert.Empty(t, h.sink.snapshot())
}

func TestProvider_recheckPeriod(t *testing.T) {
	h := newHarness(t, WithRecheckPeriod(time.Minute))
	ctx := context.Background()

	require.NoError(t, h.provider.EnqueuePeriodicWork(ctx, 0))
	assert.Equal(t, 1, h.poll(t))
	for range 3 {
		h.clock.Add(30 * time.Second)
		assert.Zero(t, h.poll(t))
		h.clock.Add(30 * time.Second)
		assert.Equal(t, 1, h.poll(t))
	}
	status, err := h.backend.Status(ctx, RecheckKey)
	require.NoError(t, err)
	assert.Equal(t, 4, status.Runs)
}

func TestProvider_recheckRearms(t *testing.T) {
	pending := []TimedTask{
		{Key: "armed", Entry: "armed.js", TriggerAt: time.Unix(3600, 0)},
		{Key: "dropped", Entry: "dropped.js", TriggerAt: time.Unix(7200, 0), Window: time.Minute},
	}
	metrics := NewMetrics(nil)
	h := newHarness(t,
		WithMetrics(metrics),
		WithTaskSource(TaskSourceFunc(func(context.Context) ([]TimedTask, error) {
			return pending, nil
		})),
	)
	ctx := context.Background()

	require.NoError(t, h.provider.EnqueueWork(ctx, pending[0], 0))
	require.NoError(t, h.provider.EnqueuePeriodicWork(ctx, 0))
	assert.Equal(t, 1, h.poll(t))
	assert.True(t, h.provider.IsCheckWorkFine())

	status, err := h.backend.Status(ctx, "dropped")
	require.NoError(t, err)
	require.True(t, status.Armed)
	record, err := h.store.Get(ctx, "dropped")
	require.NoError(t, err)
	assert.True(t, record.LatestAt.Equal(time.Unix(7200, 0).Add(time.Minute)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Rearmed))

	n, err := h.provider.Recheck(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProvider_recheckSourceFailure(t *testing.T) {
	errSource := errors.New("source down")
	h := newHarness(t, WithTaskSource(TaskSourceFunc(func(context.Context) ([]TimedTask, error) {
		return nil, errSource
	})))
	_, err := h.provider.Recheck(context.Background())
	require.ErrorIs(t, err, errSource)
	reports := h.sink.snapshot()
	require.Len(t, reports, 1)
	assert.Equal(t, failureLabel, reports[0].label)
}

func TestProvider_schedulerUnavailable(t *testing.T) {
	metrics := NewMetrics(nil)
	sink := new(sinkRecorder)
	p, err := NewProvider(&failingBackend{err: errBackendDown}, ResurrectorFunc(func(context.Context, TimedTask) error {
		t.Error("unexpected resurrection")
		return nil
	}), WithFailureSink(sink), WithMetrics(metrics))
	require.NoError(t, err)
	ctx := context.Background()

	for _, fn := range []func() error{
		func() error { return p.EnqueueWork(ctx, TimedTask{Key: "a"}, 0) },
		func() error { return p.EnqueuePeriodicWork(ctx, time.Second) },
		func() error { return p.Cancel(ctx, TimedTask{Key: "a"}) },
		func() error { return p.CancelAllWorks(ctx) },
		func() error { return p.Refresh(ctx) },
	} {
		err := fn()
		require.ErrorIs(t, err, ErrSchedulerUnavailable)
		require.ErrorIs(t, err, errBackendDown)
	}

	assert.False(t, p.IsCheckWorkFine())
	reports := sink.snapshot()
	require.Len(t, reports, 5)
	for _, r := range reports {
		assert.Equal(t, failureLabel, r.label)
		assert.ErrorIs(t, r.err, ErrSchedulerUnavailable)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BackendErrors.WithLabelValues("cancel")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.BackendErrors.WithLabelValues("arm")))
}

func TestProvider_failedArmRestoresToken(t *testing.T) {
	backend := &failingBackend{}
	p, err := NewProvider(backend, ResurrectorFunc(func(context.Context, TimedTask) error { return nil }), WithFailureSink(new(sinkRecorder)))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.EnqueueWork(ctx, TimedTask{Key: "a"}, 0))
	p.mu.Lock()
	armed := p.tokens["a"]
	p.mu.Unlock()
	require.NotEmpty(t, armed)

	backend.err = errBackendDown
	require.ErrorIs(t, p.EnqueueWork(ctx, TimedTask{Key: "a"}, 0), ErrSchedulerUnavailable)
	require.ErrorIs(t, p.EnqueueWork(ctx, TimedTask{Key: "b"}, 0), ErrSchedulerUnavailable)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, armed, p.tokens["a"])
	_, ok := p.tokens["b"]
	assert.False(t, ok)
}

func TestProvider_invalidTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.ErrorIs(t, h.provider.EnqueueWork(ctx, TimedTask{}, 0), ErrInvalidTask)
	require.ErrorIs(t, h.provider.EnqueueWork(ctx, TimedTask{Key: RecheckKey}, 0), ErrInvalidTask)
	require.ErrorIs(t, h.provider.Cancel(ctx, TimedTask{Key: RecheckKey}), ErrInvalidTask)
}

func TestProvider_resurrectFailureRetries(t *testing.T) {
	h := newHarness(t)
	h.resurrected.err = errors.New("no such script")
	ctx := context.Background()

	task := TimedTask{Key: "flaky", Entry: "flaky.js", RecheckDelay: 30 * time.Second}
	require.NoError(t, h.provider.EnqueueWork(ctx, task, 0))
	assert.Equal(t, 1, h.poll(t))

	reports := h.sink.snapshot()
	require.Len(t, reports, 1)
	assert.Equal(t, "flaky", reports[0].label)
	assert.ErrorContains(t, reports[0].err, "no such script")

	record, err := h.store.Get(ctx, "flaky")
	require.NoError(t, err)
	assert.True(t, record.NextAt.Equal(h.clock.Now().Add(30*time.Second)))

	h.resurrected.mu.Lock()
	h.resurrected.err = nil
	h.resurrected.mu.Unlock()
	h.clock.Add(30 * time.Second)
	assert.Equal(t, 1, h.poll(t))
	assert.Len(t, h.resurrected.snapshot(), 2)
	_, err = h.store.Get(ctx, "flaky")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProvider_resurrectPanic(t *testing.T) {
	h := newHarness(t)
	h.provider.resurrector = ResurrectorFunc(func(context.Context, TimedTask) error {
		panic("boom")
	})
	require.NoError(t, h.provider.EnqueueWork(context.Background(), TimedTask{Key: "p"}, 0))
	assert.Equal(t, 1, h.poll(t))
	reports := h.sink.snapshot()
	require.Len(t, reports, 1)
	assert.ErrorContains(t, reports[0].err, "panic: boom")
}

func TestProvider_lateFiring(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, WithMetrics(metrics))
	ctx := context.Background()

	require.NoError(t, h.provider.EnqueueWork(ctx, TimedTask{Key: "late", TriggerAt: h.clock.Now().Add(time.Second)}, time.Second))
	h.clock.Add(10 * time.Second)
	assert.Equal(t, 1, h.poll(t))
	assert.Len(t, h.resurrected.snapshot(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LateFirings))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Firings.WithLabelValues(outcomeResurrected)))
}

func TestProvider_refreshAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.provider.EnqueuePeriodicWork(ctx, 0))
	assert.Equal(t, 1, h.poll(t))

	restarted, err := NewProvider(h.backend, h.resurrected, WithClock(h.clock), WithFailureSink(h.sink))
	require.NoError(t, err)
	assert.False(t, restarted.IsCheckWorkFine())
	require.NoError(t, restarted.Refresh(ctx))
	assert.True(t, restarted.IsCheckWorkFine())

	require.NoError(t, h.backend.Cancel(ctx, RecheckKey))
	require.NoError(t, restarted.Refresh(ctx))
	assert.False(t, restarted.IsCheckWorkFine())
}

func TestProvider_run(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	store := NewMemoryStore()
	backend, err := NewPollingBackend(store, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	fired := make(chan TimedTask, 1)
	p, err := NewProvider(backend, ResurrectorFunc(func(_ context.Context, task TimedTask) error {
		fired <- task
		return nil
	}), WithFailureSink(new(sinkRecorder)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.NoError(t, p.EnqueuePeriodicWork(ctx, 0))
	require.NoError(t, p.EnqueueWork(ctx, TimedTask{Key: "now", Entry: "now.js"}, 0))

	select {
	case task := <-fired:
		assert.Equal(t, "now.js", task.Entry)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not fire")
	}
	require.Eventually(t, p.IsCheckWorkFine, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestProvider_resurrectLimit(t *testing.T) {
	h := newHarness(t, WithResurrectLimit(0, 1))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, h.provider.EnqueueWork(context.Background(), TimedTask{Key: "a"}, 0))
	require.NoError(t, h.provider.EnqueueWork(context.Background(), TimedTask{Key: "b"}, 0))
	n, err := h.backend.Poll(ctx, h.provider.handle)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	// burst of one, then never
	assert.Len(t, h.resurrected.snapshot(), 1)
}

func TestNewProvider_errors(t *testing.T) {
	r := ResurrectorFunc(func(context.Context, TimedTask) error { return nil })
	backend := &failingBackend{}
	_, err := NewProvider(nil, r)
	assert.Error(t, err)
	_, err = NewProvider(backend, nil)
	assert.Error(t, err)
	_, err = NewProvider(backend, r, WithClock(nil))
	assert.Error(t, err)
	_, err = NewProvider(backend, r, WithRecheckPeriod(0))
	assert.Error(t, err)
	_, err = NewProvider(backend, r, WithDefaultWindow(-1))
	assert.Error(t, err)
	_, err = NewProvider(backend, r, WithResurrectLimit(1, 0))
	assert.Error(t, err)
	p, err := NewProvider(backend, r, nil, WithFailureSink(new(sinkRecorder)))
	require.NoError(t, err)
	assert.Equal(t, DefaultRecheckPeriod, p.RecheckPeriod())
}
