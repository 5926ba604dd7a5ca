package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-scriptloop/timerqueue"
)

// DefaultWatchdogInterval is how often a [Watchdog] polls, by default.
const DefaultWatchdogInterval = time.Second

// Watchdog polls a runtime's [DeadlineBox], reporting callbacks that are
// still running past their deadline. Each in-flight callback is reported at
// most once.
type Watchdog struct {
	rt       *Runtime
	interval time.Duration

	mu       sync.Mutex
	reported map[uint64]int64 // thread id → reported deadline
}

// NewWatchdog creates a watchdog for the runtime. A non-positive interval
// uses [DefaultWatchdogInterval].
func (r *Runtime) NewWatchdog(interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	return &Watchdog{
		rt:       r,
		interval: interval,
		reported: make(map[uint64]int64),
	}
}

// Run polls until ctx is done, returning nil in that case.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := w.rt.clock.Ticker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check performs a single poll, returning the number of overruns reported.
func (w *Watchdog) Check() int {
	deadline := w.rt.deadline.Observe()
	now := w.rt.clock.Now()
	// the box only holds the most recent deadline, older callbacks on
	// other threads may still be running past theirs
	if (deadline.IsZero() || now.Before(deadline)) && !w.anyOverdue(now) {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var count int
	live := make(map[uint64]struct{})
	w.rt.registry.Range(func(t *Thread, _ *timerqueue.Queue) bool {
		live[t.id] = struct{}{}
		d, ok := t.inflightDeadline()
		if !ok || now.Before(d) {
			return true
		}
		n := d.UnixNano()
		if w.reported[t.id] == n {
			return true
		}
		w.reported[t.id] = n
		count++
		w.rt.metrics.overrun()
		w.rt.Report(t.label, fmt.Errorf("%w: overdue by %s", ErrCallbackOverrun, now.Sub(d)))
		return true
	})
	for id := range w.reported {
		if _, ok := live[id]; !ok {
			delete(w.reported, id)
		}
	}
	return count
}

func (w *Watchdog) anyOverdue(now time.Time) (overdue bool) {
	w.rt.registry.Range(func(t *Thread, _ *timerqueue.Queue) bool {
		if d, ok := t.inflightDeadline(); ok && !now.Before(d) {
			overdue = true
			return false
		}
		return true
	})
	return
}
