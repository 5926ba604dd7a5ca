package work

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"github.com/joeycumines/logiface"
	cronlib "github.com/robfig/cron/v3"
)

// PollingBackend is a [Backend] that periodically queries a [Store] for due
// armings. Armings survive restarts if the store does. Periodic armings
// that missed runs fire once, then resume their schedule.
type PollingBackend struct {
	store    Store
	clock    clock.Clock
	logger   *logiface.Logger[logiface.Event]
	interval time.Duration
	batch    int
	wake     chan struct{}

	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	running atomic.Bool
}

var _ Backend = (*PollingBackend)(nil)

// NewPollingBackend constructs a [PollingBackend] over store.
func NewPollingBackend(store Store, opts ...PollingOption) (*PollingBackend, error) {
	if store == nil {
		return nil, errors.New("work: nil store")
	}
	cfg, err := resolvePollingOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PollingBackend{
		store:    store,
		clock:    cfg.clock,
		logger:   cfg.logger,
		interval: cfg.interval,
		batch:    cfg.batch,
		wake:     make(chan struct{}, 1),
		parsed:   make(map[string]cronlib.Schedule),
	}, nil
}

// Store returns the underlying store.
func (b *PollingBackend) Store() Store { return b.store }

func (b *PollingBackend) ArmOnce(ctx context.Context, arming Arming) error {
	if arming.Key == "" {
		return ErrInvalidTask
	}
	now := b.clock.Now()
	next := arming.EarliestAt
	if next.IsZero() {
		next = now
	}
	arming.Periodic = false
	arming.Schedule = ""
	if err := b.store.Put(ctx, Record{Arming: arming, NextAt: next, ArmedAt: now}); err != nil {
		return fmt.Errorf("arm %q: %w", arming.Key, err)
	}
	b.notify()
	return nil
}

func (b *PollingBackend) ArmPeriodic(ctx context.Context, arming Arming) error {
	if arming.Key == "" {
		return ErrInvalidTask
	}
	sched, err := b.schedule(arming.Schedule)
	if err != nil {
		return fmt.Errorf("arm %q: invalid schedule %q: %w", arming.Key, arming.Schedule, err)
	}
	now := b.clock.Now()
	next := arming.EarliestAt
	if next.IsZero() {
		next = sched.Next(now)
	}
	arming.Periodic = true
	if err := b.store.Put(ctx, Record{Arming: arming, NextAt: next, ArmedAt: now}); err != nil {
		return fmt.Errorf("arm %q: %w", arming.Key, err)
	}
	b.notify()
	return nil
}

func (b *PollingBackend) Cancel(ctx context.Context, key string) error {
	if err := b.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("cancel %q: %w", key, err)
	}
	return nil
}

func (b *PollingBackend) CancelAll(ctx context.Context) error {
	if err := b.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("cancel all: %w", err)
	}
	return nil
}

func (b *PollingBackend) Status(ctx context.Context, key string) (Status, error) {
	record, err := b.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Status{Key: key}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("status %q: %w", key, err)
	}
	return record.Status(), nil
}

// Run polls every interval, and immediately after each arming, until ctx is
// done. Only one Run may be active at a time.
func (b *PollingBackend) Run(ctx context.Context, fire FireFunc) error {
	if fire == nil {
		return errors.New("work: nil fire func")
	}
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("work: polling backend already running")
	}
	defer b.running.Store(false)

	ticker := b.clock.Ticker(b.interval)
	defer ticker.Stop()

	b.logger.Debug().
		Dur(`interval`, b.interval).
		Log(`work: polling backend started`)

	for {
		if _, err := b.Poll(ctx, fire); err != nil && ctx.Err() == nil {
			b.logger.Warning().
				Err(err).
				Log(`work: poll failed`)
		}
		select {
		case <-ctx.Done():
			b.logger.Debug().Log(`work: polling backend stopped`)
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		case <-b.wake:
		}
	}
}

// Poll fires every due arming once, returning the number fired. Each
// arming is recorded as fired before fire is called, so a crash during
// fire will not repeat it.
func (b *PollingBackend) Poll(ctx context.Context, fire FireFunc) (int, error) {
	now := b.clock.Now()
	due, err := b.store.Due(ctx, now, b.batch)
	if err != nil {
		return 0, fmt.Errorf("list due: %w", err)
	}
	var fired int
	for _, record := range due {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		if b.fireRecord(ctx, record, now, fire) {
			fired++
		}
	}
	return fired, nil
}

func (b *PollingBackend) fireRecord(ctx context.Context, record Record, now time.Time, fire FireFunc) bool {
	var next time.Time
	if record.Periodic {
		sched, err := b.schedule(record.Schedule)
		if err != nil {
			// unreachable unless the store was modified externally
			b.logger.Err().
				Err(err).
				Str(`task_key`, record.Key).
				Log(`work: dropping periodic arming with invalid schedule`)
		} else {
			next = sched.Next(now)
		}
	}

	ok, err := b.store.Fired(ctx, record.Key, record.Token, now, next)
	if err != nil {
		b.logger.Err().
			Err(err).
			Str(`task_key`, record.Key).
			Log(`work: failed to record firing`)
		return false
	}
	if !ok {
		// re-armed or cancelled since listed
		return false
	}

	firing := Firing{
		FiredAt: now,
		Arming:  record.Arming,
		Late:    !record.Periodic && !record.LatestAt.IsZero() && now.After(record.LatestAt),
	}
	if firing.Late {
		b.logger.Warning().
			Str(`task_key`, record.Key).
			Time(`latest_at`, record.LatestAt).
			Dur(`late_by`, now.Sub(record.LatestAt)).
			Log(`work: firing after window`)
	}

	if err := fire(ctx, firing); err != nil {
		b.logger.Err().
			Err(err).
			Str(`task_key`, record.Key).
			Log(`work: fire failed`)
	}
	return true
}

func (b *PollingBackend) schedule(expr string) (cronlib.Schedule, error) {
	b.parsedMu.RLock()
	sched, ok := b.parsed[expr]
	b.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	b.parsedMu.Lock()
	b.parsed[expr] = sched
	b.parsedMu.Unlock()
	return sched, nil
}

func (b *PollingBackend) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
