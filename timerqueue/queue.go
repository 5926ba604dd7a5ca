// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package timerqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/joeycumines/logiface"
)

// Queue is an ordered collection of pending callbacks, see the package docs.
type Queue struct {
	// Prevent copying
	_ [0]func()

	clock     clock.Clock
	logger    *logiface.Logger[logiface.Event]
	onFailure func(*Failure)
	before    func(Info)
	after     func(Info, error)

	// wake is signalled (non-blocking) whenever the queue changes in a way
	// the owner may need to observe
	wake chan struct{}

	entries map[ID]*entry
	heap    entryHeap

	minInterval time.Duration
	lastID      ID

	mu     sync.Mutex
	closed bool
}

// New creates an empty, open queue.
func New(opts ...Option) (*Queue, error) {
	cfg, err := resolveQueueOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Queue{
		clock:       cfg.clock,
		logger:      cfg.logger,
		onFailure:   cfg.onFailure,
		before:      cfg.before,
		after:       cfg.after,
		wake:        make(chan struct{}, 1),
		entries:     make(map[ID]*entry),
		minInterval: cfg.minInterval,
	}, nil
}

// ScheduleOnce schedules fn to run once, after delay. Negative delays are
// treated as zero.
func (q *Queue) ScheduleOnce(fn Func, delay time.Duration, args ...any) (ID, error) {
	if delay < 0 {
		delay = 0
	}
	return q.schedule(KindOnce, fn, delay, 0, args)
}

// ScheduleInterval schedules fn to run every period, first after one
// period. Each subsequent run is due one period after the previous run
// started, so slow callbacks do not accumulate drift.
func (q *Queue) ScheduleInterval(fn Func, period time.Duration, args ...any) (ID, error) {
	if period < q.minInterval {
		period = q.minInterval
	}
	return q.schedule(KindInterval, fn, period, period, args)
}

// ScheduleImmediate schedules fn to run as soon as possible, ahead of any
// timers due at the same instant.
func (q *Queue) ScheduleImmediate(fn Func, args ...any) (ID, error) {
	return q.schedule(KindImmediate, fn, 0, 0, args)
}

func (q *Queue) schedule(kind Kind, fn Func, delay, period time.Duration, args []any) (ID, error) {
	if fn == nil {
		return 0, ErrNilCallback
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrIllegalLifecycleState
	}
	q.lastID++
	e := &entry{
		due:    q.clock.Now().Add(delay),
		fn:     fn,
		args:   args,
		period: period,
		id:     q.lastID,
		kind:   kind,
	}
	heap.Push(&q.heap, e)
	q.entries[e.id] = e
	q.mu.Unlock()

	q.Wake()

	return e.id, nil
}

// Cancel prevents the entry from running, returning true if it was pending.
// Cancelling an interval from within its own callback stops it re-arming,
// and also returns true. Unknown, already fired, or already cancelled IDs
// return false.
func (q *Queue) Cancel(id ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return false
	}
	delete(q.entries, id)
	e.cancelled = true
	if e.index >= 0 {
		heap.Remove(&q.heap, e.index)
	}
	return true
}

// Dispatch runs the earliest entry, if one is due, returning true if it
// did. It must only be called by the owning goroutine.
func (q *Queue) Dispatch() bool {
	q.mu.Lock()
	if q.closed || len(q.heap) == 0 {
		q.mu.Unlock()
		return false
	}
	now := q.clock.Now()
	if q.heap[0].due.After(now) {
		q.mu.Unlock()
		return false
	}
	e := heap.Pop(&q.heap).(*entry)
	if e.kind != KindInterval {
		// one-shot entries may no longer be cancelled once popped
		delete(q.entries, e.id)
	}
	q.mu.Unlock()

	q.run(e, now)

	if e.kind == KindInterval {
		q.mu.Lock()
		if !e.cancelled && !q.closed {
			e.due = now.Add(e.period)
			heap.Push(&q.heap, e)
		}
		q.mu.Unlock()
	}

	return true
}

// run invokes the entry, reporting any failure.
func (q *Queue) run(e *entry, now time.Time) {
	info := Info{Start: now, ID: e.id, Kind: e.kind}
	if q.before != nil {
		q.before(info)
	}

	err := safeCall(e.fn, e.args)

	if q.after != nil {
		q.after(info, err)
	}

	if err != nil {
		failure := &Failure{Err: err, ID: e.id, Kind: e.kind}
		if q.onFailure != nil {
			q.onFailure(failure)
		} else {
			q.logger.Err().
				Err(err).
				Uint64(`timer_id`, uint64(e.id)).
				Str(`kind`, e.kind.String()).
				Log(`timerqueue: callback failed`)
		}
	}
}

func safeCall(fn Func, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
	}()
	return fn(args...)
}

// Next returns the due time of the earliest entry.
func (q *Queue) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].due, true
}

// Len returns the number of live entries, including an interval that is
// currently running.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Wake interrupts a concurrent (or the next) call to [Queue.Wait].
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the earliest entry is due, the queue is woken, or ctx
// is done. It returns [ErrIllegalLifecycleState] if the queue is closed,
// and ctx.Err() if ctx ended the wait. Spurious wakeups are possible.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrIllegalLifecycleState
	}
	var timerC <-chan time.Time
	if len(q.heap) != 0 {
		delay := q.heap[0].due.Sub(q.clock.Now())
		if delay <= 0 {
			q.mu.Unlock()
			return nil
		}
		timer := q.clock.Timer(delay)
		defer timer.Stop()
		timerC = timer.C
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.wake:
		return nil
	case <-timerC:
		return nil
	}
}

// CloseIfIdle closes the queue if (and only if) it has no pending entries,
// atomically with respect to scheduling, returning true if the queue is
// now closed.
func (q *Queue) CloseIfIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return true
	}
	if len(q.entries) != 0 {
		return false
	}
	q.closed = true
	q.Wake()
	return true
}

// Close discards all pending entries and rejects further scheduling.
// An in-flight callback is not affected, but an interval will not re-arm.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, e := range q.entries {
		e.cancelled = true
	}
	clear(q.entries)
	clear(q.heap)
	q.heap = q.heap[:0]
	q.Wake()
}

// Closed reports whether the queue has been closed.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Now returns the current time, per the queue's clock.
func (q *Queue) Now() time.Time {
	return q.clock.Now()
}
