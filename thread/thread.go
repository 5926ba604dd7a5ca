// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package thread

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-scriptloop/timerqueue"
)

// Action is the entry action of a [Thread]. It runs on the thread's own
// goroutine, as the first callback dispatched from its queue. The context
// is cancelled when the thread is interrupted.
type Action func(ctx context.Context, t *Thread) error

// Thread is a goroutine, locked to an OS thread, driving its own
// [timerqueue.Queue]. See [State] for the lifecycle.
type Thread struct {
	// Prevent copying
	_ [0]func()

	rt        *Runtime
	entry     Action
	keepAlive func() bool
	onExit    []func(*Thread)
	label     string

	ctx    context.Context
	cancel context.CancelFunc

	queue atomic.Pointer[timerqueue.Queue]
	reg   *registration

	started chan struct{}
	done    chan struct{}

	id          uint64
	goroutineID atomic.Uint64
	// deadline of the in-flight callback, in unix nanoseconds, or 0
	inflight atomic.Int64

	exitOnce sync.Once
	state    fastState
}

func newThread(rt *Runtime, entry Action, cfg *threadOptions) *Thread {
	t := &Thread{
		rt:        rt,
		entry:     entry,
		keepAlive: cfg.keepAlive,
		onExit:    cfg.onExit,
		label:     cfg.label,
		started:   make(chan struct{}),
		done:      make(chan struct{}),
		id:        threadIDCounter.Add(1),
	}
	if t.label == "" {
		t.label = "thread-" + strconv.FormatUint(t.id, 10)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// ID returns the thread's process-unique identity.
func (t *Thread) ID() uint64 { return t.id }

// Label returns the thread's name, as used in failure reports.
func (t *Thread) Label() string { return t.label }

// State returns the current lifecycle state.
func (t *Thread) State() State { return t.state.Load() }

// Runtime returns the runtime the thread was created by.
func (t *Thread) Runtime() *Runtime { return t.rt }

// Context is cancelled once the thread is interrupted or exits.
func (t *Thread) Context() context.Context { return t.ctx }

// Queue returns the installed queue, or nil if the thread is not alive.
func (t *Thread) Queue() *timerqueue.Queue { return t.queue.Load() }

// Done is closed once the thread reaches StateTerminated.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Start launches the thread. Cancelling ctx interrupts the thread. Start
// returns [ErrAlreadyStarted] if called more than once, or
// [ErrThreadTerminated] if the thread was interrupted before starting.
func (t *Thread) Start(ctx context.Context) error {
	if !t.state.TryTransition(StateCreated, StateStarting) {
		if t.state.Load() == StateTerminated || t.state.Load() == StateExiting {
			select {
			case <-t.started:
			default:
				return ErrThreadTerminated
			}
		}
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}
	stop := context.AfterFunc(ctx, t.Interrupt)

	t.rt.wg.Add(1)
	go func() {
		defer t.rt.wg.Done()
		defer stop()
		t.run()
	}()

	return nil
}

// Interrupt requests the thread stop. It returns immediately, may be called
// any number of times from any goroutine, and never aborts an in-flight
// callback. No further callbacks are dispatched once it returns.
func (t *Thread) Interrupt() {
	t.cancel()
	if t.state.TryTransition(StateCreated, StateExiting) {
		t.exit()
		return
	}
	if q := t.queue.Load(); q != nil {
		q.Wake()
	}
}

// Wake causes the loop to re-evaluate its keep-alive condition.
func (t *Thread) Wake() {
	if q := t.queue.Load(); q != nil {
		q.Wake()
	}
}

// AwaitStarted blocks until the thread reaches StateRunning, returning nil,
// or [ErrThreadTerminated] if it terminated without doing so.
func (t *Thread) AwaitStarted(ctx context.Context) error {
	select {
	case <-t.started:
		return nil
	case <-t.done:
		select {
		case <-t.started:
			return nil
		default:
			return ErrThreadTerminated
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the thread terminates, or ctx is done.
func (t *Thread) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetTimeout schedules fn on this thread's queue, see
// [timerqueue.Queue.ScheduleOnce].
func (t *Thread) SetTimeout(fn timerqueue.Func, delay time.Duration, args ...any) (timerqueue.ID, error) {
	q := t.queue.Load()
	if q == nil {
		return 0, ErrIllegalLifecycleState
	}
	return q.ScheduleOnce(fn, delay, args...)
}

// SetInterval schedules fn on this thread's queue, see
// [timerqueue.Queue.ScheduleInterval].
func (t *Thread) SetInterval(fn timerqueue.Func, period time.Duration, args ...any) (timerqueue.ID, error) {
	q := t.queue.Load()
	if q == nil {
		return 0, ErrIllegalLifecycleState
	}
	return q.ScheduleInterval(fn, period, args...)
}

// SetImmediate schedules fn on this thread's queue, see
// [timerqueue.Queue.ScheduleImmediate].
func (t *Thread) SetImmediate(fn timerqueue.Func, args ...any) (timerqueue.ID, error) {
	q := t.queue.Load()
	if q == nil {
		return 0, ErrIllegalLifecycleState
	}
	return q.ScheduleImmediate(fn, args...)
}

// ClearTimer cancels a timeout, interval or immediate. It returns false if
// the entry was not pending, or the thread is not alive.
func (t *Thread) ClearTimer(id timerqueue.ID) bool {
	q := t.queue.Load()
	if q == nil {
		return false
	}
	return q.Cancel(id)
}

// run is the thread's goroutine.
func (t *Thread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer t.exit()

	t.goroutineID.Store(getGoroutineID())

	q, err := t.rt.newQueue(t)
	if err != nil {
		t.rt.Report(t.label, err)
		return
	}

	// the entry action is always the first entry, id 1
	if _, err := q.ScheduleImmediate(t.runEntry); err != nil {
		t.rt.Report(t.label, err)
		return
	}

	t.queue.Store(q)
	if !t.state.TryTransition(StateStarting, StateRunning) {
		// unreachable: nothing else transitions out of Starting
		t.rt.Report(t.label, errors.New("thread: unexpected state "+t.state.Load().String()))
		return
	}
	t.reg = t.rt.registry.put(t, q, t.goroutineID.Load())
	t.rt.metrics.threadStarted()
	close(t.started)

	t.rt.logger.Debug().
		Uint64(`thread_id`, t.id).
		Str(`thread_label`, t.label).
		Log(`thread: running`)

	t.loop(q)
}

func (t *Thread) runEntry(...any) error {
	return t.entry(t.ctx, t)
}

func (t *Thread) loop(q *timerqueue.Queue) {
	t.state.TryTransition(StateRunning, StateLooping)
	for {
		if t.ctx.Err() != nil {
			return
		}
		if q.Dispatch() {
			continue
		}
		if !t.keptAlive() && q.CloseIfIdle() {
			return
		}
		if err := q.Wait(t.ctx); err != nil {
			// interrupted while waiting, or closed
			return
		}
	}
}

func (t *Thread) keptAlive() bool {
	return t.keepAlive != nil && t.keepAlive()
}

// exit performs the exit sequence, exactly once.
func (t *Thread) exit() {
	t.exitOnce.Do(func() {
		wasStarted := t.state.Load() != StateExiting
		t.state.Store(StateExiting)
		t.cancel()

		q := t.queue.Load()
		if q != nil {
			q.Close()
		}

		for _, fn := range t.onExit {
			t.safeExitHook(fn)
		}
		for _, fn := range t.rt.onExit {
			t.safeExitHook(fn)
		}

		if t.reg != nil && t.rt.registry.remove(t.reg, t.goroutineID.Load()) {
			t.rt.metrics.threadExited()
		}
		t.queue.Store(nil)
		t.goroutineID.Store(0)
		t.state.Store(StateTerminated)
		t.rt.threads.Delete(t.id)

		if wasStarted {
			t.rt.logger.Debug().
				Uint64(`thread_id`, t.id).
				Str(`thread_label`, t.label).
				Log(`thread: terminated`)
		}
		close(t.done)
	})
}

func (t *Thread) safeExitHook(fn func(*Thread)) {
	defer func() {
		if r := recover(); r != nil {
			t.rt.Report(t.label, timerqueue.PanicError{Value: r})
		}
	}()
	fn(t)
}

func (t *Thread) handleFailure(f *timerqueue.Failure) {
	if errors.Is(f.Err, context.Canceled) && t.ctx.Err() != nil {
		// interrupted, not a failure
		return
	}
	t.rt.Report(t.label, &CallbackError{
		Err:      f.Err,
		Thread:   t.label,
		ThreadID: t.id,
		TimerID:  f.ID,
		Kind:     f.Kind,
	})
}

func (t *Thread) beforeCallback(timerqueue.Info) {
	if t.rt.budget <= 0 {
		return
	}
	deadline := t.rt.clock.Now().Add(t.rt.budget)
	t.inflight.Store(deadline.UnixNano())
	t.rt.deadline.Publish(deadline)
}

func (t *Thread) afterCallback(info timerqueue.Info, err error) {
	if n := t.inflight.Swap(0); n != 0 {
		t.rt.deadline.Retract(time.Unix(0, n))
	}
	t.rt.metrics.callback(info.Kind, t.rt.clock.Now().Sub(info.Start), err)
}

// inflightDeadline returns the deadline of the callback currently running
// on this thread, if any.
func (t *Thread) inflightDeadline() (time.Time, bool) {
	if n := t.inflight.Load(); n != 0 {
		return time.Unix(0, n), true
	}
	return time.Time{}, false
}
