// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package thread

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"github.com/joeycumines/go-scriptloop/timerqueue"
	"github.com/joeycumines/logiface"
)

var threadIDCounter atomic.Uint64

// Runtime is the shared context threads execute against. It owns (or
// shares) the [Registry] and [DeadlineBox], and routes failures to a single
// [FailureSink].
type Runtime struct {
	clock     clock.Clock
	logger    *logiface.Logger[logiface.Event]
	sink      FailureSink
	registry  *Registry
	deadline  *DeadlineBox
	metrics   *Metrics
	queueOpts []timerqueue.Option
	onExit    []func(*Thread)
	budget    time.Duration

	// threads that have not yet terminated, including unstarted ones
	threads sync.Map // uint64 → *Thread
	wg      sync.WaitGroup
}

// NewRuntime constructs a [Runtime].
func NewRuntime(opts ...RuntimeOption) (*Runtime, error) {
	cfg, err := resolveRuntimeOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		clock:     cfg.clock,
		logger:    cfg.logger,
		sink:      cfg.sink,
		registry:  cfg.registry,
		deadline:  cfg.deadline,
		metrics:   cfg.metrics,
		queueOpts: cfg.queueOpts,
		onExit:    cfg.onExit,
		budget:    cfg.budget,
	}, nil
}

// Registry returns the registry threads of this runtime register in.
func (r *Runtime) Registry() *Registry { return r.registry }

// Deadline returns the shared deadline box.
func (r *Runtime) Deadline() *DeadlineBox { return r.deadline }

// Logger returns the configured logger, which may be nil.
func (r *Runtime) Logger() *logiface.Logger[logiface.Event] { return r.logger }

// Report forwards err to the failure sink.
func (r *Runtime) Report(label string, err error) {
	if err == nil {
		return
	}
	r.sink.Report(label, err)
}

// NewThread creates a thread that will run entry as its first callback.
func (r *Runtime) NewThread(entry Action, opts ...ThreadOption) (*Thread, error) {
	if entry == nil {
		return nil, errors.New("thread: nil entry action")
	}
	cfg, err := resolveThreadOptions(opts)
	if err != nil {
		return nil, err
	}
	t := newThread(r, entry, cfg)
	r.threads.Store(t.id, t)
	return t, nil
}

// Go is a convenience that creates and starts a thread.
func (r *Runtime) Go(ctx context.Context, entry Action, opts ...ThreadOption) (*Thread, error) {
	t, err := r.NewThread(entry, opts...)
	if err != nil {
		return nil, err
	}
	if err := t.Start(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Threads returns every thread created by this runtime that has not yet
// terminated, including unstarted threads.
func (r *Runtime) Threads() []*Thread {
	var threads []*Thread
	r.threads.Range(func(_, value any) bool {
		threads = append(threads, value.(*Thread))
		return true
	})
	return threads
}

// Interrupt interrupts every thread created by this runtime.
func (r *Runtime) Interrupt() {
	for _, t := range r.Threads() {
		t.Interrupt()
	}
}

// Close interrupts every thread, then waits for their loops to exit, or
// ctx to be done.
func (r *Runtime) Close(ctx context.Context) error {
	r.Interrupt()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) newQueue(t *Thread) (*timerqueue.Queue, error) {
	opts := make([]timerqueue.Option, 0, len(r.queueOpts)+4)
	opts = append(opts, r.queueOpts...)
	opts = append(opts,
		timerqueue.WithClock(r.clock),
		timerqueue.WithLogger(r.logger),
		timerqueue.WithFailureHandler(t.handleFailure),
		timerqueue.WithDispatchHooks(t.beforeCallback, t.afterCallback),
	)
	return timerqueue.New(opts...)
}
