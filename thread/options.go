// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package thread

import (
	"errors"
	"time"

	"github.com/facebookgo/clock"
	"github.com/joeycumines/go-scriptloop/timerqueue"
	"github.com/joeycumines/logiface"
)

// DefaultCallbackBudget is the time each callback is expected to complete
// within, as published to the [DeadlineBox].
const DefaultCallbackBudget = 5 * time.Second

type runtimeOptions struct {
	clock     clock.Clock
	logger    *logiface.Logger[logiface.Event]
	sink      FailureSink
	registry  *Registry
	deadline  *DeadlineBox
	metrics   *Metrics
	queueOpts []timerqueue.Option
	onExit    []func(*Thread)
	budget    time.Duration
	budgetSet bool
}

// RuntimeOption configures a [Runtime].
type RuntimeOption interface {
	applyRuntime(*runtimeOptions) error
}

type runtimeOptionImpl struct {
	applyRuntimeFunc func(*runtimeOptions) error
}

func (o *runtimeOptionImpl) applyRuntime(opts *runtimeOptions) error {
	return o.applyRuntimeFunc(opts)
}

// WithLogger configures structured logging. Defaults to no logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithFailureSink overrides the default [LogSink].
func WithFailureSink(sink FailureSink) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.sink = sink
		return nil
	}}
}

// WithRegistry shares an existing registry, instead of creating one.
func WithRegistry(registry *Registry) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if registry == nil {
			return errors.New("thread: nil registry")
		}
		opts.registry = registry
		return nil
	}}
}

// WithDeadlineBox shares an existing deadline box, instead of creating one.
func WithDeadlineBox(box *DeadlineBox) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if box == nil {
			return errors.New("thread: nil deadline box")
		}
		opts.deadline = box
		return nil
	}}
}

// WithCallbackBudget overrides [DefaultCallbackBudget]. Zero disables
// deadline publication.
func WithCallbackBudget(budget time.Duration) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if budget < 0 {
			return errors.New("thread: negative callback budget")
		}
		opts.budget = budget
		opts.budgetSet = true
		return nil
	}}
}

// WithClock overrides the time source used for deadlines and queues.
func WithClock(c clock.Clock) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if c == nil {
			return errors.New("thread: nil clock")
		}
		opts.clock = c
		return nil
	}}
}

// WithMetrics enables prometheus metrics.
func WithMetrics(metrics *Metrics) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.metrics = metrics
		return nil
	}}
}

// WithQueueOptions appends options used for every thread's queue. The
// clock, failure handler and dispatch hooks are always set by the runtime.
func WithQueueOptions(queueOpts ...timerqueue.Option) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.queueOpts = append(opts.queueOpts, queueOpts...)
		return nil
	}}
}

// WithOnThreadExit registers a function called as each thread exits, after
// its queue stops accepting work but before it leaves the registry.
func WithOnThreadExit(fn func(*Thread)) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if fn != nil {
			opts.onExit = append(opts.onExit, fn)
		}
		return nil
	}}
}

func resolveRuntimeOptions(opts []RuntimeOption) (*runtimeOptions, error) {
	cfg := &runtimeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRuntime(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	if cfg.sink == nil {
		cfg.sink = NewLogSink(cfg.logger, nil)
	}
	if cfg.registry == nil {
		cfg.registry = NewRegistry()
	}
	if cfg.deadline == nil {
		cfg.deadline = new(DeadlineBox)
	}
	if !cfg.budgetSet {
		cfg.budget = DefaultCallbackBudget
	}
	return cfg, nil
}

type threadOptions struct {
	label     string
	keepAlive func() bool
	onExit    []func(*Thread)
}

// ThreadOption configures a [Thread].
type ThreadOption interface {
	applyThread(*threadOptions) error
}

type threadOptionImpl struct {
	applyThreadFunc func(*threadOptions) error
}

func (o *threadOptionImpl) applyThread(opts *threadOptions) error {
	return o.applyThreadFunc(opts)
}

// WithLabel names the thread in logs and failure reports.
func WithLabel(label string) ThreadOption {
	return &threadOptionImpl{func(opts *threadOptions) error {
		opts.label = label
		return nil
	}}
}

// WithKeepAlive keeps the loop running while fn returns true, even with an
// empty queue. The loop only re-evaluates fn when woken, see [Thread.Wake].
func WithKeepAlive(fn func() bool) ThreadOption {
	return &threadOptionImpl{func(opts *threadOptions) error {
		opts.keepAlive = fn
		return nil
	}}
}

// WithOnExit registers a function called as the thread exits.
func WithOnExit(fn func(*Thread)) ThreadOption {
	return &threadOptionImpl{func(opts *threadOptions) error {
		if fn != nil {
			opts.onExit = append(opts.onExit, fn)
		}
		return nil
	}}
}

func resolveThreadOptions(opts []ThreadOption) (*threadOptions, error) {
	cfg := &threadOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyThread(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
