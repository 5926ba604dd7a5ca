// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package timerqueue

import (
	"errors"
	"time"

	"github.com/facebookgo/clock"
	"github.com/joeycumines/logiface"
)

// DefaultMinInterval is the smallest period accepted by
// [Queue.ScheduleInterval], smaller (or negative) periods are raised to it.
const DefaultMinInterval = time.Millisecond

type queueOptions struct {
	clock       clock.Clock
	logger      *logiface.Logger[logiface.Event]
	onFailure   func(*Failure)
	before      func(Info)
	after       func(Info, error)
	minInterval time.Duration
}

// Info identifies the entry being dispatched, as passed to dispatch hooks.
type Info struct {
	Start time.Time
	ID    ID
	Kind  Kind
}

// Option configures a [Queue].
type Option interface {
	applyQueue(*queueOptions) error
}

type queueOptionImpl struct {
	applyQueueFunc func(*queueOptions) error
}

func (o *queueOptionImpl) applyQueue(opts *queueOptions) error {
	return o.applyQueueFunc(opts)
}

// WithClock overrides the time source, primarily for tests.
func WithClock(c clock.Clock) Option {
	return &queueOptionImpl{func(opts *queueOptions) error {
		if c == nil {
			return errors.New("timerqueue: nil clock")
		}
		opts.clock = c
		return nil
	}}
}

// WithLogger configures the logger used to report failures, when no
// failure handler was provided.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &queueOptionImpl{func(opts *queueOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithFailureHandler receives every callback failure. It is called on the
// dispatching goroutine, after the callback returned.
func WithFailureHandler(fn func(*Failure)) Option {
	return &queueOptionImpl{func(opts *queueOptions) error {
		opts.onFailure = fn
		return nil
	}}
}

// WithDispatchHooks registers functions run immediately before and after
// every callback, on the dispatching goroutine. Either may be nil. The
// error passed to after is nil on success.
func WithDispatchHooks(before func(Info), after func(Info, error)) Option {
	return &queueOptionImpl{func(opts *queueOptions) error {
		opts.before = before
		opts.after = after
		return nil
	}}
}

// WithMinInterval overrides [DefaultMinInterval].
func WithMinInterval(d time.Duration) Option {
	return &queueOptionImpl{func(opts *queueOptions) error {
		if d <= 0 {
			return errors.New("timerqueue: min interval must be positive")
		}
		opts.minInterval = d
		return nil
	}}
}

func resolveQueueOptions(opts []Option) (*queueOptions, error) {
	cfg := &queueOptions{
		minInterval: DefaultMinInterval,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyQueue(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	return cfg, nil
}
