// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package thread

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// FailureSink receives callback failures and watchdog diagnostics. The
// label identifies the thread the failure originated from.
type FailureSink interface {
	Report(label string, err error)
}

// FailureSinkFunc adapts a function to [FailureSink].
type FailureSinkFunc func(label string, err error)

func (f FailureSinkFunc) Report(label string, err error) {
	f(label, err)
}

// DefaultSinkRates bounds how often [LogSink] logs failures, per label.
var DefaultSinkRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// LogSink is a [FailureSink] that logs at error level, rate limited per
// label. Failures exceeding the rate limit are counted, but not logged.
type LogSink struct {
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	dropped atomic.Uint64

	mu sync.Mutex
	// label → next allowed time, as of the last warning
	limited map[string]time.Time
}

var _ FailureSink = (*LogSink)(nil)

// NewLogSink constructs a [LogSink]. A nil rates map uses [DefaultSinkRates].
func NewLogSink(logger *logiface.Logger[logiface.Event], rates map[time.Duration]int) *LogSink {
	if rates == nil {
		rates = DefaultSinkRates
	}
	return &LogSink{
		logger:  logger,
		limiter: catrate.NewLimiter(rates),
		limited: make(map[string]time.Time),
	}
}

func (x *LogSink) Report(label string, err error) {
	next, ok := x.limiter.Allow(label)
	if !ok {
		x.dropped.Add(1)
		if x.startLimited(label, next) {
			x.logger.Warning().
				Str(`thread_label`, label).
				Time(`next`, next).
				Log(`thread: failures are being rate limited`)
		}
		return
	}
	x.mu.Lock()
	delete(x.limited, label)
	x.mu.Unlock()
	x.logger.Err().
		Err(err).
		Str(`thread_label`, label).
		Log(`thread: failure`)
}

// startLimited returns true once per label and limiter window.
func (x *LogSink) startLimited(label string, next time.Time) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if prev, ok := x.limited[label]; ok && time.Now().Before(prev) {
		return false
	}
	x.limited[label] = next
	return true
}

// Dropped returns the number of failures not logged due to rate limiting.
func (x *LogSink) Dropped() uint64 {
	return x.dropped.Load()
}
