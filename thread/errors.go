// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package thread

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-scriptloop/timerqueue"
)

var (
	// ErrIllegalLifecycleState is returned when scheduling onto a thread
	// that has not reached StateRunning, or has already exited.
	ErrIllegalLifecycleState = timerqueue.ErrIllegalLifecycleState

	// ErrAlreadyStarted is returned by [Thread.Start] on subsequent calls.
	ErrAlreadyStarted = errors.New("thread: already started")

	// ErrThreadTerminated is returned when a thread terminated without
	// ever reaching StateRunning, or was interrupted before Start.
	ErrThreadTerminated = errors.New("thread: terminated")

	// ErrCallbackOverrun is reported by the [Watchdog] for callbacks still
	// running past their published deadline.
	ErrCallbackOverrun = errors.New("thread: callback exceeded its budget")
)

// CallbackError is reported to the [FailureSink] when a callback (including
// the entry action) fails.
type CallbackError struct {
	Err      error
	Thread   string
	ThreadID uint64
	TimerID  timerqueue.ID
	Kind     timerqueue.Kind
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("thread: %s (%d): %s %d: %v", e.Thread, e.ThreadID, e.Kind, e.TimerID, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}
