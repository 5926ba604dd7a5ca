// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package timerqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalLifecycleState is returned when scheduling onto a queue that
	// has been closed, e.g. because the owning thread exited.
	ErrIllegalLifecycleState = errors.New("timerqueue: queue is not alive")

	// ErrNilCallback is returned when scheduling a nil [Func].
	ErrNilCallback = errors.New("timerqueue: nil callback")
)

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("timerqueue: callback panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error, or nil otherwise.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Failure describes a callback that returned an error or panicked. The
// queue keeps dispatching after a failure.
type Failure struct {
	Err  error
	ID   ID
	Kind Kind
}

func (f *Failure) Error() string {
	return fmt.Sprintf("timerqueue: %s %d failed: %v", f.Kind, f.ID, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
