package work

import (
	"errors"
)

var (
	// ErrSchedulerUnavailable wraps failures of the backend, and indicates
	// the operation may be retried.
	ErrSchedulerUnavailable = errors.New("work: scheduler unavailable")

	// ErrNotFound is returned by a [Store] for unknown keys.
	ErrNotFound = errors.New("work: not found")

	// ErrInvalidTask is returned for tasks without a key, or using the
	// reserved [RecheckKey].
	ErrInvalidTask = errors.New("work: invalid task")
)
