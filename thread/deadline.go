// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package thread

import (
	"sync/atomic"
	"time"
)

// DeadlineBox holds the latest published callback deadline, shared by every
// thread of a [Runtime]. It is advisory: last writer wins, and readers may
// observe slightly stale values.
type DeadlineBox struct {
	v atomic.Int64
}

// Publish overwrites the deadline. The zero time clears it.
func (b *DeadlineBox) Publish(deadline time.Time) {
	b.v.Store(toNanos(deadline))
}

// Observe returns the most recently published deadline, or the zero time.
func (b *DeadlineBox) Observe() time.Time {
	return fromNanos(b.v.Load())
}

// Retract clears the deadline, but only if it still holds the given value,
// so a thread finishing its callback never clears another thread's
// deadline.
func (b *DeadlineBox) Retract(deadline time.Time) bool {
	n := toNanos(deadline)
	return n != 0 && b.v.CompareAndSwap(n, 0)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
