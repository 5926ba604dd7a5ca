// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package timerqueue implements the per-thread callback queue that backs
// setTimeout, setInterval and setImmediate semantics.
//
// A [Queue] is owned by exactly one goroutine, which drives it by calling
// [Queue.Dispatch] and [Queue.Wait]. Any goroutine may schedule or cancel
// entries. Entries are dispatched in ascending (due, id) order, except that
// immediates dispatch before timers due at the same instant.
//
// Callbacks are always invoked outside the queue's internal lock, so a
// callback may freely schedule or cancel further entries, including itself.
package timerqueue
