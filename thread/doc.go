// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package thread runs many independent event loops, each on its own
// goroutine (locked to an OS thread), and keeps them discoverable.
//
// A [Runtime] creates [Thread] values. Each thread installs its own
// [timerqueue.Queue], runs its entry action as the first callback, then
// dispatches until it is interrupted, or its queue is empty and nothing
// keeps it alive. While running, a thread's queue may be found via the
// runtime's [Registry], and scheduled onto from any goroutine.
//
// Before each callback, the thread publishes a deadline to the runtime's
// [DeadlineBox], which a [Watchdog] polls to detect stuck callbacks.
package thread
