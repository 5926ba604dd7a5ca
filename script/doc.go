// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package script runs JavaScript on a [thread.Thread], using goja.
//
// Each thread gets its own [Engine], as goja runtimes are not safe for
// concurrent use. Callbacks scheduled by scripts run on the thread's queue,
// so the runtime is only ever accessed from the thread's goroutine.
//
// # Available JavaScript Globals
//
//   - setTimeout(callback, delay?, ...args) → timer ID
//   - setInterval(callback, delay?, ...args) → timer ID
//   - setImmediate(callback, ...args) → timer ID
//   - clearTimeout(id), clearInterval(id), clearImmediate(id) → boolean
//   - console.log/info/warn/error/debug(...values)
//   - exit() : stops the thread, after the current callback
//   - require(id) : CommonJS modules, via the [Loader], plus the native
//     "timers" module
//
// Uncaught exceptions are returned as [*Exception], and reported by the
// thread as callback failures.
package script
