// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package thread

import (
	"sync/atomic"
)

// State is the lifecycle state of a [Thread].
//
//	StateCreated  → StateStarting   [Start]
//	StateCreated  → StateExiting    [Interrupt before Start]
//	StateStarting → StateRunning    [queue installed, entry posted]
//	StateStarting → StateExiting    [failed to install queue]
//	StateRunning  → StateLooping    [dispatch loop entered]
//	StateLooping  → StateExiting    [interrupt or idle]
//	StateExiting  → StateTerminated [registry entry removed]
//	StateTerminated → (terminal)
type State uint32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateLooping
	StateExiting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateLooping:
		return "Looping"
	case StateExiting:
		return "Exiting"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Alive reports whether the thread has an installed queue.
func (s State) Alive() bool {
	return s == StateRunning || s == StateLooping
}

// fastState is a lock-free state holder, padded to avoid false sharing
// with neighbouring hot fields.
type fastState struct { // betteralign:ignore
	_ [64]byte //nolint:unused
	v atomic.Uint32
	_ [60]byte //nolint:unused
}

func (s *fastState) Load() State {
	return State(s.v.Load())
}

// Store is only valid for irreversible states (Exiting, Terminated).
func (s *fastState) Store(state State) {
	s.v.Store(uint32(state))
}

func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
