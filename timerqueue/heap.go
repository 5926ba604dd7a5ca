// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package timerqueue

import (
	"time"
)

// Kind classifies an entry.
type Kind uint8

const (
	// KindOnce fires once, after a delay (setTimeout).
	KindOnce Kind = iota + 1
	// KindInterval fires repeatedly until cancelled (setInterval).
	KindInterval
	// KindImmediate fires as soon as possible (setImmediate).
	KindImmediate
)

func (k Kind) String() string {
	switch k {
	case KindOnce:
		return "timeout"
	case KindInterval:
		return "interval"
	case KindImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// ID identifies an entry within its queue. IDs start at 1 and are never
// reused by the same queue.
type ID uint64

// Func is a scheduled callback, invoked with the arguments captured at
// scheduling time.
type Func func(args ...any) error

type entry struct {
	due    time.Time
	fn     Func
	args   []any
	period time.Duration
	id     ID
	// index within the heap, -1 while not queued
	index     int
	kind      Kind
	cancelled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}
	if (a.kind == KindImmediate) != (b.kind == KindImmediate) {
		return a.kind == KindImmediate
	}
	return a.id < b.id
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
