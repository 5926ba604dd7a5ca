// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package thread

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-scriptloop/timerqueue"
)

// Registry maps live threads to their queues. Entries are added by a thread
// once it reaches StateRunning, and removed by that same thread during exit,
// after its queue has been closed.
//
// A Registry is normally owned by a [Runtime], but may be shared between
// runtimes, since thread IDs are unique per process.
type Registry struct {
	// WARNING: values must be compared by pointer (CompareAndDelete)

	threads    sync.Map // uint64 → *registration
	goroutines sync.Map // goroutine id → *Thread
	size       atomic.Int64
}

type registration struct {
	thread *Thread
	queue  *timerqueue.Queue
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) put(t *Thread, q *timerqueue.Queue, goroutineID uint64) *registration {
	reg := &registration{thread: t, queue: q}
	if _, loaded := r.threads.LoadOrStore(t.id, reg); loaded {
		// unreachable: ids are never reused
		panic("thread: duplicate registration")
	}
	if goroutineID != 0 {
		r.goroutines.Store(goroutineID, t)
	}
	r.size.Add(1)
	return reg
}

func (r *Registry) remove(reg *registration, goroutineID uint64) bool {
	if reg == nil || !r.threads.CompareAndDelete(reg.thread.id, reg) {
		return false
	}
	if goroutineID != 0 {
		r.goroutines.CompareAndDelete(goroutineID, reg.thread)
	}
	r.size.Add(-1)
	return true
}

// Lookup returns the queue of a live thread. A queue returned by Lookup may
// be closed by the time it is used, in which case scheduling onto it fails
// with [ErrIllegalLifecycleState].
func (r *Registry) Lookup(id uint64) (*timerqueue.Queue, bool) {
	if v, ok := r.threads.Load(id); ok {
		return v.(*registration).queue, true
	}
	return nil, false
}

// LookupThread returns a live thread by ID.
func (r *Registry) LookupThread(id uint64) (*Thread, bool) {
	if v, ok := r.threads.Load(id); ok {
		return v.(*registration).thread, true
	}
	return nil, false
}

// Current returns the live thread whose loop is running on the calling
// goroutine, e.g. from within a callback.
func (r *Registry) Current() (*Thread, bool) {
	if v, ok := r.goroutines.Load(getGoroutineID()); ok {
		return v.(*Thread), true
	}
	return nil, false
}

// Range calls fn for each live thread, until fn returns false.
func (r *Registry) Range(fn func(t *Thread, q *timerqueue.Queue) bool) {
	r.threads.Range(func(_, value any) bool {
		reg := value.(*registration)
		return fn(reg.thread, reg.queue)
	})
}

// Snapshot returns the live threads, ordered by ID.
func (r *Registry) Snapshot() []*Thread {
	var threads []*Thread
	r.Range(func(t *Thread, _ *timerqueue.Queue) bool {
		threads = append(threads, t)
		return true
	})
	sort.Slice(threads, func(i, j int) bool {
		return threads[i].id < threads[j].id
	})
	return threads
}

// Len returns the number of live threads.
func (r *Registry) Len() int {
	return int(r.size.Load())
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
