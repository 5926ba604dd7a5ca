// Package worktest provides a common test suite for [work.Store]
// implementations.
package worktest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-scriptloop/work"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Config models the configuration used to initialize the test suite.
type Config struct {
	// NewStore must return a new, empty store. The suite closes it.
	NewStore func(t *testing.T) work.Store
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// TestStore runs the suite.
func TestStore(t *testing.T, cfg Config) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store work.Store)
	}{
		{`PutGet`, testPutGet},
		{`GetNotFound`, testGetNotFound},
		{`PutReplaces`, testPutReplaces},
		{`Delete`, testDelete},
		{`DeleteAll`, testDeleteAll},
		{`Due`, testDue},
		{`FiredOnce`, testFiredOnce},
		{`FiredPeriodic`, testFiredPeriodic},
		{`FiredStaleToken`, testFiredStaleToken},
		{`List`, testList},
		{`Concurrent`, testConcurrent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := cfg.NewStore(t)
			defer func() {
				assert.NoError(t, store.Close())
			}()
			tc.fn(t, store)
		})
	}
}

// Record returns a one-shot record due at epoch plus offset.
func Record(key, token string, offset time.Duration) work.Record {
	next := epoch.Add(offset)
	return work.Record{
		Arming: work.Arming{
			EarliestAt: next,
			LatestAt:   next.Add(time.Minute),
			Task: work.TimedTask{
				TriggerAt:    next,
				Payload:      map[string]any{"path": key + ".js", "debug": true},
				Key:          key,
				Entry:        "scripts/" + key + ".js",
				Window:       time.Minute,
				RecheckDelay: 30 * time.Second,
			},
			Key:   key,
			Token: token,
		},
		NextAt:  next,
		ArmedAt: epoch,
	}
}

// AssertRecord compares records, ignoring time representation.
func AssertRecord(t *testing.T, expected, actual work.Record) {
	t.Helper()
	assert.Equal(t, expected.Key, actual.Key)
	assert.Equal(t, expected.Token, actual.Token)
	assert.Equal(t, expected.Schedule, actual.Schedule)
	assert.Equal(t, expected.Periodic, actual.Periodic)
	assert.Equal(t, expected.Runs, actual.Runs)
	assertTime(t, expected.EarliestAt, actual.EarliestAt, "EarliestAt")
	assertTime(t, expected.LatestAt, actual.LatestAt, "LatestAt")
	assertTime(t, expected.NextAt, actual.NextAt, "NextAt")
	assertTime(t, expected.ArmedAt, actual.ArmedAt, "ArmedAt")
	assertTime(t, expected.LastFiredAt, actual.LastFiredAt, "LastFiredAt")
	assert.Equal(t, expected.Task.Key, actual.Task.Key)
	assert.Equal(t, expected.Task.Entry, actual.Task.Entry)
	assert.Equal(t, expected.Task.Window, actual.Task.Window)
	assert.Equal(t, expected.Task.RecheckDelay, actual.Task.RecheckDelay)
	assert.Equal(t, expected.Task.Payload, actual.Task.Payload)
	assertTime(t, expected.Task.TriggerAt, actual.Task.TriggerAt, "Task.TriggerAt")
}

func assertTime(t *testing.T, expected, actual time.Time, field string) {
	t.Helper()
	if expected.IsZero() {
		assert.True(t, actual.IsZero(), "%s: expected zero, got %s", field, actual)
		return
	}
	assert.True(t, expected.Equal(actual), "%s: expected %s, got %s", field, expected, actual)
}

func testPutGet(t *testing.T, store work.Store) {
	ctx := context.Background()
	r := Record("a", "t1", time.Second)
	require.NoError(t, store.Put(ctx, r))
	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	AssertRecord(t, r, got)
}

func testGetNotFound(t *testing.T, store work.Store) {
	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, work.ErrNotFound)
}

func testPutReplaces(t *testing.T, store work.Store) {
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Record("a", "t1", time.Second)))
	r := Record("a", "t2", time.Hour)
	r.Periodic = true
	r.Schedule = "@every 1h"
	require.NoError(t, store.Put(ctx, r))
	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	AssertRecord(t, r, got)
	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testDelete(t *testing.T, store work.Store) {
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Record("a", "t1", 0)))
	require.NoError(t, store.Delete(ctx, "a"))
	_, err := store.Get(ctx, "a")
	require.ErrorIs(t, err, work.ErrNotFound)
	// idempotent
	require.NoError(t, store.Delete(ctx, "a"))
}

func testDeleteAll(t *testing.T, store work.Store) {
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, store.Put(ctx, Record(key, "t", 0)))
	}
	require.NoError(t, store.DeleteAll(ctx))
	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	require.NoError(t, store.DeleteAll(ctx))
}

func testDue(t *testing.T, store work.Store) {
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Record("late", "t", 3*time.Second)))
	require.NoError(t, store.Put(ctx, Record("b", "t", time.Second)))
	require.NoError(t, store.Put(ctx, Record("a", "t", time.Second)))
	require.NoError(t, store.Put(ctx, Record("first", "t", 0)))

	due, err := store.Due(ctx, epoch.Add(time.Second), 0)
	require.NoError(t, err)
	keys := make([]string, len(due))
	for i, r := range due {
		keys[i] = r.Key
	}
	assert.Equal(t, []string{"first", "a", "b"}, keys)

	due, err = store.Due(ctx, epoch.Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "first", due[0].Key)

	due, err = store.Due(ctx, epoch.Add(-time.Second), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func testFiredOnce(t *testing.T, store work.Store) {
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Record("a", "t1", 0)))
	ok, err := store.Fired(ctx, "a", "t1", epoch, time.Time{})
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = store.Get(ctx, "a")
	require.ErrorIs(t, err, work.ErrNotFound)
	ok, err = store.Fired(ctx, "a", "t1", epoch, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func testFiredPeriodic(t *testing.T, store work.Store) {
	ctx := context.Background()
	r := Record("p", "t1", 0)
	r.Periodic = true
	r.Schedule = "@every 1m"
	require.NoError(t, store.Put(ctx, r))

	next := epoch.Add(time.Minute)
	ok, err := store.Fired(ctx, "p", "t1", epoch, next)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, "p")
	require.NoError(t, err)
	r.NextAt = next
	r.LastFiredAt = epoch
	r.Runs = 1
	AssertRecord(t, r, got)

	due, err := store.Due(ctx, epoch, 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func testFiredStaleToken(t *testing.T, store work.Store) {
	ctx := context.Background()
	r := Record("a", "t2", 0)
	require.NoError(t, store.Put(ctx, r))
	ok, err := store.Fired(ctx, "a", "t1", epoch, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	AssertRecord(t, r, got)
}

func testList(t *testing.T, store work.Store) {
	ctx := context.Background()
	for _, key := range []string{"c", "a", "b"} {
		require.NoError(t, store.Put(ctx, Record(key, "t", 0)))
	}
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].Key)
	assert.Equal(t, "b", list[1].Key)
	assert.Equal(t, "c", list[2].Key)
}

func testConcurrent(t *testing.T, store work.Store) {
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Record("shared", "t", 0)))

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Fired(ctx, "shared", "t", epoch, time.Time{})
			if !assert.NoError(t, err) {
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
