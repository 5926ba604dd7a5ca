package work

import (
	"context"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// FireFunc handles a due arming.
type FireFunc func(ctx context.Context, firing Firing) error

// Backend is a persistent scheduler. Every arm and cancel operation must be
// idempotent. Backends may deliver firings late, e.g. due to throttling.
type Backend interface {
	// ArmOnce arms a one-shot trigger, replacing any arming of the key.
	ArmOnce(ctx context.Context, arming Arming) error
	// ArmPeriodic arms a recurring trigger, first due at EarliestAt.
	ArmPeriodic(ctx context.Context, arming Arming) error
	// Cancel removes the arming of key, if any.
	Cancel(ctx context.Context, key string) error
	// CancelAll removes every arming.
	CancelAll(ctx context.Context) error
	// Status returns the arming of key, with Armed false if there is none.
	Status(ctx context.Context, key string) (Status, error)
	// Run delivers firings until ctx is done.
	Run(ctx context.Context, fire FireFunc) error
}

// Record is the persisted form of an [Arming].
type Record struct {
	Arming
	NextAt      time.Time
	ArmedAt     time.Time
	LastFiredAt time.Time
	Runs        int
}

// Status converts the record.
func (r *Record) Status() Status {
	return Status{
		ArmedAt:     r.ArmedAt,
		NextAt:      r.NextAt,
		LastFiredAt: r.LastFiredAt,
		Key:         r.Key,
		Token:       r.Token,
		Runs:        r.Runs,
		Armed:       true,
		Periodic:    r.Periodic,
	}
}

// Store persists records for a [PollingBackend].
type Store interface {
	// Put inserts or replaces the record for its key.
	Put(ctx context.Context, record Record) error
	// Get returns [ErrNotFound] for unknown keys.
	Get(ctx context.Context, key string) (Record, error)
	// Delete removes a record, and is not an error for unknown keys.
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context) error
	// Due returns records with NextAt at or before now, earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Record, error)
	// Fired records a firing of the arming identified by key and token.
	// A zero next deletes the record. It returns false (and changes
	// nothing) if the record has since been replaced or removed.
	Fired(ctx context.Context, key, token string, firedAt, next time.Time) (bool, error)
	// List returns every record, ordered by key.
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// scheduleParser supports standard 5-field cron and descriptors like "@every 15m".
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a periodic schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// EverySchedule returns the schedule expression for a fixed period.
func EverySchedule(period time.Duration) string {
	return "@every " + period.String()
}
