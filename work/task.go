package work

import (
	"time"
)

// RecheckKey is the reserved key of the periodic re-check job.
const RecheckKey = "__recheck__"

// TimedTask describes work to resurrect at (or shortly after) a given time.
// It is owned by the host, and only read by this package.
type TimedTask struct {
	// TriggerAt is the nominal trigger time, the zero value meaning now.
	TriggerAt time.Time
	// Payload is passed through to the [Resurrector], and must be
	// encodable by the store (msgpack, for the sqlite store).
	Payload map[string]any
	// Key identifies the task, arming a key replaces any previous arming.
	Key string
	// Entry references the action to resurrect, e.g. a script path.
	Entry string
	// Window bounds how late after TriggerAt the task may fire.
	Window time.Duration
	// RecheckDelay, if positive, re-arms the task this long after a
	// failed resurrection.
	RecheckDelay time.Duration
}

// Arming is a single request made of a [Backend].
type Arming struct {
	EarliestAt time.Time
	LatestAt   time.Time
	Task       TimedTask
	Key        string
	// Token identifies this arming, a new one is generated each time a key
	// is (re-)armed.
	Token string
	// Schedule is the recurrence of periodic armings, as understood by
	// [ParseSchedule].
	Schedule string
	Periodic bool
}

// Firing is delivered by a [Backend] when an arming becomes due.
type Firing struct {
	FiredAt time.Time
	Arming  Arming
	// Late is true if FiredAt is after Arming.LatestAt.
	Late bool
}

// Status reports the arming of a key, as known by a [Backend].
type Status struct {
	ArmedAt     time.Time
	NextAt      time.Time
	LastFiredAt time.Time
	Key         string
	Token       string
	Runs        int
	Armed       bool
	Periodic    bool
}
