// Package sqlitestore implements [work.Store] using SQLite, so armings
// survive process restarts.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-scriptloop/work"
	"github.com/vmihailenco/msgpack/v5"

	_ "modernc.org/sqlite"
)

const createArmingsTable = `
CREATE TABLE IF NOT EXISTS armings (
    key              TEXT PRIMARY KEY,
    token            TEXT NOT NULL,
    task_key         TEXT NOT NULL,
    entry            TEXT NOT NULL,
    payload          BLOB,
    trigger_at       INTEGER,
    window_ns        INTEGER NOT NULL,
    recheck_delay_ns INTEGER NOT NULL,
    earliest_at      INTEGER,
    latest_at        INTEGER,
    periodic         INTEGER NOT NULL,
    schedule         TEXT NOT NULL,
    next_at          INTEGER NOT NULL,
    armed_at         INTEGER NOT NULL,
    last_fired_at    INTEGER,
    runs             INTEGER NOT NULL
)`

const createNextAtIndex = `CREATE INDEX IF NOT EXISTS armings_next_at ON armings (next_at, key)`

const selectColumns = `SELECT key, token, task_key, entry, payload, trigger_at, window_ns,
	recheck_delay_ns, earliest_at, latest_at, periodic, schedule, next_at, armed_at,
	last_fired_at, runs FROM armings`

// Compile-time interface satisfaction check.
var _ work.Store = (*Store)(nil)

// Store implements [work.Store] using SQLite.
type Store struct {
	db *sql.DB
}

// New opens the SQLite database at dbPath, creating the schema if needed.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// pragmas are per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createArmingsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create armings table: %w", err)
	}

	if _, err := db.Exec(createNextAtIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create next_at index: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, r work.Record) error {
	var payload []byte
	if r.Task.Payload != nil {
		var err error
		if payload, err = msgpack.Marshal(r.Task.Payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO armings (
			key, token, task_key, entry, payload, trigger_at, window_ns,
			recheck_delay_ns, earliest_at, latest_at, periodic, schedule,
			next_at, armed_at, last_fired_at, runs
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Key, r.Token, r.Task.Key, r.Task.Entry, payload, nullTime(r.Task.TriggerAt),
		int64(r.Task.Window), int64(r.Task.RecheckDelay), nullTime(r.EarliestAt),
		nullTime(r.LatestAt), r.Periodic, r.Schedule, r.NextAt.UnixNano(),
		r.ArmedAt.UnixNano(), nullTime(r.LastFiredAt), r.Runs,
	)
	if err != nil {
		return fmt.Errorf("insert arming: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (work.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return work.Record{}, work.ErrNotFound
	}
	if err != nil {
		return work.Record{}, fmt.Errorf("get arming: %w", err)
	}
	return r, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM armings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete arming: %w", err)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM armings`); err != nil {
		return fmt.Errorf("delete armings: %w", err)
	}
	return nil
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]work.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `due armings`,
		selectColumns+` WHERE next_at <= ? ORDER BY next_at, key LIMIT ?`,
		now.UnixNano(), limit,
	)
}

func (s *Store) Fired(ctx context.Context, key, token string, firedAt, next time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if next.IsZero() {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM armings WHERE key = ? AND token = ?`,
			key, token,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE armings SET next_at = ?, last_fired_at = ?, runs = runs + 1
			WHERE key = ? AND token = ?`,
			next.UnixNano(), nullTime(firedAt), key, token,
		)
	}
	if err != nil {
		return false, fmt.Errorf("record firing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record firing: %w", err)
	}
	return n == 1, nil
}

func (s *Store) List(ctx context.Context) ([]work.Record, error) {
	return s.query(ctx, `list armings`, selectColumns+` ORDER BY key`)
}

func (s *Store) query(ctx context.Context, op, query string, args ...any) ([]work.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var records []work.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (work.Record, error) {
	var (
		r                                         work.Record
		payload                                   []byte
		triggerAt, earliestAt, latestAt, lastFire sql.NullInt64
		window, recheckDelay, nextAt, armedAt     int64
	)
	if err := row.Scan(
		&r.Key, &r.Token, &r.Task.Key, &r.Task.Entry, &payload, &triggerAt, &window,
		&recheckDelay, &earliestAt, &latestAt, &r.Periodic, &r.Schedule, &nextAt,
		&armedAt, &lastFire, &r.Runs,
	); err != nil {
		return work.Record{}, err
	}
	if payload != nil {
		if err := msgpack.Unmarshal(payload, &r.Task.Payload); err != nil {
			return work.Record{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	r.Task.TriggerAt = fromNull(triggerAt)
	r.Task.Window = time.Duration(window)
	r.Task.RecheckDelay = time.Duration(recheckDelay)
	r.EarliestAt = fromNull(earliestAt)
	r.LatestAt = fromNull(latestAt)
	r.NextAt = time.Unix(0, nextAt).UTC()
	r.ArmedAt = time.Unix(0, armedAt).UTC()
	r.LastFiredAt = fromNull(lastFire)
	return r, nil
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}
