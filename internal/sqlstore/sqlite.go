// Copyright 2025 James Ross
// Package sqlstore is the persistent entry store: the same contract as
// store.MemoryStore, backed by SQLite so entries survive a process restart.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/outboxlabs/outbox/internal/entry"
	"github.com/outboxlabs/outbox/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_entries (
	id              TEXT PRIMARY KEY,
	channel         TEXT NOT NULL,
	payload         TEXT NOT NULL,
	headers         TEXT,
	idempotency_key TEXT,
	priority        INTEGER NOT NULL DEFAULT 0,
	attempt         INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER,
	created_at      INTEGER NOT NULL,
	status          TEXT NOT NULL,
	error           TEXT,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_status_next_attempt ON outbox_entries (status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_outbox_channel_priority ON outbox_entries (channel, priority DESC, next_attempt_at);
`

// SQLiteStore implements store.Store over database/sql with the
// mattn/go-sqlite3 driver, grounded on exactly_once.CreateOutboxTable's DDL
// shape and exactlyonce.SQLOutboxStorage's parameterized query shape. It
// adds one column the spec's logical schema doesn't name, updated_at, used
// only internally to drive ReclaimStuck's lock-timeout watchdog.
type SQLiteStore struct {
	db          *sql.DB
	initialized bool
}

// New opens (or creates) the SQLite database at path and configures it for
// a single local writer: WAL journal mode so readers and the one writer
// don't block each other, and a capped connection pool since SQLite only
// ever allows one writer at a time regardless of how many *sql.DB
// connections are open.
func New(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: set synchronous: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlstore: apply schema: %w", err)
	}
	s.initialized = true
	return nil
}

func (s *SQLiteStore) requireInit() error {
	if !s.initialized {
		return store.ErrNotInitialized
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *SQLiteStore) Insert(ctx context.Context, e entry.Entry) error {
	if err := s.requireInit(); err != nil {
		return err
	}

	headersJSON, err := marshalHeaders(e.Headers)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal headers: %w", err)
	}

	var nextAttempt interface{}
	if e.NextAttemptAt != nil {
		nextAttempt = toMillis(*e.NextAttemptAt)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox_entries (
			id, channel, payload, headers, idempotency_key,
			priority, attempt, next_attempt_at, created_at, status, error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel=excluded.channel,
			payload=excluded.payload,
			headers=excluded.headers,
			idempotency_key=excluded.idempotency_key,
			priority=excluded.priority,
			attempt=excluded.attempt,
			next_attempt_at=excluded.next_attempt_at,
			created_at=excluded.created_at,
			status=excluded.status,
			error=excluded.error,
			updated_at=excluded.updated_at
	`,
		e.ID, e.Channel, string(e.Payload), headersJSON, nullableString(e.IdempotencyKey),
		e.Priority, e.Attempt, nextAttempt, toMillis(e.CreatedAt), string(e.Status), nullableString(e.Error), toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, e entry.Entry) error {
	if err := s.requireInit(); err != nil {
		return err
	}

	headersJSON, err := marshalHeaders(e.Headers)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal headers: %w", err)
	}

	var nextAttempt interface{}
	if e.NextAttemptAt != nil {
		nextAttempt = toMillis(*e.NextAttemptAt)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE outbox_entries SET
			channel=?, payload=?, headers=?, idempotency_key=?,
			priority=?, attempt=?, next_attempt_at=?, status=?, error=?, updated_at=?
		WHERE id=?
	`,
		e.Channel, string(e.Payload), headersJSON, nullableString(e.IdempotencyKey),
		e.Priority, e.Attempt, nextAttempt, string(e.Status), nullableString(e.Error), toMillis(time.Now()),
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: update: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkDone(ctx context.Context, id string) error {
	if err := s.requireInit(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_entries SET status=?, error=NULL, updated_at=? WHERE id=?
	`, string(entry.StatusDone), toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("sqlstore: mark done: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, cause string, nextAttempt *time.Time) error {
	if err := s.requireInit(); err != nil {
		return err
	}

	now := toMillis(time.Now())
	var err error
	if nextAttempt != nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE outbox_entries SET status=?, next_attempt_at=?, error=?, updated_at=? WHERE id=?
		`, string(entry.StatusQueued), toMillis(*nextAttempt), nullableString(cause), now, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE outbox_entries SET status=?, error=?, updated_at=? WHERE id=?
		`, string(entry.StatusFailed), nullableString(cause), now, id)
	}
	if err != nil {
		return fmt.Errorf("sqlstore: mark failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PickForProcessing(ctx context.Context, limit int, now time.Time) ([]entry.Entry, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, payload, headers, idempotency_key, priority, attempt,
		       next_attempt_at, created_at, status, error
		FROM outbox_entries
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT ?
	`, string(entry.StatusQueued), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: pick for processing: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (s *SQLiteStore) ReclaimStuck(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	if err := s.requireInit(); err != nil {
		return 0, err
	}

	cutoff := toMillis(now.Add(-olderThan))
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET status=?, attempt=attempt+1, error=?, next_attempt_at=NULL, updated_at=?
		WHERE status=? AND updated_at <= ?
	`, string(entry.StatusQueued), "lock timeout", toMillis(now), string(entry.StatusProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: reclaim stuck: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: reclaim stuck rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Clear(ctx context.Context, channel string) error {
	if err := s.requireInit(); err != nil {
		return err
	}
	var err error
	if channel == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM outbox_entries`)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM outbox_entries WHERE channel=?`, channel)
	}
	if err != nil {
		return fmt.Errorf("sqlstore: clear: %w", err)
	}
	return nil
}

// PurgeTerminal deletes done/failed rows whose updated_at predates the
// retention cutoff, driving the scheduled maintenance job's retention
// cleanup.
func (s *SQLiteStore) PurgeTerminal(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	if err := s.requireInit(); err != nil {
		return 0, err
	}
	cutoff := toMillis(now.Add(-olderThan))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox_entries
		WHERE status IN (?, ?) AND updated_at <= ?
	`, string(entry.StatusDone), string(entry.StatusFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: purge terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: purge terminal rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Count(ctx context.Context, channel string, status entry.Status) (int, error) {
	if err := s.requireInit(); err != nil {
		return 0, err
	}

	var n int
	var err error
	if channel == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_entries WHERE status=?`, string(status)).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_entries WHERE status=? AND channel=?`, string(status), channel).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlstore: count: %w", err)
	}
	return n, nil
}

// pollInterval is the polling cadence spec.md §4.2/§9 explicitly allows
// ("may poll on a 1-second timer (acceptable)") for watch_count when the
// backing store has no native change-notification mechanism, as is the
// case for a plain SQLite file.
const pollInterval = time.Second

// WatchCount polls Count on a fixed interval, suppressing consecutive
// duplicate emissions, per spec.md's explicit allowance for polling
// implementations of watch_count.
func (s *SQLiteStore) WatchCount(ctx context.Context, channel string, status entry.Status) (<-chan int, func()) {
	out := make(chan int, 1)
	stop := make(chan struct{})
	var stopOnce sync.Once

	go func() {
		defer close(out)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		last := -1
		emit := func() bool {
			n, err := s.Count(ctx, channel, status)
			if err != nil {
				return true
			}
			if n == last {
				return true
			}
			last = n
			select {
			case out <- n:
				return true
			case <-stop:
				return false
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ticker.C:
				if !emit() {
					return
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { stopOnce.Do(func() { close(stop) }) }
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEntries(rows *sql.Rows) ([]entry.Entry, error) {
	var out []entry.Entry
	for rows.Next() {
		var (
			e                      entry.Entry
			payload                string
			headersJSON, idemKey   sql.NullString
			createdMillis          int64
			nextAttemptMillis      sql.NullInt64
			status, errStr         sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &e.Channel, &payload, &headersJSON, &idemKey,
			&e.Priority, &e.Attempt, &nextAttemptMillis, &createdMillis, &status, &errStr,
		); err != nil {
			return nil, fmt.Errorf("sqlstore: scan: %w", err)
		}

		e.Payload = json.RawMessage(payload)
		e.CreatedAt = fromMillis(createdMillis)
		e.Status = entry.Status(status.String)
		if errStr.Valid {
			e.Error = errStr.String
		}
		if idemKey.Valid {
			e.IdempotencyKey = idemKey.String
		}
		if nextAttemptMillis.Valid {
			t := fromMillis(nextAttemptMillis.Int64)
			e.NextAttemptAt = &t
		}
		if headersJSON.Valid && headersJSON.String != "" {
			var h map[string]string
			if err := json.Unmarshal([]byte(headersJSON.String), &h); err == nil {
				e.Headers = h
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalHeaders(h map[string]string) (interface{}, error) {
	if len(h) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
