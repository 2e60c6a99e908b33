// Copyright 2025 James Ross
// Package store defines the entry-store contract shared by the in-memory
// and persistent implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/outboxlabs/outbox/internal/entry"
)

// ErrNotInitialized is returned by every operation except Init when called
// before Init has completed.
var ErrNotInitialized = errors.New("store: not initialized")

// Store is the persistence contract spec.md §4.2 describes. Implementations
// must be serializable at the granularity of a single entry; callers may
// freely interleave operations on different entries.
type Store interface {
	// Init is idempotent and must precede all other operations.
	Init(ctx context.Context) error

	// Insert upserts by ID: re-inserting the same ID replaces the record.
	Insert(ctx context.Context, e entry.Entry) error

	// Update replaces by ID; a no-op if the ID is absent.
	Update(ctx context.Context, e entry.Entry) error

	// MarkDone sets status=done and clears error.
	MarkDone(ctx context.Context, id string) error

	// MarkFailed is the dedicated terminal/soft-retry split described in
	// spec.md §4.2 and §9: when nextAttempt is non-nil, the entry is
	// rescheduled to queued with that time and the given error; when nil,
	// it transitions to terminal failed.
	MarkFailed(ctx context.Context, id string, cause string, nextAttempt *time.Time) error

	// PickForProcessing returns up to limit queued, ready entries ordered
	// by (priority desc, created_at asc). It only reads; callers are
	// responsible for atomically claiming returned entries via Update.
	PickForProcessing(ctx context.Context, limit int, now time.Time) ([]entry.Entry, error)

	// ReclaimStuck reverts any entry that has been in status=processing for
	// longer than olderThan back to queued, incrementing attempt and
	// recording a lock-timeout error. It returns the number reclaimed.
	ReclaimStuck(ctx context.Context, olderThan time.Duration, now time.Time) (int, error)

	// Clear deletes all entries, or only those in channel when non-empty.
	Clear(ctx context.Context, channel string) error

	// PurgeTerminal deletes done/failed entries last updated before
	// now.Add(-olderThan), for the scheduled maintenance job's retention
	// cleanup. It returns the number removed.
	PurgeTerminal(ctx context.Context, olderThan time.Duration, now time.Time) (int, error)

	// Count returns the number of entries matching status, optionally
	// filtered to channel. An empty channel means all channels.
	Count(ctx context.Context, channel string, status entry.Status) (int, error)

	// WatchCount returns a channel that first emits the current count for
	// (channel, status) and then emits again whenever that count changes;
	// consecutive duplicate counts are suppressed, and an implementation may
	// detect changes by polling, so several mutations between two checks can
	// yield a single emission. The returned stop function releases the
	// subscription; callers must call it to avoid leaking goroutines.
	WatchCount(ctx context.Context, channel string, status entry.Status) (<-chan int, func())

	// Close releases any resources the store holds (file handles,
	// background goroutines).
	Close() error
}
