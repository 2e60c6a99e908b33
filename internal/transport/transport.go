// Copyright 2025 James Ross
// Package transport defines the contract the scheduler dispatches entries
// through, and ships an HTTP reference implementation.
package transport

import (
	"context"
	"time"

	"github.com/outboxlabs/outbox/internal/entry"
)

// SendResult reports the outcome of one delivery attempt.
type SendResult struct {
	// Success means the destination accepted the entry; the scheduler will
	// mark it done.
	Success bool

	// PermanentlyFailed means the destination rejected the entry in a way
	// that retrying cannot fix (e.g. a 4xx other than 408, 409 or 429). The scheduler
	// marks the entry terminally failed without consuming more attempts.
	PermanentlyFailed bool

	// Err is the underlying error, if any, for logging and the entry's
	// recorded error message. A transient failure (Success=false,
	// PermanentlyFailed=false) always carries a non-nil Err.
	Err error

	// RetryAfter, when set, is a lower bound on the next attempt: the
	// scheduler uses the later of the retry policy's computed time and
	// now+RetryAfter, since the destination told us explicitly when it is
	// willing to be retried (HTTP 429/503 Retry-After).
	RetryAfter *time.Duration
}

// Transport delivers a single entry to its destination. Implementations
// must be safe for concurrent use by multiple scheduler workers.
type Transport interface {
	Send(ctx context.Context, e entry.Entry) SendResult
}
