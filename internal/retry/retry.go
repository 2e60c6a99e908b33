// Copyright 2025 James Ross
// Package retry implements the outbox's decorrelated-jitter backoff policy.
package retry

import (
	"math/rand"
	"time"
)

// Policy is a pure configuration value; Next has no side effects besides
// consulting the package-level random source.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy matches spec.md's §4.1 defaults.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 8,
	}
}

// neverRetryInterval is the "never retry" sentinel once max_attempts is
// exhausted: the entry is parked far enough in the future that it will
// never be picked up by a normally configured scheduler, without needing a
// distinct terminal status for transient exhaustion.
const neverRetryInterval = 365 * 24 * time.Hour

// Next computes the next scheduled attempt time using decorrelated jitter:
// delay = uniform(base, min(max, previousDelay*3)). currentAttempt is the
// attempt number the entry is about to make (i.e. already incremented).
func (p Policy) Next(currentAttempt int, now time.Time, previousDelay time.Duration) time.Time {
	if currentAttempt >= p.MaxAttempts {
		return now.Add(neverRetryInterval)
	}

	prev := previousDelay
	if prev <= 0 {
		prev = p.BaseDelay
	}

	lo := p.BaseDelay
	hi := prev * 3
	if hi > p.MaxDelay {
		hi = p.MaxDelay
	}
	if hi < lo {
		hi = lo
	}

	delay := lo
	if hi > lo {
		delay = lo + time.Duration(rand.Int63n(int64(hi-lo)))
	}
	return now.Add(delay)
}

// Classification is the advisory retry/no-retry verdict for an HTTP status
// code, per spec.md §4.1's table.
type Classification int

const (
	ClassSuccess Classification = iota
	ClassTransient
	ClassPermanent
)

// ClassifyHTTPStatus maps a response status code to a Classification.
func ClassifyHTTPStatus(status int) Classification {
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess
	case status >= 300 && status < 400:
		// Treated as unknown/retryable per spec.md's table.
		return ClassTransient
	case status == 408 || status == 429:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	case status >= 400 && status < 500:
		return ClassPermanent
	default:
		return ClassTransient
	}
}
