// Copyright 2025 James Ross
// Package breaker protects a delivery transport from a failing downstream
// endpoint: once enough recent delivery attempts have failed, it stops
// letting the scheduler dispatch further attempts until a cooldown passes,
// then lets exactly one probe attempt through to test recovery.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

type result struct {
	t  time.Time
	ok bool
}

// CircuitBreaker guards a single delivery destination with a sliding
// failure-rate window and a half-open single-probe recovery check.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	window           time.Duration
	cooldown         time.Duration
	failureThresh    float64
	minSamples       int
	lastTransition   time.Time
	results          []result
	halfOpenInFlight bool
}

// New returns a CircuitBreaker starting Closed. window bounds how far back
// Record looks when computing the failure rate; cooldown is how long Open
// blocks dispatch before allowing a HalfOpen probe; failureThresh is the
// fraction of failures (0..1) that trips Closed to Open; minSamples is the
// smallest window size Record will use to decide a trip.
func New(window, cooldown time.Duration, failureThresh float64, minSamples int) *CircuitBreaker {
	return &CircuitBreaker{state: Closed, window: window, cooldown: cooldown, failureThresh: failureThresh, minSamples: minSamples, lastTransition: time.Now()}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether the scheduler may dispatch the next entry to this
// destination. Closed always allows; Open allows only after cooldown has
// elapsed, at which point it transitions to HalfOpen and allows exactly one
// probe attempt; HalfOpen allows nothing further until that probe settles.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.lastTransition) >= cb.cooldown {
			cb.state = HalfOpen
			cb.lastTransition = time.Now()
			cb.halfOpenInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of a dispatched attempt. ok=false on a
// transport-transient failure should be recorded; permanent failures (the
// destination rejected the entry outright, not a connectivity problem)
// should not be fed here, since they say nothing about destination health.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()

	cutoff := now.Add(-cb.window)
	filtered := cb.results[:0]
	for _, r := range cb.results {
		if r.t.After(cutoff) {
			filtered = append(filtered, r)
		}
	}
	cb.results = append(filtered, result{t: now, ok: ok})

	total := len(cb.results)
	if total < cb.minSamples {
		if cb.state == HalfOpen {
			if ok {
				cb.state = Closed
			} else {
				cb.state = Open
			}
			cb.halfOpenInFlight = false
			cb.lastTransition = now
		}
		return
	}

	fails := 0
	for _, r := range cb.results {
		if !r.ok {
			fails++
		}
	}
	rate := float64(fails) / float64(total)

	switch cb.state {
	case Closed:
		if rate >= cb.failureThresh {
			cb.state = Open
			cb.lastTransition = now
		}
	case HalfOpen:
		if ok {
			cb.state = Closed
		} else {
			cb.state = Open
		}
		cb.halfOpenInFlight = false
		cb.lastTransition = now
	case Open:
		// Allow() alone governs the Open->HalfOpen transition.
	}
}
