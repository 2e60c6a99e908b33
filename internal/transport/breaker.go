// Copyright 2025 James Ross
package transport

import (
	"context"

	"github.com/outboxlabs/outbox/internal/breaker"
	"github.com/outboxlabs/outbox/internal/entry"
	"github.com/outboxlabs/outbox/internal/obs"
)

// BreakerTransport wraps a Transport with a circuit breaker: when the
// breaker is open, Send fails fast as transient without touching the
// network, and every attempt that does reach the network feeds the
// breaker's sliding window. Permanent failures are not recorded against the
// breaker, since they say nothing about destination health.
type BreakerTransport struct {
	inner Transport
	cb    *breaker.CircuitBreaker
}

// WrapWithBreaker returns a Transport that gates inner behind cb.
func WrapWithBreaker(inner Transport, cb *breaker.CircuitBreaker) *BreakerTransport {
	return &BreakerTransport{inner: inner, cb: cb}
}

func (t *BreakerTransport) Send(ctx context.Context, e entry.Entry) SendResult {
	if !t.cb.Allow() {
		return SendResult{Err: errCircuitOpen}
	}

	result := t.inner.Send(ctx, e)
	if !result.PermanentlyFailed {
		prev := t.cb.State()
		t.cb.Record(result.Success)
		if curr := t.cb.State(); prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
	}
	return result
}

// State exposes the wrapped breaker's state for metrics/admin reporting.
func (t *BreakerTransport) State() breaker.State {
	return t.cb.State()
}

var errCircuitOpen = &circuitOpenError{}

type circuitOpenError struct{}

func (*circuitOpenError) Error() string { return "transport: circuit breaker open" }
