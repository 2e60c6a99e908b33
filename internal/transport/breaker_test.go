// Copyright 2025 James Ross
package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/outboxlabs/outbox/internal/breaker"
	"github.com/outboxlabs/outbox/internal/entry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu      sync.Mutex
	results []SendResult
	calls   int
}

func (f *fakeTransport) Send(ctx context.Context, e entry.Entry) SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.results[f.calls%len(f.results)]
	f.calls++
	return r
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestBreakerTransportFailsFastWhenOpen(t *testing.T) {
	fake := &fakeTransport{results: []SendResult{{Err: errors.New("boom")}}}
	cb := breaker.New(time.Second, time.Hour, 0.5, 2)
	tr := WrapWithBreaker(fake, cb)

	e := entry.New("e1", "orders", nil)
	tr.Send(t.Context(), e)
	tr.Send(t.Context(), e)

	assert.Equal(t, breaker.Open, tr.State())

	callsBefore := fake.calls
	result := tr.Send(t.Context(), e)
	assert.Equal(t, callsBefore, fake.calls, "breaker should fail fast without calling inner transport")
	require.Error(t, result.Err)
	assert.False(t, result.Success)
}

func TestBreakerTransportIgnoresPermanentFailures(t *testing.T) {
	fake := &fakeTransport{results: []SendResult{{PermanentlyFailed: true, Err: errors.New("rejected")}}}
	cb := breaker.New(time.Second, time.Hour, 0.5, 2)
	tr := WrapWithBreaker(fake, cb)

	e := entry.New("e1", "orders", nil)
	for i := 0; i < 5; i++ {
		tr.Send(t.Context(), e)
	}

	assert.Equal(t, breaker.Closed, tr.State(), "permanent failures must not trip the breaker")
}

func TestBreakerTransportHalfOpenProbeRecoversToClosed(t *testing.T) {
	fake := &fakeTransport{results: []SendResult{
		{Err: errors.New("boom")},
		{Err: errors.New("boom")},
		{Success: true},
	}}
	cb := breaker.New(time.Second, 20*time.Millisecond, 0.5, 2)
	tr := WrapWithBreaker(fake, cb)

	e := entry.New("e1", "orders", nil)
	tr.Send(t.Context(), e)
	tr.Send(t.Context(), e)
	require.Equal(t, breaker.Open, tr.State())

	time.Sleep(30 * time.Millisecond)

	result := tr.Send(t.Context(), e)
	assert.True(t, result.Success, "the half-open probe should reach the inner transport")
	assert.Equal(t, breaker.Closed, tr.State())
}

// TestBreakerTransportHalfOpenSingleProbeUnderLoad exercises the
// single-probe guarantee through the actual dispatch path (BreakerTransport,
// the thing the scheduler calls) rather than against the breaker directly:
// once cooldown elapses, only one of many concurrent Send calls may reach
// the inner transport before the probe settles.
func TestBreakerTransportHalfOpenSingleProbeUnderLoad(t *testing.T) {
	fake := &fakeTransport{results: []SendResult{{Err: errors.New("boom")}}}
	cb := breaker.New(20*time.Millisecond, 30*time.Millisecond, 0.5, 2)
	tr := WrapWithBreaker(fake, cb)

	e := entry.New("e1", "orders", nil)
	tr.Send(t.Context(), e)
	tr.Send(t.Context(), e)
	require.Equal(t, breaker.Open, tr.State())

	time.Sleep(40 * time.Millisecond)

	const n = 50
	callsBefore := fake.callCount()
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			tr.Send(t.Context(), e)
		}()
	}
	wg.Wait()

	assert.Equal(t, callsBefore+1, fake.callCount(), "exactly one probe should reach the inner transport")
}
