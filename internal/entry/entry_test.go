// Copyright 2025 James Ross
package entry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	e := New("id-1", "orders", []byte(`{"a":1}`))
	assert.Equal(t, StatusQueued, e.Status)
	assert.Equal(t, 0, e.Attempt)
	assert.Equal(t, 0, e.Priority)
	assert.Nil(t, e.NextAttemptAt)
	assert.WithinDuration(t, time.Now().UTC(), e.CreatedAt, time.Second)
}

func TestWithScheduleTransitionsToQueued(t *testing.T) {
	e := New("id-2", "orders", []byte(`{}`))
	e.Status = StatusProcessing
	next := time.Now().Add(time.Minute)
	updated := e.WithSchedule(1, next, "boom")

	assert.Equal(t, StatusQueued, updated.Status)
	assert.Equal(t, 1, updated.Attempt)
	require.NotNil(t, updated.NextAttemptAt)
	assert.Equal(t, next, *updated.NextAttemptAt)
	assert.Equal(t, "boom", updated.Error)

	// original is untouched
	assert.Equal(t, StatusProcessing, e.Status)
	assert.Nil(t, e.NextAttemptAt)
}

func TestReady(t *testing.T) {
	now := time.Now()
	e := New("id-3", "orders", []byte(`{}`))
	assert.True(t, e.Ready(now), "no schedule means immediately ready")

	future := now.Add(time.Hour)
	e.NextAttemptAt = &future
	assert.False(t, e.Ready(now))
	assert.True(t, e.Ready(future.Add(time.Second)))

	e.Status = StatusProcessing
	e.NextAttemptAt = nil
	assert.False(t, e.Ready(now), "only queued entries are ready")
}

func TestPreviousDelay(t *testing.T) {
	e := New("id-4", "orders", []byte(`{}`))
	_, ok := e.PreviousDelay()
	assert.False(t, ok)

	next := e.CreatedAt.Add(750 * time.Millisecond)
	e.NextAttemptAt = &next
	d, ok := e.PreviousDelay()
	require.True(t, ok)
	assert.Equal(t, 750*time.Millisecond, d)
}

func TestMarshalRoundTrip(t *testing.T) {
	e := New("id-5", "orders", []byte(`{"k":"v"}`))
	e.Headers = map[string]string{"X-Test": "1"}
	e.IdempotencyKey = "idem-1"

	data, err := e.Marshal()
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, e.ID, out.ID)
	assert.Equal(t, e.Channel, out.Channel)
	assert.Equal(t, e.IdempotencyKey, out.IdempotencyKey)
	assert.Equal(t, e.Headers, out.Headers)
}
