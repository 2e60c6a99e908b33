// Copyright 2025 James Ross
package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/outboxlabs/outbox/internal/entry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "outbox.db")
}

func TestSQLiteStoreInitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := New(tempDBPath(t))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Init(ctx))
}

func TestSQLiteStoreInsertUpsert(t *testing.T) {
	ctx := context.Background()
	s, err := New(tempDBPath(t))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))

	e := entry.New("dup", "orders", []byte(`"v1"`))
	require.NoError(t, s.Insert(ctx, e))

	e2 := e
	e2.Payload = []byte(`"v2"`)
	require.NoError(t, s.Insert(ctx, e2))

	n, err := s.Count(ctx, "", entry.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStorePriorityOrdering(t *testing.T) {
	ctx := context.Background()
	s, err := New(tempDBPath(t))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))

	low := entry.New("low", "orders", nil)
	low.Priority = 0
	high := entry.New("high", "orders", nil)
	high.Priority = 10
	high.CreatedAt = low.CreatedAt.Add(time.Millisecond)

	require.NoError(t, s.Insert(ctx, low))
	require.NoError(t, s.Insert(ctx, high))

	picked, err := s.PickForProcessing(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.Equal(t, "high", picked[0].ID)
	assert.Equal(t, "low", picked[1].ID)
}

func TestSQLiteStoreMarkFailedSplit(t *testing.T) {
	ctx := context.Background()
	s, err := New(tempDBPath(t))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))

	e := entry.New("e1", "orders", nil)
	e.Status = entry.StatusProcessing
	require.NoError(t, s.Insert(ctx, e))

	next := time.Now().Add(time.Second)
	require.NoError(t, s.MarkFailed(ctx, "e1", "transient", &next))
	n, err := s.Count(ctx, "", entry.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.MarkFailed(ctx, "e1", "permanent", nil))
	n, err = s.Count(ctx, "", entry.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStoreReclaimStuck(t *testing.T) {
	ctx := context.Background()
	s, err := New(tempDBPath(t))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))

	e := entry.New("stuck", "orders", nil)
	e.Status = entry.StatusProcessing
	require.NoError(t, s.Insert(ctx, e))

	n, err := s.ReclaimStuck(ctx, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.ReclaimStuck(ctx, -time.Second, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	picked, err := s.PickForProcessing(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, picked, 1)
	assert.Equal(t, 1, picked[0].Attempt)
	assert.Equal(t, "lock timeout", picked[0].Error)
}

func TestSQLiteStorePurgeTerminalRetainsRecentAndQueued(t *testing.T) {
	ctx := context.Background()
	s, err := New(tempDBPath(t))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))

	require.NoError(t, s.Insert(ctx, entry.New("done-recent", "orders", nil)))
	require.NoError(t, s.MarkDone(ctx, "done-recent"))
	require.NoError(t, s.Insert(ctx, entry.New("still-queued", "orders", nil)))

	n, err := s.PurgeTerminal(ctx, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.PurgeTerminal(ctx, 0, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doneCount, err := s.Count(ctx, "orders", entry.StatusDone)
	require.NoError(t, err)
	assert.Equal(t, 0, doneCount)

	queuedCount, err := s.Count(ctx, "orders", entry.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, 1, queuedCount)
}

func TestSQLiteStoreClearChannel(t *testing.T) {
	ctx := context.Background()
	s, err := New(tempDBPath(t))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))

	require.NoError(t, s.Insert(ctx, entry.New("o1", "orders", nil)))
	require.NoError(t, s.Insert(ctx, entry.New("p1", "payments", nil)))

	require.NoError(t, s.Clear(ctx, "orders"))
	n, err := s.Count(ctx, "orders", entry.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.Count(ctx, "payments", entry.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestSQLiteStoreReopenRecoversEntries is the durability property spec.md
// §8 names explicitly: closing the process and reopening the same file
// must recover every non-terminal entry with identical field values.
func TestSQLiteStoreReopenRecoversEntries(t *testing.T) {
	ctx := context.Background()
	path := tempDBPath(t)

	s1, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s1.Init(ctx))

	future := time.Now().Add(time.Minute).Round(time.Millisecond).UTC()
	original := entry.New("persist-me", "orders", []byte(`{"amount":42}`))
	original.Priority = 5
	original.Headers = map[string]string{"x-trace": "abc123"}
	original.IdempotencyKey = "idem-1"
	original.NextAttemptAt = &future
	require.NoError(t, s1.Insert(ctx, original))
	require.NoError(t, s1.Close())

	s2, err := New(path)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Init(ctx))

	picked, err := s2.PickForProcessing(ctx, 10, future.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, picked, 1)

	got := picked[0]
	assert.Equal(t, original.ID, got.ID)
	assert.Equal(t, original.Channel, got.Channel)
	assert.JSONEq(t, string(original.Payload), string(got.Payload))
	assert.Equal(t, original.Priority, got.Priority)
	assert.Equal(t, original.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, original.Headers, got.Headers)
	require.NotNil(t, got.NextAttemptAt)
	assert.WithinDuration(t, future, *got.NextAttemptAt, time.Millisecond)
	assert.WithinDuration(t, original.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestSQLiteStoreWatchCountEmitsOnPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(tempDBPath(t))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))

	ch, stop := s.WatchCount(ctx, "", entry.StatusQueued)
	defer stop()

	first := readWithTimeout(t, ch, time.Second)
	assert.Equal(t, 0, first)

	require.NoError(t, s.Insert(ctx, entry.New("w1", "orders", nil)))

	second := readWithTimeout(t, ch, 3*time.Second)
	assert.Equal(t, 1, second)
}

func readWithTimeout(t *testing.T, ch <-chan int, timeout time.Duration) int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatal("timed out waiting for watch_count emission")
		return -1
	}
}
