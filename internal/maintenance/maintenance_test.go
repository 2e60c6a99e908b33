// Copyright 2025 James Ross
package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/outboxlabs/outbox/internal/entry"
	"github.com/outboxlabs/outbox/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJobRunOncePurgesOldTerminalEntries(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Insert(ctx, entry.New("done1", "orders", nil)))
	require.NoError(t, s.MarkDone(ctx, "done1"))
	require.NoError(t, s.Insert(ctx, entry.New("queued1", "orders", nil)))

	j := New(s, 0, zap.NewNop())

	n, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	queued, err := s.Count(ctx, "orders", entry.StatusQueued)
	require.NoError(t, err)
	require.Equal(t, 1, queued)
}

func TestJobStartRunsOnSchedule(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Insert(ctx, entry.New("done1", "orders", nil)))
	require.NoError(t, s.MarkDone(ctx, "done1"))

	j := New(s, 0, zap.NewNop())
	require.NoError(t, j.Start("@every 20ms"))
	defer j.Stop()

	require.Eventually(t, func() bool {
		n, err := s.Count(ctx, "orders", entry.StatusDone)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}
