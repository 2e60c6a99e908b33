// Copyright 2025 James Ross
package obs

import (
	"context"
	"testing"
	"time"

	"github.com/outboxlabs/outbox/internal/entry"
	"github.com/outboxlabs/outbox/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStartQueueDepthUpdaterSetsGauge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := store.NewMemoryStore()
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Insert(ctx, entry.New("e1", "orders", nil)))

	StartQueueDepthUpdater(ctx, s, []string{"orders"}, 20*time.Millisecond, zap.NewNop())

	require.Eventually(t, func() bool {
		g := QueueDepth.WithLabelValues("orders", string(entry.StatusQueued))
		return testutil.ToFloat64(g) == 1
	}, time.Second, 10*time.Millisecond)
}
