// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/outboxlabs/outbox/internal/entry"
	"github.com/outboxlabs/outbox/internal/store"
	"go.uber.org/zap"
)

// StartQueueDepthUpdater samples store counts on a fixed interval and keeps
// the QueueDepth gauge current, grounded on the teacher's
// StartQueueLengthUpdater ticker-and-gauge shape but driven by the entry
// store's Count instead of a Redis LLEN poll.
func StartQueueDepthUpdater(ctx context.Context, s store.Store, channels []string, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	statuses := []entry.Status{entry.StatusQueued, entry.StatusProcessing, entry.StatusFailed}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, ch := range channels {
					for _, st := range statuses {
						n, err := s.Count(ctx, ch, st)
						if err != nil {
							log.Debug("queue depth poll error", String("channel", ch), String("status", string(st)), Err(err))
							continue
						}
						QueueDepth.WithLabelValues(ch, string(st)).Set(float64(n))
					}
				}
			}
		}
	}()
}
