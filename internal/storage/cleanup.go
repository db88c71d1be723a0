package storage

import (
	"context"
	"log/slog"
	"time"
)

// CleanupExpiredBatches removes batch records past their ExpiresAt every interval until ctx is done.
// Downloaded files are never touched.
func (stg *storage) CleanupExpiredBatches(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := stg.log.With(slog.String("action", "cleanup_expired_batches"), slog.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			stg.performCleanup(ctx)
		case <-ctx.Done():
			log.Info("cleanup expired batches stopped")

			return
		}
	}
}

func (stg *storage) performCleanup(ctx context.Context) {
	now := time.Now()

	stg.mu.Lock()

	var removed []string

	for id, batch := range stg.batches {
		if !batch.Status.Terminal() || batch.ExpiresAt.After(now) {
			continue
		}

		delete(stg.batches, id)
		removed = append(removed, id)
	}

	remaining := len(stg.batches)

	stg.mu.Unlock()

	stg.metrics.SetStoredBatches(remaining)

	if len(removed) == 0 {
		stg.log.DebugContext(ctx, "no expired batches found to clean up")

		return
	}

	for _, id := range removed {
		stg.UnregisterCancelFunc(id)
	}

	stg.metrics.RecordCleanup(len(removed))
	stg.log.InfoContext(ctx, "expired batches removed",
		slog.Int("count", len(removed)),
		slog.Int("remaining", remaining))
}
