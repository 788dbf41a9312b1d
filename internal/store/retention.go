package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionInterval = time.Hour

// StartRetentionWorker runs a background goroutine that periodically deletes
// conversations not updated within retention. A zero retention disables it.
func StartRetentionWorker(ctx context.Context, convs ConversationStore, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(retentionInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", retentionInterval, "retention", retention)

		sweepExpiredConversations(ctx, convs, retention, time.Now())
		for {
			select {
			case now := <-ticker.C:
				sweepExpiredConversations(ctx, convs, retention, now)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpiredConversations(ctx context.Context, convs ConversationStore, retention time.Duration, now time.Time) {
	deleted, err := convs.DeleteConversationsBefore(ctx, now.Add(-retention))
	if err != nil {
		slog.Error("Retention worker failed to delete expired conversations", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker removed expired conversations", "count", deleted)
	}
}
