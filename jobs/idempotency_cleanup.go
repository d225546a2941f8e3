package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const defaultKeyRetention = 72 * time.Hour

// KeyCleaner purges idempotency keys older than a retention window.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CleanupIdempotencyKeys returns a handler purging expired keys.
func CleanupIdempotencyKeys(cleaner KeyCleaner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		if cleaner == nil {
			return errors.New("idempotency cleanup: store not configured")
		}
		var payload IdempotencyCleanupPayload
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return asynq.SkipRetry
			}
		}
		retention := time.Duration(payload.RetentionHours) * time.Hour
		if retention <= 0 {
			retention = defaultKeyRetention
		}
		tracker := defaultJobMetrics.Track(TaskIdempotencyCleanup)
		removed, err := cleaner.Cleanup(ctx, retention)
		if err != nil {
			if logger != nil {
				logger.Error("purge idempotency keys", slog.Any("error", err))
			}
			return tracker.End(err)
		}
		if logger != nil {
			logger.Info("purged idempotency keys", slog.String("job", TaskIdempotencyCleanup), slog.Int64("removed", removed))
		}
		return tracker.End(nil)
	}
}
