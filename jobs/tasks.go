package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/stewardhq/steward/internal/audit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
)

// AuditDeliverer persists audit events that arrive through the queue.
type AuditDeliverer interface {
	Append(ctx context.Context, event audit.Event) error
}

// HandleAuditDeliverTask returns a handler for audit.TaskTypeDeliver tasks.
// A malformed payload is dropped rather than retried since retrying cannot
// repair it.
func HandleAuditDeliverTask(sink AuditDeliverer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var event audit.Event
		if err := json.Unmarshal(t.Payload(), &event); err != nil {
			if logger != nil {
				logger.Error("discarding malformed audit task", slog.Any("error", err))
			}
			return asynq.SkipRetry
		}
		if err := sink.Append(ctx, event); err != nil {
			if logger != nil {
				logger.Warn("audit delivery failed, will retry",
					slog.String("event_id", event.ID.String()),
					slog.Any("error", err))
			}
			return err
		}
		return nil
	}
}
