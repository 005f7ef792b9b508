package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/shared"
)

// Sink ships audit events to durable storage. Implementations own
// their buffering and timeout policy; the recorder never retries.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Recorder builds audit events and forwards them to the sink. A sink
// failure is reported but never rolls back the decision that produced
// the event.
type Recorder struct {
	sink   Sink
	clock  shared.Clock
	logger *slog.Logger
}

// NewRecorder constructs a Recorder.
func NewRecorder(sink Sink, clock shared.Clock, logger *slog.Logger) *Recorder {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Recorder{sink: sink, clock: clock, logger: logger}
}

// Record builds an event and appends it to the sink.
func (r *Recorder) Record(ctx context.Context, actorID uuid.UUID, action Action, targetType, targetID string, detail map[string]any, src shared.SourceContext) error {
	if r == nil || r.sink == nil {
		return errors.New("audit recorder not initialised")
	}
	if action == "" || targetType == "" {
		return errors.New("audit event requires action and target type")
	}
	event := Event{
		ID:         uuid.New(),
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
		SourceIP:   src.IP,
		At:         r.clock.Now(),
	}
	if err := r.sink.Append(ctx, event); err != nil {
		// A missing audit record for a privileged action is itself a
		// security-relevant event, so it goes to the operator channel.
		if r.logger != nil {
			r.logger.Error("audit delivery failed",
				slog.String("action", string(action)),
				slog.String("target_id", targetID),
				slog.Any("error", err))
		}
		return fmt.Errorf("%w: %v", shared.ErrAuditDeliveryFailed, err)
	}
	return nil
}
