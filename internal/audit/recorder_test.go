package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/internal/shared"
)

type stubSink struct {
	events []Event
	err    error
}

func (s *stubSink) Append(ctx context.Context, event Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func TestRecordBuildsEvent(t *testing.T) {
	sink := &stubSink{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recorder := NewRecorder(sink, shared.FixedClock{At: at}, nil)

	actor := uuid.New()
	err := recorder.Record(context.Background(), actor, ActionRoleChanged, "user", "target-1",
		map[string]any{"old_role": "user", "new_role": "admin"},
		shared.SourceContext{IP: "10.0.0.9"})
	require.NoError(t, err)
	require.Len(t, sink.events, 1)

	event := sink.events[0]
	assert.Equal(t, actor, event.ActorID)
	assert.Equal(t, ActionRoleChanged, event.Action)
	assert.Equal(t, "user", event.TargetType)
	assert.Equal(t, "target-1", event.TargetID)
	assert.Equal(t, "admin", event.Detail["new_role"])
	assert.Equal(t, "10.0.0.9", event.SourceIP)
	assert.Equal(t, at, event.At)
	assert.NotEqual(t, uuid.Nil, event.ID)
}

func TestRecordRejectsMissingAction(t *testing.T) {
	recorder := NewRecorder(&stubSink{}, nil, nil)
	err := recorder.Record(context.Background(), uuid.New(), "", "user", "t", nil, shared.SourceContext{})
	require.Error(t, err)
}

func TestRecordSinkFailureSurfacesAsDeliveryFailed(t *testing.T) {
	sink := &stubSink{err: errors.New("broker down")}
	recorder := NewRecorder(sink, nil, nil)
	err := recorder.Record(context.Background(), uuid.New(), ActionUserDeactivated, "user", "t", nil, shared.SourceContext{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrAuditDeliveryFailed))
}
