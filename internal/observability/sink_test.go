package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/audit"
)

type stubSink struct {
	events []audit.Event
	err    error
}

func (s *stubSink) Append(_ context.Context, event audit.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rr.Body.String()
}

func TestInstrumentSinkCountsDeniedEvents(t *testing.T) {
	metrics := NewMetrics()
	next := &stubSink{}
	sink := InstrumentSink(metrics, next)

	denied := audit.Event{
		ID:         uuid.New(),
		ActorID:    uuid.New(),
		Action:     audit.ActionPermissionDenied,
		TargetType: "user",
		Detail:     map[string]any{"permission": "users.delete", "reason": "access denied"},
	}
	if err := sink.Append(context.Background(), denied); err != nil {
		t.Fatalf("append denied event: %v", err)
	}
	if err := sink.Append(context.Background(), audit.Event{ID: uuid.New(), Action: audit.ActionList, TargetType: "user"}); err != nil {
		t.Fatalf("append list event: %v", err)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, `steward_policy_denials_total{reason="access_denied"} 1`) {
		t.Fatalf("expected denial counter for denied event, got: %s", body)
	}
	if !strings.Contains(body, `steward_audit_events_total{action="permission_denied"} 1`) {
		t.Fatalf("expected audit counter for denied event, got: %s", body)
	}
	if strings.Contains(body, `steward_policy_denials_total{reason="list"`) {
		t.Fatalf("non-denial events must not count as denials, got: %s", body)
	}
	if len(next.events) != 2 {
		t.Fatalf("expected 2 delivered events, got %d", len(next.events))
	}
}

func TestInstrumentSinkSkipsCountingOnDeliveryFailure(t *testing.T) {
	metrics := NewMetrics()
	sink := InstrumentSink(metrics, &stubSink{err: errors.New("connection refused")})

	err := sink.Append(context.Background(), audit.Event{
		ID:     uuid.New(),
		Action: audit.ActionPermissionDenied,
		Detail: map[string]any{"reason": "access denied"},
	})
	if err == nil {
		t.Fatal("expected delivery error")
	}

	body := scrape(t, metrics)
	if strings.Contains(body, "steward_policy_denials_total{") {
		t.Fatalf("failed delivery must not count, got: %s", body)
	}
}

func TestInstrumentSinkDenialReasonFallback(t *testing.T) {
	metrics := NewMetrics()
	sink := InstrumentSink(metrics, &stubSink{})

	err := sink.Append(context.Background(), audit.Event{
		ID:     uuid.New(),
		Action: audit.ActionPermissionDenied,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if !strings.Contains(scrape(t, metrics), `steward_policy_denials_total{reason="unknown"} 1`) {
		t.Fatal("expected unknown reason label for detail-less event")
	}
}
