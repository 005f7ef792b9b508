package observability

import (
	"context"
	"strings"

	"github.com/stewardhq/steward/internal/audit"
)

type instrumentedSink struct {
	metrics *Metrics
	next    audit.Sink
}

// InstrumentSink menghitung setiap event audit yang berhasil dikirim ke sink.
func InstrumentSink(m *Metrics, next audit.Sink) audit.Sink {
	if m == nil {
		return next
	}
	return instrumentedSink{metrics: m, next: next}
}

func (s instrumentedSink) Append(ctx context.Context, event audit.Event) error {
	if err := s.next.Append(ctx, event); err != nil {
		return err
	}
	s.metrics.ObserveAuditEvent(string(event.Action))
	if event.Action == audit.ActionPermissionDenied {
		s.metrics.ObservePolicyDenial(denialReason(event))
	}
	return nil
}

// denialReason maps a permission_denied event to a stable label value.
func denialReason(event audit.Event) string {
	reason, _ := event.Detail["reason"].(string)
	if reason == "" {
		return "unknown"
	}
	return strings.ReplaceAll(reason, " ", "_")
}
