package audit

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink appends events to the audit_events table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink returns a sink backed by the provided pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// Append persists the event.
func (s *PostgresSink) Append(ctx context.Context, event Event) error {
	if s == nil || s.pool == nil {
		return errors.New("audit sink not initialised")
	}
	detailJSON, err := json.Marshal(event.Detail)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO audit_events (id, actor_id, action, target_type, target_id, detail, source_ip, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.ActorID, string(event.Action), event.TargetType, event.TargetID, detailJSON, event.SourceIP, event.At)
	return err
}
