package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinica/tiss/internal/platform/db"
)

// PGSink persists events to the tenant's tiss_audit_events table on a
// connection of its own, so an event survives the rollback of whatever
// transaction the caller is in.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Record(ctx context.Context, e *Event) error {
	e.fill()
	tenant := e.TenantID
	if tenant == "" {
		tenant = db.TenantFromContext(ctx)
	}
	schema, err := db.SchemaName(tenant)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("audit: encode detail: %w", err)
	}
	if e.Detail == nil {
		detail = []byte("{}")
	}

	query := fmt.Sprintf(`INSERT INTO %s.tiss_audit_events
		(id, action, entity_type, entity_id, actor, tenant_id, outcome, detail, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, schema)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("audit: acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, query,
		e.ID, e.Action, e.EntityType, e.EntityID, e.Actor, tenant, e.Outcome, detail, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}
