package postgres

import (
	"context"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/domain/billing"
)

// CreateBatch backs the Batches view's Create method.
func (s *Store) CreateBatch(ctx context.Context, batch billing.ProcessingBatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_batches (id, type, status, received, processed, failed, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, batch.ID, batch.Type, string(batch.Status), batch.Received, batch.Processed, batch.Failed, batch.StartedAt, batch.CompletedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "create processing batch", err)
	}
	return nil
}

// SaveBatch backs the Batches view's Save method.
func (s *Store) SaveBatch(ctx context.Context, batch billing.ProcessingBatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_batches (id, type, status, received, processed, failed, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			received = EXCLUDED.received,
			processed = EXCLUDED.processed,
			failed = EXCLUDED.failed,
			completed_at = EXCLUDED.completed_at
	`, batch.ID, batch.Type, string(batch.Status), batch.Received, batch.Processed, batch.Failed, batch.StartedAt, batch.CompletedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "save processing batch", err)
	}
	return nil
}

// AppendBillingEvent backs the BillingLog view's Append method: an
// append-only audit trail, never updated or deleted.
func (s *Store) AppendBillingEvent(ctx context.Context, event billing.BillingEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_events (id, event_type, entity_type, entity_id, user_id, payload, metadata, creator, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, event.ID, event.EventType, event.EntityType, event.EntityID, event.UserID,
		[]byte(event.Payload), []byte(event.Metadata), event.Creator, event.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "append billing event", err)
	}
	return nil
}

// BillingEventsFor returns the journaled credit actions for an entity,
// for audit/debug surfaces.
func (s *Store) BillingEventsFor(ctx context.Context, entityID string) ([]billing.BillingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, entity_type, entity_id, user_id, payload, metadata, creator, created_at
		FROM billing_events
		WHERE entity_id = $1
		ORDER BY created_at ASC
	`, entityID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "list billing events", err)
	}
	defer rows.Close()

	var out []billing.BillingEvent
	for rows.Next() {
		var (
			e          billing.BillingEvent
			payload    []byte
			metadata   []byte
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.EntityType, &e.EntityID, &e.UserID, &payload, &metadata, &e.Creator, &e.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "scan billing event", err)
		}
		e.Payload = payload
		e.Metadata = metadata
		out = append(out, e)
	}
	return out, rows.Err()
}
