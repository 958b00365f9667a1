package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/domain/billing"
)

// AppendUsageEvent backs the Events view's Append method.
func (s *Store) AppendUsageEvent(ctx context.Context, event billing.UsageEvent) error {
	return s.insertUsageEvent(ctx, s.db, event)
}

// AppendUsageEventBatch backs the Events view's AppendBatch method.
func (s *Store) AppendUsageEventBatch(ctx context.Context, events []billing.UsageEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "begin append batch transaction", err)
	}
	defer tx.Rollback()
	for _, e := range events {
		if err := s.insertUsageEvent(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindStorage, "commit append batch transaction", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertUsageEvent(ctx context.Context, exec execer, event billing.UsageEvent) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO usage_events (id, rental_id, executor_id, type, payload, timestamp, processed, batch_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.ID, event.RentalID, event.ExecutorID, string(event.Type), []byte(event.Payload), event.Timestamp, event.Processed, event.BatchID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "append usage event", err)
	}
	return nil
}

// ClaimUnprocessed satisfies billing/eventstore.Store: the literal
// `SELECT ... FOR UPDATE SKIP LOCKED` claim-and-tag transaction. Rows
// already locked by a concurrent processor are silently excluded
// rather than waited on, and rows an earlier claim has tagged with a
// batch id are skipped, so two processor instances never claim the
// same event.
func (s *Store) ClaimUnprocessed(ctx context.Context, batchSize int, batchID string) ([]billing.UsageEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "begin claim transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, rental_id, executor_id, type, payload, timestamp, processed, batch_id
		FROM usage_events
		WHERE processed = false AND batch_id IS NULL
		ORDER BY timestamp ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, batchSize)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "claim unprocessed events", err)
	}

	var (
		claimed []billing.UsageEvent
		ids     []string
	)
	for rows.Next() {
		var (
			e         billing.UsageEvent
			eventType string
			payload   []byte
		)
		if err := rows.Scan(&e.ID, &e.RentalID, &e.ExecutorID, &eventType, &payload, &e.Timestamp, &e.Processed, &e.BatchID); err != nil {
			rows.Close()
			return nil, apperr.Wrap(apperr.KindStorage, "scan claimed event", err)
		}
		e.Type = billing.EventType(eventType)
		e.Payload = payload
		claimed = append(claimed, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, apperr.Wrap(apperr.KindStorage, "iterate claimed events", err)
	}
	rows.Close()

	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE usage_events SET batch_id = $2
			WHERE id = ANY($1)
		`, pq.Array(ids), batchID); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "tag claimed events with batch id", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "commit claim transaction", err)
	}
	return claimed, nil
}

// Complete satisfies billing/eventstore.Store: the closing
// `UPDATE ... SET processed = true` of a claim, run as its own
// statement after the claim transaction committed and scoped to
// batchID so a stale batchID can't mark rows a different claim holds.
func (s *Store) Complete(ctx context.Context, batchID string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE usage_events
		SET processed = true
		WHERE id = ANY($1) AND batch_id = $2
	`, pq.Array(eventIDs), batchID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "complete claimed events", err)
	}
	return nil
}

// Abort satisfies billing/eventstore.Store: releases batchID's claim
// tag without marking the rows processed, so the next ClaimUnprocessed
// call can pick them back up.
func (s *Store) Abort(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE usage_events SET batch_id = NULL
		WHERE batch_id = $1 AND processed = false
	`, batchID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "abort claimed batch", err)
	}
	return nil
}

// ArchiveOlderThan satisfies billing/eventstore.Store.
func (s *Store) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "begin archive transaction", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO usage_events_archive
		SELECT * FROM usage_events WHERE processed = true AND timestamp < $1
	`, cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "insert into usage events archive", err)
	}
	n, _ := result.RowsAffected()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM usage_events WHERE processed = true AND timestamp < $1
	`, cutoff); err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "delete archived usage events", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "commit archive transaction", err)
	}
	return int(n), nil
}
