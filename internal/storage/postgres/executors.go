package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/one-covenant/basilica-sub001/internal/discovery"
	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/domain/executor"
	"github.com/one-covenant/basilica-sub001/internal/rentalmgr"
)

// GetExecutor backs the Executors view's Get method.
func (s *Store) GetExecutor(ctx context.Context, id string) (executor.Executor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, miner_uid, local_id, grpc_endpoint, location, hardware,
		       status, last_validation_at, last_score, consecutive_failures,
		       registered_at, updated_at
		FROM executors
		WHERE id = $1
	`, id)
	ex, err := scanExecutor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return executor.Executor{}, apperr.NotFound("executor", id)
	}
	if err != nil {
		return executor.Executor{}, apperr.Wrap(apperr.KindStorage, "get executor", err)
	}
	return ex, nil
}

// UpdateVerification satisfies verification.ExecutorStore.
func (s *Store) UpdateVerification(ctx context.Context, id string, status executor.Status, score float64, consecutiveFailures int, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executors
		SET status = $2, last_score = $3, consecutive_failures = $4,
		    last_validation_at = $5, updated_at = $5
		WHERE id = $1
	`, id, string(status), score, consecutiveFailures, at.UTC())
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "update executor verification", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperr.NotFound("executor", id)
	}
	return nil
}

// ListSchedulable satisfies scheduler.ExecutorLister.
func (s *Store) ListSchedulable(ctx context.Context) ([]executor.Executor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, miner_uid, local_id, grpc_endpoint, location, hardware,
		       status, last_validation_at, last_score, consecutive_failures,
		       registered_at, updated_at
		FROM executors
		WHERE status != $1
		ORDER BY id
	`, string(executor.StatusOffline))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "list schedulable executors", err)
	}
	defer rows.Close()

	var out []executor.Executor
	for rows.Next() {
		ex, err := scanExecutorRows(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "scan executor", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// SyncFromDiscovery satisfies scheduler.ExecutorLister: an upsert per
// manifest entry, leaving verification status untouched on an already
// known executor.
func (s *Store) SyncFromDiscovery(ctx context.Context, results []discovery.Result) error {
	now := time.Now().UTC()
	for _, result := range results {
		if result.Err != nil {
			continue
		}
		for _, entry := range result.Executors {
			id := executor.ID(result.Miner.UID, entry.LocalID)
			if _, err := s.db.ExecContext(ctx, `
				INSERT INTO executors (id, miner_uid, local_id, grpc_endpoint, location, hardware, status, registered_at, updated_at)
				VALUES ($1, $2, $3, $4, '', '{}', $5, $6, $6)
				ON CONFLICT (id) DO UPDATE
				SET grpc_endpoint = EXCLUDED.grpc_endpoint, updated_at = EXCLUDED.updated_at
			`, id, result.Miner.UID, entry.LocalID, entry.GRPCEndpoint, string(executor.StatusPending), now); err != nil {
				return apperr.Wrap(apperr.KindStorage, "sync executor from discovery", err)
			}
		}
	}
	return nil
}

// FindAvailable satisfies rentalmgr.ExecutorFinder. The location and
// GPU count filters are pushed down into SQL as optional conditions
// ($n = '' OR ...) matching the pack's accountTenant-style
// optional-filter SQL; the GPU memory and model filters are applied in
// Go to the returned rows.
func (s *Store) FindAvailable(ctx context.Context, req rentalmgr.Requirements) ([]executor.Executor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, miner_uid, local_id, grpc_endpoint, location, hardware,
		       status, last_validation_at, last_score, consecutive_failures,
		       registered_at, updated_at
		FROM executors
		WHERE status != $1
		  AND ($2 = '' OR location = '' OR location = $2)
		  AND ($3::int = 0 OR jsonb_array_length(hardware->'GPUs') >= $3)
		ORDER BY id
	`, string(executor.StatusOffline), req.Location, req.MinGPUCount)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "find available executors", err)
	}
	defer rows.Close()

	var out []executor.Executor
	for rows.Next() {
		ex, err := scanExecutorRows(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "scan executor", err)
		}
		if req.MinGPUMemoryMB > 0 && !hasGPUMemory(ex, req.MinGPUMemoryMB) {
			continue
		}
		if req.GPUModel != "" && !hasGPUModel(ex, req.GPUModel) {
			continue
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func hasGPUMemory(ex executor.Executor, minMB int64) bool {
	for _, gpu := range ex.Hardware.GPUs {
		if gpu.MemoryMB >= minMB {
			return true
		}
	}
	return false
}

func hasGPUModel(ex executor.Executor, model string) bool {
	for _, gpu := range ex.Hardware.GPUs {
		if gpu.Model == model {
			return true
		}
	}
	return false
}

type scannable interface {
	Scan(dest ...any) error
}

func scanExecutor(row *sql.Row) (executor.Executor, error) { return scanExecutorCommon(row) }

func scanExecutorRows(rows *sql.Rows) (executor.Executor, error) { return scanExecutorCommon(rows) }

func scanExecutorCommon(row scannable) (executor.Executor, error) {
	var (
		ex           executor.Executor
		hardwareRaw  []byte
		status       string
		lastValidAt  sql.NullTime
	)
	if err := row.Scan(&ex.ID, &ex.MinerUID, &ex.LocalID, &ex.GRPCEndpoint, &ex.Location, &hardwareRaw,
		&status, &lastValidAt, &ex.LastScore, &ex.ConsecutiveFailures, &ex.RegisteredAt, &ex.UpdatedAt); err != nil {
		return executor.Executor{}, err
	}
	ex.Status = executor.Status(status)
	if lastValidAt.Valid {
		ex.LastValidationAt = lastValidAt.Time
	}
	if len(hardwareRaw) > 0 {
		_ = json.Unmarshal(hardwareRaw, &ex.Hardware)
	}
	return ex, nil
}
