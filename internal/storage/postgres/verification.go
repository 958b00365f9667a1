package postgres

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	verifdomain "github.com/one-covenant/basilica-sub001/internal/domain/verification"
)

// Insert satisfies verification.ResultStore directly: append-only, no
// update path, matching "a new run always inserts a new row".
func (s *Store) Insert(ctx context.Context, result verifdomain.Result) error {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	stepsJSON, err := json.Marshal(result.Steps)
	if err != nil {
		return apperr.Wrap(apperr.KindInternalInvariant, "marshal verification steps", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verification_results (
			id, executor_id, miner_uid, strategy, score, steps,
			binary_validation_successful, gpu_count, raw_attestation_json, signature, ran_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, result.ID, result.ExecutorID, result.MinerUID, string(result.Strategy), result.Score, stepsJSON,
		result.BinaryValidationSuccessful, result.GPUCount, result.RawAttestationJSON, result.Signature, result.RanAt)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "insert verification result", err)
	}
	return nil
}

// ResultsFor returns every verification result recorded for
// executorID, oldest first.
func (s *Store) ResultsFor(ctx context.Context, executorID string) ([]verifdomain.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, executor_id, miner_uid, strategy, score, steps,
		       binary_validation_successful, gpu_count, raw_attestation_json, signature, ran_at
		FROM verification_results
		WHERE executor_id = $1
		ORDER BY ran_at
	`, executorID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "list verification results", err)
	}
	defer rows.Close()

	var out []verifdomain.Result
	for rows.Next() {
		var (
			r         verifdomain.Result
			strategy  string
			stepsRaw  []byte
		)
		if err := rows.Scan(&r.ID, &r.ExecutorID, &r.MinerUID, &strategy, &r.Score, &stepsRaw,
			&r.BinaryValidationSuccessful, &r.GPUCount, &r.RawAttestationJSON, &r.Signature, &r.RanAt); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "scan verification result", err)
		}
		r.Strategy = verifdomain.Strategy(strategy)
		if len(stepsRaw) > 0 {
			_ = json.Unmarshal(stepsRaw, &r.Steps)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
