package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/domain/rental"
)

// GetRental backs the Rentals view's Get method.
func (s *Store) GetRental(ctx context.Context, id string) (rental.Rental, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, executor_id, miner_id, container_id, container_image,
		       state, started_at, actual_start, actual_end, ssh_credentials,
		       package_id, usage, actual_cost, reservation_id, labels, created_at, updated_at
		FROM rentals
		WHERE id = $1
	`, id)
	r, err := scanRental(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rental.Rental{}, apperr.NotFound("rental", id)
	}
	if err != nil {
		return rental.Rental{}, apperr.Wrap(apperr.KindStorage, "get rental", err)
	}
	return r, nil
}

// Exists satisfies processor.RentalStore.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rentals WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.KindStorage, "check rental existence", err)
	}
	return exists, nil
}

// CreateRental backs the Rentals view's Create method.
func (s *Store) CreateRental(ctx context.Context, r rental.Rental) error {
	sshJSON, labelsJSON, usageJSON, err := marshalRental(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rentals (
			id, user_id, executor_id, miner_id, container_id, container_image,
			state, started_at, actual_start, actual_end, ssh_credentials,
			package_id, usage, actual_cost, reservation_id, labels, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, r.ID, r.UserID, r.ExecutorID, r.MinerID, r.ContainerID, r.ContainerImage,
		string(r.State), r.StartedAt, r.ActualStart, r.ActualEnd, sshJSON,
		r.PackageID, usageJSON, r.ActualCost, r.ReservationID, labelsJSON, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "create rental", err)
	}
	return nil
}

// SaveRental backs the Rentals view's Save method: an upsert, since
// the billing processor's rental_start handler creates rows that only
// the FSM subsequently updates.
func (s *Store) SaveRental(ctx context.Context, r rental.Rental) error {
	sshJSON, labelsJSON, usageJSON, err := marshalRental(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rentals (
			id, user_id, executor_id, miner_id, container_id, container_image,
			state, started_at, actual_start, actual_end, ssh_credentials,
			package_id, usage, actual_cost, reservation_id, labels, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			container_id = EXCLUDED.container_id,
			actual_start = EXCLUDED.actual_start,
			actual_end = EXCLUDED.actual_end,
			ssh_credentials = EXCLUDED.ssh_credentials,
			usage = EXCLUDED.usage,
			actual_cost = EXCLUDED.actual_cost,
			reservation_id = EXCLUDED.reservation_id,
			updated_at = EXCLUDED.updated_at
	`, r.ID, r.UserID, r.ExecutorID, r.MinerID, r.ContainerID, r.ContainerImage,
		string(r.State), r.StartedAt, r.ActualStart, r.ActualEnd, sshJSON,
		r.PackageID, usageJSON, r.ActualCost, r.ReservationID, labelsJSON, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "save rental", err)
	}
	return nil
}

// ArchiveTerminate satisfies rentalfsm.Store: one transaction moving
// the row from rentals into terminated_rentals, so a failed archive
// insert leaves the active row untouched.
func (s *Store) ArchiveTerminate(ctx context.Context, archived rental.Archived) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "begin archive transaction", err)
	}
	defer tx.Rollback()

	r := archived.Rental
	sshJSON, labelsJSON, usageJSON, err := marshalRental(r)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO terminated_rentals (
			id, user_id, executor_id, miner_id, container_id, container_image,
			state, started_at, actual_start, actual_end, ssh_credentials,
			package_id, usage, actual_cost, reservation_id, labels,
			stop_reason, stopped_at, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, r.ID, r.UserID, r.ExecutorID, r.MinerID, r.ContainerID, r.ContainerImage,
		string(r.State), r.StartedAt, r.ActualStart, r.ActualEnd, sshJSON,
		r.PackageID, usageJSON, r.ActualCost, r.ReservationID, labelsJSON,
		archived.StopReason, archived.StoppedAt, r.CreatedAt, r.UpdatedAt); err != nil {
		return apperr.Wrap(apperr.KindStorage, "insert terminated rental", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rentals WHERE id = $1`, r.ID); err != nil {
		return apperr.Wrap(apperr.KindStorage, "delete active rental", err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindStorage, "commit archive transaction", err)
	}
	return nil
}

// ListByUser satisfies rentalmgr.Store.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]rental.Rental, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, executor_id, miner_id, container_id, container_image,
		       state, started_at, actual_start, actual_end, ssh_credentials,
		       package_id, usage, actual_cost, reservation_id, labels, created_at, updated_at
		FROM rentals
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "list rentals by user", err)
	}
	defer rows.Close()

	var out []rental.Rental
	for rows.Next() {
		r, err := scanRental(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "scan rental", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ArchivedByUser returns the user's terminated-rental history.
func (s *Store) ArchivedByUser(ctx context.Context, userID string) ([]rental.Archived, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, executor_id, miner_id, container_id, container_image,
		       state, started_at, actual_start, actual_end, ssh_credentials,
		       package_id, usage, actual_cost, reservation_id, labels,
		       stop_reason, stopped_at, created_at, updated_at
		FROM terminated_rentals
		WHERE user_id = $1
		ORDER BY stopped_at DESC
	`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "list archived rentals by user", err)
	}
	defer rows.Close()

	var out []rental.Archived
	for rows.Next() {
		var (
			a           rental.Archived
			sshRaw      []byte
			usageRaw    []byte
			labelsRaw   []byte
			state       string
		)
		if err := rows.Scan(&a.Rental.ID, &a.Rental.UserID, &a.Rental.ExecutorID, &a.Rental.MinerID,
			&a.Rental.ContainerID, &a.Rental.ContainerImage, &state, &a.Rental.StartedAt,
			&a.Rental.ActualStart, &a.Rental.ActualEnd, &sshRaw, &a.Rental.PackageID, &usageRaw,
			&a.Rental.ActualCost, &a.Rental.ReservationID, &labelsRaw, &a.StopReason, &a.StoppedAt,
			&a.Rental.CreatedAt, &a.Rental.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "scan archived rental", err)
		}
		a.Rental.State = rental.State(state)
		unmarshalRentalJSON(&a.Rental, sshRaw, usageRaw, labelsRaw)
		out = append(out, a)
	}
	return out, rows.Err()
}

func marshalRental(r rental.Rental) (sshJSON, labelsJSON, usageJSON []byte, err error) {
	if sshJSON, err = json.Marshal(r.SSHCredentials); err != nil {
		return nil, nil, nil, apperr.Wrap(apperr.KindInternalInvariant, "marshal ssh credentials", err)
	}
	if labelsJSON, err = json.Marshal(r.Labels); err != nil {
		return nil, nil, nil, apperr.Wrap(apperr.KindInternalInvariant, "marshal rental labels", err)
	}
	if usageJSON, err = json.Marshal(r.Usage); err != nil {
		return nil, nil, nil, apperr.Wrap(apperr.KindInternalInvariant, "marshal rental usage", err)
	}
	return sshJSON, labelsJSON, usageJSON, nil
}

func scanRental(row scannable) (rental.Rental, error) {
	var (
		r         rental.Rental
		state     string
		sshRaw    []byte
		usageRaw  []byte
		labelsRaw []byte
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.ExecutorID, &r.MinerID, &r.ContainerID, &r.ContainerImage,
		&state, &r.StartedAt, &r.ActualStart, &r.ActualEnd, &sshRaw,
		&r.PackageID, &usageRaw, &r.ActualCost, &r.ReservationID, &labelsRaw, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return rental.Rental{}, err
	}
	r.State = rental.State(state)
	unmarshalRentalJSON(&r, sshRaw, usageRaw, labelsRaw)
	return r, nil
}

func unmarshalRentalJSON(r *rental.Rental, sshRaw, usageRaw, labelsRaw []byte) {
	if len(sshRaw) > 0 && string(sshRaw) != "null" {
		var ssh rental.SSHCredentials
		if err := json.Unmarshal(sshRaw, &ssh); err == nil {
			r.SSHCredentials = &ssh
		}
	}
	if len(usageRaw) > 0 {
		_ = json.Unmarshal(usageRaw, &r.Usage)
	}
	if len(labelsRaw) > 0 {
		_ = json.Unmarshal(labelsRaw, &r.Labels)
	}
}
