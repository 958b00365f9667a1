package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
)

// GetAccount satisfies credit.Store. A user with no row yet reads as a
// zero-value Account, matching storage/memory's behavior so Reserve
// fails with InsufficientCredits rather than NotFound.
func (s *Store) GetAccount(ctx context.Context, userID string) (creditdomain.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, reserved_balance, lifetime_spent, lifetime_added, updated_at
		FROM credit_accounts
		WHERE user_id = $1
	`, userID)

	var a creditdomain.Account
	err := row.Scan(&a.UserID, &a.Balance, &a.ReservedBalance, &a.LifetimeSpent, &a.LifetimeAdded, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return creditdomain.Account{UserID: userID}, nil
	}
	if err != nil {
		return creditdomain.Account{}, apperr.Wrap(apperr.KindStorage, "get credit account", err)
	}
	return a, nil
}

// SaveAccount satisfies credit.Store.
func (s *Store) SaveAccount(ctx context.Context, account creditdomain.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, balance, reserved_balance, lifetime_spent, lifetime_added, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			reserved_balance = EXCLUDED.reserved_balance,
			lifetime_spent = EXCLUDED.lifetime_spent,
			lifetime_added = EXCLUDED.lifetime_added,
			updated_at = EXCLUDED.updated_at
	`, account.UserID, account.Balance, account.ReservedBalance, account.LifetimeSpent, account.LifetimeAdded, account.UpdatedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "save credit account", err)
	}
	return nil
}

// SaveReservation satisfies credit.Store.
func (s *Store) SaveReservation(ctx context.Context, r creditdomain.Reservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_reservations (id, user_id, rental_id, amount, status, reserved_at, expires_at, released_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			rental_id = EXCLUDED.rental_id,
			status = EXCLUDED.status,
			released_at = EXCLUDED.released_at
	`, r.ID, r.UserID, r.RentalID, r.Amount, string(r.Status), r.ReservedAt, r.ExpiresAt, r.ReleasedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "save credit reservation", err)
	}
	return nil
}

// GetReservation satisfies credit.Store.
func (s *Store) GetReservation(ctx context.Context, id string) (creditdomain.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, rental_id, amount, status, reserved_at, expires_at, released_at
		FROM credit_reservations
		WHERE id = $1
	`, id)

	var (
		r      creditdomain.Reservation
		status string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.RentalID, &r.Amount, &status, &r.ReservedAt, &r.ExpiresAt, &r.ReleasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return creditdomain.Reservation{}, apperr.NotFound("credit reservation", id)
	}
	if err != nil {
		return creditdomain.Reservation{}, apperr.Wrap(apperr.KindStorage, "get credit reservation", err)
	}
	r.Status = creditdomain.ReservationStatus(status)
	return r, nil
}
