// Package credit implements the reserve/release/settle arithmetic
// against a user's CreditAccount, mutex-guarded exactly as
// internal/gasbank.Manager's Reserve/Release/Consume trio, generalized
// from a fixed service fee to a per-rental estimated-then-actual cost.
package credit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
)

// Store is the persistence capability the ledger needs for accounts and
// reservations.
type Store interface {
	GetAccount(ctx context.Context, userID string) (creditdomain.Account, error)
	SaveAccount(ctx context.Context, account creditdomain.Account) error
	SaveReservation(ctx context.Context, r creditdomain.Reservation) error
	GetReservation(ctx context.Context, id string) (creditdomain.Reservation, error)
}

// Ledger serializes balance mutations behind a single mutex, same as
// gasbank.Manager, since the backing store has no cross-row locking of
// its own to rely on.
type Ledger struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time
}

// New builds a Ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Reserve holds amount against userID's available balance for rentalID,
// failing InsufficientCredits if the hold would exceed what's available.
func (l *Ledger) Reserve(ctx context.Context, userID, rentalID string, amount int64) (creditdomain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return creditdomain.Reservation{}, apperr.Wrap(apperr.KindStorage, "load credit account", err)
	}

	if amount > account.Available() {
		return creditdomain.Reservation{}, apperr.InsufficientCredits(account.Available(), amount)
	}

	now := l.now()
	account.ReservedBalance += amount
	account.UpdatedAt = now
	if err := l.store.SaveAccount(ctx, account); err != nil {
		return creditdomain.Reservation{}, apperr.Wrap(apperr.KindStorage, "save credit account", err)
	}

	reservation := creditdomain.Reservation{
		ID:         uuid.New().String(),
		UserID:     userID,
		RentalID:   rentalID,
		Amount:     amount,
		Status:     creditdomain.ReservationActive,
		ReservedAt: now,
	}
	if err := l.store.SaveReservation(ctx, reservation); err != nil {
		return creditdomain.Reservation{}, apperr.Wrap(apperr.KindStorage, "save credit reservation", err)
	}
	return reservation, nil
}

// Release returns a reservation's held amount to the account without
// any charge, leaving the balance untouched. Idempotent: releasing an
// already-released reservation is a no-op.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	return l.settle(ctx, reservationID, 0, false)
}

// Settle releases reservationID's hold and debits actualCost from the
// account balance in the same step, matching stop_rental's "release the
// reservation, deduct the actual accrued cost". Idempotent: settling an
// already-released reservation is a no-op, so calling stop twice never
// double-charges.
func (l *Ledger) Settle(ctx context.Context, reservationID string, actualCost int64) error {
	return l.settle(ctx, reservationID, actualCost, true)
}

func (l *Ledger) settle(ctx context.Context, reservationID string, actualCost int64, charge bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reservation, err := l.store.GetReservation(ctx, reservationID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "load credit reservation", err)
	}
	if reservation.Status == creditdomain.ReservationReleased {
		return nil
	}

	account, err := l.store.GetAccount(ctx, reservation.UserID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "load credit account", err)
	}

	account.ReservedBalance -= reservation.Amount
	if account.ReservedBalance < 0 {
		account.ReservedBalance = 0
	}
	if charge {
		account.Balance -= actualCost
		account.LifetimeSpent += actualCost
	}
	now := l.now()
	account.UpdatedAt = now
	if err := l.store.SaveAccount(ctx, account); err != nil {
		return apperr.Wrap(apperr.KindStorage, "save credit account", err)
	}

	reservation.Status = creditdomain.ReservationReleased
	reservation.ReleasedAt = &now
	if err := l.store.SaveReservation(ctx, reservation); err != nil {
		return apperr.Wrap(apperr.KindStorage, "save credit reservation", err)
	}
	return nil
}
