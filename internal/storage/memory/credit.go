package memory

import (
	"context"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
)

// GetAccount satisfies credit.Store. A user with no seeded account
// reads as a zero-value Account (balance 0), so Reserve fails with
// InsufficientCredits rather than a NotFound surprise.
func (s *Store) GetAccount(_ context.Context, userID string) (creditdomain.Account, error) {
	s.creditMu.Lock()
	defer s.creditMu.Unlock()
	return s.accounts[userID], nil
}

// SaveAccount satisfies credit.Store.
func (s *Store) SaveAccount(_ context.Context, account creditdomain.Account) error {
	s.creditMu.Lock()
	defer s.creditMu.Unlock()
	s.accounts[account.UserID] = account
	return nil
}

// SaveReservation satisfies credit.Store.
func (s *Store) SaveReservation(_ context.Context, r creditdomain.Reservation) error {
	s.creditMu.Lock()
	defer s.creditMu.Unlock()
	s.reservations[r.ID] = r
	return nil
}

// GetReservation satisfies credit.Store.
func (s *Store) GetReservation(_ context.Context, id string) (creditdomain.Reservation, error) {
	s.creditMu.Lock()
	defer s.creditMu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return creditdomain.Reservation{}, apperr.NotFound("credit reservation", id)
	}
	return r, nil
}
