package memory

import (
	"context"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/domain/rental"
)

// GetRental backs the Rentals view's Get method.
func (s *Store) GetRental(_ context.Context, id string) (rental.Rental, error) {
	s.rentalMu.RLock()
	defer s.rentalMu.RUnlock()
	r, ok := s.rentals[id]
	if !ok {
		return rental.Rental{}, apperr.NotFound("rental", id)
	}
	return r, nil
}

// Exists satisfies processor.RentalStore.
func (s *Store) Exists(_ context.Context, id string) (bool, error) {
	s.rentalMu.RLock()
	defer s.rentalMu.RUnlock()
	_, ok := s.rentals[id]
	return ok, nil
}

// CreateRental backs the Rentals view's Create method.
func (s *Store) CreateRental(_ context.Context, r rental.Rental) error {
	s.rentalMu.Lock()
	defer s.rentalMu.Unlock()
	s.rentals[r.ID] = r
	return nil
}

// SaveRental backs the Rentals view's Save method.
func (s *Store) SaveRental(_ context.Context, r rental.Rental) error {
	s.rentalMu.Lock()
	defer s.rentalMu.Unlock()
	s.rentals[r.ID] = r
	return nil
}

// ArchiveTerminate satisfies rentalfsm.Store: one critical-section move
// from the active table into the archive, rolling back nothing extra
// since both live under the same process-local lock.
func (s *Store) ArchiveTerminate(_ context.Context, archived rental.Archived) error {
	s.rentalMu.Lock()
	defer s.rentalMu.Unlock()
	delete(s.rentals, archived.Rental.ID)
	s.archived = append(s.archived, archived)
	return nil
}

// ListByUser satisfies rentalmgr.Store.
func (s *Store) ListByUser(_ context.Context, userID string) ([]rental.Rental, error) {
	s.rentalMu.RLock()
	defer s.rentalMu.RUnlock()
	var out []rental.Rental
	for _, r := range s.rentals {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

// ArchivedByUser returns the user's terminated-rental history, for the
// list_rentals surface's completed/failed rows.
func (s *Store) ArchivedByUser(_ context.Context, userID string) ([]rental.Archived, error) {
	s.rentalMu.RLock()
	defer s.rentalMu.RUnlock()
	var out []rental.Archived
	for _, a := range s.archived {
		if a.Rental.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}
