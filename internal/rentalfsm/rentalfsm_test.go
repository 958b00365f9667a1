package rentalfsm

import (
	"context"
	"errors"
	"testing"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/domain/rental"
)

type memStore struct {
	rentals  map[string]rental.Rental
	archived []rental.Archived
	archiveErr error
}

func newMemStore() *memStore {
	return &memStore{rentals: map[string]rental.Rental{}}
}

func (s *memStore) Get(_ context.Context, id string) (rental.Rental, error) {
	r, ok := s.rentals[id]
	if !ok {
		return rental.Rental{}, errors.New("not found")
	}
	return r, nil
}

func (s *memStore) Save(_ context.Context, r rental.Rental) error {
	s.rentals[r.ID] = r
	return nil
}

func (s *memStore) ArchiveTerminate(_ context.Context, archived rental.Archived) error {
	if s.archiveErr != nil {
		return s.archiveErr
	}
	s.archived = append(s.archived, archived)
	delete(s.rentals, archived.ID)
	return nil
}

func TestValidTransitionTable(t *testing.T) {
	cases := []struct {
		from, to rental.State
		want     bool
	}{
		{rental.StatePending, rental.StateActive, true},
		{rental.StatePending, rental.StateCompleted, false},
		{rental.StateActive, rental.StateTerminating, true},
		{rental.StateActive, rental.StateFailed, true},
		{rental.StateTerminating, rental.StateCompleted, true},
		{rental.StateCompleted, rental.StateActive, false},
	}
	for _, c := range cases {
		if got := ValidTransition(c.from, c.to); got != c.want {
			t.Fatalf("ValidTransition(%v, %v) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTransitionToActiveStampsStart(t *testing.T) {
	store := newMemStore()
	store.rentals["r1"] = rental.Rental{ID: "r1", State: rental.StatePending}
	m := New(store)

	got, err := m.Transition(context.Background(), "r1", rental.StateActive, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ActualStart == nil {
		t.Fatalf("expected ActualStart to be stamped")
	}
}

func TestTransitionToTerminalArchives(t *testing.T) {
	store := newMemStore()
	store.rentals["r1"] = rental.Rental{ID: "r1", State: rental.StateActive}
	m := New(store)

	_, err := m.Transition(context.Background(), "r1", rental.StateCompleted, "user requested stop")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, stillActive := store.rentals["r1"]; stillActive {
		t.Fatalf("expected active row removed after archive")
	}
	if len(store.archived) != 1 {
		t.Fatalf("expected one archived row")
	}
	if store.archived[0].StopReason != "user requested stop" {
		t.Fatalf("unexpected stop reason: %q", store.archived[0].StopReason)
	}
}

func TestTransitionInvalidReturnsApperr(t *testing.T) {
	store := newMemStore()
	store.rentals["r1"] = rental.Rental{ID: "r1", State: rental.StateCompleted}
	m := New(store)

	_, err := m.Transition(context.Background(), "r1", rental.StateActive, "")
	if !apperr.Is(err, apperr.KindInvalidState) {
		t.Fatalf("expected KindInvalidState, got %v", err)
	}
}

func TestTransitionArchiveFailureLeavesActiveRowIntact(t *testing.T) {
	store := newMemStore()
	store.rentals["r1"] = rental.Rental{ID: "r1", State: rental.StateActive}
	store.archiveErr = errors.New("db down")
	m := New(store)

	_, err := m.Transition(context.Background(), "r1", rental.StateCompleted, "stop")
	if err == nil {
		t.Fatalf("expected error when archive fails")
	}
	if _, ok := store.rentals["r1"]; !ok {
		t.Fatalf("expected active row to remain when archive fails")
	}
}
