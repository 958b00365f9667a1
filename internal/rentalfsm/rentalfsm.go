// Package rentalfsm implements the Rental state machine: validated
// transitions, start/end timestamp bookkeeping, and the atomic
// "archive on terminate" move from the active rentals table into the
// terminated-rentals archive.
package rentalfsm

import (
	"context"
	"time"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/domain/rental"
	"github.com/one-covenant/basilica-sub001/internal/metrics"
)

// transitions is the declared DAG: pending -> active -> terminating ->
// completed, plus active -> completed directly, with failed reachable
// from any non-terminal state.
var transitions = map[rental.State]map[rental.State]bool{
	rental.StatePending: {
		rental.StateActive:  true,
		rental.StateFailed:  true,
	},
	rental.StateActive: {
		rental.StateTerminating: true,
		rental.StateCompleted:   true,
		rental.StateFailed:      true,
	},
	rental.StateTerminating: {
		rental.StateCompleted: true,
		rental.StateFailed:    true,
	},
}

// ValidTransition reports whether from -> to is a legal edge.
func ValidTransition(from, to rental.State) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Store is the capability set the state machine needs against the
// active and archived rental tables.
type Store interface {
	Get(ctx context.Context, rentalID string) (rental.Rental, error)
	Save(ctx context.Context, r rental.Rental) error
	// ArchiveTerminate copies r into the terminated-rentals archive and
	// deletes it from the active table in one transaction. If the
	// archive insert fails, the whole operation must roll back and the
	// active row must remain untouched.
	ArchiveTerminate(ctx context.Context, archived rental.Archived) error
}

// Machine drives validated state transitions for one rental at a time.
type Machine struct {
	store Store
	now   func() time.Time
}

// New builds a Machine.
func New(store Store) *Machine {
	return &Machine{store: store, now: time.Now}
}

// Transition moves rentalID from its current state to `to`. Entering
// Active stamps ActualStart; entering any terminal state stamps
// ActualEnd and, for a terminal transition, archives the row.
func (m *Machine) Transition(ctx context.Context, rentalID string, to rental.State, stopReason string) (rental.Rental, error) {
	r, err := m.store.Get(ctx, rentalID)
	if err != nil {
		return rental.Rental{}, err
	}

	if !ValidTransition(r.State, to) {
		return rental.Rental{}, apperr.InvalidStateTransition(string(r.State), string(to))
	}

	from := r.State
	now := m.now()
	r.State = to
	r.UpdatedAt = now

	if to == rental.StateActive {
		r.ActualStart = &now
	}

	if !to.Terminal() {
		if err := m.store.Save(ctx, r); err != nil {
			return rental.Rental{}, apperr.Wrap(apperr.KindStorage, "save rental transition", err)
		}
		metrics.RecordRentalTransition(string(from), string(to))
		return r, nil
	}

	r.ActualEnd = &now
	archived := rental.Archived{Rental: r, StopReason: stopReason, StoppedAt: now}
	if err := m.store.ArchiveTerminate(ctx, archived); err != nil {
		return rental.Rental{}, apperr.Wrap(apperr.KindStorage, "archive terminated rental", err)
	}
	metrics.RecordRentalTransition(string(from), string(to))
	return r, nil
}
