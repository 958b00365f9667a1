// Package credit holds the CreditAccount, CreditReservation and
// Package (pricing template) aggregates, directly grounded on the
// gas-bank balance/reservation model.
package credit

import (
	"time"

	"github.com/one-covenant/basilica-sub001/internal/domain/rental"
)

// Account tracks one user's credit balance. Invariants: Balance >= 0,
// ReservedBalance <= Balance, and reservations plus deductions never
// exceed the historical total added.
type Account struct {
	UserID          string
	Balance         int64 // smallest billable unit (e.g. milli-credits)
	ReservedBalance int64
	LifetimeSpent   int64
	LifetimeAdded   int64
	UpdatedAt       time.Time
}

// Available returns the balance not already held by a reservation.
func (a Account) Available() int64 {
	return a.Balance - a.ReservedBalance
}

// ReservationStatus is a CreditReservation's lifecycle state.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
)

// Reservation is a hold against a user's balance representing the
// maximum a rental may spend, created on rental start and released on
// rental end or expiry.
type Reservation struct {
	ID         string
	UserID     string
	RentalID   string
	Amount     int64
	Status     ReservationStatus
	ReservedAt time.Time
	ExpiresAt  time.Time
	ReleasedAt *time.Time
}

// Package is a pricing template keyed by GPU model, mapping usage
// metrics to cost. Priority breaks ties when multiple packages match
// an executor's GPU model string.
type Package struct {
	ID            string
	Name          string
	HourlyRate    float64
	GPUModelMatch string
	BillingPeriod time.Duration
	Priority      int
	Active        bool

	// InclusionCapGPUHours is the usage threshold below which only the
	// flat hourly rate is charged (no proration down to zero).
	InclusionCapGPUHours float64
}

// CalculateCost prices a rental's accumulated usage against this
// package's hourly GPU rate. Usage at or below the inclusion cap is
// charged the flat base rate; above it, cost scales with GPU-hours.
func (p Package) CalculateCost(usage rental.UsageMetrics) float64 {
	if usage.GPUHours <= p.InclusionCapGPUHours {
		return p.HourlyRate
	}
	return p.HourlyRate * usage.GPUHours
}

// Matches reports whether this package's GPU model pattern matches the
// given model string. Matching is a simple case-insensitive substring
// test, consistent with the GPU model strings reported by attestation.
func (p Package) Matches(gpuModel string) bool {
	if p.GPUModelMatch == "" {
		return false
	}
	return containsFold(gpuModel, p.GPUModelMatch)
}

// EstimateReservation returns the amount to reserve for a rental
// expected to run for maxDurationHours at this package's hourly rate.
func (p Package) EstimateReservation(maxDurationHours int) int64 {
	return int64(p.HourlyRate * float64(maxDurationHours))
}

func containsFold(s, substr string) bool {
	sl, subl := len(s), len(substr)
	if subl == 0 || subl > sl {
		return false
	}
	lower := func(b byte) byte {
		if b >= 'A' && b <= 'Z' {
			return b + ('a' - 'A')
		}
		return b
	}
	for i := 0; i+subl <= sl; i++ {
		match := true
		for j := 0; j < subl; j++ {
			if lower(s[i+j]) != lower(substr[j]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
