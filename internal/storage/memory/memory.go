// Package memory implements every repository interface the control
// plane's components declare locally (verification.ExecutorStore,
// scheduler.ExecutorLister, rentalmgr.Store, credit.Store,
// billing/eventstore.Store, billing/processor's store ports) against
// plain Go maps guarded by one mutex per aggregate. It is the default
// backend for tests and for running the validator binary without a
// database, mirroring the role internal/app/storage's in-memory
// fixtures play for the teacher's own test suite.
package memory

import (
	"context"
	"sync"

	"github.com/one-covenant/basilica-sub001/internal/domain/billing"
	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
	"github.com/one-covenant/basilica-sub001/internal/domain/executor"
	"github.com/one-covenant/basilica-sub001/internal/domain/rental"
	verifdomain "github.com/one-covenant/basilica-sub001/internal/domain/verification"
)

// Store aggregates every in-memory table the control plane needs. A
// single instance is shared by every component at wiring time; each
// component only sees the narrow interface it declared locally.
type Store struct {
	execMu    sync.RWMutex
	executors map[string]executor.Executor

	verifMu             sync.Mutex
	verificationResults []verifdomain.Result

	rentalMu sync.RWMutex
	rentals  map[string]rental.Rental
	archived []rental.Archived

	creditMu     sync.Mutex
	accounts     map[string]creditdomain.Account
	reservations map[string]creditdomain.Reservation

	packageMu sync.RWMutex
	packages  map[string]creditdomain.Package

	eventMu      sync.Mutex
	usageEvents  map[string]billing.UsageEvent
	usageArchive []billing.UsageEvent
	claims       map[string]string // event id -> batch id holding the claim

	batchMu sync.Mutex
	batches map[string]billing.ProcessingBatch

	billingMu     sync.Mutex
	billingEvents []billing.BillingEvent
}

// New builds an empty Store with all tables initialized.
func New() *Store {
	return &Store{
		executors:    map[string]executor.Executor{},
		rentals:      map[string]rental.Rental{},
		accounts:     map[string]creditdomain.Account{},
		reservations: map[string]creditdomain.Reservation{},
		packages:     map[string]creditdomain.Package{},
		usageEvents:  map[string]billing.UsageEvent{},
		claims:       map[string]string{},
		batches:      map[string]billing.ProcessingBatch{},
	}
}

// SeedPackage registers a billing package, for wiring fixed pricing
// tiers at startup (there is no create_package operation in the
// external API).
func (s *Store) SeedPackage(pkg creditdomain.Package) {
	s.packageMu.Lock()
	defer s.packageMu.Unlock()
	s.packages[pkg.ID] = pkg
}

// UpsertPackage satisfies billing/catalog.Seeder, so a YAML package
// catalog can seed this store the same way it seeds postgres.
func (s *Store) UpsertPackage(_ context.Context, pkg creditdomain.Package) error {
	s.SeedPackage(pkg)
	return nil
}

// SeedAccount registers a credit account, for wiring an initial
// balance at startup or in tests.
func (s *Store) SeedAccount(account creditdomain.Account) {
	s.creditMu.Lock()
	defer s.creditMu.Unlock()
	s.accounts[account.UserID] = account
}

// Executors returns the view satisfying verification.ExecutorStore,
// scheduler.ExecutorLister and rentalmgr.ExecutorFinder.
func (s *Store) Executors() Executors { return Executors{s} }

// Rentals returns the view satisfying rentalfsm.Store, rentalmgr.Store
// and billing/processor.RentalStore.
func (s *Store) Rentals() Rentals { return Rentals{s} }

// Packages returns the view satisfying billing/processor.PackageStore
// and rentalmgr.PackageLookup.
func (s *Store) Packages() Packages { return Packages{s} }

// Events returns the view satisfying billing/eventstore.Store.
func (s *Store) Events() Events { return Events{s} }

// Batches returns the view satisfying billing/processor.BatchStore.
func (s *Store) Batches() Batches { return Batches{s} }

// BillingLog returns the view satisfying billing/processor.BillingLog.
func (s *Store) BillingLog() BillingLog { return BillingLog{s} }

// Credit returns the view satisfying credit.Store.
func (s *Store) Credit() Credit { return Credit{s} }
