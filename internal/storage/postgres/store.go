// Package postgres implements every repository interface the control
// plane's components declare locally, backed by PostgreSQL via
// database/sql and github.com/lib/pq, in the same single-Store-struct
// style as internal/app/storage/postgres: one *sql.DB handle, methods
// split across one file per aggregate, raw SQL with $n placeholders.
//
// Go doesn't allow two methods of the same name and different
// signature on one type, and several consumer interfaces each declare
// their own "Get"/"Create"/"Save"/"Append" — so, exactly as in
// storage/memory, the aggregate methods below carry unique names
// (GetExecutor, GetRental, GetPackage, ...) and the small view types in
// views.go rename each consumer's slice back to the bare method names
// its interface expects.
package postgres

import (
	"database/sql"
)

// Store implements the control plane's repository interfaces backed by
// PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided database handle. The caller
// owns db's lifecycle (open/close, connection pool tuning).
func New(db *sql.DB) *Store {
	return &Store{db: db}
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
