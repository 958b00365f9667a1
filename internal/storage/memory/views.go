package memory

import (
	"context"

	"github.com/one-covenant/basilica-sub001/internal/domain/billing"
	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
	"github.com/one-covenant/basilica-sub001/internal/domain/executor"
	"github.com/one-covenant/basilica-sub001/internal/domain/rental"
)

// Every consumer package declares its own narrow repository interface
// rather than depending on one storage.Store type (see the "polymorphic
// repositories" note in the design doc), so the concrete method names
// this Store exposes can't all be literally "Get" or "Create" — a
// single Go type can't carry two methods with the same name and
// different signatures. The small view types below are typed windows
// onto the same underlying Store, each renaming its slice of aggregate
// methods back to the bare names its one consumer interface expects.
// cmd/ wiring passes one view per constructor argument; every view
// shares the same locks and maps, so there is exactly one source of
// truth regardless of how many views are handed out.

// Executors is the view verification.ExecutorStore, scheduler.ExecutorLister
// and rentalmgr.ExecutorFinder are all satisfied by.
type Executors struct{ *Store }

func (v Executors) Get(ctx context.Context, id string) (executor.Executor, error) {
	return v.Store.GetExecutor(ctx, id)
}

// Rentals is the view rentalfsm.Store, rentalmgr.Store and
// billing/processor.RentalStore are all satisfied by.
type Rentals struct{ *Store }

func (v Rentals) Get(ctx context.Context, id string) (rental.Rental, error) {
	return v.Store.GetRental(ctx, id)
}
func (v Rentals) Save(ctx context.Context, r rental.Rental) error {
	return v.Store.SaveRental(ctx, r)
}
func (v Rentals) Create(ctx context.Context, r rental.Rental) error {
	return v.Store.CreateRental(ctx, r)
}

// Packages is the view billing/processor.PackageStore and
// rentalmgr.PackageLookup are both satisfied by.
type Packages struct{ *Store }

func (v Packages) Get(ctx context.Context, id string) (creditdomain.Package, error) {
	return v.Store.GetPackage(ctx, id)
}

// Events is the view billing/eventstore.Store is satisfied by.
type Events struct{ *Store }

func (v Events) Append(ctx context.Context, event billing.UsageEvent) error {
	return v.Store.AppendUsageEvent(ctx, event)
}
func (v Events) AppendBatch(ctx context.Context, events []billing.UsageEvent) error {
	return v.Store.AppendUsageEventBatch(ctx, events)
}

// Batches is the view billing/processor.BatchStore is satisfied by.
type Batches struct{ *Store }

func (v Batches) Create(ctx context.Context, batch billing.ProcessingBatch) error {
	return v.Store.CreateBatch(ctx, batch)
}
func (v Batches) Save(ctx context.Context, batch billing.ProcessingBatch) error {
	return v.Store.SaveBatch(ctx, batch)
}

// BillingLog is the view billing/processor.BillingLog is satisfied by.
type BillingLog struct{ *Store }

func (v BillingLog) Append(ctx context.Context, event billing.BillingEvent) error {
	return v.Store.AppendBillingEvent(ctx, event)
}

// Credit is the view credit.Store is satisfied by. GetAccount,
// SaveAccount, SaveReservation and GetReservation are all unique method
// names on Store already, so this view needs no renaming methods of
// its own; it exists only so wiring code has one consistent
// store.Credit()-shaped accessor alongside the other views.
type Credit struct{ *Store }
