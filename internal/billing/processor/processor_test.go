package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/one-covenant/basilica-sub001/internal/billing/eventstore"
	"github.com/one-covenant/basilica-sub001/internal/credit"
	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/domain/billing"
	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
	"github.com/one-covenant/basilica-sub001/internal/domain/rental"
	"github.com/one-covenant/basilica-sub001/internal/rentalfsm"
	"github.com/one-covenant/basilica-sub001/internal/telemetry"
)

type fakeEventStore struct {
	mu     sync.Mutex
	events map[string]billing.UsageEvent
}

func newFakeEventStore(events ...billing.UsageEvent) *fakeEventStore {
	s := &fakeEventStore{events: map[string]billing.UsageEvent{}}
	for _, e := range events {
		s.events[e.ID] = e
	}
	return s
}

func (s *fakeEventStore) Append(_ context.Context, e billing.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
	return nil
}
func (s *fakeEventStore) AppendBatch(ctx context.Context, events []billing.UsageEvent) error {
	for _, e := range events {
		s.Append(ctx, e)
	}
	return nil
}
func (s *fakeEventStore) ClaimUnprocessed(_ context.Context, batchSize int, _ string) ([]billing.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []billing.UsageEvent
	for _, e := range s.events {
		if len(out) >= batchSize {
			break
		}
		if !e.Processed {
			out = append(out, e)
		}
	}
	return out, nil
}
func (s *fakeEventStore) Complete(_ context.Context, batchID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		e := s.events[id]
		e.Processed = true
		bid := batchID
		e.BatchID = &bid
		s.events[id] = e
	}
	return nil
}
func (s *fakeEventStore) Abort(context.Context, string) error { return nil }
func (s *fakeEventStore) ArchiveOlderThan(context.Context, time.Time) (int, error) { return 0, nil }

var _ eventstore.Store = (*fakeEventStore)(nil)

type fakeRentalStore struct {
	mu      sync.Mutex
	rentals map[string]rental.Rental
}

func newFakeRentalStore() *fakeRentalStore {
	return &fakeRentalStore{rentals: map[string]rental.Rental{}}
}
func (s *fakeRentalStore) Get(_ context.Context, id string) (rental.Rental, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rentals[id]
	if !ok {
		return rental.Rental{}, errors.New("not found")
	}
	return r, nil
}
func (s *fakeRentalStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rentals[id]
	return ok, nil
}
func (s *fakeRentalStore) Create(_ context.Context, r rental.Rental) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rentals[r.ID] = r
	return nil
}
func (s *fakeRentalStore) Save(_ context.Context, r rental.Rental) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rentals[r.ID] = r
	return nil
}

type fakePackageStore struct {
	byID     map[string]creditdomain.Package
	byModel  map[string]creditdomain.Package
}

func (s *fakePackageStore) Get(_ context.Context, id string) (creditdomain.Package, error) {
	pkg, ok := s.byID[id]
	if !ok {
		return creditdomain.Package{}, apperr.NotFound("package", id)
	}
	return pkg, nil
}
func (s *fakePackageStore) FindByGPUModel(_ context.Context, model string) (creditdomain.Package, error) {
	pkg, ok := s.byModel[model]
	if !ok {
		return creditdomain.Package{}, apperr.NotFound("package for gpu model", model)
	}
	return pkg, nil
}

type fakeBatchStore struct {
	mu      sync.Mutex
	batches map[string]billing.ProcessingBatch
}

func newFakeBatchStore() *fakeBatchStore {
	return &fakeBatchStore{batches: map[string]billing.ProcessingBatch{}}
}
func (s *fakeBatchStore) Create(_ context.Context, b billing.ProcessingBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = b
	return nil
}
func (s *fakeBatchStore) Save(_ context.Context, b billing.ProcessingBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = b
	return nil
}

type fakeBillingLog struct {
	mu     sync.Mutex
	events []billing.BillingEvent
}

func (l *fakeBillingLog) Append(_ context.Context, e billing.BillingEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

type fakeCreditStore struct {
	accounts     map[string]creditdomain.Account
	reservations map[string]creditdomain.Reservation
}

func newFakeCreditStore() *fakeCreditStore {
	return &fakeCreditStore{accounts: map[string]creditdomain.Account{}, reservations: map[string]creditdomain.Reservation{}}
}
func (s *fakeCreditStore) GetAccount(_ context.Context, userID string) (creditdomain.Account, error) {
	return s.accounts[userID], nil
}
func (s *fakeCreditStore) SaveAccount(_ context.Context, a creditdomain.Account) error {
	s.accounts[a.UserID] = a
	return nil
}
func (s *fakeCreditStore) SaveReservation(_ context.Context, r creditdomain.Reservation) error {
	s.reservations[r.ID] = r
	return nil
}
func (s *fakeCreditStore) GetReservation(_ context.Context, id string) (creditdomain.Reservation, error) {
	return s.reservations[id], nil
}

func testLogger() *telemetry.Logger { return telemetry.New("test", "error", "json") }

func TestRentalStartThenTelemetryThenRentalEnd(t *testing.T) {
	creditStore := newFakeCreditStore()
	creditStore.accounts["u1"] = creditdomain.Account{UserID: "u1", Balance: 1000}
	ledger := credit.New(creditStore)

	rentals := newFakeRentalStore()
	packages := &fakePackageStore{byID: map[string]creditdomain.Package{
		"h100": {ID: "h100", HourlyRate: 10, InclusionCapGPUHours: 0},
	}}
	batches := newFakeBatchStore()
	billingLog := &fakeBillingLog{}
	fsm := rentalfsm.New(rentals)

	startPayload, _ := json.Marshal(rentalStartPayload{UserID: "u1", ExecutorID: "e1", PackageID: "h100"})
	events := newFakeEventStore(
		billing.UsageEvent{ID: "ev-start", RentalID: "r1", Type: billing.EventRentalStart, Payload: startPayload, Timestamp: time.Now()},
	)

	p := New(events, rentals, packages, batches, billingLog, ledger, fsm, testLogger(), Config{BatchSize: 10, Interval: time.Second})
	batch, err := p.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.Status != billing.BatchCompleted {
		t.Fatalf("expected batch completed, got %v", batch.Status)
	}

	r, err := rentals.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("expected rental created: %v", err)
	}
	if r.State != rental.StateActive {
		t.Fatalf("expected active state, got %v", r.State)
	}

	telemetryPayloadBytes, _ := json.Marshal(telemetryPayload{GPUHours: 2})
	events.Append(context.Background(), billing.UsageEvent{ID: "ev-telemetry", RentalID: "r1", Type: billing.EventTelemetry, Payload: telemetryPayloadBytes, Timestamp: time.Now()})

	if _, err := p.RunBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, _ = rentals.Get(context.Background(), "r1")
	if r.ActualCost != 20 {
		t.Fatalf("expected cost 20 after 2 gpu-hours at rate 10, got %v", r.ActualCost)
	}

	endPayload, _ := json.Marshal(rentalEndPayload{ClientReportedCost: 20})
	events.Append(context.Background(), billing.UsageEvent{ID: "ev-end", RentalID: "r1", Type: billing.EventRentalEnd, Payload: endPayload, Timestamp: time.Now()})

	if _, err := p.RunBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, _ = rentals.Get(context.Background(), "r1")
	if r.State != rental.StateCompleted {
		t.Fatalf("expected completed state, got %v", r.State)
	}

	acct := creditStore.accounts["u1"]
	if acct.Balance != 980 {
		t.Fatalf("expected balance 980, got %d", acct.Balance)
	}
	if len(billingLog.events) != 2 {
		t.Fatalf("expected 2 journaled credit events (reserve + settle), got %d", len(billingLog.events))
	}
}

func TestRentalStartIsIdempotent(t *testing.T) {
	creditStore := newFakeCreditStore()
	creditStore.accounts["u1"] = creditdomain.Account{UserID: "u1", Balance: 1000}
	ledger := credit.New(creditStore)

	rentals := newFakeRentalStore()
	packages := &fakePackageStore{byID: map[string]creditdomain.Package{"h100": {ID: "h100", HourlyRate: 10}}}
	fsm := rentalfsm.New(rentals)

	startPayload, _ := json.Marshal(rentalStartPayload{UserID: "u1", PackageID: "h100"})
	events := newFakeEventStore(
		billing.UsageEvent{ID: "ev-start", RentalID: "r1", Type: billing.EventRentalStart, Payload: startPayload, Timestamp: time.Now()},
	)

	p := New(events, rentals, packages, newFakeBatchStore(), &fakeBillingLog{}, ledger, fsm, testLogger(), Config{BatchSize: 10})
	if _, err := p.RunBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events.Append(context.Background(), billing.UsageEvent{ID: "ev-start-2", RentalID: "r1", Type: billing.EventRentalStart, Payload: startPayload, Timestamp: time.Now()})
	batch, err := p.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.Status != billing.BatchCompleted {
		t.Fatalf("expected redelivered rental_start to be a no-op success, got batch status %v", batch.Status)
	}

	acct := creditStore.accounts["u1"]
	if acct.ReservedBalance != 10 {
		t.Fatalf("expected no second reservation, reserved = %d", acct.ReservedBalance)
	}
}

func TestUnknownEventTypeFailsBatchButStillMarksProcessed(t *testing.T) {
	events := newFakeEventStore(
		billing.UsageEvent{ID: "ev-bad", RentalID: "r1", Type: billing.EventType("bogus"), Timestamp: time.Now()},
	)
	rentals := newFakeRentalStore()
	p := New(events, rentals, &fakePackageStore{}, newFakeBatchStore(), &fakeBillingLog{}, credit.New(newFakeCreditStore()), rentalfsm.New(rentals), testLogger(), Config{BatchSize: 10})

	batch, err := p.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.Status != billing.BatchFailed {
		t.Fatalf("expected batch marked failed, got %v", batch.Status)
	}
	if !events.events["ev-bad"].Processed {
		t.Fatalf("expected failed event still marked processed so it is not retried forever")
	}
}
