package memory

import (
	"context"
	"testing"
	"time"

	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
	"github.com/one-covenant/basilica-sub001/internal/domain/executor"
	"github.com/one-covenant/basilica-sub001/internal/domain/rental"
	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
)

func TestExecutorsViewSatisfiesLookupAndUpdate(t *testing.T) {
	s := New()
	s.UpsertExecutor(executor.Executor{ID: "miner1__e1", Status: executor.StatusPending})

	execs := s.Executors()
	ex, err := execs.Get(context.Background(), "miner1__e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.Status != executor.StatusPending {
		t.Fatalf("expected pending status, got %v", ex.Status)
	}

	now := time.Now()
	if err := execs.UpdateVerification(context.Background(), "miner1__e1", executor.StatusVerified, 0.9, 0, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ex, _ = execs.Get(context.Background(), "miner1__e1")
	if ex.Status != executor.StatusVerified || ex.LastScore != 0.9 {
		t.Fatalf("expected verified status and score 0.9, got %+v", ex)
	}
}

func TestExecutorsGetMissingIsNotFound(t *testing.T) {
	s := New()
	_, err := s.Executors().Get(context.Background(), "nope")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRentalsViewCreateGetSaveArchive(t *testing.T) {
	s := New()
	rentals := s.Rentals()

	r := rental.Rental{ID: "r1", UserID: "u1", State: rental.StatePending}
	if err := rentals.Create(context.Background(), r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := rentals.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != rental.StatePending {
		t.Fatalf("expected pending, got %v", got.State)
	}

	got.State = rental.StateActive
	if err := rentals.Save(context.Background(), got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exists, err := rentals.Exists(context.Background(), "r1")
	if err != nil || !exists {
		t.Fatalf("expected rental to exist, err=%v exists=%v", err, exists)
	}

	archived := rental.Archived{Rental: got, StopReason: "done", StoppedAt: time.Now()}
	if err := rentals.ArchiveTerminate(context.Background(), archived); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := rentals.Get(context.Background(), "r1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected rental removed from active table after archive, got %v", err)
	}

	history, err := s.ArchivedByUser(context.Background(), "u1")
	if err != nil || len(history) != 1 {
		t.Fatalf("expected 1 archived rental for user, got %d (err=%v)", len(history), err)
	}
}

func TestPackagesViewFindByGPUModelPrefersHighestPriority(t *testing.T) {
	s := New()
	s.SeedPackage(creditdomain.Package{ID: "low", GPUModelMatch: "H100", Priority: 1, Active: true, HourlyRate: 5})
	s.SeedPackage(creditdomain.Package{ID: "high", GPUModelMatch: "H100", Priority: 10, Active: true, HourlyRate: 10})

	pkg, err := s.Packages().FindByGPUModel(context.Background(), "NVIDIA H100 80GB")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkg.ID != "high" {
		t.Fatalf("expected highest-priority package to win, got %s", pkg.ID)
	}
}

func TestUpsertPackageSatisfiesCatalogSeeder(t *testing.T) {
	s := New()
	pkg := creditdomain.Package{ID: "h100-standard", GPUModelMatch: "H100", Priority: 1, Active: true, HourlyRate: 4.5}
	if err := s.UpsertPackage(context.Background(), pkg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.Packages().Get(context.Background(), "h100-standard")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.HourlyRate != 4.5 {
		t.Fatalf("expected hourly rate 4.5, got %v", got.HourlyRate)
	}
}

func TestCreditViewRoundTrip(t *testing.T) {
	s := New()
	c := s.Credit()
	if err := c.SaveAccount(context.Background(), creditdomain.Account{UserID: "u1", Balance: 500}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	acct, err := c.GetAccount(context.Background(), "u1")
	if err != nil || acct.Balance != 500 {
		t.Fatalf("expected balance 500, got %+v (err=%v)", acct, err)
	}
}
