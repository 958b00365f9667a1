package catalog

import (
	"context"
	"testing"
	"time"

	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
)

type fakeSeeder struct {
	seeded []creditdomain.Package
	failID string
}

func (f *fakeSeeder) UpsertPackage(_ context.Context, pkg creditdomain.Package) error {
	if pkg.ID == f.failID {
		return errTest
	}
	f.seeded = append(f.seeded, pkg)
	return nil
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errTest = testErr("seed failed")

func TestParseDecodesCatalog(t *testing.T) {
	data := []byte(`
packages:
  - id: h100-standard
    name: H100 Standard
    hourly_rate: 4.5
    gpu_model_match: H100
    billing_period: 1h
    priority: 5
    active: true
    inclusion_cap_gpu_hours: 10
  - id: a100-budget
    name: A100 Budget
    hourly_rate: 2.25
    gpu_model_match: A100
    billing_period: 1h
    priority: 1
    active: true
`)
	packages, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packages) != 2 {
		t.Fatalf("expected 2 packages, got %d", len(packages))
	}
	if packages[0].ID != "h100-standard" || packages[0].BillingPeriod != time.Hour {
		t.Fatalf("unexpected first package: %+v", packages[0])
	}
	if packages[1].InclusionCapGPUHours != 0 {
		t.Fatalf("expected zero-value cap for omitted field, got %v", packages[1].InclusionCapGPUHours)
	}
}

func TestParseRejectsInvalidBillingPeriod(t *testing.T) {
	data := []byte(`
packages:
  - id: bad
    billing_period: "not-a-duration"
`)
	if _, err := Parse(data); err == nil {
		t.Fatalf("expected error for invalid billing_period")
	}
}

func TestSeedUpsertsEveryPackageAndStopsOnError(t *testing.T) {
	seeder := &fakeSeeder{failID: "b"}
	packages := []creditdomain.Package{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	err := Seed(context.Background(), seeder, packages)
	if err == nil {
		t.Fatalf("expected error from failing package")
	}
	if len(seeder.seeded) != 1 || seeder.seeded[0].ID != "a" {
		t.Fatalf("expected only package 'a' seeded before the failure, got %+v", seeder.seeded)
	}
}
