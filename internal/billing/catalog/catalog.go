// Package catalog loads a YAML-defined set of billing packages and
// seeds them into a repository at startup. There is no create_package
// operation exposed over the external API (4.12's packages are fixed
// pricing tiers an operator configures, not something a tenant
// creates), so file-based seeding is the only way packages ever get
// into either storage backend.
package catalog

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
)

// entry mirrors credit.Package with YAML-friendly field types:
// BillingPeriod is a duration string ("1h") rather than a
// time.Duration, and the YAML tags give the catalog file snake_case
// keys.
type entry struct {
	ID                   string  `yaml:"id"`
	Name                 string  `yaml:"name"`
	HourlyRate           float64 `yaml:"hourly_rate"`
	GPUModelMatch        string  `yaml:"gpu_model_match"`
	BillingPeriod        string  `yaml:"billing_period"`
	Priority             int     `yaml:"priority"`
	Active               bool    `yaml:"active"`
	InclusionCapGPUHours float64 `yaml:"inclusion_cap_gpu_hours"`
}

type file struct {
	Packages []entry `yaml:"packages"`
}

// Seeder is satisfied by both storage backends' package repository.
type Seeder interface {
	UpsertPackage(ctx context.Context, pkg creditdomain.Package) error
}

// Parse decodes a catalog file's contents into domain packages.
func Parse(data []byte) ([]creditdomain.Package, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse package catalog: %w", err)
	}
	packages := make([]creditdomain.Package, 0, len(f.Packages))
	for _, e := range f.Packages {
		period, err := time.ParseDuration(e.BillingPeriod)
		if err != nil {
			return nil, fmt.Errorf("package %q: invalid billing_period %q: %w", e.ID, e.BillingPeriod, err)
		}
		packages = append(packages, creditdomain.Package{
			ID:                   e.ID,
			Name:                 e.Name,
			HourlyRate:           e.HourlyRate,
			GPUModelMatch:        e.GPUModelMatch,
			BillingPeriod:        period,
			Priority:             e.Priority,
			Active:               e.Active,
			InclusionCapGPUHours: e.InclusionCapGPUHours,
		})
	}
	return packages, nil
}

// LoadFile reads and parses a catalog file from disk.
func LoadFile(path string) ([]creditdomain.Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read package catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Seed upserts every package in the catalog into seeder, stopping at
// the first error.
func Seed(ctx context.Context, seeder Seeder, packages []creditdomain.Package) error {
	for _, pkg := range packages {
		if err := seeder.UpsertPackage(ctx, pkg); err != nil {
			return fmt.Errorf("seed package %q: %w", pkg.ID, err)
		}
	}
	return nil
}
