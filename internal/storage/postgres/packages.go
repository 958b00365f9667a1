package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
)

// GetPackage backs the Packages view's Get method.
func (s *Store) GetPackage(ctx context.Context, id string) (creditdomain.Package, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, hourly_rate, gpu_model_match, billing_period_seconds,
		       priority, active, inclusion_cap_gpu_hours
		FROM billing_packages
		WHERE id = $1
	`, id)
	pkg, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return creditdomain.Package{}, apperr.NotFound("package", id)
	}
	if err != nil {
		return creditdomain.Package{}, apperr.Wrap(apperr.KindStorage, "get package", err)
	}
	return pkg, nil
}

// FindByGPUModel satisfies billing/processor.PackageStore: the active
// package whose gpu_model_match pattern matches model, highest
// priority first. Matching is done in Go via Package.Matches, since
// the pattern is a case-insensitive substring test rather than SQL
// LIKE semantics.
func (s *Store) FindByGPUModel(ctx context.Context, model string) (creditdomain.Package, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, hourly_rate, gpu_model_match, billing_period_seconds,
		       priority, active, inclusion_cap_gpu_hours
		FROM billing_packages
		WHERE active = true
		ORDER BY priority DESC
	`)
	if err != nil {
		return creditdomain.Package{}, apperr.Wrap(apperr.KindStorage, "find package for gpu model", err)
	}
	defer rows.Close()

	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return creditdomain.Package{}, apperr.Wrap(apperr.KindStorage, "scan package", err)
		}
		if pkg.Matches(model) {
			return pkg, nil
		}
	}
	if err := rows.Err(); err != nil {
		return creditdomain.Package{}, apperr.Wrap(apperr.KindStorage, "find package for gpu model", err)
	}
	return creditdomain.Package{}, apperr.NotFound("package for gpu model", model)
}

// UpsertPackage satisfies billing/catalog.Seeder, so a YAML package
// catalog can seed this table at startup.
func (s *Store) UpsertPackage(ctx context.Context, pkg creditdomain.Package) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_packages
			(id, name, hourly_rate, gpu_model_match, billing_period_seconds, priority, active, inclusion_cap_gpu_hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			hourly_rate = EXCLUDED.hourly_rate,
			gpu_model_match = EXCLUDED.gpu_model_match,
			billing_period_seconds = EXCLUDED.billing_period_seconds,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active,
			inclusion_cap_gpu_hours = EXCLUDED.inclusion_cap_gpu_hours
	`, pkg.ID, pkg.Name, pkg.HourlyRate, pkg.GPUModelMatch, int64(pkg.BillingPeriod/time.Second),
		pkg.Priority, pkg.Active, pkg.InclusionCapGPUHours)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "upsert package", err)
	}
	return nil
}

func scanPackage(row scannable) (creditdomain.Package, error) {
	var (
		pkg               creditdomain.Package
		billingPeriodSecs int64
	)
	if err := row.Scan(&pkg.ID, &pkg.Name, &pkg.HourlyRate, &pkg.GPUModelMatch, &billingPeriodSecs,
		&pkg.Priority, &pkg.Active, &pkg.InclusionCapGPUHours); err != nil {
		return creditdomain.Package{}, err
	}
	pkg.BillingPeriod = secondsToDuration(billingPeriodSecs)
	return pkg, nil
}
