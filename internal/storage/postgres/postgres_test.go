package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/domain/billing"
	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
	"github.com/one-covenant/basilica-sub001/internal/domain/rental"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestGetExecutorNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id, miner_uid, local_id, grpc_endpoint, location, hardware`).
		WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := s.Executors().Get(context.Background(), "exec-1")
	require.Error(t, err)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveTerminateCommitsBothStatements(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	r := rental.Rental{
		ID:        "rental-1",
		UserID:    "user-1",
		State:     rental.StateCompleted,
		CreatedAt: now,
		UpdatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO terminated_rentals`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM rentals WHERE id = \$1`).WithArgs("rental-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Rentals().ArchiveTerminate(context.Background(), rental.Archived{
		Rental:     r,
		StopReason: "user_requested",
		StoppedAt:  now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveTerminateRollsBackOnInsertFailure(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	r := rental.Rental{ID: "rental-2", UserID: "user-1", State: rental.StateCompleted, CreatedAt: now, UpdatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO terminated_rentals`).WillReturnError(assertErr)
	mock.ExpectRollback()

	err := s.Rentals().ArchiveTerminate(context.Background(), rental.Archived{Rental: r, StopReason: "error", StoppedAt: now})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimUnprocessedTagsAndCommits(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, rental_id, executor_id, type, payload, timestamp, processed, batch_id`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "rental_id", "executor_id", "type", "payload", "timestamp", "processed", "batch_id"}).
			AddRow("evt-1", "rental-1", "exec-1", string(billing.EventTelemetry), []byte(`{}`), now, false, nil))
	mock.ExpectExec(`UPDATE usage_events SET batch_id = \$2`).WithArgs(sqlmock.AnyArg(), "batch-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	events, err := s.Events().ClaimUnprocessed(context.Background(), 10, "batch-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "evt-1", events[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteNoopOnEmptyIDs(t *testing.T) {
	s, _ := newMockStore(t)
	err := s.Events().Complete(context.Background(), "batch-1", nil)
	require.NoError(t, err)
}

type staticError string

func (e staticError) Error() string { return string(e) }

const assertErr = staticError("mock insert failure")

func TestUpsertPackageIssuesOnConflictUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	pkg := creditdomain.Package{
		ID:            "h100-standard",
		Name:          "H100 Standard",
		HourlyRate:    4.5,
		GPUModelMatch: "H100",
		BillingPeriod: time.Hour,
		Priority:      5,
		Active:        true,
	}

	mock.ExpectExec(`INSERT INTO billing_packages`).
		WithArgs(pkg.ID, pkg.Name, pkg.HourlyRate, pkg.GPUModelMatch, int64(3600), pkg.Priority, pkg.Active, pkg.InclusionCapGPUHours).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertPackage(context.Background(), pkg)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
