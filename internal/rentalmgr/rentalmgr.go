// Package rentalmgr implements start_rental/stop_rental/list_rentals/
// stream_rental_logs: the user-facing half of the rental lifecycle that
// sits in front of internal/rentalfsm. Credit arithmetic is delegated
// to internal/credit; container lifecycle to a Backend the validator
// binary wires to the attested executor inventory.
package rentalmgr

import (
	"context"
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/one-covenant/basilica-sub001/internal/credit"
	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
	"github.com/one-covenant/basilica-sub001/internal/domain/executor"
	"github.com/one-covenant/basilica-sub001/internal/domain/rental"
	"github.com/one-covenant/basilica-sub001/internal/rentalfsm"
	"github.com/one-covenant/basilica-sub001/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// Requirements is the requirements-based executor selection filter from
// start_rental step 2.
type Requirements struct {
	MinGPUMemoryMB int64
	GPUModel       string
	MinGPUCount    int
	Location       string
}

// StartRequest is the validated input to Start.
type StartRequest struct {
	UserID           string
	ExecutorID       string // optional; takes precedence over Requirements
	Requirements     *Requirements
	ContainerImage   string
	SSHPublicKey     string
	MaxDurationHours int
	PackageID        string
}

// LogEvent is one line of a streamed rental log.
type LogEvent struct {
	Timestamp time.Time
	Stream    string // stdout | stderr | error
	Message   string
}

// BackendStartResult is what the validator-side backend returns after
// provisioning a container.
type BackendStartResult struct {
	RentalID string
	SSH      *rental.SSHCredentials
}

// Backend is the container-lifecycle capability the manager drives;
// the real implementation talks gRPC to the executor's agent.
type Backend interface {
	StartContainer(ctx context.Context, executorID, containerImage, sshPublicKey string) (BackendStartResult, error)
	TerminateContainer(ctx context.Context, rentalID string) error
	StreamLogs(ctx context.Context, rentalID string) (<-chan LogEvent, error)
}

// ExecutorFinder resolves executors by id or by requirements; backed by
// the same store the Verification Engine and Scheduler use.
type ExecutorFinder interface {
	Get(ctx context.Context, id string) (executor.Executor, error)
	FindAvailable(ctx context.Context, req Requirements) ([]executor.Executor, error)
}

// PackageLookup resolves a billing package by id.
type PackageLookup interface {
	Get(ctx context.Context, id string) (creditdomain.Package, error)
}

// Store is the ownership-row persistence the manager needs, a superset
// of rentalfsm.Store with the queries start_rental/list_rentals need.
type Store interface {
	rentalfsm.Store
	Create(ctx context.Context, r rental.Rental) error
	ListByUser(ctx context.Context, userID string) ([]rental.Rental, error)
}

// Manager orchestrates start/stop/stream/list against a Backend, a
// credit Ledger, and the ownership Store, validating ownership on every
// per-rental operation.
type Manager struct {
	execs    ExecutorFinder
	packages PackageLookup
	backend  Backend
	ledger   *credit.Ledger
	store    Store
	fsm      *rentalfsm.Machine
	log      *telemetry.Logger
	now      func() time.Time
}

// New builds a Manager.
func New(execs ExecutorFinder, packages PackageLookup, backend Backend, ledger *credit.Ledger, store Store, log *telemetry.Logger) *Manager {
	return &Manager{
		execs:    execs,
		packages: packages,
		backend:  backend,
		ledger:   ledger,
		store:    store,
		fsm:      rentalfsm.New(store),
		log:      log,
		now:      time.Now,
	}
}

var containerImagePattern = regexp.MustCompile(`^[a-z0-9]+((\.|_|__|-+)[a-z0-9]+)*(/[a-z0-9]+((\.|_|__|-+)[a-z0-9]+)*)*(:[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127})?(@[a-zA-Z0-9]+:[a-fA-F0-9]{32,})?$`)

func validateSSHPublicKey(key string) error {
	if !strings.HasPrefix(key, "ssh-") {
		return apperr.New(apperr.KindValidation, "ssh public key must start with \"ssh-\"")
	}
	if len(strings.Fields(key)) < 2 {
		return apperr.New(apperr.KindValidation, "ssh public key must have at least a type and a key body")
	}
	return nil
}

func validateContainerImage(image string) error {
	if image == "" || !containerImagePattern.MatchString(image) {
		return apperr.Newf(apperr.KindValidation, "invalid container image reference %q", image)
	}
	return nil
}

// Start implements start_rental.
func (m *Manager) Start(ctx context.Context, req StartRequest) (rental.Rental, error) {
	if err := validateSSHPublicKey(req.SSHPublicKey); err != nil {
		return rental.Rental{}, err
	}
	if err := validateContainerImage(req.ContainerImage); err != nil {
		return rental.Rental{}, err
	}
	maxDuration := req.MaxDurationHours
	if maxDuration <= 0 {
		maxDuration = 24
	}

	ex, err := m.resolveExecutor(ctx, req)
	if err != nil {
		return rental.Rental{}, err
	}

	pkg, err := m.packages.Get(ctx, req.PackageID)
	if err != nil {
		return rental.Rental{}, apperr.Wrap(apperr.KindNotFound, "billing package", err)
	}
	estimated := pkg.EstimateReservation(maxDuration)

	reservation, err := m.ledger.Reserve(ctx, req.UserID, "", estimated)
	if err != nil {
		return rental.Rental{}, err
	}

	started, err := m.backend.StartContainer(ctx, ex.ID, req.ContainerImage, req.SSHPublicKey)
	if err != nil {
		_ = m.ledger.Release(ctx, reservation.ID)
		return rental.Rental{}, apperr.Wrap(apperr.KindBackend, "start container", err)
	}

	now := m.now()
	r := rental.Rental{
		ID:             started.RentalID,
		UserID:         req.UserID,
		ExecutorID:     ex.ID,
		MinerID:        executor.ID(ex.MinerUID, ex.LocalID),
		ContainerImage: req.ContainerImage,
		State:          rental.StatePending,
		StartedAt:      now,
		SSHCredentials: started.SSH,
		PackageID:      req.PackageID,
		ReservationID:  reservation.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := m.store.Create(ctx, r); err != nil {
		m.compensate(ctx, started.RentalID, reservation.ID, err)
		return rental.Rental{}, apperr.Wrap(apperr.KindStorage, "persist rental ownership", err)
	}

	active, err := m.fsm.Transition(ctx, r.ID, rental.StateActive, "")
	if err != nil {
		m.compensate(ctx, started.RentalID, reservation.ID, err)
		return rental.Rental{}, err
	}
	return active, nil
}

// compensate issues a best-effort terminate_rental and releases the
// reservation after a partial start_rental failure. A compensation
// failure is logged CRITICAL and the original error still surfaces to
// the caller: the user must never be left paying for an untracked
// rental, so we record the stuck state for an operator rather than
// hide it.
func (m *Manager) compensate(ctx context.Context, backendRentalID, reservationID string, cause error) {
	fields := logrus.Fields{"rental_id": backendRentalID, "reservation_id": reservationID, "cause": cause.Error()}
	if err := m.backend.TerminateContainer(ctx, backendRentalID); err != nil {
		m.log.LogCritical(ctx, "compensating terminate_rental failed after start_rental ownership write error; manual cleanup required", err, fields)
		return
	}
	if err := m.ledger.Release(ctx, reservationID); err != nil {
		m.log.LogCritical(ctx, "failed to release reservation during start_rental rollback; manual cleanup required", err, fields)
	}
}

func (m *Manager) resolveExecutor(ctx context.Context, req StartRequest) (executor.Executor, error) {
	if req.ExecutorID != "" {
		return m.execs.Get(ctx, req.ExecutorID)
	}
	if req.Requirements == nil {
		return executor.Executor{}, apperr.New(apperr.KindValidation, "either executor_id or requirements must be set")
	}
	candidates, err := m.execs.FindAvailable(ctx, *req.Requirements)
	if err != nil {
		return executor.Executor{}, apperr.Wrap(apperr.KindStorage, "find available executors", err)
	}
	if len(candidates) == 0 {
		return executor.Executor{}, apperr.NotFound("executor matching requirements", "")
	}
	return candidates[pickUniform(len(candidates))], nil
}

// pickUniform returns a uniformly random index in [0, n) seeded from
// crypto/rand, never math/rand's unseeded default source, since
// executor selection spreads load across real infrastructure rather
// than producing test fixtures.
func pickUniform(n int) int {
	if n == 1 {
		return 0
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(idx.Int64())
}

// Stop implements stop_rental. Calling it twice is idempotent: the
// second call observes a terminal state and returns it without a
// second archive or a second deduction.
func (m *Manager) Stop(ctx context.Context, rentalID, userID string) (rental.Rental, error) {
	r, err := m.ownedRental(ctx, rentalID, userID)
	if err != nil {
		return rental.Rental{}, err
	}
	if r.State.Terminal() {
		return r, nil
	}

	if err := m.backend.TerminateContainer(ctx, rentalID); err != nil {
		return rental.Rental{}, apperr.Wrap(apperr.KindBackend, "terminate container", err)
	}

	actualCost := int64(r.ActualCost + 0.5)
	if err := m.ledger.Settle(ctx, r.ReservationID, actualCost); err != nil {
		return rental.Rental{}, err
	}

	return m.fsm.Transition(ctx, rentalID, rental.StateCompleted, "user requested stop")
}

// StreamLogs implements stream_rental_logs: a passthrough of the
// backend's event channel, bounded by ctx, after an ownership check.
func (m *Manager) StreamLogs(ctx context.Context, rentalID, userID string) (<-chan LogEvent, error) {
	if _, err := m.ownedRental(ctx, rentalID, userID); err != nil {
		return nil, err
	}
	return m.backend.StreamLogs(ctx, rentalID)
}

// List implements list_rentals: the user's ownership rows; callers read
// has_ssh off each row via Rental.HasSSH.
func (m *Manager) List(ctx context.Context, userID string) ([]rental.Rental, error) {
	rentals, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "list rentals", err)
	}
	return rentals, nil
}

// ownedRental loads rentalID and confirms it belongs to userID. A
// missing row and a row owned by someone else return the identical
// NotFound error so a caller can't distinguish "doesn't exist" from
// "isn't yours".
func (m *Manager) ownedRental(ctx context.Context, rentalID, userID string) (rental.Rental, error) {
	r, err := m.store.Get(ctx, rentalID)
	if err != nil {
		return rental.Rental{}, apperr.NotFound("rental", rentalID)
	}
	if r.UserID != userID {
		return rental.Rental{}, apperr.NotFound("rental", rentalID)
	}
	return r, nil
}

