// Package processor implements the Billing Processor: a periodic loop
// that claims a batch of usage events and dispatches each to a
// type-specific handler, following the same ticker-loop-plus-stop-
// channel shape as internal/scheduler, which in turn is grounded on
// services/automation/automation_service.go.
package processor

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/one-covenant/basilica-sub001/internal/billing/eventstore"
	"github.com/one-covenant/basilica-sub001/internal/credit"
	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/domain/billing"
	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
	"github.com/one-covenant/basilica-sub001/internal/domain/rental"
	"github.com/one-covenant/basilica-sub001/internal/metrics"
	"github.com/one-covenant/basilica-sub001/internal/rentalfsm"
	"github.com/one-covenant/basilica-sub001/internal/telemetry"
)

// DefaultDiscrepancyThreshold is the cost-mismatch-log threshold named
// in 4.12's rental_end handler.
const DefaultDiscrepancyThreshold = 0.01

// FallbackPackageID is used for rental_start events that name no
// package and whose GPU model matches nothing on file.
const FallbackPackageID = "h100"

// RentalStore is the rental-row persistence the processor mutates.
type RentalStore interface {
	Get(ctx context.Context, id string) (rental.Rental, error)
	Exists(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, r rental.Rental) error
	Save(ctx context.Context, r rental.Rental) error
}

// PackageStore resolves billing packages by id or by GPU model match.
type PackageStore interface {
	Get(ctx context.Context, id string) (creditdomain.Package, error)
	FindByGPUModel(ctx context.Context, model string) (creditdomain.Package, error)
}

// BatchStore persists ProcessingBatch lifecycle rows.
type BatchStore interface {
	Create(ctx context.Context, batch billing.ProcessingBatch) error
	Save(ctx context.Context, batch billing.ProcessingBatch) error
}

// BillingLog appends the immutable credit-affecting-action audit trail.
type BillingLog interface {
	Append(ctx context.Context, event billing.BillingEvent) error
}

// Config tunes batch size, cadence, and the cost-discrepancy log
// threshold.
type Config struct {
	BatchSize            int
	Interval             time.Duration
	DiscrepancyThreshold float64
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.DiscrepancyThreshold <= 0 {
		c.DiscrepancyThreshold = DefaultDiscrepancyThreshold
	}
	return c
}

// Processor drains the usage_events table into rental/credit state.
type Processor struct {
	events   eventstore.Store
	rentals  RentalStore
	packages PackageStore
	batches  BatchStore
	billing  BillingLog
	ledger   *credit.Ledger
	fsm      *rentalfsm.Machine
	log      *telemetry.Logger
	cfg      Config
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Processor.
func New(events eventstore.Store, rentals RentalStore, packages PackageStore, batches BatchStore, billingLog BillingLog, ledger *credit.Ledger, fsm *rentalfsm.Machine, log *telemetry.Logger, cfg Config) *Processor {
	return &Processor{
		events:   events,
		rentals:  rentals,
		packages: packages,
		batches:  batches,
		billing:  billingLog,
		ledger:   ledger,
		fsm:      fsm,
		log:      log,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic batch loop; it returns immediately.
func (p *Processor) Start(ctx context.Context) {
	go p.runLoop(ctx)
}

// Stop signals the loop to exit.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Processor) runLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.RunBatch(ctx); err != nil {
				p.log.WithContext(ctx).WithError(err).Error("billing batch run failed")
			}
		}
	}
}

// RunBatch claims up to Config.BatchSize unprocessed events, dispatches
// each to its type handler, and marks the batch completed or failed.
// A handler error fails that event's contribution to the batch status
// but the event is still marked processed with the batch id, so a
// broken payload never wedges the queue; the handler itself is
// responsible for idempotency via the event id (see 4.12's handler
// idempotency note).
func (p *Processor) RunBatch(ctx context.Context) (billing.ProcessingBatch, error) {
	batchStarted := time.Now()
	batchID := uuid.New().String()
	now := p.now()
	batch := billing.ProcessingBatch{ID: batchID, Type: "usage_events", Status: billing.BatchPending, StartedAt: now}
	if err := p.batches.Create(ctx, batch); err != nil {
		return batch, apperr.Wrap(apperr.KindStorage, "create processing batch", err)
	}

	events, err := p.events.ClaimUnprocessed(ctx, p.cfg.BatchSize, batchID)
	if err != nil {
		return p.failBatch(ctx, batch, batchStarted, apperr.Wrap(apperr.KindStorage, "claim unprocessed events", err))
	}
	batch.Received = len(events)

	ids := make([]string, 0, len(events))
	anyErr := false
	for _, e := range events {
		if err := p.dispatch(ctx, e); err != nil {
			anyErr = true
			batch.Failed++
			p.log.WithContext(ctx).WithError(err).WithFields(logrus.Fields{"event_id": e.ID, "event_type": string(e.Type)}).
				Error("billing event handler failed")
		} else {
			batch.Processed++
		}
		ids = append(ids, e.ID)
	}

	if len(ids) > 0 {
		if err := p.events.Complete(ctx, batchID, ids); err != nil {
			return p.failBatch(ctx, batch, batchStarted, apperr.Wrap(apperr.KindStorage, "complete event batch", err))
		}
	}

	completed := p.now()
	batch.CompletedAt = &completed
	if anyErr {
		batch.Status = billing.BatchFailed
	} else {
		batch.Status = billing.BatchCompleted
	}
	if err := p.batches.Save(ctx, batch); err != nil {
		return batch, apperr.Wrap(apperr.KindStorage, "save processing batch", err)
	}
	metrics.RecordBillingBatch(string(batch.Status), batch.Received, time.Since(batchStarted))
	return batch, nil
}

func (p *Processor) failBatch(ctx context.Context, batch billing.ProcessingBatch, started time.Time, cause error) (billing.ProcessingBatch, error) {
	completed := p.now()
	batch.Status = billing.BatchFailed
	batch.CompletedAt = &completed
	if err := p.batches.Save(ctx, batch); err != nil {
		p.log.WithContext(ctx).WithError(err).Error("failed to record failed processing batch")
	}
	metrics.RecordBillingBatch(string(batch.Status), batch.Received, time.Since(started))
	return batch, cause
}

func (p *Processor) dispatch(ctx context.Context, e billing.UsageEvent) error {
	switch e.Type {
	case billing.EventTelemetry:
		return p.handleTelemetry(ctx, e)
	case billing.EventStatusChange:
		return p.handleStatusChange(ctx, e)
	case billing.EventCostUpdate:
		return p.handleCostUpdate(ctx, e)
	case billing.EventRentalStart:
		return p.handleRentalStart(ctx, e)
	case billing.EventRentalEnd:
		return p.handleRentalEnd(ctx, e)
	case billing.EventResourceUpdate:
		return p.handleResourceUpdate(ctx, e)
	default:
		return apperr.Newf(apperr.KindValidation, "unknown billing event type %q", e.Type)
	}
}

type telemetryPayload struct {
	CPUHours      float64 `json:"cpu_hours"`
	MemoryGBHours float64 `json:"memory_gb_hours"`
	GPUHours      float64 `json:"gpu_hours"`
	NetworkGB     float64 `json:"network_gb"`
	DiskIOGB      float64 `json:"disk_io_gb"`
}

// handleTelemetry treats the payload as the rental's latest cumulative
// usage snapshot (not a delta): re-pricing from a snapshot is
// idempotent under redelivery, where summing deltas would not be.
func (p *Processor) handleTelemetry(ctx context.Context, e billing.UsageEvent) error {
	// gjson checks the field we price on is present before paying for a
	// full strict decode; a telemetry event with no gpu_hours at all is
	// a malformed upstream payload worth a distinct log line from a
	// merely unparseable one.
	if !gjson.GetBytes(e.Payload, "gpu_hours").Exists() {
		p.log.WithContext(ctx).WithFields(logrus.Fields{"event_id": e.ID}).Debug("telemetry payload has no gpu_hours field")
	}

	var payload telemetryPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, "decode telemetry payload", err)
	}

	r, err := p.rentals.Get(ctx, e.RentalID)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, "rental for telemetry event", err)
	}
	pkg, err := p.packages.Get(ctx, r.PackageID)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, "package for telemetry event", err)
	}

	r.Usage = rental.UsageMetrics{
		CPUHours:      payload.CPUHours,
		MemoryGBHours: payload.MemoryGBHours,
		GPUHours:      payload.GPUHours,
		NetworkGB:     payload.NetworkGB,
		DiskIOGB:      payload.DiskIOGB,
	}
	r.ActualCost = pkg.CalculateCost(r.Usage)
	r.UpdatedAt = p.now()
	return p.rentals.Save(ctx, r)
}

type statusChangePayload struct {
	Status     string `json:"status"`
	StopReason string `json:"stop_reason"`
}

func (p *Processor) handleStatusChange(ctx context.Context, e billing.UsageEvent) error {
	var payload statusChangePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, "decode status_change payload", err)
	}
	target := rental.State(payload.Status)

	r, err := p.rentals.Get(ctx, e.RentalID)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, "rental for status_change event", err)
	}
	if r.State == target {
		return nil // already applied; redelivery is a no-op
	}

	if target.Terminal() {
		return p.finalizeRental(ctx, r, target, payload.StopReason)
	}

	_, err = p.fsm.Transition(ctx, e.RentalID, target, "")
	return err
}

type costUpdatePayload struct {
	Cost float64 `json:"cost"`
}

func (p *Processor) handleCostUpdate(ctx context.Context, e billing.UsageEvent) error {
	var payload costUpdatePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, "decode cost_update payload", err)
	}
	r, err := p.rentals.Get(ctx, e.RentalID)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, "rental for cost_update event", err)
	}
	r.ActualCost = payload.Cost
	r.UpdatedAt = p.now()
	return p.rentals.Save(ctx, r)
}

type rentalStartPayload struct {
	UserID     string `json:"user_id"`
	ExecutorID string `json:"executor_id"`
	GPUModel   string `json:"gpu_model"`
	PackageID  string `json:"package_id"`
}

func (p *Processor) handleRentalStart(ctx context.Context, e billing.UsageEvent) error {
	exists, err := p.rentals.Exists(ctx, e.RentalID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "check rental existence", err)
	}
	if exists {
		return nil // idempotent: rental already created by an earlier delivery
	}

	var payload rentalStartPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, "decode rental_start payload", err)
	}

	pkg, err := p.resolvePackage(ctx, payload.PackageID, payload.GPUModel)
	if err != nil {
		return err
	}

	estimated := pkg.EstimateReservation(1)
	reservation, err := p.ledger.Reserve(ctx, payload.UserID, e.RentalID, estimated)
	if err != nil {
		return err
	}
	if err := p.journal(ctx, "credit_reserve", e.RentalID, &payload.UserID, reservation.Amount); err != nil {
		p.log.WithContext(ctx).WithError(err).Warn("failed to journal credit reservation")
	}

	now := p.now()
	r := rental.Rental{
		ID:            e.RentalID,
		UserID:        payload.UserID,
		ExecutorID:    payload.ExecutorID,
		State:         rental.StateActive,
		StartedAt:     now,
		ActualStart:   &now,
		PackageID:     pkg.ID,
		ReservationID: reservation.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return p.rentals.Create(ctx, r)
}

func (p *Processor) resolvePackage(ctx context.Context, packageID, gpuModel string) (creditdomain.Package, error) {
	if packageID != "" {
		return p.packages.Get(ctx, packageID)
	}
	pkg, err := p.packages.FindByGPUModel(ctx, gpuModel)
	if err == nil {
		return pkg, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return creditdomain.Package{}, err
	}
	return p.packages.Get(ctx, FallbackPackageID)
}

type rentalEndPayload struct {
	ClientReportedCost float64 `json:"client_reported_cost"`
	StopReason         string  `json:"stop_reason"`
	Failed             bool    `json:"failed"`
}

func (p *Processor) handleRentalEnd(ctx context.Context, e billing.UsageEvent) error {
	var payload rentalEndPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, "decode rental_end payload", err)
	}

	r, err := p.rentals.Get(ctx, e.RentalID)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, "rental for rental_end event", err)
	}
	if r.State.Terminal() {
		return nil // idempotent: already finalized
	}

	pkg, err := p.packages.Get(ctx, r.PackageID)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, "package for rental_end event", err)
	}
	finalCost := pkg.CalculateCost(r.Usage)
	if math.Abs(finalCost-payload.ClientReportedCost) > p.cfg.DiscrepancyThreshold {
		p.log.WithContext(ctx).WithFields(logrus.Fields{
			"rental_id":            e.RentalID,
			"final_cost":           finalCost,
			"client_reported_cost": payload.ClientReportedCost,
		}).Warn("rental_end cost discrepancy exceeds threshold")
	}
	r.ActualCost = finalCost

	target := rental.StateCompleted
	if payload.Failed {
		target = rental.StateFailed
	}
	return p.finalizeRentalWithCost(ctx, r, target, payload.StopReason, finalCost)
}

func (p *Processor) finalizeRental(ctx context.Context, r rental.Rental, target rental.State, stopReason string) error {
	return p.finalizeRentalWithCost(ctx, r, target, stopReason, r.ActualCost)
}

func (p *Processor) finalizeRentalWithCost(ctx context.Context, r rental.Rental, target rental.State, stopReason string, finalCost float64) error {
	if err := p.rentals.Save(ctx, r); err != nil {
		return apperr.Wrap(apperr.KindStorage, "save rental before finalize", err)
	}
	if r.ReservationID != "" {
		if err := p.ledger.Settle(ctx, r.ReservationID, int64(finalCost+0.5)); err != nil {
			return err
		}
		userID := r.UserID
		if err := p.journal(ctx, "credit_settle", r.ID, &userID, int64(finalCost+0.5)); err != nil {
			p.log.WithContext(ctx).WithError(err).Warn("failed to journal credit settlement")
		}
	}
	_, err := p.fsm.Transition(ctx, r.ID, target, stopReason)
	return err
}

type resourceUpdatePayload struct {
	GPUModel string `json:"gpu_model"`
}

func (p *Processor) handleResourceUpdate(ctx context.Context, e billing.UsageEvent) error {
	var payload resourceUpdatePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return apperr.Wrap(apperr.KindValidation, "decode resource_update payload", err)
	}
	if payload.GPUModel == "" {
		return nil
	}

	r, err := p.rentals.Get(ctx, e.RentalID)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, "rental for resource_update event", err)
	}

	pkg, err := p.packages.FindByGPUModel(ctx, payload.GPUModel)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil // no matching package; keep the rental's current one
		}
		return err
	}
	if pkg.ID == r.PackageID {
		return nil
	}
	r.PackageID = pkg.ID
	r.UpdatedAt = p.now()
	return p.rentals.Save(ctx, r)
}

func (p *Processor) journal(ctx context.Context, eventType, rentalID string, userID *string, amount int64) error {
	if p.billing == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]int64{"amount": amount})
	if err != nil {
		return err
	}
	return p.billing.Append(ctx, billing.BillingEvent{
		ID:         uuid.New().String(),
		EventType:  eventType,
		EntityType: "rental",
		EntityID:   rentalID,
		UserID:     userID,
		Payload:    payload,
		Creator:    "billing-processor",
		CreatedAt:  p.now(),
	})
}
