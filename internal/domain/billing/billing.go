// Package billing holds the event-sourced usage/billing records
// consumed by the Event Store and Billing Processor.
package billing

import (
	"encoding/json"
	"time"
)

// EventType enumerates the UsageEvent kinds the Billing Processor
// dispatches on.
type EventType string

const (
	EventTelemetry     EventType = "telemetry"
	EventStatusChange  EventType = "status_change"
	EventCostUpdate    EventType = "cost_update"
	EventRentalStart   EventType = "rental_start"
	EventRentalEnd     EventType = "rental_end"
	EventResourceUpdate EventType = "resource_update"
)

// UsageEvent is one append-only usage/billing fact.
type UsageEvent struct {
	ID         string
	RentalID   string
	ExecutorID string
	Type       EventType
	Payload    json.RawMessage
	Timestamp  time.Time
	Processed  bool
	BatchID    *string
}

// BillingEvent is an immutable audit log entry, written once per
// credit-affecting action.
type BillingEvent struct {
	ID         string
	EventType  string
	EntityType string
	EntityID   string
	UserID     *string
	Payload    json.RawMessage
	Metadata   json.RawMessage
	Creator    string
	CreatedAt  time.Time
}

// BatchStatus is a ProcessingBatch's lifecycle state.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// ProcessingBatch binds a group of UsageEvents processed together.
type ProcessingBatch struct {
	ID     string
	Type   string
	Status BatchStatus

	Received  int
	Processed int
	Failed    int

	StartedAt   time.Time
	CompletedAt *time.Time
}
