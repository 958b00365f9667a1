// Package eventstore implements append and claim-and-batch access to
// the usage_events table, one repository per aggregate in the style of
// internal/app/storage's AccountStore/FunctionStore/... interfaces.
package eventstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/domain/billing"
)

// DefaultRetention is how long a processed event stays in the live
// table before Cleanup moves it into the archive.
const DefaultRetention = 30 * 24 * time.Hour

// Store is the usage_events persistence contract. ClaimUnprocessed and
// its companion Complete/Abort calls implement the claim flow of section
// 4.11: ClaimUnprocessed tags the claimed rows with batchID and commits,
// and a tagged row is not claimed again until Complete marks it
// processed or Abort clears the tag, so two processor instances never
// claim the same row.
type Store interface {
	Append(ctx context.Context, event billing.UsageEvent) error
	AppendBatch(ctx context.Context, events []billing.UsageEvent) error

	// ClaimUnprocessed locks and returns up to batchSize unprocessed
	// events ordered by timestamp ascending, tagging them with batchID
	// for the duration of the claim. SKIP LOCKED semantics mean rows
	// already claimed by a concurrent processor are silently excluded
	// rather than waited on.
	ClaimUnprocessed(ctx context.Context, batchSize int, batchID string) ([]billing.UsageEvent, error)

	// Complete marks the given event ids processed, closing out the
	// claim ClaimUnprocessed made for batchID.
	Complete(ctx context.Context, batchID string, eventIDs []string) error

	// Abort releases the claim on batchID's events without marking them
	// processed, making them visible to the next ClaimUnprocessed call.
	Abort(ctx context.Context, batchID string) error

	// ArchiveOlderThan moves processed events older than cutoff into the
	// archive table, returning the count moved.
	ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// NewUsageEvent builds a UsageEvent with a fresh id and timestamp,
// matching the append-one-at-a-time entry point.
func NewUsageEvent(rentalID, executorID string, eventType billing.EventType, payload []byte, now time.Time) billing.UsageEvent {
	return billing.UsageEvent{
		ID:         uuid.New().String(),
		RentalID:   rentalID,
		ExecutorID: executorID,
		Type:       eventType,
		Payload:    payload,
		Timestamp:  now,
	}
}

// Cleanup runs ArchiveOlderThan with the default retention window
// measured from now.
func Cleanup(ctx context.Context, store Store, now time.Time) (int, error) {
	n, err := store.ArchiveOlderThan(ctx, now.Add(-DefaultRetention))
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "archive aged usage events", err)
	}
	return n, nil
}
