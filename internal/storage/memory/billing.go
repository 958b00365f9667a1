package memory

import (
	"context"

	"github.com/one-covenant/basilica-sub001/internal/domain/billing"
)

// CreateBatch backs the Batches view's Create method.
func (s *Store) CreateBatch(_ context.Context, batch billing.ProcessingBatch) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.batches[batch.ID] = batch
	return nil
}

// SaveBatch backs the Batches view's Save method.
func (s *Store) SaveBatch(_ context.Context, batch billing.ProcessingBatch) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.batches[batch.ID] = batch
	return nil
}

// AppendBillingEvent backs the BillingLog view's Append method: an
// append-only audit trail, never updated or deleted.
func (s *Store) AppendBillingEvent(_ context.Context, event billing.BillingEvent) error {
	s.billingMu.Lock()
	defer s.billingMu.Unlock()
	s.billingEvents = append(s.billingEvents, event)
	return nil
}

// BillingEventsFor returns the journaled credit actions for an entity,
// for audit/debug surfaces.
func (s *Store) BillingEventsFor(_ context.Context, entityID string) ([]billing.BillingEvent, error) {
	s.billingMu.Lock()
	defer s.billingMu.Unlock()
	var out []billing.BillingEvent
	for _, e := range s.billingEvents {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}
