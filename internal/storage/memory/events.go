package memory

import (
	"context"
	"sort"
	"time"

	"github.com/one-covenant/basilica-sub001/internal/domain/billing"
)

// AppendUsageEvent backs the Events view's Append method.
func (s *Store) AppendUsageEvent(_ context.Context, event billing.UsageEvent) error {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	s.usageEvents[event.ID] = event
	return nil
}

// AppendUsageEventBatch backs the Events view's AppendBatch method.
func (s *Store) AppendUsageEventBatch(_ context.Context, events []billing.UsageEvent) error {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	for _, e := range events {
		s.usageEvents[e.ID] = e
	}
	return nil
}

// ClaimUnprocessed satisfies eventstore.Store: the in-memory analogue
// of a `SELECT ... FOR UPDATE SKIP LOCKED` scan, tagging every claimed
// row with batchID under the same lock that guards the table.
func (s *Store) ClaimUnprocessed(_ context.Context, batchSize int, batchID string) ([]billing.UsageEvent, error) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	ordered := make([]billing.UsageEvent, 0, len(s.usageEvents))
	for _, e := range s.usageEvents {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	claimed := make([]billing.UsageEvent, 0, batchSize)
	for _, e := range ordered {
		if len(claimed) >= batchSize {
			break
		}
		if e.Processed {
			continue
		}
		if _, busy := s.claims[e.ID]; busy {
			continue
		}
		s.claims[e.ID] = batchID
		claimed = append(claimed, e)
	}
	return claimed, nil
}

// Complete satisfies eventstore.Store.
func (s *Store) Complete(_ context.Context, batchID string, eventIDs []string) error {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	for _, id := range eventIDs {
		if s.claims[id] != batchID {
			continue
		}
		e := s.usageEvents[id]
		e.Processed = true
		bid := batchID
		e.BatchID = &bid
		s.usageEvents[id] = e
		delete(s.claims, id)
	}
	return nil
}

// Abort satisfies eventstore.Store.
func (s *Store) Abort(_ context.Context, batchID string) error {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	for id, bid := range s.claims {
		if bid == batchID {
			delete(s.claims, id)
		}
	}
	return nil
}

// ArchiveOlderThan satisfies eventstore.Store.
func (s *Store) ArchiveOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	n := 0
	for id, e := range s.usageEvents {
		if e.Processed && e.Timestamp.Before(cutoff) {
			s.usageArchive = append(s.usageArchive, e)
			delete(s.usageEvents, id)
			delete(s.claims, id)
			n++
		}
	}
	return n, nil
}
