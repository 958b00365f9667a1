package memory

import (
	"context"
	"time"

	"github.com/one-covenant/basilica-sub001/internal/discovery"
	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/domain/executor"
	"github.com/one-covenant/basilica-sub001/internal/rentalmgr"
)

// GetExecutor backs the Executors view's Get method.
func (s *Store) GetExecutor(_ context.Context, id string) (executor.Executor, error) {
	s.execMu.RLock()
	defer s.execMu.RUnlock()
	ex, ok := s.executors[id]
	if !ok {
		return executor.Executor{}, apperr.NotFound("executor", id)
	}
	return ex, nil
}

// UpdateVerification satisfies verification.ExecutorStore.
func (s *Store) UpdateVerification(_ context.Context, id string, status executor.Status, score float64, consecutiveFailures int, at time.Time) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	ex, ok := s.executors[id]
	if !ok {
		return apperr.NotFound("executor", id)
	}
	ex.Status = status
	ex.LastScore = score
	ex.ConsecutiveFailures = consecutiveFailures
	ex.LastValidationAt = at
	ex.UpdatedAt = at
	s.executors[id] = ex
	return nil
}

// ListSchedulable satisfies scheduler.ExecutorLister.
func (s *Store) ListSchedulable(_ context.Context) ([]executor.Executor, error) {
	s.execMu.RLock()
	defer s.execMu.RUnlock()
	out := make([]executor.Executor, 0, len(s.executors))
	for _, ex := range s.executors {
		if ex.IsSchedulable() {
			out = append(out, ex)
		}
	}
	return out, nil
}

// SyncFromDiscovery satisfies scheduler.ExecutorLister: it upserts
// every reachable miner's manifest entries as executor rows, leaving
// status and score untouched for an already-known executor (discovery
// only ever learns about endpoint/hardware presence, never scores it).
func (s *Store) SyncFromDiscovery(_ context.Context, results []discovery.Result) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	now := nowUTC()
	for _, result := range results {
		if result.Err != nil {
			continue
		}
		for _, entry := range result.Executors {
			id := executor.ID(result.Miner.UID, entry.LocalID)
			ex, exists := s.executors[id]
			if !exists {
				ex = executor.Executor{
					ID:           id,
					MinerUID:     result.Miner.UID,
					LocalID:      entry.LocalID,
					Status:       executor.StatusPending,
					RegisteredAt: now,
				}
			}
			ex.GRPCEndpoint = entry.GRPCEndpoint
			ex.UpdatedAt = now
			s.executors[id] = ex
		}
	}
	return nil
}

// FindAvailable satisfies rentalmgr.ExecutorFinder: schedulable
// executors matching every set requirement field.
func (s *Store) FindAvailable(_ context.Context, req rentalmgr.Requirements) ([]executor.Executor, error) {
	s.execMu.RLock()
	defer s.execMu.RUnlock()
	var out []executor.Executor
	for _, ex := range s.executors {
		if !ex.IsSchedulable() {
			continue
		}
		if req.MinGPUCount > 0 && ex.GPUCount() < req.MinGPUCount {
			continue
		}
		if req.MinGPUMemoryMB > 0 && !hasGPUMemory(ex, req.MinGPUMemoryMB) {
			continue
		}
		if req.GPUModel != "" && !hasGPUModel(ex, req.GPUModel) {
			continue
		}
		if req.Location != "" && ex.Location != "" && ex.Location != req.Location {
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

// UpsertExecutor registers or replaces an executor row outright, for
// seeding fixtures and tests without a full discovery cycle.
func (s *Store) UpsertExecutor(ex executor.Executor) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	s.executors[ex.ID] = ex
}

func hasGPUMemory(ex executor.Executor, minMB int64) bool {
	for _, gpu := range ex.Hardware.GPUs {
		if gpu.MemoryMB >= minMB {
			return true
		}
	}
	return false
}

func hasGPUModel(ex executor.Executor, model string) bool {
	for _, gpu := range ex.Hardware.GPUs {
		if gpu.Model == model {
			return true
		}
	}
	return false
}

func nowUTC() time.Time { return time.Now().UTC() }
