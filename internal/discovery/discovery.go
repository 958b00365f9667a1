// Package discovery polls the chain metagraph for the current miner
// set and fetches each reachable miner's executor manifest. The chain
// RPC wire format and the validator-to-miner transport are both out of
// scope; both are modeled as bare interfaces the caller supplies a
// concrete implementation for.
package discovery

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/one-covenant/basilica-sub001/internal/domain/miner"
	"github.com/one-covenant/basilica-sub001/internal/retry"
)

// MetagraphClient fetches the current miner axon set from the chain.
// The concrete Bittensor metagraph RPC client is out of scope; only
// this interface is specified.
type MetagraphClient interface {
	FetchMiners(ctx context.Context) ([]miner.Info, error)
}

// MinerRPCClient fetches a miner's executor manifest over the signed
// validator-to-miner transport. The gRPC wire format is out of scope;
// only the message semantics below are specified.
type MinerRPCClient interface {
	FetchExecutorManifest(ctx context.Context, m miner.Info) ([]miner.ExecutorManifestEntry, error)
}

// Result is one discovery cycle's output: the reachable miner set and,
// for each, its executor manifest.
type Result struct {
	Miner     miner.Info
	Executors []miner.ExecutorManifestEntry
	Err       error // non-nil if this miner's manifest fetch failed
}

// Service orchestrates one discovery cycle.
type Service struct {
	metagraph MetagraphClient
	minerRPC  MinerRPCClient
	limiter   *rate.Limiter
}

// New builds a discovery Service with no cap on manifest-fetch rate.
func New(metagraph MetagraphClient, minerRPC MinerRPCClient) *Service {
	return &Service{metagraph: metagraph, minerRPC: minerRPC}
}

// WithManifestFetchRateLimit caps how fast Discover fans out
// FetchExecutorManifest calls, so a large miner set doesn't hammer
// every axon in the same instant. r is in requests per second.
func WithManifestFetchRateLimit(metagraph MetagraphClient, minerRPC MinerRPCClient, r rate.Limit, burst int) *Service {
	return &Service{metagraph: metagraph, minerRPC: minerRPC, limiter: rate.NewLimiter(r, burst)}
}

// Discover fetches the metagraph snapshot (retried with
// retry.DefaultPolicy's backoff) and, for each miner with
// positive stake and a reachable endpoint, fetches its executor
// manifest. Miners with zero stake are silently excluded; a manifest
// fetch failure for one miner is reported in its Result, not fatal to
// the cycle.
func (s *Service) Discover(ctx context.Context) ([]Result, error) {
	var miners []miner.Info
	err := retry.Do(ctx, retry.DefaultPolicy(), nil, func(ctx context.Context) error {
		var ferr error
		miners, ferr = s.metagraph.FetchMiners(ctx)
		return ferr
	})
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(miners))
	for _, m := range miners {
		if !m.Reachable() {
			continue
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return results, err
			}
		}
		entries, err := s.minerRPC.FetchExecutorManifest(ctx, m)
		results = append(results, Result{Miner: m, Executors: entries, Err: err})
	}
	return results, nil
}
