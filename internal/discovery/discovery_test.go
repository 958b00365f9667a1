package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/one-covenant/basilica-sub001/internal/domain/miner"
)

type fakeMetagraph struct {
	miners []miner.Info
	err    error
}

func (f fakeMetagraph) FetchMiners(context.Context) ([]miner.Info, error) {
	return f.miners, f.err
}

type fakeMinerRPC struct {
	manifests map[uint16][]miner.ExecutorManifestEntry
	failUID   uint16
}

func (f fakeMinerRPC) FetchExecutorManifest(_ context.Context, m miner.Info) ([]miner.ExecutorManifestEntry, error) {
	if m.UID == f.failUID {
		return nil, errors.New("rpc unreachable")
	}
	return f.manifests[m.UID], nil
}

func TestDiscoverExcludesZeroStake(t *testing.T) {
	meta := fakeMetagraph{miners: []miner.Info{
		{UID: 1, Stake: 0, Endpoint: "a:1"},
		{UID: 2, Stake: 10, Endpoint: "b:1"},
	}}
	rpc := fakeMinerRPC{manifests: map[uint16][]miner.ExecutorManifestEntry{
		2: {{LocalID: "gpu-0"}},
	}}
	svc := New(meta, rpc)

	results, err := svc.Discover(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Miner.UID != 2 {
		t.Fatalf("expected only reachable miner 2, got %+v", results)
	}
}

func TestDiscoverRecordsPerMinerFailureNonFatally(t *testing.T) {
	meta := fakeMetagraph{miners: []miner.Info{
		{UID: 3, Stake: 5, Endpoint: "c:1"},
	}}
	rpc := fakeMinerRPC{failUID: 3}
	svc := New(meta, rpc)

	results, err := svc.Discover(context.Background())
	if err != nil {
		t.Fatalf("cycle-level error must stay nil on per-miner failure: %v", err)
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected a recorded per-miner error, got %+v", results)
	}
}

func TestDiscoverPropagatesMetagraphError(t *testing.T) {
	meta := fakeMetagraph{err: errors.New("chain rpc down")}
	svc := New(meta, fakeMinerRPC{})

	if _, err := svc.Discover(context.Background()); err == nil {
		t.Fatalf("expected metagraph error to propagate")
	}
}

func TestDiscoverRespectsManifestFetchRateLimit(t *testing.T) {
	meta := fakeMetagraph{miners: []miner.Info{
		{UID: 1, Stake: 1, Endpoint: "a:1"},
		{UID: 2, Stake: 1, Endpoint: "b:1"},
		{UID: 3, Stake: 1, Endpoint: "c:1"},
	}}
	rpc := fakeMinerRPC{manifests: map[uint16][]miner.ExecutorManifestEntry{}}
	svc := WithManifestFetchRateLimit(meta, rpc, rate.Limit(1000), 1)

	start := time.Now()
	results, err := svc.Discover(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected all 3 reachable miners processed, got %d", len(results))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("rate limiting stalled discovery unexpectedly: %v", elapsed)
	}
}
