// Package transport holds the concrete edges the control plane's
// interfaces are defined against but the specification puts out of
// scope in wire-format terms: the validator-to-executor SSH dial (in
// scope, implemented for real in ssh_dialer.go) and the
// validator-to-miner/chain gRPC boundary and miner-to-executor
// container control plane (out of scope; HTTP/JSON stand-ins here so
// the rest of the system has something concrete to run against).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/one-covenant/basilica-sub001/internal/domain/miner"
	"github.com/one-covenant/basilica-sub001/internal/rentalmgr"
)

// HTTPMetagraphClient is a placeholder discovery.MetagraphClient: it
// fetches the miner set as JSON from a configured endpoint rather than
// querying the Bittensor chain directly, which is explicitly out of
// scope.
type HTTPMetagraphClient struct {
	Endpoint string
	Client   *http.Client
}

func (c HTTPMetagraphClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// FetchMiners satisfies discovery.MetagraphClient.
func (c HTTPMetagraphClient) FetchMiners(ctx context.Context) ([]miner.Info, error) {
	var miners []miner.Info
	if err := getJSON(ctx, c.httpClient(), c.Endpoint, &miners); err != nil {
		return nil, fmt.Errorf("fetch metagraph snapshot: %w", err)
	}
	return miners, nil
}

// HTTPMinerClient is a placeholder discovery.MinerRPCClient: it fetches
// a miner's executor manifest over plain HTTP/JSON instead of the
// signed gRPC transport the real miner axon speaks.
type HTTPMinerClient struct {
	Client *http.Client
}

func (c HTTPMinerClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// FetchExecutorManifest satisfies discovery.MinerRPCClient.
func (c HTTPMinerClient) FetchExecutorManifest(ctx context.Context, m miner.Info) ([]miner.ExecutorManifestEntry, error) {
	var entries []miner.ExecutorManifestEntry
	url := m.Endpoint + "/executors"
	if err := getJSON(ctx, c.httpClient(), url, &entries); err != nil {
		return nil, fmt.Errorf("fetch manifest from miner %d: %w", m.UID, err)
	}
	return entries, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HTTPRentalBackend is a placeholder rentalmgr.Backend: it drives an
// executor's container lifecycle over plain HTTP/JSON against the
// executor's local agent rather than the gRPC control plane the real
// agent speaks, which is out of scope.
type HTTPRentalBackend struct {
	Client *http.Client
}

func (b HTTPRentalBackend) httpClient() *http.Client {
	if b.Client != nil {
		return b.Client
	}
	return http.DefaultClient
}

// StartContainer satisfies rentalmgr.Backend.
func (b HTTPRentalBackend) StartContainer(ctx context.Context, executorID, containerImage, sshPublicKey string) (rentalmgr.BackendStartResult, error) {
	body, err := json.Marshal(map[string]string{
		"container_image": containerImage,
		"ssh_public_key":  sshPublicKey,
	})
	if err != nil {
		return rentalmgr.BackendStartResult{}, err
	}

	var result rentalmgr.BackendStartResult
	if err := postJSON(ctx, b.httpClient(), executorID+"/containers", body, &result); err != nil {
		return rentalmgr.BackendStartResult{}, fmt.Errorf("start container on %s: %w", executorID, err)
	}
	return result, nil
}

// TerminateContainer satisfies rentalmgr.Backend.
func (b HTTPRentalBackend) TerminateContainer(ctx context.Context, rentalID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, rentalID+"/containers", nil)
	if err != nil {
		return err
	}
	resp, err := b.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("terminate container for rental %s: %w", rentalID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("terminate container for rental %s: status %d", rentalID, resp.StatusCode)
	}
	return nil
}

// StreamLogs satisfies rentalmgr.Backend with a newline-delimited-JSON
// long poll against the executor agent; the real agent's streaming
// transport is the out-of-scope gRPC boundary.
func (b HTTPRentalBackend) StreamLogs(ctx context.Context, rentalID string) (<-chan rentalmgr.LogEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rentalID+"/logs", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream logs for rental %s: %w", rentalID, err)
	}

	ch := make(chan rentalmgr.LogEvent)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		dec := json.NewDecoder(resp.Body)
		for {
			var event rentalmgr.LogEvent
			if err := dec.Decode(&event); err != nil {
				return
			}
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		drained, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, drained)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
