package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/one-covenant/basilica-sub001/internal/domain/miner"
)

func TestHTTPMetagraphClientFetchesMiners(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]miner.Info{{UID: 1, Hotkey: "hk-1", Stake: 10, Endpoint: "http://executor-1"}})
	}))
	defer srv.Close()

	client := HTTPMetagraphClient{Endpoint: srv.URL}
	miners, err := client.FetchMiners(context.Background())
	require.NoError(t, err)
	require.Len(t, miners, 1)
	require.Equal(t, uint16(1), miners[0].UID)
}

func TestHTTPMinerClientFetchesManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/executors", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]miner.ExecutorManifestEntry{{LocalID: "gpu-0", GRPCEndpoint: "10.0.0.1:9000"}})
	}))
	defer srv.Close()

	client := HTTPMinerClient{}
	entries, err := client.FetchExecutorManifest(context.Background(), miner.Info{UID: 1, Endpoint: srv.URL})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "gpu-0", entries[0].LocalID)
}

func TestHTTPRentalBackendTerminateContainer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	backend := HTTPRentalBackend{}
	err := backend.TerminateContainer(context.Background(), srv.URL)
	require.NoError(t, err)
}
