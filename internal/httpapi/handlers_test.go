package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/one-covenant/basilica-sub001/internal/credit"
	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
	"github.com/one-covenant/basilica-sub001/internal/domain/executor"
	"github.com/one-covenant/basilica-sub001/internal/domain/rental"
	"github.com/one-covenant/basilica-sub001/internal/rentalmgr"
	"github.com/one-covenant/basilica-sub001/internal/sigauth"
	"github.com/one-covenant/basilica-sub001/internal/storage/memory"
	"github.com/one-covenant/basilica-sub001/internal/telemetry"
	"github.com/one-covenant/basilica-sub001/internal/webauth"
)

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

func issueToken(t *testing.T, key *rsa.PrivateKey, kid, issuer, audience, subject string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": issuer,
		"aud": audience,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func jwksServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes())
	body, err := json.Marshal(jwkSet{Keys: []jwk{{Kid: kid, Kty: "RSA", N: n, E: e}}})
	require.NoError(t, err)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
}

type fakeBackend struct{}

func (fakeBackend) StartContainer(ctx context.Context, executorID, containerImage, sshPublicKey string) (rentalmgr.BackendStartResult, error) {
	return rentalmgr.BackendStartResult{RentalID: "container-1", SSH: &rental.SSHCredentials{Host: "10.0.0.1", Port: 22, User: "root"}}, nil
}
func (fakeBackend) TerminateContainer(ctx context.Context, rentalID string) error { return nil }
func (fakeBackend) StreamLogs(ctx context.Context, rentalID string) (<-chan rentalmgr.LogEvent, error) {
	ch := make(chan rentalmgr.LogEvent)
	close(ch)
	return ch, nil
}

func newTestHandler(t *testing.T, validator *webauth.Validator) (http.Handler, *memory.Store) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.SaveAccount(ctx, creditdomain.Account{UserID: "user-1", Balance: 100000}))
	store.UpsertExecutor(executor.Executor{
		ID:     "exec-1",
		Status: executor.StatusVerified,
		Hardware: executor.HardwareSpec{
			GPUs: []executor.GPU{{Model: "H100", MemoryMB: 80000}},
		},
	})

	mgr := rentalmgr.New(memory.Executors{Store: store}, memory.Packages{Store: store}, fakeBackend{}, credit.New(memory.Credit{Store: store}), memory.Rentals{Store: store}, telemetry.New("httpapi-test", "error", "json"))
	keys := NewAPIKeyStore()
	sigVerifier := sigauth.New(sigauth.Config{OwnerHotkey: "miner-hotkey-1", RequireSignature: false, ClockSkew: time.Hour, NonceCacheMargin: time.Minute})
	t.Cleanup(sigVerifier.Close)
	handler := New(memory.Executors{Store: store}, mgr, keys, memory.Events{Store: store}, sigVerifier, "test", nil, validator)
	return handler, store
}

func TestHealthIsPublic(t *testing.T) {
	handler, _ := newTestHandler(t, webauth.New(webauth.Config{Issuer: "https://issuer.example", Audience: "basilica-api", JWKSURL: "http://127.0.0.1:0"}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestExecutorsRequiresAuth(t *testing.T) {
	handler, _ := newTestHandler(t, webauth.New(webauth.Config{Issuer: "https://issuer.example", Audience: "basilica-api", JWKSURL: "http://127.0.0.1:0"}))

	req := httptest.NewRequest(http.MethodGet, "/executors", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "BASILICA_API_AUTH_MISSING", body["code"])
}

func TestStartAndListRental(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := jwksServer(t, key, "kid-1")
	defer srv.Close()

	validator := webauth.New(webauth.Config{Issuer: "https://issuer.example", Audience: "basilica-api", JWKSURL: srv.URL})
	handler, _ := newTestHandler(t, validator)
	token := issueToken(t, key, "kid-1", "https://issuer.example", "basilica-api", "user-1")

	body, err := json.Marshal(map[string]any{
		"executor_id":     "exec-1",
		"container_image": "ghcr.io/basilica/workload:latest",
		"ssh_public_key":  "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rentals", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var started rental.Rental
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.Equal(t, "user-1", started.UserID)

	listReq := httptest.NewRequest(http.MethodGet, "/rentals", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var list []rental.Rental
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &list))
	require.Len(t, list, 1)
}

func TestAPIKeyLifecycle(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := jwksServer(t, key, "kid-1")
	defer srv.Close()

	validator := webauth.New(webauth.Config{Issuer: "https://issuer.example", Audience: "basilica-api", JWKSURL: srv.URL})
	handler, _ := newTestHandler(t, validator)
	token := issueToken(t, key, "kid-1", "https://issuer.example", "basilica-api", "user-1")

	body, err := json.Marshal(map[string]string{"name": "ci-key"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api-keys", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created["key"])

	delReq := httptest.NewRequest(http.MethodDelete, "/api-keys/"+created["id"], nil)
	delReq.Header.Set("Authorization", "Bearer "+token)
	delRec := httptest.NewRecorder()
	handler.ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusNoContent, delRec.Code)
}

func TestTelemetryAcceptsSignedEnvelopeWithoutJWT(t *testing.T) {
	handler, _ := newTestHandler(t, webauth.New(webauth.Config{Issuer: "https://issuer.example", Audience: "basilica-api", JWKSURL: "http://127.0.0.1:0"}))

	body, err := json.Marshal(map[string]any{
		"rental_id":   "rental-1",
		"executor_id": "exec-1",
		"event_type":  "telemetry",
		"payload":     map[string]any{"gpu_hours": 1.5},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/telemetry", bytes.NewReader(body))
	req.Header.Set("X-Miner-Hotkey", "miner-hotkey-1")
	req.Header.Set("X-Timestamp-MS", strconv.FormatInt(time.Now().UnixMilli(), 10))
	req.Header.Set("X-Nonce", "nonce-1")
	req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString([]byte("unchecked")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestTelemetryRejectsMissingEnvelope(t *testing.T) {
	handler, _ := newTestHandler(t, webauth.New(webauth.Config{Issuer: "https://issuer.example", Audience: "basilica-api", JWKSURL: "http://127.0.0.1:0"}))

	req := httptest.NewRequest(http.MethodPost, "/telemetry", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
