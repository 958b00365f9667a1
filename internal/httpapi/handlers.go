// Package httpapi implements the Validator HTTP API named in section 6:
// health, executor listing, rental lifecycle (including the SSE log
// stream), and API-key management, behind a Bearer-JWT auth middleware.
// Routing is github.com/go-chi/chi/v5 so path params like
// /rentals/{id}/logs match the route table verbatim.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/domain/executor"
	"github.com/one-covenant/basilica-sub001/internal/domain/rental"
	"github.com/one-covenant/basilica-sub001/internal/rentalmgr"
	"github.com/one-covenant/basilica-sub001/internal/sigauth"
	"github.com/one-covenant/basilica-sub001/internal/webauth"
)

// ExecutorLister is the read side of the executor inventory the
// /executors route serves from.
type ExecutorLister interface {
	ListSchedulable(ctx context.Context) ([]executor.Executor, error)
	FindAvailable(ctx context.Context, req rentalmgr.Requirements) ([]executor.Executor, error)
}

// HealthInfo is the /health response body.
type HealthInfo struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	Timestamp         string `json:"timestamp"`
	HealthyValidators int    `json:"healthy_validators"`
	TotalValidators   int    `json:"total_validators"`
}

// Handler bundles every dependency the route handlers need.
type Handler struct {
	executors   ExecutorLister
	rentals     *rentalmgr.Manager
	apiKeys     *APIKeyStore
	events      EventAppender
	sigVerifier *sigauth.Verifier
	version     string
	audit       *auditLog
	now         func() time.Time
}

// New builds the chi router, wired with the full auth -> audit -> CORS
// -> metrics middleware chain. sigVerifier authenticates the one
// executor-facing route (/telemetry) independently of the operator
// Bearer-JWT chain every other route runs behind.
func New(executors ExecutorLister, rentals *rentalmgr.Manager, apiKeys *APIKeyStore, events EventAppender, sigVerifier *sigauth.Verifier, version string, metricsMiddleware func(http.Handler) http.Handler, validator *webauth.Validator) http.Handler {
	h := &Handler{
		executors:   executors,
		rentals:     rentals,
		apiKeys:     apiKeys,
		events:      events,
		sigVerifier: sigVerifier,
		version:     version,
		audit:       newAuditLog(500),
		now:         time.Now,
	}

	r := chi.NewRouter()
	r.Get("/health", h.health)
	r.Get("/executors", h.listExecutors)
	r.Get("/rentals", h.listRentals)
	r.Post("/rentals", h.startRental)
	r.Get("/rentals/{id}", h.getRental)
	r.Delete("/rentals/{id}", h.stopRental)
	r.Get("/rentals/{id}/logs", h.streamLogs)
	r.Get("/api-keys", h.listAPIKeys)
	r.Post("/api-keys", h.createAPIKey)
	r.Delete("/api-keys/{id}", h.deleteAPIKey)
	r.Post("/telemetry", h.handleTelemetry)

	var handler http.Handler = r
	handler = wrapWithAuth(handler, validator)
	handler = wrapWithAudit(handler, h.audit)
	handler = wrapWithCORS(handler)
	if metricsMiddleware != nil {
		handler = metricsMiddleware(handler)
	}
	return handler
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthInfo{
		Status:            "ok",
		Version:           h.version,
		Timestamp:         h.now().UTC().Format(time.RFC3339),
		HealthyValidators: 1,
		TotalValidators:   1,
	})
}

func (h *Handler) listExecutors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := rentalmgr.Requirements{
		GPUModel: q.Get("gpu_type"),
		Location: q.Get("location"),
	}
	if v := q.Get("min_gpu_memory"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, apperr.New(apperr.KindValidation, "min_gpu_memory must be an integer"))
			return
		}
		req.MinGPUMemoryMB = n
	}
	if v := q.Get("min_gpu_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, apperr.New(apperr.KindValidation, "min_gpu_count must be an integer"))
			return
		}
		req.MinGPUCount = n
	}

	wantAvailable := q.Get("available") == "true" || req.GPUModel != "" || req.Location != "" || req.MinGPUMemoryMB > 0 || req.MinGPUCount > 0

	var (
		list []executor.Executor
		err  error
	)
	if wantAvailable {
		list, err = h.executors.FindAvailable(r.Context(), req)
	} else {
		list, err = h.executors.ListSchedulable(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type startRentalRequest struct {
	ExecutorID       string                  `json:"executor_id"`
	Requirements     *rentalmgr.Requirements `json:"requirements"`
	ContainerImage   string                  `json:"container_image"`
	SSHPublicKey     string                  `json:"ssh_public_key"`
	MaxDurationHours int                     `json:"max_duration_hours"`
	PackageID        string                  `json:"package_id"`
}

func (h *Handler) startRental(w http.ResponseWriter, r *http.Request) {
	var body startRentalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "invalid request body"))
		return
	}

	result, err := h.rentals.Start(r.Context(), rentalmgr.StartRequest{
		UserID:           userFromContext(r.Context()),
		ExecutorID:       body.ExecutorID,
		Requirements:     body.Requirements,
		ContainerImage:   body.ContainerImage,
		SSHPublicKey:     body.SSHPublicKey,
		MaxDurationHours: body.MaxDurationHours,
		PackageID:        body.PackageID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) listRentals(w http.ResponseWriter, r *http.Request) {
	rentals, err := h.rentals.List(r.Context(), userFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		rentals = filterByStatus(rentals, rental.State(status))
	}
	writeJSON(w, http.StatusOK, rentals)
}

func filterByStatus(rentals []rental.Rental, state rental.State) []rental.Rental {
	out := make([]rental.Rental, 0, len(rentals))
	for _, r := range rentals {
		if r.State == state {
			out = append(out, r)
		}
	}
	return out
}

func (h *Handler) getRental(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := userFromContext(r.Context())
	rentals, err := h.rentals.List(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, rt := range rentals {
		if rt.ID == id {
			writeJSON(w, http.StatusOK, rt)
			return
		}
	}
	writeError(w, apperr.NotFound("rental", id))
}

func (h *Handler) stopRental(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rt, err := h.rentals.Stop(r.Context(), id, userFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (h *Handler) streamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.rentals.StreamLogs(r.Context(), id, userFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rentalmgr.WriteSSE(r.Context(), w, events); err != nil {
		return
	}
}

func (h *Handler) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys := h.apiKeys.List(userFromContext(r.Context()))
	writeJSON(w, http.StatusOK, keys)
}

type createAPIKeyRequest struct {
	Name string `json:"name"`
}

func (h *Handler) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var body createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeError(w, apperr.New(apperr.KindValidation, "name is required"))
		return
	}
	key, raw, err := h.apiKeys.Create(userFromContext(r.Context()), body.Name, h.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         key.ID,
		"name":       key.Name,
		"prefix":     key.Prefix,
		"key":        raw,
		"created_at": key.CreatedAt,
	})
}

func (h *Handler) deleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.apiKeys.Delete(userFromContext(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
