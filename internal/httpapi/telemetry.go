package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/one-covenant/basilica-sub001/internal/billing/eventstore"
	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/domain/billing"
	"github.com/one-covenant/basilica-sub001/internal/sigauth"
)

// EventAppender is the write side of the usage_events ingestion point;
// eventstore.Store satisfies this.
type EventAppender interface {
	Append(ctx context.Context, event billing.UsageEvent) error
}

type telemetrySubmission struct {
	RentalID   string          `json:"rental_id"`
	ExecutorID string          `json:"executor_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
}

// handleTelemetry is the executor-facing counterpart to the operator
// routes above: a miner's executor pushes a usage event (GPU telemetry,
// a status change, a cost update) authenticated by its hotkey's signed
// envelope rather than a Bearer JWT, since it never has an operator
// session. The envelope travels as headers so the body stays exactly
// what gets hashed.
func (h *Handler) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "failed to read request body"))
		return
	}

	env, err := envelopeFromHeaders(r.Header)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.sigVerifier.Verify(env, body); err != nil {
		writeError(w, err)
		return
	}

	var sub telemetrySubmission
	if err := json.Unmarshal(body, &sub); err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "invalid telemetry payload"))
		return
	}
	if sub.RentalID == "" || sub.ExecutorID == "" || sub.EventType == "" {
		writeError(w, apperr.New(apperr.KindValidation, "rental_id, executor_id and event_type are required"))
		return
	}

	event := eventstore.NewUsageEvent(sub.RentalID, sub.ExecutorID, billing.EventType(sub.EventType), sub.Payload, h.now())
	if err := h.events.Append(r.Context(), event); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": event.ID})
}

func envelopeFromHeaders(hdr http.Header) (sigauth.Envelope, error) {
	hotkey := hdr.Get("X-Miner-Hotkey")
	nonce := hdr.Get("X-Nonce")
	sigB64 := hdr.Get("X-Signature")
	tsMS := hdr.Get("X-Timestamp-MS")
	if hotkey == "" || nonce == "" || sigB64 == "" || tsMS == "" {
		return sigauth.Envelope{}, apperr.New(apperr.KindAuth, "missing signed-request envelope headers")
	}
	ts, err := strconv.ParseInt(tsMS, 10, 64)
	if err != nil {
		return sigauth.Envelope{}, apperr.New(apperr.KindValidation, "X-Timestamp-MS must be an integer")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return sigauth.Envelope{}, apperr.New(apperr.KindValidation, "X-Signature must be base64")
	}
	return sigauth.Envelope{
		MinerHotkey: hotkey,
		TimestampMS: ts,
		Nonce:       nonce,
		Signature:   sig,
		RequestID:   hdr.Get("X-Request-ID"),
	}, nil
}
