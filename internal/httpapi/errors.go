package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	"github.com/one-covenant/basilica-sub001/internal/webauth"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps an apperr.Kind to a status code and serializes a
// {"error", "code"} body. A plain *webauth.AuthError is mapped to 401
// with its distinguishing Code (BASILICA_API_AUTH_MISSING vs
// generic-invalid), per section 6.
func writeError(w http.ResponseWriter, err error) {
	if authErr, ok := err.(*webauth.AuthError); ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": authErr.Message,
			"code":  string(authErr.Code),
		})
		return
	}

	kind := apperr.KindOf(err)
	status := statusForKind(kind)
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(kind),
	})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidState:
		return http.StatusConflict
	case apperr.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindBackend, apperr.KindStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
