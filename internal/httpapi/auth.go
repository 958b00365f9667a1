package httpapi

import (
	"context"
	"net/http"

	"github.com/one-covenant/basilica-sub001/internal/webauth"
)

type ctxKey string

const ctxUserKey ctxKey = "httpapi.user"

var publicPaths = map[string]struct{}{
	"/health":    {},
	"/telemetry": {}, // authenticated by the signed envelope instead, see handleTelemetry
}

// userFromContext returns the caller's subject claim, set by
// wrapWithAuth on every non-public request.
func userFromContext(ctx context.Context) string {
	u, _ := ctx.Value(ctxUserKey).(string)
	return u
}

// wrapWithAuth enforces Bearer JWT auth on every route except
// publicPaths, per section 6. OPTIONS is let through unauthenticated so
// wrapWithCORS (applied outside this middleware) can answer preflight
// requests without a token.
func wrapWithAuth(next http.Handler, validator *webauth.Validator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		token, authErr := webauth.ExtractToken(r.Header.Get("Authorization"))
		if authErr != nil {
			writeError(w, authErr)
			return
		}
		claims, authErr := validator.Validate(r.Context(), token)
		if authErr != nil {
			writeError(w, authErr)
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
