package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"actnexus/pkg/platform/middleware/auth"
	request "actnexus/pkg/platform/middleware/request"
	"actnexus/pkg/requestcontext"
)

// RoleAdmin grants access to operator endpoints (retention sweep, cache toggles, settings).
const RoleAdmin = "admin"

// RequireAdmin admits callers whose token carries the admin role, or who
// present the static operator token in X-Admin-Token when one is configured.
func RequireAdmin(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if auth.HasRole(ctx, RoleAdmin) {
				next.ServeHTTP(w, r)
				return
			}
			token := r.Header.Get("X-Admin-Token")
			// Use constant-time comparison to prevent timing attacks
			if expectedToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			logger.WarnContext(ctx, "admin access denied",
				"actor", requestcontext.Actor(ctx),
				"request_id", request.GetRequestID(ctx),
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"forbidden","error_description":"admin role required"}`))
		})
	}
}
