// Package requesttime pins one "now" per request so a book transition and the
// ledger entries it writes carry the same timestamp.
package requesttime

import (
	"net/http"
	"time"

	"actnexus/pkg/requestcontext"
)

// Middleware stores the request start time, in UTC, on the context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now().UTC())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
