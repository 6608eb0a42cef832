package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"actnexus/pkg/platform/httputil"
	request "actnexus/pkg/platform/middleware/request"
	"actnexus/pkg/requestcontext"
)

// Limit is the budget of one endpoint class.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Middleware enforces per-actor limits. Store errors let the request through.
type Middleware struct {
	store    Store
	logger   *slog.Logger
	disabled bool
}

type Option func(*Middleware)

// WithDisabled turns every check into a pass-through.
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

func New(store Store, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{store: store, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

type exceededResponse struct {
	Error      string    `json:"error"`
	Message    string    `json:"message"`
	Limit      int       `json:"limit"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after"`
}

// Limit guards a class of routes. Callers are keyed by actor, or by client IP
// when the request is anonymous. Reads are not counted.
func (m *Middleware) Limit(class string, limit Limit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.disabled || limit.Requests <= 0 || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			key := callerKey(r) + ":" + class

			result, err := m.store.Allow(ctx, key, limit.Requests, limit.Window)
			if err != nil {
				m.logger.ErrorContext(ctx, "rate limit check failed",
					"request_id", request.GetRequestID(ctx),
					"class", class,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			if !result.Allowed {
				m.logger.WarnContext(ctx, "rate limit exceeded",
					"request_id", request.GetRequestID(ctx),
					"actor", requestcontext.Actor(ctx),
					"class", class,
				)
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
				httputil.WriteJSON(w, http.StatusTooManyRequests, exceededResponse{
					Error:      "rate_limit_exceeded",
					Message:    "Too many AI requests. Please try again later.",
					Limit:      result.Limit,
					ResetAt:    result.ResetAt.UTC(),
					RetryAfter: result.RetryAfter,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	ctx := r.Context()
	if actor := requestcontext.Actor(ctx); actor != "" {
		return "actor:" + actor
	}
	if ip := requestcontext.ClientIP(ctx); ip != "" {
		return "ip:" + ip
	}
	return "ip:unknown"
}
