package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	assistanthandler "actnexus/internal/assistant/handler"
	jwttoken "actnexus/internal/jwt_token"
	ledgerhandler "actnexus/internal/ledger/handler"
	processinghandler "actnexus/internal/processing/handler"
	"actnexus/internal/ratelimit"
	settingshandler "actnexus/internal/settings/handler"
	"actnexus/pkg/platform/httputil"
	"actnexus/pkg/platform/middleware/admin"
	"actnexus/pkg/platform/middleware/auth"
	"actnexus/pkg/platform/middleware/metadata"
	request "actnexus/pkg/platform/middleware/request"
	"actnexus/pkg/platform/middleware/requesttime"
)

const healthProbeTimeout = 3 * time.Second

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(a.log))
	r.Use(request.Logger(a.log))
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(request.LatencyMiddleware(a.httpm))

	r.Get("/health", a.handleHealth)
	r.Get("/health/ai", a.handleAIHealth)
	r.Handle("/metrics", promhttp.Handler())

	jwtService := jwttoken.NewJWTService(a.cfg.Auth.JWTSigningKey, a.cfg.Auth.Issuer, a.cfg.Auth.Audience)
	requireAdmin := admin.RequireAdmin(a.cfg.Auth.AdminToken, a.log)
	aiLimit := a.limiter.Limit("ai", ratelimit.Limit{
		Requests: a.cfg.RateLimit.AIRequests,
		Window:   a.cfg.RateLimit.Window,
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(jwttoken.NewJWTServiceAdapter(jwtService), a.log))

		// Uploads can outlive the default request deadline.
		r.Group(func(r chi.Router) {
			r.Use(aiLimit)
			processinghandler.New(a.processing, a.log, a.cfg.Server.MaxUploadBytes).Register(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(request.Timeout(a.cfg.Server.RequestTimeout))
			r.With(aiLimit).Group(func(r chi.Router) {
				assistanthandler.New(a.assistant, a.log).Register(r)
			})
			ledgerhandler.New(a.usage, a.log, requireAdmin).Register(r)
			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				settingshandler.New(a.settings, a.log).Register(r)
			})
		})
	})
	return r
}

type healthResponse struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks"`
	QueueDepth int               `json:"queue_depth"`
	Redis      bool              `json:"redis_enabled"`
	CheckedAt  time.Time         `json:"checked_at"`
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	resp := healthResponse{
		Status:     "ok",
		Checks:     map[string]string{"database": "ok"},
		QueueDepth: a.pool.Depth(),
		Redis:      a.redis != nil,
		CheckedAt:  time.Now().UTC(),
	}
	if err := a.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Checks["database"] = "unreachable"
	}
	if a.redis != nil {
		resp.Checks["redis"] = "ok"
		if err := a.redis.Health(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks["redis"] = "unreachable"
		}
	}
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, resp)
}

func (a *app) handleAIHealth(w http.ResponseWriter, r *http.Request) {
	st := a.extractor.Health(r.Context())
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, st)
}
