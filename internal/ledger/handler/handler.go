package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"actnexus/internal/ledger"
	"actnexus/internal/ledger/models"
	dErrors "actnexus/pkg/domain-errors"
	"actnexus/pkg/platform/httputil"
	"actnexus/pkg/platform/middleware/request"
	"actnexus/pkg/requestcontext"
)

// Service is the ledger surface exposed over HTTP.
type Service interface {
	Stats(ctx context.Context, w models.Window) (*models.Stats, error)
	CostAnalysis(ctx context.Context, w models.Window, topN int) (*models.CostAnalysis, error)
	Health(ctx context.Context) (*models.Health, error)
	Export(ctx context.Context, w models.Window, format ledger.ExportFormat, out io.Writer) (int, error)
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

const (
	maxDays         = 365
	defaultKeepDays = 90
)

// Handler serves the AI usage endpoints.
type Handler struct {
	service Service
	logger  *slog.Logger
	admin   func(http.Handler) http.Handler
}

// New builds the handler. admin guards the destructive cleanup route.
func New(service Service, logger *slog.Logger, admin func(http.Handler) http.Handler) *Handler {
	return &Handler{service: service, logger: logger, admin: admin}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/ai/usage/stats", h.handleStats)
	r.Get("/ai/usage/costs", h.handleCosts)
	r.Get("/ai/usage/health", h.handleHealth)
	r.Get("/ai/usage/export", h.handleExport)
	r.Group(func(r chi.Router) {
		if h.admin != nil {
			r.Use(h.admin)
		}
		r.Delete("/ai/usage", h.handleCleanup)
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	window, err := windowFromQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	stats, err := h.service.Stats(ctx, window)
	if err != nil {
		h.fail(ctx, w, "failed to compute usage stats", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleCosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	window, err := windowFromQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	top, err := intParam(r, "top", ledger.DefaultTopCalls, 1, 100)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	analysis, err := h.service.CostAnalysis(ctx, window, top)
	if err != nil {
		h.fail(ctx, w, "failed to compute cost analysis", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, analysis)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	health, err := h.service.Health(ctx)
	if err != nil {
		h.fail(ctx, w, "failed to compute ledger health", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, health)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	window, err := windowFromQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	format, err := ledger.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.Filename(window)))
	if _, err := h.service.Export(ctx, window, format, w); err != nil {
		h.logger.ErrorContext(ctx, "usage export failed",
			"request_id", request.GetRequestID(ctx),
			"error", err,
		)
	}
}

type cleanupResponse struct {
	Deleted  int64     `json:"deleted"`
	KeepDays int       `json:"keep_days"`
	Cutoff   time.Time `json:"cutoff"`
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keepDays, err := intParam(r, "keep_days", defaultKeepDays, 1, 3650)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	cutoff := requestcontext.Now(ctx).AddDate(0, 0, -keepDays)
	deleted, err := h.service.CleanupOlderThan(ctx, cutoff)
	if err != nil {
		h.fail(ctx, w, "usage cleanup failed", err)
		return
	}
	h.logger.InfoContext(ctx, "usage cleanup requested",
		"request_id", request.GetRequestID(ctx),
		"actor", requestcontext.Actor(ctx),
		"keep_days", keepDays,
		"deleted", deleted,
	)
	httputil.WriteJSON(w, http.StatusOK, cleanupResponse{Deleted: deleted, KeepDays: keepDays, Cutoff: cutoff})
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	level := slog.LevelWarn
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg,
		"request_id", request.GetRequestID(ctx),
		"error", err,
	)
	httputil.WriteError(w, err)
}

// windowFromQuery reads either start/end (RFC 3339 or YYYY-MM-DD) or days.
func windowFromQuery(r *http.Request) (models.Window, error) {
	q := r.URL.Query()
	now := requestcontext.Now(r.Context())
	if q.Get("start") == "" && q.Get("end") == "" {
		days, err := intParam(r, "days", ledger.DefaultStatsDays, 1, maxDays)
		if err != nil {
			return models.Window{}, err
		}
		return ledger.WindowForDays(now, days), nil
	}
	w := models.Window{End: now}
	var err error
	if v := q.Get("start"); v != "" {
		if w.Start, err = parseTime(v); err != nil {
			return models.Window{}, dErrors.New(dErrors.CodeValidation, "start must be a date or RFC 3339 timestamp")
		}
	} else {
		w.Start = now.AddDate(0, 0, -ledger.DefaultStatsDays)
	}
	if v := q.Get("end"); v != "" {
		if w.End, err = parseTime(v); err != nil {
			return models.Window{}, dErrors.New(dErrors.CodeValidation, "end must be a date or RFC 3339 timestamp")
		}
	}
	if !w.Start.Before(w.End) {
		return models.Window{}, dErrors.New(dErrors.CodeValidation, "start must be before end")
	}
	return w, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s must be an integer between %d and %d", name, lo, hi))
	}
	return n, nil
}
