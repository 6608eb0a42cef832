package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"actnexus/internal/settings/models"
	dErrors "actnexus/pkg/domain-errors"
	"actnexus/pkg/platform/httputil"
	"actnexus/pkg/platform/middleware/request"
)

type Service interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Put(ctx context.Context, key string, value json.RawMessage) (*models.Setting, error)
	List(ctx context.Context) ([]*models.Setting, error)
	SetCacheEnabled(ctx context.Context, enabled bool) error
	ClearCache(ctx context.Context) error
	CacheEnabled() bool
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the settings routes. Callers wrap r with the admin guard.
func (h *Handler) Register(r chi.Router) {
	r.Get("/settings", h.handleList)
	r.Get("/settings/cache", h.handleCacheState)
	r.Post("/settings/cache/{action}", h.handleCacheAction)
	r.Get("/settings/{key}", h.handleGet)
	r.Put("/settings/{key}", h.handlePut)
}

type putRequest struct {
	Value json.RawMessage `json:"value"`
}

func (r *putRequest) Validate() error {
	if len(r.Value) == 0 {
		return dErrors.New(dErrors.CodeValidation, "value is required")
	}
	return nil
}

type cacheState struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	if list == nil {
		list = []*models.Setting{}
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := h.service.Get(r.Context(), key)
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.Setting{Key: key, Value: value})
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[putRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	setting, err := h.service.Put(ctx, chi.URLParam(r, "key"), req.Value)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, setting)
}

func (h *Handler) handleCacheState(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, cacheState{Enabled: h.service.CacheEnabled()})
}

func (h *Handler) handleCacheAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	switch chi.URLParam(r, "action") {
	case "enable":
		err = h.service.SetCacheEnabled(ctx, true)
	case "disable":
		err = h.service.SetCacheEnabled(ctx, false)
	case "clear":
		err = h.service.ClearCache(ctx)
	default:
		err = dErrors.New(dErrors.CodeNotFound, "unknown cache action")
	}
	if err != nil {
		h.fail(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cacheState{Enabled: h.service.CacheEnabled()})
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "settings request failed",
			"request_id", request.GetRequestID(ctx),
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}
