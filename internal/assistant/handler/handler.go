package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"actnexus/internal/assistant"
	"actnexus/internal/platform/workqueue"
	id "actnexus/pkg/domain"
	dErrors "actnexus/pkg/domain-errors"
	"actnexus/pkg/platform/httputil"
	"actnexus/pkg/platform/middleware/request"
)

type Service interface {
	RequestDetails(ctx context.Context, req assistant.DetailsRequest) (*workqueue.Handle, error)
	Search(ctx context.Context, req assistant.SearchRequest) (*workqueue.Handle, error)
	Summarize(ctx context.Context, req assistant.SummaryRequest) (*workqueue.Handle, error)
	Classify(ctx context.Context, req assistant.ClassificationRequest) (*workqueue.Handle, error)
	Job(ctx context.Context, jobID id.JobID) (*assistant.JobView, error)
	Cancel(ctx context.Context, jobID id.JobID) error
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/ai/acts/{actID}/details", h.handleDetails)
	r.Post("/ai/search", h.handleSearch)
	r.Post("/ai/summaries", h.handleSummary)
	r.Post("/ai/classifications", h.handleClassification)
	r.Get("/ai/jobs/{jobID}", h.handleJob)
	r.Delete("/ai/jobs/{jobID}", h.handleCancel)
}

type detailsBody struct {
	Content   string         `json:"content,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	UpdateAct bool           `json:"update_act,omitempty"`
}

func (b *detailsBody) Validate() error { return nil }

type jobAccepted struct {
	JobID   id.JobID        `json:"job_id"`
	Name    string          `json:"name"`
	State   workqueue.State `json:"state"`
	PollURL string          `json:"poll_url"`
}

func (h *Handler) handleDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actID, err := id.ParseActID(chi.URLParam(r, "actID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	body, ok := httputil.DecodeAndPrepare[detailsBody](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	handle, err := h.service.RequestDetails(ctx, assistant.DetailsRequest{
		ActID:     actID,
		Content:   body.Content,
		Context:   body.Context,
		UpdateAct: body.UpdateAct,
	})
	h.accepted(ctx, w, handle, err)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[assistant.SearchRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	handle, err := h.service.Search(ctx, *req)
	h.accepted(ctx, w, handle, err)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[assistant.SummaryRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	handle, err := h.service.Summarize(ctx, *req)
	h.accepted(ctx, w, handle, err)
}

func (h *Handler) handleClassification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[assistant.ClassificationRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	handle, err := h.service.Classify(ctx, *req)
	h.accepted(ctx, w, handle, err)
}

func (h *Handler) accepted(ctx context.Context, w http.ResponseWriter, handle *workqueue.Handle, err error) {
	if err != nil {
		h.fail(ctx, w, "assistant job rejected", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, jobAccepted{
		JobID:   handle.ID(),
		Name:    handle.Name(),
		State:   handle.State(),
		PollURL: "/ai/jobs/" + handle.ID().String(),
	})
}

func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	view, err := h.service.Job(ctx, jobID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.service.Cancel(ctx, jobID); err != nil {
		h.fail(ctx, w, "job cancel failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
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
