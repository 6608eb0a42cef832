package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"actnexus/internal/books/models"
	ledgermodels "actnexus/internal/ledger/models"
	"actnexus/internal/processing"
	id "actnexus/pkg/domain"
	dErrors "actnexus/pkg/domain-errors"
	"actnexus/pkg/platform/httputil"
	"actnexus/pkg/platform/middleware/request"
)

// Service is the orchestrator surface exposed over HTTP.
type Service interface {
	Upload(ctx context.Context, bookID id.BookID, file processing.UploadFile, immediate bool) (*processing.UploadResult, error)
	Reprocess(ctx context.Context, bookID id.BookID, force bool) (*processing.Submission, error)
	GetStatus(ctx context.Context, bookID id.BookID) (*processing.StatusReport, error)
	Download(ctx context.Context, bookID id.BookID, mode processing.DownloadMode) (*processing.Download, error)
}

// multipartOverhead is allowed on top of the document size limit.
const multipartOverhead = 1 << 20

type Handler struct {
	service  Service
	logger   *slog.Logger
	maxBytes int64
}

func New(service Service, logger *slog.Logger, maxUploadBytes int64) *Handler {
	return &Handler{service: service, logger: logger, maxBytes: maxUploadBytes}
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/books/{bookID}", func(r chi.Router) {
		r.Post("/document", h.handleUpload)
		r.Get("/document", h.handleDownload)
		r.Post("/reprocess", h.handleReprocess)
		r.Get("/processing-status", h.handleStatus)
	})
}

type documentResponse struct {
	Bucket           string `json:"bucket"`
	Key              string `json:"key"`
	OriginalFilename string `json:"original_filename"`
	Size             int64  `json:"size"`
	PageCount        int    `json:"page_count"`
	Checksum         string `json:"checksum,omitempty"`
}

type uploadResponse struct {
	BookID            id.BookID        `json:"book_id"`
	Status            models.Status    `json:"status"`
	ProcessingStarted bool             `json:"processing_started"`
	JobID             *id.JobID        `json:"job_id,omitempty"`
	ProcessingError   string           `json:"processing_error,omitempty"`
	Document          documentResponse `json:"document"`
	Message           string           `json:"message"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bookID, err := bookIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	immediate, err := boolParam(r, "process_immediately", true)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	file, err := h.readUpload(w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	res, err := h.service.Upload(ctx, bookID, file, immediate)
	if err != nil {
		h.fail(ctx, w, "document upload failed", bookID, err)
		return
	}
	msg := "document stored"
	if res.ProcessingStarted {
		msg = "document stored; processing started"
	}
	httputil.WriteJSON(w, http.StatusAccepted, uploadResponse{
		BookID:            bookID,
		Status:            res.Book.Status,
		ProcessingStarted: res.ProcessingStarted,
		JobID:             res.JobID,
		ProcessingError:   res.ProcessingError,
		Message:           msg,
		Document: documentResponse{
			Bucket:           res.Document.Bucket,
			Key:              res.Document.Key,
			OriginalFilename: res.Book.File.OriginalFilename,
			Size:             res.Book.File.Size,
			PageCount:        res.Book.File.PageCount,
			Checksum:         res.Book.File.Checksum,
		},
	})
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (processing.UploadFile, error) {
	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	}
	part, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return processing.UploadFile{}, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("file exceeds %d bytes", h.maxBytes))
		}
		return processing.UploadFile{}, dErrors.New(dErrors.CodeBadRequest, "multipart field \"file\" is required")
	}
	defer part.Close()
	data, err := io.ReadAll(part)
	if err != nil {
		return processing.UploadFile{}, dErrors.New(dErrors.CodeBadRequest, "failed to read uploaded file")
	}
	return processing.UploadFile{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

type reprocessResponse struct {
	BookID   id.BookID     `json:"book_id"`
	Status   models.Status `json:"status"`
	JobID    id.JobID      `json:"job_id"`
	RunToken id.RunToken   `json:"run_token"`
	Message  string        `json:"message"`
}

func (h *Handler) handleReprocess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bookID, err := bookIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	force, err := boolParam(r, "force", false)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	sub, err := h.service.Reprocess(ctx, bookID, force)
	if err != nil {
		h.fail(ctx, w, "reprocess request failed", bookID, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, reprocessResponse{
		BookID:   bookID,
		Status:   models.StatusProcessing,
		JobID:    sub.Handle.ID(),
		RunToken: sub.Run.Token,
		Message:  "processing started",
	})
}

type usageSummary struct {
	ID            id.UsageEntryID     `json:"id"`
	OperationType string              `json:"operation_type"`
	Status        ledgermodels.Status `json:"status"`
	TokensTotal   int                 `json:"tokens_total"`
	Cost          float64             `json:"cost"`
	LatencyMS     int64               `json:"latency_ms"`
	ErrorMessage  string              `json:"error_message,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

type statusResponse struct {
	BookID              id.BookID                  `json:"book_id"`
	Number              int                        `json:"number"`
	Year                int                        `json:"year"`
	Status              models.Status              `json:"status"`
	File                *models.FileMeta           `json:"file,omitempty"`
	Metadata            *models.ProcessingMetadata `json:"processing_metadata,omitempty"`
	ErrorMessage        string                     `json:"error_message,omitempty"`
	ProcessingStartedAt *time.Time                 `json:"processing_started_at,omitempty"`
	ActCount            int                        `json:"act_count"`
	AIUsage             []usageSummary             `json:"ai_usage"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bookID, err := bookIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	report, err := h.service.GetStatus(ctx, bookID)
	if err != nil {
		h.fail(ctx, w, "processing status lookup failed", bookID, err)
		return
	}
	book := report.Book
	resp := statusResponse{
		BookID:       bookID,
		Number:       book.Number,
		Year:         book.Year,
		Status:       book.Status,
		Metadata:     book.Metadata,
		ErrorMessage: book.ErrorMessage,
		ActCount:     report.ActCount,
		AIUsage:      make([]usageSummary, 0, len(report.AIEntries)),
	}
	if book.HasDocument() {
		file := book.File
		resp.File = &file
	}
	if book.Status == models.StatusProcessing {
		resp.ProcessingStartedAt = book.ProcessingStartedAt
	}
	for _, e := range report.AIEntries {
		resp.AIUsage = append(resp.AIUsage, usageSummary{
			ID:            e.ID,
			OperationType: e.OperationType,
			Status:        e.Status,
			TokensTotal:   e.TokensTotal,
			Cost:          e.Cost,
			LatencyMS:     e.LatencyMS,
			ErrorMessage:  e.ErrorMessage,
			CreatedAt:     e.CreatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bookID, err := bookIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	mode, err := processing.ParseDownloadMode(r.URL.Query().Get("mode"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	dl, err := h.service.Download(ctx, bookID, mode)
	if err != nil {
		h.fail(ctx, w, "document download failed", bookID, err)
		return
	}
	if mode == processing.DownloadRedirect {
		http.Redirect(w, r, dl.URL, http.StatusTemporaryRedirect)
		return
	}
	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", dl.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(dl.Data); err != nil {
		h.logger.WarnContext(ctx, "document write interrupted",
			"request_id", request.GetRequestID(ctx),
			"book_id", bookID.String(),
			"error", err,
		)
	}
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, bookID id.BookID, err error) {
	level := slog.LevelWarn
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg,
		"request_id", request.GetRequestID(ctx),
		"book_id", bookID.String(),
		"error", err,
	)
	httputil.WriteError(w, err)
}

func bookIDParam(r *http.Request) (id.BookID, error) {
	return id.ParseBookID(chi.URLParam(r, "bookID"))
}

func boolParam(r *http.Request, name string, def bool) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, dErrors.New(dErrors.CodeValidation, name+" must be true or false")
	}
	return b, nil
}
