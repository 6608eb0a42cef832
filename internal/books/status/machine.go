// Package status owns the document-processing lifecycle of a book.
package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"actnexus/internal/books/models"
	id "actnexus/pkg/domain"
	dErrors "actnexus/pkg/domain-errors"
	"actnexus/pkg/platform/sentinel"
	"actnexus/pkg/requestcontext"
)

// Store is the persistence contract of the machine. Every mutating method is a
// guarded write that reports whether the guard held.
type Store interface {
	FindByID(ctx context.Context, bookID id.BookID) (*models.Book, error)
	RecordUpload(ctx context.Context, bookID id.BookID, ref models.BlobRef, meta models.FileMeta, from []models.Status) (bool, error)
	StartRun(ctx context.Context, bookID id.BookID, token id.RunToken, startedAt time.Time, from []models.Status) (bool, error)
	LockRun(ctx context.Context, bookID id.BookID, token id.RunToken) error
	FinishRun(ctx context.Context, bookID id.BookID, token id.RunToken, outcome models.Outcome, now time.Time) (bool, error)
	ReclaimStale(ctx context.Context, cutoff time.Time, message string, now time.Time) ([]id.BookID, error)
}

// TransitionRecorder observes applied transitions.
type TransitionRecorder interface {
	RecordTransition(from, to models.Status)
}

// ProcessingRequest carries the caller's intent for RequestProcessing.
type ProcessingRequest struct {
	// Immediate false only validates that processing could start.
	Immediate bool
	// Force supersedes a run that is still marked processing.
	Force bool
}

// AbandonedRunMessage is recorded on books whose run never reported back.
const AbandonedRunMessage = "processing run abandoned"

var (
	uploadableFrom = []models.Status{models.StatusNoDocument, models.StatusUploaded}
	startableFrom  = []models.Status{models.StatusUploaded, models.StatusCompleted, models.StatusFailed}
	forcedFrom     = []models.Status{models.StatusUploaded, models.StatusCompleted, models.StatusFailed, models.StatusProcessing}
)

// Machine applies the book lifecycle edges on top of a Store.
type Machine struct {
	store    Store
	logger   *slog.Logger
	recorder TransitionRecorder
}

type Option func(*Machine)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

func WithRecorder(r TransitionRecorder) Option {
	return func(m *Machine) {
		m.recorder = r
	}
}

func New(store Store, opts ...Option) *Machine {
	m := &Machine{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the current book snapshot.
func (m *Machine) Get(ctx context.Context, bookID id.BookID) (*models.Book, error) {
	book, err := m.store.FindByID(ctx, bookID)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to load book")
	}
	return book, nil
}

// RegisterUpload records a newly stored document and moves the book to uploaded.
// It returns the document the upload replaced, if any.
func (m *Machine) RegisterUpload(ctx context.Context, bookID id.BookID, ref models.BlobRef, meta models.FileMeta) (models.BlobRef, error) {
	if ref.IsZero() {
		return models.BlobRef{}, dErrors.New(dErrors.CodeValidation, "document reference is required")
	}
	book, err := m.store.FindByID(ctx, bookID)
	if err != nil {
		return models.BlobRef{}, wrapStoreErr(err, "failed to load book")
	}
	if err := uploadConflict(book.Status); err != nil {
		return models.BlobRef{}, err
	}

	if meta.UploadedAt.IsZero() {
		meta.UploadedAt = requestcontext.Now(ctx)
	}
	ok, err := m.store.RecordUpload(ctx, bookID, ref, meta, uploadableFrom)
	if err != nil {
		return models.BlobRef{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record upload")
	}
	if !ok {
		current, err := m.store.FindByID(ctx, bookID)
		if err != nil {
			return models.BlobRef{}, wrapStoreErr(err, "failed to load book")
		}
		if err := uploadConflict(current.Status); err != nil {
			return models.BlobRef{}, err
		}
		return models.BlobRef{}, dErrors.New(dErrors.CodeConflict, "book changed concurrently")
	}

	m.recordTransition(ctx, bookID, book.Status, models.StatusUploaded)
	return book.Document, nil
}

func uploadConflict(st models.Status) error {
	switch st {
	case models.StatusProcessing:
		return dErrors.New(dErrors.CodeConflict, "book is being processed")
	case models.StatusCompleted, models.StatusFailed:
		return dErrors.New(dErrors.CodeConflict, "document already processed; reprocess instead")
	}
	return nil
}

// RequestProcessing moves the book into processing with a fresh run token. The
// transition is a single conditional write, so of two concurrent non-forced
// requests exactly one receives a run and the other a conflict.
func (m *Machine) RequestProcessing(ctx context.Context, bookID id.BookID, req ProcessingRequest) (*models.Run, error) {
	book, err := m.store.FindByID(ctx, bookID)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to load book")
	}
	if err := startConflict(book, req.Force); err != nil {
		return nil, err
	}
	if !req.Immediate {
		return nil, nil
	}

	from := startableFrom
	if req.Force {
		from = forcedFrom
	}
	token := id.NewRunToken()
	startedAt := requestcontext.Now(ctx)
	ok, err := m.store.StartRun(ctx, bookID, token, startedAt, from)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to start processing")
	}
	if !ok {
		current, err := m.store.FindByID(ctx, bookID)
		if err != nil {
			return nil, wrapStoreErr(err, "failed to load book")
		}
		if err := startConflict(current, req.Force); err != nil {
			return nil, err
		}
		return nil, dErrors.New(dErrors.CodeConflict, "book changed concurrently")
	}

	if book.Status == models.StatusProcessing {
		m.logger.WarnContext(ctx, "processing run superseded",
			"book_id", bookID.String(),
			"previous_run_token", book.RunToken.String(),
			"run_token", token.String(),
		)
	}
	m.recordTransition(ctx, bookID, book.Status, models.StatusProcessing)

	snapshot := *book
	snapshot.Status = models.StatusProcessing
	snapshot.RunToken = token
	snapshot.ProcessingStartedAt = &startedAt
	snapshot.ErrorMessage = ""
	return &models.Run{BookID: bookID, Token: token, StartedAt: startedAt, Book: snapshot}, nil
}

func startConflict(book *models.Book, force bool) error {
	if !book.HasDocument() || book.Status == models.StatusNoDocument {
		return dErrors.New(dErrors.CodeNotFound, "book has no stored document")
	}
	if book.Status == models.StatusProcessing && !force {
		return dErrors.New(dErrors.CodeConflict, "book is already being processed")
	}
	return nil
}

// LockRun holds the book row for the surrounding transaction while run is
// still current. A superseded run gets a conflict.
func (m *Machine) LockRun(ctx context.Context, run *models.Run) error {
	if run == nil {
		return dErrors.New(dErrors.CodeInvalidRequest, "run is required")
	}
	if err := m.store.LockRun(ctx, run.BookID, run.Token); err != nil {
		if errors.Is(err, sentinel.ErrStale) {
			return dErrors.New(dErrors.CodeConflict, "processing run superseded")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to lock run")
	}
	return nil
}

// ReportOutcome finishes run. A run that was superseded or reclaimed is
// ignored and reported as not applied.
func (m *Machine) ReportOutcome(ctx context.Context, run *models.Run, outcome models.Outcome) (bool, error) {
	if run == nil {
		return false, dErrors.New(dErrors.CodeInvalidRequest, "run is required")
	}
	if outcome.Kind == models.OutcomeFailed && outcome.ErrorMessage == "" {
		outcome = models.Failed("")
	}
	applied, err := m.store.FinishRun(ctx, run.BookID, run.Token, outcome, requestcontext.Now(ctx))
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to report outcome")
	}
	if !applied {
		m.logger.WarnContext(ctx, "ignoring outcome of superseded run",
			"book_id", run.BookID.String(),
			"run_token", run.Token.String(),
			"outcome", string(outcome.Kind),
		)
		return false, nil
	}
	m.recordTransition(ctx, run.BookID, models.StatusProcessing, outcome.Status())
	return true, nil
}

// ReclaimStale fails runs that started before cutoff and never reported back.
func (m *Machine) ReclaimStale(ctx context.Context, cutoff time.Time) ([]id.BookID, error) {
	ids, err := m.store.ReclaimStale(ctx, cutoff, AbandonedRunMessage, requestcontext.Now(ctx))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to reclaim stale runs")
	}
	for _, bookID := range ids {
		m.recordTransition(ctx, bookID, models.StatusProcessing, models.StatusFailed)
	}
	if len(ids) > 0 {
		m.logger.WarnContext(ctx, "reclaimed abandoned processing runs", "count", len(ids))
	}
	return ids, nil
}

func (m *Machine) recordTransition(ctx context.Context, bookID id.BookID, from, to models.Status) {
	m.logger.InfoContext(ctx, "book status changed",
		"book_id", bookID.String(),
		"from", string(from),
		"to", string(to),
	)
	if m.recorder != nil {
		m.recorder.RecordTransition(from, to)
	}
}

func wrapStoreErr(err error, msg string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "book not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
