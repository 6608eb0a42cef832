// Package processing drives a book from uploaded PDF to persisted acts: it
// stores the document, claims the book for a run, calls the extraction flow
// on a worker and records the outcome.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"actnexus/internal/books/models"
	"actnexus/internal/books/status"
	"actnexus/internal/extraction"
	"actnexus/internal/ledger"
	ledgermodels "actnexus/internal/ledger/models"
	"actnexus/internal/objectstore"
	"actnexus/internal/pdfdoc"
	"actnexus/internal/platform/workqueue"
	"actnexus/internal/processing/events"
	processingmetrics "actnexus/internal/processing/metrics"
	settingsmodels "actnexus/internal/settings/models"
	id "actnexus/pkg/domain"
	dErrors "actnexus/pkg/domain-errors"
	"actnexus/pkg/platform/sentinel"
	"actnexus/pkg/requestcontext"
)

// DocumentStore is the object store surface used for book PDFs.
type DocumentStore interface {
	Put(ctx context.Context, data []byte, filename, prefix string) (objectstore.Ref, error)
	Get(ctx context.Context, ref objectstore.Ref) ([]byte, error)
	Stat(ctx context.Context, ref objectstore.Ref) (objectstore.ObjectInfo, error)
	PresignedURL(ctx context.Context, ref objectstore.Ref, ttl time.Duration, method string) (string, error)
	Delete(ctx context.Context, ref objectstore.Ref) error
}

// Extractor calls an AI flow.
type Extractor interface {
	Extract(ctx context.Context, req extraction.Request) (extraction.Result, error)
}

// ActStore persists extracted acts.
type ActStore interface {
	DeleteByBook(ctx context.Context, bookID id.BookID) (int, error)
	Insert(ctx context.Context, act *models.Act) error
	ListByBook(ctx context.Context, bookID id.BookID) ([]*models.Act, error)
}

// TxRunner runs fn in one database transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Queue schedules runs off the request path.
type Queue interface {
	Submit(name string, task workqueue.Task, opts ...workqueue.SubmitOption) (*workqueue.Handle, error)
}

// NotarySource supplies the office context sent with every document.
type NotarySource interface {
	NotaryOffice(ctx context.Context) settingsmodels.NotaryOffice
}

// Config tunes the orchestrator.
type Config struct {
	ExtractorURLTTL  time.Duration
	DownloadURLTTL   time.Duration
	MaxUploadBytes   int64
	ExtractorVersion string
}

const (
	scheduleFailedMessage = "could not schedule processing"
	panicMessage          = "internal error during processing"
	ledgerFailedMessage   = "could not record AI usage; extraction not attempted"
	documentURLMessage    = "could not prepare document for extraction"
	statusEntriesLimit    = 20
)

type Service struct {
	machine   *status.Machine
	acts      ActStore
	tx        TxRunner
	docs      DocumentStore
	extractor Extractor
	ledger    *ledger.Service
	queue     Queue
	inspector *pdfdoc.Inspector
	notary    NotarySource
	events    events.Publisher
	metrics   *processingmetrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *processingmetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithEvents(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithNotary(n NotarySource) Option {
	return func(s *Service) {
		s.notary = n
	}
}

func WithConfig(cfg Config) Option {
	return func(s *Service) {
		if cfg.ExtractorURLTTL > 0 {
			s.cfg.ExtractorURLTTL = cfg.ExtractorURLTTL
		}
		if cfg.DownloadURLTTL > 0 {
			s.cfg.DownloadURLTTL = cfg.DownloadURLTTL
		}
		if cfg.MaxUploadBytes > 0 {
			s.cfg.MaxUploadBytes = cfg.MaxUploadBytes
		}
		if cfg.ExtractorVersion != "" {
			s.cfg.ExtractorVersion = cfg.ExtractorVersion
		}
	}
}

func New(
	machine *status.Machine,
	acts ActStore,
	tx TxRunner,
	docs DocumentStore,
	extractor Extractor,
	usage *ledger.Service,
	queue Queue,
	opts ...Option,
) *Service {
	s := &Service{
		machine:   machine,
		acts:      acts,
		tx:        tx,
		docs:      docs,
		extractor: extractor,
		ledger:    usage,
		queue:     queue,
		inspector: pdfdoc.NewInspector(),
		events:    events.Noop{},
		logger:    slog.Default(),
		tracer:    otel.Tracer("actnexus/processing"),
		cfg: Config{
			ExtractorURLTTL:  time.Hour,
			DownloadURLTTL:   15 * time.Minute,
			MaxUploadBytes:   100 << 20,
			ExtractorVersion: "langflow_v1",
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OperationID is the ledger operation id of a book's ingestion calls.
func OperationID(bookID id.BookID) string {
	return "book:" + bookID.String()
}

func toBlobRef(ref objectstore.Ref) models.BlobRef {
	return models.BlobRef{Bucket: ref.Bucket, Key: ref.Key}
}

func toObjectRef(ref models.BlobRef) objectstore.Ref {
	return objectstore.Ref{Bucket: ref.Bucket, Key: ref.Key}
}

// UploadFile is a document received from a client.
type UploadFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// UploadResult reports a stored document and whether processing started.
type UploadResult struct {
	Book              *models.Book
	Document          models.BlobRef
	ProcessingStarted bool
	JobID             *id.JobID
	ProcessingError   string
}

// Upload validates and stores the PDF of a book and, when immediate, starts
// processing it. A failed registration removes the stored object again.
func (s *Service) Upload(ctx context.Context, bookID id.BookID, file UploadFile, immediate bool) (*UploadResult, error) {
	if err := pdfdoc.CheckUpload(file.Filename, file.ContentType, int64(len(file.Data)), s.cfg.MaxUploadBytes); err != nil {
		return nil, err
	}
	info, err := s.inspector.Inspect(file.Data)
	if err != nil {
		return nil, err
	}
	book, err := s.machine.Get(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if book.Status == models.StatusProcessing {
		return nil, dErrors.New(dErrors.CodeConflict, "book is being processed")
	}

	ref, err := s.docs.Put(ctx, file.Data, file.Filename, fmt.Sprintf("books/%d", bookID))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to store document")
	}
	meta := models.FileMeta{
		OriginalFilename: file.Filename,
		Size:             int64(len(file.Data)),
		ContentType:      "application/pdf",
		PageCount:        info.PageCount,
		Checksum:         info.Checksum,
		UploadedAt:       requestcontext.Now(ctx),
	}
	previous, err := s.machine.RegisterUpload(ctx, bookID, toBlobRef(ref), meta)
	if err != nil {
		s.deleteObject(ctx, ref, "orphaned upload")
		return nil, err
	}
	if !previous.IsZero() && previous != toBlobRef(ref) {
		s.deleteObject(ctx, toObjectRef(previous), "replaced document")
	}
	s.logger.InfoContext(ctx, "book document stored",
		"book_id", bookID.String(),
		"object", ref.String(),
		"pages", info.PageCount,
		"size", len(file.Data),
	)

	result := &UploadResult{Document: toBlobRef(ref)}
	if immediate {
		sub, err := s.Submit(ctx, bookID, false)
		if err != nil {
			s.logger.WarnContext(ctx, "processing not started after upload",
				"book_id", bookID.String(),
				"error", err,
			)
			result.ProcessingError = err.Error()
			if de, ok := dErrors.As(err); ok {
				result.ProcessingError = de.Message
			}
		} else {
			jobID := sub.Handle.ID()
			result.ProcessingStarted = true
			result.JobID = &jobID
		}
	}
	result.Book, err = s.machine.Get(ctx, bookID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) deleteObject(ctx context.Context, ref objectstore.Ref, reason string) {
	if err := s.docs.Delete(requestcontext.Detach(ctx), ref); err != nil && !errors.Is(err, objectstore.ErrObjectNotFound) {
		s.logger.WarnContext(ctx, "failed to delete stored document",
			"object", ref.String(),
			"reason", reason,
			"error", err,
		)
	}
}

// Submission is an accepted processing request.
type Submission struct {
	Run    *models.Run
	Handle *workqueue.Handle
}

// jobGroup tags processing runs in the shared work pool.
const jobGroup = "processing"

// Submit claims the book for a new run and queues it. It returns without
// waiting for the AI service.
func (s *Service) Submit(ctx context.Context, bookID id.BookID, force bool) (*Submission, error) {
	run, err := s.machine.RequestProcessing(ctx, bookID, status.ProcessingRequest{Immediate: true, Force: force})
	if err != nil {
		return nil, err
	}

	actor := requestcontext.Actor(ctx)
	requestID := requestcontext.RequestID(ctx)
	handle, err := s.queue.Submit("process_book:"+bookID.String(), func(taskCtx context.Context) (any, error) {
		taskCtx = requestcontext.WithRequestID(requestcontext.WithActor(taskCtx, actor), requestID)
		return s.execute(taskCtx, run)
	}, workqueue.OwnedBy(jobGroup, actor))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to queue processing run",
			"book_id", bookID.String(),
			"run_token", run.Token.String(),
			"error", err,
		)
		s.finish(requestcontext.Detach(ctx), run, models.Failed(scheduleFailedMessage), 0)
		if errors.Is(err, workqueue.ErrQueueFull) {
			return nil, dErrors.New(dErrors.CodeUnavailable, "processing queue is full; try again later")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, scheduleFailedMessage)
	}

	s.metrics.IncRunsStarted()
	s.logger.InfoContext(ctx, "processing run queued",
		"book_id", bookID.String(),
		"run_token", run.Token.String(),
		"job_id", handle.ID().String(),
		"force", force,
	)
	return &Submission{Run: run, Handle: handle}, nil
}

// Reprocess checks that the stored document is still present and submits a
// new run.
func (s *Service) Reprocess(ctx context.Context, bookID id.BookID, force bool) (*Submission, error) {
	book, err := s.machine.Get(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if !book.HasDocument() {
		return nil, dErrors.New(dErrors.CodeNotFound, "book has no stored document")
	}
	if _, err := s.docs.Stat(ctx, toObjectRef(book.Document)); err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "stored document is missing")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to check stored document")
	}
	return s.Submit(ctx, bookID, force)
}

// StatusReport is the processing view of one book.
type StatusReport struct {
	Book      *models.Book
	ActCount  int
	AIEntries []*ledgermodels.Entry
}

// GetStatus reads the book, its act count and its recent AI calls.
func (s *Service) GetStatus(ctx context.Context, bookID id.BookID) (*StatusReport, error) {
	book, err := s.machine.Get(ctx, bookID)
	if err != nil {
		return nil, err
	}
	acts, err := s.acts.ListByBook(ctx, bookID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count acts")
	}
	entries, err := s.ledger.Entries(ctx, OperationID(bookID), statusEntriesLimit)
	if err != nil {
		return nil, err
	}
	return &StatusReport{Book: book, ActCount: len(acts), AIEntries: entries}, nil
}

// DownloadMode selects how a stored document is returned.
type DownloadMode string

const (
	DownloadRedirect DownloadMode = "redirect"
	DownloadDirect   DownloadMode = "direct"
)

func ParseDownloadMode(s string) (DownloadMode, error) {
	switch DownloadMode(s) {
	case "", DownloadRedirect:
		return DownloadRedirect, nil
	case DownloadDirect:
		return DownloadDirect, nil
	default:
		return "", dErrors.New(dErrors.CodeValidation, "mode must be redirect or direct")
	}
}

// Download is either a presigned URL or the document bytes.
type Download struct {
	URL         string
	Data        []byte
	Filename    string
	ContentType string
}

func (s *Service) Download(ctx context.Context, bookID id.BookID, mode DownloadMode) (*Download, error) {
	book, err := s.machine.Get(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if !book.HasDocument() {
		return nil, dErrors.New(dErrors.CodeNotFound, "book has no stored document")
	}
	ref := toObjectRef(book.Document)
	out := &Download{Filename: book.File.OriginalFilename, ContentType: book.File.ContentType}
	if out.ContentType == "" {
		out.ContentType = objectstore.ContentTypeFor(book.Document.Key)
	}

	if mode == DownloadDirect {
		out.Data, err = s.docs.Get(ctx, ref)
	} else {
		out.URL, err = s.docs.PresignedURL(ctx, ref, s.cfg.DownloadURLTTL, http.MethodGet)
	}
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) || errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "stored document is missing")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to fetch document")
	}
	return out, nil
}

// RunReclaimer fails runs older than staleAfter once now and then every
// interval until ctx ends. It recovers books left in processing by a crash.
func (s *Service) RunReclaimer(ctx context.Context, interval, staleAfter time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ids, err := s.machine.ReclaimStale(ctx, time.Now().Add(-staleAfter))
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to reclaim stale runs", "error", err)
		}
		s.metrics.AddReclaimed(len(ids))
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// documentContext is sent with each ingestion call.
func (s *Service) documentContext(ctx context.Context, book models.Book) map[string]any {
	out := map[string]any{
		"livro_numero": book.Number,
		"livro_ano":    book.Year,
		"livro_tipo":   book.Type,
	}
	if s.notary != nil {
		office := s.notary.NotaryOffice(ctx)
		out["cartorio_info"] = map[string]any{
			"nome":   office.Name,
			"cidade": office.City,
			"estado": office.State,
		}
	}
	return out
}

// stripQuery drops presigned credentials before a URL reaches the ledger.
func stripQuery(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
