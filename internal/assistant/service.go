// Package assistant runs the on-demand AI flows (act details, semantic search,
// summaries and classification) as queued jobs. Every job records one usage
// ledger entry and is polled through its job id.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"actnexus/internal/books/models"
	"actnexus/internal/extraction"
	"actnexus/internal/ledger"
	"actnexus/internal/platform/workqueue"
	id "actnexus/pkg/domain"
	dErrors "actnexus/pkg/domain-errors"
	"actnexus/pkg/platform/sentinel"
	"actnexus/pkg/requestcontext"
)

type Extractor interface {
	Extract(ctx context.Context, req extraction.Request) (extraction.Result, error)
}

// ActStore reads acts and applies detail extraction results to them.
type ActStore interface {
	FindByID(ctx context.Context, actID id.ActID) (*models.Act, error)
	ApplyDetails(ctx context.Context, actID id.ActID, parties []models.Party, confidence float64) error
}

type Queue interface {
	Submit(name string, task workqueue.Task, opts ...workqueue.SubmitOption) (*workqueue.Handle, error)
	Lookup(jobID id.JobID) (*workqueue.Handle, bool)
}

// jobGroup tags assistant handles in a pool shared with book processing.
const jobGroup = "assistant"

const (
	maxContentChars = 100_000
	maxSearchLimit  = 100
)

type Service struct {
	extractor Extractor
	acts      ActStore
	ledger    *ledger.Service
	queue     Queue
	logger    *slog.Logger
	tracer    trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(extractor Extractor, acts ActStore, usage *ledger.Service, queue Queue, opts ...Option) *Service {
	s := &Service{
		extractor: extractor,
		acts:      acts,
		ledger:    usage,
		queue:     queue,
		logger:    slog.Default(),
		tracer:    otel.Tracer("actnexus/assistant"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DetailsRequest asks for the parties, dates and values of one act.
type DetailsRequest struct {
	ActID   id.ActID
	Content string
	Context map[string]any
	// UpdateAct stores the extracted parties and confidence on the act.
	UpdateAct bool
}

type DetailsResult struct {
	ActID          id.ActID                    `json:"act_id"`
	Parties        []extraction.ExtractedParty `json:"parties"`
	ImportantDates []json.RawMessage           `json:"important_dates"`
	Values         []json.RawMessage           `json:"values"`
	Notes          string                      `json:"notes,omitempty"`
	Confidence     float64                     `json:"confidence"`
	Tags           []string                    `json:"tags"`
	Summary        string                      `json:"summary,omitempty"`
	ActUpdated     bool                        `json:"act_updated"`
}

// RequestDetails queues detail extraction for an act. The content defaults
// to the act's markdown, then its original text.
func (s *Service) RequestDetails(ctx context.Context, req DetailsRequest) (*workqueue.Handle, error) {
	act, err := s.acts.FindByID(ctx, req.ActID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "act not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load act")
	}
	content := firstNonBlank(req.Content, act.MarkdownContent, act.OriginalContent)
	if content == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "act has no content to analyze")
	}
	if err := checkContent(content); err != nil {
		return nil, err
	}

	flowCtx := map[string]any{
		"livro_id":   int64(act.BookID),
		"ato_numero": act.Number,
		"ato_tipo":   act.Type,
	}
	for k, v := range req.Context {
		flowCtx[k] = v
	}
	flowReq := extraction.DetailRequest{ActID: int64(act.ID), Content: content, Context: flowCtx}

	return s.enqueue(ctx, "act_details:"+act.ID.String(), "act:"+act.ID.String(), flowReq,
		func(ctx context.Context, res extraction.Result) (any, error) {
			details, ok := res.(*extraction.DetailExtraction)
			if !ok {
				return nil, dErrors.New(dErrors.CodeBadGateway, "unexpected detail extraction result")
			}
			out := &DetailsResult{
				ActID:          act.ID,
				Parties:        details.Parties,
				ImportantDates: details.ImportantDates,
				Values:         details.Values,
				Notes:          details.Notes,
				Confidence:     details.Confidence,
				Tags:           details.Tags,
				Summary:        details.Summary,
			}
			if req.UpdateAct && len(details.Parties) > 0 {
				parties := make([]models.Party, 0, len(details.Parties))
				for _, p := range details.Parties {
					parties = append(parties, models.Party{Name: p.Name, Role: p.Role, Document: p.Document})
				}
				if err := s.acts.ApplyDetails(ctx, act.ID, parties, details.Confidence); err != nil {
					return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update act with extracted details")
				}
				out.ActUpdated = true
			}
			return out, nil
		})
}

// SearchRequest is a semantic search over extracted acts.
type SearchRequest struct {
	Query         string         `json:"query"`
	Filters       map[string]any `json:"filters,omitempty"`
	Limit         int            `json:"limit,omitempty"`
	MinSimilarity float64        `json:"min_similarity,omitempty"`
}

func (r *SearchRequest) Validate() error {
	r.Query = strings.TrimSpace(r.Query)
	if r.Query == "" {
		return dErrors.New(dErrors.CodeValidation, "query is required")
	}
	if r.Limit < 0 || r.Limit > maxSearchLimit {
		return dErrors.New(dErrors.CodeValidation, "limit must be between 1 and 100")
	}
	if r.MinSimilarity < 0 || r.MinSimilarity > 1 {
		return dErrors.New(dErrors.CodeValidation, "min_similarity must be between 0 and 1")
	}
	return nil
}

type SearchResult struct {
	Query string                 `json:"query"`
	Hits  []extraction.SearchHit `json:"results"`
	Total int                    `json:"total"`
}

func (s *Service) Search(ctx context.Context, req SearchRequest) (*workqueue.Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	flowReq := extraction.SearchRequest{
		Query:         req.Query,
		Filters:       req.Filters,
		Limit:         req.Limit,
		MinSimilarity: req.MinSimilarity,
	}
	return s.enqueue(ctx, "semantic_search", requestOperationID(ctx), flowReq,
		func(_ context.Context, res extraction.Result) (any, error) {
			found, ok := res.(*extraction.SemanticSearchResult)
			if !ok {
				return nil, dErrors.New(dErrors.CodeBadGateway, "unexpected search result")
			}
			query := found.Query
			if query == "" {
				query = req.Query
			}
			return &SearchResult{Query: query, Hits: found.Hits, Total: len(found.Hits)}, nil
		})
}

// SummaryRequest summarizes free text.
type SummaryRequest struct {
	Content string         `json:"content"`
	Type    string         `json:"type,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

func (r *SummaryRequest) Validate() error {
	if err := checkContent(r.Content); err != nil {
		return err
	}
	switch r.Type {
	case "", extraction.SummaryBrief, extraction.SummaryDetailed:
		return nil
	default:
		return dErrors.New(dErrors.CodeValidation, "type must be brief or detailed")
	}
}

type SummaryResult struct {
	Summary    string   `json:"summary"`
	Keywords   []string `json:"keywords"`
	Confidence float64  `json:"confidence"`
	WordCount  int      `json:"word_count"`
}

func (s *Service) Summarize(ctx context.Context, req SummaryRequest) (*workqueue.Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	flowReq := extraction.SummaryRequest{Content: req.Content, Type: req.Type, Context: req.Context}
	return s.enqueue(ctx, "summarization", requestOperationID(ctx), flowReq,
		func(_ context.Context, res extraction.Result) (any, error) {
			summary, ok := res.(*extraction.Summary)
			if !ok {
				return nil, dErrors.New(dErrors.CodeBadGateway, "unexpected summary result")
			}
			return &SummaryResult{
				Summary:    summary.Text,
				Keywords:   summary.Keywords,
				Confidence: summary.Confidence,
				WordCount:  summary.WordCount,
			}, nil
		})
}

// ClassificationRequest classifies a document, optionally with a type hint.
type ClassificationRequest struct {
	Content  string `json:"content"`
	HintType string `json:"hint_type,omitempty"`
}

func (r *ClassificationRequest) Validate() error {
	return checkContent(r.Content)
}

type ClassificationResult struct {
	Label      string            `json:"classification"`
	Confidence float64           `json:"confidence"`
	Entities   []json.RawMessage `json:"entities"`
	Categories []string          `json:"categories"`
	Reasoning  string            `json:"reasoning,omitempty"`
}

func (s *Service) Classify(ctx context.Context, req ClassificationRequest) (*workqueue.Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	flowReq := extraction.ClassificationRequest{Content: req.Content, HintType: req.HintType}
	return s.enqueue(ctx, "classification", requestOperationID(ctx), flowReq,
		func(_ context.Context, res extraction.Result) (any, error) {
			c, ok := res.(*extraction.Classification)
			if !ok {
				return nil, dErrors.New(dErrors.CodeBadGateway, "unexpected classification result")
			}
			return &ClassificationResult{
				Label:      c.Label,
				Confidence: c.Confidence,
				Entities:   c.Entities,
				Categories: c.Categories,
				Reasoning:  c.Reasoning,
			}, nil
		})
}

// JobView is the polled state of an assistant job.
type JobView struct {
	ID          id.JobID        `json:"job_id"`
	Name        string          `json:"name"`
	State       workqueue.State `json:"state"`
	Result      any             `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Job returns the state of a retained job.
func (s *Service) Job(ctx context.Context, jobID id.JobID) (*JobView, error) {
	h, err := s.lookup(ctx, jobID)
	if err != nil {
		return nil, err
	}
	snap := h.Snapshot()
	view := &JobView{
		ID:          snap.ID,
		Name:        snap.Name,
		State:       snap.State,
		Result:      snap.Result,
		SubmittedAt: snap.SubmittedAt,
		StartedAt:   timePtr(snap.StartedAt),
		FinishedAt:  timePtr(snap.FinishedAt),
	}
	if snap.Err != nil {
		view.ErrorCode = string(dErrors.CodeOf(snap.Err))
		view.Error = "job failed"
		if de, ok := dErrors.As(snap.Err); ok {
			view.Error = de.Message
		}
	}
	return view, nil
}

// Cancel withdraws a job that has not started yet.
func (s *Service) Cancel(ctx context.Context, jobID id.JobID) error {
	h, err := s.lookup(ctx, jobID)
	if err != nil {
		return err
	}
	if !h.Cancel() {
		return dErrors.New(dErrors.CodeConflict, "job already started")
	}
	return nil
}

// lookup only sees assistant jobs submitted by the calling actor. Other
// handles in the pool are reported as missing.
func (s *Service) lookup(ctx context.Context, jobID id.JobID) (*workqueue.Handle, error) {
	h, ok := s.queue.Lookup(jobID)
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "job not found")
	}
	owner := h.Owner()
	if owner.Group != jobGroup || owner.Actor != requestcontext.Actor(ctx) {
		return nil, dErrors.New(dErrors.CodeNotFound, "job not found")
	}
	return h, nil
}

type convertFunc func(ctx context.Context, res extraction.Result) (any, error)

// enqueue queues one tracked flow call. The job result is convert's output;
// a failed call leaves a domain error on the handle.
func (s *Service) enqueue(ctx context.Context, name, operationID string, req extraction.Request, convert convertFunc) (*workqueue.Handle, error) {
	call := extraction.Describe(req)
	actor := requestcontext.Actor(ctx)
	requestID := requestcontext.RequestID(ctx)

	h, err := s.queue.Submit(name, func(taskCtx context.Context) (any, error) {
		taskCtx = requestcontext.WithRequestID(requestcontext.WithActor(taskCtx, actor), requestID)
		taskCtx, span := s.tracer.Start(taskCtx, "assistant."+string(req.Kind()),
			trace.WithAttributes(attribute.String("operation.id", operationID)))
		defer span.End()

		var res extraction.Result
		err := s.ledger.Track(taskCtx, ledger.Call{
			OperationType: string(req.Kind()),
			OperationID:   operationID,
			Prompt:        call.Prompt,
			Input:         map[string]any{"inputs": call.Inputs, "tweaks": call.Tweaks},
		}, func(ctx context.Context) (json.RawMessage, error) {
			r, err := s.extractor.Extract(ctx, req)
			if err != nil {
				return nil, err
			}
			res = r
			return r.Raw(), nil
		}, extraction.Classify)
		if err != nil {
			span.SetStatus(codes.Error, extraction.Classify(err))
			s.logger.WarnContext(taskCtx, "assistant job failed",
				"request_id", requestID,
				"job", name,
				"error", err,
			)
			return nil, extraction.ToDomain(err)
		}
		return convert(taskCtx, res)
	}, workqueue.OwnedBy(jobGroup, actor))
	if err != nil {
		if errors.Is(err, workqueue.ErrQueueFull) {
			return nil, dErrors.New(dErrors.CodeUnavailable, "assistant queue is full; try again later")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "could not schedule job")
	}
	s.logger.InfoContext(ctx, "assistant job queued",
		"request_id", requestID,
		"job", name,
		"job_id", h.ID().String(),
	)
	return h, nil
}

func requestOperationID(ctx context.Context) string {
	if rid := requestcontext.RequestID(ctx); rid != "" {
		return "request:" + rid
	}
	return "request:" + uuid.NewString()
}

func checkContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return dErrors.New(dErrors.CodeValidation, "content is required")
	}
	if len([]rune(content)) > maxContentChars {
		return dErrors.New(dErrors.CodeValidation, "content is too long")
	}
	return nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
