// Package ledger records every AI invocation with sanitized payloads and
// token, cost and latency accounting, and reports on that history.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	ledgermetrics "actnexus/internal/ledger/metrics"
	"actnexus/internal/ledger/models"
	id "actnexus/pkg/domain"
	dErrors "actnexus/pkg/domain-errors"
	"actnexus/pkg/platform/sentinel"
	"actnexus/pkg/requestcontext"
)

// Store persists ledger entries. Complete only applies to pending entries and
// DeleteOlderThan returns sentinel.ErrConflict while another sweep runs.
type Store interface {
	Insert(ctx context.Context, entry *models.Entry) error
	Complete(ctx context.Context, entryID id.UsageEntryID, c models.Completion) (bool, error)
	FindByID(ctx context.Context, entryID id.UsageEntryID) (*models.Entry, error)
	ListByOperation(ctx context.Context, operationID string, limit int) ([]*models.Entry, error)
	ListRange(ctx context.Context, w models.Window) ([]*models.Entry, error)
	Summarize(ctx context.Context, w models.Window) (models.Summary, error)
	Breakdown(ctx context.Context, w models.Window, dim models.Dimension) ([]models.Bucket, error)
	Daily(ctx context.Context, w models.Window, limit int) ([]models.DailyUsage, error)
	TopCostly(ctx context.Context, w models.Window, limit int) ([]models.CostlyCall, error)
	HealthCounts(ctx context.Context, w models.Window, staleBefore time.Time) (models.HealthCounts, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	FailStalePending(ctx context.Context, cutoff time.Time, message string, now time.Time) (int64, error)
}

// Pricing converts token estimates to cost.
type Pricing struct {
	Model      string
	PerKInput  float64
	PerKOutput float64
}

func (p Pricing) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1000*p.PerKInput + float64(tokensOut)/1000*p.PerKOutput
}

const (
	DefaultStatsDays  = 30
	DefaultTopCalls   = 10
	dailyRows         = 30
	healthWindow      = time.Hour
	staleEntryMessage = "abandoned: no completion recorded"
)

// Service is the usage ledger.
type Service struct {
	store      Store
	logger     *slog.Logger
	metrics    *ledgermetrics.Metrics
	pricing    Pricing
	staleAfter time.Duration
	warnRate   float64
	critRate   float64
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *ledgermetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithPricing(p Pricing) Option {
	return func(s *Service) {
		s.pricing = p
	}
}

// WithStaleAfter sets the age past which a pending entry counts as abandoned.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithHealthThresholds sets the error rates that grade health as warning and critical.
func WithHealthThresholds(warn, crit float64) Option {
	return func(s *Service) {
		if warn > 0 {
			s.warnRate = warn
		}
		if crit > 0 {
			s.critRate = crit
		}
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		logger:     slog.Default(),
		staleAfter: 10 * time.Minute,
		warnRate:   0.05,
		critRate:   0.20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Outcome is the result of one AI call as handed to CompleteEntry.
type Outcome struct {
	status    models.Status
	response  any
	tokensIn  int
	tokensOut int
	latency   time.Duration
	model     string
	message   string
}

// Succeeded reports a call that returned a usable response.
func Succeeded(response any, tokensIn, tokensOut int, latency time.Duration) Outcome {
	return Outcome{status: models.StatusSuccess, response: response, tokensIn: tokensIn, tokensOut: tokensOut, latency: latency}
}

// Failed reports a call that produced no usable response.
func Failed(message string, tokensIn int, latency time.Duration) Outcome {
	if message == "" {
		message = "ai call failed"
	}
	return Outcome{status: models.StatusError, message: message, tokensIn: tokensIn, latency: latency}
}

// WithModel overrides the model recorded for the call.
func (o Outcome) WithModel(model string) Outcome {
	o.model = model
	return o
}

// BeginEntry stores a pending entry before the call is dispatched.
func (s *Service) BeginEntry(ctx context.Context, operationType, operationID, prompt string, input any) (id.UsageEntryID, error) {
	if operationType == "" {
		return id.UsageEntryID{}, dErrors.New(dErrors.CodeValidation, "operation type is required")
	}
	sanitizedInput, err := SanitizePayload(input)
	if err != nil {
		return id.UsageEntryID{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "input is not serializable")
	}
	entry := &models.Entry{
		ID:            id.NewUsageEntryID(),
		OperationType: operationType,
		OperationID:   operationID,
		Prompt:        SanitizePrompt(prompt),
		Input:         sanitizedInput,
		Model:         s.pricing.Model,
		Status:        models.StatusPending,
		Actor:         requestcontext.Actor(ctx),
		CreatedAt:     requestcontext.Now(ctx),
	}
	if err := s.store.Insert(ctx, entry); err != nil {
		return id.UsageEntryID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record ai call")
	}
	s.logger.DebugContext(ctx, "ai usage entry opened",
		"entry_id", entry.ID.String(),
		"operation_type", operationType,
		"operation_id", operationID,
	)
	return entry.ID, nil
}

// CompleteEntry finalizes a pending entry. A second completion is a conflict.
func (s *Service) CompleteEntry(ctx context.Context, entryID id.UsageEntryID, outcome Outcome) error {
	if outcome.status == "" {
		return dErrors.New(dErrors.CodeValidation, "outcome is required")
	}
	completion := models.Completion{
		Status:      outcome.status,
		Model:       s.pricing.Model,
		TokensIn:    outcome.tokensIn,
		TokensOut:   outcome.tokensOut,
		Cost:        s.pricing.Cost(outcome.tokensIn, outcome.tokensOut),
		LatencyMS:   outcome.latency.Milliseconds(),
		CompletedAt: requestcontext.Now(ctx),
	}
	if outcome.model != "" {
		completion.Model = outcome.model
	}
	if outcome.status == models.StatusSuccess {
		response, err := SanitizePayload(outcome.response)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInvalidInput, "response is not serializable")
		}
		completion.Response = response
	} else {
		completion.ErrorMessage = RedactText(outcome.message)
	}

	applied, err := s.store.Complete(ctx, entryID, completion)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to finalize ai call")
	}
	if !applied {
		entry, err := s.store.FindByID(ctx, entryID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "usage entry not found")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load usage entry")
		}
		return dErrors.New(dErrors.CodeConflict, "usage entry already "+string(entry.Status))
	}

	if entry, err := s.store.FindByID(ctx, entryID); err == nil {
		s.metrics.ObserveCompletion(entry.OperationType, string(outcome.status),
			completion.TokensIn, completion.TokensOut, completion.Cost, outcome.latency)
	}
	return nil
}

// Call describes one AI invocation for Track.
type Call struct {
	OperationType string
	OperationID   string
	Prompt        string
	Input         any
}

// Track opens an entry, runs fn and finalizes the entry from its result. The
// entry is finalized even when ctx is cancelled. describe turns fn's error
// into the stored message. Without an entry fn is not run. A panic in fn is
// recorded as an error and then re-raised.
func (s *Service) Track(ctx context.Context, call Call, fn func(ctx context.Context) (json.RawMessage, error), describe func(error) string) error {
	entryID, err := s.BeginEntry(ctx, call.OperationType, call.OperationID, call.Prompt, call.Input)
	if err != nil {
		return err
	}
	tokensIn := EstimateTokens(call.Prompt) + EstimatePayloadTokens(call.Input)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.finalize(ctx, entryID, Failed("internal error during ai call", tokensIn, time.Since(start)))
			panic(r)
		}
	}()
	response, callErr := fn(ctx)
	latency := time.Since(start)

	var outcome Outcome
	if callErr != nil {
		msg := callErr.Error()
		if describe != nil {
			msg = describe(callErr)
		}
		outcome = Failed(msg, tokensIn, latency)
	} else {
		outcome = Succeeded(response, tokensIn, EstimatePayloadTokens(response), latency)
	}

	s.finalize(ctx, entryID, outcome)
	return callErr
}

func (s *Service) finalize(ctx context.Context, entryID id.UsageEntryID, outcome Outcome) {
	ctx = requestcontext.Detach(ctx)
	if err := s.CompleteEntry(ctx, entryID, outcome); err != nil {
		s.logger.ErrorContext(ctx, "failed to finalize ai usage entry",
			"entry_id", entryID.String(),
			"error", err,
		)
	}
}

// Entries lists the entries recorded for an operation id, newest first.
func (s *Service) Entries(ctx context.Context, operationID string, limit int) ([]*models.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.store.ListByOperation(ctx, operationID, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list usage entries")
	}
	return entries, nil
}

// WindowForDays is the window of the last days days ending at now.
func WindowForDays(now time.Time, days int) models.Window {
	if days <= 0 {
		days = DefaultStatsDays
	}
	return models.Window{Start: now.AddDate(0, 0, -days), End: now}
}

func validateWindow(w models.Window) error {
	if w.Start.IsZero() || w.End.IsZero() || !w.Start.Before(w.End) {
		return dErrors.New(dErrors.CodeValidation, "window start must be before end")
	}
	return nil
}

// Stats aggregates usage in w. The independent queries run concurrently.
func (s *Service) Stats(ctx context.Context, w models.Window) (*models.Stats, error) {
	if err := validateWindow(w); err != nil {
		return nil, err
	}
	stats := &models.Stats{Window: w}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		stats.Summary, err = s.store.Summarize(gctx, w)
		return err
	})
	g.Go(func() (err error) {
		stats.ByType, err = s.store.Breakdown(gctx, w, models.DimensionOperationType)
		return err
	})
	g.Go(func() (err error) {
		stats.ByModel, err = s.store.Breakdown(gctx, w, models.DimensionModel)
		return err
	})
	g.Go(func() (err error) {
		stats.ByStatus, err = s.store.Breakdown(gctx, w, models.DimensionStatus)
		return err
	})
	g.Go(func() (err error) {
		stats.PerDay, err = s.store.Daily(gctx, w, dailyRows)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute usage stats")
	}
	return stats, nil
}

// CostAnalysis breaks down cost in w and lists the topN costliest calls.
func (s *Service) CostAnalysis(ctx context.Context, w models.Window, topN int) (*models.CostAnalysis, error) {
	if err := validateWindow(w); err != nil {
		return nil, err
	}
	if topN <= 0 {
		topN = DefaultTopCalls
	}
	out := &models.CostAnalysis{Window: w}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		out.ByType, err = s.store.Breakdown(gctx, w, models.DimensionOperationType)
		return err
	})
	g.Go(func() (err error) {
		out.ByModel, err = s.store.Breakdown(gctx, w, models.DimensionModel)
		return err
	})
	g.Go(func() (err error) {
		out.TopCalls, err = s.store.TopCostly(gctx, w, topN)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute cost analysis")
	}
	return out, nil
}

// Health grades the last hour of activity. Pending entries older than the
// stale threshold count separately from young ones.
func (s *Service) Health(ctx context.Context) (*models.Health, error) {
	now := requestcontext.Now(ctx)
	w := models.Window{Start: now.Add(-healthWindow), End: now}
	counts, err := s.store.HealthCounts(ctx, w, now.Add(-s.staleAfter))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute ledger health")
	}
	h := &models.Health{
		Status:       models.HealthHealthy,
		Window:       w,
		Operations:   counts.Operations,
		Errors:       counts.Errors,
		Cost:         counts.Cost,
		PendingYoung: counts.PendingYoung,
		PendingStale: counts.PendingStale,
	}
	if counts.Operations > 0 {
		h.ErrorRate = float64(counts.Errors) / float64(counts.Operations)
	}
	switch {
	case h.ErrorRate >= s.critRate:
		h.Status = models.HealthCritical
	case h.ErrorRate >= s.warnRate || h.PendingStale > 0:
		h.Status = models.HealthWarning
	}
	return h, nil
}

// CleanupOlderThan deletes entries created before cutoff in one transaction
// and returns how many were removed.
func (s *Service) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, dErrors.New(dErrors.CodeValidation, "cutoff is required")
	}
	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return 0, dErrors.New(dErrors.CodeConflict, "retention sweep already running")
		}
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete usage entries")
	}
	s.metrics.AddSweepDeleted(n)
	s.logger.InfoContext(ctx, "usage entries deleted",
		"cutoff", cutoff.UTC().Format(time.RFC3339),
		"deleted", n,
	)
	return n, nil
}

// FailStalePending finalizes entries still pending since before cutoff.
func (s *Service) FailStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.store.FailStalePending(ctx, cutoff, staleEntryMessage, requestcontext.Now(ctx))
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to finalize stale usage entries")
	}
	if n > 0 {
		s.metrics.AddStaleFailed(n)
		s.logger.WarnContext(ctx, "finalized abandoned usage entries", "count", n)
	}
	return n, nil
}

// StaleAfter is the pending age treated as abandoned.
func (s *Service) StaleAfter() time.Duration {
	return s.staleAfter
}
