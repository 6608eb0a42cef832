package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"actnexus/internal/books/models"
	"actnexus/internal/extraction"
	"actnexus/internal/ledger"
	"actnexus/internal/processing/events"
	dErrors "actnexus/pkg/domain-errors"
	"actnexus/pkg/requestcontext"
)

// RunReport is the result of a finished run, available from its job handle.
type RunReport struct {
	BookID        string  `json:"book_id"`
	Status        string  `json:"status"`
	ActsExtracted int     `json:"acts_extracted"`
	ActsReceived  int     `json:"acts_received"`
	ActsSkipped   int     `json:"acts_skipped"`
	Duration      float64 `json:"duration_seconds"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	Applied       bool    `json:"applied"`
}

// errRunFailed marks a run that ended in a failed outcome. The outcome itself
// is already on the book.
var errRunFailed = errors.New("processing run failed")

// execute is the body of a queued run. Every path ends with exactly one
// outcome report for run.
func (s *Service) execute(ctx context.Context, run *models.Run) (result any, err error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "processing.run", trace.WithAttributes(
		attribute.Int64("book.id", int64(run.BookID)),
		attribute.String("run.token", run.Token.String()),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncPanics()
			s.logger.ErrorContext(ctx, "processing run panicked",
				"book_id", run.BookID.String(),
				"run_token", run.Token.String(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			span.SetStatus(codes.Error, "panic")
			report := s.finish(ctx, run, models.Failed(panicMessage), time.Since(started))
			result, err = report, fmt.Errorf("%w: %v", errRunFailed, r)
		}
	}()

	outcome := s.process(ctx, run, started)
	report := s.finish(ctx, run, outcome, time.Since(started))
	if outcome.Kind == models.OutcomeFailed {
		span.SetStatus(codes.Error, outcome.ErrorMessage)
		return report, fmt.Errorf("%w: %s", errRunFailed, outcome.ErrorMessage)
	}
	return report, nil
}

// process calls the AI service and persists the accepted acts. It returns the
// outcome to report; persistence of a superseded run is discarded.
func (s *Service) process(ctx context.Context, run *models.Run, started time.Time) models.Outcome {
	book := run.Book
	log := s.logger.With("book_id", run.BookID.String(), "run_token", run.Token.String())

	documentURL, err := s.docs.PresignedURL(ctx, toObjectRef(book.Document), s.cfg.ExtractorURLTTL, http.MethodGet)
	if err != nil {
		log.ErrorContext(ctx, "failed to presign document for extraction", "error", err)
		return models.Failed(documentURLMessage)
	}

	req := extraction.DocumentRequest{
		BookID:      int64(run.BookID),
		DocumentURL: documentURL,
		Context:     s.documentContext(ctx, book),
	}
	call := extraction.Describe(req)
	input := map[string]any{
		"pdf_url":  stripQuery(documentURL),
		"livro_id": req.BookID,
		"context":  req.Context,
		"tweaks":   call.Tweaks,
	}

	var extracted *extraction.DocumentExtraction
	dispatched := false
	trackErr := s.ledger.Track(ctx, ledger.Call{
		OperationType: string(extraction.FlowDocumentIngestion),
		OperationID:   OperationID(run.BookID),
		Prompt:        call.Prompt,
		Input:         input,
	}, func(ctx context.Context) (json.RawMessage, error) {
		dispatched = true
		res, err := s.extractor.Extract(ctx, req)
		if err != nil {
			return nil, err
		}
		doc, ok := res.(*extraction.DocumentExtraction)
		if !ok {
			return nil, &extraction.ShapeError{Flow: extraction.FlowDocumentIngestion, Reason: "unexpected result type"}
		}
		extracted = doc
		return res.Raw(), nil
	}, extraction.Classify)
	if trackErr != nil {
		if !dispatched {
			log.ErrorContext(ctx, "ai usage entry not recorded", "error", trackErr)
			return models.Failed(ledgerFailedMessage)
		}
		msg := extraction.Classify(trackErr)
		log.WarnContext(ctx, "document extraction failed", "error", trackErr, "reason", msg)
		return models.Failed(msg)
	}

	acts, skipped := s.acceptActs(ctx, run, extracted.Acts)
	saved, err := s.persist(ctx, run, acts)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			log.InfoContext(ctx, "discarding acts of superseded run")
		} else {
			log.ErrorContext(ctx, "failed to persist acts", "error", err)
		}
		return models.Failed("could not save extracted acts")
	}

	meta := models.ProcessingMetadata{
		ProcessedAt:       requestcontext.Now(ctx),
		ActsExtracted:     len(saved),
		ActsReceived:      len(extracted.Acts),
		ActsSkipped:       len(extracted.Acts) - len(saved),
		DurationSeconds:   time.Since(started).Seconds(),
		AverageConfidence: averageConfidence(saved),
		ExtractorVersion:  s.cfg.ExtractorVersion,
	}
	log.InfoContext(ctx, "book processed",
		"acts_received", meta.ActsReceived,
		"acts_persisted", len(saved),
		"acts_invalid", skipped,
	)
	return models.Completed(meta)
}

// acceptActs validates each raw act on its own. Invalid acts are skipped.
func (s *Service) acceptActs(ctx context.Context, run *models.Run, raw []json.RawMessage) ([]*models.Act, int) {
	acts := make([]*models.Act, 0, len(raw))
	skipped := 0
	for i, item := range raw {
		rec, err := extraction.ParseAct(item)
		if err != nil {
			skipped++
			s.logger.WarnContext(ctx, "skipping malformed act",
				"book_id", run.BookID.String(),
				"index", i,
				"error", err,
			)
			continue
		}
		parties := make([]models.Party, 0, len(rec.Parties))
		for _, p := range rec.Parties {
			parties = append(parties, models.Party{Name: p.Name, Role: p.Role, Document: p.Document})
		}
		acts = append(acts, &models.Act{
			BookID:           run.BookID,
			Number:           rec.Number,
			Type:             rec.Type,
			Date:             rec.Date,
			OriginalContent:  rec.OriginalContent,
			MarkdownContent:  rec.MarkdownContent,
			Parties:          parties,
			ExtractedData:    rec.Raw,
			Confidence:       rec.Confidence,
			ExtractionStatus: models.ExtractionStatusProcessed,
		})
	}
	return acts, skipped
}

// persist replaces the acts of the book while the run is still current and
// returns the acts actually stored. An act the store rejects is skipped.
func (s *Service) persist(ctx context.Context, run *models.Run, acts []*models.Act) ([]*models.Act, error) {
	var saved []*models.Act
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		saved = saved[:0]
		if err := s.machine.LockRun(ctx, run); err != nil {
			return err
		}
		removed, err := s.acts.DeleteByBook(ctx, run.BookID)
		if err != nil {
			return fmt.Errorf("delete previous acts: %w", err)
		}
		if removed > 0 {
			s.logger.DebugContext(ctx, "replaced previous acts", "book_id", run.BookID.String(), "count", removed)
		}
		for _, act := range acts {
			if err := s.acts.Insert(ctx, act); err != nil {
				s.logger.WarnContext(ctx, "skipping act the store rejected",
					"book_id", run.BookID.String(),
					"number", act.Number,
					"error", err,
				)
				continue
			}
			saved = append(saved, act)
		}
		return nil
	})
	return saved, err
}

// finish reports outcome for run, publishes the event and observes metrics.
// It works on a detached context so a cancelled run still ends.
func (s *Service) finish(ctx context.Context, run *models.Run, outcome models.Outcome, elapsed time.Duration) *RunReport {
	ctx = requestcontext.Detach(ctx)
	applied, err := s.machine.ReportOutcome(ctx, run, outcome)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to report run outcome",
			"book_id", run.BookID.String(),
			"run_token", run.Token.String(),
			"error", err,
		)
	}

	report := &RunReport{
		BookID:       run.BookID.String(),
		Status:       string(outcome.Status()),
		Duration:     elapsed.Seconds(),
		ErrorMessage: outcome.ErrorMessage,
		Applied:      applied,
	}
	if outcome.Metadata != nil {
		report.ActsExtracted = outcome.Metadata.ActsExtracted
		report.ActsReceived = outcome.Metadata.ActsReceived
		report.ActsSkipped = outcome.Metadata.ActsSkipped
	}
	s.metrics.ObserveRun(outcome.Kind, elapsed, report.ActsExtracted, report.ActsSkipped)
	if !applied {
		return report
	}

	event := events.Outcome{
		BookID:        run.BookID,
		RunToken:      run.Token,
		Status:        report.Status,
		ActsExtracted: report.ActsExtracted,
		ActsReceived:  report.ActsReceived,
		ErrorMessage:  report.ErrorMessage,
		OccurredAt:    requestcontext.Now(ctx),
	}
	if err := s.events.PublishOutcome(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish processing event",
			"book_id", run.BookID.String(),
			"error", err,
		)
	}
	return report
}

func averageConfidence(acts []*models.Act) float64 {
	if len(acts) == 0 {
		return 0
	}
	var sum float64
	for _, a := range acts {
		sum += a.Confidence
	}
	return sum / float64(len(acts))
}
