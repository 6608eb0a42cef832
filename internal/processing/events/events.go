// Package events publishes the outcome of every processing run as a
// CloudEvent so downstream indexers can react without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	id "actnexus/pkg/domain"
)

const (
	Source            = "actnexus/processing"
	TypeRunCompleted  = "br.com.actnexus.book.processing.completed"
	TypeRunFailed     = "br.com.actnexus.book.processing.failed"
	ContentTypeHeader = "content-type"
	ContentType       = "application/cloudevents+json"
)

// Outcome is the payload of a processing event.
type Outcome struct {
	BookID        id.BookID   `json:"book_id"`
	RunToken      id.RunToken `json:"run_token"`
	Status        string      `json:"status"`
	ActsExtracted int         `json:"acts_extracted"`
	ActsReceived  int         `json:"acts_received"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

// Publisher delivers processing events.
type Publisher interface {
	PublishOutcome(ctx context.Context, outcome Outcome) error
	Close()
}

// Noop drops events. Used when no broker is configured.
type Noop struct{}

func (Noop) PublishOutcome(context.Context, Outcome) error { return nil }
func (Noop) Close()                                        {}

// NewEvent wraps outcome in a CloudEvents envelope.
func NewEvent(outcome Outcome) (cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(Source)
	event.SetSubject("books/" + outcome.BookID.String())
	event.SetTime(outcome.OccurredAt)
	if outcome.Status == "completed" {
		event.SetType(TypeRunCompleted)
	} else {
		event.SetType(TypeRunFailed)
	}
	if err := event.SetData(cloudevents.ApplicationJSON, outcome); err != nil {
		return cloudevents.Event{}, fmt.Errorf("encode event data: %w", err)
	}
	if err := event.Validate(); err != nil {
		return cloudevents.Event{}, fmt.Errorf("invalid event: %w", err)
	}
	return event, nil
}

// Decode parses a structured-mode CloudEvent back into its outcome.
func Decode(body []byte) (cloudevents.Event, Outcome, error) {
	var event cloudevents.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return cloudevents.Event{}, Outcome{}, fmt.Errorf("decode event: %w", err)
	}
	var outcome Outcome
	if err := event.DataAs(&outcome); err != nil {
		return cloudevents.Event{}, Outcome{}, fmt.Errorf("decode event data: %w", err)
	}
	return event, outcome, nil
}
