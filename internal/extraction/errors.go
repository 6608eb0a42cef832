package extraction

import (
	"errors"
	"fmt"

	dErrors "actnexus/pkg/domain-errors"
)

var (
	ErrUpstreamTimeout     = errors.New("ai service timed out")
	ErrUpstreamUnavailable = errors.New("ai service unavailable")
	ErrUpstreamError       = errors.New("ai service returned an error")
	ErrResponseShape       = errors.New("ai service response has an unexpected shape")
	ErrFlowNotConfigured   = errors.New("ai flow not configured")
)

// bodyExcerptLimit bounds how much of an error body is kept.
const bodyExcerptLimit = 512

// UpstreamError is a non-2xx answer from the AI service.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("ai service returned http %d: %s", e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error { return ErrUpstreamError }

// ShapeError reports a response the flow adapter could not accept.
type ShapeError struct {
	Flow   FlowKind
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("ai %s response: %s", e.Flow, e.Reason)
}

func (e *ShapeError) Unwrap() error { return ErrResponseShape }

func shapeError(flow FlowKind, reason string) error {
	return &ShapeError{Flow: flow, Reason: reason}
}

func excerpt(body []byte) string {
	if len(body) <= bodyExcerptLimit {
		return string(body)
	}
	return string(body[:bodyExcerptLimit]) + "..."
}

// Classify returns a message that is safe to store on a book or show to
// clients. It never includes upstream bodies.
func Classify(err error) string {
	var upstream *UpstreamError
	var shape *ShapeError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUpstreamTimeout):
		return "AI service timeout: no response within the deadline"
	case errors.Is(err, ErrFlowNotConfigured):
		return "AI service unavailable: flow not configured"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "AI service unavailable"
	case errors.As(err, &upstream):
		return fmt.Sprintf("AI service error: HTTP %d", upstream.StatusCode)
	case errors.As(err, &shape):
		return "AI response rejected: " + shape.Reason
	}
	return "AI extraction failed"
}

// ToDomain maps client errors onto domain error codes for HTTP responses.
func ToDomain(err error) error {
	if err == nil {
		return nil
	}
	msg := Classify(err)
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		return dErrors.Wrap(err, dErrors.CodeTimeout, msg)
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrFlowNotConfigured):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, msg)
	case errors.Is(err, ErrUpstreamError), errors.Is(err, ErrResponseShape):
		return dErrors.Wrap(err, dErrors.CodeBadGateway, msg)
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
