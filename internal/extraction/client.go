package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"actnexus/internal/platform/config"
	"actnexus/pkg/platform/circuit"
)

const (
	defaultTimeout       = 300 * time.Second
	healthTimeout        = 10 * time.Second
	maxResponseBodyBytes = 32 << 20
)

// Client calls flows of a LangFlow-style service: POST {base}/api/v1/run/{flow_id}.
// Calls are never retried. Connection failures and timeouts feed a circuit
// breaker that fails fast while the service is down.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	flows      map[FlowKind]config.FlowDefinition
	httpClient *http.Client
	breaker    *circuit.Breaker
	tracer     trace.Tracer
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(cl *Client) {
		cl.breaker = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// New builds a client. flows maps flow kind names to workflow ids and tweaks.
func New(cfg config.AIConfig, flows map[string]config.FlowDefinition, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		timeout:    timeout,
		flows:      make(map[FlowKind]config.FlowDefinition, len(flows)),
		httpClient: &http.Client{},
		breaker: circuit.New("ai-service",
			circuit.WithFailureThreshold(cfg.BreakerFailures),
			circuit.WithCooldown(cfg.BreakerCooldown),
		),
		tracer: otel.Tracer("actnexus/extraction"),
		logger: slog.Default(),
	}
	for kind, def := range flows {
		c.flows[FlowKind(kind)] = def
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout is the per-call deadline.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// FlowID returns the workflow id configured for kind.
func (c *Client) FlowID(kind FlowKind) string {
	return c.flows[kind].ID
}

type runPayload map[string]any

type runResponse struct {
	Outputs []json.RawMessage `json:"outputs"`
}

// Extract runs req against its flow and adapts the first output.
func (c *Client) Extract(ctx context.Context, req Request) (Result, error) {
	kind := req.Kind()
	def, ok := c.flows[kind]
	if !ok || def.ID == "" {
		return nil, fmt.Errorf("extract %s: %w", kind, ErrFlowNotConfigured)
	}

	ctx, span := c.tracer.Start(ctx, "extraction.Extract", trace.WithAttributes(
		attribute.String("ai.flow_kind", string(kind)),
		attribute.String("ai.flow_id", def.ID),
	))
	defer span.End()

	result, err := c.extract(ctx, req, def)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Classify(err))
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (c *Client) extract(ctx context.Context, req Request, def config.FlowDefinition) (Result, error) {
	kind := req.Kind()
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("extract %s: circuit open: %w", kind, ErrUpstreamUnavailable)
	}

	payload := runPayload{
		"input_value": req.inputValue(),
		"input_type":  "chat",
		"output_type": "chat",
		"tweaks":      mergeTweaks(req.tweaks(), def.Tweaks),
	}
	for k, v := range req.inputs() {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", kind, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/api/v1/run/"+def.ID, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", kind, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, callCtx, kind, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, c.transportError(ctx, callCtx, kind, err)
	}
	elapsed := time.Since(start)
	c.recordSuccess(ctx)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WarnContext(ctx, "ai service returned error status",
			"flow_kind", string(kind),
			"status", resp.StatusCode,
		)
		return nil, fmt.Errorf("extract %s: %w", kind, &UpstreamError{StatusCode: resp.StatusCode, Body: excerpt(raw)})
	}

	var decoded runResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("extract %s: %w", kind, shapeError(kind, "body is not a JSON object"))
	}
	if len(decoded.Outputs) == 0 {
		return nil, fmt.Errorf("extract %s: %w", kind, shapeError(kind, "missing or empty outputs"))
	}
	first := decoded.Outputs[0]
	result, err := req.decode(first)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", kind, err)
	}
	if e, ok := result.(interface {
		set(json.RawMessage, time.Duration)
	}); ok {
		e.set(first, elapsed)
	}

	c.logger.InfoContext(ctx, "ai flow completed",
		"flow_kind", string(kind),
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return result, nil
}

// transportError classifies a failed exchange. The caller's own cancellation
// is passed through and does not count against the breaker.
func (c *Client) transportError(parent, callCtx context.Context, kind FlowKind, err error) error {
	if parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("extract %s: %w", kind, parent.Err())
	}
	c.recordFailure(parent)

	var netErr net.Error
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		c.logger.ErrorContext(parent, "ai service call timed out",
			"flow_kind", string(kind),
			"timeout", c.timeout.String(),
		)
		return fmt.Errorf("extract %s after %s: %w", kind, c.timeout, ErrUpstreamTimeout)
	}
	c.logger.ErrorContext(parent, "ai service unreachable",
		"flow_kind", string(kind),
		"error", err,
	)
	return fmt.Errorf("extract %s: %w: %w", kind, ErrUpstreamUnavailable, err)
}

func (c *Client) recordFailure(ctx context.Context) {
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.WarnContext(ctx, "ai service circuit opened", "breaker", c.breaker.Name())
	}
}

func (c *Client) recordSuccess(ctx context.Context) {
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.InfoContext(ctx, "ai service circuit closed", "breaker", c.breaker.Name())
	}
}

// HealthStatus is the result of a health probe.
type HealthStatus struct {
	Healthy      bool          `json:"healthy"`
	Version      string        `json:"version,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
	BreakerState string        `json:"breaker_state"`
}

// Health probes GET {base}/health. It reports failures in the status rather
// than as an error.
func (c *Client) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{BreakerState: string(c.breaker.State())}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		status.Error = "unreachable"
		return status
	}
	defer resp.Body.Close()
	status.ResponseTime = time.Since(start)
	if resp.StatusCode != http.StatusOK {
		status.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}
	var body struct {
		Version string `json:"version"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
	status.Healthy = true
	status.Version = body.Version
	if status.Version == "" {
		status.Version = "unknown"
	}
	return status
}
