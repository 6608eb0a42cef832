// Package models holds usage ledger entries and the analytics views built from them.
package models

import (
	"encoding/json"
	"time"

	id "actnexus/pkg/domain"
)

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Entry is one audited AI invocation. Prompt and payloads are stored sanitized.
type Entry struct {
	ID            id.UsageEntryID `json:"id"`
	OperationType string          `json:"operation_type"`
	OperationID   string          `json:"operation_id"`
	Prompt        string          `json:"prompt"`
	Input         json.RawMessage `json:"input_data,omitempty"`
	Response      json.RawMessage `json:"response_data,omitempty"`
	Model         string          `json:"model"`
	TokensIn      int             `json:"tokens_in"`
	TokensOut     int             `json:"tokens_out"`
	TokensTotal   int             `json:"tokens_total"`
	Cost          float64         `json:"cost"`
	LatencyMS     int64           `json:"latency_ms"`
	Status        Status          `json:"status"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Completion is the terminal write applied to a pending entry.
type Completion struct {
	Status       Status
	Response     json.RawMessage
	Model        string
	TokensIn     int
	TokensOut    int
	Cost         float64
	LatencyMS    int64
	ErrorMessage string
	CompletedAt  time.Time
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Summary aggregates entries of a window.
type Summary struct {
	TotalOperations int64   `json:"total_operations"`
	Success         int64   `json:"success"`
	Errors          int64   `json:"errors"`
	Pending         int64   `json:"pending"`
	TokensIn        int64   `json:"tokens_in"`
	TokensOut       int64   `json:"tokens_out"`
	TokensTotal     int64   `json:"tokens_total"`
	TotalCost       float64 `json:"total_cost"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
}

// Bucket is one group of a breakdown.
type Bucket struct {
	Key        string  `json:"key"`
	Operations int64   `json:"operations"`
	Tokens     int64   `json:"tokens"`
	Cost       float64 `json:"cost"`
	AvgCost    float64 `json:"avg_cost"`
}

// DailyUsage is one day of activity.
type DailyUsage struct {
	Day        time.Time `json:"day"`
	Operations int64     `json:"operations"`
	Tokens     int64     `json:"tokens"`
	Cost       float64   `json:"cost"`
}

// Stats is the usage report of a window.
type Stats struct {
	Window   Window       `json:"window"`
	Summary  Summary      `json:"summary"`
	ByType   []Bucket     `json:"by_operation_type"`
	ByModel  []Bucket     `json:"by_model"`
	ByStatus []Bucket     `json:"by_status"`
	PerDay   []DailyUsage `json:"per_day"`
}

// CostlyCall is one row of the most expensive calls.
type CostlyCall struct {
	ID            id.UsageEntryID `json:"id"`
	OperationType string          `json:"operation_type"`
	OperationID   string          `json:"operation_id"`
	Model         string          `json:"model"`
	Cost          float64         `json:"cost"`
	Tokens        int             `json:"tokens"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CostAnalysis breaks cost down for a window.
type CostAnalysis struct {
	Window   Window       `json:"window"`
	ByType   []Bucket     `json:"by_operation_type"`
	ByModel  []Bucket     `json:"by_model"`
	TopCalls []CostlyCall `json:"top_calls"`
}

// HealthLevel grades recent ledger activity.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthWarning  HealthLevel = "warning"
	HealthCritical HealthLevel = "critical"
)

// Health reports the last hour of AI activity.
type Health struct {
	Status       HealthLevel `json:"status"`
	Window       Window      `json:"window"`
	Operations   int64       `json:"operations"`
	Errors       int64       `json:"errors"`
	ErrorRate    float64     `json:"error_rate"`
	Cost         float64     `json:"cost"`
	PendingYoung int64       `json:"pending"`
	PendingStale int64       `json:"pending_stale"`
}

// HealthCounts is what a store reports for the health window.
type HealthCounts struct {
	Operations   int64
	Errors       int64
	Cost         float64
	PendingYoung int64
	PendingStale int64
}

// Dimension is a column analytics can group by.
type Dimension string

const (
	DimensionOperationType Dimension = "operation_type"
	DimensionModel         Dimension = "model"
	DimensionStatus        Dimension = "status"
)
