package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"actnexus/internal/ledger/models"
	id "actnexus/pkg/domain"
	"actnexus/pkg/platform/sentinel"
	txcontext "actnexus/pkg/platform/tx"
)

// retentionLockKey serializes retention sweeps across replicas.
const retentionLockKey int64 = 0x6c6564676572

// PostgresStore persists ledger entries in ai_usage_logs.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `
	id, operation_type, operation_id, prompt, input_data, response_data, model,
	tokens_in, tokens_out, tokens_total, cost, latency_ms, status, error_message,
	actor, created_at, completed_at`

func (s *PostgresStore) Insert(ctx context.Context, entry *models.Entry) error {
	if entry == nil {
		return fmt.Errorf("entry is required")
	}
	query := `
		INSERT INTO ai_usage_logs (id, operation_type, operation_id, prompt, input_data, model, status, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(entry.ID),
		entry.OperationType,
		entry.OperationID,
		entry.Prompt,
		nullJSON(entry.Input),
		entry.Model,
		entry.Status,
		entry.Actor,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage entry: %w", err)
	}
	return nil
}

// Complete applies c only while the entry is pending.
func (s *PostgresStore) Complete(ctx context.Context, entryID id.UsageEntryID, c models.Completion) (bool, error) {
	query := `
		UPDATE ai_usage_logs
		SET status = $2,
			response_data = $3,
			model = $4,
			tokens_in = $5,
			tokens_out = $6,
			tokens_total = $5 + $6,
			cost = $7,
			latency_ms = $8,
			error_message = NULLIF($9, ''),
			completed_at = $10
		WHERE id = $1 AND status = 'pending'
	`
	result, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(entryID),
		c.Status,
		nullJSON(c.Response),
		c.Model,
		c.TokensIn,
		c.TokensOut,
		c.Cost,
		c.LatencyMS,
		c.ErrorMessage,
		c.CompletedAt,
	)
	if err != nil {
		return false, fmt.Errorf("complete usage entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete usage entry rows: %w", err)
	}
	return rows == 1, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, entryID id.UsageEntryID) (*models.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ai_usage_logs WHERE id = $1`
	entry, err := scanEntry(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(entryID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find usage entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) ListByOperation(ctx context.Context, operationID string, limit int) ([]*models.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ai_usage_logs WHERE operation_id = $1 ORDER BY created_at DESC LIMIT $2`
	return s.list(ctx, query, operationID, limit)
}

func (s *PostgresStore) ListRange(ctx context.Context, w models.Window) ([]*models.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ai_usage_logs WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at`
	return s.list(ctx, query, w.Start, w.End)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.Entry, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage entries: %w", err)
	}
	defer rows.Close()

	var out []*models.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Summarize(ctx context.Context, w models.Window) (models.Summary, error) {
	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'error'),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COALESCE(SUM(tokens_in), 0),
			COALESCE(SUM(tokens_out), 0),
			COALESCE(SUM(tokens_total), 0),
			COALESCE(SUM(cost), 0)::float8,
			COALESCE(AVG(latency_ms) FILTER (WHERE status <> 'pending'), 0)::float8
		FROM ai_usage_logs
		WHERE created_at >= $1 AND created_at < $2
	`
	var sum models.Summary
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, w.Start, w.End).Scan(
		&sum.TotalOperations,
		&sum.Success,
		&sum.Errors,
		&sum.Pending,
		&sum.TokensIn,
		&sum.TokensOut,
		&sum.TokensTotal,
		&sum.TotalCost,
		&sum.AvgLatencyMS,
	)
	if err != nil {
		return models.Summary{}, fmt.Errorf("summarize usage: %w", err)
	}
	return sum, nil
}

func dimensionColumn(dim models.Dimension) (string, error) {
	switch dim {
	case models.DimensionOperationType:
		return "operation_type", nil
	case models.DimensionModel:
		return "model", nil
	case models.DimensionStatus:
		return "status", nil
	default:
		return "", fmt.Errorf("unknown dimension %q", dim)
	}
}

func (s *PostgresStore) Breakdown(ctx context.Context, w models.Window, dim models.Dimension) ([]models.Bucket, error) {
	column, err := dimensionColumn(dim)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT ` + column + `, COUNT(*), COALESCE(SUM(tokens_total), 0),
			COALESCE(SUM(cost), 0)::float8, COALESCE(AVG(cost), 0)::float8
		FROM ai_usage_logs
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY ` + column + `
		ORDER BY 4 DESC, 1
	`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("usage breakdown by %s: %w", column, err)
	}
	defer rows.Close()

	out := []models.Bucket{}
	for rows.Next() {
		var b models.Bucket
		if err := rows.Scan(&b.Key, &b.Operations, &b.Tokens, &b.Cost, &b.AvgCost); err != nil {
			return nil, fmt.Errorf("scan usage bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Daily(ctx context.Context, w models.Window, limit int) ([]models.DailyUsage, error) {
	query := `
		SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day, COUNT(*),
			COALESCE(SUM(tokens_total), 0), COALESCE(SUM(cost), 0)::float8
		FROM ai_usage_logs
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY day
		ORDER BY day DESC
		LIMIT $3
	`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, w.Start, w.End, limit)
	if err != nil {
		return nil, fmt.Errorf("daily usage: %w", err)
	}
	defer rows.Close()

	out := []models.DailyUsage{}
	for rows.Next() {
		var d models.DailyUsage
		if err := rows.Scan(&d.Day, &d.Operations, &d.Tokens, &d.Cost); err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		d.Day = d.Day.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TopCostly(ctx context.Context, w models.Window, limit int) ([]models.CostlyCall, error) {
	query := `
		SELECT id, operation_type, operation_id, model, cost::float8, tokens_total, created_at
		FROM ai_usage_logs
		WHERE created_at >= $1 AND created_at < $2 AND status <> 'pending'
		ORDER BY cost DESC, created_at DESC
		LIMIT $3
	`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, w.Start, w.End, limit)
	if err != nil {
		return nil, fmt.Errorf("top costly calls: %w", err)
	}
	defer rows.Close()

	out := []models.CostlyCall{}
	for rows.Next() {
		var (
			c   models.CostlyCall
			raw uuid.UUID
		)
		if err := rows.Scan(&raw, &c.OperationType, &c.OperationID, &c.Model, &c.Cost, &c.Tokens, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan costly call: %w", err)
		}
		c.ID = id.UsageEntryID(raw)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HealthCounts(ctx context.Context, w models.Window, staleBefore time.Time) (models.HealthCounts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE created_at >= $1 AND created_at < $2),
			COUNT(*) FILTER (WHERE created_at >= $1 AND created_at < $2 AND status = 'error'),
			COALESCE(SUM(cost) FILTER (WHERE created_at >= $1 AND created_at < $2), 0)::float8,
			COUNT(*) FILTER (WHERE status = 'pending' AND created_at >= $3),
			COUNT(*) FILTER (WHERE status = 'pending' AND created_at < $3)
		FROM ai_usage_logs
		WHERE created_at < $2 AND (created_at >= $1 OR status = 'pending')
	`
	var c models.HealthCounts
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, w.Start, w.End, staleBefore).Scan(
		&c.Operations, &c.Errors, &c.Cost, &c.PendingYoung, &c.PendingStale,
	)
	if err != nil {
		return models.HealthCounts{}, fmt.Errorf("usage health counts: %w", err)
	}
	return c, nil
}

// DeleteOlderThan removes entries created before cutoff under a transaction
// scoped advisory lock. A concurrent sweep yields sentinel.ErrConflict.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	t, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retention sweep: %w", err)
	}
	defer func() {
		_ = t.Rollback()
	}()

	var locked bool
	if err := t.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, retentionLockKey).Scan(&locked); err != nil {
		return 0, fmt.Errorf("acquire retention lock: %w", err)
	}
	if !locked {
		return 0, sentinel.ErrConflict
	}
	result, err := t.ExecContext(ctx, `DELETE FROM ai_usage_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete usage entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete usage entries rows: %w", err)
	}
	if err := t.Commit(); err != nil {
		return 0, fmt.Errorf("commit retention sweep: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) FailStalePending(ctx context.Context, cutoff time.Time, message string, now time.Time) (int64, error) {
	query := `
		UPDATE ai_usage_logs
		SET status = 'error', error_message = $2, completed_at = $3
		WHERE status = 'pending' AND created_at < $1
	`
	result, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query, cutoff, message, now)
	if err != nil {
		return 0, fmt.Errorf("fail stale usage entries: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.Entry, error) {
	var (
		e            models.Entry
		raw          uuid.UUID
		input, resp  []byte
		errorMessage sql.NullString
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&raw,
		&e.OperationType,
		&e.OperationID,
		&e.Prompt,
		&input,
		&resp,
		&e.Model,
		&e.TokensIn,
		&e.TokensOut,
		&e.TokensTotal,
		&e.Cost,
		&e.LatencyMS,
		&e.Status,
		&errorMessage,
		&e.Actor,
		&e.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ID = id.UsageEntryID(raw)
	if len(input) > 0 {
		e.Input = json.RawMessage(input)
	}
	if len(resp) > 0 {
		e.Response = json.RawMessage(resp)
	}
	e.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return &e, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
