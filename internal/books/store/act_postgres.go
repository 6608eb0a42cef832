package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"actnexus/internal/books/models"
	id "actnexus/pkg/domain"
	"actnexus/pkg/platform/sentinel"
	txcontext "actnexus/pkg/platform/tx"
)

// PostgresActStore persists extracted acts.
type PostgresActStore struct {
	db *sql.DB
}

func NewPostgresActStore(db *sql.DB) *PostgresActStore {
	return &PostgresActStore{db: db}
}

// DeleteByBook removes every act of a book and returns how many were removed.
func (s *PostgresActStore) DeleteByBook(ctx context.Context, bookID id.BookID) (int, error) {
	result, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `DELETE FROM acts WHERE book_id = $1`, bookID)
	if err != nil {
		return 0, fmt.Errorf("delete acts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete acts rows affected: %w", err)
	}
	return int(n), nil
}

// Insert stores one act. Inside a transaction the insert runs under a savepoint
// so a rejected row does not abort the surrounding transaction.
func (s *PostgresActStore) Insert(ctx context.Context, act *models.Act) error {
	if act == nil {
		return fmt.Errorf("act is required")
	}
	parties, err := json.Marshal(partiesOrEmpty(act.Parties))
	if err != nil {
		return fmt.Errorf("marshal parties: %w", err)
	}
	extracted := act.ExtractedData
	if len(extracted) == 0 {
		extracted = json.RawMessage(`{}`)
	}
	status := act.ExtractionStatus
	if status == "" {
		status = models.ExtractionStatusProcessed
	}

	query := `
		INSERT INTO acts (book_id, number, type, act_date, original_content, markdown_content,
			parties, extracted_data, confidence, extraction_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	insert := func(exec txcontext.Execer) error {
		return exec.QueryRowContext(ctx, query,
			act.BookID, act.Number, act.Type, act.Date, act.OriginalContent, act.MarkdownContent,
			parties, []byte(extracted), act.Confidence, status,
		).Scan(&act.ID, &act.CreatedAt)
	}

	t, ok := txcontext.From(ctx)
	if !ok {
		if err := insert(s.db); err != nil {
			return fmt.Errorf("insert act: %w", err)
		}
		act.ExtractionStatus = status
		return nil
	}

	if _, err := t.ExecContext(ctx, `SAVEPOINT act_insert`); err != nil {
		return fmt.Errorf("savepoint act insert: %w", err)
	}
	if err := insert(t); err != nil {
		if _, rbErr := t.ExecContext(ctx, `ROLLBACK TO SAVEPOINT act_insert`); rbErr != nil {
			return fmt.Errorf("rollback act insert: %w", errors.Join(err, rbErr))
		}
		return fmt.Errorf("insert act: %w", err)
	}
	if _, err := t.ExecContext(ctx, `RELEASE SAVEPOINT act_insert`); err != nil {
		return fmt.Errorf("release act insert: %w", err)
	}
	act.ExtractionStatus = status
	return nil
}

func (s *PostgresActStore) ListByBook(ctx context.Context, bookID id.BookID) ([]*models.Act, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, `
		SELECT id, book_id, number, type, act_date, original_content, markdown_content,
			parties, extracted_data, confidence, extraction_status, created_at
		FROM acts
		WHERE book_id = $1
		ORDER BY number
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list acts: %w", err)
	}
	defer rows.Close()

	var acts []*models.Act
	for rows.Next() {
		act, err := scanAct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan act: %w", err)
		}
		acts = append(acts, act)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate acts: %w", err)
	}
	return acts, nil
}

func (s *PostgresActStore) FindByID(ctx context.Context, actID id.ActID) (*models.Act, error) {
	row := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, book_id, number, type, act_date, original_content, markdown_content,
			parties, extracted_data, confidence, extraction_status, created_at
		FROM acts
		WHERE id = $1
	`, actID)
	act, err := scanAct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find act: %w", err)
	}
	return act, nil
}

func scanAct(row rowScanner) (*models.Act, error) {
	var (
		act       models.Act
		date      sql.NullTime
		parties   []byte
		extracted []byte
	)
	err := row.Scan(&act.ID, &act.BookID, &act.Number, &act.Type, &date, &act.OriginalContent,
		&act.MarkdownContent, &parties, &extracted, &act.Confidence, &act.ExtractionStatus, &act.CreatedAt)
	if err != nil {
		return nil, err
	}
	if date.Valid {
		d := date.Time
		act.Date = &d
	}
	if len(parties) > 0 {
		if err := json.Unmarshal(parties, &act.Parties); err != nil {
			return nil, fmt.Errorf("decode parties: %w", err)
		}
	}
	act.ExtractedData = json.RawMessage(extracted)
	return &act, nil
}

func partiesOrEmpty(p []models.Party) []models.Party {
	if p == nil {
		return []models.Party{}
	}
	return p
}

// ApplyDetails replaces the parties and confidence of one act.
func (s *PostgresActStore) ApplyDetails(ctx context.Context, actID id.ActID, parties []models.Party, confidence float64) error {
	encoded, err := json.Marshal(partiesOrEmpty(parties))
	if err != nil {
		return fmt.Errorf("marshal parties: %w", err)
	}
	result, err := txcontext.Pick(ctx, s.db).ExecContext(ctx,
		`UPDATE acts SET parties = $2, confidence = $3 WHERE id = $1`, actID, encoded, confidence)
	if err != nil {
		return fmt.Errorf("apply act details: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply act details rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
