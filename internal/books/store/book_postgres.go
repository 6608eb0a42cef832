package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"actnexus/internal/books/models"
	id "actnexus/pkg/domain"
	"actnexus/pkg/platform/sentinel"
	txcontext "actnexus/pkg/platform/tx"
)

// PostgresBookStore persists books in PostgreSQL. State guards are expressed
// as conditional updates so concurrent callers cannot both win a transition.
type PostgresBookStore struct {
	db *sql.DB
}

func NewPostgresBookStore(db *sql.DB) *PostgresBookStore {
	return &PostgresBookStore{db: db}
}

const bookColumns = `
	id, number, year, type, status, bucket, object_key, original_filename, file_size,
	content_type, page_count, checksum, uploaded_at, processing_metadata, error_message,
	run_token, processing_started_at, created_at, updated_at`

func (s *PostgresBookStore) Create(ctx context.Context, book *models.Book) error {
	if book == nil {
		return fmt.Errorf("book is required")
	}
	if book.Status == "" {
		book.Status = models.StatusNoDocument
	}
	query := `
		INSERT INTO books (number, year, type, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query,
		book.Number, book.Year, book.Type, book.Status,
	).Scan(&book.ID, &book.CreatedAt, &book.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create book: %w", err)
	}
	return nil
}

func (s *PostgresBookStore) FindByID(ctx context.Context, bookID id.BookID) (*models.Book, error) {
	query := `SELECT ` + bookColumns + ` FROM books WHERE id = $1`
	book, err := scanBook(txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, bookID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find book: %w", err)
	}
	return book, nil
}

// RecordUpload stores document metadata and moves the book to uploaded when its
// current status is one of from.
func (s *PostgresBookStore) RecordUpload(ctx context.Context, bookID id.BookID, ref models.BlobRef, meta models.FileMeta, from []models.Status) (bool, error) {
	query := `
		UPDATE books
		SET status = 'uploaded',
			bucket = $2,
			object_key = $3,
			original_filename = $4,
			file_size = $5,
			content_type = $6,
			page_count = $7,
			checksum = $8,
			uploaded_at = $9,
			error_message = NULL,
			updated_at = $9
		WHERE id = $1
		  AND status = ANY($10)
	`
	result, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		bookID, ref.Bucket, ref.Key, meta.OriginalFilename, meta.Size, meta.ContentType,
		meta.PageCount, meta.Checksum, meta.UploadedAt, pq.Array(statusStrings(from)),
	)
	if err != nil {
		return false, fmt.Errorf("record upload: %w", err)
	}
	return affected(result, "record upload")
}

// StartRun is the compare-and-swap into processing: it only succeeds when the
// book has a stored document and its status is one of from.
func (s *PostgresBookStore) StartRun(ctx context.Context, bookID id.BookID, token id.RunToken, startedAt time.Time, from []models.Status) (bool, error) {
	query := `
		UPDATE books
		SET status = 'processing',
			run_token = $2,
			processing_started_at = $3,
			error_message = NULL,
			updated_at = $3
		WHERE id = $1
		  AND object_key IS NOT NULL
		  AND status = ANY($4)
	`
	result, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		bookID, uuid.UUID(token), startedAt, pq.Array(statusStrings(from)),
	)
	if err != nil {
		return false, fmt.Errorf("start run: %w", err)
	}
	return affected(result, "start run")
}

// LockRun row-locks the book for the rest of the transaction when token is
// still the current run. Must be called inside a transaction.
func (s *PostgresBookStore) LockRun(ctx context.Context, bookID id.BookID, token id.RunToken) error {
	t, ok := txcontext.From(ctx)
	if !ok {
		return fmt.Errorf("lock run: transaction required")
	}
	var locked int64
	err := t.QueryRowContext(ctx, `
		SELECT id FROM books
		WHERE id = $1 AND run_token = $2 AND status = 'processing'
		FOR UPDATE
	`, bookID, uuid.UUID(token)).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrStale
		}
		return fmt.Errorf("lock run: %w", err)
	}
	return nil
}

// FinishRun applies the outcome only if token is still the current run.
func (s *PostgresBookStore) FinishRun(ctx context.Context, bookID id.BookID, token id.RunToken, outcome models.Outcome, now time.Time) (bool, error) {
	var metadata any
	if outcome.Metadata != nil {
		raw, err := json.Marshal(outcome.Metadata)
		if err != nil {
			return false, fmt.Errorf("marshal processing metadata: %w", err)
		}
		metadata = raw
	}
	var errMsg any
	if outcome.Kind == models.OutcomeFailed {
		errMsg = outcome.ErrorMessage
	}
	query := `
		UPDATE books
		SET status = $3,
			processing_metadata = COALESCE($4, processing_metadata),
			error_message = $5,
			run_token = NULL,
			updated_at = $6
		WHERE id = $1
		  AND run_token = $2
		  AND status = 'processing'
	`
	result, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		bookID, uuid.UUID(token), outcome.Status(), metadata, errMsg, now,
	)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	return affected(result, "finish run")
}

// ReclaimStale fails runs that started before cutoff and returns the affected book ids.
func (s *PostgresBookStore) ReclaimStale(ctx context.Context, cutoff time.Time, message string, now time.Time) ([]id.BookID, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, `
		UPDATE books
		SET status = 'failed',
			error_message = $2,
			run_token = NULL,
			updated_at = $3
		WHERE status = 'processing'
		  AND processing_started_at < $1
		RETURNING id
	`, cutoff, message, now)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale runs: %w", err)
	}
	defer rows.Close()

	var ids []id.BookID
	for rows.Next() {
		var bookID id.BookID
		if err := rows.Scan(&bookID); err != nil {
			return nil, fmt.Errorf("scan reclaimed book: %w", err)
		}
		ids = append(ids, bookID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reclaimed books: %w", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (*models.Book, error) {
	var (
		book        models.Book
		bucket      sql.NullString
		objectKey   sql.NullString
		filename    sql.NullString
		contentType sql.NullString
		checksum    sql.NullString
		uploadedAt  sql.NullTime
		metadata    []byte
		errMsg      sql.NullString
		runToken    uuid.NullUUID
		startedAt   sql.NullTime
	)
	err := row.Scan(
		&book.ID, &book.Number, &book.Year, &book.Type, &book.Status,
		&bucket, &objectKey, &filename, &book.File.Size,
		&contentType, &book.File.PageCount, &checksum, &uploadedAt, &metadata, &errMsg,
		&runToken, &startedAt, &book.CreatedAt, &book.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	book.Document = models.BlobRef{Bucket: bucket.String, Key: objectKey.String}
	book.File.OriginalFilename = filename.String
	book.File.ContentType = contentType.String
	book.File.Checksum = checksum.String
	if uploadedAt.Valid {
		book.File.UploadedAt = uploadedAt.Time
	}
	if len(metadata) > 0 {
		var meta models.ProcessingMetadata
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return nil, fmt.Errorf("decode processing metadata: %w", err)
		}
		book.Metadata = &meta
	}
	book.ErrorMessage = errMsg.String
	if runToken.Valid {
		book.RunToken = id.RunToken(runToken.UUID)
	}
	if startedAt.Valid {
		t := startedAt.Time
		book.ProcessingStartedAt = &t
	}
	return &book, nil
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func affected(result sql.Result, op string) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return rows > 0, nil
}
