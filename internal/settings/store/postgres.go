package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"actnexus/internal/settings/models"
	"actnexus/pkg/platform/sentinel"
	txcontext "actnexus/pkg/platform/tx"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Find(ctx context.Context, key string) (*models.Setting, error) {
	var (
		setting models.Setting
		value   []byte
	)
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM settings WHERE key = $1`, key,
	).Scan(&setting.Key, &value, &setting.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find setting: %w", err)
	}
	setting.Value = value
	return &setting, nil
}

// Upsert writes the setting and fills in the stored timestamp.
func (s *PostgresStore) Upsert(ctx context.Context, setting *models.Setting) error {
	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query,
		setting.Key, []byte(setting.Value), setting.UpdatedAt,
	).Scan(&setting.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.Setting, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []*models.Setting
	for rows.Next() {
		var (
			setting models.Setting
			value   []byte
		)
		if err := rows.Scan(&setting.Key, &value, &setting.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		setting.Value = value
		out = append(out, &setting)
	}
	return out, rows.Err()
}
