package postgres

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert act: %w", &pq.Error{Code: "23505"})
	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsRetryableConflict(unique))

	assert.True(t, IsRetryableConflict(&pq.Error{Code: "40P01"}))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"migrations/0001_books_acts.sql",
		"migrations/0002_ai_usage_logs.sql",
		"migrations/0003_settings.sql",
	}, names)
}
