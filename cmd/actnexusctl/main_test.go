package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwttoken "actnexus/internal/jwt_token"
	"actnexus/internal/ledger"
	ledgerstore "actnexus/internal/ledger/store"
	"actnexus/pkg/requestcontext"
)

func runCLI(t *testing.T, cc *commandContext, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(cc)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedEntry(t *testing.T, store ledger.Store, at time.Time, opType string) {
	t.Helper()
	svc := ledger.New(store)
	ctx := requestcontext.WithTime(context.Background(), at)
	err := svc.Track(ctx, ledger.Call{OperationType: opType, OperationID: "book:7", Prompt: "processar livro"},
		func(context.Context) (json.RawMessage, error) {
			return json.RawMessage(`{"atos": []}`), nil
		}, nil)
	require.NoError(t, err)
}

func TestUsageStatsRendersTable(t *testing.T) {
	store := ledgerstore.NewInMemory()
	seedEntry(t, store, time.Now().UTC().Add(-time.Hour), "document_ingestion")
	seedEntry(t, store, time.Now().UTC().Add(-2*time.Hour), "semantic_search")

	out, err := runCLI(t, &commandContext{ledgerStore: store}, "usage", "stats", "--days", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "Operations: 2 (2 ok, 0 failed, 0 pending)")
	assert.Contains(t, out, "document_ingestion")
	assert.Contains(t, out, "semantic_search")
}

func TestUsageStatsRejectsBadWindow(t *testing.T) {
	_, err := runCLI(t, &commandContext{ledgerStore: ledgerstore.NewInMemory()}, "usage", "stats", "--days", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--days")
}

func TestUsageCleanup(t *testing.T) {
	lockFile := filepath.Join(t.TempDir(), "sweep.lock")
	t.Setenv("LEDGER_LOCK_FILE", lockFile)

	t.Run("deletes entries past retention", func(t *testing.T) {
		store := ledgerstore.NewInMemory()
		seedEntry(t, store, time.Now().UTC().AddDate(0, 0, -200), "document_ingestion")
		seedEntry(t, store, time.Now().UTC().Add(-time.Hour), "document_ingestion")

		out, err := runCLI(t, &commandContext{ledgerStore: store}, "usage", "cleanup", "--keep-days", "90")
		require.NoError(t, err)
		assert.Contains(t, out, "Deleted 1 entries older than 90 days")
	})

	t.Run("refuses while another sweep holds the lock", func(t *testing.T) {
		release, err := ledger.NewFileLocker(lockFile).Acquire(context.Background())
		require.NoError(t, err)
		defer func() { _ = release(context.Background()) }()

		_, err = runCLI(t, &commandContext{ledgerStore: ledgerstore.NewInMemory()}, "usage", "cleanup")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "another retention sweep")
	})
}

func TestTokenIsAcceptedByService(t *testing.T) {
	t.Setenv("JWT_SIGNING_KEY", "cli-test-key")
	t.Setenv("JWT_ISSUER", "actnexus")
	t.Setenv("JWT_AUDIENCE", "actnexus-api")

	out, err := runCLI(t, newCommandContext(), "token", "--subject", "escrevente@cartorio", "--role", "admin")
	require.NoError(t, err)

	claims, err := jwttoken.NewJWTService("cli-test-key", "actnexus", "actnexus-api").ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "escrevente@cartorio", claims.Subject)
	assert.Equal(t, []string{"admin"}, claims.Roles)

	_, err = runCLI(t, newCommandContext(), "token")
	require.Error(t, err)
}
