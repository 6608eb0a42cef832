package main

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actnexus/internal/assistant"
	"actnexus/internal/books/models"
	"actnexus/internal/books/status"
	"actnexus/internal/books/store"
	"actnexus/internal/extraction"
	jwttoken "actnexus/internal/jwt_token"
	"actnexus/internal/ledger"
	ledgerstore "actnexus/internal/ledger/store"
	"actnexus/internal/objectstore"
	"actnexus/internal/platform/config"
	"actnexus/internal/platform/logger"
	"actnexus/internal/platform/workqueue"
	"actnexus/internal/processing"
	"actnexus/internal/ratelimit"
	"actnexus/internal/settings"
	"actnexus/internal/settings/cache"
	settingsstore "actnexus/internal/settings/store"
	"actnexus/pkg/testutil"
)

const (
	testSigningKey = "router-test-key"
	testAdminToken = "ops-token"
)

type passthroughTx struct{}

func (passthroughTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestApp(t *testing.T) (*app, *store.InMemoryBookStore) {
	t.Helper()
	log := logger.NewWithWriter(io.Discard, "error")
	cfg := config.Config{
		Server: config.Server{MaxUploadBytes: 1 << 20, RequestTimeout: 5 * time.Second},
		Auth: config.AuthConfig{
			JWTSigningKey: testSigningKey,
			Issuer:        "actnexus",
			Audience:      "actnexus-api",
			AdminToken:    testAdminToken,
		},
		RateLimit: config.RateLimitConfig{AIRequests: 2, Window: time.Minute},
	}

	books := store.NewInMemoryBookStore()
	acts := store.NewInMemoryActStore()
	usage := ledger.New(ledgerstore.NewInMemory())
	pool := workqueue.New(1, 8, log)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	extractor := extraction.New(config.AIConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, nil)

	a := &app{
		cfg:       cfg,
		log:       log,
		extractor: extractor,
		usage:     usage,
		pool:      pool,
		settings:  settings.New(settingsstore.NewInMemory(), cache.NewMemory(time.Minute)),
		limiter:   ratelimit.New(ratelimit.NewMemoryStore(), log),
	}
	a.processing = processing.New(status.New(books), acts, passthroughTx{}, objectstore.NewMemory("actnexus-test"),
		extractor, usage, pool, processing.WithLogger(log))
	a.assistant = assistant.New(extractor, acts, usage, pool, assistant.WithLogger(log))
	return a, books
}

func bearer(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token, err := jwttoken.NewJWTService(testSigningKey, "actnexus", "actnexus-api").
		GenerateAccessToken(subject, roles, time.Hour)
	require.NoError(t, err)
	return token
}

func TestRouter(t *testing.T) {
	a, books := newTestApp(t)
	router := a.router()
	book := &models.Book{Number: 12, Year: 2024, Type: "notas"}
	require.NoError(t, books.Create(context.Background(), book))
	statusPath := "/books/" + book.ID.String() + "/processing-status"

	testutil.Given(t, "an anonymous caller", func(t *testing.T) {
		testutil.When(t, "reading processing status", func(t *testing.T) {
			rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, statusPath))
			testutil.Then(t, "the request is rejected", func(t *testing.T) {
				testutil.AssertStatus(t, rr, http.StatusUnauthorized)
				testutil.AssertErrorCode(t, rr, "unauthorized")
			})
		})
		testutil.When(t, "scraping metrics", func(t *testing.T) {
			rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/metrics"))
			testutil.Then(t, "metrics are public", func(t *testing.T) {
				testutil.AssertStatus(t, rr, http.StatusOK)
			})
		})
	})

	testutil.Given(t, "an authenticated clerk", func(t *testing.T) {
		token := bearer(t, "escrevente@cartorio")

		testutil.When(t, "reading processing status", func(t *testing.T) {
			req := testutil.WithBearer(testutil.NewRequest(t, http.MethodGet, statusPath), token)
			rr := testutil.DoRequest(router, req)
			testutil.Then(t, "the book is reported without a document", func(t *testing.T) {
				testutil.AssertStatus(t, rr, http.StatusOK)
				body := testutil.UnmarshalResponse[map[string]any](t, rr)
				assert.Equal(t, string(models.StatusNoDocument), (*body)["status"])
			})
		})

		testutil.When(t, "reading an unknown book", func(t *testing.T) {
			req := testutil.WithBearer(testutil.NewRequest(t, http.MethodGet, "/books/9999/processing-status"), token)
			rr := testutil.DoRequest(router, req)
			testutil.Then(t, "it is not found", func(t *testing.T) {
				testutil.AssertStatus(t, rr, http.StatusNotFound)
				testutil.AssertErrorCode(t, rr, "not_found")
			})
		})

		testutil.When(t, "listing settings", func(t *testing.T) {
			req := testutil.WithBearer(testutil.NewRequest(t, http.MethodGet, "/settings"), token)
			rr := testutil.DoRequest(router, req)
			testutil.Then(t, "the admin guard refuses", func(t *testing.T) {
				testutil.AssertStatus(t, rr, http.StatusForbidden)
			})
		})

		testutil.When(t, "listing settings with the operator token", func(t *testing.T) {
			req := testutil.WithBearer(testutil.NewRequest(t, http.MethodGet, "/settings"), token)
			req.Header.Set("X-Admin-Token", testAdminToken)
			rr := testutil.DoRequest(router, req)
			testutil.Then(t, "the settings are listed", func(t *testing.T) {
				testutil.AssertStatus(t, rr, http.StatusOK)
			})
		})
	})

	testutil.Given(t, "a clerk submitting AI jobs", func(t *testing.T) {
		token := bearer(t, "tabeliao@cartorio")
		summarize := func() int {
			req := testutil.NewJSONRequest(t, http.MethodPost, "/ai/summaries",
				assistant.SummaryRequest{Content: "Escritura de compra e venda"})
			return testutil.DoRequest(router, testutil.WithBearer(req, token)).Code
		}

		testutil.When(t, "exceeding the per-actor budget", func(t *testing.T) {
			codes := []int{summarize(), summarize(), summarize()}
			testutil.Then(t, "the third job is throttled", func(t *testing.T) {
				assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)
			})
		})
	})
}
