package handler_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actnexus/internal/platform/logger"
	"actnexus/internal/settings"
	"actnexus/internal/settings/cache"
	"actnexus/internal/settings/handler"
	"actnexus/internal/settings/store"
)

func newRouter() *chi.Mux {
	log := logger.NewWithWriter(io.Discard, "error")
	svc := settings.New(store.NewInMemory(), cache.NewMemory(time.Minute), settings.WithLogger(log))
	r := chi.NewRouter()
	handler.New(svc, log).Register(r)
	return r
}

func do(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, target, reader))
	return rec
}

func TestPutThenGet(t *testing.T) {
	r := newRouter()

	rec := do(r, http.MethodPut, "/settings/notary.name", `{"value":"1º Tabelionato"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(r, http.MethodGet, "/settings/notary.name", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "notary.name", got.Key)
	assert.JSONEq(t, `"1º Tabelionato"`, string(got.Value))

	rec = do(r, http.MethodGet, "/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "notary.name")
}

func TestErrors(t *testing.T) {
	r := newRouter()
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/settings/missing", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPut, "/settings/notary.name", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPut, "/settings/notary.name", `nope`).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/settings/cache/explode", "").Code)
}

func TestCacheActions(t *testing.T) {
	r := newRouter()

	rec := do(r, http.MethodPost, "/settings/cache/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())

	rec = do(r, http.MethodGet, "/settings/cache", "")
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())

	rec = do(r, http.MethodPost, "/settings/cache/enable", "")
	assert.JSONEq(t, `{"enabled":true}`, rec.Body.String())

	rec = do(r, http.MethodPost, "/settings/cache/clear", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
