package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
	"github.com/alanyoungcy/marketkeeper/internal/scheduler"
	"github.com/alanyoungcy/marketkeeper/internal/server/handler"
)

type staticJobs []scheduler.JobStatus

func (s staticJobs) Status() []scheduler.JobStatus { return s }

type staticCounts map[domain.MarketStatus]int64

func (s staticCounts) CountByStatus(context.Context) (map[domain.MarketStatus]int64, error) {
	return s, nil
}

func newTestHandler(checks map[string]handler.Check, apiKey string) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := staticJobs{{
		Name: scheduler.JobResolver, Interval: 2 * time.Second, Runs: 7, Failures: 1,
		LastStart: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), LastError: "boom",
	}}
	return routes(Config{APIKey: apiKey}, Handlers{
		Health: handler.NewHealthHandler(checks, time.Second, logger),
		Status: handler.NewStatusHandler(jobs, staticCounts{domain.MarketStatusOpen: 3}, "test", logger),
	}, logger)
}

func get(t *testing.T, h http.Handler, path string, hdr map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	h := newTestHandler(map[string]handler.Check{"postgres": ok, "redis": ok}, "")
	rec, body := get(t, h, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	h = newTestHandler(map[string]handler.Check{
		"postgres": ok,
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, "")
	rec, body = get(t, h, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["checks"].(map[string]any)["redis"])
}

func TestStatusRequiresKey(t *testing.T) {
	h := newTestHandler(nil, "secret")

	rec, _ := get(t, h, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := get(t, h, "/api/status", map[string]string{"Authorization": "Bearer secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 1)
	job := jobs[0].(map[string]any)
	assert.Equal(t, scheduler.JobResolver, job["name"])
	assert.Equal(t, "2s", job["interval"])
	assert.Equal(t, "boom", job["last_error"])
	assert.Equal(t, float64(3), body["markets"].(map[string]any)["open"])

	// Health stays public.
	rec, _ = get(t, h, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsExposed(t *testing.T) {
	h := newTestHandler(nil, "secret")
	get(t, h, "/api/status", map[string]string{"X-API-Key": "wrong"})

	rec, _ := get(t, h, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
	assert.Contains(t, rec.Body.String(), `keeper_http_requests_total{code="401",route="GET /api/status"}`)
}
