package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genwatch/internal/domain"
)

type fakeRepo map[string]*domain.JobSnapshot

func (f fakeRepo) GetStatus(_ context.Context, jobID string) (*domain.JobSnapshot, error) {
	if jobID == "broken" {
		return nil, errors.New("connection refused")
	}
	snap, ok := f[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return snap, nil
}

func serveJob(app *App, jobID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/x", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("job_id", jobID)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rr := httptest.NewRecorder()
	app.JobStatus(rr, req)
	return rr
}

func TestJobStatus(t *testing.T) {
	app := NewApp(fakeRepo{
		"queued": {ID: "queued", Status: domain.JobStatusQueued, QueuePosition: 3},
		"done": {ID: "done", Status: domain.JobStatusCompleted, Images: []domain.JobImage{
			{ID: "i1", URL: "https://cdn.example.com/i1.png", ThumbnailURL: "https://cdn.example.com/i1_t.png"},
		}},
		"failed": {ID: "failed", Status: domain.JobStatusFailed, ErrorMessage: "quota exhausted"},
	}, nil, nil, nil, zerolog.Nop())

	rr := serveJob(app, "queued")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"queued","images":[],"queuePosition":3}`, rr.Body.String())

	rr = serveJob(app, "done")
	require.Equal(t, http.StatusOK, rr.Code)
	var payload domain.StatusResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&payload))
	assert.Equal(t, domain.JobStatusCompleted, payload.Status)
	require.Len(t, payload.Images, 1)
	assert.Equal(t, "https://cdn.example.com/i1_t.png", payload.Images[0].ThumbnailURL)

	rr = serveJob(app, "failed")
	assert.JSONEq(t, `{"status":"failed","images":[],"message":"quota exhausted"}`, rr.Body.String())

	assert.Equal(t, http.StatusNotFound, serveJob(app, "nope").Code)
	assert.Equal(t, http.StatusInternalServerError, serveJob(app, "broken").Code)
	assert.Equal(t, http.StatusBadRequest, serveJob(app, " ").Code)
}

func TestHealth(t *testing.T) {
	app := NewApp(nil, nil, func(context.Context) error { return nil }, nil, zerolog.Nop())
	rr := httptest.NewRecorder()
	app.Health(rr, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	app.Ping = func(context.Context) error { return errors.New("down") }
	rr = httptest.NewRecorder()
	app.Health(rr, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"status":"degraded"}`, rr.Body.String())
}

func TestMetricsExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "genwatch_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	app := NewApp(nil, nil, nil, reg, zerolog.Nop())
	rr := httptest.NewRecorder()
	app.Metrics().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "genwatch_test_total 1")
}

func TestJobStreamWithoutHub(t *testing.T) {
	app := NewApp(nil, nil, nil, nil, zerolog.Nop())
	rr := httptest.NewRecorder()
	app.JobStream(rr, httptest.NewRequest(http.MethodGet, "/v1/jobs/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
