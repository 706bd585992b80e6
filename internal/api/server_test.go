package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/landsat-ingest/internal/config"
	"github.com/JakeFAU/landsat-ingest/internal/ingest"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []ingest.Request
	summary ingest.Summary
}

func (f *fakeRunner) Run(_ context.Context, req ingest.Request) ingest.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.summary
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{RequestTimeoutSeconds: 30},
		Region: config.RegionConfig{RadiusMeters: 5000},
	}
}

func completedSummary() ingest.Summary {
	return ingest.Summary{
		RunID:           "run-1",
		State:           ingest.StateCompleted,
		StatusCode:      http.StatusOK,
		Message:         "Batch ingestion completed",
		ImageCount:      2,
		ScenesSucceeded: 2,
		SavedImages:     []string{"memory://landsat_images/A.png", "memory://landsat_images/B.png"},
		SavedMetadata:   []string{"A", "B"},
		Errors:          []string{},
	}
}

func serve(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestIngest_EmptyBodyUsesDefaults(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{summary: completedSummary()}
	s := NewServer(runner, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/ingest", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, ingest.Request{}, runner.calls[0])

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, "completed", got["state"])
	assert.InDelta(t, 2, got["scenes_succeeded"], 0)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestIngest_ParsesOverrides(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{summary: completedSummary()}
	s := NewServer(runner, testConfig(), zap.NewNop())
	body := []byte(`{
		"collection": "LANDSAT/LC09/C02/T1_L2",
		"dataset": "landsat_ot_c2_l2",
		"start_date": "2024-01-01",
		"end_date": "2024-03-31",
		"region": {"coordinates": [-122.4, 37.7]},
		"radius": 2500,
		"max_results": 5,
		"max_cloud_cover": 20,
		"mode": "archive"
	}`)

	rec := serve(t, s, http.MethodPost, "/v1/ingest", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, runner.calls, 1)
	req := runner.calls[0]
	assert.Equal(t, "LANDSAT/LC09/C02/T1_L2", req.Collection)
	assert.Equal(t, "landsat_ot_c2_l2", req.Dataset)
	require.NotNil(t, req.Window)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), req.Window.Start)
	assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), req.Window.End)
	require.NotNil(t, req.Region)
	assert.InDelta(t, -122.4, req.Region.Lon(), 1e-9)
	assert.InDelta(t, 5000, req.Region.RadiusMeters, 1e-9)
	require.NotNil(t, req.Radius)
	assert.InDelta(t, 2500, *req.Radius, 1e-9)
	assert.Equal(t, 5, req.MaxResults)
	require.NotNil(t, req.MaxCloudCover)
	assert.Equal(t, 20, *req.MaxCloudCover)
	assert.Equal(t, ingest.ModeArchive, req.Mode)
}

func TestIngest_BBoxRegion(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{summary: completedSummary()}
	s := NewServer(runner, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/ingest", []byte(`{"region":{"bbox":[-1,-1,1,1]}}`))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, runner.calls, 1)
	require.NotNil(t, runner.calls[0].Region)
	assert.True(t, runner.calls[0].Region.IsBBox())
}

func TestIngest_InvalidRequestsNeverReachRunner(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"malformed json":       `{invalid`,
		"start after end":      `{"start_date":"2024-05-01","end_date":"2024-01-01"}`,
		"start equals end":     `{"start_date":"2024-05-01","end_date":"2024-05-01"}`,
		"start without end":    `{"start_date":"2024-05-01"}`,
		"bad date format":      `{"start_date":"05/01/2024","end_date":"2024-06-01"}`,
		"impossible date":      `{"start_date":"2024-02-30","end_date":"2024-06-01"}`,
		"zero radius":          `{"radius":0}`,
		"negative radius":      `{"radius":-5}`,
		"max results too high": `{"max_results":1001}`,
		"max results zero":     `{"max_results":0}`,
		"cloud cover too high": `{"max_cloud_cover":101}`,
		"unknown mode":         `{"mode":"video"}`,
		"unknown field":        `{"colection":"typo"}`,
		"region missing shape": `{"region":{"radius":10}}`,
		"region out of range":  `{"region":{"coordinates":[200,10]}}`,
		"bbox inverted":        `{"region":{"bbox":[1,1,-1,-1]}}`,
		"not an object":        `[1,2,3]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			runner := &fakeRunner{summary: completedSummary()}
			s := NewServer(runner, testConfig(), zap.NewNop())

			rec := serve(t, s, http.MethodPost, "/v1/ingest", []byte(body))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
			assert.Zero(t, runner.callCount())
		})
	}
}

func TestIngest_PropagatesSummaryStatus(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{summary: ingest.Summary{
		RunID:      "run-2",
		State:      ingest.StateFailed,
		StatusCode: http.StatusNotFound,
		Error:      "No images found",
		Errors:     []string{"No images found"},
	}}
	s := NewServer(runner, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/ingest", []byte(`{}`))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "No images found")
}

func TestIngest_GetTriggersDefaultRun(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{summary: completedSummary()}
	s := NewServer(runner, testConfig(), zap.NewNop())

	rec := serve(t, s, http.MethodGet, "/v1/ingest", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, runner.callCount())
}

// slowRunner outlasts the request timeout and reports whether its context
// was cancelled or carried a deadline.
type slowRunner struct {
	delay       time.Duration
	summary     ingest.Summary
	cancelled   bool
	hadDeadline bool
}

func (r *slowRunner) Run(ctx context.Context, _ ingest.Request) ingest.Summary {
	_, r.hadDeadline = ctx.Deadline()
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		r.cancelled = true
	}
	return r.summary
}

func TestIngest_LongRunOutlivesRequestTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.RequestTimeoutSeconds = 1
	runner := &slowRunner{delay: 1500 * time.Millisecond, summary: completedSummary()}
	s := NewServer(runner, cfg, zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/ingest", nil)

	assert.False(t, runner.cancelled)
	assert.False(t, runner.hadDeadline)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "completed", got["state"])
}

func TestIngest_RequiresAPIKeyWhenEnabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	runner := &fakeRunner{summary: completedSummary()}
	s := NewServer(runner, cfg, zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/ingest", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, runner.callCount())

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", nil)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	s.Handler().ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)

	health := serve(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	healthy := NewServer(&fakeRunner{}, testConfig(), zap.NewNop(), ReadinessCheck{
		Name:  "documents",
		Check: func(context.Context) error { return nil },
	})
	rec := serve(t, healthy, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	broken := NewServer(&fakeRunner{}, testConfig(), zap.NewNop(), ReadinessCheck{
		Name:  "documents",
		Check: func(context.Context) error { return errors.New("connection refused") },
	})
	rec = serve(t, broken, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeRunner{}, testConfig(), zap.NewNop())
	rec := serve(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
