package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepglass-ai/stepglass/internal/model"
	"github.com/stepglass-ai/stepglass/internal/service/query"
	"github.com/stepglass-ai/stepglass/internal/store"
	"github.com/stepglass-ai/stepglass/internal/testutil"
	stepglass "github.com/stepglass-ai/stepglass/sdk/go/stepglass"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	logger := testutil.TestLogger()
	m := store.NewMemory()
	srv := New(ServerConfig{
		Store:    m,
		QuerySvc: query.New(m, logger),
		Logger:   logger,
		Version:  "test",
	})
	return srv, m
}

func doJSON(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return rec, envelope
}

func data(t *testing.T, envelope map[string]any) map[string]any {
	t.Helper()
	d, ok := envelope["data"].(map[string]any)
	require.True(t, ok, "expected a data envelope, got %v", envelope)
	return d
}

func TestIngestAndGetRun(t *testing.T) {
	srv, _ := newTestServer(t)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	rec, envelope := doJSON(t, srv, http.MethodPost, "/v1/ingest", `{
		"events": [
			{"type": "run_start", "data": {"run_id": "r1", "pipeline": "doc-search", "start_time": "`+now+`"}},
			{"type": "step", "data": {"step_id": "s1", "run_id": "r1", "name": "retrieve", "type": "search"}},
			{"type": "run_end", "data": {"run_id": "r1", "status": "success", "duration_ms": 12}}
		]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	d := data(t, envelope)
	assert.Equal(t, true, d["accepted"])
	assert.Equal(t, float64(3), d["processed"])

	meta, ok := envelope["meta"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, meta["request_id"])

	rec, envelope = doJSON(t, srv, http.MethodGet, "/v1/runs/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	run := data(t, envelope)
	assert.Equal(t, "doc-search", run["pipeline"])
	assert.Equal(t, "success", run["status"])
	steps, ok := run["steps"].([]any)
	require.True(t, ok)
	assert.Len(t, steps, 1)
}

func TestIngestRejectsNonArrayEvents(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, body := range []string{
		`{"events": "nope"}`,
		`{"events": 42}`,
		`{}`,
		`[1,2,3]`,
		`not json`,
	} {
		rec, envelope := doJSON(t, srv, http.MethodPost, "/v1/ingest", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		errObj, ok := envelope["error"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, model.ErrCodeInvalidInput, errObj["code"])
	}
}

func TestIngestEmptyEventsArrayAccepted(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, envelope := doJSON(t, srv, http.MethodPost, "/v1/ingest", `{"events": []}`)
	require.Equal(t, http.StatusOK, rec.Code)
	d := data(t, envelope)
	assert.Equal(t, float64(0), d["processed"])
}

func TestGetRunNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, envelope := doJSON(t, srv, http.MethodGet, "/v1/runs/ghost", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	errObj, ok := envelope["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, model.ErrCodeNotFound, errObj["code"])
	assert.Contains(t, errObj["message"], "ghost")
}

func TestListRunsPaginationCoercion(t *testing.T) {
	srv, m := newTestServer(t)
	seedRun(t, m, "r1", "p")

	// Malformed pagination is coerced, not rejected.
	rec, envelope := doJSON(t, srv, http.MethodGet, "/v1/runs?limit=bogus&offset=-4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	d := data(t, envelope)
	assert.Equal(t, float64(query.DefaultLimit), d["limit"])
	assert.Equal(t, float64(0), d["offset"])
	assert.Equal(t, float64(1), d["total"])
}

func TestPipelineStatsNullForUnknown(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, envelope := doJSON(t, srv, http.MethodGet, "/v1/pipelines/ghost/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	d := data(t, envelope)
	assert.Equal(t, "ghost", d["pipeline"])
	assert.Nil(t, d["stats"])
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, envelope := doJSON(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	d := data(t, envelope)
	assert.Equal(t, "healthy", d["status"])
	assert.Equal(t, "memory", d["store"])
	assert.Equal(t, "test", d["version"])
}

func seedRun(t *testing.T, m *store.Memory, runID, pipeline string) {
	t.Helper()
	payload, err := json.Marshal(model.RunStartPayload{
		RunID: runID, Pipeline: pipeline, StartTime: time.Now().UTC(),
	})
	require.NoError(t, err)
	_, err = m.Ingest(context.Background(), []model.Event{
		{Type: model.EventRunStart, Data: payload, Timestamp: time.Now().UTC()},
	})
	require.NoError(t, err)
}

// TestEndToEndEliminationScenario drives the full path: SDK recorder ->
// HTTP ingest -> store -> elimination query. A filter step keeping 30 of
// 5000 candidates must surface as exactly one match at roughly 99.4%.
func TestEndToEndEliminationScenario(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := stepglass.NewClient(stepglass.Config{BaseURL: ts.URL})
	require.NoError(t, err)

	recorder, err := stepglass.NewRecorder(stepglass.RecorderConfig{Sender: client})
	require.NoError(t, err)

	candidates := make([]map[string]any, 30)
	for i := range candidates {
		candidates[i] = map[string]any{"id": i, "score": 0.9}
	}
	filtered := make([]map[string]any, 4970)
	for i := range filtered {
		filtered[i] = map[string]any{"id": 30 + i, "score": 0.1}
	}

	runID := recorder.StartRun("p", map[string]any{"q": "needle"}, nil)
	require.NotEmpty(t, runID)
	recorder.RecordStep(stepglass.StepOptions{
		Name:       "relevance_filter",
		Type:       "filter",
		Candidates: candidates,
		Filtered:   filtered,
		Reasoning:  "kept only high-relevance docs",
	})
	recorder.EndRun(stepglass.EndRunOptions{Status: "success"})
	require.NoError(t, recorder.Drain(context.Background()))

	// Verify the run arrived with a summarized filtered sequence.
	run, err := client.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "success", run.Status)
	require.Len(t, run.Steps, 1)

	filteredVal, ok := run.Steps[0].Filtered.(map[string]any)
	require.True(t, ok, "oversized filtered sequence should arrive as a summary")
	assert.Equal(t, true, filteredVal["is_summary"])
	assert.Equal(t, float64(4970), filteredVal["total"])

	// The flagship query: one match at ~99.4% regardless of summarization.
	resp, err := client.FilterEliminations(context.Background(), &stepglass.EliminationOptions{Threshold: 90})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)

	match := resp.Matches[0]
	assert.Equal(t, runID, match.RunID)
	assert.Equal(t, "p", match.Pipeline)
	assert.Equal(t, "relevance_filter", match.StepName)
	assert.InDelta(t, 99.4, match.EliminationRate, 0.01)
	assert.Equal(t, 30, match.CandidatesIn)
	assert.Equal(t, 4970, match.FilteredOut)
	assert.Equal(t, 5000, match.TotalConsidered)

	// Pipeline stats reflect the completed run.
	stats, err := client.PipelineStats(context.Background(), "p")
	require.NoError(t, err)
	require.NotNil(t, stats.Stats)
	assert.Equal(t, 1, stats.Stats.TotalRuns)
	assert.Equal(t, 1, stats.Stats.SuccessCount)
}
