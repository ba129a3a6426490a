package stepglass

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func writeData(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": data}))
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestClientSend(t *testing.T) {
	var received struct {
		Events []Event `json:"events"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/ingest", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		writeData(t, w, IngestResponse{Accepted: true, Processed: len(received.Events)})
	})

	err := c.Send(context.Background(), []Event{
		{Type: EventRunStart, Data: map[string]any{"run_id": "r1"}},
		{Type: EventRunEnd, Data: map[string]any{"run_id": "r1"}},
	})
	require.NoError(t, err)
	require.Len(t, received.Events, 2)
	assert.Equal(t, EventRunStart, received.Events[0].Type)
}

func TestClientListRuns(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runs", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "doc-search", q.Get("pipeline"))
		assert.Equal(t, "error", q.Get("status"))
		assert.Equal(t, "25", q.Get("limit"))
		assert.Equal(t, "50", q.Get("offset"))
		assert.Empty(t, q.Get("run_id"))
		writeData(t, w, ListRunsResponse{
			Runs:   []Run{{RunID: "r1", Pipeline: "doc-search", Status: "error"}},
			Total:  1,
			Limit:  25,
			Offset: 50,
		})
	})

	resp, err := c.ListRuns(context.Background(), &ListRunsOptions{
		Pipeline: "doc-search",
		Status:   "error",
		Limit:    25,
		Offset:   50,
	})
	require.NoError(t, err)
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "r1", resp.Runs[0].RunID)
	assert.Equal(t, 1, resp.Total)
}

func TestClientListRunsNilOptions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		writeData(t, w, ListRunsResponse{Runs: []Run{}})
	})

	resp, err := c.ListRuns(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Runs)
}

func TestClientGetRun(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runs/run-123", r.URL.Path)
		writeData(t, w, Run{
			RunID:    "run-123",
			Pipeline: "doc-search",
			Status:   "success",
			Steps:    []Step{{StepID: "s1", Name: "retrieve", Type: "search"}},
		})
	})

	run, err := c.GetRun(context.Background(), "run-123")
	require.NoError(t, err)
	assert.Equal(t, "run-123", run.RunID)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, "retrieve", run.Steps[0].Name)
}

func TestClientGetRunNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "NOT_FOUND", "message": "run not found: nope"},
		})
	})

	_, err := c.GetRun(context.Background(), "nope")
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.IsNotFound())
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Contains(t, apiErr.Message, "nope")
}

func TestClientFilterEliminations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/queries/filter-eliminations", r.URL.Path)
		assert.Equal(t, "95", r.URL.Query().Get("threshold"))
		writeData(t, w, EliminationResponse{
			Matches: []EliminationMatch{{
				RunID:           "r1",
				StepName:        "relevance_filter",
				EliminationRate: 99.4,
				CandidatesIn:    30,
				FilteredOut:     4970,
				TotalConsidered: 5000,
			}},
			Count: 1,
		})
	})

	resp, err := c.FilterEliminations(context.Background(), &EliminationOptions{Threshold: 95})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)
	assert.InDelta(t, 99.4, resp.Matches[0].EliminationRate, 0.01)
}

func TestClientFilterEliminationsDefaultThresholdOmitted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("threshold"))
		writeData(t, w, EliminationResponse{})
	})

	_, err := c.FilterEliminations(context.Background(), &EliminationOptions{})
	require.NoError(t, err)
}

func TestClientListPipelines(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/pipelines", r.URL.Path)
		writeData(t, w, map[string]any{"pipelines": []string{"a", "b"}})
	})

	pipelines, err := c.ListPipelines(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, pipelines)
}

func TestClientPipelineStatsEmptyPipeline(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/pipelines/ghost/stats", r.URL.Path)
		writeData(t, w, PipelineStatsResponse{Pipeline: "ghost", Stats: nil})
	})

	resp, err := c.PipelineStats(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", resp.Pipeline)
	assert.Nil(t, resp.Stats, "no runs means null stats, not zeros")
}

func TestClientHealth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeData(t, w, HealthResponse{Status: "ok", Store: "memory"})
	})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
}

func TestClientUnwrappedResponseFallback(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
	})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
}

func TestClientNonEnvelopeErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := c.Health(context.Background())
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "bad gateway")
}
