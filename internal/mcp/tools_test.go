package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/stepglass-ai/stepglass/internal/model"
	"github.com/stepglass-ai/stepglass/internal/service/query"
	"github.com/stepglass-ai/stepglass/internal/store"
	"github.com/stepglass-ai/stepglass/internal/testutil"
)

func newTestMCP(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	logger := testutil.TestLogger()
	m := store.NewMemory()
	return New(query.New(m, logger), logger, "test"), m
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func mustIngest(t *testing.T, m *store.Memory, events ...model.Event) {
	t.Helper()
	_, err := m.Ingest(context.Background(), events)
	require.NoError(t, err)
}

func traceEvent(t *testing.T, typ model.EventType, payload any) model.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return model.Event{Type: typ, Data: data, Timestamp: time.Now().UTC()}
}

func seedFilterRun(t *testing.T, m *store.Memory, runID, pipeline string, kept, discarded int) {
	t.Helper()
	candidates := make([]any, kept)
	for i := range candidates {
		candidates[i] = map[string]any{"id": i}
	}
	filtered := make([]any, discarded)
	for i := range filtered {
		filtered[i] = map[string]any{"id": kept + i}
	}

	mustIngest(t, m,
		traceEvent(t, model.EventRunStart, model.RunStartPayload{
			RunID: runID, Pipeline: pipeline, StartTime: time.Now().UTC(),
		}),
		traceEvent(t, model.EventStep, map[string]any{
			"step_id":    runID + "-filter",
			"run_id":     runID,
			"name":       "relevance_filter",
			"type":       model.StepTypeFilter,
			"candidates": candidates,
			"filtered":   filtered,
		}),
		traceEvent(t, model.EventRunEnd, model.RunEndPayload{
			RunID: runID, Status: model.RunStatusSuccess, DurationMs: 120,
		}),
	)
}

func TestListRunsTool(t *testing.T) {
	srv, m := newTestMCP(t)
	seedFilterRun(t, m, "r1", "doc-search", 5, 5)
	seedFilterRun(t, m, "r2", "qa", 5, 5)

	result, err := srv.handleListRuns(context.Background(), toolRequest("stepglass_list_runs", map[string]any{
		"pipeline": "doc-search",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp model.ListRunsResponse
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "r1", resp.Runs[0].RunID)
}

func TestGetRunTool(t *testing.T) {
	srv, m := newTestMCP(t)
	seedFilterRun(t, m, "r1", "doc-search", 3, 7)

	result, err := srv.handleGetRun(context.Background(), toolRequest("stepglass_get_run", map[string]any{
		"run_id": "r1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var run model.Run
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &run))
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Len(t, run.Steps, 1)
}

func TestGetRunToolNotFound(t *testing.T) {
	srv, _ := newTestMCP(t)

	result, err := srv.handleGetRun(context.Background(), toolRequest("stepglass_get_run", map[string]any{
		"run_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "ghost")

	result, err = srv.handleGetRun(context.Background(), toolRequest("stepglass_get_run", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestFilterEliminationsTool(t *testing.T) {
	srv, m := newTestMCP(t)
	seedFilterRun(t, m, "heavy", "doc-search", 30, 4970) // 99.4%
	seedFilterRun(t, m, "light", "doc-search", 50, 50)   // 50%

	result, err := srv.handleFilterEliminations(context.Background(), toolRequest("stepglass_filter_eliminations", map[string]any{
		"threshold": 90,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp model.EliminationResponse
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "heavy", resp.Matches[0].RunID)
	assert.InDelta(t, 99.4, resp.Matches[0].EliminationRate, 0.01)
}

func TestPipelineStatsTool(t *testing.T) {
	srv, m := newTestMCP(t)
	seedFilterRun(t, m, "r1", "doc-search", 5, 5)

	result, err := srv.handlePipelineStats(context.Background(), toolRequest("stepglass_pipeline_stats", map[string]any{
		"pipeline": "doc-search",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp model.PipelineStatsResponse
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	require.NotNil(t, resp.Stats)
	assert.Equal(t, 1, resp.Stats.TotalRuns)
	assert.Equal(t, 1, resp.Stats.SuccessCount)

	// Unknown pipeline yields null stats, not an error.
	result, err = srv.handlePipelineStats(context.Background(), toolRequest("stepglass_pipeline_stats", map[string]any{
		"pipeline": "ghost",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Nil(t, resp.Stats)
}

func TestRunDetailResource(t *testing.T) {
	srv, m := newTestMCP(t)
	seedFilterRun(t, m, "r1", "doc-search", 3, 7)

	contents, err := srv.handleRunDetail(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "stepglass://run/r1"},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "application/json", text.MIMEType)

	var run model.Run
	require.NoError(t, json.Unmarshal([]byte(text.Text), &run))
	assert.Equal(t, "r1", run.RunID)

	_, err = srv.handleRunDetail(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "stepglass://bogus"},
	})
	assert.Error(t, err)
}
