package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/stepglass-ai/stepglass/internal/service/query"
	"github.com/stepglass-ai/stepglass/internal/store"
)

func (s *Server) registerTools() {
	// stepglass_list_runs: browse recorded pipeline runs.
	s.mcpServer.AddTool(
		mcplib.NewTool("stepglass_list_runs",
			mcplib.WithDescription(`List recorded pipeline runs, newest first.

WHEN TO USE: To get an overview of recent pipeline activity, or to find
the run IDs you need for stepglass_get_run.

FILTER EXAMPLES:
- All failed doc-search runs: pipeline="doc-search", status="error"
- Runs still in flight: status="running"
- Runs with at least one recorded step: min_steps=1`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("pipeline",
				mcplib.Description("Filter by pipeline name"),
			),
			mcplib.WithString("status",
				mcplib.Description("Filter by run status: running, success, or error"),
			),
			mcplib.WithString("start_time",
				mcplib.Description("Only runs starting at or after this RFC 3339 timestamp"),
			),
			mcplib.WithString("end_time",
				mcplib.Description("Only runs starting at or before this RFC 3339 timestamp"),
			),
			mcplib.WithNumber("min_steps",
				mcplib.Description("Only runs with at least this many nested steps"),
				mcplib.Min(0),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(query.MaxLimit),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleListRuns,
	)

	// stepglass_get_run: full detail for one run.
	s.mcpServer.AddTool(
		mcplib.NewTool("stepglass_get_run",
			mcplib.WithDescription(`Get one run with its full step trace.

WHEN TO USE: After stepglass_list_runs or stepglass_filter_eliminations
surfaced a run worth inspecting. Returns the run's input, output, status,
and every nested step with candidates, filtered sequences, and reasoning.

Oversized candidate sets appear as summaries: a small sample plus the
true total count. The total is the number that matters for analysis.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run identifier to fetch"),
				mcplib.Required(),
			),
		),
		s.handleGetRun,
	)

	// stepglass_filter_eliminations: find steps that discarded nearly everything.
	s.mcpServer.AddTool(
		mcplib.NewTool("stepglass_filter_eliminations",
			mcplib.WithDescription(`Find filter steps that eliminated a high fraction of their candidates.

WHEN TO USE: When debugging why a pipeline returned too few results.
A step that discarded 99% of its candidates is usually where the
relevant answer was lost.

The elimination rate is filtered / (candidates + filtered) as a
percentage. Summarized and raw candidate sequences score identically
because summaries carry the true total count.

EXAMPLE: threshold=95, pipeline="doc-search" finds every doc-search
filter step that threw away at least 95% of what it was given.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("threshold",
				mcplib.Description("Minimum elimination rate as a percentage (inclusive)"),
				mcplib.Min(0),
				mcplib.Max(100),
				mcplib.DefaultNumber(query.DefaultThreshold),
			),
			mcplib.WithString("pipeline",
				mcplib.Description("Optional: restrict the scan to one pipeline"),
			),
		),
		s.handleFilterEliminations,
	)

	// stepglass_pipeline_stats: aggregate health of one pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("stepglass_pipeline_stats",
			mcplib.WithDescription(`Aggregate statistics for one pipeline.

WHEN TO USE: To judge a pipeline's overall health before digging into
individual runs. Returns total runs, success and error counts, average
duration, and average step count. A pipeline with no recorded runs
returns null stats.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("pipeline",
				mcplib.Description("The pipeline name"),
				mcplib.Required(),
			),
		),
		s.handlePipelineStats,
	)
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	params := query.ListRunsParams{
		Pipeline: request.GetString("pipeline", ""),
		Status:   request.GetString("status", ""),
		Limit:    request.GetInt("limit", 10),
	}
	if v := request.GetString("start_time", ""); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &ts
		}
	}
	if v := request.GetString("end_time", ""); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &ts
		}
	}
	if v := request.GetInt("min_steps", -1); v >= 0 {
		params.MinSteps = &v
	}

	resp, err := s.querySvc.ListRuns(ctx, params)
	if err != nil {
		return errorResult(fmt.Sprintf("list runs failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(resp, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}

	run, err := s.querySvc.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return errorResult(fmt.Sprintf("run not found: %s", runID)), nil
	}
	if err != nil {
		s.logger.Warn("mcp: get run failed", "run_id", runID, "error", err)
		return errorResult(fmt.Sprintf("get run failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(run, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleFilterEliminations(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threshold := request.GetFloat("threshold", 0)
	pipeline := request.GetString("pipeline", "")

	resp, err := s.querySvc.FilterEliminations(ctx, threshold, pipeline)
	if err != nil {
		return errorResult(fmt.Sprintf("elimination query failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(resp, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handlePipelineStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	pipeline := request.GetString("pipeline", "")
	if pipeline == "" {
		return errorResult("pipeline is required"), nil
	}

	resp, err := s.querySvc.PipelineStats(ctx, pipeline)
	if err != nil {
		return errorResult(fmt.Sprintf("pipeline stats failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(resp, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}
