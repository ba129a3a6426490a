// Package mcp implements the Model Context Protocol server for stepglass.
//
// The MCP server exposes the query side of the HTTP API through MCP
// resources and tools, allowing MCP-compatible AI agents to inspect
// pipeline runs and elimination behavior directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/stepglass-ai/stepglass/internal/service/query"
)

// Server wraps the MCP server with the stepglass query layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	querySvc  *query.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(querySvc *query.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		querySvc: querySvc,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"stepglass",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// stepglass://runs/recent: most recent runs across all pipelines.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"stepglass://runs/recent",
			"Recent Runs",
			mcplib.WithResourceDescription("Most recent pipeline runs across all pipelines"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRunsRecent,
	)

	// stepglass://pipelines: known pipeline names in first-seen order.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"stepglass://pipelines",
			"Pipelines",
			mcplib.WithResourceDescription("Known pipeline names in first-seen order"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePipelines,
	)

	// stepglass://run/{id}: full detail for a specific run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"stepglass://run/{id}",
			"Run Detail",
			mcplib.WithTemplateDescription("Full detail for a specific run, including nested steps"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunDetail,
	)
}

func (s *Server) handleRunsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	resp, err := s.querySvc.ListRuns(ctx, query.ListRunsParams{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}

	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal runs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "stepglass://runs/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handlePipelines(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	pipelines, err := s.querySvc.ListPipelines(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list pipelines: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"pipelines": pipelines,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal pipelines: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "stepglass://pipelines",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRunDetail(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	runID := strings.TrimPrefix(uri, "stepglass://run/")
	if runID == "" || runID == uri {
		return nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}

	run, err := s.querySvc.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: get run: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal run: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
