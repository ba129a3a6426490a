package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// IngestRequest is the request body for POST /v1/ingest: an ordered batch of
// trace events, applied in order.
type IngestRequest struct {
	Events []Event `json:"events"`
}

// IngestResponse is the response for POST /v1/ingest. Processed counts every
// event the store consumed, including ones applied best-effort with missing
// fields.
type IngestResponse struct {
	Accepted  bool `json:"accepted"`
	Processed int  `json:"processed"`
}

// ListRunsResponse is the response for GET /v1/runs. Total is the filtered
// count before pagination.
type ListRunsResponse struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// ListStepsResponse is the response for GET /v1/steps.
type ListStepsResponse struct {
	Steps  []Step `json:"steps"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// EliminationMatch is one filter step whose elimination rate met the query
// threshold. EliminationRate is a percentage in [0,100].
type EliminationMatch struct {
	RunID           string  `json:"run_id"`
	Pipeline        string  `json:"pipeline"`
	StepID          string  `json:"step_id"`
	StepName        string  `json:"step_name"`
	EliminationRate float64 `json:"elimination_rate"`
	CandidatesIn    int     `json:"candidates_in"`
	FilteredOut     int     `json:"filtered_out"`
	TotalConsidered int     `json:"total_considered"`
}

// EliminationResponse is the response for GET /v1/queries/filter-eliminations.
type EliminationResponse struct {
	Matches []EliminationMatch `json:"matches"`
	Count   int                `json:"count"`
}

// PipelineStats aggregates runs of one pipeline. Averages are computed only
// over runs that carry the measurement (AvgDurationMs over finished runs).
type PipelineStats struct {
	TotalRuns     int     `json:"total_runs"`
	SuccessCount  int     `json:"success_count"`
	ErrorCount    int     `json:"error_count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	AvgStepCount  float64 `json:"avg_step_count"`
}

// PipelineStatsResponse is the response for GET /v1/pipelines/{pipeline}/stats.
// Stats is null, not zero-filled, for a pipeline with no recorded runs.
type PipelineStatsResponse struct {
	Pipeline string         `json:"pipeline"`
	Stats    *PipelineStats `json:"stats"`
}

// PipelinesResponse is the response for GET /v1/pipelines.
type PipelinesResponse struct {
	Pipelines []string `json:"pipelines"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Uptime  int64  `json:"uptime_seconds"`
}
