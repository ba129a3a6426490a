package stepglass

import "time"

// Event is one element of an ingest batch. Data depends on Type: a runStart
// payload, a Step, or a runEnd payload. Timestamp is assigned by the batcher
// at emission time.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Event type discriminators understood by the server's ingest boundary.
const (
	EventRunStart = "run_start"
	EventStep     = "step"
	EventRunEnd   = "run_end"
)

// Summary is the bounded stand-in the summarizer produces for an oversized
// sequence. Total always reflects the pre-summarization length; Sample holds
// the first SampleSize elements in original order; Statistics are computed
// from the sample only and must not be read as exact population statistics.
type Summary struct {
	IsSummary  bool                  `json:"is_summary"`
	Total      int                   `json:"total"`
	Sample     []any                 `json:"sample"`
	SampleSize int                   `json:"sample_size"`
	Statistics map[string]FieldStats `json:"statistics,omitempty"`
}

// FieldStats holds min/max/average for one numeric field of a sample.
type FieldStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
}

// FilteredCandidate pairs an eliminated candidate with the reasons it was
// removed at a filter step.
type FilteredCandidate struct {
	Candidate any      `json:"candidate"`
	Reasons   []string `json:"reasons"`
}

// StepOptions describes one decision point for Recorder.RecordStep. Name and
// Type are free-form; the conventional types (llm, filter, search, rank,
// transform) unlock cross-pipeline queries on the server. Candidates and
// Filtered may be slices of anything; oversized ones are summarized before
// leaving the process. Caller-supplied values are never mutated.
type StepOptions struct {
	Name      string
	Type      string
	Input     any
	Output    any
	Candidates any
	Filtered   any
	Metadata   map[string]any
	Reasoning  string
	DurationMs int64

	// CandidateLimit and FilteredLimit override the recorder's default
	// summarization limit for this step. Zero means use the default.
	CandidateLimit int
	FilteredLimit  int
}

// EndRunOptions finalizes a run. Status defaults to "success"; pass "error"
// together with Error for failed runs.
type EndRunOptions struct {
	Status string
	Output any
	Error  string
}

// --- Wire payloads ---

type runStartPayload struct {
	RunID     string         `json:"run_id"`
	Pipeline  string         `json:"pipeline"`
	Input     any            `json:"input,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	StartTime time.Time      `json:"start_time"`
}

type stepPayload struct {
	StepID     string         `json:"step_id"`
	RunID      string         `json:"run_id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Input      any            `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Candidates any            `json:"candidates,omitempty"`
	Filtered   any            `json:"filtered,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

type runEndPayload struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	EndTime    time.Time `json:"end_time"`
	DurationMs int64     `json:"duration_ms"`
	StepCount  int       `json:"step_count"`
}

// --- Query types ---

// Run mirrors the server's run model for API consumers.
type Run struct {
	RunID      string         `json:"run_id"`
	Pipeline   string         `json:"pipeline"`
	Input      any            `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    *time.Time     `json:"end_time,omitempty"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Steps      []Step         `json:"steps"`
}

// Step mirrors the server's step model. Candidates and Filtered decode to
// either a []any (raw sequence) or a map[string]any carrying is_summary=true;
// consumers must branch on the discriminator.
type Step struct {
	StepID     string         `json:"step_id"`
	RunID      string         `json:"run_id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Input      any            `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Candidates any            `json:"candidates,omitempty"`
	Filtered   any            `json:"filtered,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

// ListRunsOptions are optional filters for Client.ListRuns.
type ListRunsOptions struct {
	Pipeline  string
	Status    string
	StartTime string // RFC3339 lower bound on run start time
	EndTime   string // RFC3339 upper bound on run start time
	MinSteps  int
	MaxSteps  int
	Limit     int
	Offset    int
}

// ListStepsOptions are optional filters for Client.ListSteps.
type ListStepsOptions struct {
	RunID    string
	Name     string
	Type     string
	Pipeline string
	Limit    int
	Offset   int
}

// EliminationOptions parameterize Client.FilterEliminations. Threshold is a
// percentage; zero means the server default (90).
type EliminationOptions struct {
	Threshold float64
	Pipeline  string
}

// ListRunsResponse is the output of Client.ListRuns.
type ListRunsResponse struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// ListStepsResponse is the output of Client.ListSteps.
type ListStepsResponse struct {
	Steps  []Step `json:"steps"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// EliminationMatch is one filter step that met the elimination threshold.
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

// EliminationResponse is the output of Client.FilterEliminations.
type EliminationResponse struct {
	Matches []EliminationMatch `json:"matches"`
	Count   int                `json:"count"`
}

// PipelineStats aggregates the runs of one pipeline.
type PipelineStats struct {
	TotalRuns     int     `json:"total_runs"`
	SuccessCount  int     `json:"success_count"`
	ErrorCount    int     `json:"error_count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	AvgStepCount  float64 `json:"avg_step_count"`
}

// PipelineStatsResponse is the output of Client.PipelineStats. Stats is nil
// for a pipeline with no recorded runs.
type PipelineStatsResponse struct {
	Pipeline string         `json:"pipeline"`
	Stats    *PipelineStats `json:"stats"`
}

// IngestResponse is the server's acknowledgement of an event batch.
type IngestResponse struct {
	Accepted  bool `json:"accepted"`
	Processed int  `json:"processed"`
}

// HealthResponse is the output of Client.Health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Uptime  int64  `json:"uptime_seconds"`
}
