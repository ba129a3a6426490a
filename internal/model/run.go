// Package model defines the core domain types for stepglass.
//
// Runs and steps are schema-free at the payload level: inputs, outputs, and
// metadata arrive as arbitrary JSON and are stored as decoded values. The
// query engine relies on field conventions (step type, candidates, filtered)
// rather than a fixed schema.
package model

import "time"

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// Step types form a small controlled vocabulary. Any other string is accepted
// as an open extension value; only StepTypeFilter carries query semantics.
const (
	StepTypeLLM       = "llm"
	StepTypeFilter    = "filter"
	StepTypeSearch    = "search"
	StepTypeRank      = "rank"
	StepTypeTransform = "transform"
)

// Run is one execution of an instrumented pipeline.
//
// RunID is immutable once assigned. Status transitions running -> success or
// running -> error exactly once. Steps is append-only for the run's lifetime,
// ordered by arrival at the store.
type Run struct {
	RunID      string         `json:"run_id"`
	Pipeline   string         `json:"pipeline"`
	Input      any            `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Status     RunStatus      `json:"status"`
	Error      string         `json:"error,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    *time.Time     `json:"end_time,omitempty"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Steps      []Step         `json:"steps"`
}

// Step is one recorded decision point inside a run. Immutable once recorded;
// there is no update operation.
//
// Candidates and Filtered are each either a raw ordered sequence or a bounded
// Summary of one, never both. Consumers branch on Sequence.IsSummary.
type Step struct {
	StepID     string         `json:"step_id"`
	RunID      string         `json:"run_id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Input      any            `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Candidates *Sequence      `json:"candidates,omitempty"`
	Filtered   *Sequence      `json:"filtered,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}
