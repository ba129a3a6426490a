package model

import (
	"encoding/json"
	"time"
)

// EventType discriminates trace events on the ingest boundary. It is the only
// field the store validates; payload shape is applied best-effort.
type EventType string

const (
	EventRunStart EventType = "run_start"
	EventStep     EventType = "step"
	EventRunEnd   EventType = "run_end"
)

// Event is one element of an ingest batch. Data is decoded per Type:
// run_start -> RunStartPayload, step -> Step, run_end -> RunEndPayload.
// Timestamp is assigned by the delivery batcher at emission time.
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// RunStartPayload is the data carried by a run_start event.
type RunStartPayload struct {
	RunID     string         `json:"run_id"`
	Pipeline  string         `json:"pipeline"`
	Input     any            `json:"input,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	StartTime time.Time      `json:"start_time"`
}

// RunEndPayload is the data carried by a run_end event.
type RunEndPayload struct {
	RunID      string    `json:"run_id"`
	Status     RunStatus `json:"status"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	EndTime    time.Time `json:"end_time"`
	DurationMs int64     `json:"duration_ms"`
	StepCount  int       `json:"step_count"`
}
