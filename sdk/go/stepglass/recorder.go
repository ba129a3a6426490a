package stepglass

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecorderConfig holds the settings needed to construct a Recorder.
type RecorderConfig struct {
	// Sender delivers event batches. A *Client satisfies this. Required
	// unless Disabled is set.
	Sender Sender

	// Disabled turns the recorder into a complete no-op: StartRun,
	// RecordStep, and EndRun return empty handles and no events are
	// generated, buffered, or sent.
	Disabled bool

	// BatchSize is the pending-event count that triggers an automatic
	// flush. Defaults to DefaultBatchSize.
	BatchSize int

	// SummarizeLimit is the default sequence length above which candidates
	// and filtered arrays are summarized. Defaults to
	// DefaultSummarizeLimit. Overridable per step.
	SummarizeLimit int

	// Metadata is merged into every run's metadata. Call-specific metadata
	// wins on key collision.
	Metadata map[string]any

	// OnDeliveryError is invoked once per failed batch. Failed batches are
	// dropped, never retried; this handler is the only signal of loss.
	OnDeliveryError func(error)
}

// Recorder captures the decision trace of pipeline runs. One Recorder
// supports exactly one active run at a time: starting a new run while one is
// active silently discards the prior run's unfinished local state. Callers
// needing concurrent runs must use separate Recorder instances.
//
// All methods are safe for concurrent use and never block on, or surface
// errors from, the trace backend.
type Recorder struct {
	enabled bool
	limit   int
	base    map[string]any
	batcher *Batcher

	mu        sync.Mutex
	runID     string
	pipeline  string
	startedAt time.Time
	steps     []string
}

// NewRecorder creates a Recorder from the given configuration.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Disabled {
		return &Recorder{}, nil
	}
	if cfg.Sender == nil {
		return nil, &Error{Code: "CONFIG", Message: "Sender is required unless Disabled is set"}
	}

	limit := cfg.SummarizeLimit
	if limit <= 0 {
		limit = DefaultSummarizeLimit
	}

	base := make(map[string]any, len(cfg.Metadata))
	for k, v := range cfg.Metadata {
		base[k] = v
	}

	return &Recorder{
		enabled: true,
		limit:   limit,
		base:    base,
		batcher: NewBatcher(cfg.Sender, cfg.BatchSize, cfg.OnDeliveryError),
	}, nil
}

// StartRun begins a new run of the named pipeline and returns its run ID.
// Returns an empty handle when the recorder is disabled. Call-specific
// metadata overrides recorder-wide metadata on key collision.
func (r *Recorder) StartRun(pipeline string, input any, metadata map[string]any) string {
	if !r.enabled {
		return ""
	}

	merged := make(map[string]any, len(r.base)+len(metadata))
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}

	r.mu.Lock()
	r.runID = uuid.New().String()
	r.pipeline = pipeline
	r.startedAt = time.Now().UTC()
	r.steps = nil
	runID := r.runID
	startedAt := r.startedAt
	r.mu.Unlock()

	r.batcher.Emit(Event{Type: EventRunStart, Data: runStartPayload{
		RunID:     runID,
		Pipeline:  pipeline,
		Input:     input,
		Metadata:  merged,
		StartTime: startedAt,
	}})
	return runID
}

// RecordStep records one decision point on the active run and returns the
// step ID. A no-op (empty handle) when disabled or when no run is active.
// Oversized candidates and filtered sequences are summarized before the step
// leaves the process; caller-supplied values are never mutated.
func (r *Recorder) RecordStep(opts StepOptions) string {
	if !r.enabled {
		return ""
	}

	r.mu.Lock()
	if r.runID == "" {
		r.mu.Unlock()
		return ""
	}
	stepID := uuid.New().String()
	runID := r.runID
	r.steps = append(r.steps, stepID)
	r.mu.Unlock()

	step := stepPayload{
		StepID:     stepID,
		RunID:      runID,
		Name:       opts.Name,
		Type:       opts.Type,
		Input:      opts.Input,
		Output:     opts.Output,
		Candidates: Summarize(opts.Candidates, r.limitOr(opts.CandidateLimit)),
		Filtered:   Summarize(opts.Filtered, r.limitOr(opts.FilteredLimit)),
		Metadata:   opts.Metadata,
		Reasoning:  opts.Reasoning,
		Timestamp:  time.Now().UTC(),
		DurationMs: opts.DurationMs,
	}

	r.batcher.Emit(Event{Type: EventStep, Data: step})
	return stepID
}

// EndRun finalizes the active run and returns its run ID. A no-op when
// disabled or when no run is active; a second EndRun without an intervening
// StartRun is likewise a no-op. Duration is wall-clock time since StartRun.
func (r *Recorder) EndRun(opts EndRunOptions) string {
	if !r.enabled {
		return ""
	}

	r.mu.Lock()
	if r.runID == "" {
		r.mu.Unlock()
		return ""
	}
	runID := r.runID
	startedAt := r.startedAt
	stepCount := len(r.steps)
	r.runID = ""
	r.pipeline = ""
	r.steps = nil
	r.mu.Unlock()

	status := opts.Status
	if status == "" {
		status = "success"
	}
	now := time.Now().UTC()

	r.batcher.Emit(Event{Type: EventRunEnd, Data: runEndPayload{
		RunID:      runID,
		Status:     status,
		Output:     opts.Output,
		Error:      opts.Error,
		EndTime:    now,
		DurationMs: now.Sub(startedAt).Milliseconds(),
		StepCount:  stepCount,
	}})
	return runID
}

// ActiveRun returns the run ID of the run in progress, or empty.
func (r *Recorder) ActiveRun() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// Flush synchronously delivers any pending events. See Batcher.Flush.
func (r *Recorder) Flush(ctx context.Context) error {
	if !r.enabled {
		return nil
	}
	return r.batcher.Flush(ctx)
}

// Drain flushes pending events and waits for in-flight deliveries, bounded
// by ctx. Call during pipeline shutdown.
func (r *Recorder) Drain(ctx context.Context) error {
	if !r.enabled {
		return nil
	}
	return r.batcher.Drain(ctx)
}

// Stats returns delivery counters, all zero for a disabled recorder.
func (r *Recorder) Stats() Stats {
	if !r.enabled {
		return Stats{}
	}
	return r.batcher.Stats()
}

func (r *Recorder) limitOr(override int) int {
	if override != 0 {
		return override
	}
	return r.limit
}

// --- Process-wide default recorder ---

var (
	defaultMu       sync.RWMutex
	defaultRecorder = &Recorder{} // disabled until SetDefault
)

// Default returns the process-wide recorder. Until SetDefault is called it
// is a disabled recorder, so instrumentation in library code is safe to call
// unconditionally. The default instance is a convenience accessor over an
// ordinary Recorder, never required for correctness; prefer passing a
// Recorder explicitly.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide recorder.
func SetDefault(r *Recorder) {
	if r == nil {
		r = &Recorder{}
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}
