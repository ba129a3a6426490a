package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stepglass-ai/stepglass/internal/model"
)

// Memory is the in-memory Store backend. It is the reference implementation
// of the ingest transitions and the default for tests and local development.
// State is keyed maps with a derived pipeline index so pipeline-scoped
// queries avoid scanning every run. All methods are safe for concurrent use;
// a query never observes a run whose step list is mid-append.
type Memory struct {
	mu sync.RWMutex

	runs  map[string]*model.Run
	steps map[string]*model.Step

	// stepOrder holds step IDs in arrival order and drives listing.
	stepOrder []string

	// pipelineRuns maps pipeline name to run IDs in append order.
	// pipelineOrder holds pipeline names in first-seen order.
	pipelineRuns  map[string][]string
	pipelineOrder []string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:         make(map[string]*model.Run),
		steps:        make(map[string]*model.Step),
		pipelineRuns: make(map[string][]string),
	}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Ping(context.Context) error  { return nil }
func (m *Memory) Close(context.Context) error { return nil }

// Ingest applies events in order. See the Store contract for the three
// transitions.
func (m *Memory) Ingest(_ context.Context, events []model.Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	processed := 0
	for _, ev := range events {
		switch ev.Type {
		case model.EventRunStart:
			processed++
			run, ok := decodeRunStart(ev)
			if !ok {
				continue
			}
			m.insertRun(run)
		case model.EventStep:
			processed++
			step, ok := decodeStep(ev)
			if !ok {
				continue
			}
			m.insertStep(step)
		case model.EventRunEnd:
			processed++
			end, ok := decodeRunEnd(ev)
			if !ok {
				continue
			}
			if run, exists := m.runs[end.RunID]; exists {
				finishRun(run, end)
			}
		}
	}
	return processed, nil
}

// insertRun applies the run_start transition: last write wins, step list
// reset to empty, pipeline index updated without duplicating the run ID.
func (m *Memory) insertRun(run model.Run) {
	if old, exists := m.runs[run.RunID]; exists {
		if old.Pipeline == run.Pipeline {
			m.runs[run.RunID] = &run
			return
		}
		m.removeFromPipeline(old.Pipeline, run.RunID)
	}
	m.runs[run.RunID] = &run
	m.appendToPipeline(run.Pipeline, run.RunID)
}

func (m *Memory) insertStep(step model.Step) {
	if _, exists := m.steps[step.StepID]; !exists {
		m.stepOrder = append(m.stepOrder, step.StepID)
	}
	m.steps[step.StepID] = &step

	// Nest under the run only if the run already exists. Orphan steps stay
	// standalone even if their run_start arrives later.
	if run, exists := m.runs[step.RunID]; exists {
		run.Steps = append(run.Steps, step)
	}
}

func (m *Memory) appendToPipeline(pipeline, runID string) {
	if pipeline == "" {
		return
	}
	if _, seen := m.pipelineRuns[pipeline]; !seen {
		m.pipelineOrder = append(m.pipelineOrder, pipeline)
	}
	m.pipelineRuns[pipeline] = append(m.pipelineRuns[pipeline], runID)
}

func (m *Memory) removeFromPipeline(pipeline, runID string) {
	ids := m.pipelineRuns[pipeline]
	for i, id := range ids {
		if id == runID {
			m.pipelineRuns[pipeline] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func (m *Memory) GetRun(_ context.Context, runID string) (model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, exists := m.runs[runID]
	if !exists {
		return model.Run{}, fmt.Errorf("store: get run %s: %w", runID, ErrNotFound)
	}
	return copyRun(run), nil
}

func (m *Memory) ListRuns(_ context.Context, f RunFilter) ([]model.Run, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*model.Run
	if f.Pipeline != "" {
		for _, id := range m.pipelineRuns[f.Pipeline] {
			if run, exists := m.runs[id]; exists {
				candidates = append(candidates, run)
			}
		}
	} else {
		for _, run := range m.runs {
			candidates = append(candidates, run)
		}
	}

	var matched []*model.Run
	for _, run := range candidates {
		if matchRun(run, f) {
			matched = append(matched, run)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].StartTime.After(matched[j].StartTime)
	})

	total := len(matched)
	page := paginate(matched, f.Limit, f.Offset)
	runs := make([]model.Run, len(page))
	for i, run := range page {
		runs[i] = copyRun(run)
	}
	return runs, total, nil
}

func matchRun(run *model.Run, f RunFilter) bool {
	if f.Status != "" && string(run.Status) != f.Status {
		return false
	}
	if f.StartTime != nil && run.StartTime.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && run.StartTime.After(*f.EndTime) {
		return false
	}
	if f.MinSteps != nil && len(run.Steps) < *f.MinSteps {
		return false
	}
	if f.MaxSteps != nil && len(run.Steps) > *f.MaxSteps {
		return false
	}
	return true
}

func (m *Memory) ListSteps(_ context.Context, f StepFilter) ([]model.Step, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// The pipeline filter joins through the pipeline index to a run ID set.
	var pipelineRuns map[string]bool
	if f.Pipeline != "" {
		pipelineRuns = make(map[string]bool, len(m.pipelineRuns[f.Pipeline]))
		for _, id := range m.pipelineRuns[f.Pipeline] {
			pipelineRuns[id] = true
		}
	}

	var matched []*model.Step
	for _, id := range m.stepOrder {
		step := m.steps[id]
		if f.RunID != "" && step.RunID != f.RunID {
			continue
		}
		if f.Name != "" && step.Name != f.Name {
			continue
		}
		if f.Type != "" && step.Type != f.Type {
			continue
		}
		if pipelineRuns != nil && !pipelineRuns[step.RunID] {
			continue
		}
		matched = append(matched, step)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	page := paginate(matched, f.Limit, f.Offset)
	steps := make([]model.Step, len(page))
	for i, step := range page {
		steps[i] = *step
	}
	return steps, total, nil
}

func (m *Memory) ListPipelines(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pipelines := make([]string, len(m.pipelineOrder))
	copy(pipelines, m.pipelineOrder)
	return pipelines, nil
}

// paginate slices out one page. limit <= 0 means no limit.
func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// copyRun returns a run value with its own step slice so callers never alias
// the store's mutable state.
func copyRun(run *model.Run) model.Run {
	out := *run
	out.Steps = make([]model.Step, len(run.Steps))
	copy(out.Steps, run.Steps)
	return out
}
