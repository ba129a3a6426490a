// Package query derives read-only views over the trace store: filtered run
// and step listings, the cross-pipeline filter-elimination query, and
// per-pipeline statistics.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepglass-ai/stepglass/internal/model"
	"github.com/stepglass-ai/stepglass/internal/store"
)

const (
	// DefaultLimit and MaxLimit bound listing page sizes. Malformed or
	// missing values are coerced, not rejected.
	DefaultLimit = 100
	MaxLimit     = 1000

	// DefaultThreshold is the elimination-rate cutoff, as a percentage.
	DefaultThreshold = 90.0
)

// Service answers queries against a Store. It holds no state of its own, so
// backends can be swapped without touching query semantics.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a query service over the given store.
func New(st store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// ListRunsParams filter a run listing. Nil pointers mean "no bound".
type ListRunsParams struct {
	Pipeline  string
	Status    string
	StartTime *time.Time
	EndTime   *time.Time
	MinSteps  *int
	MaxSteps  *int
	Limit     int
	Offset    int
}

// ListStepsParams filter a step listing.
type ListStepsParams struct {
	RunID    string
	Name     string
	Type     string
	Pipeline string
	Limit    int
	Offset   int
}

// ListRuns returns filtered runs sorted by start time descending. Total is
// the filtered count before pagination.
func (s *Service) ListRuns(ctx context.Context, p ListRunsParams) (*model.ListRunsResponse, error) {
	limit := clampLimit(p.Limit)
	offset := clampOffset(p.Offset)

	runs, total, err := s.store.ListRuns(ctx, store.RunFilter{
		Pipeline:  p.Pipeline,
		Status:    p.Status,
		StartTime: p.StartTime,
		EndTime:   p.EndTime,
		MinSteps:  p.MinSteps,
		MaxSteps:  p.MaxSteps,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return nil, fmt.Errorf("query: list runs: %w", err)
	}
	if runs == nil {
		runs = []model.Run{}
	}

	return &model.ListRunsResponse{Runs: runs, Total: total, Limit: limit, Offset: offset}, nil
}

// GetRun resolves one run with its nested steps. Unknown IDs surface
// store.ErrNotFound; this is the one read that reports absence explicitly.
func (s *Service) GetRun(ctx context.Context, runID string) (model.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// ListSteps returns filtered steps sorted by timestamp descending.
func (s *Service) ListSteps(ctx context.Context, p ListStepsParams) (*model.ListStepsResponse, error) {
	limit := clampLimit(p.Limit)
	offset := clampOffset(p.Offset)

	steps, total, err := s.store.ListSteps(ctx, store.StepFilter{
		RunID:    p.RunID,
		Name:     p.Name,
		Type:     p.Type,
		Pipeline: p.Pipeline,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, fmt.Errorf("query: list steps: %w", err)
	}
	if steps == nil {
		steps = []model.Step{}
	}

	return &model.ListStepsResponse{Steps: steps, Total: total, Limit: limit, Offset: offset}, nil
}

// FilterEliminations scans filter steps carrying both candidates and
// filtered sequences and returns those whose elimination rate met the
// threshold (a percentage; <= 0 selects the default of 90).
//
// Counts are read through Summary.total when a sequence is summarized and
// through the raw length otherwise, so summarized and raw steps score
// identically. A zero denominator excludes the step rather than matching it.
func (s *Service) FilterEliminations(ctx context.Context, threshold float64, pipeline string) (*model.EliminationResponse, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	steps, _, err := s.store.ListSteps(ctx, store.StepFilter{
		Type:     model.StepTypeFilter,
		Pipeline: pipeline,
	})
	if err != nil {
		return nil, fmt.Errorf("query: filter eliminations: %w", err)
	}

	pipelines := map[string]string{}
	matches := []model.EliminationMatch{}
	for _, step := range steps {
		candidates, ok := sequenceCount(step.Candidates)
		if !ok {
			continue
		}
		filtered, ok := sequenceCount(step.Filtered)
		if !ok {
			continue
		}

		total := candidates + filtered
		if total == 0 {
			continue
		}

		rate := float64(filtered) / float64(total) * 100
		if rate < threshold {
			continue
		}

		matches = append(matches, model.EliminationMatch{
			RunID:           step.RunID,
			Pipeline:        s.runPipeline(ctx, pipelines, step.RunID),
			StepID:          step.StepID,
			StepName:        step.Name,
			EliminationRate: rate,
			CandidatesIn:    candidates,
			FilteredOut:     filtered,
			TotalConsidered: total,
		})
	}

	return &model.EliminationResponse{Matches: matches, Count: len(matches)}, nil
}

// sequenceCount reads the element count of a candidates/filtered value:
// Summary.total for summaries, raw length otherwise. Absent or opaque values
// are not countable.
func sequenceCount(seq *model.Sequence) (int, bool) {
	if seq == nil {
		return 0, false
	}
	return seq.Count()
}

// runPipeline resolves a run's pipeline name with a per-query cache. Orphan
// steps resolve to an empty pipeline.
func (s *Service) runPipeline(ctx context.Context, cache map[string]string, runID string) string {
	if name, seen := cache[runID]; seen {
		return name
	}

	name := ""
	run, err := s.store.GetRun(ctx, runID)
	switch {
	case err == nil:
		name = run.Pipeline
	case errors.Is(err, store.ErrNotFound):
		// orphan step
	default:
		s.logger.Warn("query: resolve run pipeline", "run_id", runID, "error", err)
	}
	cache[runID] = name
	return name
}

// PipelineStats aggregates one pipeline's runs. A pipeline with no recorded
// runs yields a nil Stats, never zero-filled numbers.
func (s *Service) PipelineStats(ctx context.Context, pipeline string) (*model.PipelineStatsResponse, error) {
	runs, total, err := s.store.ListRuns(ctx, store.RunFilter{Pipeline: pipeline})
	if err != nil {
		return nil, fmt.Errorf("query: pipeline stats: %w", err)
	}

	resp := &model.PipelineStatsResponse{Pipeline: pipeline}
	if total == 0 {
		return resp, nil
	}

	stats := &model.PipelineStats{TotalRuns: total}
	var durationSum int64
	var durationCount int
	var stepSum int
	for _, run := range runs {
		switch run.Status {
		case model.RunStatusSuccess:
			stats.SuccessCount++
		case model.RunStatusError:
			stats.ErrorCount++
		}
		if run.DurationMs != nil {
			durationSum += *run.DurationMs
			durationCount++
		}
		stepSum += len(run.Steps)
	}
	if durationCount > 0 {
		stats.AvgDurationMs = float64(durationSum) / float64(durationCount)
	}
	stats.AvgStepCount = float64(stepSum) / float64(len(runs))

	resp.Stats = stats
	return resp, nil
}

// ListPipelines returns pipeline names in first-seen order.
func (s *Service) ListPipelines(ctx context.Context) ([]string, error) {
	pipelines, err := s.store.ListPipelines(ctx)
	if err != nil {
		return nil, fmt.Errorf("query: list pipelines: %w", err)
	}
	if pipelines == nil {
		pipelines = []string{}
	}
	return pipelines, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func clampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
