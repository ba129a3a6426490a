// Package store provides the authoritative trace state behind the ingest and
// query boundaries.
//
// Three interchangeable backends implement Store: an in-memory map store, an
// embedded SQLite store, and a PostgreSQL store with pooled connections and
// an embedded migration runner. All three apply the same event transitions,
// so the query engine never depends on which backend is configured.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stepglass-ai/stepglass/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// RunFilter narrows a run listing. Nil pointer fields mean "no bound".
// Time bounds apply to the run's start time. Limit <= 0 means unlimited;
// callers facing the network must clamp before reaching the store.
type RunFilter struct {
	Pipeline  string
	Status    string
	StartTime *time.Time
	EndTime   *time.Time
	MinSteps  *int
	MaxSteps  *int
	Limit     int
	Offset    int
}

// StepFilter narrows a step listing. The pipeline filter resolves through the
// pipeline index to the set of matching runs.
type StepFilter struct {
	RunID    string
	Name     string
	Type     string
	Pipeline string
	Limit    int
	Offset   int
}

// Store is the trace state contract shared by all backends.
//
// Ingest applies events one at a time in the order given, each as exactly one
// of three transitions:
//
//   - run_start inserts a Run in running state with an empty step list and
//     registers it in the pipeline index. An existing run with the same ID is
//     overwritten, last write wins.
//   - step inserts the Step; if its run exists the Step is also appended to
//     that run's step list in arrival order. A step for an unknown run is
//     stored standalone, queryable via ListSteps but never nested in a Run.
//   - run_end updates the run's status, output, error, end time, and duration
//     in place. A run_end for an unknown run is silently dropped.
//
// Only the event's type discriminator is validated. Payload fields are
// applied best effort: missing fields stay absent, they never fail the event.
// The returned count is the number of events with a recognized type.
type Store interface {
	Ingest(ctx context.Context, events []model.Event) (int, error)

	// GetRun resolves a run with its nested step list. Unknown IDs return
	// ErrNotFound, never an empty run.
	GetRun(ctx context.Context, runID string) (model.Run, error)

	// ListRuns returns filtered runs sorted by start time descending and the
	// filtered count before pagination.
	ListRuns(ctx context.Context, f RunFilter) ([]model.Run, int, error)

	// ListSteps returns filtered steps sorted by timestamp descending and the
	// filtered count before pagination.
	ListSteps(ctx context.Context, f StepFilter) ([]model.Step, int, error)

	// ListPipelines returns pipeline names in first-seen order.
	ListPipelines(ctx context.Context) ([]string, error)

	// Name identifies the backend ("memory", "sqlite", "postgres").
	Name() string

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
