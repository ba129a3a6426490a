package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepglass-ai/stepglass/internal/model"
	"github.com/stepglass-ai/stepglass/internal/store"
	"github.com/stepglass-ai/stepglass/internal/testutil"
)

func pgEvent(t *testing.T, typ model.EventType, payload any) model.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return model.Event{Type: typ, Data: data, Timestamp: time.Now().UTC()}
}

// TestPostgresStore spins up a real PostgreSQL container and exercises the
// full transition and query surface against it. Requires Docker.
func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	tc := testutil.MustStartPostgres()
	t.Cleanup(tc.Terminate)

	pg, err := tc.NewTestStore(ctx, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close(ctx) })

	require.NoError(t, pg.Ping(ctx))
	assert.Equal(t, "postgres", pg.Name())

	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("lifecycle", func(t *testing.T) {
		n, err := pg.Ingest(ctx, []model.Event{
			pgEvent(t, model.EventRunStart, model.RunStartPayload{
				RunID: "r1", Pipeline: "doc-search", StartTime: now,
				Input: map[string]any{"q": "golang"},
			}),
			pgEvent(t, model.EventStep, map[string]any{
				"step_id": "s1", "run_id": "r1", "name": "cut", "type": "filter",
				"candidates": []any{"a", "b"},
				"filtered": map[string]any{
					"is_summary": true, "total": 4970, "sample": []any{"x"}, "sample_size": 1,
				},
				"timestamp": now.Add(time.Millisecond),
			}),
			pgEvent(t, model.EventRunEnd, model.RunEndPayload{
				RunID: "r1", Status: model.RunStatusSuccess,
				EndTime: now.Add(time.Second), DurationMs: 1000,
			}),
		})
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		run, err := pg.GetRun(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "doc-search", run.Pipeline)
		assert.Equal(t, model.RunStatusSuccess, run.Status)
		require.NotNil(t, run.DurationMs)
		assert.Equal(t, int64(1000), *run.DurationMs)

		require.Len(t, run.Steps, 1)
		step := run.Steps[0]
		require.NotNil(t, step.Filtered)
		assert.True(t, step.Filtered.IsSummary())
		total, ok := step.Filtered.Count()
		require.True(t, ok)
		assert.Equal(t, 4970, total)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := pg.GetRun(ctx, "ghost")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("run_end unknown run dropped", func(t *testing.T) {
		n, err := pg.Ingest(ctx, []model.Event{
			pgEvent(t, model.EventRunEnd, model.RunEndPayload{RunID: "ghost", Status: model.RunStatusError}),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = pg.GetRun(ctx, "ghost")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("orphan step stays standalone", func(t *testing.T) {
		_, err := pg.Ingest(ctx, []model.Event{
			pgEvent(t, model.EventStep, map[string]any{
				"step_id": "orphan-1", "run_id": "r2", "name": "early", "type": "filter",
				"timestamp": now,
			}),
			pgEvent(t, model.EventRunStart, model.RunStartPayload{RunID: "r2", Pipeline: "late", StartTime: now}),
		})
		require.NoError(t, err)

		run, err := pg.GetRun(ctx, "r2")
		require.NoError(t, err)
		assert.Empty(t, run.Steps)

		steps, total, err := pg.ListSteps(ctx, store.StepFilter{RunID: "r2"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Len(t, steps, 1)
	})

	t.Run("listing and pagination", func(t *testing.T) {
		_, err := pg.Ingest(ctx, []model.Event{
			pgEvent(t, model.EventRunStart, model.RunStartPayload{RunID: "r3", Pipeline: "doc-search", StartTime: now.Add(2 * time.Second)}),
			pgEvent(t, model.EventRunStart, model.RunStartPayload{RunID: "r4", Pipeline: "doc-search", StartTime: now.Add(3 * time.Second)}),
		})
		require.NoError(t, err)

		runs, total, err := pg.ListRuns(ctx, store.RunFilter{Pipeline: "doc-search"})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.GreaterOrEqual(t, len(runs), 3)
		assert.Equal(t, "r4", runs[0].RunID, "sorted by start time descending")

		runs, total, err = pg.ListRuns(ctx, store.RunFilter{Pipeline: "doc-search", Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, runs, 1)
		assert.Equal(t, "r3", runs[0].RunID)

		pipelines, err := pg.ListPipelines(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"doc-search", "late"}, pipelines)
	})
}
