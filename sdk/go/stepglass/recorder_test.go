package stepglass

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T, sender Sender) *Recorder {
	t.Helper()
	r, err := NewRecorder(RecorderConfig{Sender: sender, BatchSize: 100})
	require.NoError(t, err)
	return r
}

func drainEvents(t *testing.T, r *Recorder, sender *captureSender) []Event {
	t.Helper()
	require.NoError(t, r.Drain(context.Background()))
	sender.mu.Lock()
	defer sender.mu.Unlock()
	var events []Event
	for _, b := range sender.batches {
		events = append(events, b...)
	}
	return events
}

func TestRecorderDisabledIsInert(t *testing.T) {
	r, err := NewRecorder(RecorderConfig{Disabled: true})
	require.NoError(t, err)

	runID := r.StartRun("search", "query", nil)
	stepID := r.RecordStep(StepOptions{Name: "retrieve", Type: "search"})
	endID := r.EndRun(EndRunOptions{})

	assert.Empty(t, runID)
	assert.Empty(t, stepID)
	assert.Empty(t, endID)
	assert.Empty(t, r.ActiveRun())
	assert.NoError(t, r.Flush(context.Background()))
	assert.NoError(t, r.Drain(context.Background()))
	assert.Equal(t, Stats{}, r.Stats())
}

func TestRecorderRequiresSender(t *testing.T) {
	_, err := NewRecorder(RecorderConfig{})
	require.Error(t, err)
}

func TestRecorderFullRunLifecycle(t *testing.T) {
	sender := &captureSender{}
	r := newTestRecorder(t, sender)

	runID := r.StartRun("doc-search", map[string]any{"q": "golang"}, nil)
	require.NotEmpty(t, runID)
	assert.Equal(t, runID, r.ActiveRun())

	stepID := r.RecordStep(StepOptions{
		Name:      "keyword_filter",
		Type:      "filter",
		Reasoning: "dropped stopword-only docs",
	})
	require.NotEmpty(t, stepID)

	endID := r.EndRun(EndRunOptions{Status: "success", Output: "done"})
	assert.Equal(t, runID, endID)
	assert.Empty(t, r.ActiveRun())

	events := drainEvents(t, r, sender)
	require.Len(t, events, 3)
	assert.Equal(t, EventRunStart, events[0].Type)
	assert.Equal(t, EventStep, events[1].Type)
	assert.Equal(t, EventRunEnd, events[2].Type)

	start := events[0].Data.(runStartPayload)
	assert.Equal(t, runID, start.RunID)
	assert.Equal(t, "doc-search", start.Pipeline)

	step := events[1].Data.(stepPayload)
	assert.Equal(t, stepID, step.StepID)
	assert.Equal(t, runID, step.RunID)
	assert.Equal(t, "filter", step.Type)

	end := events[2].Data.(runEndPayload)
	assert.Equal(t, runID, end.RunID)
	assert.Equal(t, "success", end.Status)
	assert.Equal(t, 1, end.StepCount)
	assert.GreaterOrEqual(t, end.DurationMs, int64(0))
}

func TestRecorderStepWithoutRunIsNoOp(t *testing.T) {
	sender := &captureSender{}
	r := newTestRecorder(t, sender)

	stepID := r.RecordStep(StepOptions{Name: "orphan"})
	assert.Empty(t, stepID)

	events := drainEvents(t, r, sender)
	assert.Empty(t, events)
}

func TestRecorderEndRunWithoutRunIsNoOp(t *testing.T) {
	sender := &captureSender{}
	r := newTestRecorder(t, sender)

	assert.Empty(t, r.EndRun(EndRunOptions{}))

	events := drainEvents(t, r, sender)
	assert.Empty(t, events)
}

func TestRecorderDoubleEndRunSecondIsNoOp(t *testing.T) {
	sender := &captureSender{}
	r := newTestRecorder(t, sender)

	runID := r.StartRun("p", nil, nil)
	assert.Equal(t, runID, r.EndRun(EndRunOptions{}))
	assert.Empty(t, r.EndRun(EndRunOptions{}))

	events := drainEvents(t, r, sender)
	require.Len(t, events, 2)
	assert.Equal(t, EventRunEnd, events[1].Type)
}

func TestRecorderNewRunDiscardsUnfinishedState(t *testing.T) {
	sender := &captureSender{}
	r := newTestRecorder(t, sender)

	first := r.StartRun("p", nil, nil)
	r.RecordStep(StepOptions{Name: "s1"})

	second := r.StartRun("p", nil, nil)
	require.NotEqual(t, first, second)
	assert.Equal(t, second, r.ActiveRun())

	// The new run's step count starts from zero.
	r.RecordStep(StepOptions{Name: "s2"})
	r.EndRun(EndRunOptions{})

	events := drainEvents(t, r, sender)
	var end runEndPayload
	for _, ev := range events {
		if ev.Type == EventRunEnd {
			end = ev.Data.(runEndPayload)
		}
	}
	assert.Equal(t, second, end.RunID)
	assert.Equal(t, 1, end.StepCount, "steps of the discarded run must not carry over")
}

func TestRecorderMetadataMerge(t *testing.T) {
	sender := &captureSender{}
	r, err := NewRecorder(RecorderConfig{
		Sender:    sender,
		BatchSize: 100,
		Metadata:  map[string]any{"env": "prod", "version": "1.0"},
	})
	require.NoError(t, err)

	r.StartRun("p", nil, map[string]any{"version": "2.0", "user": "alice"})
	r.EndRun(EndRunOptions{})

	events := drainEvents(t, r, sender)
	require.NotEmpty(t, events)
	start := events[0].Data.(runStartPayload)
	assert.Equal(t, "prod", start.Metadata["env"])
	assert.Equal(t, "2.0", start.Metadata["version"], "call metadata wins on collision")
	assert.Equal(t, "alice", start.Metadata["user"])
}

func TestRecorderSummarizesOversizedSequences(t *testing.T) {
	sender := &captureSender{}
	r, err := NewRecorder(RecorderConfig{Sender: sender, BatchSize: 100, SummarizeLimit: 5})
	require.NoError(t, err)

	candidates := make([]any, 30)
	for i := range candidates {
		candidates[i] = map[string]any{"score": float64(i)}
	}

	r.StartRun("p", nil, nil)
	r.RecordStep(StepOptions{Name: "filter", Type: "filter", Candidates: candidates, Filtered: []any{"x"}})
	r.EndRun(EndRunOptions{})

	events := drainEvents(t, r, sender)
	require.Len(t, events, 3)
	step := events[1].Data.(stepPayload)

	summary, ok := step.Candidates.(*Summary)
	require.True(t, ok, "oversized candidates must be summarized before leaving the process")
	assert.Equal(t, 30, summary.Total)
	assert.Len(t, summary.Sample, 5)

	small, ok := step.Filtered.([]any)
	require.True(t, ok, "small sequences pass through raw")
	assert.Len(t, small, 1)

	// Caller's slice is untouched.
	assert.Len(t, candidates, 30)
}

func TestRecorderPerStepLimitOverride(t *testing.T) {
	sender := &captureSender{}
	r, err := NewRecorder(RecorderConfig{Sender: sender, BatchSize: 100, SummarizeLimit: 5})
	require.NoError(t, err)

	items := make([]any, 8)
	for i := range items {
		items[i] = i
	}

	r.StartRun("p", nil, nil)
	r.RecordStep(StepOptions{Name: "s", Candidates: items, CandidateLimit: 20})
	r.EndRun(EndRunOptions{})

	events := drainEvents(t, r, sender)
	step := events[1].Data.(stepPayload)
	_, summarized := step.Candidates.(*Summary)
	assert.False(t, summarized, "per-step limit override must take precedence")
}

func TestRecorderDefaultStatusSuccess(t *testing.T) {
	sender := &captureSender{}
	r := newTestRecorder(t, sender)

	r.StartRun("p", nil, nil)
	r.EndRun(EndRunOptions{})

	events := drainEvents(t, r, sender)
	end := events[1].Data.(runEndPayload)
	assert.Equal(t, "success", end.Status)
}

func TestDefaultRecorderStartsDisabled(t *testing.T) {
	assert.Empty(t, Default().StartRun("p", nil, nil))

	sender := &captureSender{}
	r := newTestRecorder(t, sender)
	SetDefault(r)
	t.Cleanup(func() { SetDefault(nil) })

	assert.Same(t, r, Default())
	assert.NotEmpty(t, Default().StartRun("p", nil, nil))
	Default().EndRun(EndRunOptions{})

	SetDefault(nil)
	assert.Empty(t, Default().StartRun("p", nil, nil))
}
