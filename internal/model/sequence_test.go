package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepglass-ai/stepglass/internal/model"
)

func TestSequenceUnmarshalRawArray(t *testing.T) {
	var s model.Sequence
	require.NoError(t, json.Unmarshal([]byte(`[{"id":1},{"id":2},{"id":3}]`), &s))

	assert.False(t, s.IsSummary())
	n, ok := s.Count()
	require.True(t, ok)
	assert.Equal(t, 3, n)
}

func TestSequenceUnmarshalSummary(t *testing.T) {
	payload := `{"is_summary":true,"total":5000,"sample":[{"score":0.9}],"sample_size":1,
		"statistics":{"score":{"min":0.9,"max":0.9,"average":0.9}}}`

	var s model.Sequence
	require.NoError(t, json.Unmarshal([]byte(payload), &s))

	require.True(t, s.IsSummary())
	n, ok := s.Count()
	require.True(t, ok)
	assert.Equal(t, 5000, n, "count must read total, not sample length")
	assert.Equal(t, 1, s.Summary.SampleSize)
	assert.InDelta(t, 0.9, s.Summary.Statistics["score"].Average, 1e-9)
}

func TestSequenceUnmarshalOpaqueObject(t *testing.T) {
	var s model.Sequence
	require.NoError(t, json.Unmarshal([]byte(`{"weird":"shape"}`), &s))

	assert.False(t, s.IsSummary())
	_, ok := s.Count()
	assert.False(t, ok, "opaque values are not countable")

	// Opaque payloads survive a round trip verbatim.
	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"weird":"shape"}`, string(out))
}

func TestSequenceUnmarshalNull(t *testing.T) {
	var s model.Sequence
	require.NoError(t, json.Unmarshal([]byte(`null`), &s))
	_, ok := s.Count()
	assert.False(t, ok)
}

func TestSequenceMarshalEmptyArrayStaysArray(t *testing.T) {
	var s model.Sequence
	require.NoError(t, json.Unmarshal([]byte(`[]`), &s))

	n, ok := s.Count()
	require.True(t, ok, "an empty array is a countable sequence, not an absent one")
	assert.Equal(t, 0, n)

	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(out))
}

func TestSequenceSummaryRoundTrip(t *testing.T) {
	s := model.Sequence{Summary: &model.Summary{
		IsSummary:  true,
		Total:      4970,
		Sample:     []any{map[string]any{"score": 0.5}},
		SampleSize: 1,
	}}

	out, err := json.Marshal(s)
	require.NoError(t, err)

	var back model.Sequence
	require.NoError(t, json.Unmarshal(out, &back))
	require.True(t, back.IsSummary())
	assert.Equal(t, 4970, back.Summary.Total)
}
