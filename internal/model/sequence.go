package model

import (
	"bytes"
	"encoding/json"
)

// Summary is a bounded stand-in for an oversized sequence: the first
// SampleSize elements, the true pre-summarization count, and per-field
// statistics computed from the sample only. Statistics are sample statistics,
// not population statistics; callers must not treat them as exact.
type Summary struct {
	IsSummary  bool                  `json:"is_summary"`
	Total      int                   `json:"total"`
	Sample     []any                 `json:"sample"`
	SampleSize int                   `json:"sample_size"`
	Statistics map[string]FieldStats `json:"statistics,omitempty"`
}

// FieldStats holds min/max/average for one numeric field observed on the
// sampled elements of a Summary.
type FieldStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
}

// Sequence is the tagged container for a step's candidates or filtered field.
// On the wire it is either a raw JSON array or a Summary object carrying the
// is_summary discriminator. Anything else (a bare object, string, number) is
// preserved verbatim in Opaque so ingest stays best-effort, but an opaque
// value is not countable and never matches convention-based queries.
type Sequence struct {
	Items   []any
	Summary *Summary
	Opaque  json.RawMessage
}

// IsSummary reports whether the sequence is the summarized representation.
func (s *Sequence) IsSummary() bool {
	return s != nil && s.Summary != nil
}

// Count returns the logical element count: Summary.Total for a summarized
// sequence, the raw length otherwise. ok is false for nil or opaque values,
// which are treated as absent for counting purposes.
func (s *Sequence) Count() (n int, ok bool) {
	switch {
	case s == nil:
		return 0, false
	case s.Summary != nil:
		return s.Summary.Total, true
	case s.Items != nil:
		return len(s.Items), true
	default:
		return 0, false
	}
}

// MarshalJSON writes the summarized form when present, otherwise the raw
// array, otherwise the preserved opaque value.
func (s Sequence) MarshalJSON() ([]byte, error) {
	if s.Summary != nil {
		return json.Marshal(s.Summary)
	}
	if s.Items != nil {
		return json.Marshal(s.Items)
	}
	if s.Opaque != nil {
		return s.Opaque, nil
	}
	return []byte("null"), nil
}

// UnmarshalJSON branches on the payload shape: arrays become Items, objects
// with is_summary=true become Summary, everything else is kept opaque.
func (s *Sequence) UnmarshalJSON(data []byte) error {
	*s = Sequence{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	switch trimmed[0] {
	case '[':
		items := []any{}
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		s.Items = items
		return nil
	case '{':
		var probe struct {
			IsSummary bool `json:"is_summary"`
		}
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return err
		}
		if probe.IsSummary {
			var sum Summary
			if err := json.Unmarshal(trimmed, &sum); err != nil {
				return err
			}
			s.Summary = &sum
			return nil
		}
	}

	s.Opaque = append(json.RawMessage(nil), trimmed...)
	return nil
}
