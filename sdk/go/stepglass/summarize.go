package stepglass

import "reflect"

// DefaultSummarizeLimit is the sequence length above which candidates and
// filtered arrays are summarized before leaving the process.
const DefaultSummarizeLimit = 100

// Summarize bounds the memory cost of an oversized sequence. If v is not a
// sequence, or has at most limit elements, it is returned unchanged.
// Otherwise the result is a *Summary holding the first limit elements in
// original order (deterministic, no random sampling), the true total, and
// min/max/average for every numeric field observed on the first sampled
// element. A limit of zero or less produces a Summary with an empty sample
// but the true total.
func Summarize(v any, limit int) any {
	items := toSequence(v)
	if items == nil || len(items) == 0 {
		return v
	}
	if limit < 0 {
		limit = 0
	}
	if len(items) <= limit {
		return v
	}

	sample := make([]any, limit)
	copy(sample, items[:limit])

	return &Summary{
		IsSummary:  true,
		Total:      len(items),
		Sample:     sample,
		SampleSize: limit,
		Statistics: sampleStatistics(sample),
	}
}

// toSequence converts slices and arrays of any element type to []any.
// Returns nil for non-sequences. Byte slices are data, not sequences of
// decisions, and pass through untouched.
func toSequence(v any) []any {
	if v == nil {
		return nil
	}
	if items, ok := v.([]any); ok {
		return items
	}
	if _, ok := v.([]byte); ok {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items
}

// sampleStatistics computes per-field min/max/average over the sample. The
// field set comes from the first sampled element; non-numeric fields are
// skipped. Returns nil when no numeric fields exist.
func sampleStatistics(sample []any) map[string]FieldStats {
	if len(sample) == 0 {
		return nil
	}
	first := numericFields(sample[0])
	if len(first) == 0 {
		return nil
	}

	stats := make(map[string]FieldStats, len(first))
	for name := range first {
		var min, max, sum float64
		count := 0
		for _, elem := range sample {
			val, ok := numericFields(elem)[name]
			if !ok {
				continue
			}
			if count == 0 || val < min {
				min = val
			}
			if count == 0 || val > max {
				max = val
			}
			sum += val
			count++
		}
		if count > 0 {
			stats[name] = FieldStats{Min: min, Max: max, Average: sum / float64(count)}
		}
	}
	return stats
}

// numericFields extracts the numeric-valued fields of one element: map keys
// for map elements, exported fields (honoring json tags) for structs.
// Non-map, non-struct elements have no fields.
func numericFields(elem any) map[string]float64 {
	switch m := elem.(type) {
	case map[string]any:
		fields := make(map[string]float64, len(m))
		for k, v := range m {
			if f, ok := toFloat(v); ok {
				fields[k] = f
			}
		}
		return fields
	case nil:
		return nil
	}

	rv := reflect.ValueOf(elem)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	rt := rv.Type()
	fields := make(map[string]float64)
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		f, ok := toFloat(rv.Field(i).Interface())
		if !ok {
			continue
		}
		name := sf.Name
		if tag, _, found := tagName(sf.Tag.Get("json")); found && tag != "" {
			name = tag
		}
		fields[name] = f
	}
	return fields
}

func tagName(tag string) (name, rest string, found bool) {
	if tag == "" || tag == "-" {
		return "", "", false
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			return tag[:i], tag[i+1:], true
		}
	}
	return tag, "", true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
