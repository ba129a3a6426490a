package store

import (
	"encoding/json"
	"time"

	"github.com/stepglass-ai/stepglass/internal/model"
)

// Event decoding shared by all backends. Payloads are applied best effort:
// unmarshal errors and missing fields never fail the event. The one hard
// requirement is a run_id, because every transition is keyed by it.

func decodeRunStart(ev model.Event) (model.Run, bool) {
	var p model.RunStartPayload
	_ = json.Unmarshal(ev.Data, &p)
	if p.RunID == "" {
		return model.Run{}, false
	}

	start := p.StartTime
	if start.IsZero() {
		start = ev.Timestamp
	}
	if start.IsZero() {
		start = time.Now().UTC()
	}

	return model.Run{
		RunID:     p.RunID,
		Pipeline:  p.Pipeline,
		Input:     p.Input,
		Status:    model.RunStatusRunning,
		StartTime: start,
		Metadata:  p.Metadata,
		Steps:     []model.Step{},
	}, true
}

func decodeStep(ev model.Event) (model.Step, bool) {
	var s model.Step
	_ = json.Unmarshal(ev.Data, &s)
	if s.RunID == "" && s.StepID == "" {
		return model.Step{}, false
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = ev.Timestamp
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	return s, true
}

func decodeRunEnd(ev model.Event) (model.RunEndPayload, bool) {
	var p model.RunEndPayload
	_ = json.Unmarshal(ev.Data, &p)
	if p.RunID == "" {
		return model.RunEndPayload{}, false
	}
	if p.EndTime.IsZero() {
		p.EndTime = ev.Timestamp
	}
	if p.EndTime.IsZero() {
		p.EndTime = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = model.RunStatusSuccess
	}
	return p, true
}

// finishRun applies a run_end payload to a run record in place.
func finishRun(run *model.Run, p model.RunEndPayload) {
	run.Status = p.Status
	run.Output = p.Output
	run.Error = p.Error
	end := p.EndTime
	run.EndTime = &end

	duration := p.DurationMs
	if duration == 0 && !run.StartTime.IsZero() {
		duration = end.Sub(run.StartTime).Milliseconds()
	}
	run.DurationMs = &duration
}
