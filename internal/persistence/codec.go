package persistence

import (
	"encoding/json"
	"time"

	"github.com/petrijr/runflow/pkg/api"
)

// Payload columns are stored as JSON text. An absent value encodes as "".

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return "", nil
		}
	case *api.Error:
		if t == nil {
			return "", nil
		}
	case *api.UserInputRequest:
		if t == nil {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]any, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeAny(s string) (any, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeError(s string) (*api.Error, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var e api.Error
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func decodeRequest(s string) (*api.UserInputRequest, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var r api.UserInputRequest
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Normalize round-trips v through JSON so in-memory state has the same
// shape as state read back from a store (float64 numbers, []any). It also
// reports the encoded size. Values JSON cannot represent, such as NaN,
// are rejected.
func Normalize(v any) (any, int, error) {
	s, err := encodeJSON(v)
	if err != nil {
		return nil, 0, err
	}
	out, err := decodeAny(s)
	return out, len(s), err
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// runDoc is the flattened, JSON-encoded form of a RunRecord shared by the
// SQL, Redis and Mongo backends.
type runDoc struct {
	RunID           string `json:"run_id" bson:"_id"`
	Product         string `json:"product" bson:"product"`
	FlowID          string `json:"flow_id" bson:"flow_id"`
	FlowVersion     string `json:"flow_version" bson:"flow_version"`
	FlowFingerprint string `json:"flow_fingerprint" bson:"flow_fingerprint"`
	Status          string `json:"status" bson:"status"`
	Payload         string `json:"payload" bson:"payload"`
	Artifacts       string `json:"artifacts" bson:"artifacts"`
	Meta            string `json:"meta" bson:"meta"`
	CurrentStep     int    `json:"current_step" bson:"current_step"`
	FailedStepID    string `json:"failed_step_id" bson:"failed_step_id"`
	Error           string `json:"error" bson:"error"`
	PendingInput    string `json:"pending_input" bson:"pending_input"`
	RequestedBy     string `json:"requested_by" bson:"requested_by"`
	CreatedAt       int64  `json:"created_at" bson:"created_at"`
	UpdatedAt       int64  `json:"updated_at" bson:"updated_at"`

	Steps []stepDoc `json:"steps,omitempty" bson:"steps,omitempty"`
}

type stepDoc struct {
	StepID       string `json:"step_id" bson:"step_id"`
	Index        int    `json:"index" bson:"index"`
	Kind         string `json:"kind" bson:"kind"`
	Capability   string `json:"capability" bson:"capability"`
	Status       string `json:"status" bson:"status"`
	Output       string `json:"output" bson:"output"`
	Error        string `json:"error" bson:"error"`
	AttemptCount int    `json:"attempt_count" bson:"attempt_count"`
	StartedAt    int64  `json:"started_at" bson:"started_at"`
	FinishedAt   int64  `json:"finished_at" bson:"finished_at"`
}

type eventDoc struct {
	RunID    string `json:"run_id" bson:"run_id"`
	Seq      int64  `json:"seq" bson:"seq"`
	ID       string `json:"id" bson:"event_id"`
	StepID   string `json:"step_id" bson:"step_id"`
	Product  string `json:"product" bson:"product"`
	FlowID   string `json:"flow_id" bson:"flow_id"`
	Type     string `json:"type" bson:"type"`
	Payload  string `json:"payload" bson:"payload"`
	Redacted bool   `json:"redacted" bson:"redacted"`
	At       int64  `json:"at" bson:"at"`
}

func toRunDoc(run *api.RunRecord) (runDoc, error) {
	d := runDoc{
		RunID:           run.RunID,
		Product:         run.Product,
		FlowID:          run.FlowID,
		FlowVersion:     run.FlowVersion,
		FlowFingerprint: run.FlowFingerprint,
		Status:          string(run.Status),
		CurrentStep:     run.CurrentStep,
		FailedStepID:    run.FailedStepID,
		RequestedBy:     run.RequestedBy,
		CreatedAt:       nanos(run.CreatedAt),
		UpdatedAt:       nanos(run.UpdatedAt),
	}
	var err error
	if d.Payload, err = encodeJSON(run.Payload); err != nil {
		return d, err
	}
	if d.Artifacts, err = encodeJSON(run.Artifacts); err != nil {
		return d, err
	}
	if d.Meta, err = encodeJSON(run.Meta); err != nil {
		return d, err
	}
	if d.Error, err = encodeJSON(run.Error); err != nil {
		return d, err
	}
	if d.PendingInput, err = encodeJSON(run.PendingInput); err != nil {
		return d, err
	}
	for _, s := range run.Steps {
		sd, err := toStepDoc(s)
		if err != nil {
			return d, err
		}
		d.Steps = append(d.Steps, sd)
	}
	return d, nil
}

func (d runDoc) record() (*api.RunRecord, error) {
	run := &api.RunRecord{
		RunID:           d.RunID,
		Product:         d.Product,
		FlowID:          d.FlowID,
		FlowVersion:     d.FlowVersion,
		FlowFingerprint: d.FlowFingerprint,
		Status:          api.RunStatus(d.Status),
		CurrentStep:     d.CurrentStep,
		FailedStepID:    d.FailedStepID,
		RequestedBy:     d.RequestedBy,
		CreatedAt:       fromNanos(d.CreatedAt),
		UpdatedAt:       fromNanos(d.UpdatedAt),
	}
	var err error
	if run.Payload, err = decodeMap(d.Payload); err != nil {
		return nil, err
	}
	if run.Artifacts, err = decodeMap(d.Artifacts); err != nil {
		return nil, err
	}
	if run.Meta, err = decodeMap(d.Meta); err != nil {
		return nil, err
	}
	if run.Error, err = decodeError(d.Error); err != nil {
		return nil, err
	}
	if run.PendingInput, err = decodeRequest(d.PendingInput); err != nil {
		return nil, err
	}
	for _, sd := range d.Steps {
		s, err := sd.record()
		if err != nil {
			return nil, err
		}
		run.Steps = upsertStep(run.Steps, s)
	}
	return run, nil
}

func toStepDoc(s api.StepRecord) (stepDoc, error) {
	d := stepDoc{
		StepID:       s.StepID,
		Index:        s.Index,
		Kind:         string(s.Kind),
		Capability:   s.Capability,
		Status:       string(s.Status),
		AttemptCount: s.AttemptCount,
		StartedAt:    nanos(s.StartedAt),
		FinishedAt:   nanos(s.FinishedAt),
	}
	var err error
	if d.Output, err = encodeJSON(s.Output); err != nil {
		return d, err
	}
	if d.Error, err = encodeJSON(s.Error); err != nil {
		return d, err
	}
	return d, nil
}

func (d stepDoc) record() (api.StepRecord, error) {
	s := api.StepRecord{
		StepID:       d.StepID,
		Index:        d.Index,
		Kind:         api.StepKind(d.Kind),
		Capability:   d.Capability,
		Status:       api.StepStatus(d.Status),
		AttemptCount: d.AttemptCount,
		StartedAt:    fromNanos(d.StartedAt),
		FinishedAt:   fromNanos(d.FinishedAt),
	}
	var err error
	if s.Output, err = decodeAny(d.Output); err != nil {
		return s, err
	}
	if s.Error, err = decodeError(d.Error); err != nil {
		return s, err
	}
	return s, nil
}

func toEventDoc(ev api.TraceEvent) (eventDoc, error) {
	payload, err := encodeJSON(ev.Payload)
	if err != nil {
		return eventDoc{}, err
	}
	return eventDoc{
		RunID:    ev.RunID,
		Seq:      ev.Seq,
		ID:       ev.ID,
		StepID:   ev.StepID,
		Product:  ev.Product,
		FlowID:   ev.FlowID,
		Type:     ev.Type,
		Payload:  payload,
		Redacted: ev.Redacted,
		At:       nanos(ev.At),
	}, nil
}

func (d eventDoc) record() (api.TraceEvent, error) {
	payload, err := decodeMap(d.Payload)
	if err != nil {
		return api.TraceEvent{}, err
	}
	return api.TraceEvent{
		ID:       d.ID,
		Seq:      d.Seq,
		RunID:    d.RunID,
		StepID:   d.StepID,
		Product:  d.Product,
		FlowID:   d.FlowID,
		Type:     d.Type,
		Payload:  payload,
		Redacted: d.Redacted,
		At:       fromNanos(d.At),
	}, nil
}
