package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RetryPolicy controls how a step is retried when its capability fails
// with a transient error. MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the first retry; each later delay is
// multiplied by BackoffMultiplier (default 2.0) and capped at MaxBackoff
// when MaxBackoff > 0.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialBackoff    time.Duration `json:"initial_backoff,omitempty" yaml:"initial_backoff,omitempty"`
	MaxBackoff        time.Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
	BackoffMultiplier float64       `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`

	// RetryOn, if non-empty, lists additional error codes treated as
	// transient for this step.
	RetryOn []string `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
}

// Choice is one selectable option of a user input request.
type Choice struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// UserInputRequest describes the input a USER_INPUT step waits for.
type UserInputRequest struct {
	FormID      string `json:"form_id" yaml:"form_id"`
	Prompt      string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// InputType is one of text, select, number or boolean.
	InputType string `json:"input_type,omitempty" yaml:"input_type,omitempty"`

	// Schema is a JSON-schema subset; only properties.<field>.type and
	// properties.<field>.enum are enforced.
	Schema   map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
	Defaults map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Required []string       `json:"required,omitempty" yaml:"required,omitempty"`
	Choices  []Choice       `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// UserInputResponse carries a human's answer to a UserInputRequest.
type UserInputResponse struct {
	FormID   string         `json:"form_id"`
	Values   map[string]any `json:"values,omitempty"`
	Comment  string         `json:"comment,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StepDef is an immutable step of a flow. Kind selects which of the other
// fields are meaningful: Capability for AGENT and TOOL, Input for USER_INPUT.
type StepDef struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Kind       StepKind          `json:"kind" yaml:"kind"`
	Capability string            `json:"capability,omitempty" yaml:"capability,omitempty"`
	Params     map[string]any    `json:"params,omitempty" yaml:"params,omitempty"`
	Retry      *RetryPolicy      `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Input      *UserInputRequest `json:"input,omitempty" yaml:"input,omitempty"`

	// When is an optional template condition, e.g.
	// "{{artifacts.tool.evaluate.output.sufficient}}". A falsy value skips
	// the step.
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

// FlowDef is an ordered sequence of steps. Flows are loaded and validated
// outside the engine and handed to it read-only.
type FlowDef struct {
	ID          string         `json:"id" yaml:"id"`
	Product     string         `json:"product,omitempty" yaml:"product,omitempty"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Autonomy    Autonomy       `json:"autonomy_level,omitempty" yaml:"autonomy_level,omitempty"`
	Steps       []StepDef      `json:"steps" yaml:"steps"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StepIndex returns the position of the step with the given id, or -1.
func (f *FlowDef) StepIndex(stepID string) int {
	for i, s := range f.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// Fingerprint returns a stable hash of the flow's canonical JSON form.
// Runs record it so that resuming against a changed definition is detected.
func (f *FlowDef) Fingerprint() string {
	b, err := json.Marshal(f)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
