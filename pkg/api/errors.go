package api

import (
	"context"
	"errors"
	"fmt"
)

// Error codes of the run/step error taxonomy.
const (
	CodeValidation        = "validation_error"
	CodeUnknownCapability = "unknown_capability"
	CodeGovernanceDenied  = "governance_denied"
	CodeCapability        = "capability_error"
	CodeTimeout           = "timeout"
	CodeStaleResponse     = "stale_response"
	CodePersistenceBusy   = "persistence_busy"
	CodeDuplicateRun      = "duplicate_run"
	CodeRunNotFound       = "run_not_found"
	CodeInvalidState      = "invalid_state"
	CodeInvalidInput      = "invalid_input"
	CodePolicyBlocked     = "policy_blocked"
	CodeArtifactConflict  = "artifact_conflict"
	CodePayloadLimit      = "payload_limit_exceeded"
	CodeMaxSteps          = "max_steps_exceeded"
	CodeToolCallLimit     = "tool_call_limit_exceeded"
	CodeCancelled         = "cancelled"
	CodeInterrupted       = "interrupted"
	CodeInternal          = "internal_error"
)

// Error is the structured error carried by results, step records and runs.
// Errors are data: they are persisted and returned, never thrown.
//
// Two *Error values match under errors.Is when their codes are equal, so
// callers can test against the sentinels below:
//
//	if errors.Is(res.Err(), api.ErrStaleResponse) { ... }
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	StepID    string         `json:"step_id,omitempty"`
	Transient bool           `json:"transient,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.StepID != "" {
		return fmt.Sprintf("%s: %s (step %s)", e.Code, e.Message, e.StepID)
	}
	return e.Code + ": " + e.Message
}

// Is matches errors by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return e.Code == t.Code
}

// WithStep returns a copy of e attributed to the given step.
func (e *Error) WithStep(stepID string) *Error {
	if e == nil {
		return nil
	}
	c := *e
	c.StepID = stepID
	return &c
}

// NewError builds an Error with a formatted message.
func NewError(code string, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is.
var (
	ErrValidation        = &Error{Code: CodeValidation, Message: "invalid flow definition"}
	ErrUnknownCapability = &Error{Code: CodeUnknownCapability, Message: "unknown capability"}
	ErrGovernanceDenied  = &Error{Code: CodeGovernanceDenied, Message: "denied by governance"}
	ErrCapability        = &Error{Code: CodeCapability, Message: "capability failed"}
	ErrTimeout           = &Error{Code: CodeTimeout, Message: "capability timed out", Transient: true}
	ErrStaleResponse     = &Error{Code: CodeStaleResponse, Message: "stale or mismatched user input response"}
	ErrPersistenceBusy   = &Error{Code: CodePersistenceBusy, Message: "run store busy", Transient: true}
	ErrDuplicateRun      = &Error{Code: CodeDuplicateRun, Message: "run already exists"}
	ErrRunNotFound       = &Error{Code: CodeRunNotFound, Message: "run not found"}
	ErrInvalidState      = &Error{Code: CodeInvalidState, Message: "invalid run state for operation"}
	ErrInvalidInput      = &Error{Code: CodeInvalidInput, Message: "invalid user input"}
	ErrPolicyBlocked     = &Error{Code: CodePolicyBlocked, Message: "blocked by policy"}
	ErrArtifactConflict  = &Error{Code: CodeArtifactConflict, Message: "artifact key already written"}
	ErrPayloadLimit      = &Error{Code: CodePayloadLimit, Message: "payload exceeds the size limit"}
	ErrMaxSteps          = &Error{Code: CodeMaxSteps, Message: "run exceeded its step limit"}
	ErrToolCallLimit     = &Error{Code: CodeToolCallLimit, Message: "run exceeded its tool call limit"}
	ErrCancelled         = &Error{Code: CodeCancelled, Message: "run cancelled"}
	ErrInterrupted       = &Error{Code: CodeInterrupted, Message: "run interrupted"}
	ErrInternal          = &Error{Code: CodeInternal, Message: "internal error"}
)

// AsError converts any error into an *Error. Context errors map to
// cancelled/timeout; everything else that is not already an *Error becomes
// an internal error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeTimeout, Message: err.Error(), Transient: true}
	case errors.Is(err, context.Canceled):
		return &Error{Code: CodeCancelled, Message: err.Error()}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
