package api

import "context"

// Call is everything a capability receives for one invocation.
// Artifacts and Payload are read-only views of the run's state.
type Call struct {
	RunID   string
	StepID  string
	Product string
	FlowID  string
	Attempt int

	Params    map[string]any
	Payload   map[string]any
	Artifacts map[string]any
	Meta      map[string]any
}

// CapabilityMeta describes who produced a CapabilityResult.
type CapabilityMeta struct {
	Name      string   `json:"name"`
	Kind      StepKind `json:"kind,omitempty"`
	Backend   string   `json:"backend,omitempty"`
	LatencyMS int64    `json:"latency_ms,omitempty"`
}

// CapabilityResult is the envelope every agent and tool returns.
// OK=false must come with a non-nil Error.
type CapabilityResult struct {
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Error *Error         `json:"error,omitempty"`
	Meta  CapabilityMeta `json:"meta"`
}

// Succeeded builds a successful CapabilityResult.
func Succeeded(data any) CapabilityResult {
	return CapabilityResult{OK: true, Data: data}
}

// Failed builds a failed CapabilityResult with the given error code.
func Failed(code, message string, transient bool) CapabilityResult {
	return CapabilityResult{
		OK:    false,
		Error: &Error{Code: code, Message: message, Transient: transient},
	}
}

// Capability is an agent or tool. Implementations report failure through
// the result; a panic is caught and converted by the executor.
type Capability interface {
	Run(ctx context.Context, call Call) CapabilityResult
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, call Call) CapabilityResult

// Run calls f.
func (f CapabilityFunc) Run(ctx context.Context, call Call) CapabilityResult {
	return f(ctx, call)
}

// Factory produces a fresh capability instance per resolution.
type Factory func() Capability
