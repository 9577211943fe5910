package api

import (
	"context"
	"time"
)

// Trace event types.
const (
	EventRunStarted         = "run.started"
	EventRunResumed         = "run.resumed"
	EventRunPendingHuman    = "run.pending_human"
	EventRunCompleted       = "run.completed"
	EventRunFailed          = "run.failed"
	EventRunCancelled       = "run.cancelled"
	EventStepStarted        = "step.started"
	EventStepRetryScheduled = "step.retry_scheduled"
	EventStepSucceeded      = "step.succeeded"
	EventStepFailed         = "step.failed"
	EventStepSkipped        = "step.skipped"
	EventGovernanceDecision = "governance.decision"
	EventToolExecuted       = "tool.executed"
	EventAgentExecuted      = "agent.executed"
)

// TraceEvent is one entry of the observability stream. Payload has been
// redacted by the time a TraceEvent reaches a sink or the store.
type TraceEvent struct {
	ID       string         `json:"id"`
	Seq      int64          `json:"seq"`
	RunID    string         `json:"run_id"`
	StepID   string         `json:"step_id,omitempty"`
	Product  string         `json:"product,omitempty"`
	FlowID   string         `json:"flow_id,omitempty"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Redacted bool           `json:"redacted,omitempty"`
	At       time.Time      `json:"at"`
}

// TraceSink receives redacted trace events in emission order.
type TraceSink interface {
	Consume(ctx context.Context, ev TraceEvent)
}

// TraceSinkFunc adapts a function to TraceSink.
type TraceSinkFunc func(ctx context.Context, ev TraceEvent)

// Consume calls f.
func (f TraceSinkFunc) Consume(ctx context.Context, ev TraceEvent) {
	f(ctx, ev)
}
