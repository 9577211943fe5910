// Package governance decides whether a capability may run and scrubs what
// is recorded about it.
package governance

import (
	"context"
	"slices"

	"github.com/petrijr/runflow/internal/registry"
	"github.com/petrijr/runflow/pkg/api"
)

// Decision reasons.
const (
	ReasonOK                   = "ok"
	ReasonPoliciesDisabled     = "policies_disabled"
	ReasonCapabilityBlocked    = "capability_blocked"
	ReasonNotInAllowlist       = "capability_not_in_allowlist"
	ReasonRiskTierExceeded     = "risk_tier_exceeded"
	ReasonFullAutonomyDisabled = "full_autonomy_disabled"
	ReasonPayloadTooLarge      = "payload_too_large"
	ReasonPayloadLimit         = "payload_limit_exceeded"
	ReasonStepLimit            = "step_limit_exceeded"
	ReasonToolCallLimit        = "tool_call_limit_exceeded"
)

// Policy is the governance configuration of one product (or the default).
type Policy struct {
	// Enforce turns evaluation on; a disabled policy allows everything
	// with reason policies_disabled.
	Enforce bool

	// BlockedCapabilities and AllowedCapabilities hold normalized names.
	// A non-empty allow-list denies everything not on it.
	BlockedCapabilities []string
	AllowedCapabilities []string

	// MaxRisk is the highest risk tier allowed; empty means no ceiling.
	MaxRisk api.RiskTier

	// AllowFullAutonomy permits flows declared full_auto.
	AllowFullAutonomy bool

	// MaxPayloadBytes bounds the JSON size of run payloads, capability
	// outputs and user input responses; 0 means unbounded.
	MaxPayloadBytes int

	// MaxSteps bounds the steps one run may start; 0 means unbounded.
	MaxSteps int

	// MaxToolCalls bounds tool invocations per run, retries included;
	// 0 means unbounded.
	MaxToolCalls int

	// ByProduct replaces the whole policy for the named products.
	ByProduct map[string]Policy
}

// DefaultPolicy enforces with no lists and no risk ceiling.
func DefaultPolicy() Policy {
	return Policy{Enforce: true}
}

func (p Policy) forProduct(product string) Policy {
	if o, ok := p.ByProduct[product]; ok {
		return o
	}
	return p
}

// Request is the context of one governance evaluation.
type Request struct {
	RunID    string
	StepID   string
	Product  string
	FlowID   string
	Autonomy api.Autonomy
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Allow   bool
	Reason  string
	Details map[string]any
}

// Err converts a deny decision into an error. Limit reasons carry their
// own codes; user input that is too large is policy_blocked and anything
// else is governance_denied.
func (d Decision) Err() *api.Error {
	if d.Allow {
		return nil
	}
	var code string
	switch d.Reason {
	case ReasonPayloadTooLarge:
		code = api.CodePolicyBlocked
	case ReasonPayloadLimit:
		code = api.CodePayloadLimit
	case ReasonStepLimit:
		code = api.CodeMaxSteps
	case ReasonToolCallLimit:
		code = api.CodeToolCallLimit
	default:
		code = api.CodeGovernanceDenied
	}
	e := api.NewError(code, "denied: %s", d.Reason)
	e.Details = d.Details
	return e
}

// Emitter receives trace events. The tracing pipeline implements it.
type Emitter interface {
	Emit(ctx context.Context, ev api.TraceEvent)
}

// Hooks evaluates Policy before capabilities are instantiated.
type Hooks struct {
	policy  Policy
	emitter Emitter
}

// NewHooks returns Hooks for policy. emitter may be nil.
func NewHooks(policy Policy, emitter Emitter) *Hooks {
	return &Hooks{policy: policy, emitter: emitter}
}

// SetEmitter wires the trace pipeline after construction.
func (h *Hooks) SetEmitter(e Emitter) { h.emitter = e }

// Policy returns the effective policy for product.
func (h *Hooks) Policy(product string) Policy {
	return h.policy.forProduct(product)
}

// Evaluate decides whether the capability described by reg may run.
func (h *Hooks) Evaluate(ctx context.Context, reg registry.Registration, req Request) Decision {
	d := h.evaluate(reg, req)
	h.emit(ctx, req, d)
	return d
}

func (h *Hooks) evaluate(reg registry.Registration, req Request) Decision {
	pol := h.policy.forProduct(req.Product)
	details := map[string]any{
		"capability": reg.Name,
		"kind":       string(reg.Kind),
		"product":    req.Product,
		"risk":       string(reg.Risk),
	}
	if req.Autonomy != "" {
		details["autonomy"] = string(req.Autonomy)
	}
	decide := func(allow bool, reason string) Decision {
		return Decision{Allow: allow, Reason: reason, Details: details}
	}

	if !pol.Enforce {
		return decide(true, ReasonPoliciesDisabled)
	}
	if req.Autonomy == api.AutonomyFullAuto && !pol.AllowFullAutonomy {
		return decide(false, ReasonFullAutonomyDisabled)
	}
	if containsName(pol.BlockedCapabilities, reg.Name) {
		return decide(false, ReasonCapabilityBlocked)
	}
	if len(pol.AllowedCapabilities) > 0 && !containsName(pol.AllowedCapabilities, reg.Name) {
		return decide(false, ReasonNotInAllowlist)
	}
	if pol.MaxRisk != "" && reg.Risk.Rank() > pol.MaxRisk.Rank() {
		details["max_risk"] = string(pol.MaxRisk)
		return decide(false, ReasonRiskTierExceeded)
	}
	return decide(true, ReasonOK)
}

// CheckPayload enforces MaxPayloadBytes on a user input response of size
// bytes.
func (h *Hooks) CheckPayload(ctx context.Context, req Request, size int) Decision {
	pol := h.policy.forProduct(req.Product)
	details := map[string]any{"product": req.Product, "size": size}
	d := Decision{Allow: true, Reason: ReasonOK, Details: details}
	switch {
	case !pol.Enforce:
		d.Reason = ReasonPoliciesDisabled
	case pol.MaxPayloadBytes > 0 && size > pol.MaxPayloadBytes:
		details["max_payload_bytes"] = pol.MaxPayloadBytes
		d = Decision{Allow: false, Reason: ReasonPayloadTooLarge, Details: details}
	}
	h.emit(ctx, req, d)
	return d
}

// Limit names the quantity a CheckLimit call measures.
type Limit string

// Limits.
const (
	LimitRunPayload Limit = "run_payload"
	LimitOutput     Limit = "output"
	LimitSteps      Limit = "steps"
	LimitToolCalls  Limit = "tool_calls"
)

// CheckLimit enforces the per-run limits of the policy. used is the
// quantity about to be reached: the byte size of a run payload or a
// capability output, the number of steps started, or the number of tool
// calls made including the one being checked.
func (h *Hooks) CheckLimit(ctx context.Context, req Request, limit Limit, used int) Decision {
	pol := h.policy.forProduct(req.Product)
	var (
		bound  int
		reason string
		key    string
	)
	switch limit {
	case LimitRunPayload, LimitOutput:
		bound, reason, key = pol.MaxPayloadBytes, ReasonPayloadLimit, "max_payload_bytes"
	case LimitSteps:
		bound, reason, key = pol.MaxSteps, ReasonStepLimit, "max_steps"
	case LimitToolCalls:
		bound, reason, key = pol.MaxToolCalls, ReasonToolCallLimit, "max_tool_calls"
	}
	if !pol.Enforce || bound <= 0 || used <= bound {
		return Decision{Allow: true, Reason: ReasonOK}
	}
	d := Decision{Allow: false, Reason: reason, Details: map[string]any{
		"product": req.Product,
		"limit":   string(limit),
		"used":    used,
		key:       bound,
	}}
	h.emit(ctx, req, d)
	return d
}

func (h *Hooks) emit(ctx context.Context, req Request, d Decision) {
	if h.emitter == nil {
		return
	}
	payload := map[string]any{"allow": d.Allow, "reason": d.Reason}
	for k, v := range d.Details {
		payload[k] = v
	}
	h.emitter.Emit(ctx, api.TraceEvent{
		RunID:   req.RunID,
		StepID:  req.StepID,
		Product: req.Product,
		FlowID:  req.FlowID,
		Type:    api.EventGovernanceDecision,
		Payload: payload,
	})
}

func containsName(list []string, name string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return registry.Normalize(s) == name })
}
