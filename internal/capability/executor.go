// Package capability invokes agents and tools behind the registry and the
// governance gate.
package capability

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/runflow/internal/governance"
	"github.com/petrijr/runflow/internal/registry"
	"github.com/petrijr/runflow/pkg/api"
)

// Executor runs capabilities of one kind. ToolExecutor and AgentRunner are
// the same machinery with a different kind and trace event type.
type Executor struct {
	kind      api.StepKind
	eventType string
	registry  *registry.Registry
	hooks     *governance.Hooks
	emitter   governance.Emitter
	timeout   time.Duration
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithDefaultTimeout bounds invocations that do not carry their own timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithEmitter sets where tool.executed / agent.executed events go.
func WithEmitter(em governance.Emitter) Option {
	return func(e *Executor) { e.emitter = em }
}

// NewToolExecutor returns an Executor for TOOL capabilities.
func NewToolExecutor(reg *registry.Registry, hooks *governance.Hooks, opts ...Option) *Executor {
	return newExecutor(api.KindTool, api.EventToolExecuted, reg, hooks, opts)
}

// NewAgentRunner returns an Executor for AGENT capabilities.
func NewAgentRunner(reg *registry.Registry, hooks *governance.Hooks, opts ...Option) *Executor {
	return newExecutor(api.KindAgent, api.EventAgentExecuted, reg, hooks, opts)
}

func newExecutor(kind api.StepKind, eventType string, reg *registry.Registry, hooks *governance.Hooks, opts []Option) *Executor {
	if hooks == nil {
		hooks = governance.NewHooks(governance.DefaultPolicy(), nil)
	}
	e := &Executor{
		kind:      kind,
		eventType: eventType,
		registry:  reg,
		hooks:     hooks,
		timeout:   30 * time.Second,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Kind reports which step kind this executor serves.
func (e *Executor) Kind() api.StepKind { return e.kind }

// Invocation carries the per-call settings of Execute.
type Invocation struct {
	// Timeout overrides the executor default when > 0.
	Timeout time.Duration
	// Autonomy is the flow's autonomy level, checked by governance.
	Autonomy api.Autonomy
	// PriorCalls is how many tool calls the run made before this one.
	// Tool executors check it against the policy's MaxToolCalls.
	PriorCalls int
}

// Execute resolves name, asks governance, invokes the capability with a
// timeout and records a redacted trace of the call. The returned result is
// the capability's raw output; it is never redacted.
//
// A capability that ignores its context keeps running in the background
// after a timeout; its late result is discarded.
func (e *Executor) Execute(ctx context.Context, name string, call api.Call, inv Invocation) api.CapabilityResult {
	start := e.now()

	reg, err := e.registry.Lookup(e.kind, name)
	if err != nil {
		res := api.CapabilityResult{Error: api.AsError(err)}
		res.Meta = api.CapabilityMeta{Name: registry.Normalize(name), Kind: e.kind}
		e.record(ctx, call, res, nil)
		return res
	}

	meta := api.CapabilityMeta{Name: reg.Name, Kind: e.kind, Backend: reg.Backend}

	req := governance.Request{
		RunID:    call.RunID,
		StepID:   call.StepID,
		Product:  call.Product,
		FlowID:   call.FlowID,
		Autonomy: inv.Autonomy,
	}
	if e.kind == api.KindTool {
		if limit := e.hooks.CheckLimit(ctx, req, governance.LimitToolCalls, inv.PriorCalls+1); !limit.Allow {
			res := api.CapabilityResult{Error: limit.Err(), Meta: meta}
			e.record(ctx, call, res, &limit)
			return res
		}
	}

	decision := e.hooks.Evaluate(ctx, reg, req)
	if !decision.Allow {
		res := api.CapabilityResult{Error: decision.Err(), Meta: meta}
		e.record(ctx, call, res, &decision)
		return res
	}

	capability, err := reg.Instantiate()
	if err != nil {
		res := api.CapabilityResult{Error: api.AsError(err), Meta: meta}
		e.record(ctx, call, res, &decision)
		return res
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	res := e.invoke(ctx, capability, call, timeout)
	res.Meta.Name = meta.Name
	res.Meta.Kind = meta.Kind
	if res.Meta.Backend == "" {
		res.Meta.Backend = meta.Backend
	}
	res.Meta.LatencyMS = e.now().Sub(start).Milliseconds()

	e.record(ctx, call, res, &decision)
	return res
}

func (e *Executor) invoke(ctx context.Context, c api.Capability, call api.Call, timeout time.Duration) api.CapabilityResult {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan api.CapabilityResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- api.CapabilityResult{
					Error: api.NewError(api.CodeCapability, "capability panicked: %v", r),
				}
			}
		}()
		done <- c.Run(callCtx, call)
	}()

	select {
	case res := <-done:
		return normalize(res)
	case <-callCtx.Done():
		err := callCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			timeoutErr := api.NewError(api.CodeTimeout, "capability did not finish within %s", timeout)
			timeoutErr.Transient = true
			return api.CapabilityResult{Error: timeoutErr}
		}
		return api.CapabilityResult{Error: api.NewError(api.CodeCancelled, "%v", err)}
	}
}

// normalize enforces the result envelope: OK=false always carries an error
// with a code, OK=true never does.
func normalize(res api.CapabilityResult) api.CapabilityResult {
	if res.OK {
		res.Error = nil
		return res
	}
	if res.Error == nil {
		res.Error = api.NewError(api.CodeCapability, "capability reported failure without an error")
		return res
	}
	if res.Error.Code == "" {
		e := *res.Error
		e.Code = api.CodeCapability
		res.Error = &e
	}
	return res
}

func (e *Executor) record(ctx context.Context, call api.Call, res api.CapabilityResult, d *governance.Decision) {
	if e.emitter == nil {
		return
	}
	payload := map[string]any{
		"capability": res.Meta.Name,
		"kind":       string(e.kind),
		"ok":         res.OK,
		"attempt":    call.Attempt,
		"params":     call.Params,
		"latency_ms": res.Meta.LatencyMS,
	}
	if res.Meta.Backend != "" {
		payload["backend"] = res.Meta.Backend
	}
	if res.OK {
		payload["data"] = res.Data
	} else if res.Error != nil {
		payload["error"] = map[string]any{
			"code":      res.Error.Code,
			"message":   res.Error.Message,
			"transient": res.Error.Transient,
		}
	}
	if d != nil {
		payload["governance"] = d.Reason
	}
	e.emitter.Emit(ctx, api.TraceEvent{
		RunID:   call.RunID,
		StepID:  call.StepID,
		Product: call.Product,
		FlowID:  call.FlowID,
		Type:    e.eventType,
		Payload: payload,
	})
}
