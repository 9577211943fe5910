package runflow

import (
	"fmt"
	"time"

	"github.com/petrijr/runflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining flows in code:
//
//	flow := runflow.NewFlow("demo", "report").
//	    Tool("read", "read_csv", map[string]any{"path": "{{payload.path}}"}).
//	    Approval("approve", "Publish the report?").
//	    Agent("summary", "simple_agent", nil)
//
//	if err := flow.Register(catalog); err != nil {
//	    log.Fatal(err)
//	}
//
// Step methods panic on an empty id; everything else is checked by
// Register.
type FlowBuilder struct {
	def api.FlowDef
}

// FlowRegistrar accepts flow definitions; *flows.Catalog implements it.
type FlowRegistrar interface {
	Register(def api.FlowDef) error
}

// NewFlow starts a flow for product.
func NewFlow(product, id string) *FlowBuilder {
	return &FlowBuilder{def: api.FlowDef{ID: id, Product: product, Steps: []api.StepDef{}}}
}

// ID returns the flow id.
func (b *FlowBuilder) ID() string { return b.def.ID }

// Definition returns a copy of the built FlowDef.
func (b *FlowBuilder) Definition() FlowDef {
	def := b.def
	def.Steps = append([]api.StepDef(nil), b.def.Steps...)
	return def
}

// Version sets the flow version.
func (b *FlowBuilder) Version(v string) *FlowBuilder {
	b.def.Version = v
	return b
}

// Autonomy sets the flow's autonomy level.
func (b *FlowBuilder) Autonomy(a Autonomy) *FlowBuilder {
	b.def.Autonomy = a
	return b
}

// Describe sets the flow description.
func (b *FlowBuilder) Describe(desc string) *FlowBuilder {
	b.def.Description = desc
	return b
}

func (b *FlowBuilder) add(step api.StepDef) *FlowBuilder {
	if step.ID == "" {
		panic(fmt.Sprintf("runflow: flow %q: step id must not be empty", b.def.ID))
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// Tool appends a TOOL step.
func (b *FlowBuilder) Tool(id, capability string, params map[string]any) *FlowBuilder {
	return b.add(api.StepDef{ID: id, Kind: api.KindTool, Capability: capability, Params: params})
}

// Agent appends an AGENT step.
func (b *FlowBuilder) Agent(id, capability string, params map[string]any) *FlowBuilder {
	return b.add(api.StepDef{ID: id, Kind: api.KindAgent, Capability: capability, Params: params})
}

// UserInput appends a USER_INPUT step. An empty FormID defaults to id.
func (b *FlowBuilder) UserInput(id string, req UserInputRequest) *FlowBuilder {
	if req.FormID == "" {
		req.FormID = id
	}
	return b.add(api.StepDef{ID: id, Kind: api.KindUserInput, Input: &req})
}

// Approval appends a USER_INPUT step that requires a boolean "approved"
// field and accepts optional "notes".
func (b *FlowBuilder) Approval(id, prompt string) *FlowBuilder {
	return b.UserInput(id, UserInputRequest{
		Prompt:    prompt,
		InputType: "boolean",
		Required:  []string{"approved"},
		Schema: map[string]any{"properties": map[string]any{
			"approved": map[string]any{"type": "boolean"},
			"notes":    map[string]any{"type": "string"},
		}},
	})
}

// last returns the most recently added step.
func (b *FlowBuilder) last() *api.StepDef {
	if len(b.def.Steps) == 0 {
		panic(fmt.Sprintf("runflow: flow %q: no step to configure", b.def.ID))
	}
	return &b.def.Steps[len(b.def.Steps)-1]
}

// WithRetry sets the retry policy of the last step.
func (b *FlowBuilder) WithRetry(r RetryBuilder) *FlowBuilder {
	p := r.Policy()
	b.last().Retry = &p
	return b
}

// WithTimeout sets the per-attempt timeout of the last step.
func (b *FlowBuilder) WithTimeout(d time.Duration) *FlowBuilder {
	b.last().Timeout = d
	return b
}

// When makes the last step conditional on a template condition.
func (b *FlowBuilder) When(cond string) *FlowBuilder {
	b.last().When = cond
	return b
}

// Register validates the flow and adds it to r.
func (b *FlowBuilder) Register(r FlowRegistrar) error {
	return r.Register(b.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(r FlowRegistrar) {
	if err := b.Register(r); err != nil {
		panic(err)
	}
}
