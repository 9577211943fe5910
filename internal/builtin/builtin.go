// Package builtin provides capabilities that ship with runflow and are
// registered by the CLI and LocalRunner: an echo tool, a field assembling
// tool and a deterministic summary agent.
package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/petrijr/runflow/internal/registry"
	"github.com/petrijr/runflow/internal/templating"
	"github.com/petrijr/runflow/pkg/api"
)

// Capability names.
const (
	EchoTool     = "echo_tool"
	AssembleTool = "assemble"
	SummaryAgent = "simple_agent"
)

// Register adds the built-in capabilities to reg.
func Register(reg *registry.Registry) {
	reg.RegisterFunc(api.KindTool, EchoTool, Echo,
		registry.WithRisk(api.RiskLow),
		registry.WithBackend("local"),
		registry.WithDescription("Returns the provided message."))
	reg.RegisterFunc(api.KindTool, AssembleTool, Assemble,
		registry.WithRisk(api.RiskLow),
		registry.WithBackend("local"),
		registry.WithDescription("Collects its rendered params into one object."))
	reg.RegisterFunc(api.KindAgent, SummaryAgent, Summarize,
		registry.WithRisk(api.RiskLow),
		registry.WithBackend("local"),
		registry.WithDescription("Deterministic summary of a run's payload and approvals."))
}

// Echo returns params.message with a UTC timestamp.
func Echo(ctx context.Context, call api.Call) api.CapabilityResult {
	msg, ok := call.Params["message"]
	if !ok || msg == nil {
		msg = ""
	}
	s, isString := msg.(string)
	if !isString {
		return api.Failed(api.CodeInvalidInput, fmt.Sprintf("message must be a string, got %T", msg), false)
	}
	return api.Succeeded(map[string]any{
		"echo":      s,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Assemble returns its params. Params are rendered before the call, so a
// flow uses it to gather values from earlier artifacts into one artifact.
func Assemble(ctx context.Context, call api.Call) api.CapabilityResult {
	out := make(map[string]any, len(call.Params))
	for k, v := range call.Params {
		out[k] = v
	}
	return api.Succeeded(out)
}

// Summarize writes a summary from params.template, the payload message
// and the most recent user input answer.
func Summarize(ctx context.Context, call api.Call) api.CapabilityResult {
	heading := "Summarize the run."
	if t, ok := call.Params["template"].(string); ok && t != "" {
		heading = t
	}

	message := firstString(call.Payload, "message", "keyword")
	approved := true
	notes := ""
	if answer := latestUserInput(call.Artifacts); answer != nil {
		if v, ok := answer["approved"]; ok {
			approved = templating.Truthy(v)
		}
		notes = templating.Stringify(answer["notes"])
	}
	status := "approved"
	if !approved {
		status = "rejected"
	}

	var b strings.Builder
	b.WriteString(heading)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "- Echoed message: %q\n", message)
	fmt.Fprintf(&b, "- Approval status: %s\n", status)
	fmt.Fprintf(&b, "- Notes provided: %q\n", notes)

	return api.Succeeded(map[string]any{
		"summary": b.String(),
		"details": map[string]any{
			"message":         message,
			"approved":        approved,
			"notes":           notes,
			"approval_status": status,
		},
	})
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// latestUserInput picks the user_input artifact with the greatest key.
// Flows with several forms should pass the answer through params instead.
func latestUserInput(artifacts map[string]any) map[string]any {
	var keys []string
	for k := range artifacts {
		if strings.HasPrefix(k, "user_input.") {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	m, _ := artifacts[keys[len(keys)-1]].(map[string]any)
	return m
}
