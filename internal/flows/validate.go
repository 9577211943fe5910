package flows

import (
	"fmt"
	"strings"

	"github.com/petrijr/runflow/internal/registry"
	"github.com/petrijr/runflow/internal/templating"
	"github.com/petrijr/runflow/pkg/api"
)

// MaxRetryAttempts bounds RetryPolicy.MaxAttempts in flow documents.
const MaxRetryAttempts = 10

var inputTypes = map[string]bool{"": true, "text": true, "select": true, "number": true, "boolean": true}

// Validate checks the structural invariants of a flow: non-empty unique
// step ids, a known kind per step, a registered capability for every
// AGENT and TOOL step (when reg is non-nil), a unique form id per
// USER_INPUT step, one producer per artifact key and When conditions
// that only reference artifacts of earlier steps. All problems are reported in one validation_error.
func Validate(flow *api.FlowDef, reg *registry.Registry) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if flow == nil {
		return api.NewError(api.CodeValidation, "flow is nil")
	}
	if strings.TrimSpace(flow.ID) == "" {
		add("flow id is empty")
	}
	switch flow.Autonomy {
	case "", api.AutonomySuggestOnly, api.AutonomySemiAuto, api.AutonomyFullAuto:
	default:
		add("unknown autonomy level %q", flow.Autonomy)
	}
	if len(flow.Steps) == 0 {
		add("flow has no steps")
	}

	seen := make(map[string]bool, len(flow.Steps))
	forms := make(map[string]string)
	owners := make(map[string]string)
	var produced []string
	produce := func(label, key string) {
		if other, dup := owners[key]; dup {
			add("step %s: duplicate artifact key %q already produced by step %s", label, key, other)
			return
		}
		owners[key] = label
		produced = append(produced, key)
	}

	for i, step := range flow.Steps {
		label := step.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			add("step %s has an empty id", label)
		} else if seen[step.ID] {
			add("duplicate step id %q", step.ID)
		}
		seen[step.ID] = true

		if step.When != "" {
			for _, ref := range templating.Refs(step.When) {
				if msg := checkRef(ref, produced); msg != "" {
					add("step %s: when %s", label, msg)
				}
			}
		}

		switch step.Kind {
		case api.KindAgent, api.KindTool:
			if step.Capability == "" {
				add("step %s: %s step has no capability", label, strings.ToLower(string(step.Kind)))
				break
			}
			if reg != nil && !reg.Has(step.Kind, step.Capability) {
				add("step %s: unknown %s capability %q", label, strings.ToLower(string(step.Kind)), step.Capability)
			}
			produce(label, api.ArtifactKey(step.Kind, registry.Normalize(step.Capability)))
		case api.KindUserInput:
			if step.Input == nil || step.Input.FormID == "" {
				add("step %s: user input step has no form_id", label)
				break
			}
			if other, dup := forms[step.Input.FormID]; dup {
				add("step %s: form_id %q already used by step %s", label, step.Input.FormID, other)
			} else {
				produce(label, api.UserInputArtifactKey(step.Input.FormID))
			}
			forms[step.Input.FormID] = label
			if !inputTypes[step.Input.InputType] {
				add("step %s: unknown input_type %q", label, step.Input.InputType)
			}
		default:
			add("step %s: unknown kind %q", label, step.Kind)
		}

		if step.Timeout < 0 {
			add("step %s: negative timeout", label)
		}
		if r := step.Retry; r != nil {
			if r.MaxAttempts < 0 || r.MaxAttempts > MaxRetryAttempts {
				add("step %s: retry.max_attempts must be between 1 and %d", label, MaxRetryAttempts)
			}
			if r.InitialBackoff < 0 || r.MaxBackoff < 0 {
				add("step %s: negative retry backoff", label)
			}
			if r.BackoffMultiplier != 0 && r.BackoffMultiplier < 1 {
				add("step %s: retry.backoff_multiplier must be >= 1", label)
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	e := api.NewError(api.CodeValidation, "flow %q: %s", flow.ID, strings.Join(problems, "; "))
	e.Details = map[string]any{"flow_id": flow.ID, "problems": problems}
	return e
}

func checkRef(ref string, produced []string) string {
	root, rest, _ := strings.Cut(ref, ".")
	switch root {
	case "payload", "meta", "run":
		return ""
	case "artifacts":
		for _, key := range produced {
			if rest == key || strings.HasPrefix(rest, key+".") {
				return ""
			}
		}
		return fmt.Sprintf("references %q which no earlier step produces", ref)
	}
	return fmt.Sprintf("has unknown reference root %q", root)
}
