package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/petrijr/runflow/pkg/api"
)

const (
	metaConsumedForms = "consumed_forms"
	payloadUserInputs = "user_inputs"
)

// validateUserInput applies the request defaults to values and checks
// them against the request: required fields, the schema's property types
// and enums, the text field of text inputs and the choice of select
// inputs. It returns the merged values or an invalid_input error listing
// every problem.
func validateUserInput(req *api.UserInputRequest, values map[string]any) (map[string]any, *api.Error) {
	merged := make(map[string]any, len(req.Defaults)+len(values))
	for k, v := range req.Defaults {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}

	var problems []string
	for _, field := range req.Required {
		v, ok := merged[field]
		if !ok || v == nil {
			problems = append(problems, "missing_required:"+field)
		} else if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			problems = append(problems, "missing_or_empty:"+field)
		}
	}

	props, _ := req.Schema["properties"].(map[string]any)
	for field, raw := range props {
		spec, _ := raw.(map[string]any)
		v, ok := merged[field]
		if !ok || v == nil || spec == nil {
			continue
		}
		if typ, _ := spec["type"].(string); typ != "" && !hasJSONType(v, typ) {
			problems = append(problems, fmt.Sprintf("invalid_type:%s:%s", field, typ))
			continue
		}
		if enum, ok := spec["enum"].([]any); ok && !inEnum(v, enum) {
			problems = append(problems, "invalid_enum:"+field)
		}
	}

	switch req.InputType {
	case "text":
		if len(props) == 0 && len(req.Required) == 0 {
			if s, _ := merged["text"].(string); strings.TrimSpace(s) == "" {
				problems = append(problems, "missing_or_empty:text")
			}
		}
	case "select":
		if v, ok := merged["choice"]; ok && len(req.Choices) > 0 && !validChoice(v, req.Choices) {
			problems = append(problems, "invalid_choice:choice")
		}
	case "number":
		if v, ok := merged["value"]; ok && !hasJSONType(v, "number") {
			problems = append(problems, "invalid_type:value:number")
		}
	case "boolean":
		if v, ok := merged["value"]; ok && !hasJSONType(v, "boolean") {
			problems = append(problems, "invalid_type:value:boolean")
		}
	}

	if len(problems) > 0 {
		e := api.NewError(api.CodeInvalidInput, "user input for form %q is invalid: %s",
			req.FormID, strings.Join(problems, ", "))
		e.Details = map[string]any{"form_id": req.FormID, "errors": problems}
		return nil, e
	}
	return merged, nil
}

func hasJSONType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := toFloat(v)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == float64(int64(f))
	case "array":
		return reflect.ValueOf(v).Kind() == reflect.Slice
	case "object":
		return reflect.ValueOf(v).Kind() == reflect.Map
	case "null":
		return v == nil
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func inEnum(v any, enum []any) bool {
	for _, candidate := range enum {
		if sameValue(v, candidate) {
			return true
		}
	}
	return false
}

func validChoice(v any, choices []api.Choice) bool {
	for _, c := range choices {
		if sameValue(v, c.ID) || (c.Value != nil && sameValue(v, c.Value)) {
			return true
		}
	}
	return false
}

func sameValue(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// responseSize is the size governance checks against MaxPayloadBytes.
func responseSize(resp api.UserInputResponse) int {
	b, err := json.Marshal(resp)
	if err != nil {
		return 0
	}
	return len(b)
}

// consumedForms reads the form ids already answered in this run.
func consumedForms(meta map[string]any) []string {
	switch v := meta[metaConsumedForms].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func formConsumed(meta map[string]any, formID string) bool {
	for _, f := range consumedForms(meta) {
		if f == formID {
			return true
		}
	}
	return false
}

func markConsumed(run *api.RunRecord, formID string) {
	if formConsumed(run.Meta, formID) {
		return
	}
	if run.Meta == nil {
		run.Meta = map[string]any{}
	}
	forms := append([]string(nil), consumedForms(run.Meta)...)
	run.Meta[metaConsumedForms] = append(forms, formID)
}

// prefilledResponse looks for an answer supplied up front in
// payload["user_inputs"][form_id].
func prefilledResponse(payload map[string]any, formID string) (*api.UserInputResponse, bool) {
	inputs, ok := payload[payloadUserInputs].(map[string]any)
	if !ok {
		return nil, false
	}
	values, ok := inputs[formID].(map[string]any)
	if !ok {
		return nil, false
	}
	return &api.UserInputResponse{FormID: formID, Values: values}, true
}
