// Package templating renders {{...}} placeholders in step params and
// evaluates step conditions against a run's state.
package templating

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var tokenRE = regexp.MustCompile(`\{\{\s*([a-zA-Z_][\w.-]*)\s*\}\}`)

// Scope holds the roots a placeholder may reference.
type Scope struct {
	Payload   map[string]any
	Artifacts map[string]any
	Meta      map[string]any
	Run       map[string]any
}

func (s Scope) root(name string) (map[string]any, bool) {
	switch name {
	case "payload":
		return s.Payload, true
	case "artifacts":
		return s.Artifacts, true
	case "meta":
		return s.Meta, true
	case "run":
		return s.Run, true
	}
	return nil, false
}

// Refs returns the placeholder expressions in s, in order of appearance.
func Refs(s string) []string {
	var out []string
	for _, m := range tokenRE.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}

// Resolve looks up an expression such as "artifacts.tool.read.output.rows.0".
//
// The first segment names the root. Keys of the root map may themselves
// contain dots, so the longest key that matches wins; whatever is left of
// the expression is a gjson path into that value.
func Resolve(expr string, scope Scope) (any, bool) {
	rootName, rest, _ := strings.Cut(expr, ".")
	m, ok := scope.root(rootName)
	if !ok {
		return nil, false
	}
	if rest == "" {
		return m, m != nil
	}
	value, path, ok := MatchKey(m, rest)
	if !ok {
		return nil, false
	}
	if path == "" {
		return value, true
	}
	return lookup(value, path)
}

// MatchKey finds the longest dotted prefix of expr that is a key of m and
// returns its value with the unmatched remainder.
func MatchKey(m map[string]any, expr string) (any, string, bool) {
	if m == nil {
		return nil, "", false
	}
	parts := strings.Split(expr, ".")
	for split := len(parts); split > 0; split-- {
		key := strings.Join(parts[:split], ".")
		if v, ok := m[key]; ok {
			return v, strings.Join(parts[split:], "."), true
		}
	}
	return nil, "", false
}

func lookup(value any, path string) (any, bool) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(b, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// RenderString renders one string. A string that is exactly one
// placeholder becomes the referenced value with its type preserved;
// placeholders embedded in text are stringified. Unresolved placeholders
// render as nil or as an empty string respectively.
func RenderString(s string, scope Scope) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	if m := tokenRE.FindStringSubmatch(s); m != nil && m[0] == s {
		v, _ := Resolve(m[1], scope)
		return v
	}
	return tokenRE.ReplaceAllStringFunc(s, func(tok string) string {
		expr := tokenRE.FindStringSubmatch(tok)[1]
		v, ok := Resolve(expr, scope)
		if !ok {
			return ""
		}
		return Stringify(v)
	})
}

// Render walks maps and slices and renders every string it finds. The
// input is not modified.
func Render(v any, scope Scope) any {
	switch t := v.(type) {
	case string:
		return RenderString(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = Render(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Render(item, scope)
		}
		return out
	default:
		return v
	}
}

// RenderParams renders a params map; nil stays nil.
func RenderParams(params map[string]any, scope Scope) map[string]any {
	if params == nil {
		return nil
	}
	return Render(params, scope).(map[string]any)
}

// Stringify formats a resolved value for embedding in text. Maps and
// slices become JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// Truthy reports whether a resolved value counts as true for a condition:
// nil, false, zero, empty strings and collections, and the strings
// "false", "no", "0" and "null" are falsy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "false", "no", "0", "null":
			return false
		}
		return true
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	return true
}

// Evaluate renders cond and reports whether the result is truthy. An
// empty condition is always true; an unresolved reference is false.
func Evaluate(cond string, scope Scope) bool {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true
	}
	negate := false
	if strings.HasPrefix(cond, "!") {
		negate = true
		cond = strings.TrimSpace(cond[1:])
	}
	result := Truthy(RenderString(cond, scope))
	if negate {
		return !result
	}
	return result
}
