package governance

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMask replaces every redacted value.
const DefaultMask = "***REDACTED***"

// DefaultMaxTextChars clamps strings in trace copies.
const DefaultMaxTextChars = 4096

// DefaultKeyHints mark map keys whose values are always masked. Matching is
// case-insensitive and by substring, so "X-Api-Key" and "db_password" hit.
// Keys with a quantity segment (see quantitySegments) are never masked.
var DefaultKeyHints = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"bearer",
	"cookie",
	"session",
	"private_key",
	"ssh_key",
}

// quantitySegments mark keys that count or bound something, such as
// max_tokens or tokensUsed, rather than hold a credential.
var quantitySegments = []string{"max", "min", "used", "count", "limit", "total", "num", "remaining", "budget"}

// DefaultSecretPatterns match secret-shaped substrings.
var DefaultSecretPatterns = []string{
	`sk-[A-Za-z0-9_-]{3,}`,
	`(?i)api[_-]?key\s*[:=]\s*\S+`,
	`(?i)authorization\s*:\s*bearer\s+\S+`,
	`(?i)\bbearer\s+[A-Za-z0-9._~+/-]+=*`,
	`\bAKIA[0-9A-Z]{16}\b`,
}

// DefaultPIIPatterns match e-mail addresses and card numbers.
var DefaultPIIPatterns = []string{
	`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
	`\b(?:\d[ -]?){13,16}\b`,
}

// Redactor scrubs secrets and PII from values bound for traces and logs.
// It always works on a copy; the input is never modified.
type Redactor struct {
	mask     string
	maxChars int
	keyHints []string
	patterns []*regexp.Regexp
}

// RedactorOption configures a Redactor.
type RedactorOption func(*redactorConfig)

type redactorConfig struct {
	mask     string
	maxChars int
	keyHints []string
	extra    []string
	noPII    bool
}

// WithMask overrides DefaultMask.
func WithMask(mask string) RedactorOption {
	return func(c *redactorConfig) { c.mask = mask }
}

// WithMaxTextChars overrides DefaultMaxTextChars; n <= 0 disables clamping.
func WithMaxTextChars(n int) RedactorOption {
	return func(c *redactorConfig) { c.maxChars = n }
}

// WithKeyHints replaces DefaultKeyHints.
func WithKeyHints(hints ...string) RedactorOption {
	return func(c *redactorConfig) { c.keyHints = hints }
}

// WithExtraPatterns adds regular expressions. Patterns that do not compile
// are ignored.
func WithExtraPatterns(patterns ...string) RedactorOption {
	return func(c *redactorConfig) { c.extra = append(c.extra, patterns...) }
}

// WithoutPII drops the e-mail and card number patterns.
func WithoutPII() RedactorOption {
	return func(c *redactorConfig) { c.noPII = true }
}

// NewRedactor builds a Redactor from the default rules plus opts.
func NewRedactor(opts ...RedactorOption) *Redactor {
	cfg := redactorConfig{
		mask:     DefaultMask,
		maxChars: DefaultMaxTextChars,
		keyHints: DefaultKeyHints,
	}
	for _, o := range opts {
		o(&cfg)
	}

	sources := append([]string{}, DefaultSecretPatterns...)
	if !cfg.noPII {
		sources = append(sources, DefaultPIIPatterns...)
	}
	sources = append(sources, cfg.extra...)

	r := &Redactor{mask: cfg.mask, maxChars: cfg.maxChars}
	for _, h := range cfg.keyHints {
		r.keyHints = append(r.keyHints, strings.ToLower(h))
	}
	for _, src := range sources {
		re, err := regexp.Compile(src)
		if err != nil {
			continue
		}
		r.patterns = append(r.patterns, re)
	}
	return r
}

// RedactText applies the patterns to s and clamps the result.
func (r *Redactor) RedactText(s string) string {
	out, _ := r.redactText(s)
	return out
}

func (r *Redactor) redactText(s string) (string, bool) {
	out := s
	for _, re := range r.patterns {
		out = re.ReplaceAllLiteralString(out, r.mask)
	}
	if r.maxChars > 0 && len(out) > r.maxChars {
		cut := r.maxChars
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + r.mask
	}
	return out, out != s
}

// RedactMap returns a redacted deep copy of m.
func (r *Redactor) RedactMap(m map[string]any) (map[string]any, bool) {
	if m == nil {
		return nil, false
	}
	v, changed := r.redact(m)
	out, _ := v.(map[string]any)
	return out, changed
}

// Redact returns a redacted deep copy of v and whether anything was masked
// or clamped. Values that are not JSON-like (structs, typed maps) are
// converted to their JSON form first.
func (r *Redactor) Redact(v any) (any, bool) {
	return r.redact(v)
}

func (r *Redactor) redact(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		return r.redactText(t)
	case bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return t, false
	case map[string]any:
		out := make(map[string]any, len(t))
		changed := false
		for k, val := range t {
			if r.sensitiveKey(k) {
				out[k] = r.mask
				changed = true
				continue
			}
			rv, c := r.redact(val)
			out[k] = rv
			changed = changed || c
		}
		return out, changed
	case []any:
		out := make([]any, len(t))
		changed := false
		for i, val := range t {
			rv, c := r.redact(val)
			out[i] = rv
			changed = changed || c
		}
		return out, changed
	case []string:
		out := make([]any, len(t))
		changed := false
		for i, s := range t {
			rs, c := r.redactText(s)
			out[i] = rs
			changed = changed || c
		}
		return out, changed
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return r.redact(m)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return r.redactText(fmt.Sprint(v))
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return r.redactText(string(b))
	}
	return r.redact(generic)
}

func (r *Redactor) sensitiveKey(k string) bool {
	for _, seg := range keySegments(k) {
		if slices.Contains(quantitySegments, seg) {
			return false
		}
	}
	lk := strings.ToLower(k)
	for _, h := range r.keyHints {
		if strings.Contains(lk, h) {
			return true
		}
	}
	return false
}

// keySegments splits a key into lower-case words at punctuation and at
// camelCase boundaries: "maxTokens" and "max-tokens" both give max, tokens.
func keySegments(k string) []string {
	var (
		segs []string
		cur  []rune
		prev rune
	)
	flush := func() {
		if len(cur) > 0 {
			segs = append(segs, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	for _, c := range k {
		switch {
		case !unicode.IsLetter(c) && !unicode.IsDigit(c):
			flush()
		case unicode.IsUpper(c) && unicode.IsLower(prev):
			flush()
			cur = append(cur, c)
		default:
			cur = append(cur, c)
		}
		prev = c
	}
	flush()
	return segs
}
