package flows

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/runflow/internal/registry"
	"github.com/petrijr/runflow/pkg/api"
)

var flowExtensions = []string{".yaml", ".yml", ".json"}

// Loader reads flow documents from a products directory laid out as
// <root>/<product>/flows/<flow>.yaml (or .yml, .json).
type Loader struct {
	root     string
	registry *registry.Registry
}

// Ensure Loader implements api.FlowSource.
var _ api.FlowSource = (*Loader)(nil)

// NewLoader returns a Loader rooted at root. Loaded flows are validated
// against reg when it is non-nil.
func NewLoader(root string, reg *registry.Registry) *Loader {
	return &Loader{root: root, registry: reg}
}

// Flow loads and validates one flow.
func (l *Loader) Flow(product, flowID string) (*api.FlowDef, error) {
	dir := filepath.Join(l.root, product, "flows")
	for _, ext := range flowExtensions {
		path := filepath.Join(dir, flowID+ext)
		if _, err := os.Stat(path); err == nil {
			return l.load(path, product)
		}
	}
	return nil, flowNotFound(product, flowID)
}

func (l *Loader) load(path, product string) (*api.FlowDef, error) {
	def, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if def.Product == "" {
		def.Product = product
	}
	if err := Validate(def, l.registry); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Products lists the product directories under the root.
func (l *Loader) Products() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("read products dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.root, e.Name(), "flows")); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// LoadProduct loads every flow of product. The first invalid document
// fails the whole load.
func (l *Loader) LoadProduct(product string) ([]*api.FlowDef, error) {
	dir := filepath.Join(l.root, product, "flows")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read flows dir: %w", err)
	}
	var out []*api.FlowDef
	for _, e := range entries {
		if e.IsDir() || !hasFlowExtension(e.Name()) {
			continue
		}
		def, err := l.load(filepath.Join(dir, e.Name()), product)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// Populate loads every product's flows into c.
func (l *Loader) Populate(c *Catalog) (int, error) {
	products, err := l.Products()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range products {
		defs, err := l.LoadProduct(p)
		if err != nil {
			return n, err
		}
		for _, def := range defs {
			if err := c.Register(*def); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func hasFlowExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range flowExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// LoadFile parses a YAML or JSON flow document. It does not validate
// capabilities.
func LoadFile(path string) (*api.FlowDef, error) {
	if !hasFlowExtension(path) {
		return nil, api.NewError(api.CodeValidation,
			"unsupported flow format %q, use .yaml, .yml or .json", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse decodes a flow document. JSON documents are valid YAML, so one
// decoder serves both formats.
func Parse(data []byte) (*api.FlowDef, error) {
	var doc flowDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, api.NewError(api.CodeValidation, "invalid flow document: %v", err)
	}
	return doc.toFlow()
}

type flowDoc struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Product     string         `yaml:"product"`
	Version     string         `yaml:"version"`
	Description string         `yaml:"description"`
	Autonomy    string         `yaml:"autonomy_level"`
	Metadata    map[string]any `yaml:"metadata"`
	Steps       []stepDoc      `yaml:"steps"`
}

// stepDoc accepts both the canonical field names (kind, capability) and
// the per-kind spellings (type, agent, tool).
type stepDoc struct {
	ID         string                `yaml:"id"`
	Name       string                `yaml:"name"`
	Kind       string                `yaml:"kind"`
	Type       string                `yaml:"type"`
	Capability string                `yaml:"capability"`
	Agent      string                `yaml:"agent"`
	Tool       string                `yaml:"tool"`
	Params     map[string]any        `yaml:"params"`
	Retry      *retryDoc             `yaml:"retry"`
	Timeout    duration              `yaml:"timeout"`
	When       string                `yaml:"when"`
	Input      *api.UserInputRequest `yaml:"input"`
	Message    string                `yaml:"message"`
	Title      string                `yaml:"title"`
}

type retryDoc struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	InitialBackoff    duration `yaml:"initial_backoff"`
	BackoffSeconds    duration `yaml:"backoff_seconds"`
	MaxBackoff        duration `yaml:"max_backoff"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	RetryOn           []string `yaml:"retry_on"`
	RetryOnCodes      []string `yaml:"retry_on_codes"`
}

// duration accepts Go duration strings ("250ms") or a number of seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	s := strings.TrimSpace(node.Value)
	if s == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = duration(v)
	return nil
}

func (doc flowDoc) toFlow() (*api.FlowDef, error) {
	def := &api.FlowDef{
		ID:          doc.ID,
		Product:     doc.Product,
		Version:     doc.Version,
		Description: doc.Description,
		Autonomy:    api.Autonomy(strings.ToLower(doc.Autonomy)),
		Metadata:    doc.Metadata,
	}
	if def.ID == "" {
		def.ID = doc.Name
	}
	if doc.Name != "" {
		if def.Metadata == nil {
			def.Metadata = map[string]any{}
		}
		if _, ok := def.Metadata["display_name"]; !ok {
			def.Metadata["display_name"] = doc.Name
		}
	}
	if def.ID == "" {
		return nil, api.NewError(api.CodeValidation, "flow document has no id")
	}
	if doc.Steps == nil {
		return nil, api.NewError(api.CodeValidation, "flow %q has no steps list", def.ID)
	}

	for i, s := range doc.Steps {
		step, err := s.toStep(i)
		if err != nil {
			return nil, api.NewError(api.CodeValidation, "flow %q: %v", def.ID, err)
		}
		def.Steps = append(def.Steps, step)
	}
	return def, nil
}

func (s stepDoc) toStep(idx int) (api.StepDef, error) {
	step := api.StepDef{
		ID:      s.ID,
		Name:    s.Name,
		Params:  s.Params,
		Timeout: time.Duration(s.Timeout),
		When:    s.When,
	}
	if step.ID == "" {
		step.ID = s.Name
	}
	if step.ID == "" {
		step.ID = fmt.Sprintf("step_%d", idx)
	}

	rawKind := s.Kind
	if rawKind == "" {
		rawKind = s.Type
	}
	switch strings.ToLower(strings.TrimSpace(rawKind)) {
	case "human_approval", "approval", "user-input":
		step.Kind = api.KindUserInput
	case "subflow":
		return step, fmt.Errorf("step %s: subflows are not supported", step.ID)
	default:
		kind, ok := api.ParseStepKind(rawKind)
		if !ok {
			return step, fmt.Errorf("step %s: unknown kind %q", step.ID, rawKind)
		}
		step.Kind = kind
	}

	switch step.Kind {
	case api.KindAgent:
		step.Capability = firstNonEmpty(s.Capability, s.Agent)
	case api.KindTool:
		step.Capability = firstNonEmpty(s.Capability, s.Tool)
	case api.KindUserInput:
		in := api.UserInputRequest{}
		if s.Input != nil {
			in = *s.Input
		}
		if in.FormID == "" {
			in.FormID = step.ID
		}
		if in.Prompt == "" {
			in.Prompt = s.Message
		}
		if in.Title == "" {
			in.Title = s.Title
		}
		step.Input = &in
	}

	if r := s.Retry; r != nil {
		initial := r.InitialBackoff
		if initial == 0 {
			initial = r.BackoffSeconds
		}
		step.Retry = &api.RetryPolicy{
			MaxAttempts:       r.MaxAttempts,
			InitialBackoff:    time.Duration(initial),
			MaxBackoff:        time.Duration(r.MaxBackoff),
			BackoffMultiplier: r.BackoffMultiplier,
			RetryOn:           append(append([]string(nil), r.RetryOn...), r.RetryOnCodes...),
		}
	}
	return step, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
