// Package registry maps (kind, name) to capability factories.
package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/petrijr/runflow/pkg/api"
)

// Registration is what the registry knows about a capability without
// instantiating it.
type Registration struct {
	Kind        api.StepKind
	Name        string
	Risk        api.RiskTier
	Backend     string
	Description string

	factory api.Factory
}

// Option configures a registration.
type Option func(*Registration)

// WithRisk sets the governance risk tier (medium by default).
func WithRisk(tier api.RiskTier) Option {
	return func(r *Registration) { r.Risk = tier }
}

// WithBackend records which backend serves the capability, e.g. a model
// provider name.
func WithBackend(backend string) Option {
	return func(r *Registration) { r.Backend = backend }
}

// WithDescription attaches a human-readable description.
func WithDescription(desc string) Option {
	return func(r *Registration) { r.Description = desc }
}

type key struct {
	kind api.StepKind
	name string
}

// Registry is a goroutine-safe map of capability factories. It is an
// explicit value injected into the engine; there is no global registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]Registration
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[key]Registration)}
}

// Normalize canonicalizes a capability name: trimmed, lower-cased, with
// inner whitespace replaced by underscores.
func Normalize(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "_")
}

// Register adds or silently replaces the factory for (kind, name).
func (r *Registry) Register(kind api.StepKind, name string, factory api.Factory, opts ...Option) {
	reg := Registration{
		Kind:    kind,
		Name:    Normalize(name),
		Risk:    api.RiskMedium,
		factory: factory,
	}
	for _, o := range opts {
		o(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key{kind, reg.Name}] = reg
}

// RegisterFunc registers a function as a capability that is shared by
// every resolution.
func (r *Registry) RegisterFunc(kind api.StepKind, name string, fn api.CapabilityFunc, opts ...Option) {
	r.Register(kind, name, func() api.Capability { return fn }, opts...)
}

// Lookup returns the registration for (kind, name) without calling its
// factory.
func (r *Registry) Lookup(kind api.StepKind, name string) (Registration, error) {
	r.mu.RLock()
	reg, ok := r.entries[key{kind, Normalize(name)}]
	r.mu.RUnlock()
	if !ok {
		return Registration{}, api.NewError(api.CodeUnknownCapability,
			"no %s capability registered as %q", strings.ToLower(string(kind)), name)
	}
	return reg, nil
}

// Resolve returns a fresh capability instance for (kind, name).
func (r *Registry) Resolve(kind api.StepKind, name string) (api.Capability, error) {
	reg, err := r.Lookup(kind, name)
	if err != nil {
		return nil, err
	}
	return reg.Instantiate()
}

// Instantiate calls the registration's factory.
func (reg Registration) Instantiate() (api.Capability, error) {
	if reg.factory == nil {
		return nil, api.NewError(api.CodeUnknownCapability, "capability %q has no factory", reg.Name)
	}
	c := reg.factory()
	if c == nil {
		return nil, api.NewError(api.CodeCapability, "factory for %q returned nil", reg.Name)
	}
	return c, nil
}

// Has reports whether (kind, name) is registered.
func (r *Registry) Has(kind api.StepKind, name string) bool {
	_, err := r.Lookup(kind, name)
	return err == nil
}

// List returns the registrations of kind sorted by name. An empty kind
// lists everything.
func (r *Registry) List(kind api.StepKind) []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.entries))
	for k, reg := range r.entries {
		if kind == "" || k.kind == kind {
			out = append(out, reg)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Clear removes every registration. Intended for test isolation.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[key]Registration)
}
