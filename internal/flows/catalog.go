// Package flows loads, validates and catalogs flow definitions.
package flows

import (
	"sort"
	"sync"

	"github.com/petrijr/runflow/internal/registry"
	"github.com/petrijr/runflow/pkg/api"
)

// DefaultVersion is assigned to flows registered without a version.
const DefaultVersion = "v1"

type flowKey struct {
	product string
	id      string
}

type flowVersions struct {
	byVersion map[string]*api.FlowDef
	latest    string
}

// Catalog is an in-memory, versioned set of flows keyed by product and
// flow id. The most recently registered version of a flow is the one new
// runs use; older versions stay resolvable for runs that were started on
// them.
type Catalog struct {
	mu       sync.RWMutex
	flows    map[flowKey]*flowVersions
	registry *registry.Registry
}

// Ensure Catalog implements api.FlowSource.
var _ api.FlowSource = (*Catalog)(nil)

// NewCatalog returns an empty catalog. When reg is non-nil every
// registered flow is validated against it.
func NewCatalog(reg *registry.Registry) *Catalog {
	return &Catalog{
		flows:    make(map[flowKey]*flowVersions),
		registry: reg,
	}
}

// Register validates def and adds it to the catalog. Registering the same
// product, id and version twice is an error.
func (c *Catalog) Register(def api.FlowDef) error {
	if def.Version == "" {
		def.Version = DefaultVersion
	}
	if err := Validate(&def, c.registry); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := flowKey{def.Product, def.ID}
	versions := c.flows[k]
	if versions == nil {
		versions = &flowVersions{byVersion: make(map[string]*api.FlowDef)}
		c.flows[k] = versions
	}
	if _, exists := versions.byVersion[def.Version]; exists {
		return api.NewError(api.CodeValidation,
			"flow %q version %q already registered for product %q", def.ID, def.Version, def.Product)
	}
	versions.byVersion[def.Version] = &def
	versions.latest = def.Version
	return nil
}

// Flow returns the latest version of a flow.
func (c *Catalog) Flow(product, flowID string) (*api.FlowDef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	versions := c.flows[flowKey{product, flowID}]
	if versions == nil {
		return nil, flowNotFound(product, flowID)
	}
	return versions.byVersion[versions.latest], nil
}

// FlowVersion returns a specific version of a flow.
func (c *Catalog) FlowVersion(product, flowID, version string) (*api.FlowDef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	versions := c.flows[flowKey{product, flowID}]
	if versions == nil {
		return nil, flowNotFound(product, flowID)
	}
	def, ok := versions.byVersion[version]
	if !ok {
		return nil, api.NewError(api.CodeValidation,
			"flow %q version %q not found for product %q", flowID, version, product)
	}
	return def, nil
}

// Versions lists the registered versions of a flow, sorted.
func (c *Catalog) Versions(product, flowID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	versions := c.flows[flowKey{product, flowID}]
	if versions == nil {
		return nil
	}
	out := make([]string, 0, len(versions.byVersion))
	for v := range versions.byVersion {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// List returns the latest version of every flow of product (all products
// when empty), ordered by product and id.
func (c *Catalog) List(product string) []*api.FlowDef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*api.FlowDef
	for k, versions := range c.flows {
		if product != "" && k.product != product {
			continue
		}
		out = append(out, versions.byVersion[versions.latest])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Product != out[j].Product {
			return out[i].Product < out[j].Product
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func flowNotFound(product, flowID string) *api.Error {
	return api.NewError(api.CodeValidation, "flow %q not found for product %q", flowID, product)
}
