package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/runflow/pkg/api"
)

func constant(v string) api.Factory {
	return func() api.Capability {
		return api.CapabilityFunc(func(ctx context.Context, call api.Call) api.CapabilityResult {
			return api.Succeeded(v)
		})
	}
}

func TestRegisterResolve(t *testing.T) {
	r := New()
	r.Register(api.KindTool, "Read CSV", constant("rows"))

	require.True(t, r.Has(api.KindTool, "read_csv"))
	require.True(t, r.Has(api.KindTool, "  READ   csv "))
	require.False(t, r.Has(api.KindAgent, "read_csv"), "kinds are separate namespaces")

	c, err := r.Resolve(api.KindTool, "read_csv")
	require.NoError(t, err)
	res := c.Run(context.Background(), api.Call{})
	assert.True(t, res.OK)
	assert.Equal(t, "rows", res.Data)
}

func TestResolveUnknown(t *testing.T) {
	r := New()
	_, err := r.Resolve(api.KindAgent, "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrUnknownCapability))
}

func TestRegisterOverwrites(t *testing.T) {
	r := New()
	r.Register(api.KindTool, "x", constant("first"))
	r.Register(api.KindTool, "x", constant("second"), WithRisk(api.RiskHigh))

	c, err := r.Resolve(api.KindTool, "x")
	require.NoError(t, err)
	assert.Equal(t, "second", c.Run(context.Background(), api.Call{}).Data)

	reg, err := r.Lookup(api.KindTool, "x")
	require.NoError(t, err)
	assert.Equal(t, api.RiskHigh, reg.Risk)
}

func TestLookupDoesNotInstantiate(t *testing.T) {
	r := New()
	calls := 0
	r.Register(api.KindAgent, "planner", func() api.Capability {
		calls++
		return api.CapabilityFunc(func(ctx context.Context, call api.Call) api.CapabilityResult {
			return api.Succeeded(nil)
		})
	}, WithBackend("local"), WithDescription("plans things"))

	reg, err := r.Lookup(api.KindAgent, "planner")
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
	assert.Equal(t, "local", reg.Backend)
	assert.Equal(t, "plans things", reg.Description)
	assert.Equal(t, api.RiskMedium, reg.Risk)

	_, err = r.Resolve(api.KindAgent, "planner")
	require.NoError(t, err)
	_, err = r.Resolve(api.KindAgent, "planner")
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "each resolution gets a fresh instance")
}

func TestNilFactoryResult(t *testing.T) {
	r := New()
	r.Register(api.KindTool, "broken", func() api.Capability { return nil })
	_, err := r.Resolve(api.KindTool, "broken")
	assert.True(t, errors.Is(err, api.ErrCapability))
}

func TestListAndClear(t *testing.T) {
	r := New()
	r.Register(api.KindTool, "b", constant(""))
	r.Register(api.KindTool, "a", constant(""))
	r.RegisterFunc(api.KindAgent, "z", func(ctx context.Context, call api.Call) api.CapabilityResult {
		return api.Succeeded(nil)
	})

	tools := r.List(api.KindTool)
	require.Len(t, tools, 2)
	assert.Equal(t, "a", tools[0].Name)
	assert.Equal(t, "b", tools[1].Name)
	assert.Len(t, r.List(""), 3)

	r.Clear()
	assert.Empty(t, r.List(""))
}
