package runflow

import (
	"github.com/petrijr/runflow/internal/engine"
	"github.com/petrijr/runflow/internal/flows"
	"github.com/petrijr/runflow/internal/registry"
	"github.com/petrijr/runflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	FlowDef              = api.FlowDef
	StepDef              = api.StepDef
	StepKind             = api.StepKind
	Autonomy             = api.Autonomy
	RetryPolicy          = api.RetryPolicy
	UserInputRequest     = api.UserInputRequest
	UserInputResponse    = api.UserInputResponse
	RunRecord            = api.RunRecord
	StepRecord           = api.StepRecord
	RunStatus            = api.RunStatus
	RunFilter            = api.RunFilter
	RunOption            = api.RunOption
	Result               = api.Result
	Error                = api.Error
	TraceEvent           = api.TraceEvent
	TraceSink            = api.TraceSink
	Call                 = api.Call
	CapabilityResult     = api.CapabilityResult
	CapabilityFunc       = api.CapabilityFunc
	Observer             = api.Observer
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot

	Registry = registry.Registry
	Catalog  = flows.Catalog
)

// Re-export status values and option helpers for convenience.

const (
	RunPending      = api.RunPending
	RunRunning      = api.RunRunning
	RunPendingHuman = api.RunPendingHuman
	RunCompleted    = api.RunCompleted
	RunFailed       = api.RunFailed
	RunCancelled    = api.RunCancelled
)

// Re-export error sentinels for errors.Is.

var (
	ErrValidation        = api.ErrValidation
	ErrUnknownCapability = api.ErrUnknownCapability
	ErrGovernanceDenied  = api.ErrGovernanceDenied
	ErrCapability        = api.ErrCapability
	ErrTimeout           = api.ErrTimeout
	ErrStaleResponse     = api.ErrStaleResponse
	ErrPersistenceBusy   = api.ErrPersistenceBusy
	ErrDuplicateRun      = api.ErrDuplicateRun
	ErrRunNotFound       = api.ErrRunNotFound
	ErrInvalidState      = api.ErrInvalidState
	ErrInvalidInput      = api.ErrInvalidInput
	ErrPolicyBlocked     = api.ErrPolicyBlocked
	ErrCancelled         = api.ErrCancelled
)

var (
	WithRunID            = api.WithRunID
	WithMeta             = api.WithMeta
	WithRequestedBy      = api.WithRequestedBy
	Succeeded            = api.Succeeded
	Failed               = api.Failed
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// NewRegistry returns an empty capability registry.
func NewRegistry() *Registry { return registry.New() }

// NewCatalog returns an empty flow catalog validating against reg.
func NewCatalog(reg *Registry) *Catalog { return flows.NewCatalog(reg) }

// NewInMemoryEngine returns an Engine over an in-memory run store with
// the default governance policy.
func NewInMemoryEngine(source api.FlowSource, reg *Registry) Engine {
	return engine.NewInMemoryEngine(source, reg)
}
