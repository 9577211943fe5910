package engine

import (
	"slices"
	"time"

	"github.com/petrijr/runflow/pkg/api"
)

// DefaultTransientCodes are retried when a step's retry budget allows it.
var DefaultTransientCodes = []string{
	api.CodeTimeout,
	"rate_limited",
	"temporary",
	"backend_error",
	api.CodePersistenceBusy,
}

// fatalCodes are never retried, whatever the capability or policy says.
var fatalCodes = map[string]bool{
	api.CodeGovernanceDenied:  true,
	api.CodeUnknownCapability: true,
	api.CodeValidation:        true,
	api.CodeArtifactConflict:  true,
	api.CodePolicyBlocked:     true,
	api.CodeCancelled:         true,
	api.CodeInvalidInput:      true,
	api.CodePayloadLimit:      true,
	api.CodeMaxSteps:          true,
	api.CodeToolCallLimit:     true,
}

// RetryConfig holds the engine-wide retry defaults. A step's RetryPolicy
// overrides each field it sets.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// TimeoutEscalation is the number of consecutive timeouts of one step
	// after which a timeout is no longer retried. 0 disables escalation.
	TimeoutEscalation int
}

// DefaultRetryConfig runs every capability once.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       1,
		BackoffMultiplier: 2.0,
		TimeoutEscalation: 2,
	}
}

// effective merges a step policy over the defaults.
func (c RetryConfig) effective(p *api.RetryPolicy) (RetryConfig, []string) {
	out := c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 1
	}
	if out.BackoffMultiplier <= 0 {
		out.BackoffMultiplier = 2.0
	}
	if p == nil {
		return out, nil
	}
	if p.MaxAttempts > 0 {
		out.MaxAttempts = p.MaxAttempts
	}
	if p.InitialBackoff > 0 {
		out.InitialBackoff = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		out.MaxBackoff = p.MaxBackoff
	}
	if p.BackoffMultiplier > 0 {
		out.BackoffMultiplier = p.BackoffMultiplier
	}
	return out, p.RetryOn
}

// delay returns the wait before retry number n (1 for the first retry):
// InitialBackoff * multiplier^(n-1), capped at MaxBackoff when set.
func (c RetryConfig) delay(n int) time.Duration {
	if c.InitialBackoff <= 0 {
		return 0
	}
	d := c.InitialBackoff
	for i := 1; i < n; i++ {
		next := time.Duration(float64(d) * c.BackoffMultiplier)
		if c.MaxBackoff > 0 && next > c.MaxBackoff {
			return c.MaxBackoff
		}
		d = next
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// Classifier decides whether a failed capability call may be retried.
type Classifier struct {
	transient map[string]bool
}

// NewClassifier returns a Classifier that treats codes as transient. With
// no codes it uses DefaultTransientCodes.
func NewClassifier(codes ...string) *Classifier {
	if len(codes) == 0 {
		codes = DefaultTransientCodes
	}
	c := &Classifier{transient: make(map[string]bool, len(codes))}
	for _, code := range codes {
		c.transient[code] = true
	}
	return c
}

// Transient reports whether err may be retried. A small set of codes is
// always fatal; otherwise the capability's own Transient flag wins, then
// the step's retryOn list, then the classifier's table.
func (c *Classifier) Transient(err *api.Error, retryOn []string) bool {
	if err == nil || fatalCodes[err.Code] {
		return false
	}
	if err.Transient {
		return true
	}
	if slices.Contains(retryOn, err.Code) {
		return true
	}
	return c.transient[err.Code]
}
