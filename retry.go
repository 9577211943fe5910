package runflow

import (
	"time"

	"github.com/petrijr/runflow/internal/flows"
)

// RetryBuilder assembles the RetryPolicy of an agent or tool step.
//
//	NewFlow("demo", "fetch").
//	    Tool("read", "http_get", params).
//	    WithRetry(Retry(4).WithExponentialBackoff(200*time.Millisecond, 2, 5*time.Second).On("rate_limited"))
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy allowing maxAttempts invocations in total. Values
// below 1 mean a single attempt; values above the flow document limit are
// capped to it.
func Retry(maxAttempts int) RetryBuilder {
	switch {
	case maxAttempts < 1:
		maxAttempts = 1
	case maxAttempts > flows.MaxRetryAttempts:
		maxAttempts = flows.MaxRetryAttempts
	}
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: maxAttempts}}
}

// WithExponentialBackoff waits initial before the second attempt and grows
// the delay by multiplier (2 when <= 0) up to max (uncapped when <= 0).
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	r.policy.InitialBackoff = initial
	r.policy.BackoffMultiplier = multiplier
	r.policy.MaxBackoff = max
	return r
}

// WithConstantBackoff waits delay between attempts.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.policy.InitialBackoff = delay
	r.policy.BackoffMultiplier = 1
	r.policy.MaxBackoff = 0
	return r
}

// On marks extra error codes as transient for this step, on top of the
// engine-wide transient codes.
func (r RetryBuilder) On(codes ...string) RetryBuilder {
	r.policy.RetryOn = append(append([]string(nil), r.policy.RetryOn...), codes...)
	return r
}

// Policy returns the assembled policy.
func (r RetryBuilder) Policy() RetryPolicy { return r.policy }
