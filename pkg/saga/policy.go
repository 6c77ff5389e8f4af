// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// CompensationRetry bounds the inline retry behaviour of a single
// compensate call before the executor declares the instance
// FAILED_UNRECOVERABLE. Delays follow exponential backoff with full
// jitter: delay = random(0, min(InitialDelay * Multiplier^(attempt-1), MaxDelay)).
type CompensationRetry struct {
	// MaxAttempts is the total number of compensate attempts per step.
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts"`

	// InitialDelay is the base delay before the second attempt.
	InitialDelay time.Duration `json:"initial_delay" mapstructure:"initial_delay"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `json:"max_delay" mapstructure:"max_delay"`

	// Multiplier is the factor by which the delay grows per attempt.
	// Must be >= 1.0.
	Multiplier float64 `json:"multiplier" mapstructure:"multiplier"`

	// Jitter is the fraction of the delay randomized, between 0.0 (none)
	// and 1.0 (full jitter).
	Jitter float64 `json:"jitter" mapstructure:"jitter"`
}

// Delay returns the backoff delay before the given attempt (1-based).
// The first attempt has no delay.
func (r CompensationRetry) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	base := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt-2))
	if r.MaxDelay > 0 && base > float64(r.MaxDelay) {
		base = float64(r.MaxDelay)
	}
	if r.Jitter > 0 {
		// Full-jitter region scaled by the jitter fraction.
		jittered := base * r.Jitter * rand.Float64()
		base = base*(1-r.Jitter) + jittered
	}
	return time.Duration(base)
}

// ExecutionPolicy carries the timeouts, lease durations, and retry limits
// for one saga run. It is passed explicitly into the executor rather than
// read from process-wide configuration, which keeps the executor pure
// with respect to configuration.
type ExecutionPolicy struct {
	// StepTimeout bounds a single step execution when the step does not
	// declare its own timeout.
	StepTimeout time.Duration `json:"step_timeout" mapstructure:"step_timeout"`

	// LockTTL is the lease duration on the resource lock. The lease is
	// renewed after every step, so it needs to outlive a single step,
	// not the whole saga.
	LockTTL time.Duration `json:"lock_ttl" mapstructure:"lock_ttl"`

	// LockWait bounds how long Run waits to acquire the resource lock
	// before failing with a ResourceLockTimeoutError.
	LockWait time.Duration `json:"lock_wait" mapstructure:"lock_wait"`

	// SagaTimeout is an optional overall budget for the run. Zero means
	// no saga-level timeout. Compensation always completes even after
	// the budget elapses.
	SagaTimeout time.Duration `json:"saga_timeout" mapstructure:"saga_timeout"`

	// CompensationRetry bounds inline compensation retries.
	CompensationRetry CompensationRetry `json:"compensation_retry" mapstructure:"compensation_retry"`
}

// DefaultExecutionPolicy returns the policy applied when the caller
// supplies a zero value. The compensation retry of 3 attempts with
// exponential backoff from 100ms capped at 2s is the documented fixed
// choice for the bounded inline compensation budget.
func DefaultExecutionPolicy() ExecutionPolicy {
	return ExecutionPolicy{
		StepTimeout: 30 * time.Second,
		LockTTL:     30 * time.Second,
		LockWait:    10 * time.Second,
		SagaTimeout: 0,
		CompensationRetry: CompensationRetry{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			Jitter:       1.0,
		},
	}
}

// ApplyDefaults fills unset fields from DefaultExecutionPolicy.
func (p *ExecutionPolicy) ApplyDefaults() {
	def := DefaultExecutionPolicy()
	if p.StepTimeout <= 0 {
		p.StepTimeout = def.StepTimeout
	}
	if p.LockTTL <= 0 {
		p.LockTTL = def.LockTTL
	}
	if p.LockWait <= 0 {
		p.LockWait = def.LockWait
	}
	if p.CompensationRetry.MaxAttempts <= 0 {
		p.CompensationRetry = def.CompensationRetry
	}
	if p.CompensationRetry.Multiplier < 1.0 {
		p.CompensationRetry.Multiplier = def.CompensationRetry.Multiplier
	}
	if p.CompensationRetry.InitialDelay <= 0 {
		p.CompensationRetry.InitialDelay = def.CompensationRetry.InitialDelay
	}
}

// Validate checks the policy for internal consistency.
func (p *ExecutionPolicy) Validate() error {
	if p.StepTimeout <= 0 {
		return NewValidationError("execution policy: step timeout must be positive")
	}
	if p.LockTTL <= 0 {
		return NewValidationError("execution policy: lock TTL must be positive")
	}
	if p.LockWait <= 0 {
		return NewValidationError("execution policy: lock wait must be positive")
	}
	if p.SagaTimeout < 0 {
		return NewValidationError("execution policy: saga timeout must not be negative")
	}
	r := p.CompensationRetry
	if r.MaxAttempts <= 0 {
		return NewValidationError("execution policy: compensation retry attempts must be positive")
	}
	if r.Multiplier < 1.0 {
		return NewValidationError(fmt.Sprintf(
			"execution policy: compensation retry multiplier %v must be >= 1.0", r.Multiplier))
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return NewValidationError("execution policy: compensation retry jitter must be in [0, 1]")
	}
	return nil
}
