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
	"context"
	"fmt"
	"time"
)

// Step is a single unit of work within a saga definition.
//
// Execute runs the step's forward action against the shared saga context
// and returns a step-specific result. For Acid steps, Compensate must be
// safe to call even if the original Execute partially applied effects, and
// must be idempotent, because recovery may retry compensation.
//
// HasCompensation reports whether the step declares a compensation. The
// definition builder rejects any step whose HasCompensation disagrees with
// its category: only Acid steps compensate. Authoritative and Derived
// steps must return false and their Compensate must never be called.
type Step interface {
	// Name returns the step name, unique within a definition. It is used
	// for logging and recovery addressing.
	Name() string

	// Category returns the storage-boundary classification of the step.
	Category() StepCategory

	// Execute runs the forward action.
	Execute(ctx context.Context, sc *Context) (any, error)

	// Compensate undoes a previously successful Execute. result is the
	// value Execute returned; after a crash it is the persisted outcome
	// decoded from JSON.
	Compensate(ctx context.Context, sc *Context, result any) error

	// HasCompensation reports whether Compensate is implemented.
	HasCompensation() bool

	// Timeout returns the per-step execution timeout. Zero means the
	// executor applies the policy default.
	Timeout() time.Duration
}

// ExecuteFunc is the forward action of a function-backed step.
type ExecuteFunc func(ctx context.Context, sc *Context) (any, error)

// CompensateFunc is the inverse action of a function-backed Acid step.
type CompensateFunc func(ctx context.Context, sc *Context, result any) error

// funcStep is the function-backed Step implementation produced by the
// category-specific constructors.
type funcStep struct {
	name       string
	category   StepCategory
	execute    ExecuteFunc
	compensate CompensateFunc
	timeout    time.Duration
}

// StepOption configures a function-backed step.
type StepOption func(*funcStep)

// WithStepTimeout bounds a single execution of the step. Zero leaves the
// policy default in effect.
func WithStepTimeout(d time.Duration) StepOption {
	return func(s *funcStep) {
		s.timeout = d
	}
}

// NewAcidStep creates an Acid step from an execute function and its
// compensation. Both functions are required: an Acid step that cannot be
// undone would break the compensation contract.
func NewAcidStep(name string, execute ExecuteFunc, compensate CompensateFunc, opts ...StepOption) Step {
	return newFuncStep(name, CategoryAcid, execute, compensate, opts...)
}

// NewAuthoritativeStep creates the Authoritative step of a definition.
// There is deliberately no way to attach a compensation: once the
// authoritative log has committed, the effect is permanent.
func NewAuthoritativeStep(name string, execute ExecuteFunc, opts ...StepOption) Step {
	return newFuncStep(name, CategoryAuthoritative, execute, nil, opts...)
}

// NewDerivedStep creates a Derived step. Failures of Derived steps are
// queued as follow-ups rather than compensated, so no compensation can be
// attached.
func NewDerivedStep(name string, execute ExecuteFunc, opts ...StepOption) Step {
	return newFuncStep(name, CategoryDerived, execute, nil, opts...)
}

func newFuncStep(name string, category StepCategory, execute ExecuteFunc, compensate CompensateFunc, opts ...StepOption) *funcStep {
	s := &funcStep{
		name:       name,
		category:   category,
		execute:    execute,
		compensate: compensate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *funcStep) Name() string           { return s.name }
func (s *funcStep) Category() StepCategory { return s.category }
func (s *funcStep) Timeout() time.Duration { return s.timeout }
func (s *funcStep) HasCompensation() bool  { return s.compensate != nil }

func (s *funcStep) Execute(ctx context.Context, sc *Context) (any, error) {
	if s.execute == nil {
		return nil, fmt.Errorf("step %q has no execute function", s.name)
	}
	return s.execute(ctx, sc)
}

func (s *funcStep) Compensate(ctx context.Context, sc *Context, result any) error {
	if s.compensate == nil {
		return fmt.Errorf("step %q (%s) is not compensatable", s.name, s.category)
	}
	return s.compensate(ctx, sc, result)
}
