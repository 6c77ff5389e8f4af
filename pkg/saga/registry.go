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
	"sort"
	"sync"
)

// StepCtor constructs a step from a static configuration map. Step kinds
// are registered at program start and resolved by key when a definition
// is built, so an unknown kind fails at build time, not mid-saga.
type StepCtor func(cfg map[string]any) (Step, error)

// StepSpec names a registered step kind and its configuration within a
// declarative definition.
type StepSpec struct {
	Kind   string         `json:"kind" mapstructure:"kind"`
	Config map[string]any `json:"config,omitempty" mapstructure:"config"`
}

// StepRegistry is a table of named step constructors. It replaces
// runtime handler lookup with a compile-time-registered table: business
// operations register their step kinds once, and definitions assembled
// from StepSpecs are validated against the table when built.
type StepRegistry struct {
	mu    sync.RWMutex
	ctors map[string]StepCtor
}

// NewStepRegistry creates an empty step registry.
func NewStepRegistry() *StepRegistry {
	return &StepRegistry{ctors: make(map[string]StepCtor)}
}

// Register adds a step constructor under the given kind. Registering the
// same kind twice is a programming error and fails loudly.
func (r *StepRegistry) Register(kind string, ctor StepCtor) error {
	if kind == "" {
		return NewValidationError("step registry: kind must not be empty")
	}
	if ctor == nil {
		return NewValidationError(fmt.Sprintf("step registry: nil constructor for kind %q", kind))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ctors[kind]; dup {
		return NewValidationError(fmt.Sprintf("step registry: kind %q already registered", kind))
	}
	r.ctors[kind] = ctor
	return nil
}

// MustRegister is Register that panics on error, for package-level
// registration at program start.
func (r *StepRegistry) MustRegister(kind string, ctor StepCtor) {
	if err := r.Register(kind, ctor); err != nil {
		panic(err)
	}
}

// Resolve returns the constructor registered under kind.
func (r *StepRegistry) Resolve(kind string) (StepCtor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[kind]
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("step registry: unknown step kind %q", kind))
	}
	return ctor, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *StepRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// BuildDefinition constructs and validates a Definition from step specs.
// All kinds are resolved and all steps constructed before the usual
// builder validation runs, so any unknown kind or bad configuration is
// reported up front.
func (r *StepRegistry) BuildDefinition(name string, specs []StepSpec) (*Definition, error) {
	b := NewBuilder(name)
	for i, spec := range specs {
		ctor, err := r.Resolve(spec.Kind)
		if err != nil {
			return nil, err
		}
		step, err := ctor(spec.Config)
		if err != nil {
			return nil, NewValidationError(fmt.Sprintf(
				"step registry: constructing step %d (kind %q) failed: %v", i, spec.Kind, err))
		}
		b.AddStep(step)
	}
	return b.Build()
}
