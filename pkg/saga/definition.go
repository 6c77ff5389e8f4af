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

import "fmt"

// Definition is an immutable, ordered sequence of steps plus a name.
// Definitions are owned by the calling business-operation code and are
// read-only to the core. A Definition can only be obtained through
// Builder.Build, which enforces the structural invariants, so holding a
// *Definition is proof the sequence is well-formed.
type Definition struct {
	name   string
	steps  []Step
	byName map[string]int
}

// Name returns the definition name.
func (d *Definition) Name() string {
	return d.name
}

// Steps returns the ordered step list. The slice is a copy; the
// underlying steps are shared.
func (d *Definition) Steps() []Step {
	out := make([]Step, len(d.steps))
	copy(out, d.steps)
	return out
}

// StepAt returns the step at the given index.
func (d *Definition) StepAt(index int) (Step, error) {
	if index < 0 || index >= len(d.steps) {
		return nil, fmt.Errorf("definition %q has no step at index %d", d.name, index)
	}
	return d.steps[index], nil
}

// StepByName returns the step with the given name.
func (d *Definition) StepByName(name string) (Step, error) {
	if i, ok := d.byName[name]; ok {
		return d.steps[i], nil
	}
	return nil, fmt.Errorf("definition %q has no step named %q", d.name, name)
}

// Len returns the number of steps.
func (d *Definition) Len() int {
	return len(d.steps)
}

// AuthoritativeIndex returns the index of the Authoritative step, or -1
// if the definition has none.
func (d *Definition) AuthoritativeIndex() int {
	for i, s := range d.steps {
		if s.Category() == CategoryAuthoritative {
			return i
		}
	}
	return -1
}

// Builder assembles and validates a Definition.
type Builder struct {
	name  string
	steps []Step
}

// NewBuilder starts a definition with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// AddStep appends a step to the definition.
func (b *Builder) AddStep(step Step) *Builder {
	b.steps = append(b.steps, step)
	return b
}

// AddSteps appends steps in order.
func (b *Builder) AddSteps(steps ...Step) *Builder {
	b.steps = append(b.steps, steps...)
	return b
}

// Build validates the assembled sequence and returns the immutable
// Definition. Validation happens here, at build time, so that a malformed
// saga is rejected before any step runs:
//
//   - the definition has a name and at least one step;
//   - step names are unique;
//   - a step compensates if and only if its category is Acid;
//   - at most one Authoritative step exists;
//   - no Acid step follows the Authoritative step (compensating local
//     state after history has committed would retroactively fail an
//     already-authoritative operation);
//   - Derived steps appear only after the Authoritative step.
func (b *Builder) Build() (*Definition, error) {
	if b.name == "" {
		return nil, NewValidationError("saga definition requires a name")
	}
	if len(b.steps) == 0 {
		return nil, NewValidationError(fmt.Sprintf("saga definition %q has no steps", b.name))
	}

	byName := make(map[string]int, len(b.steps))
	authoritativeIdx := -1
	for i, step := range b.steps {
		name := step.Name()
		if name == "" {
			return nil, NewValidationError(fmt.Sprintf("saga definition %q: step %d has no name", b.name, i))
		}
		if _, dup := byName[name]; dup {
			return nil, NewValidationError(fmt.Sprintf("saga definition %q: duplicate step name %q", b.name, name))
		}
		byName[name] = i

		category := step.Category()
		if step.HasCompensation() != category.Compensatable() {
			if category.Compensatable() {
				return nil, NewValidationError(fmt.Sprintf(
					"saga definition %q: acid step %q must declare a compensation", b.name, name))
			}
			return nil, NewValidationError(fmt.Sprintf(
				"saga definition %q: %s step %q must not declare a compensation", b.name, category, name))
		}

		switch category {
		case CategoryAuthoritative:
			if authoritativeIdx >= 0 {
				return nil, NewValidationError(fmt.Sprintf(
					"saga definition %q: more than one authoritative step (%q and %q)",
					b.name, b.steps[authoritativeIdx].Name(), name))
			}
			authoritativeIdx = i
		case CategoryAcid:
			if authoritativeIdx >= 0 {
				return nil, NewValidationError(fmt.Sprintf(
					"saga definition %q: acid step %q follows the authoritative step %q",
					b.name, name, b.steps[authoritativeIdx].Name()))
			}
		case CategoryDerived:
			if authoritativeIdx < 0 {
				return nil, NewValidationError(fmt.Sprintf(
					"saga definition %q: derived step %q requires a preceding authoritative step",
					b.name, name))
			}
		}
	}

	steps := make([]Step, len(b.steps))
	copy(steps, b.steps)
	return &Definition{
		name:   b.name,
		steps:  steps,
		byName: byName,
	}, nil
}
