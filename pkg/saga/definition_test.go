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
	"testing"
)

func noopExecute(ctx context.Context, sc *Context) (any, error) { return nil, nil }

func noopCompensate(ctx context.Context, sc *Context, result any) error { return nil }

func acid(name string) Step {
	return NewAcidStep(name, noopExecute, noopCompensate)
}

func authoritative(name string) Step {
	return NewAuthoritativeStep(name, noopExecute)
}

func derived(name string) Step {
	return NewDerivedStep(name, noopExecute)
}

func TestBuilder_Build(t *testing.T) {
	def, err := NewBuilder("record-update").
		AddStep(acid("create-row")).
		AddStep(acid("write-file")).
		AddStep(authoritative("commit")).
		AddStep(derived("update-index")).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if def.Name() != "record-update" {
		t.Errorf("Expected name record-update, got %s", def.Name())
	}
	if def.Len() != 4 {
		t.Errorf("Expected 4 steps, got %d", def.Len())
	}
	if def.AuthoritativeIndex() != 2 {
		t.Errorf("Expected authoritative index 2, got %d", def.AuthoritativeIndex())
	}

	step, err := def.StepByName("commit")
	if err != nil {
		t.Fatalf("StepByName failed: %v", err)
	}
	if step.Category() != CategoryAuthoritative {
		t.Errorf("Expected authoritative category, got %s", step.Category())
	}

	if _, err := def.StepByName("missing"); err == nil {
		t.Error("Expected error for unknown step name")
	}
	if _, err := def.StepAt(99); err == nil {
		t.Error("Expected error for out-of-range index")
	}
}

func TestBuilder_Validation(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*Definition, error)
	}{
		{
			name: "empty saga name",
			build: func() (*Definition, error) {
				return NewBuilder("").AddStep(acid("a")).Build()
			},
		},
		{
			name: "no steps",
			build: func() (*Definition, error) {
				return NewBuilder("empty").Build()
			},
		},
		{
			name: "duplicate step names",
			build: func() (*Definition, error) {
				return NewBuilder("dup").AddStep(acid("a")).AddStep(acid("a")).Build()
			},
		},
		{
			name: "empty step name",
			build: func() (*Definition, error) {
				return NewBuilder("anon").AddStep(acid("")).Build()
			},
		},
		{
			name: "two authoritative steps",
			build: func() (*Definition, error) {
				return NewBuilder("twice").
					AddStep(authoritative("a")).
					AddStep(authoritative("b")).
					Build()
			},
		},
		{
			name: "acid after authoritative",
			build: func() (*Definition, error) {
				return NewBuilder("late-acid").
					AddStep(authoritative("commit")).
					AddStep(acid("too-late")).
					Build()
			},
		},
		{
			name: "derived before authoritative",
			build: func() (*Definition, error) {
				return NewBuilder("early-derived").
					AddStep(derived("index")).
					AddStep(authoritative("commit")).
					Build()
			},
		},
		{
			name: "acid without compensation",
			build: func() (*Definition, error) {
				return NewBuilder("no-comp").
					AddStep(NewAcidStep("a", noopExecute, nil)).
					Build()
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := test.build(); err == nil {
				t.Errorf("Expected build error for %s", test.name)
			}
		})
	}
}

func TestBuilder_AcidOnlySagaIsValid(t *testing.T) {
	def, err := NewBuilder("acid-only").
		AddSteps(acid("a"), acid("b")).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if def.AuthoritativeIndex() != -1 {
		t.Errorf("Expected authoritative index -1, got %d", def.AuthoritativeIndex())
	}
}
