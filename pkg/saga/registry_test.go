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
	"testing"
)

func TestStepRegistry_RegisterAndResolve(t *testing.T) {
	r := NewStepRegistry()

	if err := r.Register("create-row", func(cfg map[string]any) (Step, error) {
		return acid("create-row"), nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := r.Resolve("create-row"); err != nil {
		t.Errorf("Resolve failed: %v", err)
	}
	if _, err := r.Resolve("unknown"); err == nil {
		t.Error("Expected error for unknown kind")
	}

	if err := r.Register("create-row", func(cfg map[string]any) (Step, error) {
		return acid("other"), nil
	}); err == nil {
		t.Error("Expected error for duplicate kind registration")
	}
	if err := r.Register("", nil); err == nil {
		t.Error("Expected error for empty kind")
	}
}

func TestStepRegistry_Kinds(t *testing.T) {
	r := NewStepRegistry()
	r.MustRegister("b", func(cfg map[string]any) (Step, error) { return acid("b"), nil })
	r.MustRegister("a", func(cfg map[string]any) (Step, error) { return acid("a"), nil })

	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != "a" || kinds[1] != "b" {
		t.Errorf("Expected sorted kinds [a b], got %v", kinds)
	}
}

func TestStepRegistry_BuildDefinition(t *testing.T) {
	r := NewStepRegistry()
	r.MustRegister("acid", func(cfg map[string]any) (Step, error) {
		name, _ := cfg["name"].(string)
		return acid(name), nil
	})
	r.MustRegister("commit", func(cfg map[string]any) (Step, error) {
		return authoritative("commit"), nil
	})
	r.MustRegister("broken", func(cfg map[string]any) (Step, error) {
		return nil, fmt.Errorf("bad config")
	})

	def, err := r.BuildDefinition("record-update", []StepSpec{
		{Kind: "acid", Config: map[string]any{"name": "create-row"}},
		{Kind: "commit"},
	})
	if err != nil {
		t.Fatalf("BuildDefinition failed: %v", err)
	}
	if def.Len() != 2 {
		t.Errorf("Expected 2 steps, got %d", def.Len())
	}

	if _, err := r.BuildDefinition("bad-kind", []StepSpec{{Kind: "nope"}}); err == nil {
		t.Error("Expected error for unknown kind")
	}
	if _, err := r.BuildDefinition("bad-config", []StepSpec{{Kind: "broken"}}); err == nil {
		t.Error("Expected error when a constructor fails")
	}
}
