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
	"sync"
	"testing"
)

func TestContext_SetAndGet(t *testing.T) {
	sc := NewContext()

	if _, ok := sc.Get("record_id"); ok {
		t.Fatal("expected miss on empty context")
	}

	sc.Set("record_id", "rec-42")
	v, ok := sc.Get("record_id")
	if !ok {
		t.Fatal("expected value after Set")
	}
	if v != "rec-42" {
		t.Fatalf("got %v, want rec-42", v)
	}

	sc.Set("record_id", "rec-43")
	if got := sc.GetString("record_id"); got != "rec-43" {
		t.Fatalf("got %q after overwrite, want rec-43", got)
	}
}

func TestContext_GetString(t *testing.T) {
	sc := NewContext()
	sc.Set("name", "deed transfer")
	sc.Set("attempts", 3)

	if got := sc.GetString("name"); got != "deed transfer" {
		t.Fatalf("got %q, want deed transfer", got)
	}
	if got := sc.GetString("attempts"); got != "" {
		t.Fatalf("got %q for non-string value, want empty", got)
	}
	if got := sc.GetString("missing"); got != "" {
		t.Fatalf("got %q for missing key, want empty", got)
	}
}

func TestContext_SnapshotIsDetached(t *testing.T) {
	sc := NewContext()
	sc.Set("row_id", "17")

	snap := sc.Snapshot()
	if snap["row_id"] != "17" {
		t.Fatalf("snapshot missing row_id: %v", snap)
	}

	snap["row_id"] = "mutated"
	if got := sc.GetString("row_id"); got != "17" {
		t.Fatalf("context changed through snapshot copy: %q", got)
	}
}

func TestNewContextFrom_CopiesSeed(t *testing.T) {
	seed := map[string]any{"doc_path": "/srv/docs/17.pdf"}
	sc := NewContextFrom(seed)

	seed["doc_path"] = "tampered"
	if got := sc.GetString("doc_path"); got != "/srv/docs/17.pdf" {
		t.Fatalf("context aliased its seed map: %q", got)
	}
}

func TestContext_ConcurrentAccess(t *testing.T) {
	sc := NewContext()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sc.Set("shared", j)
				sc.Get("shared")
				sc.Snapshot()
			}
		}()
	}
	wg.Wait()

	if _, ok := sc.Get("shared"); !ok {
		t.Fatal("value lost after concurrent writes")
	}
}
