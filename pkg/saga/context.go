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

import "sync"

// Context is the shared, mutable data bag a saga's steps execute against.
// The calling business-operation code owns the domain objects placed in
// it; the core only threads it through execute and compensate calls.
//
// Values must be JSON-marshalable: the executor snapshots the context
// into the state store after every step so that recovery can rebuild it
// after a crash.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewContext creates an empty saga context.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// NewContextFrom creates a saga context seeded with the given values.
// The map is copied; the caller keeps ownership of the original.
func NewContextFrom(values map[string]any) *Context {
	sc := NewContext()
	for k, v := range values {
		sc.values[k] = v
	}
	return sc
}

// Get returns the value stored under key.
func (sc *Context) Get(key string) (any, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	v, ok := sc.values[key]
	return v, ok
}

// GetString returns the string stored under key, or "" when absent or of
// a different type.
func (sc *Context) GetString(key string) string {
	if v, ok := sc.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Set stores value under key, replacing any previous value.
func (sc *Context) Set(key string, value any) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.values[key] = value
}

// Snapshot returns a shallow copy of the context values, used by the
// executor to persist the context alongside the instance state.
func (sc *Context) Snapshot() map[string]any {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	out := make(map[string]any, len(sc.values))
	for k, v := range sc.values {
		out[k] = v
	}
	return out
}
