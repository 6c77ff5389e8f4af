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

package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/civicledger/sagaflow/pkg/saga"
)

// MemoryRegistry is an in-process registry for tests and single-node
// deployments.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]*Record
	closed  bool
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]*Record)}
}

// Lookup implements Registry.
func (r *MemoryRegistry) Lookup(ctx context.Context, key string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	rec, ok := r.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

// Record implements Registry.
func (r *MemoryRegistry) Record(ctx context.Context, rec *Record) error {
	if rec == nil || rec.CorrelationKey == "" {
		return saga.NewValidationError("idempotency: record requires a correlation key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, dup := r.records[rec.CorrelationKey]; dup {
		return ErrConflict
	}
	stored := *rec
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = time.Now()
	}
	r.records[rec.CorrelationKey] = &stored
	return nil
}

// Close implements Registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
