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

package state

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/civicledger/sagaflow/pkg/saga"
)

// MemoryStore keeps instances in a map, serialized through JSON on
// every Save and Load so that anything the executor persists must
// round-trip exactly as it would through a real backend.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string][]byte
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string][]byte)}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.ID == "" {
		return saga.NewValidationError("state: instance requires an ID")
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return saga.NewStorageError("save", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.instances[inst.ID] = data
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	data, ok := s.instances[id]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, ErrInstanceNotFound
	}
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, saga.NewStorageError("load", err)
	}
	return &inst, nil
}

// ListNonTerminal implements Store.
func (s *MemoryStore) ListNonTerminal(ctx context.Context) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*Instance
	for _, data := range s.instances {
		var inst Instance
		if err := json.Unmarshal(data, &inst); err != nil {
			return nil, saga.NewStorageError("list", err)
		}
		if !inst.Status.IsTerminal() {
			out = append(out, &inst)
		}
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
