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

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	lease   Lease
	waiters []chan struct{}
}

// MemoryManager is an in-process lease manager for tests and
// single-node deployments. Expired leases are taken over lazily on the
// next acquire; waiters are woken on release.
type MemoryManager struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	closed  bool
}

// NewMemoryManager creates an in-memory lease manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{entries: make(map[string]*memoryEntry)}
}

// Acquire implements Manager.
func (m *MemoryManager) Acquire(ctx context.Context, resourceID, holderID string, ttl time.Duration) (*Lease, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		entry, held := m.entries[resourceID]
		if !held || time.Now().After(entry.lease.ExpiresAt) {
			now := time.Now()
			lease := Lease{
				ResourceID: resourceID,
				HolderID:   holderID,
				Token:      uuid.New().String(),
				AcquiredAt: now,
				ExpiresAt:  now.Add(ttl),
			}
			var waiters []chan struct{}
			if held {
				waiters = entry.waiters
			}
			m.entries[resourceID] = &memoryEntry{lease: lease, waiters: waiters}
			m.mu.Unlock()
			out := lease
			return &out, nil
		}

		// Held by someone else. Queue up and wait for a release or
		// for the lease to run out, whichever comes first.
		wake := make(chan struct{})
		entry.waiters = append(entry.waiters, wake)
		untilExpiry := time.Until(entry.lease.ExpiresAt)
		m.mu.Unlock()

		expiry := time.NewTimer(untilExpiry)
		select {
		case <-ctx.Done():
			expiry.Stop()
			m.dropWaiter(resourceID, wake)
			if err := ctx.Err(); err == context.DeadlineExceeded {
				return nil, ErrAcquireTimeout
			}
			return nil, ctx.Err()
		case <-wake:
			expiry.Stop()
		case <-expiry.C:
			m.dropWaiter(resourceID, wake)
		}
	}
}

func (m *MemoryManager) dropWaiter(resourceID string, wake chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[resourceID]
	if !ok {
		return
	}
	for i, w := range entry.waiters {
		if w == wake {
			entry.waiters = append(entry.waiters[:i], entry.waiters[i+1:]...)
			return
		}
	}
}

// Renew implements Manager.
func (m *MemoryManager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	entry, ok := m.entries[lease.ResourceID]
	if !ok || entry.lease.Token != lease.Token || time.Now().After(entry.lease.ExpiresAt) {
		return ErrNotHeld
	}
	entry.lease.ExpiresAt = time.Now().Add(ttl)
	lease.ExpiresAt = entry.lease.ExpiresAt
	return nil
}

// Release implements Manager.
func (m *MemoryManager) Release(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	entry, ok := m.entries[lease.ResourceID]
	if !ok || entry.lease.Token != lease.Token {
		return ErrNotHeld
	}
	expired := time.Now().After(entry.lease.ExpiresAt)
	m.removeAndWake(lease.ResourceID, entry)
	if expired {
		return ErrNotHeld
	}
	return nil
}

// ForceRelease implements Manager.
func (m *MemoryManager) ForceRelease(ctx context.Context, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if entry, ok := m.entries[resourceID]; ok {
		m.removeAndWake(resourceID, entry)
	}
	return nil
}

// removeAndWake deletes the entry and wakes every waiter so they race
// for the freed lease. Callers must hold m.mu.
func (m *MemoryManager) removeAndWake(resourceID string, entry *memoryEntry) {
	delete(m.entries, resourceID)
	for _, w := range entry.waiters {
		close(w)
	}
}

// Close implements Manager.
func (m *MemoryManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, entry := range m.entries {
		m.removeAndWake(id, entry)
	}
	return nil
}
