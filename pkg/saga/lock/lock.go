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

// Package lock provides lease-based logical locks over named resources.
//
// A lock is a lease, not a mutex: it carries a TTL and expires on its
// own if the holder dies without releasing it, so a crashed process can
// never wedge a resource permanently. Holders of long-running work renew
// the lease as they go. Locks are advisory; they serialize sagas that
// agree to lock the same resource identifier, nothing more.
package lock

import (
	"context"
	"errors"
	"time"
)

// Common lock errors.
var (
	// ErrAcquireTimeout is returned when a lock could not be acquired
	// before the caller's deadline.
	ErrAcquireTimeout = errors.New("lock: acquire timed out")

	// ErrNotHeld is returned by Release and Renew when the caller no
	// longer holds the lease, typically because it expired and another
	// holder took over.
	ErrNotHeld = errors.New("lock: lease not held")

	// ErrClosed is returned after the manager has been closed.
	ErrClosed = errors.New("lock: manager closed")
)

// Lease is a granted lock on a resource. The token fences the lease:
// release and renew only succeed while the token still matches what the
// manager stores, so an expired holder cannot release a successor's
// lease.
type Lease struct {
	ResourceID string
	HolderID   string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Manager grants, renews and releases resource leases.
type Manager interface {
	// Acquire blocks until the resource lease is granted or ctx is
	// done. A ctx deadline bounds the wait; expiry returns
	// ErrAcquireTimeout.
	Acquire(ctx context.Context, resourceID, holderID string, ttl time.Duration) (*Lease, error)

	// Renew extends the lease by ttl. Fails with ErrNotHeld if the
	// lease expired or was force-released.
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error

	// Release gives up the lease. Releasing a lease that already
	// expired returns ErrNotHeld.
	Release(ctx context.Context, lease *Lease) error

	// ForceRelease removes whatever lease currently covers resourceID,
	// regardless of holder. Reserved for recovery after the original
	// holder is known to be dead.
	ForceRelease(ctx context.Context, resourceID string) error

	// Close releases internal resources. Held leases are not released.
	Close() error
}
