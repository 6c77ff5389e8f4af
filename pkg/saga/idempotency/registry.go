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

// Package idempotency records completed saga outcomes keyed by
// correlation key, so retried requests return the original outcome
// instead of running the saga again.
//
// The registry is append-only. A correlation key is written exactly
// once, when its saga reaches a terminal state; a second write for the
// same key is a correctness bug somewhere upstream and fails loudly
// with ErrConflict rather than being papered over.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/civicledger/sagaflow/pkg/saga"
)

// Registry errors.
var (
	// ErrNotFound is returned by Lookup when no outcome has been
	// recorded for the correlation key.
	ErrNotFound = errors.New("idempotency: no record for correlation key")

	// ErrConflict is returned by Record when the correlation key
	// already has an outcome. Records are never overwritten.
	ErrConflict = errors.New("idempotency: correlation key already recorded")

	// ErrClosed is returned after the registry has been closed.
	ErrClosed = errors.New("idempotency: registry closed")
)

// Record is the durable outcome of one saga run.
type Record struct {
	CorrelationKey string          `json:"correlation_key"`
	InstanceID     string          `json:"instance_id"`
	SagaName       string          `json:"saga_name"`
	Status         saga.Status     `json:"status"`
	ResultSnapshot json.RawMessage `json:"result_snapshot,omitempty"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// Registry stores saga outcomes by correlation key.
type Registry interface {
	// Lookup returns the recorded outcome for key, or ErrNotFound.
	Lookup(ctx context.Context, key string) (*Record, error)

	// Record appends the outcome for its correlation key. Returns
	// ErrConflict if the key was already recorded.
	Record(ctx context.Context, rec *Record) error

	// Close releases backend resources.
	Close() error
}
