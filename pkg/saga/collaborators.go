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

import "context"

// AuthoritativeLog is the external system of record an authoritative
// step commits to. The commit is permanent once acknowledged; recovery
// uses HasCommitted to resolve the outcome of a commit whose
// acknowledgement was lost in a crash.
type AuthoritativeLog interface {
	// Commit durably records payload and returns the commit identifier.
	Commit(ctx context.Context, payload []byte) (string, error)

	// HasCommitted reports whether a commit carrying the given token
	// landed. Tokens are correlation keys embedded in the commit, so
	// the probe works even when the commit identifier was never seen.
	HasCommitted(ctx context.Context, token string) (bool, error)
}

// DerivedSink accepts deferred repair work for derived representations
// that failed to update in line. Enqueued follow-ups are processed
// outside the saga; the saga result records them and completes.
type DerivedSink interface {
	Enqueue(ctx context.Context, task FollowUp) error
}

// NopDerivedSink discards follow-ups. The executor falls back to it
// when no sink is configured; follow-ups still appear on the Result.
type NopDerivedSink struct{}

// Enqueue implements DerivedSink.
func (NopDerivedSink) Enqueue(ctx context.Context, task FollowUp) error { return nil }
