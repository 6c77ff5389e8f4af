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

import "time"

// StepOutcomeKind classifies how a step attempt ended.
type StepOutcomeKind string

const (
	// OutcomeSucceeded marks a step that ran to completion.
	OutcomeSucceeded StepOutcomeKind = "succeeded"
	// OutcomeFailed marks a step whose Execute returned an error.
	OutcomeFailed StepOutcomeKind = "failed"
	// OutcomeCompensated marks a step whose compensation ran.
	OutcomeCompensated StepOutcomeKind = "compensated"
	// OutcomeDeferred marks a derived step whose failure was queued as
	// a follow-up instead of failing the saga.
	OutcomeDeferred StepOutcomeKind = "deferred"
)

// StepEvent describes one step attempt for observers.
type StepEvent struct {
	SagaName string
	StepName string
	Category StepCategory
	Outcome  StepOutcomeKind
	Duration time.Duration
}

// InstanceEvent describes the end of a saga instance.
type InstanceEvent struct {
	SagaName    string
	InstanceID  string
	FinalStatus Status
	Duration    time.Duration
}

// EventSink receives execution events from the executor and the
// recovery service. Implementations must be safe for concurrent use
// and must not block; slow sinks stall saga progress.
type EventSink interface {
	StepAttempted(event StepEvent)
	InstanceFinished(event InstanceEvent)
}

// NopEventSink ignores all events.
type NopEventSink struct{}

// StepAttempted implements EventSink.
func (NopEventSink) StepAttempted(StepEvent) {}

// InstanceFinished implements EventSink.
func (NopEventSink) InstanceFinished(InstanceEvent) {}
