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

// Package saga provides the core types of the cross-boundary saga
// orchestrator: step categories, saga definitions, the instance state
// machine, execution policy, and the typed error taxonomy. The executor,
// state stores, lock manager, idempotency registry, and recovery service
// live in subpackages and build on the contracts defined here.
package saga

import (
	"fmt"
	"time"
)

// StepCategory classifies a step by the storage boundary it touches and,
// consequently, by how its failure is handled.
type StepCategory int

const (
	// CategoryAcid marks a step whose effect is confined to one local
	// transactional store and can be exactly undone by its compensation.
	CategoryAcid StepCategory = iota

	// CategoryAuthoritative marks the step recording history in the
	// append-only authoritative log. Its success is permanent and is
	// never compensated.
	CategoryAuthoritative

	// CategoryDerived marks a step producing eventually-consistent,
	// rebuildable state (index, notification). Its failure is non-fatal
	// to the saga and surfaces as a follow-up instead.
	CategoryDerived
)

// String returns the string representation of the StepCategory.
func (c StepCategory) String() string {
	switch c {
	case CategoryAcid:
		return "acid"
	case CategoryAuthoritative:
		return "authoritative"
	case CategoryDerived:
		return "derived"
	default:
		return "unknown"
	}
}

// Compensatable reports whether steps of this category may declare a
// compensation. Only Acid steps can be rolled back.
func (c StepCategory) Compensatable() bool {
	return c == CategoryAcid
}

// MarshalText implements encoding.TextMarshaler so categories serialize
// as readable strings in persisted state.
func (c StepCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *StepCategory) UnmarshalText(text []byte) error {
	switch string(text) {
	case "acid":
		*c = CategoryAcid
	case "authoritative":
		*c = CategoryAuthoritative
	case "derived":
		*c = CategoryDerived
	default:
		return fmt.Errorf("unknown step category %q", string(text))
	}
	return nil
}

// Status represents the overall state of a saga instance.
type Status int

const (
	// StatusPending indicates the instance is created but not yet started.
	StatusPending Status = iota

	// StatusRunning indicates the instance is executing forward.
	StatusRunning

	// StatusCompleted indicates the instance finished successfully.
	// A completed instance may still carry follow-ups for failed
	// Derived steps.
	StatusCompleted

	// StatusCompensating indicates the instance is undoing previously
	// executed Acid steps in reverse order.
	StatusCompensating

	// StatusCompensated indicates all compensations completed and the
	// pre-saga state is restored.
	StatusCompensated

	// StatusFailedUnrecoverable indicates a compensation itself failed
	// and the instance is parked for operator attention. The resource
	// should be treated as quarantined until resolved.
	StatusFailedUnrecoverable
)

// String returns the string representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCompensating:
		return "compensating"
	case StatusCompensated:
		return "compensated"
	case StatusFailedUnrecoverable:
		return "failed_unrecoverable"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the status is terminal (no further execution
// possible). Terminal instances are retained for audit and idempotency
// lookups; they are never re-entered.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailedUnrecoverable
}

// CanTransitionTo reports whether the state machine permits moving from
// s to next. No transition re-enters Pending.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusCompleted || next == StatusCompensating || next == StatusFailedUnrecoverable
	case StatusCompensating:
		return next == StatusCompensated || next == StatusFailedUnrecoverable
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler so statuses serialize as
// readable strings in persisted state.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = StatusPending
	case "running":
		*s = StatusRunning
	case "completed":
		*s = StatusCompleted
	case "compensating":
		*s = StatusCompensating
	case "compensated":
		*s = StatusCompensated
	case "failed_unrecoverable":
		*s = StatusFailedUnrecoverable
	default:
		return fmt.Errorf("unknown saga status %q", string(text))
	}
	return nil
}

// FollowUp is a queued, non-blocking task representing a Derived step that
// failed (or never ran) after the saga's logical outcome was already
// determined. Follow-ups are surfaced to the caller for external retry;
// they are never retried synchronously inside the saga.
type FollowUp struct {
	SagaName string       `json:"saga_name"`
	StepName string       `json:"step_name"`
	Category StepCategory `json:"category"`
	Cause    string       `json:"cause"`
	QueuedAt time.Time    `json:"queued_at"`
}

// Result is the terminal outcome of a saga run.
//
// Callers must treat StatusCompleted with a non-empty FollowUps slice as
// success-with-warnings, StatusCompensated as a clean rollback, and
// StatusFailedUnrecoverable as requiring operator action.
type Result struct {
	// InstanceID identifies the saga instance that produced this result.
	InstanceID string `json:"instance_id"`

	// SagaName is the definition name the instance followed.
	SagaName string `json:"saga_name"`

	// Status is the terminal status of the instance.
	Status Status `json:"status"`

	// FollowUps lists Derived-step failures queued for external retry.
	FollowUps []FollowUp `json:"follow_ups,omitempty"`

	// CompensatedSteps lists the Acid steps undone, in compensation order.
	CompensatedSteps []string `json:"compensated_steps,omitempty"`

	// Error carries the step or compensation failure that terminated the
	// run, when the status is not a clean completion.
	Error *SagaError `json:"error,omitempty"`

	// Duration is the wall-clock time of the run.
	Duration time.Duration `json:"duration"`
}
