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

// Package state persists saga instances so that a crashed orchestrator
// can reconstruct exactly which effects landed and resume or undo them.
//
// The write discipline is write-ahead: the executor saves the instance
// before and after every step attempt, so the store always holds a
// state from which recovery can make a correct decision. Backends must
// make Save durable before returning.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/civicledger/sagaflow/pkg/saga"
)

// Store errors.
var (
	// ErrInstanceNotFound is returned by Load for an unknown instance.
	ErrInstanceNotFound = errors.New("state: saga instance not found")

	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("state: store closed")
)

// StepRecord is the durable trace of one step within an instance.
type StepRecord struct {
	Name          string            `json:"name"`
	Category      saga.StepCategory `json:"category"`
	Result        json.RawMessage   `json:"result,omitempty"`
	Err           string            `json:"err,omitempty"`
	Attempts      int               `json:"attempts"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	CompensatedAt *time.Time        `json:"compensated_at,omitempty"`
}

// Succeeded reports whether the step ran to completion.
func (r *StepRecord) Succeeded() bool {
	return r.FinishedAt != nil && r.Err == ""
}

// InFlight reports a step that started but never recorded an outcome,
// which after a crash means its effects may or may not have landed.
func (r *StepRecord) InFlight() bool {
	return r.FinishedAt == nil
}

// Instance is the persistent record of one saga run. CurrentStep is
// the index of the step being attempted; StepRecords accumulates one
// entry per started step, in execution order.
type Instance struct {
	ID              string          `json:"id"`
	CorrelationKey  string          `json:"correlation_key"`
	ResourceID      string          `json:"resource_id"`
	DefinitionName  string          `json:"definition_name"`
	Status          saga.Status     `json:"status"`
	CurrentStep     int             `json:"current_step"`
	StepRecords     []StepRecord    `json:"step_records,omitempty"`
	FollowUps       []saga.FollowUp `json:"follow_ups,omitempty"`
	FailedStep      string          `json:"failed_step,omitempty"`
	FailureCause    string          `json:"failure_cause,omitempty"`
	ContextSnapshot map[string]any  `json:"context_snapshot,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewInstance creates a PENDING instance for one saga run.
func NewInstance(definitionName, correlationKey, resourceID string) *Instance {
	now := time.Now()
	return &Instance{
		ID:             uuid.New().String(),
		CorrelationKey: correlationKey,
		ResourceID:     resourceID,
		DefinitionName: definitionName,
		Status:         saga.StatusPending,
		CurrentStep:    -1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// RecordFor returns the step record with the given name, or nil.
func (i *Instance) RecordFor(stepName string) *StepRecord {
	for idx := range i.StepRecords {
		if i.StepRecords[idx].Name == stepName {
			return &i.StepRecords[idx]
		}
	}
	return nil
}

// Transition moves the instance to next after checking the status
// machine. Terminal states are never left.
func (i *Instance) Transition(next saga.Status) error {
	if !i.Status.CanTransitionTo(next) {
		return saga.NewValidationError(
			"state: invalid status change " + i.Status.String() + " -> " + next.String())
	}
	i.Status = next
	i.UpdatedAt = time.Now()
	return nil
}

// Store persists saga instances.
type Store interface {
	// Save durably writes the instance, creating or replacing it.
	Save(ctx context.Context, inst *Instance) error

	// Load returns the instance by ID, or ErrInstanceNotFound.
	Load(ctx context.Context, id string) (*Instance, error)

	// ListNonTerminal returns every instance whose status is not
	// terminal, for recovery scans.
	ListNonTerminal(ctx context.Context) ([]*Instance, error)

	// Close releases backend resources.
	Close() error
}
