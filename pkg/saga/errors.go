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

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of an error.
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeExecution    ErrorType = "execution"
	ErrorTypeCompensation ErrorType = "compensation"
	ErrorTypeLock         ErrorType = "lock"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeStorage      ErrorType = "storage"
)

// predefined error codes
const (
	ErrCodeStepExecutionFailed  = "STEP_EXECUTION_FAILED"
	ErrCodeCompensationFailed   = "COMPENSATION_FAILED"
	ErrCodeResourceLockTimeout  = "RESOURCE_LOCK_TIMEOUT"
	ErrCodeIdempotencyConflict  = "IDEMPOTENCY_CONFLICT"
	ErrCodeStorageError         = "STORAGE_ERROR"
	ErrCodeValidationError      = "VALIDATION_ERROR"
	ErrCodeInstanceNotFound     = "INSTANCE_NOT_FOUND"
	ErrCodeInvalidStatusChange  = "INVALID_STATUS_CHANGE"
	ErrCodeAuthoritativeUnknown = "AUTHORITATIVE_OUTCOME_UNKNOWN"
)

// SagaError is the structured error carried through saga execution,
// persistence, and results. It wraps an optional cause and carries
// diagnostic details an operator needs for manual reconciliation.
type SagaError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Type      ErrorType      `json:"type"`
	Retryable bool           `json:"retryable"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

// NewSagaError creates a new SagaError with the specified parameters.
func NewSagaError(code, message string, errorType ErrorType, retryable bool) *SagaError {
	return &SagaError{
		Code:      code,
		Message:   message,
		Type:      errorType,
		Retryable: retryable,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error into a SagaError.
func WrapError(err error, code, message string, errorType ErrorType, retryable bool) *SagaError {
	if err == nil {
		return nil
	}
	sagaErr := NewSagaError(code, message, errorType, retryable)
	sagaErr.Cause = err
	return sagaErr
}

// Error implements the error interface for SagaError.
func (e *SagaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, enabling errors.Is / errors.As.
func (e *SagaError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the SagaError.
func (e *SagaError) WithDetail(key string, value any) *SagaError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Common error constructors

// NewStepExecutionError reports that a step's execute function failed.
// Recoverable by compensation, or accepted as non-fatal for Derived steps.
func NewStepExecutionError(stepName string, err error) *SagaError {
	return WrapError(err, ErrCodeStepExecutionFailed,
		fmt.Sprintf("step %q execution failed", stepName),
		ErrorTypeExecution, true).
		WithDetail("step_name", stepName)
}

// NewCompensationFailureError reports that a compensate call itself failed
// after its bounded inline retries. The instance is parked in
// FAILED_UNRECOVERABLE and requires recovery or operator intervention.
// execErr is the step failure that triggered compensation; compErr is the
// compensation failure.
func NewCompensationFailureError(stepName string, execErr, compErr error) *SagaError {
	e := WrapError(compErr, ErrCodeCompensationFailed,
		fmt.Sprintf("compensation for step %q failed", stepName),
		ErrorTypeCompensation, false).
		WithDetail("step_name", stepName)
	if execErr != nil {
		e = e.WithDetail("original_error", execErr.Error())
	}
	return e
}

// NewResourceLockTimeoutError reports that the resource lock could not be
// acquired within budget. No steps were attempted; the whole saga is safe
// to retry later.
func NewResourceLockTimeoutError(resourceID string, wait time.Duration) *SagaError {
	return NewSagaError(ErrCodeResourceLockTimeout,
		fmt.Sprintf("could not acquire lock on resource %q within %v", resourceID, wait),
		ErrorTypeLock, true).
		WithDetail("resource_id", resourceID).
		WithDetail("wait", wait.String())
}

// NewIdempotencyConflictError reports an attempt to record two different
// outcomes under one correlation key. Always a bug, never expected in
// normal operation.
func NewIdempotencyConflictError(correlationKey string) *SagaError {
	return NewSagaError(ErrCodeIdempotencyConflict,
		fmt.Sprintf("idempotency record for key %q already exists", correlationKey),
		ErrorTypeConflict, false).
		WithDetail("correlation_key", correlationKey)
}

// NewStorageError creates an error for state-store operation failures.
func NewStorageError(operation string, err error) *SagaError {
	return WrapError(err, ErrCodeStorageError,
		fmt.Sprintf("storage operation %q failed", operation),
		ErrorTypeStorage, true).
		WithDetail("operation", operation)
}

// NewValidationError creates an error for validation failures.
func NewValidationError(message string) *SagaError {
	return NewSagaError(ErrCodeValidationError, message, ErrorTypeValidation, false)
}

// hasCode reports whether err is a SagaError with the given code.
func hasCode(err error, code string) bool {
	var sagaErr *SagaError
	if errors.As(err, &sagaErr) {
		return sagaErr.Code == code
	}
	return false
}

// IsStepExecutionFailed checks if an error is a step execution failure.
func IsStepExecutionFailed(err error) bool {
	return hasCode(err, ErrCodeStepExecutionFailed)
}

// IsCompensationFailure checks if an error is a compensation failure.
func IsCompensationFailure(err error) bool {
	return hasCode(err, ErrCodeCompensationFailed)
}

// IsResourceLockTimeout checks if an error is a lock acquisition timeout.
func IsResourceLockTimeout(err error) bool {
	return hasCode(err, ErrCodeResourceLockTimeout)
}

// IsIdempotencyConflict checks if an error is an idempotency conflict.
func IsIdempotencyConflict(err error) bool {
	return hasCode(err, ErrCodeIdempotencyConflict)
}
