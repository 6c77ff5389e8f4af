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

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/civicledger/sagaflow/pkg/saga"
	"github.com/civicledger/sagaflow/pkg/saga/state"
)

// Compensate undoes the instance's executed acid steps in strict
// reverse execution order. Records that already carry a CompensatedAt
// timestamp are skipped, so a resumed compensation picks up exactly
// where the crashed one stopped. Each compensate call gets the bounded
// retry budget from the execution policy; when a step's budget runs
// out, compensation stops and the failure surfaces for operator or
// recovery attention.
//
// The work runs detached from the caller's cancellation: once
// compensation has started it completes or fails on its own terms.
func (e *Executor) Compensate(ctx context.Context, def *saga.Definition, inst *state.Instance, sagaCtx *saga.Context) ([]string, *saga.SagaError) {
	ctx = context.WithoutCancel(ctx)
	logger := e.logger.With(
		zap.String("saga", def.Name()),
		zap.String("instance_id", inst.ID),
	)

	var execCause error
	if inst.FailureCause != "" {
		execCause = errors.New(inst.FailureCause)
	}

	var compensated []string
	for i := len(inst.StepRecords) - 1; i >= 0; i-- {
		rec := &inst.StepRecords[i]
		if rec.CompensatedAt != nil || !rec.Category.Compensatable() {
			continue
		}
		// In-flight records, left behind by a crash, are compensated
		// as well: compensate is contractually safe on partial
		// effects. A step that returned a failure cleaned up after
		// itself and is skipped.
		if !rec.Succeeded() && !rec.InFlight() {
			continue
		}
		step, err := def.StepByName(rec.Name)
		if err != nil {
			return compensated, saga.NewCompensationFailureError(rec.Name, execCause, err)
		}
		if !step.HasCompensation() {
			continue
		}

		var output any
		if len(rec.Result) > 0 {
			if err := json.Unmarshal(rec.Result, &output); err != nil {
				logger.Warn("stored step result did not parse, compensating without it",
					zap.String("step", rec.Name), zap.Error(err))
				output = nil
			}
		}

		if compErr := e.compensateStep(ctx, step, sagaCtx, output, logger); compErr != nil {
			e.metrics.CompensationAttempted(def.Name(), rec.Name, false)
			return compensated, saga.NewCompensationFailureError(rec.Name, execCause, compErr)
		}

		now := time.Now()
		rec.CompensatedAt = &now
		inst.UpdatedAt = now
		if err := e.store.Save(ctx, inst); err != nil {
			return compensated, saga.NewCompensationFailureError(rec.Name, execCause, err)
		}
		compensated = append(compensated, rec.Name)
		e.metrics.CompensationAttempted(def.Name(), rec.Name, true)
		e.events.StepAttempted(saga.StepEvent{
			SagaName: def.Name(),
			StepName: rec.Name,
			Category: rec.Category,
			Outcome:  saga.OutcomeCompensated,
		})
		logger.Info("step compensated", zap.String("step", rec.Name))
	}
	return compensated, nil
}

// compensateStep runs one compensate call under the policy's bounded
// retry budget.
func (e *Executor) compensateStep(ctx context.Context, step saga.Step, sagaCtx *saga.Context, output any, logger *zap.Logger) error {
	retry := e.policy.CompensationRetry
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if delay := retry.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		timeout := step.Timeout()
		if timeout <= 0 {
			timeout = e.policy.StepTimeout
		}
		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		lastErr = step.Compensate(attemptCtx, sagaCtx, output)
		if cancel != nil {
			cancel()
		}
		if lastErr == nil {
			return nil
		}
		logger.Warn("compensate attempt failed",
			zap.String("step", step.Name()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", retry.MaxAttempts),
			zap.Error(lastErr))
	}
	return lastErr
}
