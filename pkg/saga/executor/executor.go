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

// Package executor runs saga definitions against durable state.
//
// The executor owns the full lifecycle of one saga run: idempotency
// lookup, resource lock acquisition, write-ahead persistence around
// every step, category-specific failure handling, compensation, and
// the terminal bookkeeping (persist, release lock, record outcome).
// It is safe for concurrent use from multiple goroutines; per-resource
// serialization comes from the lock manager, not from the executor.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/civicledger/sagaflow/pkg/saga"
	"github.com/civicledger/sagaflow/pkg/saga/idempotency"
	"github.com/civicledger/sagaflow/pkg/saga/lock"
	"github.com/civicledger/sagaflow/pkg/saga/state"
)

// Config wires the executor's collaborators.
type Config struct {
	// Store persists saga instances. Required.
	Store state.Store
	// Locks serializes sagas per resource. Required.
	Locks lock.Manager
	// Idempotency records terminal outcomes per correlation key.
	// Required.
	Idempotency idempotency.Registry
	// Sink receives queued follow-ups for derived repair work.
	// Defaults to a sink that drops them; follow-ups still appear on
	// the result.
	Sink saga.DerivedSink
	// Metrics collects executor metrics. Defaults to a no-op.
	Metrics MetricsCollector
	// Events receives step and instance events. Defaults to a no-op.
	Events saga.EventSink
	// Logger is the executor's logger. Defaults to a no-op logger.
	Logger *zap.Logger
	// Policy holds timeouts and compensation retry settings. Zero
	// fields take defaults.
	Policy saga.ExecutionPolicy
}

// Validate checks that the required collaborators are present.
func (c *Config) Validate() error {
	if c.Store == nil {
		return saga.NewValidationError("executor config: Store is required")
	}
	if c.Locks == nil {
		return saga.NewValidationError("executor config: Locks is required")
	}
	if c.Idempotency == nil {
		return saga.NewValidationError("executor config: Idempotency is required")
	}
	return nil
}

// Executor runs sagas. Create one with New and share it freely.
type Executor struct {
	store       state.Store
	locks       lock.Manager
	idempotency idempotency.Registry
	sink        saga.DerivedSink
	metrics     MetricsCollector
	events      saga.EventSink
	logger      *zap.Logger
	policy      saga.ExecutionPolicy
}

// New creates an executor from cfg.
func New(cfg *Config) (*Executor, error) {
	if cfg == nil {
		return nil, saga.NewValidationError("executor config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		store:       cfg.Store,
		locks:       cfg.Locks,
		idempotency: cfg.Idempotency,
		sink:        cfg.Sink,
		metrics:     cfg.Metrics,
		events:      cfg.Events,
		logger:      cfg.Logger,
		policy:      cfg.Policy,
	}
	if e.sink == nil {
		e.sink = saga.NopDerivedSink{}
	}
	if e.metrics == nil {
		e.metrics = NoopMetricsCollector{}
	}
	if e.events == nil {
		e.events = saga.NopEventSink{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.With(zap.String("component", "saga-executor"))
	e.policy.ApplyDefaults()
	if err := e.policy.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Run executes def once under correlationKey, serialized on resourceID.
//
// A correlation key that already has a recorded outcome short-circuits:
// the stored result comes back and no step runs. Otherwise Run acquires
// the resource lease, persists every transition before the next
// externally visible effect, and finishes in exactly one terminal
// state. The returned error is non-nil only when the run did not end in
// a clean COMPLETED or COMPENSATED outcome, or could not start at all.
func (e *Executor) Run(ctx context.Context, def *saga.Definition, sagaCtx *saga.Context, correlationKey, resourceID string) (*saga.Result, error) {
	if def == nil {
		return nil, saga.NewValidationError("executor: definition is required")
	}
	if correlationKey == "" {
		return nil, saga.NewValidationError("executor: correlation key is required")
	}
	if resourceID == "" {
		return nil, saga.NewValidationError("executor: resource ID is required")
	}
	if sagaCtx == nil {
		sagaCtx = saga.NewContext()
	}

	logger := e.logger.With(
		zap.String("saga", def.Name()),
		zap.String("correlation_key", correlationKey),
		zap.String("resource_id", resourceID),
	)

	// Idempotence: a key that already finished returns its recorded
	// outcome without running anything.
	if result, err := e.lookupRecorded(ctx, correlationKey, logger); result != nil || err != nil {
		return result, err
	}

	started := time.Now()
	lease, err := e.acquireLease(ctx, def.Name(), correlationKey, resourceID)
	if err != nil {
		return nil, err
	}
	e.metrics.LockWait(def.Name(), time.Since(started))

	// Re-check under the lease: a concurrent run with the same key may
	// have finished while this call waited for the resource. Outcomes
	// are recorded before the lease is released, so a hit here is
	// authoritative.
	if result, err := e.lookupRecorded(ctx, correlationKey, logger); result != nil || err != nil {
		e.releaseLease(ctx, lease, logger)
		return result, err
	}
	e.metrics.SagaStarted(def.Name())

	inst := state.NewInstance(def.Name(), correlationKey, resourceID)
	logger = logger.With(zap.String("instance_id", inst.ID))
	if err := e.store.Save(ctx, inst); err != nil {
		e.releaseLease(ctx, lease, logger)
		return nil, err
	}
	if err := e.transitionAndSave(ctx, inst, saga.StatusRunning); err != nil {
		e.releaseLease(ctx, lease, logger)
		return nil, err
	}
	logger.Info("saga started", zap.Int("steps", def.Len()))

	runCtx := ctx
	var cancel context.CancelFunc
	if e.policy.SagaTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.policy.SagaTimeout)
		defer cancel()
	}

	run := &sagaRun{
		executor: e,
		def:      def,
		inst:     inst,
		sagaCtx:  sagaCtx,
		lease:    lease,
		logger:   logger,
		started:  started,
	}
	return run.execute(runCtx)
}

// lookupRecorded returns the recorded outcome for correlationKey, or
// (nil, nil) when the key has none yet.
func (e *Executor) lookupRecorded(ctx context.Context, correlationKey string, logger *zap.Logger) (*saga.Result, error) {
	rec, err := e.idempotency.Lookup(ctx, correlationKey)
	if err == idempotency.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, saga.NewStorageError("idempotency lookup", err)
	}
	logger.Info("returning recorded outcome for duplicate correlation key",
		zap.String("instance_id", rec.InstanceID),
		zap.String("status", rec.Status.String()))
	return resultFromRecord(rec), nil
}

// acquireLease waits for the resource lease up to the policy's lock
// wait budget.
func (e *Executor) acquireLease(ctx context.Context, sagaName, holderID, resourceID string) (*lock.Lease, error) {
	waitCtx := ctx
	var cancel context.CancelFunc
	if e.policy.LockWait > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, e.policy.LockWait)
		defer cancel()
	}
	lease, err := e.locks.Acquire(waitCtx, resourceID, holderID, e.policy.LockTTL)
	if err == lock.ErrAcquireTimeout {
		return nil, saga.NewResourceLockTimeoutError(resourceID, e.policy.LockWait)
	}
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (e *Executor) releaseLease(ctx context.Context, lease *lock.Lease, logger *zap.Logger) {
	// Release after the instance is already terminal; failure here
	// only delays the next saga until the lease expires.
	if err := e.locks.Release(context.WithoutCancel(ctx), lease); err != nil {
		logger.Warn("lease release failed, lease will expire on its own",
			zap.String("resource_id", lease.ResourceID), zap.Error(err))
	}
}

func (e *Executor) transitionAndSave(ctx context.Context, inst *state.Instance, next saga.Status) error {
	if err := inst.Transition(next); err != nil {
		return err
	}
	return e.store.Save(ctx, inst)
}

// sagaRun carries the state of one in-flight run.
type sagaRun struct {
	executor *Executor
	def      *saga.Definition
	inst     *state.Instance
	sagaCtx  *saga.Context
	lease    *lock.Lease
	logger   *zap.Logger
	started  time.Time
}

// execute drives the forward pass and dispatches failure handling.
func (r *sagaRun) execute(ctx context.Context) (*saga.Result, error) {
	e := r.executor
	steps := r.def.Steps()
	for i, step := range steps {
		rec, err := r.beginStep(ctx, i, step)
		if err != nil {
			// The write-ahead save failed, so nothing externally
			// visible happened for this step. Unwind what did run.
			return r.failForward(ctx, step, saga.NewStorageError("step write-ahead", err))
		}

		if err := e.locks.Renew(ctx, r.lease, e.policy.LockTTL); err != nil {
			r.logger.Warn("lease renew failed", zap.Error(err))
		}

		output, execErr := r.runStep(ctx, step)
		finished := time.Now()
		rec.FinishedAt = &finished
		duration := finished.Sub(rec.StartedAt)

		if execErr == nil {
			if data, merr := json.Marshal(output); merr == nil {
				rec.Result = data
			}
			r.inst.ContextSnapshot = r.sagaCtx.Snapshot()
			r.inst.UpdatedAt = time.Now()
			if err := e.store.Save(ctx, r.inst); err != nil {
				return r.failForward(ctx, step, saga.NewStorageError("step outcome", err))
			}
			r.observeStep(step, saga.OutcomeSucceeded, duration)
			continue
		}

		rec.Err = execErr.Error()
		r.inst.UpdatedAt = time.Now()
		if err := e.store.Save(ctx, r.inst); err != nil {
			r.logger.Error("persisting step failure failed", zap.Error(err))
		}
		r.observeStep(step, saga.OutcomeFailed, duration)

		if step.Category() == saga.CategoryDerived {
			return r.completeWithFollowUps(ctx, i, step, execErr)
		}
		return r.failForward(ctx, step, saga.NewStepExecutionError(step.Name(), execErr))
	}
	return r.finishCompleted(ctx, nil)
}

// beginStep persists the write-ahead record before the step's effects
// can become externally visible.
func (r *sagaRun) beginStep(ctx context.Context, index int, step saga.Step) (*state.StepRecord, error) {
	r.inst.CurrentStep = index
	r.inst.ContextSnapshot = r.sagaCtx.Snapshot()
	r.inst.StepRecords = append(r.inst.StepRecords, state.StepRecord{
		Name:      step.Name(),
		Category:  step.Category(),
		Attempts:  1,
		StartedAt: time.Now(),
	})
	r.inst.UpdatedAt = time.Now()
	if err := r.executor.store.Save(ctx, r.inst); err != nil {
		// Drop the unpersisted record so the in-memory trace matches
		// what the store holds.
		r.inst.StepRecords = r.inst.StepRecords[:len(r.inst.StepRecords)-1]
		return nil, err
	}
	return &r.inst.StepRecords[len(r.inst.StepRecords)-1], nil
}

// runStep executes one step under its timeout.
func (r *sagaRun) runStep(ctx context.Context, step saga.Step) (any, error) {
	timeout := step.Timeout()
	if timeout <= 0 {
		timeout = r.executor.policy.StepTimeout
	}
	stepCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return step.Execute(stepCtx, r.sagaCtx)
}

// failForward handles an Acid or Authoritative step failure: the
// authoritative effect never happened, so prior Acid work is undone.
func (r *sagaRun) failForward(ctx context.Context, failed saga.Step, cause *saga.SagaError) (*saga.Result, error) {
	r.inst.FailedStep = failed.Name()
	r.inst.FailureCause = cause.Error()
	r.logger.Warn("step failed, compensating prior acid steps",
		zap.String("step", failed.Name()),
		zap.String("category", failed.Category().String()),
		zap.Error(cause))

	if err := r.executor.transitionAndSave(ctx, r.inst, saga.StatusCompensating); err != nil {
		return r.finishUnrecoverable(ctx, cause)
	}

	compensated, compErr := r.executor.Compensate(ctx, r.def, r.inst, r.sagaCtx)
	if compErr != nil {
		return r.finishUnrecoverable(ctx, compErr)
	}
	return r.finishCompensated(ctx, compensated, cause)
}

// completeWithFollowUps handles a Derived step failure: the
// authoritative effect already stands, so the saga completes and the
// unfinished derived work is queued for external repair.
func (r *sagaRun) completeWithFollowUps(ctx context.Context, failedIndex int, failed saga.Step, cause error) (*saga.Result, error) {
	r.logger.Info("derived step failed, completing with follow-ups",
		zap.String("step", failed.Name()),
		zap.Error(cause))

	followUps := []saga.FollowUp{{
		SagaName: r.def.Name(),
		StepName: failed.Name(),
		Category: saga.CategoryDerived,
		Cause:    cause.Error(),
		QueuedAt: time.Now(),
	}}
	// Forward progress stops here, so derived steps that never ran are
	// queued as well. They would only have refreshed derived state.
	steps := r.def.Steps()
	for _, later := range steps[failedIndex+1:] {
		followUps = append(followUps, saga.FollowUp{
			SagaName: r.def.Name(),
			StepName: later.Name(),
			Category: later.Category(),
			Cause:    "not attempted: earlier derived step " + failed.Name() + " failed",
			QueuedAt: time.Now(),
		})
	}
	for _, fu := range followUps {
		if err := r.executor.sink.Enqueue(ctx, fu); err != nil {
			r.logger.Warn("enqueueing follow-up failed",
				zap.String("step", fu.StepName), zap.Error(err))
		}
		r.executor.metrics.FollowUpQueued(r.def.Name(), fu.StepName)
	}
	r.inst.FollowUps = followUps
	return r.finishCompleted(ctx, followUps)
}

// finishCompleted closes the run as COMPLETED.
func (r *sagaRun) finishCompleted(ctx context.Context, followUps []saga.FollowUp) (*saga.Result, error) {
	result := r.buildResult(saga.StatusCompleted, followUps, nil, nil)
	if err := r.finalize(ctx, saga.StatusCompleted, result); err != nil {
		return nil, err
	}
	r.logger.Info("saga completed",
		zap.Int("follow_ups", len(followUps)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// finishCompensated closes the run as COMPENSATED after a clean
// rollback. The original step failure still comes back as the error.
func (r *sagaRun) finishCompensated(ctx context.Context, compensated []string, cause *saga.SagaError) (*saga.Result, error) {
	result := r.buildResult(saga.StatusCompensated, nil, compensated, cause)
	if err := r.finalize(ctx, saga.StatusCompensated, result); err != nil {
		return nil, err
	}
	r.logger.Info("saga compensated",
		zap.Strings("compensated_steps", compensated),
		zap.Duration("duration", result.Duration))
	return result, cause
}

// finishUnrecoverable parks the instance for operator attention. The
// outcome is still recorded under the correlation key so duplicate
// submissions surface the parked state instead of re-running.
func (r *sagaRun) finishUnrecoverable(ctx context.Context, cause *saga.SagaError) (*saga.Result, error) {
	r.inst.FailureCause = cause.Error()
	result := r.buildResult(saga.StatusFailedUnrecoverable, nil, nil, cause)
	if err := r.finalize(ctx, saga.StatusFailedUnrecoverable, result); err != nil {
		return nil, err
	}
	r.logger.Error("saga parked as unrecoverable",
		zap.String("failed_step", r.inst.FailedStep),
		zap.Error(cause))
	return result, cause
}

// finalize runs the terminal sequence: persist the terminal state,
// record the outcome under the correlation key, release the lease. The
// record must land before the lease frees the next waiter, so that a
// duplicate-key run blocked on the lease finds it on its re-check.
func (r *sagaRun) finalize(ctx context.Context, terminal saga.Status, result *saga.Result) error {
	e := r.executor
	ctx = context.WithoutCancel(ctx)
	defer e.releaseLease(ctx, r.lease, r.logger)
	if err := e.transitionAndSave(ctx, r.inst, terminal); err != nil {
		return err
	}

	snapshot, err := json.Marshal(result)
	if err != nil {
		snapshot = nil
	}
	rec := &idempotency.Record{
		CorrelationKey: r.inst.CorrelationKey,
		InstanceID:     r.inst.ID,
		SagaName:       r.def.Name(),
		Status:         terminal,
		ResultSnapshot: snapshot,
		RecordedAt:     time.Now(),
	}
	if err := e.idempotency.Record(ctx, rec); err != nil {
		if err == idempotency.ErrConflict {
			return saga.NewIdempotencyConflictError(r.inst.CorrelationKey)
		}
		return saga.NewStorageError("idempotency record", err)
	}

	e.metrics.SagaFinished(r.def.Name(), terminal, result.Duration)
	e.events.InstanceFinished(saga.InstanceEvent{
		SagaName:    r.def.Name(),
		InstanceID:  r.inst.ID,
		FinalStatus: terminal,
		Duration:    result.Duration,
	})
	return nil
}

func (r *sagaRun) buildResult(status saga.Status, followUps []saga.FollowUp, compensated []string, cause *saga.SagaError) *saga.Result {
	return &saga.Result{
		InstanceID:       r.inst.ID,
		SagaName:         r.def.Name(),
		Status:           status,
		FollowUps:        followUps,
		CompensatedSteps: compensated,
		Error:            cause,
		Duration:         time.Since(r.started),
	}
}

func (r *sagaRun) observeStep(step saga.Step, outcome saga.StepOutcomeKind, duration time.Duration) {
	e := r.executor
	e.metrics.StepAttempted(r.def.Name(), step.Name(), step.Category(), outcome, duration)
	e.events.StepAttempted(saga.StepEvent{
		SagaName: r.def.Name(),
		StepName: step.Name(),
		Category: step.Category(),
		Outcome:  outcome,
		Duration: duration,
	})
}

// resultFromRecord rebuilds a Result from a recorded outcome. If the
// snapshot does not parse, the record's scalar fields still identify
// the original run.
func resultFromRecord(rec *idempotency.Record) *saga.Result {
	if len(rec.ResultSnapshot) > 0 {
		var result saga.Result
		if err := json.Unmarshal(rec.ResultSnapshot, &result); err == nil {
			return &result
		}
	}
	return &saga.Result{
		InstanceID: rec.InstanceID,
		SagaName:   rec.SagaName,
		Status:     rec.Status,
	}
}
