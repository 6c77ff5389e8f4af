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

// Package recovery resolves saga instances stranded by a crash.
//
// The service scans non-terminal instances and decides per instance
// whether the authoritative effect already landed. A commit whose
// acknowledgement was lost must never be compensated and never re-run
// blindly, so when the crash happened mid-authoritative-step the
// service probes the authoritative collaborator before touching
// anything. Confirmed commits complete the instance; unconfirmed ones
// resume compensation exactly where it stopped.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/civicledger/sagaflow/pkg/saga"
	"github.com/civicledger/sagaflow/pkg/saga/executor"
	"github.com/civicledger/sagaflow/pkg/saga/idempotency"
	"github.com/civicledger/sagaflow/pkg/saga/lock"
	"github.com/civicledger/sagaflow/pkg/saga/state"
)

// Config wires the recovery service.
type Config struct {
	// Store holds the instances to scan. Required.
	Store state.Store
	// Locks is the lease manager whose stale leases get reclaimed.
	// Required.
	Locks lock.Manager
	// Executor performs resumed compensation. Required.
	Executor *executor.Executor
	// Idempotency records recovered terminal outcomes. Required.
	Idempotency idempotency.Registry
	// Probe answers whether an authoritative commit landed. Required.
	Probe saga.AuthoritativeLog
	// Definitions maps definition names to their definitions, so
	// stranded instances can be matched back to runnable steps.
	// Required.
	Definitions map[string]*saga.Definition
	// Sink receives follow-ups queued for instances recovered as
	// completed. Defaults to a sink that drops them.
	Sink saga.DerivedSink
	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// CheckInterval is the period of the background scan loop.
	// Defaults to 30s.
	CheckInterval time.Duration
	// MaxConcurrent bounds instances recovered in parallel per scan.
	// Defaults to 4.
	MaxConcurrent int
	// StaleAfter is how long an instance must sit unmodified before it
	// is considered dead rather than slow. Instances younger than this
	// are skipped to avoid stealing work from a live executor.
	// Defaults to 60s.
	StaleAfter time.Duration
	// LeaseTTL is the lease duration the service takes while it works
	// on an instance. Defaults to 30s.
	LeaseTTL time.Duration
}

// Validate checks that the required collaborators are present.
func (c *Config) Validate() error {
	if c.Store == nil {
		return saga.NewValidationError("recovery config: Store is required")
	}
	if c.Locks == nil {
		return saga.NewValidationError("recovery config: Locks is required")
	}
	if c.Executor == nil {
		return saga.NewValidationError("recovery config: Executor is required")
	}
	if c.Idempotency == nil {
		return saga.NewValidationError("recovery config: Idempotency is required")
	}
	if c.Probe == nil {
		return saga.NewValidationError("recovery config: Probe is required")
	}
	if len(c.Definitions) == 0 {
		return saga.NewValidationError("recovery config: Definitions is required")
	}
	return nil
}

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	if c.Sink == nil {
		c.Sink = saga.NopDerivedSink{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 60 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
}

// Report summarizes one recovery scan.
type Report struct {
	Scanned     int
	Completed   int
	Compensated int
	Failed      int
	Skipped     int
	Reclaimed   int
}

// Service scans for stranded instances and drives them to a terminal
// state.
type Service struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a recovery service from cfg.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, saga.NewValidationError("recovery config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := *cfg
	c.ApplyDefaults()
	return &Service{
		cfg:    c,
		logger: c.Logger.With(zap.String("component", "saga-recovery")),
	}, nil
}

// Start launches the background scan loop. A scan runs immediately,
// then every CheckInterval until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("recovery service already started")
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(ctx)
	return nil
}

// Stop halts the scan loop and waits for an in-flight scan to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		if report, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("recovery scan failed", zap.Error(err))
		} else if report.Scanned > 0 {
			s.logger.Info("recovery scan finished",
				zap.Int("scanned", report.Scanned),
				zap.Int("completed", report.Completed),
				zap.Int("compensated", report.Compensated),
				zap.Int("failed", report.Failed),
				zap.Int("skipped", report.Skipped),
				zap.Int("reclaimed", report.Reclaimed))
		}
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single scan over all non-terminal instances.
func (s *Service) RunOnce(ctx context.Context) (*Report, error) {
	instances, err := s.cfg.Store.ListNonTerminal(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Scanned: len(instances)}
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.cfg.MaxConcurrent)
	)
	for _, inst := range instances {
		if time.Since(inst.UpdatedAt) < s.cfg.StaleAfter {
			// Freshly updated means a live executor may still own it.
			report.Skipped++
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(inst *state.Instance) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := s.recoverInstance(ctx, inst)
			mu.Lock()
			switch outcome {
			case saga.StatusCompleted:
				report.Completed++
				report.Reclaimed++
			case saga.StatusCompensated:
				report.Compensated++
				report.Reclaimed++
			case saga.StatusFailedUnrecoverable:
				report.Failed++
				report.Reclaimed++
			default:
				report.Skipped++
			}
			mu.Unlock()
		}(inst)
	}
	wg.Wait()
	return report, nil
}

// recoverInstance drives one stranded instance to a terminal state and
// returns that state, or an invalid status when the instance was
// skipped.
func (s *Service) recoverInstance(ctx context.Context, inst *state.Instance) saga.Status {
	logger := s.logger.With(
		zap.String("instance_id", inst.ID),
		zap.String("saga", inst.DefinitionName),
		zap.String("status_before", inst.Status.String()),
	)

	def, ok := s.cfg.Definitions[inst.DefinitionName]
	if !ok {
		logger.Error("no definition registered for stranded instance")
		return saga.Status(-1)
	}

	// The original holder is presumed dead; reclaim the resource and
	// take a fresh lease so that no arriving saga can interleave.
	if err := s.cfg.Locks.ForceRelease(ctx, inst.ResourceID); err != nil {
		logger.Warn("stale lease reclaim failed", zap.Error(err))
		return saga.Status(-1)
	}
	leaseCtx, cancel := context.WithTimeout(ctx, s.cfg.LeaseTTL)
	lease, err := s.cfg.Locks.Acquire(leaseCtx, inst.ResourceID, "recovery:"+inst.ID, s.cfg.LeaseTTL)
	cancel()
	if err != nil {
		logger.Warn("could not lease reclaimed resource", zap.Error(err))
		return saga.Status(-1)
	}
	defer func() {
		if err := s.cfg.Locks.Release(context.WithoutCancel(ctx), lease); err != nil && err != lock.ErrNotHeld {
			logger.Warn("recovery lease release failed", zap.Error(err))
		}
	}()

	terminal := s.resolve(ctx, def, inst, logger)
	if terminal.IsTerminal() {
		logger.Info("instance recovered",
			zap.String("status_after", terminal.String()))
	}
	return terminal
}

// resolve decides the terminal state for one stranded instance.
func (s *Service) resolve(ctx context.Context, def *saga.Definition, inst *state.Instance, logger *zap.Logger) saga.Status {
	switch inst.Status {
	case saga.StatusPending:
		// Crashed before any step started. Walk the instance through
		// the status machine to a clean rollback of nothing.
		if err := inst.Transition(saga.StatusRunning); err != nil {
			logger.Error("recovery transition failed", zap.Error(err))
			return saga.Status(-1)
		}
		return s.compensateAndFinish(ctx, def, inst, logger)

	case saga.StatusRunning:
		last := lastRecord(inst)
		if last != nil && last.Category == saga.CategoryAuthoritative && last.InFlight() {
			return s.resolveAuthoritative(ctx, def, inst, logger)
		}
		if authoritativeCommitted(inst) {
			// The authoritative effect stands; crash happened in the
			// derived tail. Complete and queue the unfinished derived
			// work.
			return s.completeWithDerivedFollowUps(ctx, def, inst, logger)
		}
		return s.compensateAndFinish(ctx, def, inst, logger)

	case saga.StatusCompensating:
		return s.compensateAndFinish(ctx, def, inst, logger)
	}
	return saga.Status(-1)
}

// resolveAuthoritative handles the one genuinely ambiguous crash: the
// authoritative step started and no outcome was recorded. The
// collaborator is probed before anything else happens.
func (s *Service) resolveAuthoritative(ctx context.Context, def *saga.Definition, inst *state.Instance, logger *zap.Logger) saga.Status {
	committed, err := s.cfg.Probe.HasCommitted(ctx, inst.CorrelationKey)
	if err != nil {
		// Cannot decide safely; leave the instance for the next scan.
		logger.Error("authoritative probe failed, deferring instance", zap.Error(err))
		return saga.Status(-1)
	}
	logger.Info("authoritative probe answered", zap.Bool("committed", committed))

	if committed {
		now := time.Now()
		if rec := lastRecord(inst); rec != nil {
			rec.FinishedAt = &now
		}
		return s.completeWithDerivedFollowUps(ctx, def, inst, logger)
	}
	return s.compensateAndFinish(ctx, def, inst, logger)
}

// completeWithDerivedFollowUps finishes a confirmed instance as
// COMPLETED, queueing every derived step that never got to run.
func (s *Service) completeWithDerivedFollowUps(ctx context.Context, def *saga.Definition, inst *state.Instance, logger *zap.Logger) saga.Status {
	for _, step := range def.Steps() {
		if step.Category() != saga.CategoryDerived {
			continue
		}
		if rec := inst.RecordFor(step.Name()); rec != nil && rec.Succeeded() {
			continue
		}
		fu := saga.FollowUp{
			SagaName: def.Name(),
			StepName: step.Name(),
			Category: saga.CategoryDerived,
			Cause:    "interrupted before derived state was updated",
			QueuedAt: time.Now(),
		}
		inst.FollowUps = append(inst.FollowUps, fu)
		if err := s.cfg.Sink.Enqueue(ctx, fu); err != nil {
			logger.Warn("enqueueing recovered follow-up failed",
				zap.String("step", step.Name()), zap.Error(err))
		}
	}
	return s.finish(ctx, inst, saga.StatusCompleted, nil, logger)
}

// compensateAndFinish resumes compensation and closes the instance.
func (s *Service) compensateAndFinish(ctx context.Context, def *saga.Definition, inst *state.Instance, logger *zap.Logger) saga.Status {
	if inst.Status == saga.StatusRunning {
		if err := inst.Transition(saga.StatusCompensating); err != nil {
			logger.Error("recovery transition failed", zap.Error(err))
			return saga.Status(-1)
		}
		if err := s.cfg.Store.Save(ctx, inst); err != nil {
			logger.Error("persisting compensating status failed", zap.Error(err))
			return saga.Status(-1)
		}
	}

	sagaCtx := saga.NewContextFrom(inst.ContextSnapshot)
	compensated, compErr := s.cfg.Executor.Compensate(ctx, def, inst, sagaCtx)
	if compErr != nil {
		inst.FailureCause = compErr.Error()
		return s.finish(ctx, inst, saga.StatusFailedUnrecoverable, compErr, logger)
	}
	logger.Info("compensation resumed and finished",
		zap.Strings("compensated_steps", compensated))
	return s.finish(ctx, inst, saga.StatusCompensated, nil, logger)
}

// finish persists the terminal state and records the outcome under the
// instance's correlation key.
func (s *Service) finish(ctx context.Context, inst *state.Instance, terminal saga.Status, cause *saga.SagaError, logger *zap.Logger) saga.Status {
	ctx = context.WithoutCancel(ctx)
	if err := inst.Transition(terminal); err != nil {
		logger.Error("recovery transition failed", zap.Error(err))
		return saga.Status(-1)
	}
	if err := s.cfg.Store.Save(ctx, inst); err != nil {
		logger.Error("persisting recovered status failed", zap.Error(err))
		return saga.Status(-1)
	}

	result := &saga.Result{
		InstanceID: inst.ID,
		SagaName:   inst.DefinitionName,
		Status:     terminal,
		FollowUps:  inst.FollowUps,
		Error:      cause,
	}
	snapshot, err := json.Marshal(result)
	if err != nil {
		snapshot = nil
	}
	rec := &idempotency.Record{
		CorrelationKey: inst.CorrelationKey,
		InstanceID:     inst.ID,
		SagaName:       inst.DefinitionName,
		Status:         terminal,
		ResultSnapshot: snapshot,
		RecordedAt:     time.Now(),
	}
	if err := s.cfg.Idempotency.Record(ctx, rec); err != nil && err != idempotency.ErrConflict {
		logger.Error("recording recovered outcome failed", zap.Error(err))
	}
	return terminal
}

// lastRecord returns the most recently started step record.
func lastRecord(inst *state.Instance) *state.StepRecord {
	if len(inst.StepRecords) == 0 {
		return nil
	}
	return &inst.StepRecords[len(inst.StepRecords)-1]
}

// authoritativeCommitted reports whether the instance's step trace
// shows a successfully finished authoritative step.
func authoritativeCommitted(inst *state.Instance) bool {
	for i := range inst.StepRecords {
		rec := &inst.StepRecords[i]
		if rec.Category == saga.CategoryAuthoritative && rec.Succeeded() {
			return true
		}
	}
	return false
}
