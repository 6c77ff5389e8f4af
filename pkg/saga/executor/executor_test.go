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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicledger/sagaflow/pkg/saga"
	"github.com/civicledger/sagaflow/pkg/saga/idempotency"
	"github.com/civicledger/sagaflow/pkg/saga/lock"
	"github.com/civicledger/sagaflow/pkg/saga/state"
)

// harness bundles an executor with its in-memory collaborators and a
// trace of everything the steps did.
type harness struct {
	executor *Executor
	store    *state.MemoryStore
	locks    *lock.MemoryManager
	registry *idempotency.MemoryRegistry
	sink     *captureSink

	mu    sync.Mutex
	trace []string
}

type captureSink struct {
	mu    sync.Mutex
	tasks []saga.FollowUp
}

func (s *captureSink) Enqueue(ctx context.Context, task saga.FollowUp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *captureSink) queued() []saga.FollowUp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]saga.FollowUp(nil), s.tasks...)
}

func newHarness(t *testing.T, policy saga.ExecutionPolicy) *harness {
	t.Helper()
	h := &harness{
		store:    state.NewMemoryStore(),
		locks:    lock.NewMemoryManager(),
		registry: idempotency.NewMemoryRegistry(),
		sink:     &captureSink{},
	}
	exec, err := New(&Config{
		Store:       h.store,
		Locks:       h.locks,
		Idempotency: h.registry,
		Sink:        h.sink,
		Policy:      policy,
	})
	require.NoError(t, err)
	h.executor = exec
	return h
}

func (h *harness) record(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trace = append(h.trace, event)
}

func (h *harness) events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.trace...)
}

// tracingAcid returns an acid step whose execute and compensate record
// their invocations. A non-nil execErr makes execute fail.
func (h *harness) tracingAcid(name string, execErr error) saga.Step {
	return saga.NewAcidStep(name,
		func(ctx context.Context, sc *saga.Context) (any, error) {
			if execErr != nil {
				h.record(name + ".execute.fail")
				return nil, execErr
			}
			h.record(name + ".execute")
			return name + "-result", nil
		},
		func(ctx context.Context, sc *saga.Context, result any) error {
			h.record(name + ".compensate")
			return nil
		})
}

func (h *harness) tracingAuthoritative(name string, execErr error) saga.Step {
	return saga.NewAuthoritativeStep(name,
		func(ctx context.Context, sc *saga.Context) (any, error) {
			if execErr != nil {
				h.record(name + ".execute.fail")
				return nil, execErr
			}
			h.record(name + ".execute")
			return "commit-id-1", nil
		})
}

func (h *harness) tracingDerived(name string, execErr error) saga.Step {
	return saga.NewDerivedStep(name,
		func(ctx context.Context, sc *saga.Context) (any, error) {
			if execErr != nil {
				h.record(name + ".execute.fail")
				return nil, execErr
			}
			h.record(name + ".execute")
			return nil, nil
		})
}

func quickPolicy() saga.ExecutionPolicy {
	return saga.ExecutionPolicy{
		StepTimeout: 2 * time.Second,
		LockTTL:     2 * time.Second,
		LockWait:    time.Second,
		CompensationRetry: saga.CompensationRetry{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		},
	}
}

func recordUpdateDefinition(t *testing.T, h *harness) *saga.Definition {
	t.Helper()
	def, err := saga.NewBuilder("record-update").
		AddStep(h.tracingAcid("create-row", nil)).
		AddStep(h.tracingAcid("write-file", nil)).
		AddStep(h.tracingAuthoritative("commit", nil)).
		AddStep(h.tracingDerived("update-index", nil)).
		Build()
	require.NoError(t, err)
	return def
}

func TestRun_CompletesCleanly(t *testing.T) {
	h := newHarness(t, quickPolicy())
	def := recordUpdateDefinition(t, h)

	result, err := h.executor.Run(context.Background(), def, saga.NewContext(), "corr-1", "record-9")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, saga.StatusCompleted, result.Status)
	assert.Empty(t, result.FollowUps)
	assert.Empty(t, result.CompensatedSteps)
	assert.Nil(t, result.Error)
	assert.Equal(t, []string{
		"create-row.execute",
		"write-file.execute",
		"commit.execute",
		"update-index.execute",
	}, h.events())

	inst, err := h.store.Load(context.Background(), result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.Len(t, inst.StepRecords, 4)
	for _, rec := range inst.StepRecords {
		assert.True(t, rec.Succeeded(), "step %s should be recorded as succeeded", rec.Name)
	}

	rec, err := h.registry.Lookup(context.Background(), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, rec.Status)
	assert.Equal(t, result.InstanceID, rec.InstanceID)

	// The lease must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	lease, err := h.locks.Acquire(ctx, "record-9", "probe", time.Second)
	require.NoError(t, err)
	h.locks.Release(context.Background(), lease)
}

func TestRun_SecondCallWithSameKeyDoesNotReExecute(t *testing.T) {
	h := newHarness(t, quickPolicy())
	def := recordUpdateDefinition(t, h)

	first, err := h.executor.Run(context.Background(), def, saga.NewContext(), "corr-1", "record-9")
	require.NoError(t, err)
	executed := len(h.events())

	second, err := h.executor.Run(context.Background(), def, saga.NewContext(), "corr-1", "record-9")
	require.NoError(t, err)

	assert.Equal(t, first.InstanceID, second.InstanceID)
	assert.Equal(t, first.Status, second.Status)
	assert.Len(t, h.events(), executed, "steps must not run again for a recorded key")
}

func TestRun_ConcurrentCallsWithSameKeyExecuteOnce(t *testing.T) {
	h := newHarness(t, quickPolicy())

	var executions atomic.Int32
	def, err := saga.NewBuilder("record-update").
		AddStep(saga.NewAcidStep("create-row",
			func(ctx context.Context, sc *saga.Context) (any, error) {
				executions.Add(1)
				time.Sleep(20 * time.Millisecond)
				return "row-1", nil
			},
			func(ctx context.Context, sc *saga.Context, result any) error {
				return nil
			})).
		Build()
	require.NoError(t, err)

	// Both callers miss the first idempotency lookup; the loser of the
	// lease race must pick up the winner's recorded outcome instead of
	// re-running the steps.
	results := make([]*saga.Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.executor.Run(context.Background(), def, saga.NewContext(), "same-key", "record-9")
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NotNil(t, results[0])
	require.NotNil(t, results[1])

	assert.Equal(t, int32(1), executions.Load(), "steps must run at most once per correlation key")
	assert.Equal(t, saga.StatusCompleted, results[0].Status)
	assert.Equal(t, saga.StatusCompleted, results[1].Status)
	assert.Equal(t, results[0].InstanceID, results[1].InstanceID,
		"both callers must see the same instance's outcome")
}

func TestRun_AuthoritativeFailureCompensatesInReverseOrder(t *testing.T) {
	h := newHarness(t, quickPolicy())
	def, err := saga.NewBuilder("record-update").
		AddStep(h.tracingAcid("create-row", nil)).
		AddStep(h.tracingAcid("write-file", nil)).
		AddStep(h.tracingAuthoritative("commit", errors.New("remote refused"))).
		Build()
	require.NoError(t, err)

	result, err := h.executor.Run(context.Background(), def, saga.NewContext(), "corr-2", "record-9")
	require.Error(t, err)
	require.NotNil(t, result)

	assert.True(t, saga.IsStepExecutionFailed(err))
	assert.Equal(t, saga.StatusCompensated, result.Status)
	assert.Equal(t, []string{"write-file", "create-row"}, result.CompensatedSteps)
	assert.Equal(t, []string{
		"create-row.execute",
		"write-file.execute",
		"commit.execute.fail",
		"write-file.compensate",
		"create-row.compensate",
	}, h.events())

	inst, err := h.store.Load(context.Background(), result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, inst.Status)
	assert.Equal(t, "commit", inst.FailedStep)
}

func TestRun_MiddleAcidFailureCompensatesOnlyPriorSteps(t *testing.T) {
	h := newHarness(t, quickPolicy())
	def, err := saga.NewBuilder("record-update").
		AddStep(h.tracingAcid("create-row", nil)).
		AddStep(h.tracingAcid("write-file", errors.New("disk full"))).
		AddStep(h.tracingAuthoritative("commit", nil)).
		Build()
	require.NoError(t, err)

	result, err := h.executor.Run(context.Background(), def, saga.NewContext(), "corr-3", "record-9")
	require.Error(t, err)
	require.NotNil(t, result)

	assert.Equal(t, saga.StatusCompensated, result.Status)
	assert.Equal(t, []string{"create-row"}, result.CompensatedSteps,
		"the failed step itself must not be compensated")
	assert.Equal(t, []string{
		"create-row.execute",
		"write-file.execute.fail",
		"create-row.compensate",
	}, h.events())
}

func TestRun_DerivedFailureCompletesWithFollowUps(t *testing.T) {
	h := newHarness(t, quickPolicy())
	def, err := saga.NewBuilder("record-update").
		AddStep(h.tracingAcid("create-row", nil)).
		AddStep(h.tracingAuthoritative("commit", nil)).
		AddStep(h.tracingDerived("update-index", errors.New("index down"))).
		AddStep(h.tracingDerived("notify-hooks", nil)).
		Build()
	require.NoError(t, err)

	result, err := h.executor.Run(context.Background(), def, saga.NewContext(), "corr-4", "record-9")
	require.NoError(t, err, "a derived failure must not fail the saga")
	require.NotNil(t, result)

	assert.Equal(t, saga.StatusCompleted, result.Status)
	assert.Empty(t, result.CompensatedSteps)
	require.Len(t, result.FollowUps, 2)
	assert.Equal(t, "update-index", result.FollowUps[0].StepName)
	assert.Equal(t, "notify-hooks", result.FollowUps[1].StepName)

	queued := h.sink.queued()
	require.Len(t, queued, 2)
	assert.Equal(t, "update-index", queued[0].StepName)

	// notify-hooks never ran; forward progress stops at the first
	// derived failure.
	assert.NotContains(t, h.events(), "notify-hooks.execute")

	rec, err := h.registry.Lookup(context.Background(), "corr-4")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, rec.Status)
}

func TestRun_AuthoritativeSuccessIsNeverCompensated(t *testing.T) {
	h := newHarness(t, quickPolicy())
	def, err := saga.NewBuilder("record-update").
		AddStep(h.tracingAcid("create-row", nil)).
		AddStep(h.tracingAuthoritative("commit", nil)).
		AddStep(h.tracingDerived("update-index", errors.New("index down"))).
		Build()
	require.NoError(t, err)

	result, err := h.executor.Run(context.Background(), def, saga.NewContext(), "corr-5", "record-9")
	require.NoError(t, err)

	assert.Equal(t, saga.StatusCompleted, result.Status)
	assert.NotEqual(t, saga.StatusCompensated, result.Status)
	for _, event := range h.events() {
		assert.NotContains(t, event, ".compensate")
	}
}

func TestRun_CompensationFailureParksInstance(t *testing.T) {
	h := newHarness(t, quickPolicy())

	var compAttempts atomic.Int32
	stubborn := saga.NewAcidStep("create-row",
		func(ctx context.Context, sc *saga.Context) (any, error) {
			return "row-1", nil
		},
		func(ctx context.Context, sc *saga.Context, result any) error {
			compAttempts.Add(1)
			return errors.New("rollback refused")
		})
	def, err := saga.NewBuilder("record-update").
		AddStep(stubborn).
		AddStep(h.tracingAcid("write-file", errors.New("disk full"))).
		Build()
	require.NoError(t, err)

	result, err := h.executor.Run(context.Background(), def, saga.NewContext(), "corr-6", "record-9")
	require.Error(t, err)
	require.NotNil(t, result)

	assert.True(t, saga.IsCompensationFailure(err))
	assert.Equal(t, saga.StatusFailedUnrecoverable, result.Status)
	assert.Equal(t, int32(3), compAttempts.Load(), "compensation retries are bounded")

	inst, err := h.store.Load(context.Background(), result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailedUnrecoverable, inst.Status)
	assert.NotEmpty(t, inst.FailureCause)

	// A retry with the same key surfaces the parked outcome instead of
	// running the saga again.
	again, err := h.executor.Run(context.Background(), def, saga.NewContext(), "corr-6", "record-9")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailedUnrecoverable, again.Status)
	assert.Equal(t, int32(3), compAttempts.Load())
}

// slowStep returns an acid step that blocks until its context expires.
func (h *harness) slowStep(name string) saga.Step {
	return saga.NewAcidStep(name,
		func(ctx context.Context, sc *saga.Context) (any, error) {
			select {
			case <-ctx.Done():
				h.record(name + ".execute.timeout")
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				h.record(name + ".execute")
				return nil, nil
			}
		},
		func(ctx context.Context, sc *saga.Context, result any) error {
			h.record(name + ".compensate")
			return nil
		})
}

func TestRun_StepTimeoutTriggersCompensation(t *testing.T) {
	policy := quickPolicy()
	policy.StepTimeout = 30 * time.Millisecond
	h := newHarness(t, policy)

	def, err := saga.NewBuilder("record-update").
		AddStep(h.tracingAcid("create-row", nil)).
		AddStep(h.slowStep("write-file")).
		Build()
	require.NoError(t, err)

	result, err := h.executor.Run(context.Background(), def, saga.NewContext(), "corr-timeout", "record-9")
	require.Error(t, err)
	require.NotNil(t, result)

	// A timed-out step is an ordinary step failure: prior acid work is
	// undone, the stuck step itself is not compensated.
	assert.True(t, saga.IsStepExecutionFailed(err))
	assert.Equal(t, saga.StatusCompensated, result.Status)
	assert.Equal(t, []string{"create-row"}, result.CompensatedSteps)
	assert.Equal(t, []string{
		"create-row.execute",
		"write-file.execute.timeout",
		"create-row.compensate",
	}, h.events())

	inst, err := h.store.Load(context.Background(), result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "write-file", inst.FailedStep)
}

func TestRun_SagaTimeoutStillCompensates(t *testing.T) {
	policy := quickPolicy()
	policy.SagaTimeout = 40 * time.Millisecond
	h := newHarness(t, policy)

	def, err := saga.NewBuilder("record-update").
		AddStep(h.tracingAcid("create-row", nil)).
		AddStep(h.slowStep("write-file")).
		Build()
	require.NoError(t, err)

	result, err := h.executor.Run(context.Background(), def, saga.NewContext(), "corr-saga-timeout", "record-9")
	require.Error(t, err)
	require.NotNil(t, result)

	// The overall deadline expired mid-run, but compensation is
	// detached from it and must still bring the run to a clean
	// rollback, not an unrecoverable park.
	assert.Equal(t, saga.StatusCompensated, result.Status)
	assert.Equal(t, []string{"create-row"}, result.CompensatedSteps)
	assert.Contains(t, h.events(), "create-row.compensate")

	inst, err := h.store.Load(context.Background(), result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, inst.Status)

	rec, err := h.registry.Lookup(context.Background(), "corr-saga-timeout")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, rec.Status)
}

func TestRun_LockTimeoutRunsNoSteps(t *testing.T) {
	policy := quickPolicy()
	policy.LockWait = 50 * time.Millisecond
	h := newHarness(t, policy)
	def := recordUpdateDefinition(t, h)

	// Another holder owns the resource for longer than the wait budget.
	blocker, err := h.locks.Acquire(context.Background(), "record-9", "other", 5*time.Second)
	require.NoError(t, err)
	defer h.locks.Release(context.Background(), blocker)

	result, err := h.executor.Run(context.Background(), def, saga.NewContext(), "corr-7", "record-9")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, saga.IsResourceLockTimeout(err))
	assert.Empty(t, h.events(), "no step may run when the lock is unavailable")

	// Nothing was persisted and nothing was recorded for the key, so a
	// later retry starts clean.
	instances, err := h.store.ListNonTerminal(context.Background())
	require.NoError(t, err)
	assert.Empty(t, instances)
	_, err = h.registry.Lookup(context.Background(), "corr-7")
	assert.Equal(t, idempotency.ErrNotFound, err)
}

func TestRun_SerializesSagasOnOneResource(t *testing.T) {
	h := newHarness(t, quickPolicy())

	var active, maxActive atomic.Int32
	observe := func(ctx context.Context, sc *saga.Context) (any, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}

	makeDef := func() *saga.Definition {
		def, err := saga.NewBuilder("record-update").
			AddStep(saga.NewAcidStep("touch", observe, func(ctx context.Context, sc *saga.Context, result any) error {
				return nil
			})).
			Build()
		require.NoError(t, err)
		return def
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "corr-concurrent-" + string(rune('a'+i))
			_, err := h.executor.Run(context.Background(), makeDef(), saga.NewContext(), key, "record-9")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load(),
		"at most one saga may run against a resource at a time")
}

func TestRun_ValidatesArguments(t *testing.T) {
	h := newHarness(t, quickPolicy())
	def := recordUpdateDefinition(t, h)
	ctx := context.Background()

	_, err := h.executor.Run(ctx, nil, saga.NewContext(), "k", "r")
	assert.Error(t, err)
	_, err = h.executor.Run(ctx, def, saga.NewContext(), "", "r")
	assert.Error(t, err)
	_, err = h.executor.Run(ctx, def, saga.NewContext(), "k", "")
	assert.Error(t, err)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(&Config{})
	assert.Error(t, err)
	_, err = New(&Config{Store: state.NewMemoryStore()})
	assert.Error(t, err)
	_, err = New(&Config{Store: state.NewMemoryStore(), Locks: lock.NewMemoryManager()})
	assert.Error(t, err)
}

func TestRun_PersistsContextSnapshot(t *testing.T) {
	h := newHarness(t, quickPolicy())
	def, err := saga.NewBuilder("record-update").
		AddStep(saga.NewAcidStep("stash",
			func(ctx context.Context, sc *saga.Context) (any, error) {
				sc.Set("row_id", "row-42")
				return nil, nil
			},
			func(ctx context.Context, sc *saga.Context, result any) error { return nil })).
		Build()
	require.NoError(t, err)

	result, err := h.executor.Run(context.Background(), def, saga.NewContext(), "corr-8", "record-9")
	require.NoError(t, err)

	inst, err := h.store.Load(context.Background(), result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "row-42", inst.ContextSnapshot["row_id"])
}
