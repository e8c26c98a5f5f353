// Copyright 2025 The Runplane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/internal/engine"
	"github.com/runplane/runplane/internal/events"
	"github.com/runplane/runplane/internal/queue"
	"github.com/runplane/runplane/internal/store"
	storememory "github.com/runplane/runplane/internal/store/memory"
	"github.com/runplane/runplane/internal/tools"
	pkgerrors "github.com/runplane/runplane/pkg/errors"
	"github.com/runplane/runplane/pkg/plan"
)

type fakeHandler struct {
	name string
	fn   func(ctx context.Context, inv *tools.Invocation) (*tools.Result, error)
}

func (h *fakeHandler) Name() string { return h.name }

func (h *fakeHandler) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	return h.fn(ctx, inv)
}

type harness struct {
	store    store.Store
	engine   *engine.Engine
	registry *tools.Registry
	worker   *Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storememory.New(t.TempDir())
	require.NoError(t, err)
	q := queue.NewMemoryQueue(queue.Config{
		MaxAttempts:   3,
		NackBaseDelay: time.Millisecond,
		NackMaxDelay:  5 * time.Millisecond,
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(st, q, events.NewBus(), logger, engine.Config{})
	registry := tools.NewRegistry()
	w := New(st, q, eng, registry, logger, Config{Concurrency: 2, StepTimeout: time.Second})
	eng.SetExecutor(w)
	t.Cleanup(func() {
		eng.Close()
		q.Close()
		st.Close()
	})
	return &harness{store: st, engine: eng, registry: registry, worker: w}
}

// seedStep creates a run and one queued step bound to the given tool,
// bypassing engine materialisation.
func (h *harness) seedStep(t *testing.T, tool string, inputs map[string]any) *store.Step {
	t.Helper()
	ctx := context.Background()
	run := &store.Run{
		ID:        "run-1",
		ProjectID: "proj",
		Status:    store.RunRunning,
		Plan:      &plan.Plan{Goal: "test goal", Steps: []plan.Step{{Name: "generate", Tool: tool}}},
		CreatedAt: time.Now().UTC(),
	}
	if _, err := h.store.GetRun(ctx, run.ID); err != nil {
		require.NoError(t, h.store.CreateRun(ctx, run))
	}

	step := &store.Step{
		ID:             "step-1",
		RunID:          run.ID,
		Name:           "generate",
		Tool:           tool,
		Inputs:         inputs,
		Status:         store.StepQueued,
		IdempotencyKey: run.ID + ":generate:abcdef123456",
		Attempt:        1,
		CreatedAt:      time.Now().UTC(),
	}
	created, err := h.store.CreateStep(ctx, step)
	require.NoError(t, err)
	require.True(t, created)
	return step
}

func (h *harness) job(step *store.Step) queue.StepJob {
	return queue.StepJob{
		RunID:          step.RunID,
		StepID:         step.ID,
		IdempotencyKey: step.IdempotencyKey,
		Attempt:        step.Attempt,
	}
}

func (h *harness) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	evs, err := h.store.ListEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

func TestExecuteStepSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.Register(&fakeHandler{name: "codegen", fn: func(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
		assert.Equal(t, "test goal", inv.Goal)
		return &tools.Result{
			Summary: map[string]any{"lines": 12},
			Artifacts: []tools.ArtifactOutput{
				{Name: "main.go", MIME: "text/x-go", Data: []byte("package main\n")},
			},
		}, nil
	}})
	step := h.seedStep(t, "codegen", map[string]any{"prompt": "x"})

	require.NoError(t, h.worker.ExecuteStep(ctx, h.job(step)))

	got, err := h.store.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepSucceeded, got.Status)
	assert.Equal(t, map[string]any{"lines": 12}, got.Summary)

	artifacts, err := h.store.ListArtifactsByRun(ctx, step.RunID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "main.go", artifacts[0].Name)

	run, err := h.store.GetRun(ctx, step.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, run.Status)

	types := h.eventTypes(t, step.RunID)
	assert.Contains(t, types, "step.started")
	assert.Contains(t, types, "step.succeeded")
	assert.Contains(t, types, "run.succeeded")
}

func TestExecuteStepLostLeaseIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	called := false
	h.registry.Register(&fakeHandler{name: "codegen", fn: func(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
		called = true
		return &tools.Result{}, nil
	}})
	step := h.seedStep(t, "codegen", nil)

	// Another delivery already holds the lease.
	ok, err := h.store.CASStepStatus(ctx, step.ID, store.StepQueued, store.StepRunning)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.worker.ExecuteStep(ctx, h.job(step)))
	assert.False(t, called)
	assert.Contains(t, h.eventTypes(t, step.RunID), "step.lease.lost")
}

func TestExecuteStepTerminalStepIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	step := h.seedStep(t, "codegen", nil)
	ok, err := h.store.CASStepStatus(ctx, step.ID, store.StepQueued, store.StepCancelled)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.worker.ExecuteStep(ctx, h.job(step)))
	got, err := h.store.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepCancelled, got.Status)
}

func TestExecuteStepUnknownTool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	step := h.seedStep(t, "no-such-tool", nil)
	require.NoError(t, h.worker.ExecuteStep(ctx, h.job(step)))

	got, err := h.store.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, got.Error.Message, "tool.unknown")
}

func TestExecuteStepPolicyDenied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	called := false
	h.registry.Register(&fakeHandler{name: "codegen", fn: func(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
		called = true
		return &tools.Result{}, nil
	}})

	planStep := plan.Step{
		Name:         "generate",
		Tool:         "codegen",
		Inputs:       map[string]any{"prompt": "x"},
		ToolsAllowed: []string{"transform:jq"},
	}
	step := h.seedStep(t, "codegen", planStep.EffectiveInputs())

	require.NoError(t, h.worker.ExecuteStep(ctx, h.job(step)))
	assert.False(t, called)

	got, err := h.store.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, got.Status)
	assert.Contains(t, got.Error.Message, "policy denied")
	assert.Contains(t, h.eventTypes(t, step.RunID), "policy.denied")
}

func TestExecuteStepRetryableErrorRequeues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.Register(&fakeHandler{name: "codegen", fn: func(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
		return nil, &pkgerrors.ProviderError{Provider: "openai", StatusCode: 503, Message: "overloaded"}
	}})
	step := h.seedStep(t, "codegen", nil)

	err := h.worker.ExecuteStep(ctx, h.job(step))
	require.Error(t, err)

	// The step returns to queued so the redelivery can lease it again.
	got, gerr := h.store.GetStep(ctx, step.ID)
	require.NoError(t, gerr)
	assert.Equal(t, store.StepQueued, got.Status)
}

func TestExecuteStepPermanentErrorFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.Register(&fakeHandler{name: "codegen", fn: func(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
		return nil, &pkgerrors.ValidationError{Field: "prompt", Message: "missing"}
	}})
	step := h.seedStep(t, "codegen", nil)

	require.NoError(t, h.worker.ExecuteStep(ctx, h.job(step)))

	got, err := h.store.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, got.Status)

	run, err := h.store.GetRun(ctx, step.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
}

func TestExecuteStepTimesOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.Register(&fakeHandler{name: "codegen", fn: func(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
		time.Sleep(300 * time.Millisecond)
		return &tools.Result{}, nil
	}})
	step := h.seedStep(t, "codegen", nil)
	h.worker.cfg.StepTimeout = 20 * time.Millisecond

	// Timeouts are transient: the job nacks and the step requeues.
	err := h.worker.ExecuteStep(ctx, h.job(step))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsRetryable(err))

	got, gerr := h.store.GetStep(ctx, step.ID)
	require.NoError(t, gerr)
	assert.Equal(t, store.StepQueued, got.Status)
}

func TestExecuteStepRaisesGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.Register(&fakeHandler{name: "manual:deploy", fn: func(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
		return &tools.Result{Gate: &tools.GateRequest{Type: "manual-approval", Reason: "deploy needs sign-off"}}, nil
	}})
	step := h.seedStep(t, "manual:deploy", nil)

	require.NoError(t, h.worker.ExecuteStep(ctx, h.job(step)))

	got, err := h.store.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepAwaitingGate, got.Status)

	gates, err := h.store.ListGatesByRun(ctx, step.RunID)
	require.NoError(t, err)
	require.Len(t, gates, 1)
	assert.Equal(t, store.GatePending, gates[0].Status)
	assert.Equal(t, step.ID, gates[0].StepID)

	run, err := h.store.GetRun(ctx, step.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunBlocked, run.Status)
}

func TestExecuteStepDeferredWhileRunBlocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var called bool
	h.registry.Register(&fakeHandler{name: "codegen", fn: func(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
		called = true
		return &tools.Result{}, nil
	}})
	h.registry.Register(&fakeHandler{name: "manual:deploy", fn: func(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
		return &tools.Result{Gate: &tools.GateRequest{Type: "manual-approval", Reason: "deploy needs sign-off"}}, nil
	}})

	deploy := h.seedStep(t, "manual:deploy", nil)
	next := &store.Step{
		ID:             "step-2",
		RunID:          deploy.RunID,
		Name:           "generate code",
		Tool:           "codegen",
		Status:         store.StepQueued,
		IdempotencyKey: deploy.RunID + ":generate code:fedcba654321",
		Attempt:        1,
		CreatedAt:      time.Now().UTC(),
	}
	created, err := h.store.CreateStep(ctx, next)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, h.worker.ExecuteStep(ctx, h.job(deploy)))
	run, err := h.store.GetRun(ctx, deploy.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunBlocked, run.Status)

	// The blocked run holds every other queued step untouched.
	require.NoError(t, h.worker.ExecuteStep(ctx, h.job(next)))
	assert.False(t, called)
	got, err := h.store.GetStep(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepQueued, got.Status)
	assert.Equal(t, 1, got.Attempt)

	gates, err := h.store.ListGatesByRun(ctx, deploy.RunID)
	require.NoError(t, err)
	require.Len(t, gates, 1)
	_, err = h.engine.ApproveGate(ctx, gates[0].ID, "alice", "proceed")
	require.NoError(t, err)

	// Approval unblocks the run; the redelivered job now executes.
	require.NoError(t, h.worker.ExecuteStep(ctx, h.job(next)))
	assert.True(t, called)
	got, err = h.store.GetStep(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepSucceeded, got.Status)
}

func TestExecuteStepAppliesResolvedGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.Register(&fakeHandler{name: "manual:deploy", fn: func(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
		t.Fatal("handler must not run after the gate already resolved")
		return nil, nil
	}})
	step := h.seedStep(t, "manual:deploy", nil)

	gate := &store.Gate{
		ID:        "gate-1",
		RunID:     step.RunID,
		StepID:    step.ID,
		Type:      "manual-approval",
		Status:    store.GatePending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := h.store.CreateOrGetGate(ctx, gate)
	require.NoError(t, err)
	_, _, err = h.store.ResolveGate(ctx, gate.ID, store.GateApproved, "alice", "lgtm")
	require.NoError(t, err)

	require.NoError(t, h.worker.ExecuteStep(ctx, h.job(step)))

	got, err := h.store.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepSucceeded, got.Status)
	assert.Equal(t, "manual-approval", got.Summary["gate"])
}

func TestExecuteStepRejectedGateFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	step := h.seedStep(t, "manual:deploy", nil)
	gate := &store.Gate{
		ID:        "gate-1",
		RunID:     step.RunID,
		StepID:    step.ID,
		Type:      "manual-approval",
		Status:    store.GatePending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := h.store.CreateOrGetGate(ctx, gate)
	require.NoError(t, err)
	_, _, err = h.store.ResolveGate(ctx, gate.ID, store.GateRejected, "alice", "too risky")
	require.NoError(t, err)

	require.NoError(t, h.worker.ExecuteStep(ctx, h.job(step)))

	got, err := h.store.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, got.Status)
	assert.Contains(t, got.Error.Message, "gate rejected")
}

func TestHandleJobDeduplicatesDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls int
	h.registry.Register(&fakeHandler{name: "codegen", fn: func(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
		calls++
		return &tools.Result{}, nil
	}})
	step := h.seedStep(t, "codegen", nil)

	payload, err := h.job(step).Encode()
	require.NoError(t, err)
	job := &queue.Job{ID: "job-1", Topic: queue.TopicStepReady, Payload: payload, Attempt: 1}

	require.NoError(t, h.worker.handleJob(ctx, job))
	require.NoError(t, h.worker.handleJob(ctx, job))
	assert.Equal(t, 1, calls)

	// An undecodable payload acks rather than poisoning the queue.
	bad := &queue.Job{ID: "job-2", Topic: queue.TopicStepReady, Payload: []byte("not json"), Attempt: 1}
	assert.NoError(t, h.worker.handleJob(ctx, bad))
}
