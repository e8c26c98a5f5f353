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

// Package storetest exercises the store contract against any driver. Both
// drivers run the same suite so behaviour cannot drift between them.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/internal/store"
	pkgerrors "github.com/runplane/runplane/pkg/errors"
	"github.com/runplane/runplane/pkg/plan"
)

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the driver contract suite.
func Run(t *testing.T, factory Factory) {
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, factory(t)) })
	t.Run("StepIdempotency", func(t *testing.T) { testStepIdempotency(t, factory(t)) })
	t.Run("StepCAS", func(t *testing.T) { testStepCAS(t, factory(t)) })
	t.Run("StepReset", func(t *testing.T) { testStepReset(t, factory(t)) })
	t.Run("EventSequence", func(t *testing.T) { testEventSequence(t, factory(t)) })
	t.Run("GateResolution", func(t *testing.T) { testGateResolution(t, factory(t)) })
	t.Run("GateCreateOrGet", func(t *testing.T) { testGateCreateOrGet(t, factory(t)) })
	t.Run("Artifacts", func(t *testing.T) { testArtifacts(t, factory(t)) })
	t.Run("Outbox", func(t *testing.T) { testOutbox(t, factory(t)) })
	t.Run("Inbox", func(t *testing.T) { testInbox(t, factory(t)) })
}

func newRun(id string) *store.Run {
	return &store.Run{
		ID:        id,
		ProjectID: "proj",
		Status:    store.RunQueued,
		Plan: &plan.Plan{
			Goal:  "test goal",
			Steps: []plan.Step{{Name: "generate", Tool: "codegen"}},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func newStep(id, runID, name string) *store.Step {
	return &store.Step{
		ID:             id,
		RunID:          runID,
		Name:           name,
		Tool:           "codegen",
		Inputs:         map[string]any{"prompt": "x"},
		Status:         store.StepQueued,
		IdempotencyKey: runID + ":" + name + ":abcdef123456",
		Attempt:        1,
		CreatedAt:      time.Now().UTC(),
	}
}

func testRunLifecycle(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	_, err := s.GetRun(ctx, "missing")
	var notFound *pkgerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)

	run := newRun("run-1")
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunQueued, got.Status)
	assert.Equal(t, "proj", got.ProjectID)
	require.NotNil(t, got.Plan)
	assert.Equal(t, "test goal", got.Plan.Goal)

	now := time.Now().UTC()
	require.NoError(t, s.UpdateRunStatus(ctx, "run-1", store.RunRunning, &now, nil))
	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)

	other := newRun("run-2")
	other.ProjectID = "other"
	require.NoError(t, s.CreateRun(ctx, other))

	runs, err := s.ListRuns(ctx, 10, "")
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, 10, "other")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].ID)

	runs, err = s.ListRuns(ctx, 1, "")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func testStepIdempotency(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, newRun("run-1")))

	created, err := s.CreateStep(ctx, newStep("step-1", "run-1", "generate"))
	require.NoError(t, err)
	assert.True(t, created)

	// Same idempotency key: signalled as a duplicate, not an error.
	dup := newStep("step-2", "run-1", "generate")
	created, err = s.CreateStep(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	existing, err := s.GetStepByIdempotencyKey(ctx, "run-1", dup.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, "step-1", existing.ID)

	_, err = s.GetStep(ctx, "step-2")
	var notFound *pkgerrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	steps, err := s.ListStepsByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func testStepCAS(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, newRun("run-1")))
	_, err := s.CreateStep(ctx, newStep("step-1", "run-1", "generate"))
	require.NoError(t, err)

	ok, err := s.CASStepStatus(ctx, "step-1", store.StepQueued, store.StepRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	// The lease is already taken; a second CAS from queued loses.
	ok, err = s.CASStepStatus(ctx, "step-1", store.StepQueued, store.StepRunning)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetStep(ctx, "step-1")
	require.NoError(t, err)
	assert.Equal(t, store.StepRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	ok, err = s.CASStepStatus(ctx, "step-1", store.StepRunning, store.StepSucceeded)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = s.GetStep(ctx, "step-1")
	require.NoError(t, err)
	assert.NotNil(t, got.EndedAt)

	remaining, err := s.CountRemainingSteps(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func testStepReset(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, newRun("run-1")))
	step := newStep("step-1", "run-1", "generate")
	step.Status = store.StepFailed
	step.Error = &store.StepError{Message: "boom"}
	_, err := s.CreateStep(ctx, step)
	require.NoError(t, err)

	require.NoError(t, s.ResetStep(ctx, "step-1"))

	got, err := s.GetStep(ctx, "step-1")
	require.NoError(t, err)
	assert.Equal(t, store.StepQueued, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)
}

func testEventSequence(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, newRun("run-1")))
	require.NoError(t, s.CreateRun(ctx, newRun("run-2")))

	// Sequences are per run, gap-free from 1.
	for i := 0; i < 3; i++ {
		seq, err := s.RecordEvent(ctx, "run-1", "run.created", "", map[string]any{"i": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}
	seq, err := s.RecordEvent(ctx, "run-2", "run.created", "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	events, err := s.ListEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	events, err = s.ListEvents(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Seq)
}

func testGateResolution(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, newRun("run-1")))

	gate := &store.Gate{
		ID:        "gate-1",
		RunID:     "run-1",
		StepID:    "step-1",
		Type:      "manual-approval",
		Status:    store.GatePending,
		Reason:    "deploy requires sign-off",
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.CreateOrGetGate(ctx, gate)
	require.NoError(t, err)

	resolved, changed, err := s.ResolveGate(ctx, "gate-1", store.GateApproved, "alice", "lgtm")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, store.GateApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.ApprovedBy)
	assert.NotNil(t, resolved.ResolvedAt)

	// Same status again: idempotent, unchanged.
	resolved, changed, err = s.ResolveGate(ctx, "gate-1", store.GateApproved, "bob", "again")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "alice", resolved.ApprovedBy)

	// Different terminal status: conflict.
	_, _, err = s.ResolveGate(ctx, "gate-1", store.GateRejected, "carol", "no")
	var conflict *pkgerrors.ConflictError
	assert.ErrorAs(t, err, &conflict)

	pending, err := s.CountPendingGates(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func testGateCreateOrGet(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, newRun("run-1")))

	first := &store.Gate{
		ID: "gate-1", RunID: "run-1", StepID: "step-1",
		Type: "manual-approval", Status: store.GatePending, CreatedAt: time.Now().UTC(),
	}
	got, err := s.CreateOrGetGate(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "gate-1", got.ID)

	// A second pending gate of the same (run, step, type) folds into the
	// first.
	second := &store.Gate{
		ID: "gate-2", RunID: "run-1", StepID: "step-1",
		Type: "manual-approval", Status: store.GatePending, CreatedAt: time.Now().UTC(),
	}
	got, err = s.CreateOrGetGate(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "gate-1", got.ID)

	gates, err := s.ListGatesByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, gates, 1)
}

func testArtifacts(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, newRun("run-1")))

	artifact := &store.Artifact{
		ID:        "art-1",
		RunID:     "run-1",
		StepID:    "step-1",
		Name:      "main.go",
		MIME:      "text/x-go",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.AddArtifact(ctx, artifact, []byte("package main\n")))
	assert.Equal(t, int64(13), artifact.Size)
	assert.NotEmpty(t, artifact.Path)

	data, err := s.ReadArtifact(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	byName, err := s.GetArtifactByName(ctx, "run-1", "main.go")
	require.NoError(t, err)
	assert.Equal(t, "art-1", byName.ID)

	_, err = s.GetArtifactByName(ctx, "run-1", "missing.go")
	var notFound *pkgerrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	list, err := s.ListArtifactsByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testOutbox(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	id1, err := s.AppendOutbox(ctx, "event.out", []byte(`{"seq":1}`))
	require.NoError(t, err)
	id2, err := s.AppendOutbox(ctx, "event.out", []byte(`{"seq":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	entries, err := s.ListUnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, id1, entries[0].ID)

	require.NoError(t, s.MarkOutboxPublished(ctx, id1))
	entries, err = s.ListUnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id2, entries[0].ID)
}

func testInbox(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	seen, err := s.SeenInbox(ctx, "job-1:1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = s.SeenInbox(ctx, "job-1:1")
	require.NoError(t, err)
	assert.True(t, seen)

	// A different attempt of the same job is a distinct delivery.
	seen, err = s.SeenInbox(ctx, "job-1:2")
	require.NoError(t, err)
	assert.False(t, seen)
}
