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

package engine

import (
	"context"
	"time"

	"github.com/runplane/runplane/internal/metrics"
	"github.com/runplane/runplane/internal/queue"
	"github.com/runplane/runplane/internal/store"
	pkgerrors "github.com/runplane/runplane/pkg/errors"
)

// RetryStep returns a terminal failed or cancelled step to the queue with
// an incremented attempt counter and its original idempotency key.
func (e *Engine) RetryStep(ctx context.Context, runID, stepID string) (*store.Step, error) {
	step, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step.RunID != runID {
		return nil, &pkgerrors.NotFoundError{Resource: "step", ID: stepID}
	}
	if step.Status != store.StepFailed && step.Status != store.StepCancelled {
		return nil, &pkgerrors.ConflictError{
			Resource: "step",
			ID:       stepID,
			Message:  "only failed or cancelled steps can be retried",
		}
	}

	if err := e.store.ResetStep(ctx, stepID); err != nil {
		return nil, err
	}
	// A retried step may run inline again.
	e.inlineOnce.Delete(stepID)

	step, err = e.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	if run, rerr := e.store.GetRun(ctx, runID); rerr == nil && run.Status.Terminal() {
		if err := e.store.UpdateRunStatus(ctx, runID, store.RunRunning, nil, nil); err != nil {
			e.logger.Error("run reopen failed", "run_id", runID, "error", err)
		}
	}

	e.recordEvent(ctx, runID, "step.retried", stepID, map[string]any{
		"name":    step.Name,
		"attempt": step.Attempt,
	})
	e.enqueueStep(ctx, step)
	return step, nil
}

// CancelRun cancels a run: every non-terminal step moves to cancelled and
// the run terminates. In-flight handlers observe cancellation through the
// worker's step-status checks.
func (e *Engine) CancelRun(ctx context.Context, runID string) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, &pkgerrors.ConflictError{
			Resource: "run",
			ID:       runID,
			Message:  "already " + string(run.Status),
		}
	}

	steps, err := e.store.ListStepsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if step.Status.Terminal() {
			continue
		}
		from := step.Status
		ok, err := e.store.CASStepStatus(ctx, step.ID, from, store.StepCancelled)
		if err != nil || !ok {
			continue
		}
		metrics.RecordStep(string(store.StepCancelled))
		e.recordEvent(ctx, runID, "step.cancelled", step.ID, map[string]any{
			"name": step.Name,
		})
	}

	now := time.Now().UTC()
	if err := e.store.UpdateRunStatus(ctx, runID, store.RunCancelled, nil, &now); err != nil {
		return nil, err
	}
	metrics.RecordRun(string(store.RunCancelled))
	e.recordEvent(ctx, runID, "run.cancelled", "", nil)
	return e.store.GetRun(ctx, runID)
}

// FinaliseRun terminates the run once no steps remain in queued, running,
// or awaiting_gate and no gate is pending. The run fails if any step
// failed, succeeds otherwise.
func (e *Engine) FinaliseRun(ctx context.Context, runID string) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Error("finalise: run lookup failed", "run_id", runID, "error", err)
		return
	}
	if run.Status.Terminal() {
		return
	}

	remaining, err := e.store.CountRemainingSteps(ctx, runID)
	if err != nil {
		e.logger.Error("finalise: remaining count failed", "run_id", runID, "error", err)
		return
	}
	if remaining > 0 {
		return
	}
	pending, err := e.store.CountPendingGates(ctx, runID)
	if err != nil {
		e.logger.Error("finalise: pending gate count failed", "run_id", runID, "error", err)
		return
	}
	if pending > 0 {
		return
	}

	steps, err := e.store.ListStepsByRun(ctx, runID)
	if err != nil {
		e.logger.Error("finalise: step listing failed", "run_id", runID, "error", err)
		return
	}
	status := store.RunSucceeded
	for _, step := range steps {
		if step.Status == store.StepFailed {
			status = store.RunFailed
			break
		}
	}

	now := time.Now().UTC()
	if err := e.store.UpdateRunStatus(ctx, runID, status, nil, &now); err != nil {
		e.logger.Error("finalise: run transition failed", "run_id", runID, "error", err)
		return
	}
	metrics.RecordRun(string(status))
	if status == store.RunSucceeded {
		e.recordEvent(ctx, runID, "run.succeeded", "", nil)
	} else {
		e.recordEvent(ctx, runID, "run.failed", "", nil)
	}
}

// HandleDeadLetter is the queue's dead-letter hook: the step fails
// terminally and the run finalises. The job carries its error history for
// the event payload.
func (e *Engine) HandleDeadLetter(ctx context.Context, job *queue.Job) {
	if job.Topic != queue.TopicStepReady {
		return
	}
	stepJob, err := queue.DecodeStepJob(job.Payload)
	if err != nil {
		e.logger.Error("dead letter: payload decode failed", "error", err)
		return
	}
	metrics.RecordDeadLetter(job.Topic)

	step, err := e.store.GetStep(ctx, stepJob.StepID)
	if err != nil {
		e.logger.Error("dead letter: step lookup failed", "step_id", stepJob.StepID, "error", err)
		return
	}
	if !step.Status.Terminal() {
		now := time.Now().UTC()
		step.Status = store.StepFailed
		step.EndedAt = &now
		step.Error = &store.StepError{Message: job.LastError, Terminal: true}
		if err := e.store.UpdateStep(ctx, step); err != nil {
			e.logger.Error("dead letter: step failure persist failed", "step_id", step.ID, "error", err)
			return
		}
		metrics.RecordStep(string(store.StepFailed))
	}

	e.recordEvent(ctx, step.RunID, "step.dead-lettered", step.ID, map[string]any{
		"name":     step.Name,
		"attempts": job.Attempt,
		"errors":   job.AttemptErrors,
		"terminal": true,
	})
	e.FinaliseRun(ctx, step.RunID)
}
