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

// Package worker consumes step-ready jobs: it leases the step, enforces
// per-step security policy, dispatches the tool handler, persists
// artifacts, and advances the run state. Transient handler failures are
// nacked back to the queue; deterministic failures terminate the step.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/runplane/runplane/internal/engine"
	"github.com/runplane/runplane/internal/metrics"
	"github.com/runplane/runplane/internal/queue"
	"github.com/runplane/runplane/internal/store"
	"github.com/runplane/runplane/internal/tools"
	"github.com/runplane/runplane/internal/tracing"
	pkgerrors "github.com/runplane/runplane/pkg/errors"
	"github.com/runplane/runplane/pkg/plan"
	"github.com/runplane/runplane/pkg/reliability"
)

// Compile-time interface assertion.
var _ engine.StepExecutor = (*Worker)(nil)

// Config tunes the worker.
type Config struct {
	// Concurrency bounds in-flight step executions. Default 4.
	Concurrency int

	// StepTimeout bounds one handler invocation. Default 30s.
	StepTimeout time.Duration
}

// Worker executes step jobs.
type Worker struct {
	store    store.Store
	queue    queue.Queue
	engine   *engine.Engine
	registry *tools.Registry
	logger   *slog.Logger
	cfg      Config

	sem chan struct{}
}

// New creates a worker.
func New(st store.Store, q queue.Queue, eng *engine.Engine, registry *tools.Registry, logger *slog.Logger, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	return &Worker{
		store:    st,
		queue:    q,
		engine:   eng,
		registry: registry,
		logger:   logger.With("component", "worker"),
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// Start subscribes to the step.ready topic.
func (w *Worker) Start() error {
	return w.queue.Subscribe(queue.TopicStepReady, w.handleJob)
}

// handleJob is the queue-facing entry point. A returned error nacks the
// job; the queue reschedules with backoff or dead-letters it.
func (w *Worker) handleJob(ctx context.Context, job *queue.Job) error {
	stepJob, err := queue.DecodeStepJob(job.Payload)
	if err != nil {
		// Undecodable payloads can never succeed.
		w.logger.Error("dropping undecodable step job", "job_id", job.ID, "error", err)
		return nil
	}

	// Deduplicate at-least-once deliveries of the same job attempt.
	inboxKey := fmt.Sprintf("%s:%d", job.ID, job.Attempt)
	seen, err := w.store.SeenInbox(ctx, inboxKey)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	return w.ExecuteStep(ctx, stepJob)
}

// ExecuteStep runs one step job to a terminal outcome or a retryable
// error. It also serves the engine's inline-fallback path.
func (w *Worker) ExecuteStep(ctx context.Context, job queue.StepJob) error {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-w.sem }()

	metrics.WorkerStarted()
	defer metrics.WorkerFinished()

	ctx, span := tracing.Tracer("runplane/worker").Start(ctx, "step.execute")
	span.SetAttributes(
		attribute.String("run.id", job.RunID),
		attribute.String("step.id", job.StepID),
		attribute.Int("step.attempt", job.Attempt),
	)
	defer span.End()

	logger := w.logger.With("run_id", job.RunID, "step_id", job.StepID)

	step, err := w.store.GetStep(ctx, job.StepID)
	if err != nil {
		if pkgerrors.IsRetryable(err) {
			return err
		}
		logger.Error("step lookup failed, dropping job", "error", err)
		return nil
	}
	if step.Status.Terminal() {
		// Cancelled or already completed while queued.
		return nil
	}

	run, err := w.store.GetRun(ctx, job.RunID)
	if err != nil {
		if pkgerrors.IsRetryable(err) {
			return err
		}
		logger.Error("run lookup failed, dropping job", "error", err)
		return nil
	}
	if run.Status.Terminal() {
		return nil
	}
	if run.Status == store.RunBlocked {
		// A pending gate halts the whole run. Push the job back with its
		// attempt counter intact so waiting never consumes deliveries.
		logger.Debug("run is blocked, deferring step", "step_id", step.ID)
		return w.deferStep(ctx, job)
	}

	// Lease the step. A lost CAS means another delivery holds it.
	leased, err := w.store.CASStepStatus(ctx, step.ID, store.StepQueued, store.StepRunning)
	if err != nil {
		return err
	}
	if !leased {
		w.engine.RecordEvent(ctx, job.RunID, "step.lease.lost", step.ID, map[string]any{
			"attempt": job.Attempt,
		})
		return nil
	}

	w.engine.RecordEvent(ctx, job.RunID, "step.started", step.ID, map[string]any{
		"name":    step.Name,
		"tool":    step.Tool,
		"attempt": job.Attempt,
	})

	// A gate resolved earlier decides the step without another handler
	// invocation.
	if done, err := w.applyResolvedGate(ctx, step); done || err != nil {
		return err
	}

	if denied := w.enforcePolicy(ctx, step); denied {
		return nil
	}

	handler, ok := w.registry.Get(step.Tool)
	if !ok {
		w.failStep(ctx, step, fmt.Sprintf("tool.unknown: %s", step.Tool))
		return nil
	}

	inv := &tools.Invocation{
		RunID:    step.RunID,
		StepID:   step.ID,
		StepName: step.Name,
		Tool:     step.Tool,
		Attempt:  step.Attempt,
		Inputs:   step.Inputs,
	}
	if run.Plan != nil {
		inv.Goal = run.Plan.Goal
	}

	started := time.Now()
	var result *tools.Result
	err = reliability.WithTimeout(ctx, "step "+step.Name, w.cfg.StepTimeout, func(ctx context.Context) error {
		var execErr error
		result, execErr = handler.Execute(ctx, inv)
		return execErr
	})
	metrics.ObserveStepDuration(step.Tool, time.Since(started).Seconds())

	// External cancellation wins over whatever the handler returned.
	if current, cerr := w.store.GetStep(ctx, step.ID); cerr == nil && current.Status == store.StepCancelled {
		return nil
	}

	if err != nil {
		if pkgerrors.IsRetryable(err) {
			// Nack: the queue reschedules with backoff or dead-letters
			// after the attempt cap.
			logger.Warn("step failed, requeueing", "attempt", job.Attempt, "error", err)
			if ok, cerr := w.store.CASStepStatus(ctx, step.ID, store.StepRunning, store.StepQueued); cerr != nil || !ok {
				logger.Error("step requeue transition failed", "error", cerr)
			}
			return err
		}
		w.failStep(ctx, step, err.Error())
		return nil
	}

	if result != nil && result.Gate != nil {
		return w.raiseGate(ctx, step, result.Gate)
	}

	return w.succeedStep(ctx, step, result)
}

// blockedRequeueDelay spaces redeliveries of steps whose run is blocked
// on a pending gate.
const blockedRequeueDelay = 2 * time.Second

// deferStep re-enqueues the job unchanged. Unlike a nack this keeps the
// attempt counter, so a long-pending gate cannot dead-letter the step.
func (w *Worker) deferStep(ctx context.Context, job queue.StepJob) error {
	payload, err := job.Encode()
	if err != nil {
		return err
	}
	return w.queue.Enqueue(ctx, queue.TopicStepReady, payload, queue.EnqueueOptions{
		Delay:   blockedRequeueDelay,
		Attempt: job.Attempt,
	})
}

// applyResolvedGate checks for a terminal gate bound to this step. An
// approved or waived gate completes the step; a rejected gate fails it.
func (w *Worker) applyResolvedGate(ctx context.Context, step *store.Step) (bool, error) {
	gates, err := w.store.ListGatesByRun(ctx, step.RunID)
	if err != nil {
		return false, err
	}
	for _, gate := range gates {
		if gate.StepID != step.ID || !gate.Status.Terminal() {
			continue
		}
		switch gate.Status {
		case store.GateApproved, store.GateWaived:
			return true, w.succeedStep(ctx, step, &tools.Result{
				Summary: map[string]any{
					"gate":      gate.Type,
					"resolution": string(gate.Status),
				},
			})
		case store.GateRejected:
			w.failStep(ctx, step, "gate rejected: "+gate.Reason)
			return true, nil
		}
	}
	return false, nil
}

// enforcePolicy applies the step's embedded _policy block. A tool outside
// the allowlist is a deterministic failure.
func (w *Worker) enforcePolicy(ctx context.Context, step *store.Step) bool {
	policy := plan.PolicyFromInputs(step.Inputs)
	if policy == nil || len(policy.ToolsAllowed) == 0 {
		return false
	}
	for _, allowed := range policy.ToolsAllowed {
		if allowed == step.Tool {
			return false
		}
	}

	w.engine.RecordEvent(ctx, step.RunID, "policy.denied", step.ID, map[string]any{
		"tool":          step.Tool,
		"tools_allowed": policy.ToolsAllowed,
	})
	w.failStep(ctx, step, fmt.Sprintf("policy denied tool %q", step.Tool))
	return true
}

// raiseGate parks the step on a gate.
func (w *Worker) raiseGate(ctx context.Context, step *store.Step, req *tools.GateRequest) error {
	ok, err := w.store.CASStepStatus(ctx, step.ID, store.StepRunning, store.StepAwaitingGate)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if _, err := w.engine.CreateGate(ctx, step.RunID, step.ID, req.Type, req.Reason); err != nil {
		w.logger.Error("gate creation failed", "step_id", step.ID, "error", err)
	}
	return nil
}

// succeedStep persists artifacts and the result summary, completes the
// step, and finalises the run if it was the last one.
func (w *Worker) succeedStep(ctx context.Context, step *store.Step, result *tools.Result) error {
	if result != nil {
		for _, out := range result.Artifacts {
			artifact := &store.Artifact{
				ID:        uuid.NewString(),
				RunID:     step.RunID,
				StepID:    step.ID,
				Name:      out.Name,
				MIME:      out.MIME,
				Metadata:  out.Metadata,
				CreatedAt: time.Now().UTC(),
			}
			if err := w.store.AddArtifact(ctx, artifact, out.Data); err != nil {
				if pkgerrors.IsRetryable(err) {
					return err
				}
				w.failStep(ctx, step, fmt.Sprintf("artifact %q persist failed: %v", out.Name, err))
				return nil
			}
		}
	}

	now := time.Now().UTC()
	step.Status = store.StepSucceeded
	step.EndedAt = &now
	step.Error = nil
	if result != nil {
		step.Summary = result.Summary
	}
	if err := w.store.UpdateStep(ctx, step); err != nil {
		return err
	}

	metrics.RecordStep(string(store.StepSucceeded))
	w.engine.RecordEvent(ctx, step.RunID, "step.succeeded", step.ID, map[string]any{
		"name":    step.Name,
		"summary": step.Summary,
	})
	w.engine.FinaliseRun(ctx, step.RunID)
	return nil
}

// failStep terminates the step with an error record and finalises the run.
func (w *Worker) failStep(ctx context.Context, step *store.Step, message string) {
	now := time.Now().UTC()
	step.Status = store.StepFailed
	step.EndedAt = &now
	step.Error = &store.StepError{Message: message}
	if err := w.store.UpdateStep(ctx, step); err != nil {
		w.logger.Error("step failure persist failed", "step_id", step.ID, "error", err)
		return
	}

	metrics.RecordStep(string(store.StepFailed))
	w.engine.RecordEvent(ctx, step.RunID, "step.failed", step.ID, map[string]any{
		"name":  step.Name,
		"error": message,
	})
	w.engine.FinaliseRun(ctx, step.RunID)
}
