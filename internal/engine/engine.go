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

// Package engine orchestrates the run and step lifecycle: plan ingestion,
// idempotent step materialisation, gate resolution, retry, cancellation,
// and run finalisation. The HTTP response for run creation never waits on
// materialisation; steps are created on a background pool after the run row
// exists.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runplane/runplane/internal/events"
	"github.com/runplane/runplane/internal/metrics"
	"github.com/runplane/runplane/internal/planner"
	"github.com/runplane/runplane/internal/queue"
	"github.com/runplane/runplane/internal/store"
	"github.com/runplane/runplane/pkg/plan"
)

// maxBackpressureDelay caps the admission-control delay.
const maxBackpressureDelay = 15 * time.Second

// maxGateReasonLen caps persisted gate reasons.
const maxGateReasonLen = 500

// StepExecutor runs one step job synchronously. The worker implements it;
// the engine calls it directly only on the inline-fallback path.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, job queue.StepJob) error
}

// Config tunes the engine.
type Config struct {
	// BackpressureAge is the step.ready oldest-job age above which new
	// enqueues are delayed. Default 5s.
	BackpressureAge time.Duration

	// InlineFallback enables direct execution when the memory queue has
	// no step.ready subscriber.
	InlineFallback bool

	// MaterialiseWorkers bounds concurrent run materialisations. Default
	// 2.
	MaterialiseWorkers int

	// ListRunsMaxLimit caps the page size of run listings. Default 100.
	ListRunsMaxLimit int
}

// Engine coordinates the store, queue, and event bus.
type Engine struct {
	store  store.Store
	queue  queue.Queue
	bus    *events.Bus
	logger *slog.Logger
	cfg    Config

	conditions *planner.Evaluator

	executor StepExecutor

	// inlineOnce guards the inline fallback to one shot per step id, so a
	// duplicate materialisation never runs a step twice in-process.
	inlineOnce sync.Map

	materialiseCh chan string
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// New creates the engine and starts its materialisation pool.
func New(st store.Store, q queue.Queue, bus *events.Bus, logger *slog.Logger, cfg Config) *Engine {
	if cfg.BackpressureAge <= 0 {
		cfg.BackpressureAge = 5 * time.Second
	}
	if cfg.MaterialiseWorkers <= 0 {
		cfg.MaterialiseWorkers = 2
	}
	if cfg.ListRunsMaxLimit <= 0 {
		cfg.ListRunsMaxLimit = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:         st,
		queue:         q,
		bus:           bus,
		logger:        logger.With("component", "engine"),
		cfg:           cfg,
		conditions:    planner.NewEvaluator(),
		materialiseCh: make(chan string, 64),
		ctx:           ctx,
		cancel:        cancel,
	}
	for i := 0; i < cfg.MaterialiseWorkers; i++ {
		e.wg.Add(1)
		go e.materialiseLoop()
	}
	return e
}

// SetExecutor installs the inline-fallback executor. Must be called before
// runs are created when inline fallback is enabled.
func (e *Engine) SetExecutor(executor StepExecutor) {
	e.executor = executor
}

// Close drains the materialisation pool.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// CreateRun validates the plan, persists the run, and schedules step
// materialisation. It returns as soon as the run row exists; the caller can
// respond optimistically while steps are created in the background.
func (e *Engine) CreateRun(ctx context.Context, projectID string, p *plan.Plan, userID, userTier string) (*store.Run, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	run := &store.Run{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    store.RunQueued,
		Plan:      p,
		UserID:    userID,
		UserTier:  userTier,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	e.recordEvent(ctx, run.ID, "run.created", "", map[string]any{
		"projectId": projectID,
		"goal":      p.Goal,
		"steps":     len(p.Steps),
	})

	select {
	case e.materialiseCh <- run.ID:
	default:
		// Channel full: materialise on a dedicated goroutine rather than
		// block the response path.
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.materialiseRun(e.ctx, run.ID)
		}()
	}
	return run, nil
}

// GetRun returns a run by id.
func (e *Engine) GetRun(ctx context.Context, id string) (*store.Run, error) {
	return e.store.GetRun(ctx, id)
}

// ListRuns returns up to limit runs, clamped to [1, max].
func (e *Engine) ListRuns(ctx context.Context, limit int, projectID string) ([]*store.Run, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > e.cfg.ListRunsMaxLimit {
		limit = e.cfg.ListRunsMaxLimit
	}
	return e.store.ListRuns(ctx, limit, projectID)
}

// ListSteps returns the run's steps.
func (e *Engine) ListSteps(ctx context.Context, runID string) ([]*store.Step, error) {
	return e.store.ListStepsByRun(ctx, runID)
}

// ListArtifacts returns the run's artifacts.
func (e *Engine) ListArtifacts(ctx context.Context, runID string) ([]*store.Artifact, error) {
	return e.store.ListArtifactsByRun(ctx, runID)
}

// Timeline returns the run's events with seq > sinceSeq.
func (e *Engine) Timeline(ctx context.Context, runID string, sinceSeq int64) ([]*store.Event, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, runID, sinceSeq)
}

// Subscribe attaches a live listener to the run's events.
func (e *Engine) Subscribe(runID string) (<-chan *store.Event, func()) {
	return e.bus.Subscribe(runID, 64)
}

// StepPreview is one entry of a plan preview.
type StepPreview struct {
	Name           string         `json:"name"`
	Tool           string         `json:"tool"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Skipped        bool           `json:"skipped,omitempty"`
}

// PreviewRun materialises the plan without persisting anything: effective
// inputs, idempotency keys (derived against a placeholder run id), and
// which steps a `when` condition would skip.
func (e *Engine) PreviewRun(ctx context.Context, p *plan.Plan) ([]StepPreview, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	const previewRunID = "preview"
	previews := make([]StepPreview, 0, len(p.Steps))
	for _, s := range p.Steps {
		inputs := s.EffectiveInputs()
		key, err := plan.IdempotencyKey(previewRunID, s.Name, inputs)
		if err != nil {
			return nil, err
		}
		include, err := e.conditions.Evaluate(s.When, conditionEnv(p, s))
		if err != nil {
			return nil, err
		}
		previews = append(previews, StepPreview{
			Name:           s.Name,
			Tool:           s.Tool,
			Inputs:         inputs,
			IdempotencyKey: key,
			Skipped:        !include,
		})
	}
	return previews, nil
}

func conditionEnv(p *plan.Plan, s plan.Step) map[string]any {
	return map[string]any{
		"goal":   p.Goal,
		"name":   s.Name,
		"tool":   s.Tool,
		"inputs": s.Inputs,
	}
}

func (e *Engine) materialiseLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case runID := <-e.materialiseCh:
			e.materialiseRun(e.ctx, runID)
		}
	}
}

// materialiseRun creates and enqueues the run's steps. Duplicate
// materialisation is harmless: step creation is idempotent and terminal
// steps are never re-enqueued.
func (e *Engine) materialiseRun(ctx context.Context, runID string) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Error("materialise: run lookup failed", "run_id", runID, "error", err)
		return
	}
	if run.Status.Terminal() || run.Plan == nil {
		return
	}

	if run.Status == store.RunQueued {
		now := time.Now().UTC()
		if err := e.store.UpdateRunStatus(ctx, runID, store.RunRunning, &now, nil); err != nil {
			e.logger.Error("materialise: run transition failed", "run_id", runID, "error", err)
			return
		}
		e.recordEvent(ctx, runID, "run.started", "", nil)
	}

	for _, planStep := range run.Plan.Steps {
		e.materialiseStep(ctx, run, planStep)
	}
}

// materialiseStep creates one step with its idempotency key and enqueues
// it, honouring `when` conditions, duplicate creations, and backpressure.
func (e *Engine) materialiseStep(ctx context.Context, run *store.Run, planStep plan.Step) {
	include, err := e.conditions.Evaluate(planStep.When, conditionEnv(run.Plan, planStep))
	if err != nil {
		e.logger.Warn("step condition failed, skipping",
			"run_id", run.ID, "step", planStep.Name, "error", err)
		e.recordEvent(ctx, run.ID, "step.enqueue.skipped", "", map[string]any{
			"name":   planStep.Name,
			"reason": err.Error(),
		})
		return
	}
	if !include {
		e.recordEvent(ctx, run.ID, "step.enqueue.skipped", "", map[string]any{
			"name":   planStep.Name,
			"reason": "when condition is false",
		})
		return
	}

	inputs := planStep.EffectiveInputs()
	idemKey, err := plan.IdempotencyKey(run.ID, planStep.Name, inputs)
	if err != nil {
		e.logger.Warn("idempotency key derivation failed, skipping",
			"run_id", run.ID, "step", planStep.Name, "error", err)
		return
	}

	step := &store.Step{
		ID:             uuid.NewString(),
		RunID:          run.ID,
		Name:           planStep.Name,
		Tool:           planStep.Tool,
		Inputs:         inputs,
		Status:         store.StepQueued,
		IdempotencyKey: idemKey,
		Attempt:        1,
		CreatedAt:      time.Now().UTC(),
	}
	created, err := e.store.CreateStep(ctx, step)
	if err != nil {
		e.logger.Error("step creation failed",
			"run_id", run.ID, "step", planStep.Name, "error", err)
		return
	}
	if !created {
		existing, err := e.store.GetStepByIdempotencyKey(ctx, run.ID, idemKey)
		if err != nil {
			// Neither create nor fetch yielded a step: skip rather than
			// risk a double execution.
			e.logger.Warn("idempotency conflict but existing step not found, skipping",
				"run_id", run.ID, "step", planStep.Name, "idempotency_key", idemKey)
			return
		}
		step = existing
	}

	if step.Status.Terminal() {
		e.recordEvent(ctx, run.ID, "step.enqueue.skipped", step.ID, map[string]any{
			"name":   step.Name,
			"status": string(step.Status),
		})
		return
	}

	e.recordEvent(ctx, run.ID, "step.enqueued", step.ID, map[string]any{
		"name":            step.Name,
		"tool":            step.Tool,
		"idempotency_key": step.IdempotencyKey,
	})
	e.enqueueStep(ctx, step)
}

// enqueueStep publishes the step job, applying backpressure and the inline
// fallback.
func (e *Engine) enqueueStep(ctx context.Context, step *store.Step) {
	job := queue.StepJob{
		RunID:          step.RunID,
		StepID:         step.ID,
		IdempotencyKey: step.IdempotencyKey,
		Attempt:        step.Attempt,
	}
	payload, err := job.Encode()
	if err != nil {
		e.logger.Error("step job encoding failed", "step_id", step.ID, "error", err)
		return
	}

	delay := e.backpressureDelay(ctx, step)
	if err := e.queue.Enqueue(ctx, queue.TopicStepReady, payload, queue.EnqueueOptions{
		Delay:   delay,
		Attempt: step.Attempt,
	}); err != nil {
		e.logger.Error("step enqueue failed", "step_id", step.ID, "error", err)
		return
	}
	metrics.RecordEnqueue(queue.TopicStepReady)

	e.maybeRunInline(step, job)
}

// backpressureDelay computes the admission delay when the queue's oldest
// job exceeds the threshold, and records the queue.backpressure event.
func (e *Engine) backpressureDelay(ctx context.Context, step *store.Step) time.Duration {
	age, ok := e.queue.OldestAge(queue.TopicStepReady)
	if !ok || age <= e.cfg.BackpressureAge {
		return 0
	}

	delay := (age - e.cfg.BackpressureAge) / 2
	if delay > maxBackpressureDelay {
		delay = maxBackpressureDelay
	}
	metrics.RecordBackpressure()
	e.recordEvent(ctx, step.RunID, "queue.backpressure", step.ID, map[string]any{
		"ageMs":   age.Milliseconds(),
		"delayMs": delay.Milliseconds(),
	})
	return delay
}

// maybeRunInline executes the step directly when the memory queue has no
// step.ready subscriber, so a single process without a separately started
// worker still makes progress. The one-shot guard keeps duplicate
// materialisations from executing a step twice.
func (e *Engine) maybeRunInline(step *store.Step, job queue.StepJob) {
	if !e.cfg.InlineFallback || e.executor == nil {
		return
	}
	if e.queue.HasSubscribers(queue.TopicStepReady) {
		return
	}
	if _, loaded := e.inlineOnce.LoadOrStore(step.ID, struct{}{}); loaded {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.executor.ExecuteStep(e.ctx, job); err != nil {
			e.logger.Error("inline step execution failed",
				"run_id", job.RunID, "step_id", job.StepID, "error", err)
		}
	}()
}

// recordEvent appends to the persisted timeline and mirrors the event to
// live subscribers.
func (e *Engine) recordEvent(ctx context.Context, runID, eventType, stepID string, payload map[string]any) {
	seq, err := e.store.RecordEvent(ctx, runID, eventType, stepID, payload)
	if err != nil {
		e.logger.Error("event recording failed",
			"run_id", runID, "event", eventType, "error", err)
		return
	}
	ev := &store.Event{
		RunID:      runID,
		Seq:        seq,
		Type:       eventType,
		StepID:     stepID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
	e.bus.Publish(ev)
	e.appendOutbox(ctx, ev)
}

// RecordEvent exposes timeline recording to the worker.
func (e *Engine) RecordEvent(ctx context.Context, runID, eventType, stepID string, payload map[string]any) {
	e.recordEvent(ctx, runID, eventType, stepID, payload)
}
