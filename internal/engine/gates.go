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

	"github.com/google/uuid"

	"github.com/runplane/runplane/internal/metrics"
	"github.com/runplane/runplane/internal/store"
	pkgerrors "github.com/runplane/runplane/pkg/errors"
)

// truncateReason caps free-text reasons before persistence.
func truncateReason(reason string) string {
	if len(reason) > maxGateReasonLen {
		return reason[:maxGateReasonLen]
	}
	return reason
}

// CreateGate raises a gate for a run (and optionally a step), blocking the
// run until the gate resolves. Raising the same (run, step, type) gate
// twice returns the existing pending gate.
func (e *Engine) CreateGate(ctx context.Context, runID, stepID, gateType, reason string) (*store.Gate, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	if gateType == "" {
		return nil, &pkgerrors.ValidationError{
			Field:   "gate_type",
			Message: "gate type is required",
		}
	}

	gate := &store.Gate{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepID:    stepID,
		Type:      gateType,
		Status:    store.GatePending,
		CreatedAt: time.Now().UTC(),
	}
	gate, err := e.store.CreateOrGetGate(ctx, gate)
	if err != nil {
		return nil, err
	}

	e.recordEvent(ctx, runID, "gate.created", stepID, map[string]any{
		"gate_id":   gate.ID,
		"gate_type": gateType,
		"reason":    truncateReason(reason),
	})

	if err := e.store.UpdateRunStatus(ctx, runID, store.RunBlocked, nil, nil); err != nil {
		e.logger.Error("run block failed", "run_id", runID, "error", err)
	}
	return gate, nil
}

// GetGate returns a gate by id.
func (e *Engine) GetGate(ctx context.Context, id string) (*store.Gate, error) {
	return e.store.GetGate(ctx, id)
}

// ListGates returns the run's gates.
func (e *Engine) ListGates(ctx context.Context, runID string) ([]*store.Gate, error) {
	return e.store.ListGatesByRun(ctx, runID)
}

// ApproveGate resolves a gate as approved and releases its step.
func (e *Engine) ApproveGate(ctx context.Context, gateID, approvedBy, reason string) (*store.Gate, error) {
	return e.resolveGate(ctx, gateID, store.GateApproved, approvedBy, reason)
}

// WaiveGate resolves a gate as waived and releases its step.
func (e *Engine) WaiveGate(ctx context.Context, gateID, approvedBy, reason string) (*store.Gate, error) {
	return e.resolveGate(ctx, gateID, store.GateWaived, approvedBy, reason)
}

// RejectGate resolves a gate as rejected and fails its step.
func (e *Engine) RejectGate(ctx context.Context, gateID, approvedBy, reason string) (*store.Gate, error) {
	return e.resolveGate(ctx, gateID, store.GateRejected, approvedBy, reason)
}

var gateEventNames = map[store.GateStatus]string{
	store.GateApproved: "gate.approved",
	store.GateWaived:   "gate.waived",
	store.GateRejected: "gate.rejected",
}

func (e *Engine) resolveGate(ctx context.Context, gateID string, status store.GateStatus, approvedBy, reason string) (*store.Gate, error) {
	reason = truncateReason(reason)
	gate, changed, err := e.store.ResolveGate(ctx, gateID, status, approvedBy, reason)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Idempotent re-resolution to the same terminal status.
		return gate, nil
	}

	metrics.RecordGate(string(status))
	e.recordEvent(ctx, gate.RunID, gateEventNames[status], gate.StepID, map[string]any{
		"gate_id":     gate.ID,
		"gate_type":   gate.Type,
		"approved_by": approvedBy,
		"reason":      reason,
	})

	switch status {
	case store.GateApproved, store.GateWaived:
		e.releaseGatedStep(ctx, gate)
	case store.GateRejected:
		e.failGatedStep(ctx, gate, reason)
	}
	return gate, nil
}

// releaseGatedStep returns the gated step to the queue and unblocks the
// run.
func (e *Engine) releaseGatedStep(ctx context.Context, gate *store.Gate) {
	if err := e.store.UpdateRunStatus(ctx, gate.RunID, store.RunRunning, nil, nil); err != nil {
		e.logger.Error("run unblock failed", "run_id", gate.RunID, "error", err)
	}
	if gate.StepID == "" {
		return
	}

	ok, err := e.store.CASStepStatus(ctx, gate.StepID, store.StepAwaitingGate, store.StepQueued)
	if err != nil {
		e.logger.Error("gated step release failed",
			"run_id", gate.RunID, "step_id", gate.StepID, "error", err)
		return
	}
	if !ok {
		return
	}
	step, err := e.store.GetStep(ctx, gate.StepID)
	if err != nil {
		e.logger.Error("gated step lookup failed", "step_id", gate.StepID, "error", err)
		return
	}
	e.enqueueStep(ctx, step)
}

// failGatedStep fails the gated step and finalises the run.
func (e *Engine) failGatedStep(ctx context.Context, gate *store.Gate, reason string) {
	if gate.StepID != "" {
		step, err := e.store.GetStep(ctx, gate.StepID)
		if err == nil && !step.Status.Terminal() {
			now := time.Now().UTC()
			step.Status = store.StepFailed
			step.EndedAt = &now
			step.Error = &store.StepError{Message: "gate rejected: " + reason}
			if err := e.store.UpdateStep(ctx, step); err != nil {
				e.logger.Error("gated step failure persist failed", "step_id", step.ID, "error", err)
			}
			metrics.RecordStep(string(store.StepFailed))
			e.recordEvent(ctx, gate.RunID, "step.failed", step.ID, map[string]any{
				"name":  step.Name,
				"error": step.Error.Message,
			})
		}
	}
	e.FinaliseRun(ctx, gate.RunID)
}
