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

// Package store defines the persistence contract consumed by the engine and
// worker, and the entities it stores. Two conforming drivers exist:
// memory (in-process, filesystem artifacts) and sqlite (relational).
package store

import (
	"context"
	"time"

	"github.com/runplane/runplane/pkg/plan"
)

// RunStatus is the run state machine's state.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunBlocked   RunStatus = "blocked"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// StepStatus is the step state machine's state.
type StepStatus string

const (
	StepQueued       StepStatus = "queued"
	StepRunning      StepStatus = "running"
	StepAwaitingGate StepStatus = "awaiting_gate"
	StepSucceeded    StepStatus = "succeeded"
	StepFailed       StepStatus = "failed"
	StepCancelled    StepStatus = "cancelled"
)

// Terminal reports whether the step status is final. Terminal steps only
// move again through the explicit retry API.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepCancelled
}

// Remaining reports whether the step still counts against run completion.
func (s StepStatus) Remaining() bool {
	return s == StepQueued || s == StepRunning || s == StepAwaitingGate
}

// GateStatus is the gate state machine's state.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateWaived   GateStatus = "waived"
	GateRejected GateStatus = "rejected"
)

// Terminal reports whether the gate status is final. Terminal gate statuses
// are immutable.
func (s GateStatus) Terminal() bool {
	return s == GateApproved || s == GateWaived || s == GateRejected
}

// Run is a single invocation of a plan.
type Run struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"projectId"`
	Status    RunStatus  `json:"status"`
	Plan      *plan.Plan `json:"plan"`
	UserID    string     `json:"user_id,omitempty"`
	UserTier  string     `json:"user_tier,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// StepError is the persisted error record of a failed step.
type StepError struct {
	Message string `json:"message"`

	// Terminal marks failures that exhausted their attempt budget and were
	// dead-lettered.
	Terminal bool `json:"terminal,omitempty"`
}

// Step is one materialised plan step.
type Step struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id"`
	Name           string         `json:"name"`
	Tool           string         `json:"tool"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Status         StepStatus     `json:"status"`
	IdempotencyKey string         `json:"idempotency_key"`
	Attempt        int            `json:"attempt"`
	Summary        map[string]any `json:"summary,omitempty"`
	Error          *StepError     `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
}

// Event is one entry in a run's append-only timeline. Sequence numbers are
// strictly increasing per run with no gaps.
type Event struct {
	RunID      string         `json:"run_id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	StepID     string         `json:"step_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Gate is an out-of-band approval point blocking a step or run.
type Gate struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	StepID     string     `json:"step_id,omitempty"`
	Type       string     `json:"gate_type"`
	Status     GateStatus `json:"status"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Artifact is an immutable output produced by a step. Replacement requires
// a new artifact id.
type Artifact struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id"`
	Name      string         `json:"name"`
	MIME      string         `json:"mime"`
	Path      string         `json:"path"`
	Driver    string         `json:"driver,omitempty"`
	Size      int64          `json:"size,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ArtifactPath renders the logical storage path for an artifact.
func ArtifactPath(runID, stepID, name string) string {
	return "runs/" + runID + "/steps/" + stepID + "/" + name
}

// OutboxEntry is a queued external side-effect to be published after a
// local transaction commits.
type OutboxEntry struct {
	ID          int64      `json:"id"`
	Topic       string     `json:"topic"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Store is the persistence contract. Implementations must be safe for
// concurrent use. Transient connection errors propagate as retryable;
// idempotency conflicts are signals, not errors.
type Store interface {
	// CreateRun persists a new run. The caller supplies the identifier.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun returns a run by id, or a NotFoundError.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns up to limit runs, newest first, optionally filtered
	// by project.
	ListRuns(ctx context.Context, limit int, projectID string) ([]*Run, error)

	// UpdateRunStatus sets the run status and whichever timestamps are
	// non-nil.
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, startedAt, endedAt *time.Time) error

	// CreateStep inserts a step atomically with its idempotency key.
	// Returns false (and no error) when the key already exists; the caller
	// reads the existing step via GetStepByIdempotencyKey.
	CreateStep(ctx context.Context, step *Step) (bool, error)

	// GetStep returns a step by id, or a NotFoundError.
	GetStep(ctx context.Context, id string) (*Step, error)

	// GetStepByIdempotencyKey returns the step for (runID, key), or a
	// NotFoundError.
	GetStepByIdempotencyKey(ctx context.Context, runID, key string) (*Step, error)

	// UpdateStep persists mutable step fields (status, attempt, summary,
	// error, timestamps).
	UpdateStep(ctx context.Context, step *Step) error

	// CASStepStatus transitions the step from → to atomically. Returns
	// false if the step was not in the expected status.
	CASStepStatus(ctx context.Context, id string, from, to StepStatus) (bool, error)

	// ResetStep returns a terminal step to queued, increments its attempt
	// counter, and clears its error record.
	ResetStep(ctx context.Context, id string) error

	// ListStepsByRun returns the run's steps in creation order.
	ListStepsByRun(ctx context.Context, runID string) ([]*Step, error)

	// CountRemainingSteps counts steps in queued, running, or awaiting_gate.
	CountRemainingSteps(ctx context.Context, runID string) (int, error)

	// RecordEvent appends an event and returns its sequence number.
	RecordEvent(ctx context.Context, runID, eventType, stepID string, payload map[string]any) (int64, error)

	// ListEvents returns the run's events with seq > sinceSeq, in order.
	ListEvents(ctx context.Context, runID string, sinceSeq int64) ([]*Event, error)

	// CreateOrGetGate inserts a gate, or returns the existing pending gate
	// of the same (run, step, type).
	CreateOrGetGate(ctx context.Context, gate *Gate) (*Gate, error)

	// GetGate returns a gate by id, or a NotFoundError.
	GetGate(ctx context.Context, id string) (*Gate, error)

	// ResolveGate moves a pending gate to a terminal status. Resolving an
	// already-terminal gate is a no-op: the stored gate is returned with
	// changed=false, and a different target status is a ConflictError.
	ResolveGate(ctx context.Context, id string, status GateStatus, approvedBy, reason string) (gate *Gate, changed bool, err error)

	// ListGatesByRun returns the run's gates in creation order.
	ListGatesByRun(ctx context.Context, runID string) ([]*Gate, error)

	// CountPendingGates counts the run's unresolved gates.
	CountPendingGates(ctx context.Context, runID string) (int, error)

	// AddArtifact persists artifact bytes under the driver's backend and
	// records the artifact row. Fills Path, Driver, and Size.
	AddArtifact(ctx context.Context, artifact *Artifact, data []byte) error

	// ReadArtifact returns the stored bytes of an artifact.
	ReadArtifact(ctx context.Context, id string) ([]byte, error)

	// GetArtifactByName returns a run's artifact by logical name, or a
	// NotFoundError. Steps use this to read outputs of prior steps.
	GetArtifactByName(ctx context.Context, runID, name string) (*Artifact, error)

	// ListArtifactsByRun returns the run's artifacts in creation order.
	ListArtifactsByRun(ctx context.Context, runID string) ([]*Artifact, error)

	// AppendOutbox records an external side-effect for publication.
	AppendOutbox(ctx context.Context, topic string, payload []byte) (int64, error)

	// ListUnpublishedOutbox returns up to limit unpublished entries, oldest
	// first.
	ListUnpublishedOutbox(ctx context.Context, limit int) ([]*OutboxEntry, error)

	// MarkOutboxPublished stamps an outbox entry as published.
	MarkOutboxPublished(ctx context.Context, id int64) error

	// SeenInbox records the delivery key and reports whether it was already
	// seen. Used to deduplicate inbound job deliveries.
	SeenInbox(ctx context.Context, key string) (bool, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases driver resources.
	Close() error
}
