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

// Package memory provides the in-process store driver used for development
// and offline tests. Entities live in maps guarded by a single mutex;
// artifact bytes are written to the local filesystem.
package memory

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/runplane/runplane/internal/store"
	pkgerrors "github.com/runplane/runplane/pkg/errors"
)

// Store is the in-process driver. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	runs      map[string]*store.Run
	steps     map[string]*store.Step
	stepByKey map[string]string // runID+"\x00"+idemKey → stepID
	events    map[string][]*store.Event
	gates     map[string]*store.Gate
	artifacts map[string]*store.Artifact
	outbox    []*store.OutboxEntry
	inbox     map[string]time.Time

	nextOutboxID int64
	artifactRoot string
}

// New creates a memory store. Artifact bytes are written under artifactRoot;
// when empty, a temporary directory is used.
func New(artifactRoot string) (*Store, error) {
	if artifactRoot == "" {
		dir, err := os.MkdirTemp("", "runplane-artifacts-")
		if err != nil {
			return nil, pkgerrors.Wrap(err, "creating artifact directory")
		}
		artifactRoot = dir
	}
	return &Store{
		runs:         make(map[string]*store.Run),
		steps:        make(map[string]*store.Step),
		stepByKey:    make(map[string]string),
		events:       make(map[string][]*store.Event),
		gates:        make(map[string]*store.Gate),
		artifacts:    make(map[string]*store.Artifact),
		inbox:        make(map[string]time.Time),
		artifactRoot: artifactRoot,
	}, nil
}

var _ store.Store = (*Store)(nil)

// CreateRun persists a new run.
func (s *Store) CreateRun(_ context.Context, run *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return &pkgerrors.ConflictError{Resource: "run", ID: run.ID, Message: "already exists"}
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(_ context.Context, id string) (*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "run", ID: id}
	}
	cp := *run
	return &cp, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(_ context.Context, limit int, projectID string) ([]*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if projectID != "" && run.ProjectID != projectID {
			continue
		}
		cp := *run
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// UpdateRunStatus sets the run status and non-nil timestamps.
func (s *Store) UpdateRunStatus(_ context.Context, id string, status store.RunStatus, startedAt, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return &pkgerrors.NotFoundError{Resource: "run", ID: id}
	}
	run.Status = status
	if startedAt != nil {
		run.StartedAt = startedAt
	}
	if endedAt != nil {
		run.EndedAt = endedAt
	}
	return nil
}

func stepKey(runID, idemKey string) string {
	return runID + "\x00" + idemKey
}

// CreateStep inserts a step atomically with its idempotency key.
func (s *Store) CreateStep(_ context.Context, step *store.Step) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stepKey(step.RunID, step.IdempotencyKey)
	if _, exists := s.stepByKey[key]; exists {
		return false, nil
	}
	cp := *step
	s.steps[step.ID] = &cp
	s.stepByKey[key] = step.ID
	return true, nil
}

// GetStep returns a step by id.
func (s *Store) GetStep(_ context.Context, id string) (*store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStepLocked(id)
}

func (s *Store) getStepLocked(id string) (*store.Step, error) {
	step, ok := s.steps[id]
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "step", ID: id}
	}
	cp := *step
	return &cp, nil
}

// GetStepByIdempotencyKey returns the step for (runID, key).
func (s *Store) GetStepByIdempotencyKey(_ context.Context, runID, key string) (*store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.stepByKey[stepKey(runID, key)]
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "step", ID: key}
	}
	return s.getStepLocked(id)
}

// UpdateStep persists mutable step fields.
func (s *Store) UpdateStep(_ context.Context, step *store.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.steps[step.ID]
	if !ok {
		return &pkgerrors.NotFoundError{Resource: "step", ID: step.ID}
	}
	existing.Status = step.Status
	existing.Attempt = step.Attempt
	existing.Summary = step.Summary
	existing.Error = step.Error
	existing.StartedAt = step.StartedAt
	existing.EndedAt = step.EndedAt
	return nil
}

// CASStepStatus transitions the step from → to atomically.
func (s *Store) CASStepStatus(_ context.Context, id string, from, to store.StepStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return false, &pkgerrors.NotFoundError{Resource: "step", ID: id}
	}
	if step.Status != from {
		return false, nil
	}
	step.Status = to
	now := time.Now().UTC()
	switch to {
	case store.StepRunning:
		step.StartedAt = &now
	case store.StepSucceeded, store.StepFailed, store.StepCancelled:
		step.EndedAt = &now
	}
	return true, nil
}

// ResetStep returns a terminal step to queued and increments its attempt.
func (s *Store) ResetStep(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return &pkgerrors.NotFoundError{Resource: "step", ID: id}
	}
	step.Status = store.StepQueued
	step.Attempt++
	step.Error = nil
	step.StartedAt = nil
	step.EndedAt = nil
	return nil
}

// ListStepsByRun returns the run's steps in creation order.
func (s *Store) ListStepsByRun(_ context.Context, runID string) ([]*store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := make([]*store.Step, 0)
	for _, step := range s.steps {
		if step.RunID == runID {
			cp := *step
			steps = append(steps, &cp)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].ID < steps[j].ID
		}
		return steps[i].CreatedAt.Before(steps[j].CreatedAt)
	})
	return steps, nil
}

// CountRemainingSteps counts steps in queued, running, or awaiting_gate.
func (s *Store) CountRemainingSteps(_ context.Context, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, step := range s.steps {
		if step.RunID == runID && step.Status.Remaining() {
			count++
		}
	}
	return count, nil
}

// RecordEvent appends an event and returns its sequence number.
func (s *Store) RecordEvent(_ context.Context, runID, eventType, stepID string, payload map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := int64(len(s.events[runID])) + 1
	s.events[runID] = append(s.events[runID], &store.Event{
		RunID:      runID,
		Seq:        seq,
		Type:       eventType,
		StepID:     stepID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	})
	return seq, nil
}

// ListEvents returns the run's events with seq > sinceSeq.
func (s *Store) ListEvents(_ context.Context, runID string, sinceSeq int64) ([]*store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[runID]
	events := make([]*store.Event, 0, len(all))
	for _, ev := range all {
		if ev.Seq > sinceSeq {
			cp := *ev
			events = append(events, &cp)
		}
	}
	return events, nil
}

// CreateOrGetGate inserts a gate or returns the existing pending gate of
// the same (run, step, type).
func (s *Store) CreateOrGetGate(_ context.Context, gate *store.Gate) (*store.Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.gates {
		if g.RunID == gate.RunID && g.StepID == gate.StepID && g.Type == gate.Type && g.Status == store.GatePending {
			cp := *g
			return &cp, nil
		}
	}
	cp := *gate
	s.gates[gate.ID] = &cp
	out := cp
	return &out, nil
}

// GetGate returns a gate by id.
func (s *Store) GetGate(_ context.Context, id string) (*store.Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gate, ok := s.gates[id]
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "gate", ID: id}
	}
	cp := *gate
	return &cp, nil
}

// ResolveGate moves a pending gate to a terminal status. Terminal gates are
// immutable: re-resolving to the same status is a no-op, to a different
// status a conflict.
func (s *Store) ResolveGate(_ context.Context, id string, status store.GateStatus, approvedBy, reason string) (*store.Gate, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gate, ok := s.gates[id]
	if !ok {
		return nil, false, &pkgerrors.NotFoundError{Resource: "gate", ID: id}
	}
	if gate.Status.Terminal() {
		cp := *gate
		if gate.Status == status {
			return &cp, false, nil
		}
		return nil, false, &pkgerrors.ConflictError{
			Resource: "gate",
			ID:       id,
			Message:  "already resolved as " + string(gate.Status),
		}
	}
	now := time.Now().UTC()
	gate.Status = status
	gate.ApprovedBy = approvedBy
	gate.Reason = reason
	gate.ResolvedAt = &now
	cp := *gate
	return &cp, true, nil
}

// ListGatesByRun returns the run's gates in creation order.
func (s *Store) ListGatesByRun(_ context.Context, runID string) ([]*store.Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gates := make([]*store.Gate, 0)
	for _, gate := range s.gates {
		if gate.RunID == runID {
			cp := *gate
			gates = append(gates, &cp)
		}
	}
	sort.Slice(gates, func(i, j int) bool {
		if gates[i].CreatedAt.Equal(gates[j].CreatedAt) {
			return gates[i].ID < gates[j].ID
		}
		return gates[i].CreatedAt.Before(gates[j].CreatedAt)
	})
	return gates, nil
}

// CountPendingGates counts the run's unresolved gates.
func (s *Store) CountPendingGates(_ context.Context, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, gate := range s.gates {
		if gate.RunID == runID && gate.Status == store.GatePending {
			count++
		}
	}
	return count, nil
}

// AddArtifact writes artifact bytes to the filesystem and records the row.
func (s *Store) AddArtifact(_ context.Context, artifact *store.Artifact, data []byte) error {
	logical := store.ArtifactPath(artifact.RunID, artifact.StepID, artifact.Name)
	full := filepath.Join(s.artifactRoot, filepath.FromSlash(logical))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return pkgerrors.Wrap(err, "creating artifact directory")
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return pkgerrors.Wrap(err, "writing artifact")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	artifact.Path = logical
	artifact.Driver = "filesystem"
	artifact.Size = int64(len(data))
	cp := *artifact
	s.artifacts[artifact.ID] = &cp
	return nil
}

// ReadArtifact returns the stored bytes of an artifact.
func (s *Store) ReadArtifact(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	artifact, ok := s.artifacts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "artifact", ID: id}
	}
	data, err := os.ReadFile(filepath.Join(s.artifactRoot, filepath.FromSlash(artifact.Path)))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading artifact")
	}
	return data, nil
}

// GetArtifactByName returns a run's artifact by logical name.
func (s *Store) GetArtifactByName(_ context.Context, runID, name string) (*store.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *store.Artifact
	for _, artifact := range s.artifacts {
		if artifact.RunID == runID && artifact.Name == name {
			if latest == nil || artifact.CreatedAt.After(latest.CreatedAt) {
				latest = artifact
			}
		}
	}
	if latest == nil {
		return nil, &pkgerrors.NotFoundError{Resource: "artifact", ID: name}
	}
	cp := *latest
	return &cp, nil
}

// ListArtifactsByRun returns the run's artifacts in creation order.
func (s *Store) ListArtifactsByRun(_ context.Context, runID string) ([]*store.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	artifacts := make([]*store.Artifact, 0)
	for _, artifact := range s.artifacts {
		if artifact.RunID == runID {
			cp := *artifact
			artifacts = append(artifacts, &cp)
		}
	}
	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].CreatedAt.Equal(artifacts[j].CreatedAt) {
			return artifacts[i].ID < artifacts[j].ID
		}
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})
	return artifacts, nil
}

// AppendOutbox records an external side-effect for publication.
func (s *Store) AppendOutbox(_ context.Context, topic string, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextOutboxID++
	entry := &store.OutboxEntry{
		ID:        s.nextOutboxID,
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now().UTC(),
	}
	s.outbox = append(s.outbox, entry)
	return entry.ID, nil
}

// ListUnpublishedOutbox returns up to limit unpublished entries.
func (s *Store) ListUnpublishedOutbox(_ context.Context, limit int) ([]*store.OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*store.OutboxEntry, 0)
	for _, entry := range s.outbox {
		if entry.PublishedAt == nil {
			cp := *entry
			entries = append(entries, &cp)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
	}
	return entries, nil
}

// MarkOutboxPublished stamps an outbox entry as published.
func (s *Store) MarkOutboxPublished(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.outbox {
		if entry.ID == id {
			now := time.Now().UTC()
			entry.PublishedAt = &now
			return nil
		}
	}
	return &pkgerrors.NotFoundError{Resource: "outbox entry", ID: ""}
}

// SeenInbox records the delivery key and reports whether it was already seen.
func (s *Store) SeenInbox(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.inbox[key]; seen {
		return true, nil
	}
	s.inbox[key] = time.Now().UTC()
	return false, nil
}

// Ping reports the store reachable; the memory driver always is.
func (s *Store) Ping(context.Context) error { return nil }

// Close releases driver resources.
func (s *Store) Close() error { return nil }
