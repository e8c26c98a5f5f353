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

// Package sqlite provides the relational store driver for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/runplane/runplane/internal/store"
	pkgerrors "github.com/runplane/runplane/pkg/errors"
	"github.com/runplane/runplane/pkg/plan"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store is a SQLite storage driver.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. ":memory:" is valid for tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens the database, applies pragmas, and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so keep a single connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			status TEXT NOT NULL,
			plan TEXT NOT NULL,
			user_id TEXT,
			user_tier TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			ended_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			name TEXT NOT NULL,
			tool TEXT NOT NULL,
			inputs TEXT,
			status TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			summary TEXT,
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			UNIQUE(run_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL REFERENCES runs(id),
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			step_id TEXT,
			payload TEXT,
			occurred_at TIMESTAMP NOT NULL,
			PRIMARY KEY(run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS gates (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			step_id TEXT,
			gate_type TEXT NOT NULL,
			status TEXT NOT NULL,
			approved_by TEXT,
			reason TEXT,
			created_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gates_run ON gates(run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			step_id TEXT NOT NULL,
			name TEXT NOT NULL,
			mime TEXT NOT NULL,
			path TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			data BLOB,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			published_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS inbox (
			key TEXT PRIMARY KEY,
			seen_at TIMESTAMP NOT NULL
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	planJSON, err := marshalJSON(run.Plan)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project_id, status, plan, user_id, user_tier, created_at, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, string(run.Status), planJSON.String,
		run.UserID, run.UserTier, run.CreatedAt, nullTime(run.StartedAt), nullTime(run.EndedAt))
	if isUniqueViolation(err) {
		return &pkgerrors.ConflictError{Resource: "run", ID: run.ID, Message: "already exists"}
	}
	return err
}

func (s *Store) scanRun(row interface{ Scan(...any) error }) (*store.Run, error) {
	var run store.Run
	var planJSON string
	var userID, userTier sql.NullString
	var startedAt, endedAt sql.NullTime
	err := row.Scan(&run.ID, &run.ProjectID, (*string)(&run.Status), &planJSON,
		&userID, &userTier, &run.CreatedAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if planJSON != "" {
		var p plan.Plan
		if err := json.Unmarshal([]byte(planJSON), &p); err != nil {
			return nil, fmt.Errorf("decoding plan: %w", err)
		}
		run.Plan = &p
	}
	run.UserID = userID.String
	run.UserTier = userTier.String
	run.StartedAt = timePtr(startedAt)
	run.EndedAt = timePtr(endedAt)
	return &run, nil
}

const runColumns = "id, project_id, status, plan, user_id, user_tier, created_at, started_at, ended_at"

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := s.scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pkgerrors.NotFoundError{Resource: "run", ID: id}
	}
	return run, err
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int, projectID string) ([]*store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus sets the run status and non-nil timestamps.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status store.RunStatus, startedAt, endedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?,
			started_at = COALESCE(?, started_at),
			ended_at = COALESCE(?, ended_at)
		 WHERE id = ?`,
		string(status), nullTime(startedAt), nullTime(endedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &pkgerrors.NotFoundError{Resource: "run", ID: id}
	}
	return nil
}

// CreateStep inserts a step atomically with its idempotency key. A unique
// index on (run_id, idempotency_key) makes the conflict detection atomic;
// conflicts are a reuse signal, not an error.
func (s *Store) CreateStep(ctx context.Context, step *store.Step) (bool, error) {
	inputsJSON, err := marshalJSON(step.Inputs)
	if err != nil {
		return false, fmt.Errorf("encoding inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO steps (id, run_id, name, tool, inputs, status, idempotency_key, attempt, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.Name, step.Tool, inputsJSON,
		string(step.Status), step.IdempotencyKey, step.Attempt, step.CreatedAt)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const stepColumns = "id, run_id, name, tool, inputs, status, idempotency_key, attempt, summary, error, created_at, started_at, ended_at"

func (s *Store) scanStep(row interface{ Scan(...any) error }) (*store.Step, error) {
	var step store.Step
	var inputs, summary, stepErr sql.NullString
	var startedAt, endedAt sql.NullTime
	err := row.Scan(&step.ID, &step.RunID, &step.Name, &step.Tool, &inputs,
		(*string)(&step.Status), &step.IdempotencyKey, &step.Attempt,
		&summary, &stepErr, &step.CreatedAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if inputs.Valid {
		if err := json.Unmarshal([]byte(inputs.String), &step.Inputs); err != nil {
			return nil, fmt.Errorf("decoding inputs: %w", err)
		}
	}
	if summary.Valid {
		if err := json.Unmarshal([]byte(summary.String), &step.Summary); err != nil {
			return nil, fmt.Errorf("decoding summary: %w", err)
		}
	}
	if stepErr.Valid {
		var se store.StepError
		if err := json.Unmarshal([]byte(stepErr.String), &se); err != nil {
			return nil, fmt.Errorf("decoding error record: %w", err)
		}
		step.Error = &se
	}
	step.StartedAt = timePtr(startedAt)
	step.EndedAt = timePtr(endedAt)
	return &step, nil
}

// GetStep returns a step by id.
func (s *Store) GetStep(ctx context.Context, id string) (*store.Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	step, err := s.scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pkgerrors.NotFoundError{Resource: "step", ID: id}
	}
	return step, err
}

// GetStepByIdempotencyKey returns the step for (runID, key).
func (s *Store) GetStepByIdempotencyKey(ctx context.Context, runID, key string) (*store.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND idempotency_key = ?`, runID, key)
	step, err := s.scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pkgerrors.NotFoundError{Resource: "step", ID: key}
	}
	return step, err
}

// UpdateStep persists mutable step fields.
func (s *Store) UpdateStep(ctx context.Context, step *store.Step) error {
	summaryJSON, err := marshalJSON(step.Summary)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	var errJSON sql.NullString
	if step.Error != nil {
		errJSON, err = marshalJSON(step.Error)
		if err != nil {
			return fmt.Errorf("encoding error record: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, attempt = ?, summary = ?, error = ?, started_at = ?, ended_at = ?
		 WHERE id = ?`,
		string(step.Status), step.Attempt, summaryJSON, errJSON,
		nullTime(step.StartedAt), nullTime(step.EndedAt), step.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &pkgerrors.NotFoundError{Resource: "step", ID: step.ID}
	}
	return nil
}

// CASStepStatus transitions the step from → to atomically via a guarded
// UPDATE.
func (s *Store) CASStepStatus(ctx context.Context, id string, from, to store.StepStatus) (bool, error) {
	now := time.Now().UTC()
	var startedAt, endedAt sql.NullTime
	switch to {
	case store.StepRunning:
		startedAt = sql.NullTime{Time: now, Valid: true}
	case store.StepSucceeded, store.StepFailed, store.StepCancelled:
		endedAt = sql.NullTime{Time: now, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?,
			started_at = COALESCE(?, started_at),
			ended_at = COALESCE(?, ended_at)
		 WHERE id = ? AND status = ?`,
		string(to), startedAt, endedAt, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish a missing step from a lost CAS.
		if _, err := s.GetStep(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ResetStep returns a terminal step to queued and increments its attempt.
func (s *Store) ResetStep(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, attempt = attempt + 1, error = NULL, started_at = NULL, ended_at = NULL
		 WHERE id = ?`,
		string(store.StepQueued), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &pkgerrors.NotFoundError{Resource: "step", ID: id}
	}
	return nil
}

// ListStepsByRun returns the run's steps in creation order.
func (s *Store) ListStepsByRun(ctx context.Context, runID string) ([]*store.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*store.Step
	for rows.Next() {
		step, err := s.scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// CountRemainingSteps counts steps in queued, running, or awaiting_gate.
func (s *Store) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM steps WHERE run_id = ? AND status IN (?, ?, ?)`,
		runID, string(store.StepQueued), string(store.StepRunning), string(store.StepAwaitingGate)).Scan(&count)
	return count, err
}

// RecordEvent appends an event inside a transaction so sequence numbers are
// gap-free and strictly increasing per run.
func (s *Store) RecordEvent(ctx context.Context, runID, eventType, stepID string, payload map[string]any) (int64, error) {
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		return 0, err
	}

	var stepRef sql.NullString
	if stepID != "" {
		stepRef = sql.NullString{String: stepID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, type, step_id, payload, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, seq, eventType, stepRef, payloadJSON, time.Now().UTC()); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// ListEvents returns the run's events with seq > sinceSeq.
func (s *Store) ListEvents(ctx context.Context, runID string, sinceSeq int64) ([]*store.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, type, step_id, payload, occurred_at FROM events
		 WHERE run_id = ? AND seq > ? ORDER BY seq`, runID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*store.Event
	for rows.Next() {
		var ev store.Event
		var stepID, payload sql.NullString
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Type, &stepID, &payload, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.StepID = stepID.String
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decoding payload: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

const gateColumns = "id, run_id, step_id, gate_type, status, approved_by, reason, created_at, resolved_at"

func (s *Store) scanGate(row interface{ Scan(...any) error }) (*store.Gate, error) {
	var gate store.Gate
	var stepID, approvedBy, reason sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&gate.ID, &gate.RunID, &stepID, &gate.Type,
		(*string)(&gate.Status), &approvedBy, &reason, &gate.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	gate.StepID = stepID.String
	gate.ApprovedBy = approvedBy.String
	gate.Reason = reason.String
	gate.ResolvedAt = timePtr(resolvedAt)
	return &gate, nil
}

// CreateOrGetGate inserts a gate or returns the existing pending gate of
// the same (run, step, type).
func (s *Store) CreateOrGetGate(ctx context.Context, gate *store.Gate) (*store.Gate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var stepRef sql.NullString
	if gate.StepID != "" {
		stepRef = sql.NullString{String: gate.StepID, Valid: true}
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+gateColumns+` FROM gates
		 WHERE run_id = ? AND COALESCE(step_id, '') = ? AND gate_type = ? AND status = ?`,
		gate.RunID, gate.StepID, gate.Type, string(store.GatePending))
	existing, err := s.scanGate(row)
	if err == nil {
		return existing, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gates (id, run_id, step_id, gate_type, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		gate.ID, gate.RunID, stepRef, gate.Type, string(gate.Status), gate.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	cp := *gate
	return &cp, nil
}

// GetGate returns a gate by id.
func (s *Store) GetGate(ctx context.Context, id string) (*store.Gate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE id = ?`, id)
	gate, err := s.scanGate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pkgerrors.NotFoundError{Resource: "gate", ID: id}
	}
	return gate, err
}

// ResolveGate moves a pending gate to a terminal status; terminal gates are
// immutable.
func (s *Store) ResolveGate(ctx context.Context, id string, status store.GateStatus, approvedBy, reason string) (*store.Gate, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gates SET status = ?, approved_by = ?, reason = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), approvedBy, reason, time.Now().UTC(), id, string(store.GatePending))
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	gate, err := s.GetGate(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		if gate.Status == status {
			return gate, false, nil
		}
		return nil, false, &pkgerrors.ConflictError{
			Resource: "gate",
			ID:       id,
			Message:  "already resolved as " + string(gate.Status),
		}
	}
	return gate, true, nil
}

// ListGatesByRun returns the run's gates in creation order.
func (s *Store) ListGatesByRun(ctx context.Context, runID string) ([]*store.Gate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+gateColumns+` FROM gates WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gates []*store.Gate
	for rows.Next() {
		gate, err := s.scanGate(rows)
		if err != nil {
			return nil, err
		}
		gates = append(gates, gate)
	}
	return gates, rows.Err()
}

// CountPendingGates counts the run's unresolved gates.
func (s *Store) CountPendingGates(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gates WHERE run_id = ? AND status = ?`,
		runID, string(store.GatePending)).Scan(&count)
	return count, err
}

// AddArtifact stores artifact bytes as a blob column and records the row.
func (s *Store) AddArtifact(ctx context.Context, artifact *store.Artifact, data []byte) error {
	artifact.Path = store.ArtifactPath(artifact.RunID, artifact.StepID, artifact.Name)
	artifact.Driver = "sqlite"
	artifact.Size = int64(len(data))

	metaJSON, err := marshalJSON(artifact.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, run_id, step_id, name, mime, path, size, metadata, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.RunID, artifact.StepID, artifact.Name, artifact.MIME,
		artifact.Path, artifact.Size, metaJSON, data, artifact.CreatedAt)
	return err
}

// ReadArtifact returns the stored bytes of an artifact.
func (s *Store) ReadArtifact(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM artifacts WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pkgerrors.NotFoundError{Resource: "artifact", ID: id}
	}
	return data, err
}

const artifactColumns = "id, run_id, step_id, name, mime, path, size, metadata, created_at"

func (s *Store) scanArtifact(row interface{ Scan(...any) error }) (*store.Artifact, error) {
	var artifact store.Artifact
	var metadata sql.NullString
	err := row.Scan(&artifact.ID, &artifact.RunID, &artifact.StepID, &artifact.Name,
		&artifact.MIME, &artifact.Path, &artifact.Size, &metadata, &artifact.CreatedAt)
	if err != nil {
		return nil, err
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &artifact.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &artifact, nil
}

// GetArtifactByName returns the run's newest artifact with the given name.
func (s *Store) GetArtifactByName(ctx context.Context, runID, name string) (*store.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = ? AND name = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, runID, name)
	artifact, err := s.scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pkgerrors.NotFoundError{Resource: "artifact", ID: name}
	}
	return artifact, err
}

// ListArtifactsByRun returns the run's artifacts in creation order.
func (s *Store) ListArtifactsByRun(ctx context.Context, runID string) ([]*store.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*store.Artifact
	for rows.Next() {
		artifact, err := s.scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// AppendOutbox records an external side-effect for publication.
func (s *Store) AppendOutbox(ctx context.Context, topic string, payload []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (topic, payload, created_at) VALUES (?, ?, ?)`,
		topic, payload, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListUnpublishedOutbox returns up to limit unpublished entries.
func (s *Store) ListUnpublishedOutbox(ctx context.Context, limit int) ([]*store.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, payload, created_at, published_at FROM outbox
		 WHERE published_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*store.OutboxEntry
	for rows.Next() {
		var entry store.OutboxEntry
		var publishedAt sql.NullTime
		if err := rows.Scan(&entry.ID, &entry.Topic, &entry.Payload, &entry.CreatedAt, &publishedAt); err != nil {
			return nil, err
		}
		entry.PublishedAt = timePtr(publishedAt)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// MarkOutboxPublished stamps an outbox entry as published.
func (s *Store) MarkOutboxPublished(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &pkgerrors.NotFoundError{Resource: "outbox entry", ID: fmt.Sprintf("%d", id)}
	}
	return nil
}

// SeenInbox records the delivery key and reports whether it was already seen.
func (s *Store) SeenInbox(ctx context.Context, key string) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbox (key, seen_at) VALUES (?, ?)`, key, time.Now().UTC())
	if isUniqueViolation(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
