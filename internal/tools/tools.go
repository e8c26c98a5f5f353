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

// Package tools defines the tool handler contract and registry, plus the
// built-in handlers steps bind to: codegen, workspace:write, transform:jq,
// the gate:* checks, manual:deploy, and git_pr.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/runplane/runplane/internal/store"
	"github.com/runplane/runplane/pkg/llm"
)

// Invocation carries one step execution into a handler.
type Invocation struct {
	RunID    string
	StepID   string
	StepName string
	Tool     string
	Attempt  int

	// Goal is the plan's goal statement, available as prompt context.
	Goal string

	// Inputs is the step's materialised inputs, policy block included.
	Inputs map[string]any
}

// ArtifactOutput is one artifact produced by a handler.
type ArtifactOutput struct {
	Name     string
	MIME     string
	Data     []byte
	Metadata map[string]any
}

// GateRequest signals that the step must block on an out-of-band approval
// instead of completing.
type GateRequest struct {
	// Type names the gate (e.g. "manual-approval", "typecheck").
	Type string

	// Reason explains why the gate was raised.
	Reason string
}

// Result is a successful handler outcome.
type Result struct {
	// Summary is the step's result record, persisted on the step row and
	// carried in the step.succeeded event.
	Summary map[string]any

	// Artifacts are persisted by the runner under stable logical names.
	Artifacts []ArtifactOutput

	// Gate, when non-nil, moves the step to awaiting_gate rather than
	// succeeded.
	Gate *GateRequest
}

// Handler executes one tool. Implementations must be safe for concurrent
// use; the same handler instance serves all steps bound to its tool.
type Handler interface {
	// Name returns the tool name steps bind to.
	Name() string

	// Execute runs the tool. Errors are classified by the runner: wrap
	// with errors.Retryable to request redelivery, anything else fails
	// the step permanently.
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

// Deps are the collaborators built-in handlers draw on.
type Deps struct {
	Store  store.Store
	Router *llm.Router
	Logger *slog.Logger

	// WorkspaceDir roots workspace:write paths.
	WorkspaceDir string

	// CoverageThreshold is the minimum coverage gate:unit accepts, as a
	// fraction in [0, 1]. Zero disables the check.
	CoverageThreshold float64
}

// Registry maps tool names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering the same name twice overwrites the
// previous handler.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Get returns the handler for a tool name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// List returns registered tool names, sorted alphabetically.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins wires every built-in handler into the registry.
func RegisterBuiltins(r *Registry, deps Deps) {
	r.Register(NewCodegen(deps))
	r.Register(NewWorkspaceWrite(deps))
	r.Register(NewTransformJQ(deps))
	r.Register(NewGateCheck("gate:typecheck", "typecheck", deps))
	r.Register(NewGateCheck("gate:lint", "lint", deps))
	r.Register(NewUnitGate(deps))
	r.Register(NewManualDeploy())
	r.Register(NewGitPR(deps))
}

// stringInput reads a string field from handler inputs.
func stringInput(inputs map[string]any, key string) (string, bool) {
	v, ok := inputs[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// requireString reads a mandatory string field.
func requireString(inputs map[string]any, key string) (string, error) {
	s, ok := stringInput(inputs, key)
	if !ok || s == "" {
		return "", fmt.Errorf("input %q is required and must be a string", key)
	}
	return s, nil
}
