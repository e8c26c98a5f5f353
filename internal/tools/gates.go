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

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/runplane/runplane/internal/store"
)

// GateCheck runs a mechanical quality check against a named artifact. A
// passing check succeeds the step; a failing check raises a gate of the
// configured type so a reviewer can approve a fix or waive the finding.
type GateCheck struct {
	tool     string
	gateType string
	store    store.Store
}

// NewGateCheck creates a check handler bound to a gate type.
func NewGateCheck(tool, gateType string, deps Deps) *GateCheck {
	return &GateCheck{tool: tool, gateType: gateType, store: deps.Store}
}

// Name returns the tool name.
func (g *GateCheck) Name() string {
	return g.tool
}

// Execute checks inputs {artifact} and raises a gate on findings.
func (g *GateCheck) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	name, err := requireString(inv.Inputs, "artifact")
	if err != nil {
		return nil, err
	}

	artifact, err := g.store.GetArtifactByName(ctx, inv.RunID, name)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact %q: %w", name, err)
	}
	data, err := g.store.ReadArtifact(ctx, artifact.ID)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %q: %w", name, err)
	}

	var findings []string
	switch g.gateType {
	case "typecheck":
		findings = typecheckFindings(name, data)
	case "lint":
		findings = lintFindings(data)
	}

	if len(findings) > 0 {
		return &Result{
			Gate: &GateRequest{
				Type:   g.gateType,
				Reason: strings.Join(findings, "; "),
			},
		}, nil
	}

	return &Result{
		Summary: map[string]any{
			"artifact": name,
			"check":    g.gateType,
			"passed":   true,
		},
	}, nil
}

func typecheckFindings(name string, data []byte) []string {
	var findings []string
	if len(data) == 0 {
		findings = append(findings, "artifact is empty")
	}
	if !utf8.Valid(data) {
		findings = append(findings, "artifact is not valid UTF-8")
	}
	if strings.HasSuffix(name, ".json") {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			findings = append(findings, fmt.Sprintf("invalid JSON: %v", err))
		}
	}
	return findings
}

func lintFindings(data []byte) []string {
	var findings []string
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if line != strings.TrimRight(line, " \t") {
			findings = append(findings, fmt.Sprintf("line %d has trailing whitespace", i+1))
		}
	}
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		findings = append(findings, "file does not end with a newline")
	}
	return findings
}

// UnitGate compares a reported coverage fraction to the configured
// threshold, both in [0, 1].
type UnitGate struct {
	threshold float64
}

// NewUnitGate creates the gate:unit handler.
func NewUnitGate(deps Deps) *UnitGate {
	return &UnitGate{threshold: deps.CoverageThreshold}
}

// Name returns the tool name.
func (g *UnitGate) Name() string {
	return "gate:unit"
}

// Execute checks inputs {coverage} against the coverage threshold.
func (g *UnitGate) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	raw, ok := inv.Inputs["coverage"]
	if !ok {
		return nil, fmt.Errorf("input %q is required", "coverage")
	}
	coverage, ok := raw.(float64)
	if !ok {
		return nil, fmt.Errorf("input %q must be a number", "coverage")
	}

	if g.threshold > 0 && coverage < g.threshold {
		return &Result{
			Gate: &GateRequest{
				Type:   "unit",
				Reason: fmt.Sprintf("coverage %.2f is below the %.2f threshold", coverage, g.threshold),
			},
		}, nil
	}

	return &Result{
		Summary: map[string]any{
			"coverage":  coverage,
			"threshold": g.threshold,
			"passed":    true,
		},
	}, nil
}
