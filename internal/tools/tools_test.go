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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/internal/store"
	storememory "github.com/runplane/runplane/internal/store/memory"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := storememory.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedArtifact(t *testing.T, st store.Store, runID, name string, data []byte) {
	t.Helper()
	require.NoError(t, st.AddArtifact(context.Background(), &store.Artifact{
		ID:        "art-" + name,
		RunID:     runID,
		StepID:    "step-src",
		Name:      name,
		MIME:      "application/json",
		CreatedAt: time.Now().UTC(),
	}, data))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, Deps{Store: newTestStore(t)})

	names := r.List()
	assert.Contains(t, names, "codegen")
	assert.Contains(t, names, "workspace:write")
	assert.Contains(t, names, "transform:jq")
	assert.Contains(t, names, "gate:typecheck")
	assert.Contains(t, names, "gate:lint")
	assert.Contains(t, names, "gate:unit")
	assert.Contains(t, names, "manual:deploy")
	assert.Contains(t, names, "git_pr")

	_, ok := r.Get("codegen")
	assert.True(t, ok)
	_, ok = r.Get("no-such-tool")
	assert.False(t, ok)
}

func TestCodegenFallbackTemplate(t *testing.T) {
	c := NewCodegen(Deps{})

	result, err := c.Execute(context.Background(), &Invocation{
		RunID:    "run-1",
		StepName: "generate",
		Inputs:   map[string]any{"prompt": "a fibonacci function", "filename": "fib.py"},
	})
	require.NoError(t, err)

	assert.Equal(t, "template", result.Summary["model"])
	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, "fib.py", result.Artifacts[0].Name)
	assert.Contains(t, string(result.Artifacts[0].Data), "a fibonacci function")
}

func TestCodegenRequiresPromptAndFilename(t *testing.T) {
	c := NewCodegen(Deps{})

	_, err := c.Execute(context.Background(), &Invocation{Inputs: map[string]any{"filename": "x.go"}})
	assert.Error(t, err)

	_, err = c.Execute(context.Background(), &Invocation{Inputs: map[string]any{"prompt": "x"}})
	assert.Error(t, err)

	// "topic" is accepted as a prompt alias.
	result, err := c.Execute(context.Background(), &Invocation{
		Inputs: map[string]any{"topic": "sorting", "filename": "sort.go"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(result.Artifacts[0].Data), "sorting")
}

func TestWorkspaceWrite(t *testing.T) {
	root := t.TempDir()
	w := NewWorkspaceWrite(Deps{WorkspaceDir: root})

	result, err := w.Execute(context.Background(), &Invocation{
		Inputs: map[string]any{"path": "src/main.go", "content": "package main\n"},
	})
	require.NoError(t, err)
	assert.Equal(t, "src/main.go", result.Summary["path"])

	written, err := os.ReadFile(filepath.Join(root, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(written))
}

func TestWorkspaceWriteRejectsEscapingPaths(t *testing.T) {
	w := NewWorkspaceWrite(Deps{WorkspaceDir: t.TempDir()})

	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		_, err := w.Execute(context.Background(), &Invocation{
			Inputs: map[string]any{"path": path, "content": "x"},
		})
		assert.Error(t, err, "path %q must be rejected", path)
	}
}

func TestTransformJQ(t *testing.T) {
	st := newTestStore(t)
	seedArtifact(t, st, "run-1", "data.json", []byte(`{"items":[{"n":1},{"n":2},{"n":3}]}`))

	jq := NewTransformJQ(Deps{Store: st})
	result, err := jq.Execute(context.Background(), &Invocation{
		RunID: "run-1",
		Inputs: map[string]any{
			"artifact": "data.json",
			"query":    "[.items[].n]",
			"output":   "numbers.json",
		},
	})
	require.NoError(t, err)

	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, "numbers.json", result.Artifacts[0].Name)
	assert.JSONEq(t, `[1,2,3]`, string(result.Artifacts[0].Data))
}

func TestTransformJQErrors(t *testing.T) {
	st := newTestStore(t)
	seedArtifact(t, st, "run-1", "data.json", []byte(`{"a":1}`))
	seedArtifact(t, st, "run-1", "broken.json", []byte(`not json`))
	jq := NewTransformJQ(Deps{Store: st})

	tests := []struct {
		name   string
		inputs map[string]any
	}{
		{name: "missing artifact input", inputs: map[string]any{"query": "."}},
		{name: "missing query input", inputs: map[string]any{"artifact": "data.json"}},
		{name: "unknown artifact", inputs: map[string]any{"artifact": "nope.json", "query": "."}},
		{name: "invalid query", inputs: map[string]any{"artifact": "data.json", "query": "[["}},
		{name: "non-json source", inputs: map[string]any{"artifact": "broken.json", "query": "."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := jq.Execute(context.Background(), &Invocation{RunID: "run-1", Inputs: tt.inputs})
			assert.Error(t, err)
		})
	}
}

func TestTransformJQDefaultOutputName(t *testing.T) {
	st := newTestStore(t)
	seedArtifact(t, st, "run-1", "data.json", []byte(`1`))

	jq := NewTransformJQ(Deps{Store: st})
	result, err := jq.Execute(context.Background(), &Invocation{
		RunID:  "run-1",
		Inputs: map[string]any{"artifact": "data.json", "query": ". + 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "data.json.out.json", result.Artifacts[0].Name)
	assert.Equal(t, "2", string(result.Artifacts[0].Data))
}

func TestGateCheckTypecheck(t *testing.T) {
	st := newTestStore(t)
	seedArtifact(t, st, "run-1", "good.json", []byte(`{"valid":true}`))
	seedArtifact(t, st, "run-1", "bad.json", []byte(`{"valid":`))

	check := NewGateCheck("gate:typecheck", "typecheck", Deps{Store: st})

	result, err := check.Execute(context.Background(), &Invocation{
		RunID:  "run-1",
		Inputs: map[string]any{"artifact": "good.json"},
	})
	require.NoError(t, err)
	assert.Nil(t, result.Gate)
	assert.Equal(t, true, result.Summary["passed"])

	result, err = check.Execute(context.Background(), &Invocation{
		RunID:  "run-1",
		Inputs: map[string]any{"artifact": "bad.json"},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Gate)
	assert.Equal(t, "typecheck", result.Gate.Type)
	assert.Contains(t, result.Gate.Reason, "invalid JSON")
}

func TestGateCheckLint(t *testing.T) {
	st := newTestStore(t)
	seedArtifact(t, st, "run-1", "clean.txt", []byte("hello\nworld\n"))
	seedArtifact(t, st, "run-1", "dirty.txt", []byte("hello \nno newline"))

	check := NewGateCheck("gate:lint", "lint", Deps{Store: st})

	result, err := check.Execute(context.Background(), &Invocation{
		RunID:  "run-1",
		Inputs: map[string]any{"artifact": "clean.txt"},
	})
	require.NoError(t, err)
	assert.Nil(t, result.Gate)

	result, err = check.Execute(context.Background(), &Invocation{
		RunID:  "run-1",
		Inputs: map[string]any{"artifact": "dirty.txt"},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Gate)
	assert.Contains(t, result.Gate.Reason, "trailing whitespace")
	assert.Contains(t, result.Gate.Reason, "newline")
}

func TestUnitGate(t *testing.T) {
	gate := NewUnitGate(Deps{CoverageThreshold: 0.8})

	result, err := gate.Execute(context.Background(), &Invocation{
		Inputs: map[string]any{"coverage": 0.925},
	})
	require.NoError(t, err)
	assert.Nil(t, result.Gate)
	assert.Equal(t, true, result.Summary["passed"])

	result, err = gate.Execute(context.Background(), &Invocation{
		Inputs: map[string]any{"coverage": 0.61},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Gate)
	assert.Equal(t, "unit", result.Gate.Type)
	assert.Contains(t, result.Gate.Reason, "below")

	_, err = gate.Execute(context.Background(), &Invocation{Inputs: map[string]any{}})
	assert.Error(t, err)
	_, err = gate.Execute(context.Background(), &Invocation{Inputs: map[string]any{"coverage": "high"}})
	assert.Error(t, err)

	// Zero threshold disables the check entirely.
	open := NewUnitGate(Deps{})
	result, err = open.Execute(context.Background(), &Invocation{
		Inputs: map[string]any{"coverage": 1.0},
	})
	require.NoError(t, err)
	assert.Nil(t, result.Gate)
}

func TestManualDeployAlwaysGates(t *testing.T) {
	m := NewManualDeploy()

	result, err := m.Execute(context.Background(), &Invocation{Inputs: map[string]any{}})
	require.NoError(t, err)
	require.NotNil(t, result.Gate)
	assert.Equal(t, "manual-approval", result.Gate.Type)

	result, err = m.Execute(context.Background(), &Invocation{
		Inputs: map[string]any{"reason": "prod rollout"},
	})
	require.NoError(t, err)
	assert.Equal(t, "prod rollout", result.Gate.Reason)
}

func TestGitPRBuildsPayload(t *testing.T) {
	st := newTestStore(t)
	seedArtifact(t, st, "run-1", "main.go", []byte("package main\n"))
	seedArtifact(t, st, "run-1", "main_test.go", []byte("package main\n"))

	g := NewGitPR(Deps{Store: st})
	result, err := g.Execute(context.Background(), &Invocation{
		RunID:  "run-1",
		Inputs: map[string]any{"title": "Add widget"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Add widget", result.Summary["title"])
	assert.Equal(t, "runplane/run-1", result.Summary["branch"])
	assert.Equal(t, 2, result.Summary["files"])

	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, "pr.json", result.Artifacts[0].Name)
	assert.Contains(t, string(result.Artifacts[0].Data), `"main.go"`)

	_, err = g.Execute(context.Background(), &Invocation{RunID: "run-1", Inputs: map[string]any{}})
	assert.Error(t, err)
}
