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

package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/runplane/runplane/pkg/errors"
)

func TestStandardBuilderMinimalPlan(t *testing.T) {
	b := NewStandardBuilder()

	p, err := b.Build(context.Background(), "a fibonacci function in Python", Options{})
	require.NoError(t, err)

	assert.Equal(t, "a fibonacci function in Python", p.Goal)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "generate", p.Steps[0].Name)
	assert.Equal(t, "codegen", p.Steps[0].Tool)
	assert.Equal(t, "a fibonacci function in Python", p.Steps[0].Inputs["prompt"])
	assert.Equal(t, "a-fibonacci-function-in-python.md", p.Steps[0].Inputs["filename"])
}

func TestStandardBuilderWithReviewAndPR(t *testing.T) {
	b := NewStandardBuilder()

	p, err := b.Build(context.Background(), "add a widget", Options{
		Filename: "widget.go",
		Review:   true,
		OpenPR:   true,
	})
	require.NoError(t, err)

	require.Len(t, p.Steps, 3)
	assert.Equal(t, "widget.go", p.Steps[0].Inputs["filename"])
	assert.Equal(t, "review", p.Steps[1].Name)
	assert.Equal(t, "manual:deploy", p.Steps[1].Tool)
	assert.Equal(t, "open pr", p.Steps[2].Name)
	assert.Equal(t, "git_pr", p.Steps[2].Tool)
	assert.Equal(t, "add a widget", p.Steps[2].Inputs["title"])
}

func TestStandardBuilderRejectsEmptyPrompt(t *testing.T) {
	b := NewStandardBuilder()

	_, err := b.Build(context.Background(), "   ", Options{})
	assert.Error(t, err)
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Hello World", want: "hello-world"},
		{in: "CSV -> JSON converter!", want: "csv---json-converter"},
		{in: "___", want: "output"},
		{in: "@#$%", want: "output"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, slugify(tt.in), tt.in)
	}

	// Long prompts truncate to a bounded stem.
	long := slugify("this prompt is far longer than the slug limit allows and keeps going and going")
	assert.LessOrEqual(t, len(long), 40)
}

func TestEvaluator(t *testing.T) {
	e := NewEvaluator()
	env := map[string]any{
		"goal":   "build it",
		"tool":   "codegen",
		"inputs": map[string]any{"prompt": "x"},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "empty defaults to true", expr: "", want: true},
		{name: "literal true", expr: "true", want: true},
		{name: "literal false", expr: "false", want: false},
		{name: "env comparison", expr: `tool == "codegen"`, want: true},
		{name: "nested input access", expr: `inputs.prompt == "x"`, want: true},
		{name: "undefined variable is nil", expr: `missing == nil`, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluatorErrors(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate("((", nil)
	var vErr *pkgerrors.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "when", vErr.Field)
}

func TestEvaluatorCachesPrograms(t *testing.T) {
	e := NewEvaluator()

	for i := 0; i < 3; i++ {
		got, err := e.Evaluate("1 < 2", nil)
		require.NoError(t, err)
		assert.True(t, got)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Len(t, e.cache, 1)
}

func TestSlugifyWhitespaceCollapse(t *testing.T) {
	assert.Equal(t, "a--b", slugify("a  b"))
}
