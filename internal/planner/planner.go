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

// Package planner builds executable plans from natural-language prompts.
// The engine treats builders as opaque: the only requirements on their
// output are unique step names, registered tool names, and
// JSON-canonicalisable inputs.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/runplane/runplane/pkg/plan"
)

// Options tune plan construction.
type Options struct {
	// Filename names the primary output artifact. Empty derives one from
	// the prompt.
	Filename string

	// Review appends a manual-approval step after generation.
	Review bool

	// OpenPR appends a git_pr step producing a pull-request payload.
	OpenPR bool
}

// Builder turns a prompt into a plan.
type Builder interface {
	// Build returns a validated plan for the prompt.
	Build(ctx context.Context, prompt string, opts Options) (*plan.Plan, error)
}

// StandardBuilder is the built-in builder: a codegen step for the prompt,
// optionally followed by review and PR steps.
type StandardBuilder struct{}

// NewStandardBuilder creates the built-in builder.
func NewStandardBuilder() *StandardBuilder {
	return &StandardBuilder{}
}

// Build constructs the standard plan shape.
func (b *StandardBuilder) Build(ctx context.Context, prompt string, opts Options) (*plan.Plan, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt must not be empty")
	}

	filename := opts.Filename
	if filename == "" {
		filename = slugify(prompt) + ".md"
	}

	p := &plan.Plan{
		Goal: prompt,
		Steps: []plan.Step{
			{
				Name: "generate",
				Tool: "codegen",
				Inputs: map[string]any{
					"prompt":   prompt,
					"filename": filename,
				},
			},
		},
	}
	if opts.Review {
		p.Steps = append(p.Steps, plan.Step{
			Name: "review",
			Tool: "manual:deploy",
			Inputs: map[string]any{
				"reason": "review generated output before continuing",
			},
		})
	}
	if opts.OpenPR {
		p.Steps = append(p.Steps, plan.Step{
			Name: "open pr",
			Tool: "git_pr",
			Inputs: map[string]any{
				"title": prompt,
			},
		})
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// slugify reduces a prompt to a filesystem-safe stem.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
		if b.Len() >= 40 {
			break
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "output"
	}
	return slug
}
