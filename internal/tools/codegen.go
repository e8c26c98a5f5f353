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
	"fmt"
	"mime"
	"path/filepath"

	"github.com/runplane/runplane/pkg/llm"
)

// Codegen generates file content from a prompt and stores it as an
// artifact. With a configured LLM router the content comes from the codegen
// task route; without one a deterministic template keeps single-process
// setups working offline.
type Codegen struct {
	router *llm.Router
}

// NewCodegen creates the codegen handler.
func NewCodegen(deps Deps) *Codegen {
	return &Codegen{router: deps.Router}
}

// Name returns the tool name.
func (c *Codegen) Name() string {
	return "codegen"
}

// Execute generates content for inputs {topic|prompt, filename, model?}.
func (c *Codegen) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	prompt, ok := stringInput(inv.Inputs, "prompt")
	if !ok {
		prompt, _ = stringInput(inv.Inputs, "topic")
	}
	if prompt == "" {
		return nil, fmt.Errorf("input %q or %q is required", "prompt", "topic")
	}

	filename, err := requireString(inv.Inputs, "filename")
	if err != nil {
		return nil, err
	}

	content, model, err := c.generate(ctx, inv, prompt)
	if err != nil {
		return nil, err
	}

	mimeType := mime.TypeByExtension(filepath.Ext(filename))
	if mimeType == "" {
		mimeType = "text/plain; charset=utf-8"
	}

	return &Result{
		Summary: map[string]any{
			"filename": filename,
			"bytes":    len(content),
			"model":    model,
		},
		Artifacts: []ArtifactOutput{{
			Name: filename,
			MIME: mimeType,
			Data: []byte(content),
		}},
	}, nil
}

func (c *Codegen) generate(ctx context.Context, inv *Invocation, prompt string) (content, model string, err error) {
	if c.router == nil {
		return fallbackContent(inv, prompt), "template", nil
	}

	req := llm.Request{
		TaskKind: llm.TaskCodegen,
		Prompt:   prompt,
		System:   "Generate only the requested file content with no commentary.",
		Metadata: map[string]string{"run_id": inv.RunID, "step_id": inv.StepID},
	}
	if m, ok := stringInput(inv.Inputs, "model"); ok {
		req.Model = m
	}
	if inv.Goal != "" {
		req.System += " Overall goal: " + inv.Goal
	}

	resp, err := c.router.Complete(ctx, req)
	if err != nil {
		return "", "", err
	}
	return resp.Content, resp.Model, nil
}

func fallbackContent(inv *Invocation, prompt string) string {
	return fmt.Sprintf("# %s\n\nGenerated for run %s, step %q.\n", prompt, inv.RunID, inv.StepName)
}
