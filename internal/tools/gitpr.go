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
	"time"

	"github.com/runplane/runplane/internal/store"
	"github.com/runplane/runplane/pkg/llm"
)

// GitPR assembles a pull-request payload from the run's artifacts: title,
// branch, the file list, and a description. With a configured router the
// description is drafted by the docs task route. The payload is recorded as
// an artifact for an external delivery integration to pick up; no remote is
// contacted.
type GitPR struct {
	store  store.Store
	router *llm.Router
}

// NewGitPR creates the git_pr handler.
func NewGitPR(deps Deps) *GitPR {
	return &GitPR{store: deps.Store, router: deps.Router}
}

// Name returns the tool name.
func (g *GitPR) Name() string {
	return "git_pr"
}

// Execute builds the PR payload from inputs {title, branch?}.
func (g *GitPR) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	title, err := requireString(inv.Inputs, "title")
	if err != nil {
		return nil, err
	}
	branch, _ := stringInput(inv.Inputs, "branch")
	if branch == "" {
		branch = "runplane/" + inv.RunID
	}

	artifacts, err := g.store.ListArtifactsByRun(ctx, inv.RunID)
	if err != nil {
		return nil, fmt.Errorf("listing run artifacts: %w", err)
	}
	files := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		files = append(files, a.Name)
	}

	description := g.describe(ctx, inv, title, files)

	payload := map[string]any{
		"title":       title,
		"branch":      branch,
		"description": description,
		"files":       files,
		"run_id":      inv.RunID,
		"created_at":  time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding PR payload: %w", err)
	}

	return &Result{
		Summary: map[string]any{
			"title":  title,
			"branch": branch,
			"files":  len(files),
		},
		Artifacts: []ArtifactOutput{{
			Name: "pr.json",
			MIME: "application/json",
			Data: data,
		}},
	}, nil
}

func (g *GitPR) describe(ctx context.Context, inv *Invocation, title string, files []string) string {
	fallback := fmt.Sprintf("%s\n\nProduced by run %s.", title, inv.RunID)
	if g.router == nil {
		return fallback
	}
	resp, err := g.router.Complete(ctx, llm.Request{
		TaskKind: llm.TaskDocs,
		Prompt:   fmt.Sprintf("Write a short pull request description titled %q covering these files: %v. Goal: %s", title, files, inv.Goal),
		Metadata: map[string]string{"run_id": inv.RunID, "step_id": inv.StepID},
	})
	if err != nil {
		return fallback
	}
	return resp.Content
}
