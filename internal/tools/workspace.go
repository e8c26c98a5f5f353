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
	"os"
	"path/filepath"
	"strings"
)

// WorkspaceWrite writes file content into the daemon's workspace directory
// and records it as an artifact. Paths are confined to the workspace root.
type WorkspaceWrite struct {
	root string
}

// NewWorkspaceWrite creates the workspace:write handler.
func NewWorkspaceWrite(deps Deps) *WorkspaceWrite {
	root := deps.WorkspaceDir
	if root == "" {
		root = "workspace"
	}
	return &WorkspaceWrite{root: root}
}

// Name returns the tool name.
func (w *WorkspaceWrite) Name() string {
	return "workspace:write"
}

// Execute writes inputs {path, content} under the workspace root.
func (w *WorkspaceWrite) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	relPath, err := requireString(inv.Inputs, "path")
	if err != nil {
		return nil, err
	}
	content, err := requireString(inv.Inputs, "content")
	if err != nil {
		return nil, err
	}

	cleaned := filepath.Clean(relPath)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("path %q escapes the workspace root", relPath)
	}

	target := filepath.Join(w.root, cleaned)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace directory: %w", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("writing workspace file: %w", err)
	}

	return &Result{
		Summary: map[string]any{
			"path":  cleaned,
			"bytes": len(content),
		},
		Artifacts: []ArtifactOutput{{
			Name: filepath.Base(cleaned),
			MIME: "text/plain; charset=utf-8",
			Data: []byte(content),
			Metadata: map[string]any{
				"workspace_path": cleaned,
			},
		}},
	}, nil
}
