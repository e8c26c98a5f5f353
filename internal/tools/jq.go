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

	"github.com/itchyny/gojq"

	"github.com/runplane/runplane/internal/store"
)

const (
	// jqTimeout bounds one expression evaluation.
	jqTimeout = 1 * time.Second

	// jqMaxInputSize caps the transform input (10MB).
	jqMaxInputSize = 10 * 1024 * 1024
)

// TransformJQ applies a jq expression to a prior step's JSON artifact and
// stores the result as a new artifact. This is the data-dependency
// primitive: plan authors serialise by step order and reference upstream
// outputs by artifact name.
type TransformJQ struct {
	store store.Store
}

// NewTransformJQ creates the transform:jq handler.
func NewTransformJQ(deps Deps) *TransformJQ {
	return &TransformJQ{store: deps.Store}
}

// Name returns the tool name.
func (t *TransformJQ) Name() string {
	return "transform:jq"
}

// Execute applies inputs {artifact, query, output} within the invoking run.
func (t *TransformJQ) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	sourceName, err := requireString(inv.Inputs, "artifact")
	if err != nil {
		return nil, err
	}
	expression, err := requireString(inv.Inputs, "query")
	if err != nil {
		return nil, err
	}
	outputName, ok := stringInput(inv.Inputs, "output")
	if !ok || outputName == "" {
		outputName = sourceName + ".out.json"
	}

	artifact, err := t.store.GetArtifactByName(ctx, inv.RunID, sourceName)
	if err != nil {
		return nil, fmt.Errorf("resolving source artifact %q: %w", sourceName, err)
	}
	data, err := t.store.ReadArtifact(ctx, artifact.ID)
	if err != nil {
		return nil, fmt.Errorf("reading source artifact %q: %w", sourceName, err)
	}
	if len(data) > jqMaxInputSize {
		return nil, fmt.Errorf("artifact size (%d bytes) exceeds maximum (%d bytes)", len(data), jqMaxInputSize)
	}

	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("artifact %q is not valid JSON: %w", sourceName, err)
	}

	result, err := t.evaluate(ctx, expression, input)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding transform result: %w", err)
	}

	return &Result{
		Summary: map[string]any{
			"source": sourceName,
			"output": outputName,
			"query":  expression,
		},
		Artifacts: []ArtifactOutput{{
			Name: outputName,
			MIME: "application/json",
			Data: out,
			Metadata: map[string]any{
				"source_artifact": artifact.ID,
			},
		}},
	}, nil
}

func (t *TransformJQ) evaluate(ctx context.Context, expression string, input any) (any, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, jqTimeout)
	defer cancel()

	resultChan := make(chan any, 1)
	errorChan := make(chan error, 1)
	go func() {
		iter := code.Run(input)
		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				errorChan <- err
				return
			}
			results = append(results, v)
		}
		switch len(results) {
		case 0:
			resultChan <- nil
		case 1:
			resultChan <- results[0]
		default:
			resultChan <- results
		}
	}()

	select {
	case result := <-resultChan:
		return result, nil
	case err := <-errorChan:
		return nil, err
	case <-execCtx.Done():
		return nil, fmt.Errorf("jq execution timeout after %v", jqTimeout)
	}
}
