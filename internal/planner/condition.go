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
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	pkgerrors "github.com/runplane/runplane/pkg/errors"
)

// Evaluator evaluates step `when` conditions against the plan goal and
// step inputs. Compiled expressions are cached for repeated evaluation.
type Evaluator struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

// NewEvaluator creates a condition evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs the expression against env. An empty expression defaults
// to true.
func (e *Evaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &pkgerrors.ValidationError{
			Field:      "when",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, &pkgerrors.ValidationError{
			Field:   "when",
			Message: fmt.Sprintf("expression evaluation failed: %s", err.Error()),
		}
	}
	value, ok := result.(bool)
	if !ok {
		return false, &pkgerrors.ValidationError{
			Field:   "when",
			Message: fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
		}
	}
	return value, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prog, ok := e.cache[expression]; ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = prog
	return prog, nil
}
