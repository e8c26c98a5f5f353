// Package plan defines the plan submitted with a run: an ordered list of
// steps, each binding a named tool to an inputs object. Plans are opaque
// structured values to most of the system; only the fields the control
// plane reads are validated, everything else passes through untouched.
package plan

import (
	"encoding/json"
	"fmt"

	pkgerrors "github.com/runplane/runplane/pkg/errors"
)

// Plan is the unit of submission. It is immutable once a run is created.
type Plan struct {
	// Goal is a human-readable statement of what the run should achieve.
	Goal string `json:"goal,omitempty"`

	// Steps execute in submission order. Names are unique within a plan.
	Steps []Step `json:"steps"`
}

// Step is one node in a plan, bound to a tool.
type Step struct {
	// Name identifies the step within its plan.
	Name string `json:"name"`

	// Tool is the handler name registered in the worker's tool registry.
	Tool string `json:"tool"`

	// Inputs is the tool's input object. May be nil.
	Inputs map[string]any `json:"inputs,omitempty"`

	// When is an optional condition expression evaluated against the plan
	// goal and step inputs at materialisation time. False skips the step.
	When string `json:"when,omitempty"`

	// ToolsAllowed restricts which tools the step may invoke.
	ToolsAllowed []string `json:"tools_allowed,omitempty"`

	// EnvAllowed lists environment variables visible to the handler.
	EnvAllowed []string `json:"env_allowed,omitempty"`

	// SecretsScope names the secrets namespace the handler may read.
	SecretsScope string `json:"secrets_scope,omitempty"`
}

// PolicyKey is the reserved inputs key under which per-step security policy
// is embedded when any policy field is present on the plan step.
const PolicyKey = "_policy"

// Policy is the security constraint block carried inside step inputs.
type Policy struct {
	ToolsAllowed []string `json:"tools_allowed,omitempty"`
	EnvAllowed   []string `json:"env_allowed,omitempty"`
	SecretsScope string   `json:"secrets_scope,omitempty"`
}

// HasPolicy reports whether the step declares any security constraints.
func (s Step) HasPolicy() bool {
	return len(s.ToolsAllowed) > 0 || len(s.EnvAllowed) > 0 || s.SecretsScope != ""
}

// EffectiveInputs composes the inputs the step is materialised with: the
// declared inputs plus, when present, the policy block under PolicyKey.
func (s Step) EffectiveInputs() map[string]any {
	inputs := make(map[string]any, len(s.Inputs)+1)
	for k, v := range s.Inputs {
		inputs[k] = v
	}
	if s.HasPolicy() {
		policy := map[string]any{}
		if len(s.ToolsAllowed) > 0 {
			policy["tools_allowed"] = toAnySlice(s.ToolsAllowed)
		}
		if len(s.EnvAllowed) > 0 {
			policy["env_allowed"] = toAnySlice(s.EnvAllowed)
		}
		if s.SecretsScope != "" {
			policy["secrets_scope"] = s.SecretsScope
		}
		inputs[PolicyKey] = policy
	}
	return inputs
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// PolicyFromInputs extracts the policy block from materialised step inputs.
// Returns nil if no policy is embedded.
func PolicyFromInputs(inputs map[string]any) *Policy {
	raw, ok := inputs[PolicyKey]
	if !ok {
		return nil
	}
	// Round-trip through JSON tolerates both typed and map forms.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	return &p
}

// Parse decodes a plan from JSON and validates it.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &pkgerrors.ValidationError{
			Field:   "plan",
			Message: fmt.Sprintf("invalid plan JSON: %v", err),
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the semantic requirements the control plane depends on:
// at least one step, step names present and unique, tool names present,
// inputs JSON-canonicalisable.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return &pkgerrors.ValidationError{
			Field:      "plan.steps",
			Message:    "plan must contain at least one step",
			Suggestion: "Add a step binding a tool to an inputs object",
		}
	}

	seen := make(map[string]struct{}, len(p.Steps))
	for i, s := range p.Steps {
		if s.Name == "" {
			return &pkgerrors.ValidationError{
				Field:   fmt.Sprintf("plan.steps[%d].name", i),
				Message: "step name is required",
			}
		}
		if s.Tool == "" {
			return &pkgerrors.ValidationError{
				Field:   fmt.Sprintf("plan.steps[%d].tool", i),
				Message: "tool name is required",
			}
		}
		if _, dup := seen[s.Name]; dup {
			return &pkgerrors.ValidationError{
				Field:   fmt.Sprintf("plan.steps[%d].name", i),
				Message: fmt.Sprintf("duplicate step name %q", s.Name),
			}
		}
		seen[s.Name] = struct{}{}

		if s.Inputs != nil {
			if _, err := json.Marshal(s.Inputs); err != nil {
				return &pkgerrors.ValidationError{
					Field:   fmt.Sprintf("plan.steps[%d].inputs", i),
					Message: fmt.Sprintf("inputs are not JSON-encodable: %v", err),
				}
			}
		}
	}
	return nil
}
