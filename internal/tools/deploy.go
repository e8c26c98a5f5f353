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
)

// ManualDeploy always raises a manual-approval gate. The runner resolves
// the step without re-invoking the handler once the gate is approved or
// waived.
type ManualDeploy struct{}

// NewManualDeploy creates the manual:deploy handler.
func NewManualDeploy() *ManualDeploy {
	return &ManualDeploy{}
}

// Name returns the tool name.
func (m *ManualDeploy) Name() string {
	return "manual:deploy"
}

// Execute raises the gate.
func (m *ManualDeploy) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	reason, _ := stringInput(inv.Inputs, "reason")
	if reason == "" {
		reason = "deployment requires manual approval"
	}
	return &Result{
		Gate: &GateRequest{
			Type:   "manual-approval",
			Reason: reason,
		},
	}, nil
}
