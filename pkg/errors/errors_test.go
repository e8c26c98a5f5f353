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

package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "explicit retryable", err: Retryable(New("boom")), want: true},
		{name: "explicit non-retryable", err: NonRetryable(&TimeoutError{Operation: "x"}), want: false},
		{name: "validation is permanent", err: &ValidationError{Message: "bad"}, want: false},
		{name: "policy is permanent", err: &PolicyError{Tool: "codegen"}, want: false},
		{name: "not found is permanent", err: &NotFoundError{Resource: "run", ID: "r1"}, want: false},
		{name: "conflict is permanent", err: &ConflictError{Resource: "step"}, want: false},
		{name: "config is permanent", err: &ConfigError{Key: "queue.driver"}, want: false},
		{name: "timeout is transient", err: &TimeoutError{Operation: "step"}, want: true},
		{name: "provider 500 is transient", err: &ProviderError{Provider: "openai", StatusCode: 500}, want: true},
		{name: "provider 429 is transient", err: &ProviderError{Provider: "openai", StatusCode: 429}, want: true},
		{name: "provider 408 is transient", err: &ProviderError{Provider: "openai", StatusCode: 408}, want: true},
		{name: "provider 400 is permanent", err: &ProviderError{Provider: "openai", StatusCode: 400}, want: false},
		{name: "provider 401 is permanent", err: &ProviderError{Provider: "openai", StatusCode: 401}, want: false},
		{name: "context cancelled never retries", err: context.Canceled, want: false},
		{name: "deadline exceeded never retries", err: context.DeadlineExceeded, want: false},
		{name: "unknown defaults to permanent", err: New("mystery"), want: false},
		{name: "wrapped retryable survives", err: fmt.Errorf("outer: %w", Retryable(New("inner"))), want: true},
		{name: "wrapped validation survives", err: Wrap(&ValidationError{Message: "bad"}, "outer"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "validation failed on plan.steps: empty",
		(&ValidationError{Field: "plan.steps", Message: "empty"}).Error())
	assert.Equal(t, "run not found: r1",
		(&NotFoundError{Resource: "run", ID: "r1"}).Error())
	assert.Contains(t,
		(&ProviderError{Provider: "anthropic", StatusCode: 529, Message: "overloaded", RequestID: "req-1"}).Error(),
		"HTTP 529")
	assert.Contains(t,
		(&ConflictError{Resource: "gate", ID: "g1", Message: "already approved"}).Error(),
		"gate conflict on g1")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "context"))
	assert.NoError(t, Wrapf(nil, "context %d", 1))
	assert.NoError(t, Retryable(nil))
	assert.NoError(t, NonRetryable(nil))
}
