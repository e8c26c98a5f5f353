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

package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/runplane/runplane/pkg/errors"
)

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: &pkgerrors.ValidationError{Message: "bad"}, want: http.StatusBadRequest},
		{name: "not found", err: &pkgerrors.NotFoundError{Resource: "run", ID: "r1"}, want: http.StatusNotFound},
		{name: "conflict", err: &pkgerrors.ConflictError{Message: "already done"}, want: http.StatusConflict},
		{name: "policy", err: &pkgerrors.PolicyError{Message: "denied"}, want: http.StatusForbidden},
		{name: "timeout", err: &pkgerrors.TimeoutError{Operation: "step"}, want: http.StatusGatewayTimeout},
		{name: "unknown", err: errors.New("disk on fire"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFromError(tt.err))
		})
	}
}

func TestWriteErrorFromPassesClientMessageThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorFrom(rec, &pkgerrors.ValidationError{Message: "limit must be positive"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "limit must be positive")
	assert.Empty(t, body["correlation_id"])
}

func TestWriteErrorFromHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorFrom(rec, errors.New("pq: connection reset by peer"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body["error"])
	assert.NotEmpty(t, body["correlation_id"])
	assert.NotContains(t, rec.Body.String(), "connection reset")
}
