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
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	pkgerrors "github.com/runplane/runplane/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and
// message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// StatusFromError maps the error taxonomy to HTTP status codes.
func StatusFromError(err error) int {
	var validationErr *pkgerrors.ValidationError
	var notFoundErr *pkgerrors.NotFoundError
	var conflictErr *pkgerrors.ConflictError
	var policyErr *pkgerrors.PolicyError
	var timeoutErr *pkgerrors.TimeoutError

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound
	case errors.As(err, &conflictErr):
		return http.StatusConflict
	case errors.As(err, &policyErr):
		return http.StatusForbidden
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorFrom maps err to a status code and writes the error body. 5xx
// responses hide the internal message behind a correlation id; the full
// detail is logged under the same id.
func WriteErrorFrom(w http.ResponseWriter, err error) {
	status := StatusFromError(err)
	if status == http.StatusInternalServerError {
		correlationID := uuid.NewString()
		slog.Error("internal error",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err))
		WriteJSON(w, status, map[string]string{
			"error":          "internal error",
			"correlation_id": correlationID,
		})
		return
	}
	WriteError(w, status, err.Error())
}
