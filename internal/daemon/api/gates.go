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

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/runplane/runplane/internal/daemon/auth"
	"github.com/runplane/runplane/internal/daemon/httputil"
	"github.com/runplane/runplane/internal/engine"
)

// GatesHandler handles gate API requests.
type GatesHandler struct {
	engine *engine.Engine
}

// NewGatesHandler creates a new gates handler.
func NewGatesHandler(eng *engine.Engine) *GatesHandler {
	return &GatesHandler{engine: eng}
}

// RegisterRoutes registers gate API routes on the router.
func (h *GatesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /gates", h.handleCreate)
	mux.HandleFunc("GET /gates/{id}", h.handleGet)
	mux.HandleFunc("GET /runs/{id}/gates", h.handleListByRun)
	mux.HandleFunc("POST /gates/{id}/approve", h.resolve("approve"))
	mux.HandleFunc("POST /gates/{id}/waive", h.resolve("waive"))
	mux.HandleFunc("POST /gates/{id}/reject", h.resolve("reject"))
}

// CreateGateRequest is the request body for raising a gate directly,
// outside of a step result.
type CreateGateRequest struct {
	RunID  string `json:"run_id"`
	StepID string `json:"step_id,omitempty"`
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ResolveGateRequest carries the optional resolution note.
type ResolveGateRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *GatesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateGateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	gate, err := h.engine.CreateGate(r.Context(), req.RunID, req.StepID, req.Type, req.Reason)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, gate)
}

func (h *GatesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	gate, err := h.engine.GetGate(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, gate)
}

func (h *GatesHandler) handleListByRun(w http.ResponseWriter, r *http.Request) {
	gates, err := h.engine.ListGates(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"gates": gates})
}

// resolve builds the handler for one resolution verb. Resolving an
// already-resolved gate with the same outcome is idempotent; a different
// outcome conflicts.
func (h *GatesHandler) resolve(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResolveGateRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
				return
			}
		}

		actor := "anonymous"
		if id, ok := auth.FromContext(r.Context()); ok {
			actor = id.UserID
		}

		gateID := r.PathValue("id")
		var err error
		var gate any
		switch verb {
		case "approve":
			gate, err = h.engine.ApproveGate(r.Context(), gateID, actor, req.Reason)
		case "waive":
			gate, err = h.engine.WaiveGate(r.Context(), gateID, actor, req.Reason)
		case "reject":
			gate, err = h.engine.RejectGate(r.Context(), gateID, actor, req.Reason)
		}
		if err != nil {
			httputil.WriteErrorFrom(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, gate)
	}
}
