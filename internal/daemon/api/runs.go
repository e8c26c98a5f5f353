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

// Package api contains the daemon's HTTP handlers.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/runplane/runplane/internal/daemon/auth"
	"github.com/runplane/runplane/internal/daemon/httputil"
	"github.com/runplane/runplane/internal/engine"
	"github.com/runplane/runplane/internal/planner"
	"github.com/runplane/runplane/internal/store"
	"github.com/runplane/runplane/pkg/plan"
)

// RunsHandler handles run-related API requests.
type RunsHandler struct {
	engine  *engine.Engine
	builder planner.Builder

	// draining rejects new runs during graceful shutdown.
	draining func() bool
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(eng *engine.Engine, builder planner.Builder, draining func() bool) *RunsHandler {
	if draining == nil {
		draining = func() bool { return false }
	}
	return &RunsHandler{engine: eng, builder: builder, draining: draining}
}

// RegisterRoutes registers run API routes on the router.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", h.handleCreate)
	mux.HandleFunc("POST /runs/preview", h.handlePreview)
	mux.HandleFunc("GET /runs", h.handleList)
	mux.HandleFunc("GET /runs/{id}", h.handleGet)
	mux.HandleFunc("GET /runs/{id}/timeline", h.handleTimeline)
	mux.HandleFunc("POST /runs/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /runs/{runId}/steps/{stepId}/retry", h.handleRetryStep)
}

// CreateRunRequest is the request body for creating or previewing a run.
// Either a full plan or a standard request for the plan builder must be
// present.
type CreateRunRequest struct {
	ProjectID string               `json:"projectId,omitempty"`
	Plan      *plan.Plan           `json:"plan,omitempty"`
	Standard  *StandardPlanRequest `json:"standard,omitempty"`
}

// StandardPlanRequest asks the plan builder to generate the conventional
// prompt-driven plan.
type StandardPlanRequest struct {
	Prompt   string `json:"prompt"`
	Filename string `json:"filename,omitempty"`
	Review   bool   `json:"review,omitempty"`
	OpenPR   bool   `json:"open_pr,omitempty"`
}

// resolvePlan returns the request's plan, building one from the standard
// request when no explicit plan is given.
func (h *RunsHandler) resolvePlan(r *http.Request, req *CreateRunRequest) (*plan.Plan, error) {
	if req.Plan != nil {
		return req.Plan, nil
	}
	if req.Standard == nil || req.Standard.Prompt == "" {
		return nil, fmt.Errorf("either plan or standard.prompt is required")
	}
	if h.builder == nil {
		return nil, fmt.Errorf("no plan builder configured")
	}
	return h.builder.Build(r.Context(), req.Standard.Prompt, planner.Options{
		Filename: req.Standard.Filename,
		Review:   req.Standard.Review,
		OpenPR:   req.Standard.OpenPR,
	})
}

// handleCreate handles POST /runs. The response is optimistic: steps
// materialise after the 201 is written.
func (h *RunsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if h.draining() {
		w.Header().Set("Retry-After", "10")
		httputil.WriteError(w, http.StatusServiceUnavailable, "daemon is shutting down gracefully")
		return
	}

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	p, err := h.resolvePlan(r, &req)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	projectID := req.ProjectID
	if projectID == "" {
		projectID = "default"
	}

	var userID, userTier string
	if id, ok := auth.FromContext(r.Context()); ok {
		userID, userTier = id.UserID, id.UserTier
	}

	run, err := h.engine.CreateRun(r.Context(), projectID, p, userID, userTier)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, run)
}

// handlePreview handles POST /runs/preview. It accepts the same body as
// POST /runs and echoes the effective plan, so clients previewing a
// standard request see the plan the builder generated.
func (h *RunsHandler) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	p, err := h.resolvePlan(r, &req)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	previews, err := h.engine.PreviewRun(r.Context(), p)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"plan":  p,
		"steps": previews,
	})
}

// handleList handles GET /runs.
func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	projectID := r.URL.Query().Get("projectId")

	runs, err := h.engine.ListRuns(r.Context(), limit, projectID)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"runs": runs,
		"pagination": map[string]any{
			"limit": limit,
			"count": len(runs),
		},
	})
}

// handleGet handles GET /runs/{id}: the run with its steps and artifacts.
func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := h.engine.GetRun(r.Context(), id)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	steps, err := h.engine.ListSteps(r.Context(), id)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	artifacts, err := h.engine.ListArtifacts(r.Context(), id)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"run":       run,
		"steps":     steps,
		"artifacts": artifacts,
	})
}

// handleTimeline handles GET /runs/{id}/timeline.
func (h *RunsHandler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "since must be an integer sequence number")
			return
		}
		since = n
	}

	events, err := h.engine.Timeline(r.Context(), id, since)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleCancel handles POST /runs/{id}/cancel.
func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.CancelRun(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// handleRetryStep handles POST /runs/{runId}/steps/{stepId}/retry.
func (h *RunsHandler) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	step, err := h.engine.RetryStep(r.Context(), r.PathValue("runId"), r.PathValue("stepId"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, step)
}
