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

	"github.com/runplane/runplane/internal/daemon/httputil"
	"github.com/runplane/runplane/internal/queue"
	"github.com/runplane/runplane/internal/store"
)

// SystemHandler serves health, artifact download, and dead-letter
// administration.
type SystemHandler struct {
	store   store.Store
	queue   queue.Queue
	version string
}

// NewSystemHandler creates a new system handler.
func NewSystemHandler(st store.Store, q queue.Queue, version string) *SystemHandler {
	return &SystemHandler{store: st, queue: q, version: version}
}

// RegisterRoutes registers system routes on the router.
func (h *SystemHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /runs/{id}/artifacts/{name}", h.handleArtifact)
	mux.HandleFunc("GET /dlq", h.handleListDLQ)
	mux.HandleFunc("POST /dlq/rehydrate", h.handleRehydrateDLQ)
}

func (h *SystemHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// handleArtifact streams a run artifact's bytes with its recorded MIME
// type.
func (h *SystemHandler) handleArtifact(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	name := r.PathValue("name")

	artifact, err := h.store.GetArtifactByName(r.Context(), runID, name)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	data, err := h.store.ReadArtifact(r.Context(), artifact.ID)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	mime := artifact.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *SystemHandler) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = queue.TopicStepReady
	}
	jobs, err := h.queue.ListDLQ(queue.DLQTopic(topic))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// RehydrateDLQRequest selects how many dead letters to return to their
// source topic.
type RehydrateDLQRequest struct {
	Topic string `json:"topic,omitempty"`
	Count int    `json:"count,omitempty"`
}

func (h *SystemHandler) handleRehydrateDLQ(w http.ResponseWriter, r *http.Request) {
	var req RehydrateDLQRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}
	if req.Topic == "" {
		req.Topic = queue.TopicStepReady
	}
	if req.Count <= 0 {
		req.Count = 10
	}

	moved, err := h.queue.RehydrateDLQ(queue.DLQTopic(req.Topic), req.Count)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"rehydrated": moved})
}
