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
	"time"

	"github.com/runplane/runplane/internal/daemon/httputil"
	"github.com/runplane/runplane/internal/engine"
	"github.com/runplane/runplane/internal/store"
)

// StreamHandler serves the live run timeline over Server-Sent Events.
type StreamHandler struct {
	engine *engine.Engine
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(eng *engine.Engine) *StreamHandler {
	return &StreamHandler{engine: eng}
}

// RegisterRoutes registers stream routes on the router.
func (h *StreamHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /runs/{id}/stream", h.handleStream)
}

// handleStream handles GET /runs/{id}/stream. The persisted timeline is
// replayed first, then live events follow. The stream ends when the
// client disconnects; the persisted timeline stays authoritative, so a
// reconnecting client replays from its last seen seq.
func (h *StreamHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := h.engine.GetRun(r.Context(), runID); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the replay so no event falls between the two.
	live, cancel := h.engine.Subscribe(runID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n")
	flusher.Flush()

	lastSeq := int64(0)
	replay, err := h.engine.Timeline(r.Context(), runID, 0)
	if err == nil {
		for _, ev := range replay {
			writeSSE(w, ev)
			lastSeq = ev.Seq
		}
		flusher.Flush()
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-live:
			if !open {
				return
			}
			// The subscription may redeliver events already replayed.
			if ev.Seq <= lastSeq {
				continue
			}
			writeSSE(w, ev)
			lastSeq = ev.Seq
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev *store.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
}
