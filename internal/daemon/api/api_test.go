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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/internal/engine"
	"github.com/runplane/runplane/internal/events"
	"github.com/runplane/runplane/internal/planner"
	"github.com/runplane/runplane/internal/queue"
	"github.com/runplane/runplane/internal/store"
	storememory "github.com/runplane/runplane/internal/store/memory"
	"github.com/runplane/runplane/pkg/plan"
)

type apiHarness struct {
	mux      *http.ServeMux
	engine   *engine.Engine
	store    store.Store
	queue    queue.Queue
	draining atomic.Bool
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	st, err := storememory.New(t.TempDir())
	require.NoError(t, err)
	q := queue.NewMemoryQueue(queue.Config{
		MaxAttempts:   3,
		NackBaseDelay: time.Millisecond,
		NackMaxDelay:  5 * time.Millisecond,
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(st, q, events.NewBus(), logger, engine.Config{})

	h := &apiHarness{mux: http.NewServeMux(), engine: eng, store: st, queue: q}
	NewRunsHandler(eng, planner.NewStandardBuilder(), h.draining.Load).RegisterRoutes(h.mux)
	NewGatesHandler(eng).RegisterRoutes(h.mux)
	NewStreamHandler(eng).RegisterRoutes(h.mux)
	NewSystemHandler(st, q, "test").RegisterRoutes(h.mux)

	t.Cleanup(func() {
		eng.Close()
		q.Close()
		st.Close()
	})
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (h *apiHarness) createRun(t *testing.T) *store.Run {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/runs", map[string]any{
		"plan": map[string]any{
			"goal": "test goal",
			"steps": []map[string]any{
				{"name": "generate", "tool": "codegen", "inputs": map[string]any{"prompt": "x"}},
			},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	run := decode[*store.Run](t, rec)
	require.NotEmpty(t, run.ID)
	return run
}

func (h *apiHarness) waitMaterialised(t *testing.T, runID string, steps int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		listed, err := h.store.ListStepsByRun(context.Background(), runID)
		require.NoError(t, err)
		if len(listed) >= steps {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never materialised %d steps", runID, steps)
}

func TestCreateRunWithPlan(t *testing.T) {
	h := newAPIHarness(t)

	run := h.createRun(t)
	assert.Equal(t, store.RunQueued, run.Status)
	assert.Equal(t, "default", run.ProjectID)
}

func TestCreateRunWithStandardRequest(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/runs", map[string]any{
		"projectId": "proj-7",
		"standard": map[string]any{
			"prompt":   "a csv parser",
			"filename": "parser.go",
			"review":   true,
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	run := decode[*store.Run](t, rec)
	require.NotNil(t, run.Plan)
	assert.Len(t, run.Plan.Steps, 2)
	assert.Equal(t, "proj-7", run.ProjectID)

	// The run serialises its project under the projectId key.
	raw := decode[map[string]json.RawMessage](t, rec)
	assert.Contains(t, raw, "projectId")
}

func TestCreateRunValidation(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/runs", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/runs", map[string]any{
		"plan": map[string]any{"steps": []map[string]any{}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader("{not json"))
	rec2 := httptest.NewRecorder()
	h.mux.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestCreateRunWhileDraining(t *testing.T) {
	h := newAPIHarness(t)
	h.draining.Store(true)

	rec := h.do(t, http.MethodPost, "/runs", map[string]any{
		"standard": map[string]any{"prompt": "x"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))
}

func TestGetRun(t *testing.T) {
	h := newAPIHarness(t)
	run := h.createRun(t)
	h.waitMaterialised(t, run.ID, 1)

	rec := h.do(t, http.MethodGet, "/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]json.RawMessage](t, rec)
	assert.Contains(t, body, "run")
	assert.Contains(t, body, "steps")
	assert.Contains(t, body, "artifacts")

	rec = h.do(t, http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"runs":[],"pagination":{"limit":20,"count":0}}`, rec.Body.String())

	h.createRun(t)
	rec = h.do(t, http.MethodGet, "/runs?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Runs       []*store.Run   `json:"runs"`
		Pagination map[string]int `json:"pagination"`
	}](t, rec)
	assert.Len(t, body.Runs, 1)
	assert.Equal(t, 10, body.Pagination["limit"])
	assert.Equal(t, 1, body.Pagination["count"])

	// Filtering is keyed on projectId.
	rec = h.do(t, http.MethodGet, "/runs?projectId=absent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"runs":[],"pagination":{"limit":20,"count":0}}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreviewRun(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/runs/preview", map[string]any{
		"plan": map[string]any{
			"goal": "g",
			"steps": []map[string]any{
				{"name": "generate", "tool": "codegen"},
				{"name": "skipped", "tool": "codegen", "when": "false"},
			},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Plan  *plan.Plan           `json:"plan"`
		Steps []engine.StepPreview `json:"steps"`
	}](t, rec)
	require.NotNil(t, body.Plan)
	assert.Equal(t, "g", body.Plan.Goal)
	require.Len(t, body.Steps, 2)
	assert.False(t, body.Steps[0].Skipped)
	assert.True(t, body.Steps[1].Skipped)

	rec = h.do(t, http.MethodPost, "/runs/preview", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreviewRunWithStandardRequest(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/runs/preview", map[string]any{
		"standard": map[string]any{"prompt": "a csv parser", "review": true},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Plan  *plan.Plan           `json:"plan"`
		Steps []engine.StepPreview `json:"steps"`
	}](t, rec)
	require.NotNil(t, body.Plan)
	assert.Len(t, body.Plan.Steps, 2)
	assert.Len(t, body.Steps, 2)
}

func TestTimeline(t *testing.T) {
	h := newAPIHarness(t)
	run := h.createRun(t)
	h.waitMaterialised(t, run.ID, 1)

	rec := h.do(t, http.MethodGet, "/runs/"+run.ID+"/timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]*store.Event](t, rec)
	assert.NotEmpty(t, body["events"])

	first := body["events"][0].Seq
	rec = h.do(t, http.MethodGet, "/runs/"+run.ID+"/timeline?since="+"1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	later := decode[map[string][]*store.Event](t, rec)
	for _, ev := range later["events"] {
		assert.Greater(t, ev.Seq, first)
	}

	rec = h.do(t, http.MethodGet, "/runs/"+run.ID+"/timeline?since=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/runs/missing/timeline", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	h := newAPIHarness(t)
	run := h.createRun(t)
	h.waitMaterialised(t, run.ID, 1)

	rec := h.do(t, http.MethodPost, "/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decode[*store.Run](t, rec)
	assert.Equal(t, store.RunCancelled, cancelled.Status)

	rec = h.do(t, http.MethodPost, "/runs/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryStepEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	run := h.createRun(t)
	h.waitMaterialised(t, run.ID, 1)

	steps, err := h.store.ListStepsByRun(context.Background(), run.ID)
	require.NoError(t, err)
	step := steps[0]

	// Queued steps are not retryable.
	rec := h.do(t, http.MethodPost, "/runs/"+run.ID+"/steps/"+step.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	step.Status = store.StepFailed
	step.Error = &store.StepError{Message: "boom"}
	require.NoError(t, h.store.UpdateStep(context.Background(), step))

	rec = h.do(t, http.MethodPost, "/runs/"+run.ID+"/steps/"+step.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	retried := decode[*store.Step](t, rec)
	assert.Equal(t, store.StepQueued, retried.Status)
	assert.Equal(t, 2, retried.Attempt)
}

func TestGateEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	run := h.createRun(t)

	rec := h.do(t, http.MethodPost, "/gates", map[string]any{
		"run_id": run.ID,
		"type":   "manual-approval",
		"reason": "check before deploy",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	gate := decode[*store.Gate](t, rec)
	assert.Equal(t, store.GatePending, gate.Status)

	rec = h.do(t, http.MethodGet, "/gates/"+gate.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/runs/"+run.ID+"/gates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[map[string][]*store.Gate](t, rec)
	assert.Len(t, listed["gates"], 1)

	rec = h.do(t, http.MethodPost, "/gates/"+gate.ID+"/approve", map[string]any{"reason": "lgtm"})
	require.Equal(t, http.StatusOK, rec.Code)
	approved := decode[*store.Gate](t, rec)
	assert.Equal(t, store.GateApproved, approved.Status)
	assert.Equal(t, "anonymous", approved.ApprovedBy)

	// Idempotent re-approve, conflicting reject.
	rec = h.do(t, http.MethodPost, "/gates/"+gate.ID+"/approve", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/gates/"+gate.ID+"/reject", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing gate type is a validation error.
	rec = h.do(t, http.MethodPost, "/gates", map[string]any{"run_id": run.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestArtifactDownload(t *testing.T) {
	h := newAPIHarness(t)
	run := h.createRun(t)

	require.NoError(t, h.store.AddArtifact(context.Background(), &store.Artifact{
		ID:        "art-1",
		RunID:     run.ID,
		StepID:    "step-1",
		Name:      "report.json",
		MIME:      "application/json",
		CreatedAt: time.Now().UTC(),
	}, []byte(`{"ok":true}`)))

	rec := h.do(t, http.MethodGet, "/runs/"+run.ID+"/artifacts/report.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/runs/"+run.ID+"/artifacts/missing.txt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDLQEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":[],"count":0}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/dlq/rehydrate", map[string]any{"count": 5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"rehydrated":0}`, rec.Body.String())
}

func TestStreamReplaysTimeline(t *testing.T) {
	h := newAPIHarness(t)
	run := h.createRun(t)
	h.waitMaterialised(t, run.ID, 1)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/runs/"+run.ID+"/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.mux.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler never returned after disconnect")
	}

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, `data: {"type":"connected"}`)
	assert.Contains(t, body, "event: run.created")
	assert.Contains(t, body, "id: 1\n")
}

func TestStreamUnknownRun(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/runs/missing/stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
