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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8420", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "runplane.db", cfg.Store.SQLitePath)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Queue.BackpressureAge)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Worker.StepTimeout)
	assert.Equal(t, 100, cfg.Engine.ListRunsMaxLimit)
	assert.Equal(t, 10*time.Minute, cfg.LLM.DocsCacheTTL)
	assert.Equal(t, 0.9, cfg.Tools.CoverageThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8420", cfg.Server.Addr)

	// A missing file path falls back to defaults rather than failing.
	cfg, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
store:
  driver: memory
  artifact_dir: /tmp/artifacts
queue:
  driver: redis
  redis_addr: redis:6379
worker:
  concurrency: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "/tmp/artifacts", cfg.Store.ArtifactDir)
	assert.Equal(t, "redis", cfg.Queue.Driver)
	assert.Equal(t, "redis:6379", cfg.Queue.RedisAddr)
	assert.Equal(t, 8, cfg.Worker.Concurrency)

	// Unset fields keep their defaults.
	assert.Equal(t, 100, cfg.Engine.ListRunsMaxLimit)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RUNPLANE_LISTEN", ":7777")
	t.Setenv("RUNPLANE_JWT_SECRET", "hunter2")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("QUEUE_DRIVER", "redis")
	t.Setenv("REDIS_ADDR", "broker:6379")
	t.Setenv("BACKPRESSURE_AGE_MS", "2500")
	t.Setenv("DISABLE_INLINE_RUNNER", "true")
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("STEP_TIMEOUT_MS", "60000")
	t.Setenv("DOCS_CACHE_TTL_MS", "30000")
	t.Setenv("COVERAGE_THRESHOLD", "0.85")
	t.Setenv("LLM_ORDER", "codegen=openai,anthropic;docs=gemini")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "hunter2", cfg.Auth.JWTSecret)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "redis", cfg.Queue.Driver)
	assert.Equal(t, "broker:6379", cfg.Queue.RedisAddr)
	assert.Equal(t, 2500*time.Millisecond, cfg.Queue.BackpressureAge)
	assert.True(t, cfg.Queue.DisableInlineRunner)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
	assert.Equal(t, time.Minute, cfg.Worker.StepTimeout)
	assert.Equal(t, 30*time.Second, cfg.LLM.DocsCacheTTL)
	assert.Equal(t, 0.85, cfg.Tools.CoverageThreshold)
	assert.Equal(t, map[string][]string{
		"codegen": {"openai", "anthropic"},
		"docs":    {"gemini"},
	}, cfg.LLM.Order)
}

func TestEnvOverrideErrors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "non-numeric backpressure", key: "BACKPRESSURE_AGE_MS", value: "soon"},
		{name: "negative backpressure", key: "BACKPRESSURE_AGE_MS", value: "-1"},
		{name: "zero concurrency", key: "WORKER_CONCURRENCY", value: "0"},
		{name: "zero step timeout", key: "STEP_TIMEOUT_MS", value: "0"},
		{name: "coverage above 1", key: "COVERAGE_THRESHOLD", value: "1.5"},
		{name: "order without providers", key: "LLM_ORDER", value: "codegen="},
		{name: "bare order without providers", key: "LLM_ORDER", value: " , "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load("")
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestParseLLMOrder(t *testing.T) {
	order, err := parseLLMOrder("codegen=openai, anthropic ; reasoning=anthropic")
	require.NoError(t, err)
	assert.Equal(t, []string{"openai", "anthropic"}, order["codegen"])
	assert.Equal(t, []string{"anthropic"}, order["reasoning"])

	// A bare list applies to every task kind.
	order, err = parseLLMOrder("anthropic,openai")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"codegen":   {"anthropic", "openai"},
		"reasoning": {"anthropic", "openai"},
		"docs":      {"anthropic", "openai"},
	}, order)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "postgres"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = Default()
	cfg.Queue.Driver = "kafka"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = Default()
	cfg.Queue.Driver = "redis"
	cfg.Queue.RedisAddr = ""
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = Default()
	cfg.Engine.ListRunsMaxLimit = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestIsTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "on"} {
		assert.True(t, isTruthy(v), v)
	}
	for _, v := range []string{"0", "false", "no", "off", ""} {
		assert.False(t, isTruthy(v), v)
	}
}
