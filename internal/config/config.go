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

// Package config provides the daemon configuration: defaults, an optional
// YAML file, and environment overrides, applied in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete daemon configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	Store  StoreConfig  `yaml:"store"`
	Queue  QueueConfig  `yaml:"queue"`
	Worker WorkerConfig `yaml:"worker"`
	Engine EngineConfig `yaml:"engine"`
	LLM    LLMConfig    `yaml:"llm"`
	Tools  ToolsConfig  `yaml:"tools"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address.
	// Environment: RUNPLANE_LISTEN
	// Default: :8420
	Addr string `yaml:"addr,omitempty"`

	// ShutdownTimeout is the maximum duration to wait for graceful
	// shutdown after SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// RateLimit is the per-client request rate (requests per second).
	// Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	// RateBurst is the per-client burst allowance.
	RateBurst int `yaml:"rate_burst,omitempty"`
}

// AuthConfig configures request authentication.
type AuthConfig struct {
	// JWTSecret signs and verifies bearer tokens. Empty disables
	// authentication; every request then runs as the anonymous user.
	// Environment: RUNPLANE_JWT_SECRET
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Driver selects the store backend: memory or sqlite.
	// Environment: STORE_DRIVER
	// Default: sqlite
	Driver string `yaml:"driver,omitempty"`

	// SQLitePath is the database file path for the sqlite driver.
	// Environment: SQLITE_PATH
	// Default: runplane.db
	SQLitePath string `yaml:"sqlite_path,omitempty"`

	// ArtifactDir is where the memory driver stores artifact bytes.
	// Environment: ARTIFACT_DIR
	// Default: artifacts
	ArtifactDir string `yaml:"artifact_dir,omitempty"`
}

// QueueConfig configures job delivery.
type QueueConfig struct {
	// Driver selects the queue backend: memory or redis.
	// Environment: QUEUE_DRIVER
	// Default: memory
	Driver string `yaml:"driver,omitempty"`

	// RedisAddr is the broker address for the redis driver.
	// Environment: REDIS_ADDR
	// Default: localhost:6379
	RedisAddr string `yaml:"redis_addr,omitempty"`

	// MaxAttempts is the per-job delivery cap before dead-lettering.
	// Default: 5
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// BackpressureAge is the oldest-job age above which new enqueues are
	// delayed.
	// Environment: BACKPRESSURE_AGE_MS
	// Default: 5s
	BackpressureAge time.Duration `yaml:"backpressure_age,omitempty"`

	// DisableInlineRunner turns off the single-process inline fallback
	// even when the memory driver has no subscriber.
	// Environment: DISABLE_INLINE_RUNNER
	DisableInlineRunner bool `yaml:"disable_inline_runner,omitempty"`
}

// WorkerConfig configures step execution.
type WorkerConfig struct {
	// Concurrency bounds in-flight step executions.
	// Environment: WORKER_CONCURRENCY
	// Default: 4
	Concurrency int `yaml:"concurrency,omitempty"`

	// StepTimeout bounds a single step execution.
	// Environment: STEP_TIMEOUT_MS
	// Default: 30s
	StepTimeout time.Duration `yaml:"step_timeout,omitempty"`
}

// EngineConfig configures run orchestration.
type EngineConfig struct {
	// ListRunsMaxLimit caps the page size of run listings.
	// Default: 100
	ListRunsMaxLimit int `yaml:"list_runs_max_limit,omitempty"`

	// MaterialiseWorkers bounds concurrent step materialisations.
	// Default: 2
	MaterialiseWorkers int `yaml:"materialise_workers,omitempty"`
}

// LLMConfig configures the provider router.
type LLMConfig struct {
	// Order overrides the provider preference per task kind, formatted
	// "taskKind=provider1,provider2;taskKind=..." in the environment. A
	// bare "provider1,provider2" list applies to every task kind.
	// Environment: LLM_ORDER
	Order map[string][]string `yaml:"order,omitempty"`

	// CallTimeout bounds one provider call.
	// Default: 15s
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"`

	// DocsCacheTTL is the docs-task response cache lifetime.
	// Environment: DOCS_CACHE_TTL_MS
	// Default: 10m
	DocsCacheTTL time.Duration `yaml:"docs_cache_ttl,omitempty"`
}

// ToolsConfig configures built-in tool handlers.
type ToolsConfig struct {
	// CoverageThreshold is the minimum unit-test coverage the gate:unit
	// tool accepts, as a fraction in [0, 1]. Zero disables the check.
	// Environment: COVERAGE_THRESHOLD
	// Default: 0.9
	CoverageThreshold float64 `yaml:"coverage_threshold,omitempty"`

	// WorkspaceDir is the root directory workspace:write operates in.
	// Default: workspace
	WorkspaceDir string `yaml:"workspace_dir,omitempty"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8420",
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:      "sqlite",
			SQLitePath:  "runplane.db",
			ArtifactDir: "artifacts",
		},
		Queue: QueueConfig{
			Driver:          "memory",
			RedisAddr:       "localhost:6379",
			MaxAttempts:     5,
			BackpressureAge: 5 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			StepTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			ListRunsMaxLimit:   100,
			MaterialiseWorkers: 2,
		},
		LLM: LLMConfig{
			CallTimeout:  15 * time.Second,
			DocsCacheTTL: 10 * time.Minute,
		},
		Tools: ToolsConfig{
			CoverageThreshold: 0.9,
			WorkspaceDir:      "workspace",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty and present), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("RUNPLANE_LISTEN"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("RUNPLANE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("ARTIFACT_DIR"); v != "" {
		c.Store.ArtifactDir = v
	}
	if v := os.Getenv("QUEUE_DRIVER"); v != "" {
		c.Queue.Driver = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Queue.RedisAddr = v
	}
	if v := os.Getenv("BACKPRESSURE_AGE_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return fmt.Errorf("%w: BACKPRESSURE_AGE_MS must be a non-negative integer", ErrInvalidConfig)
		}
		c.Queue.BackpressureAge = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("DISABLE_INLINE_RUNNER"); v != "" {
		c.Queue.DisableInlineRunner = isTruthy(v)
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("%w: WORKER_CONCURRENCY must be a positive integer", ErrInvalidConfig)
		}
		c.Worker.Concurrency = n
	}
	if v := os.Getenv("STEP_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 1 {
			return fmt.Errorf("%w: STEP_TIMEOUT_MS must be a positive integer", ErrInvalidConfig)
		}
		c.Worker.StepTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("DOCS_CACHE_TTL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return fmt.Errorf("%w: DOCS_CACHE_TTL_MS must be a non-negative integer", ErrInvalidConfig)
		}
		c.LLM.DocsCacheTTL = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("LLM_ORDER"); v != "" {
		order, err := parseLLMOrder(v)
		if err != nil {
			return err
		}
		c.LLM.Order = order
	}
	if v := os.Getenv("COVERAGE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return fmt.Errorf("%w: COVERAGE_THRESHOLD must be in [0, 1]", ErrInvalidConfig)
		}
		c.Tools.CoverageThreshold = f
	}
	return nil
}

// llmTaskKinds are the task kinds a bare LLM_ORDER list applies to.
var llmTaskKinds = []string{"codegen", "reasoning", "docs"}

// parseLLMOrder parses "codegen=openai,anthropic;docs=gemini" into a
// per-task provider preference map. A bare "openai,anthropic" list sets
// the same preference for every task kind.
func parseLLMOrder(s string) (map[string][]string, error) {
	order := make(map[string][]string)
	if !strings.Contains(s, "=") {
		names := splitProviders(s)
		if len(names) == 0 {
			return nil, fmt.Errorf("%w: LLM_ORDER %q lists no providers", ErrInvalidConfig, s)
		}
		for _, kind := range llmTaskKinds {
			order[kind] = names
		}
		return order, nil
	}
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kind, providers, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("%w: LLM_ORDER entry %q must be taskKind=provider,...", ErrInvalidConfig, entry)
		}
		names := splitProviders(providers)
		if len(names) == 0 {
			return nil, fmt.Errorf("%w: LLM_ORDER entry %q lists no providers", ErrInvalidConfig, entry)
		}
		order[strings.TrimSpace(kind)] = names
	}
	return order, nil
}

func splitProviders(s string) []string {
	var names []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}

func isTruthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: unknown queue driver %q", ErrInvalidConfig, c.Queue.Driver)
	}
	if c.Queue.Driver == "redis" && c.Queue.RedisAddr == "" {
		return fmt.Errorf("%w: redis queue driver requires redis_addr", ErrInvalidConfig)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("%w: worker concurrency must be at least 1", ErrInvalidConfig)
	}
	if c.Engine.ListRunsMaxLimit < 1 {
		return fmt.Errorf("%w: list_runs_max_limit must be at least 1", ErrInvalidConfig)
	}
	return nil
}
