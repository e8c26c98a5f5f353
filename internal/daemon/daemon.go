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

// Package daemon assembles the control plane: store, queue, engine,
// worker, LLM router, and the HTTP API, with graceful drain on shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/runplane/runplane/internal/config"
	"github.com/runplane/runplane/internal/daemon/api"
	"github.com/runplane/runplane/internal/daemon/auth"
	"github.com/runplane/runplane/internal/engine"
	"github.com/runplane/runplane/internal/events"
	internallog "github.com/runplane/runplane/internal/log"
	"github.com/runplane/runplane/internal/metrics"
	"github.com/runplane/runplane/internal/planner"
	"github.com/runplane/runplane/internal/queue"
	"github.com/runplane/runplane/internal/store"
	storememory "github.com/runplane/runplane/internal/store/memory"
	storesqlite "github.com/runplane/runplane/internal/store/sqlite"
	"github.com/runplane/runplane/internal/tools"
	"github.com/runplane/runplane/internal/tracing"
	"github.com/runplane/runplane/internal/worker"
	"github.com/runplane/runplane/pkg/llm"
	"github.com/runplane/runplane/pkg/llm/providers"
	"github.com/runplane/runplane/pkg/reliability"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the runplaned control plane process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store    store.Store
	queue    queue.Queue
	bus      *events.Bus
	engine   *engine.Engine
	worker   *worker.Worker
	registry *tools.Registry
	tracer   *tracing.Provider
	server   *http.Server

	draining atomic.Bool

	mu      sync.Mutex
	started bool
}

// New assembles the daemon from configuration. Nothing starts listening
// until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	d := &Daemon{cfg: cfg, opts: opts, logger: logger}

	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	d.store = st

	// The dead-letter hook fires from queue goroutines after the engine
	// exists; New wires the engine before any subscription starts.
	qcfg := queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		OnDeadLetter: func(ctx context.Context, job *queue.Job) {
			d.engine.HandleDeadLetter(ctx, job)
		},
	}
	q, err := openQueue(cfg, qcfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	d.queue = q

	d.bus = events.NewBus()
	d.engine = engine.New(st, q, d.bus, logger, engine.Config{
		BackpressureAge:    cfg.Queue.BackpressureAge,
		InlineFallback:     cfg.Queue.Driver != "redis" && !cfg.Queue.DisableInlineRunner,
		MaterialiseWorkers: cfg.Engine.MaterialiseWorkers,
		ListRunsMaxLimit:   cfg.Engine.ListRunsMaxLimit,
	})

	router := buildLLMRouter(cfg, logger)

	d.registry = tools.NewRegistry()
	tools.RegisterBuiltins(d.registry, tools.Deps{
		Store:             st,
		Router:            router,
		Logger:            logger,
		WorkspaceDir:      cfg.Tools.WorkspaceDir,
		CoverageThreshold: cfg.Tools.CoverageThreshold,
	})

	d.worker = worker.New(st, q, d.engine, d.registry, logger, worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		StepTimeout: cfg.Worker.StepTimeout,
	})
	d.engine.SetExecutor(d.worker)

	return d, nil
}

// openStore selects the persistence driver.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return storememory.New(cfg.Store.ArtifactDir)
	case "", "sqlite":
		return storesqlite.New(storesqlite.Config{
			Path: cfg.Store.SQLitePath,
			WAL:  true,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// openQueue selects the delivery driver.
func openQueue(cfg *config.Config, qcfg queue.Config) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return queue.NewMemoryQueue(qcfg), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
		return queue.NewRedisQueue(client, qcfg), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

// buildLLMRouter registers providers from the environment and wires the
// metrics hooks. A daemon with no provider keys still runs; the codegen
// tool then falls back to deterministic output.
func buildLLMRouter(cfg *config.Config, logger *slog.Logger) *llm.Router {
	registry := llm.NewRegistry()
	registered, err := providers.RegisterFromEnv(registry)
	if err != nil {
		logger.Warn("LLM provider registration failed", internallog.Error(err))
	}
	if len(registered) == 0 {
		logger.Warn("no LLM providers configured",
			slog.String("hint", "set OPENAI_API_KEY, ANTHROPIC_API_KEY, or GEMINI_API_KEY"))
		return nil
	}
	logger.Info("LLM providers registered", slog.Any("providers", registered))

	orders := make(map[llm.TaskKind][]string, len(cfg.LLM.Order))
	for kind, names := range cfg.LLM.Order {
		orders[llm.TaskKind(kind)] = names
	}
	routerCfg := llm.DefaultRouterConfig()
	routerCfg.Orders = orders
	routerCfg.CallTimeout = cfg.LLM.CallTimeout
	routerCfg.DocsCacheTTL = cfg.LLM.DocsCacheTTL
	routerCfg.OnRetry = metrics.RecordLLMRetry
	routerCfg.OnBreakerStateChange = func(provider string, _, to reliability.BreakerState) {
		metrics.RecordBreakerTransition(provider, string(to))
	}
	return llm.NewRouter(registry, routerCfg)
}

// Start begins serving and blocks until the context is cancelled or the
// server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	tracer, err := tracing.Init(ctx, "runplaned", d.opts.Version)
	if err != nil {
		d.logger.Warn("tracing initialisation failed", internallog.Error(err))
	} else {
		d.tracer = tracer
	}

	if err := d.worker.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	d.engine.StartOutboxRelay()

	mux := http.NewServeMux()
	api.NewRunsHandler(d.engine, planner.NewStandardBuilder(), d.draining.Load).RegisterRoutes(mux)
	api.NewGatesHandler(d.engine).RegisterRoutes(mux)
	api.NewStreamHandler(d.engine).RegisterRoutes(mux)
	api.NewSystemHandler(d.store, d.queue, d.opts.Version).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = auth.NewRateLimiter(d.cfg.Server.RateLimit, d.cfg.Server.RateBurst).Wrap(handler)
	handler = auth.NewMiddleware(d.cfg.Auth.JWTSecret).Wrap(handler)

	d.server = &http.Server{
		Addr:         d.cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("runplaned starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", d.cfg.Server.Addr),
		slog.String("store_driver", d.cfg.Store.Driver),
		slog.String("queue_driver", d.cfg.Queue.Driver))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains the daemon: new runs are rejected, in-flight steps get
// the shutdown timeout to finish, then everything closes in dependency
// order.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	d.draining.Store(true)
	d.logger.Info("graceful shutdown initiated")

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Warn("http server shutdown error", internallog.Error(err))
		}
	}

	if err := d.queue.Close(); err != nil {
		d.logger.Warn("queue close error", internallog.Error(err))
	}
	d.engine.Close()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("store close error", internallog.Error(err))
	}

	if d.tracer != nil {
		if err := d.tracer.Shutdown(ctx); err != nil {
			d.logger.Warn("tracer shutdown error", internallog.Error(err))
		}
	}

	d.logger.Info("shutdown complete")
	return nil
}
