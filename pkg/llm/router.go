package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/runplane/runplane/pkg/errors"
	"github.com/runplane/runplane/pkg/reliability"
)

// defaultOrders is the provider preference per task kind.
var defaultOrders = map[TaskKind][]string{
	TaskCodegen:   {"openai", "anthropic", "gemini"},
	TaskReasoning: {"anthropic", "openai", "gemini"},
	TaskDocs:      {"gemini", "anthropic", "openai"},
}

// RouterConfig tunes the router.
type RouterConfig struct {
	// Orders overrides the provider preference per task kind. Task kinds
	// absent from the map use the built-in defaults.
	Orders map[TaskKind][]string

	// CallTimeout bounds one provider call. Default 15s.
	CallTimeout time.Duration

	// MaxRetries is the number of retries per provider after the first
	// attempt. Default 2.
	MaxRetries int

	// RetryBaseDelay is the linear backoff unit between retries. Default
	// 250ms.
	RetryBaseDelay time.Duration

	// DocsCacheTTL is the docs-task response cache lifetime. Zero or a
	// negative value disables the cache.
	DocsCacheTTL time.Duration

	// Breaker configures the per-provider circuit breakers.
	Breaker reliability.BreakerConfig

	// OnRetry, if set, is invoked with the provider name on each retry.
	OnRetry func(provider string)

	// OnBreakerStateChange, if set, observes per-provider breaker
	// transitions.
	OnBreakerStateChange func(provider string, from, to reliability.BreakerState)
}

// DefaultRouterConfig returns the router defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CallTimeout:    15 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: 250 * time.Millisecond,
		DocsCacheTTL:   10 * time.Minute,
		Breaker:        reliability.DefaultBreakerConfig(),
	}
}

// Router selects providers by task kind and walks the preference order
// until one succeeds. Each provider call is wrapped in a timeout, linear
// retry, and a per-provider circuit breaker. Docs responses are cached.
type Router struct {
	registry *Registry
	cfg      RouterConfig
	cache    *responseCache

	mu       sync.Mutex
	breakers map[string]*reliability.Breaker
}

// NewRouter creates a router over the registry.
func NewRouter(registry *Registry, cfg RouterConfig) *Router {
	def := DefaultRouterConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = def.Breaker
	}
	return &Router{
		registry: registry,
		cfg:      cfg,
		cache:    newResponseCache(cfg.DocsCacheTTL),
		breakers: make(map[string]*reliability.Breaker),
	}
}

// order returns the provider preference for a task kind.
func (r *Router) order(kind TaskKind) []string {
	if r.cfg.Orders != nil {
		if names, ok := r.cfg.Orders[kind]; ok && len(names) > 0 {
			return names
		}
	}
	if names, ok := defaultOrders[kind]; ok {
		return names
	}
	return defaultOrders[TaskReasoning]
}

func (r *Router) breaker(provider string) *reliability.Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		cfg := r.cfg.Breaker
		if r.cfg.OnBreakerStateChange != nil {
			hook := r.cfg.OnBreakerStateChange
			cfg.OnStateChange = func(from, to reliability.BreakerState) {
				hook(provider, from, to)
			}
		}
		b = reliability.NewBreaker(provider, cfg)
		r.breakers[provider] = b
	}
	return b
}

// Complete routes the request to the first provider in the task kind's
// preference order that succeeds. The last provider error is surfaced when
// all candidates fail.
func (r *Router) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Prompt == "" {
		return nil, &pkgerrors.ValidationError{
			Field:   "prompt",
			Message: "completion request must have a prompt",
		}
	}
	if req.TaskKind == "" {
		req.TaskKind = TaskReasoning
	}

	cacheable := req.TaskKind == TaskDocs
	var key string
	if cacheable {
		key = cacheKey(req)
		if resp, ok := r.cache.get(key); ok {
			return resp, nil
		}
	}

	var lastErr error
	for _, name := range r.order(req.TaskKind) {
		provider, err := r.registry.Get(name)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := r.callProvider(ctx, provider, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		resp.Provider = provider.Name()
		if cacheable {
			r.cache.put(key, *resp)
		}
		return resp, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers registered for task kind %s", req.TaskKind)
	}
	return nil, lastErr
}

// callProvider runs one provider with breaker, per-call timeout, and linear
// retry.
func (r *Router) callProvider(ctx context.Context, provider Provider, req Request) (*Response, error) {
	var resp *Response
	attempt := 0
	err := r.breaker(provider.Name()).Execute(ctx, func(ctx context.Context) error {
		for {
			callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
			result, err := provider.Complete(callCtx, req)
			cancel()
			if err == nil {
				resp = result
				return nil
			}
			if !pkgerrors.IsRetryable(err) || attempt >= r.cfg.MaxRetries {
				return err
			}
			attempt++
			if r.cfg.OnRetry != nil {
				r.cfg.OnRetry(provider.Name())
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * r.cfg.RetryBaseDelay):
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// BreakerState reports the current breaker state for a provider, for
// introspection endpoints.
func (r *Router) BreakerState(provider string) reliability.BreakerState {
	return r.breaker(provider).State()
}
