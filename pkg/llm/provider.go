// Package llm provides abstractions for Large Language Model providers and
// a task-kind router that layers caching, timeouts, retries, and circuit
// breaking over a provider registry. The package is provider-agnostic and
// embeddable in other Go applications.
package llm

import (
	"context"
	"time"
)

// TaskKind classifies a request for provider selection.
type TaskKind string

const (
	// TaskCodegen is code generation and editing.
	TaskCodegen TaskKind = "codegen"

	// TaskReasoning is multi-step analysis and planning.
	TaskReasoning TaskKind = "reasoning"

	// TaskDocs is documentation and prose generation. Docs responses are
	// cacheable.
	TaskDocs TaskKind = "docs"
)

// Provider defines the interface that all LLM providers must implement.
type Provider interface {
	// Name returns the unique identifier for this provider (e.g.
	// "anthropic", "openai", "gemini").
	Name() string

	// Complete sends a synchronous completion request and returns the full
	// response. This method blocks until the response is complete.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request contains all parameters for a completion request.
type Request struct {
	// TaskKind drives provider ordering and cache policy in the router.
	TaskKind TaskKind

	// Prompt is the user prompt.
	Prompt string

	// System is an optional system instruction.
	System string

	// Model specifies which model to use. Empty selects the provider
	// default.
	Model string

	// Temperature controls randomness (0.0 = deterministic). Nil uses the
	// provider default.
	Temperature *float64

	// MaxTokens limits the response length. Nil uses the provider default.
	MaxTokens *int

	// Metadata contains request tracking information (correlation IDs).
	Metadata map[string]string
}

// Response contains the full response from a completion.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the actual model ID that handled this request.
	Model string

	// Provider is the provider that produced the response.
	Provider string

	// RequestID is the unique identifier for this request (for tracing).
	RequestID string

	// Usage contains token consumption information.
	Usage TokenUsage

	// Created is the timestamp when this response was generated.
	Created time.Time

	// Cached reports whether the response was served from the docs cache.
	Cached bool
}

// TokenUsage tracks token consumption for cost accounting.
type TokenUsage struct {
	// InputTokens is the number of tokens in the prompt.
	InputTokens int

	// OutputTokens is the number of tokens in the completion.
	OutputTokens int

	// TotalTokens is the sum of input and output tokens.
	TotalTokens int
}
