package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/runplane/runplane/pkg/errors"
	"github.com/runplane/runplane/pkg/llm"
)

const (
	// openAIAPIBaseURL is the base URL for the OpenAI API
	openAIAPIBaseURL = "https://api.openai.com/v1"

	// openAIDefaultModel is used when the request names no model
	openAIDefaultModel = "gpt-4o"
)

// OpenAIProvider implements the Provider interface for the OpenAI Chat
// Completions API and compatible endpoints.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	// allowTemperature forwards the temperature parameter. Some reasoning
	// models reject it, so it is off unless explicitly enabled.
	allowTemperature bool
}

// OpenAIOption customises the provider.
type OpenAIOption func(*OpenAIProvider)

// WithTemperature enables forwarding the temperature parameter.
func WithTemperature() OpenAIOption {
	return func(p *OpenAIProvider) { p.allowTemperature = true }
}

// NewOpenAIProvider creates a new OpenAI provider instance. An empty
// baseURL uses the public API endpoint; a custom baseURL targets any
// OpenAI-compatible server.
func NewOpenAIProvider(apiKey, baseURL string, opts ...OpenAIOption) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    "openai.api_key",
			Reason: "API key is required for OpenAI provider",
		}
	}
	if baseURL == "" {
		baseURL = openAIAPIBaseURL
	}
	p := &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_completion_tokens,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends a synchronous completion request to the Chat Completions
// API.
func (p *OpenAIProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	requestID := uuid.New().String()

	model := req.Model
	if model == "" {
		model = openAIDefaultModel
	}

	var messages []openAIMessage
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	apiReq := openAIRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if p.allowTemperature {
		apiReq.Temperature = req.Temperature
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "openai",
			Message:   fmt.Sprintf("failed to marshal request: %v", err),
			RequestID: requestID,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "openai",
			Message:   fmt.Sprintf("failed to create request: %v", err),
			RequestID: requestID,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Retryable(&errors.ProviderError{
			Provider:  "openai",
			Message:   fmt.Sprintf("request failed: %v", err),
			RequestID: requestID,
			Cause:     err,
		})
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Retryable(&errors.ProviderError{
			Provider:  "openai",
			Message:   fmt.Sprintf("failed to read response: %v", err),
			RequestID: requestID,
			Cause:     err,
		})
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return nil, &errors.ProviderError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to decode response: %v", err),
			RequestID:  requestID,
		}
	}
	if resp.StatusCode != http.StatusOK {
		message := "request failed"
		if apiResp.Error != nil {
			message = apiResp.Error.Message
		}
		return nil, &errors.ProviderError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Message:    message,
			RequestID:  requestID,
		}
	}
	if len(apiResp.Choices) == 0 {
		return nil, &errors.ProviderError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Message:    "response contained no choices",
			RequestID:  requestID,
		}
	}

	return &llm.Response{
		Content:   apiResp.Choices[0].Message.Content,
		Model:     apiResp.Model,
		RequestID: requestID,
		Usage: llm.TokenUsage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:  apiResp.Usage.TotalTokens,
		},
		Created: time.Now(),
	}, nil
}
