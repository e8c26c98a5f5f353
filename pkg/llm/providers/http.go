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

// HTTPProvider posts completion requests as plain JSON to a caller-supplied
// endpoint with bearer authentication. It adapts self-hosted inference
// gateways that do not speak a vendor protocol.
type HTTPProvider struct {
	name       string
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewHTTPProvider creates a generic HTTP provider. The token is optional;
// when set it is sent as a bearer credential.
func NewHTTPProvider(name, endpoint, token string) (*HTTPProvider, error) {
	if name == "" {
		name = "http"
	}
	if endpoint == "" {
		return nil, &errors.ConfigError{
			Key:    name + ".endpoint",
			Reason: "endpoint URL is required for the HTTP provider",
		}
	}
	return &HTTPProvider{
		name:       name,
		endpoint:   endpoint,
		token:      token,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// Name returns the provider identifier.
func (p *HTTPProvider) Name() string {
	return p.name
}

type httpProviderRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

type httpProviderResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error string `json:"error"`
}

// Complete posts {prompt, model} and expects {text, model, usage?} back.
func (p *HTTPProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	requestID := uuid.New().String()

	body, err := json.Marshal(httpProviderRequest{Prompt: req.Prompt, Model: req.Model})
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  p.name,
			Message:   fmt.Sprintf("failed to marshal request: %v", err),
			RequestID: requestID,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  p.name,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			RequestID: requestID,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Retryable(&errors.ProviderError{
			Provider:  p.name,
			Message:   fmt.Sprintf("request failed: %v", err),
			RequestID: requestID,
			Cause:     err,
		})
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Retryable(&errors.ProviderError{
			Provider:  p.name,
			Message:   fmt.Sprintf("failed to read response: %v", err),
			RequestID: requestID,
			Cause:     err,
		})
	}

	var apiResp httpProviderResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return nil, &errors.ProviderError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to decode response: %v", err),
			RequestID:  requestID,
		}
	}
	if resp.StatusCode != http.StatusOK {
		message := "request failed"
		if apiResp.Error != "" {
			message = apiResp.Error
		}
		return nil, &errors.ProviderError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Message:    message,
			RequestID:  requestID,
		}
	}

	return &llm.Response{
		Content:   apiResp.Text,
		Model:     apiResp.Model,
		RequestID: requestID,
		Usage: llm.TokenUsage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
			TotalTokens:  apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Created: time.Now(),
	}, nil
}
