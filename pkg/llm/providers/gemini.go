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
	// geminiAPIBaseURL is the base URL for the Gemini API
	geminiAPIBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// geminiDefaultModel is used when the request names no model
	geminiDefaultModel = "gemini-2.0-flash"
)

// GeminiProvider implements the Provider interface for Google's Gemini
// models over the generateContent API.
type GeminiProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiProvider creates a new Gemini provider instance. An empty
// baseURL uses the public API endpoint.
func NewGeminiProvider(apiKey, baseURL string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    "gemini.api_key",
			Reason: "API key is required for Gemini provider",
		}
	}
	if baseURL == "" {
		baseURL = geminiAPIBaseURL
	}
	return &GeminiProvider{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a synchronous completion request to the generateContent
// API.
func (p *GeminiProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	requestID := uuid.New().String()

	model := req.Model
	if model == "" {
		model = geminiDefaultModel
	}

	apiReq := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
	}
	if req.System != "" {
		apiReq.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		apiReq.GenerationConfig = &struct {
			Temperature     *float64 `json:"temperature,omitempty"`
			MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
		}{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "gemini",
			Message:   fmt.Sprintf("failed to marshal request: %v", err),
			RequestID: requestID,
		}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "gemini",
			Message:   fmt.Sprintf("failed to create request: %v", err),
			RequestID: requestID,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Retryable(&errors.ProviderError{
			Provider:  "gemini",
			Message:   fmt.Sprintf("request failed: %v", err),
			RequestID: requestID,
			Cause:     err,
		})
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Retryable(&errors.ProviderError{
			Provider:  "gemini",
			Message:   fmt.Sprintf("failed to read response: %v", err),
			RequestID: requestID,
			Cause:     err,
		})
	}

	var apiResp geminiResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return nil, &errors.ProviderError{
			Provider:   "gemini",
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
			Provider:   "gemini",
			StatusCode: resp.StatusCode,
			Message:    message,
			RequestID:  requestID,
		}
	}
	if len(apiResp.Candidates) == 0 {
		return nil, &errors.ProviderError{
			Provider:   "gemini",
			StatusCode: resp.StatusCode,
			Message:    "response contained no candidates",
			RequestID:  requestID,
		}
	}

	var content string
	for _, part := range apiResp.Candidates[0].Content.Parts {
		content += part.Text
	}

	return &llm.Response{
		Content:   content,
		Model:     model,
		RequestID: requestID,
		Usage: llm.TokenUsage{
			InputTokens:  apiResp.UsageMetadata.PromptTokenCount,
			OutputTokens: apiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  apiResp.UsageMetadata.TotalTokenCount,
		},
		Created: time.Now(),
	}, nil
}
