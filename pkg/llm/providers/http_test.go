package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/pkg/errors"
	"github.com/runplane/runplane/pkg/llm"
)

func TestHTTPProviderCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		var req httpProviderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "write a haiku", req.Prompt)
		assert.Equal(t, "local-7b", req.Model)

		json.NewEncoder(w).Encode(map[string]any{
			"text":  "five seven five",
			"model": "local-7b",
			"usage": map[string]int{"input_tokens": 4, "output_tokens": 3},
		})
	}))
	defer srv.Close()

	p, err := NewHTTPProvider("gateway", srv.URL, "sekrit")
	require.NoError(t, err)
	assert.Equal(t, "gateway", p.Name())

	resp, err := p.Complete(context.Background(), llm.Request{Prompt: "write a haiku", Model: "local-7b"})
	require.NoError(t, err)
	assert.Equal(t, "five seven five", resp.Content)
	assert.Equal(t, "local-7b", resp.Model)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestHTTPProviderSurfacesEndpointErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": "model overloaded"})
	}))
	defer srv.Close()

	p, err := NewHTTPProvider("", srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, "http", p.Name())

	_, err = p.Complete(context.Background(), llm.Request{Prompt: "x"})
	var pErr *errors.ProviderError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, http.StatusBadGateway, pErr.StatusCode)
	assert.Contains(t, pErr.Message, "model overloaded")
}

func TestHTTPProviderRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPProvider("gateway", "", "tok")
	var cErr *errors.ConfigError
	assert.ErrorAs(t, err, &cErr)
}
