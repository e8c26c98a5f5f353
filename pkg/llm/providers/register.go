package providers

import (
	"os"
	"strings"

	"github.com/runplane/runplane/pkg/llm"
)

// RegisterFromEnv registers every provider whose API key is present in the
// environment. Keys come from the conventional variables
// (OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY) or the generic
// LLM_<PROVIDER>_API_KEY form; LLM_<PROVIDER>_BASE_URL overrides the
// endpoint, which makes any OpenAI-compatible server usable. Returns the
// names registered.
func RegisterFromEnv(registry *llm.Registry) ([]string, error) {
	var registered []string

	if key := envKey("openai", "OPENAI_API_KEY"); key != "" {
		var opts []OpenAIOption
		if truthy(os.Getenv("OPENAI_ALLOW_TEMPERATURE")) {
			opts = append(opts, WithTemperature())
		}
		p, err := NewOpenAIProvider(key, envBaseURL("openai"), opts...)
		if err != nil {
			return registered, err
		}
		if err := registry.Register(p); err != nil {
			return registered, err
		}
		registered = append(registered, p.Name())
	}

	if key := envKey("anthropic", "ANTHROPIC_API_KEY"); key != "" {
		p, err := NewAnthropicProvider(key, envBaseURL("anthropic"))
		if err != nil {
			return registered, err
		}
		if err := registry.Register(p); err != nil {
			return registered, err
		}
		registered = append(registered, p.Name())
	}

	if key := envKey("gemini", "GEMINI_API_KEY"); key != "" {
		p, err := NewGeminiProvider(key, envBaseURL("gemini"))
		if err != nil {
			return registered, err
		}
		if err := registry.Register(p); err != nil {
			return registered, err
		}
		registered = append(registered, p.Name())
	}

	// A generic JSON-over-HTTP endpoint, for self-hosted gateways.
	if endpoint := os.Getenv("LLM_HTTP_ENDPOINT"); endpoint != "" {
		name := os.Getenv("LLM_HTTP_NAME")
		p, err := NewHTTPProvider(name, endpoint, os.Getenv("LLM_HTTP_TOKEN"))
		if err != nil {
			return registered, err
		}
		if err := registry.Register(p); err != nil {
			return registered, err
		}
		registered = append(registered, p.Name())
	}

	return registered, nil
}

func envKey(provider, conventional string) string {
	if v := os.Getenv("LLM_" + strings.ToUpper(provider) + "_API_KEY"); v != "" {
		return v
	}
	return os.Getenv(conventional)
}

func envBaseURL(provider string) string {
	return os.Getenv("LLM_" + strings.ToUpper(provider) + "_BASE_URL")
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
