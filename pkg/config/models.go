package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// ollamaPrefix marks models served by a local Ollama instance, e.g. "ollama/qwen2.5-coder".
const ollamaPrefix = "ollama/"

// ProviderFor picks the provider for a model name by prefix. Anything unrecognized is
// treated as OpenAI-compatible, which with llm.base_url covers DeepSeek and Qwen.
func ProviderFor(model string) string {
	switch {
	case strings.HasPrefix(model, "claude-"):
		return ProviderAnthropic
	case strings.HasPrefix(model, "gemini-"):
		return ProviderGoogle
	case strings.HasPrefix(model, ollamaPrefix):
		return ProviderOllama
	default:
		return ProviderOpenAI
	}
}

// ModelID returns the name the provider API expects.
func ModelID(model string) string {
	return strings.TrimPrefix(model, ollamaPrefix)
}

// apiKeyEnv maps a provider to its key variable.
//
//nolint:gochecknoglobals // static lookup table
var apiKeyEnv = map[string]string{
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderGoogle:    "GOOGLE_GENAI_API_KEY",
}

// APIKeyName returns the secret name holding the provider's key, or "" when the
// provider needs none.
func APIKeyName(provider string) string {
	return apiKeyEnv[provider]
}

// APIKeys returns every configured key for a provider: NAME, then NAME_1, NAME_2, ...
// until the first gap. Parallel experiments rotate through them.
func APIKeys(provider string) []string {
	name := APIKeyName(provider)
	if name == "" {
		return nil
	}
	var keys []string
	if v, err := GetSecret(name); err == nil {
		keys = append(keys, v)
	}
	for i := 1; ; i++ {
		v, err := GetSecret(name + "_" + strconv.Itoa(i))
		if err != nil {
			break
		}
		keys = append(keys, v)
	}
	return keys
}

// APIKey returns the key for slot index, wrapping around the configured keys.
func APIKey(provider string, index int) (string, error) {
	name := APIKeyName(provider)
	if name == "" {
		return "", nil
	}
	keys := APIKeys(provider)
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: %s not set in secrets file or environment", ErrInvalidConfig, name)
	}
	if index < 0 {
		index = -index
	}
	return keys[index%len(keys)], nil
}
