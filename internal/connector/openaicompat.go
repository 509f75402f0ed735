package connector

import (
	"net/http"

	"github.com/matdev83/llm-interactive-proxy/internal/config"
)

// OpenAICompat is a connector for any external service exposing an
// OpenAI-compatible API under a configured name. The model list comes from
// config; services without a models endpoint are common in this category.
type OpenAICompat struct {
	openAIWire
}

// NewOpenAICompat builds a connector for one configured provider.
func NewOpenAICompat(cfg config.OpenAICompatibility, httpClient *http.Client) *OpenAICompat {
	return &OpenAICompat{
		openAIWire: openAIWire{
			name:       cfg.Name,
			baseURL:    cfg.BaseURL,
			keys:       keysFromSecrets(cfg.APIKeys),
			models:     append([]string(nil), cfg.Models...),
			httpClient: httpClient,
		},
	}
}
