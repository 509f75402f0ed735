package connector

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/matdev83/llm-interactive-proxy/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouter is the connector for the OpenRouter aggregation service. It
// speaks the OpenAI wire protocol and discovers its model list from the
// provider's /models endpoint.
type OpenRouter struct {
	openAIWire

	mu sync.RWMutex
}

// NewOpenRouter builds the connector from config. The model list starts
// empty; call RefreshModels before serving traffic.
func NewOpenRouter(cfg config.BackendKeys, httpClient *http.Client) *OpenRouter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	return &OpenRouter{
		openAIWire: openAIWire{
			name:       config.BackendOpenRouter,
			baseURL:    baseURL,
			keys:       keysFromSecrets(cfg.APIKeys),
			httpClient: httpClient,
			extraHeaders: map[string]string{
				"HTTP-Referer": "https://github.com/matdev83/llm-interactive-proxy",
				"X-Title":      "llm-interactive-proxy",
			},
		},
	}
}

// Models returns the cached model list.
func (c *OpenRouter) Models() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.models
}

// RefreshModels fetches the advertised model list and swaps it in
// atomically. A fetch failure keeps the previous list.
func (c *OpenRouter) RefreshModels(ctx context.Context) error {
	if len(c.keys) == 0 {
		return nil
	}

	url := strings.TrimSuffix(c.baseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.keys[0].Secret)

	body, err := doRequest(c.httpClient, c.name, req)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	var models []string
	gjson.GetBytes(raw, "data").ForEach(func(_, m gjson.Result) bool {
		if id := m.Get("id").String(); id != "" {
			models = append(models, id)
		}
		return true
	})
	log.Infof("openrouter: %d models available", len(models))

	c.mu.Lock()
	c.models = models
	c.mu.Unlock()
	return nil
}

// SetModels installs a static model list, used by tests and by deployments
// that pin the list in config.
func (c *OpenRouter) SetModels(models []string) {
	c.mu.Lock()
	c.models = models
	c.mu.Unlock()
}
