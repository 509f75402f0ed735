package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/matdev83/llm-interactive-proxy/internal/config"
	"github.com/matdev83/llm-interactive-proxy/internal/registry"
)

// OpenAIModels serves GET /v1/models: every advertised model across
// backends, IDs prefixed "<backend>:<model>".
func (h *Handler) OpenAIModels(c *gin.Context) {
	models := h.Registry.All()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"id":       m.ID,
			"object":   "model",
			"created":  m.Created,
			"owned_by": m.OwnedBy,
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// GeminiModels serves GET /v1beta/models in the native Gemini listing shape.
// Models advertised by both the API-key and the OAuth backend appear once.
func (h *Handler) GeminiModels(c *gin.Context) {
	seen := make(map[string]bool)
	var models []gin.H
	for _, backend := range []string{config.BackendGemini, config.BackendGeminiCLI} {
		for _, m := range h.Registry.Models(backend) {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			models = append(models, h.geminiModelEntry(m))
		}
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (h *Handler) geminiModelEntry(m registry.ModelInfo) gin.H {
	inputLimit := m.InputTokenLimit
	if h.Cfg.ForceContextWindow > 0 {
		inputLimit = h.Cfg.ForceContextWindow
	}
	return gin.H{
		"name":                         "models/" + m.ID,
		"display_name":                 m.DisplayName,
		"description":                  m.Description,
		"input_token_limit":            inputLimit,
		"output_token_limit":           m.OutputTokenLimit,
		"supported_generation_methods": m.SupportedGenerationMethods,
	}
}

// Root serves GET /, a short discovery document.
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "LLM Interactive Proxy",
		"endpoints": []string{
			"POST /v1/chat/completions",
			"POST /v1/completions",
			"POST /v1/responses",
			"GET /v1/models",
			"GET /v1beta/models",
			"POST /v1beta/models/{model}:generateContent",
			"POST /v1beta/models/{model}:streamGenerateContent",
			"POST /anthropic/v1/messages",
			"GET /health",
		},
	})
}

// Docs serves GET /docs, a minimal HTML page pointing at the OpenAPI
// document.
func (h *Handler) Docs(c *gin.Context) {
	const page = `<!DOCTYPE html>
<html>
<head><title>LLM Interactive Proxy</title></head>
<body>
<h1>LLM Interactive Proxy</h1>
<p>OpenAI, Anthropic, and Gemini compatible endpoints. See <a href="/openapi.json">openapi.json</a> for the full surface.</p>
</body>
</html>`
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

// OpenAPISpec serves GET /openapi.json.
func (h *Handler) OpenAPISpec(c *gin.Context) {
	post := func(summary string) gin.H {
		return gin.H{"post": gin.H{"summary": summary, "responses": gin.H{"200": gin.H{"description": "OK"}}}}
	}
	get := func(summary string) gin.H {
		return gin.H{"get": gin.H{"summary": summary, "responses": gin.H{"200": gin.H{"description": "OK"}}}}
	}
	c.JSON(http.StatusOK, gin.H{
		"openapi": "3.0.0",
		"info": gin.H{
			"title":   "LLM Interactive Proxy",
			"version": "1.0.0",
		},
		"paths": gin.H{
			"/v1/chat/completions":          post("OpenAI chat completions"),
			"/v1/completions":               post("OpenAI legacy completions"),
			"/v1/responses":                 post("OpenAI responses"),
			"/v1/models":                    get("List models"),
			"/v1beta/models":                get("List Gemini models"),
			"/v1beta/models/{model}:action": post("Gemini generateContent and streamGenerateContent"),
			"/anthropic/v1/messages":        post("Anthropic messages"),
			"/health":                       get("Liveness"),
		},
	})
}
