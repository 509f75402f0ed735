package connector

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/config"
	"github.com/matdev83/llm-interactive-proxy/internal/interfaces"
	"github.com/matdev83/llm-interactive-proxy/internal/registry"
	"github.com/matdev83/llm-interactive-proxy/internal/translator"
	"github.com/matdev83/llm-interactive-proxy/internal/util"
	log "github.com/sirupsen/logrus"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// Gemini is the API-key connector for the Google Generative Language API.
type Gemini struct {
	baseURL    string
	keys       []Key
	models     []string
	httpClient *http.Client
}

// NewGemini builds the connector from config, advertising the static Gemini
// model table.
func NewGemini(cfg config.BackendKeys, httpClient *http.Client) *Gemini {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &Gemini{
		baseURL:    baseURL,
		keys:       keysFromSecrets(cfg.APIKeys),
		models:     registry.GeminiModelIDs(),
		httpClient: httpClient,
	}
}

func (c *Gemini) Name() string {
	return config.BackendGemini
}

func (c *Gemini) Models() []string {
	return c.models
}

func (c *Gemini) Keys() []Key {
	return c.keys
}

func (c *Gemini) endpoint(model, action string) string {
	return strings.TrimSuffix(c.baseURL, "/") + "/v1beta/models/" + model + ":" + action
}

func (c *Gemini) newRequest(ctx context.Context, url string, key Key, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", key.Secret)
	return req, nil
}

// ChatCompletions performs one unary generateContent call.
func (c *Gemini) ChatCompletions(ctx context.Context, req *canonical.Request, model string, key Key) (*canonical.Response, error) {
	body := translator.BuildGeminiRequestBody(req)
	log.Debugf("gemini request: model=%s key=%s", model, util.HideAPIKey(key.Secret))

	httpReq, err := c.newRequest(ctx, c.endpoint(model, "generateContent"), key, body)
	if err != nil {
		return nil, err
	}
	respBody, err := doRequest(c.httpClient, config.BackendGemini, httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = respBody.Close()
	}()

	raw, errRead := io.ReadAll(respBody)
	if errRead != nil {
		return nil, interfaces.NewError(interfaces.KindTransient, http.StatusBadGateway, "gemini: reading response: %v", errRead)
	}
	return translator.ParseGeminiResponseBody(raw, "", model, false)
}

// StreamChatCompletions performs one streamGenerateContent call with SSE
// framing.
func (c *Gemini) StreamChatCompletions(ctx context.Context, req *canonical.Request, model string, key Key) (<-chan *canonical.Response, <-chan error) {
	dataChan := make(chan *canonical.Response)
	errChan := make(chan error, 1)

	go func() {
		defer close(dataChan)
		defer close(errChan)

		body := translator.BuildGeminiRequestBody(req)
		log.Debugf("gemini stream request: model=%s key=%s", model, util.HideAPIKey(key.Secret))

		httpReq, err := c.newRequest(ctx, c.endpoint(model, "streamGenerateContent")+"?alt=sse", key, body)
		if err != nil {
			errChan <- err
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		stream, err := doRequest(c.httpClient, config.BackendGemini, httpReq)
		if err != nil {
			errChan <- err
			return
		}
		defer func() {
			_ = stream.Close()
		}()

		scanGeminiSSE(ctx, config.BackendGemini, stream, model, dataChan, errChan)
	}()

	return dataChan, errChan
}

// scanGeminiSSE forwards Gemini stream frames as canonical chunks sharing
// one stream ID.
func scanGeminiSSE(ctx context.Context, backend string, stream io.Reader, model string, dataChan chan<- *canonical.Response, errChan chan<- error) {
	id := canonical.NewResponse(model).ID
	forwardSSEPayloads(ctx, backend, stream, errChan, func(payload []byte) bool {
		chunk, err := translator.ParseGeminiResponseBody(payload, id, model, true)
		if err != nil {
			log.Warnf("%s: skipping malformed stream chunk: %v", backend, err)
			return true
		}
		select {
		case dataChan <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// forwardSSEPayloads scans "data:" frames and hands each payload to emit
// until emit returns false or the stream ends.
func forwardSSEPayloads(ctx context.Context, backend string, stream io.Reader, errChan chan<- error, emit func([]byte) bool) {
	dataTag := []byte("data:")

	scanner := newSSEScanner(stream)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, dataTag) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataTag):])
		if len(payload) == 0 {
			continue
		}
		if !emit(payload) {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		errChan <- classifyHTTPError(backend, http.StatusBadGateway, []byte(err.Error()))
	}
}
