package connector

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/interfaces"
	"github.com/matdev83/llm-interactive-proxy/internal/translator"
	"github.com/matdev83/llm-interactive-proxy/internal/util"
	log "github.com/sirupsen/logrus"
)

// openAIWire is the shared implementation for backends that speak the OpenAI
// chat-completions wire protocol.
type openAIWire struct {
	name       string
	baseURL    string
	keys       []Key
	models     []string
	httpClient *http.Client

	// extraHeaders are added to every upstream request, e.g. OpenRouter's
	// attribution headers.
	extraHeaders map[string]string
}

func (c *openAIWire) Name() string {
	return c.name
}

func (c *openAIWire) Models() []string {
	return c.models
}

func (c *openAIWire) Keys() []Key {
	return c.keys
}

func (c *openAIWire) newRequest(ctx context.Context, key Key, body []byte, stream bool) (*http.Request, error) {
	url := strings.TrimSuffix(c.baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	for k, v := range c.extraHeaders {
		req.Header.Set(k, v)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}
	return req, nil
}

// ChatCompletions performs a unary completion.
func (c *openAIWire) ChatCompletions(ctx context.Context, req *canonical.Request, model string, key Key) (*canonical.Response, error) {
	body := translator.BuildOpenAIRequestBody(req, model, false)
	log.Debugf("%s request: model=%s key=%s", c.name, model, util.HideAPIKey(key.Secret))

	httpReq, err := c.newRequest(ctx, key, body, false)
	if err != nil {
		return nil, err
	}
	respBody, err := doRequest(c.httpClient, c.name, httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = respBody.Close()
	}()

	raw, errRead := io.ReadAll(respBody)
	if errRead != nil {
		return nil, interfaces.NewError(interfaces.KindTransient, http.StatusBadGateway, "%s: reading response: %v", c.name, errRead)
	}
	resp, err := translator.ParseOpenAIResponseBody(raw)
	if err != nil {
		return nil, err
	}
	if resp.Model == "" {
		resp.Model = model
	}
	return resp, nil
}

// StreamChatCompletions performs a streaming completion. The goroutine owns
// the upstream body and closes both channels when the stream ends.
func (c *openAIWire) StreamChatCompletions(ctx context.Context, req *canonical.Request, model string, key Key) (<-chan *canonical.Response, <-chan error) {
	dataChan := make(chan *canonical.Response)
	errChan := make(chan error, 1)

	go func() {
		defer close(dataChan)
		defer close(errChan)

		body := translator.BuildOpenAIRequestBody(req, model, true)
		log.Debugf("%s stream request: model=%s key=%s", c.name, model, util.HideAPIKey(key.Secret))

		httpReq, err := c.newRequest(ctx, key, body, true)
		if err != nil {
			errChan <- err
			return
		}
		stream, err := doRequest(c.httpClient, c.name, httpReq)
		if err != nil {
			errChan <- err
			return
		}
		defer func() {
			_ = stream.Close()
		}()

		scanSSE(ctx, c.name, stream, model, dataChan, errChan)
	}()

	return dataChan, errChan
}

// scanSSE reads OpenAI-style "data: " frames off the stream and forwards
// decoded chunks until [DONE] or EOF. Malformed frames are skipped with a
// warning instead of killing the stream.
func scanSSE(ctx context.Context, backend string, stream io.Reader, model string, dataChan chan<- *canonical.Response, errChan chan<- error) {
	dataTag := []byte("data: ")
	dataUglyTag := []byte("data:")
	doneTag := []byte("[DONE]")

	scanner := newSSEScanner(stream)

	for scanner.Scan() {
		line := scanner.Bytes()
		var payload []byte
		if bytes.HasPrefix(line, dataTag) {
			payload = line[len(dataTag):]
		} else if bytes.HasPrefix(line, dataUglyTag) {
			payload = line[len(dataUglyTag):]
		} else {
			continue
		}
		payload = bytes.TrimSpace(payload)
		if len(payload) == 0 {
			continue
		}
		if bytes.Equal(payload, doneTag) {
			return
		}

		chunk, err := translator.ParseOpenAIChunkBody(payload)
		if err != nil {
			log.Warnf("%s: skipping malformed stream chunk: %v", backend, err)
			continue
		}
		if chunk.Model == "" {
			chunk.Model = model
		}
		select {
		case dataChan <- chunk:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		errChan <- classifyHTTPError(backend, http.StatusBadGateway, []byte(err.Error()))
	}
}
