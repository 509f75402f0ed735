// Package connector implements the upstream backend clients. Each connector
// speaks one provider's wire protocol and exposes the same three operations:
// a cached model list, a unary chat completion, and a lazy streaming chat
// completion. Connectors classify upstream failures into the proxy error
// taxonomy and never sleep on rate limits; retry scheduling belongs to the
// dispatcher, which also chooses the API key for every attempt.
package connector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/interfaces"
	"github.com/matdev83/llm-interactive-proxy/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

// Key is one upstream credential. Name is stable across restarts and keys
// the rate-limit registry; Secret is the credential value.
type Key struct {
	Name   string
	Secret string
}

// Connector is the common surface of all backend clients.
type Connector interface {
	// Name returns the backend type, e.g. "openrouter".
	Name() string

	// Models returns the cached advertised model list. An empty list marks
	// the connector non-functional.
	Models() []string

	// Keys returns the credentials this connector can use. The dispatcher
	// picks one per attempt; connectors never rotate on their own.
	Keys() []Key

	// ChatCompletions performs one unary completion with the given key.
	ChatCompletions(ctx context.Context, req *canonical.Request, model string, key Key) (*canonical.Response, error)

	// StreamChatCompletions performs one streaming completion. Chunks arrive
	// on the first channel; a single error may arrive on the second. Both
	// close when the stream ends. Cancelling ctx closes the upstream
	// connection.
	StreamChatCompletions(ctx context.Context, req *canonical.Request, model string, key Key) (<-chan *canonical.Response, <-chan error)
}

// Functional reports whether the connector has at least one credential and a
// non-empty model list.
func Functional(c Connector) bool {
	return len(c.Keys()) > 0 && len(c.Models()) > 0
}

// classifyHTTPError maps an upstream error status to the proxy taxonomy.
// 429 carries the parsed retry delay when the body deduces one.
func classifyHTTPError(backend string, status int, body []byte) error {
	switch {
	case status == http.StatusTooManyRequests:
		var retryAfter time.Duration
		if seconds, ok := ratelimit.ParseRetryDelay(body); ok {
			retryAfter = time.Duration(seconds * float64(time.Second))
		}
		return &interfaces.ProxyError{
			Kind:       interfaces.KindRateLimited,
			StatusCode: status,
			RetryAfter: retryAfter,
			Err:        fmt.Errorf("%s: rate limited: %s", backend, truncateBody(body)),
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return interfaces.NewError(interfaces.KindUnauthorized, status, "%s: authentication failed: %s", backend, truncateBody(body))
	case status == http.StatusNotFound:
		return interfaces.NewError(interfaces.KindUnknownModel, status, "%s: model not found: %s", backend, truncateBody(body))
	case status >= 400 && status < 500:
		return interfaces.NewError(interfaces.KindInvalidRequest, status, "%s: upstream rejected request: %s", backend, truncateBody(body))
	default:
		return interfaces.NewError(interfaces.KindTransient, status, "%s: upstream error %d: %s", backend, status, truncateBody(body))
	}
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// doRequest executes one upstream HTTP call and hands back the body reader
// on 2xx; any other status is drained, classified, and closed.
func doRequest(httpClient *http.Client, backend string, req *http.Request) (io.ReadCloser, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, interfaces.NewError(interfaces.KindCancelled, 499, "%s: request cancelled", backend)
		}
		return nil, interfaces.NewError(interfaces.KindTransient, http.StatusBadGateway, "%s: request failed: %v", backend, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		if errClose := resp.Body.Close(); errClose != nil {
			log.Warnf("failed to close response body: %v", errClose)
		}
		return nil, classifyHTTPError(backend, resp.StatusCode, body)
	}
	return resp.Body, nil
}

// newSSEScanner returns a line scanner sized for SSE payloads, which can
// exceed the default bufio token limit on long completions.
func newSSEScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}

// keysFromSecrets labels plain API keys key-1, key-2, ... in config order so
// the rate-limit registry can track them individually.
func keysFromSecrets(secrets []string) []Key {
	keys := make([]Key, 0, len(secrets))
	for i, s := range secrets {
		if s == "" {
			continue
		}
		keys = append(keys, Key{Name: fmt.Sprintf("key-%d", i+1), Secret: s})
	}
	return keys
}
