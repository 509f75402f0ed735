package connector

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/config"
	"github.com/matdev83/llm-interactive-proxy/internal/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func testRequest() *canonical.Request {
	return &canonical.Request{
		Model: "foo",
		Messages: []canonical.Message{
			{Role: canonical.RoleUser, Content: canonical.Content{Text: "hi"}},
		},
	}
}

func TestClassifyHTTPError(t *testing.T) {
	body := []byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"17s"}]}}`)
	err := classifyHTTPError("gemini", http.StatusTooManyRequests, body)
	var perr *interfaces.ProxyError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, interfaces.KindRateLimited, perr.Kind)
	assert.Equal(t, 17*time.Second, perr.RetryAfter)

	err = classifyHTTPError("openrouter", http.StatusUnauthorized, []byte("bad key"))
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, interfaces.KindUnauthorized, perr.Kind)

	err = classifyHTTPError("openrouter", http.StatusBadRequest, nil)
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, interfaces.KindInvalidRequest, perr.Kind)

	err = classifyHTTPError("openrouter", http.StatusBadGateway, nil)
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, interfaces.KindTransient, perr.Kind)
}

func TestOpenAIWireUnary(t *testing.T) {
	var gotAuth, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotModel = gjson.GetBytes(body, "model").String()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","model":"real","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`))
	}))
	defer srv.Close()

	c := NewOpenAICompat(config.OpenAICompatibility{
		Name:    "local",
		BaseURL: srv.URL,
		APIKeys: []string{"sk-test"},
		Models:  []string{"foo"},
	}, srv.Client())

	resp, err := c.ChatCompletions(context.Background(), testRequest(), "real", c.Keys()[0])
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "real", gotModel)
	assert.Equal(t, "hello", resp.ContentText())
	assert.Equal(t, 3, resp.Usage.TotalTokens)
}

func TestOpenAIWireStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"he\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"llo\"},\"finish_reason\":\"stop\"}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := NewOpenAICompat(config.OpenAICompatibility{
		Name: "local", BaseURL: srv.URL, APIKeys: []string{"sk"}, Models: []string{"foo"},
	}, srv.Client())

	dataChan, errChan := c.StreamChatCompletions(context.Background(), testRequest(), "foo", c.Keys()[0])
	var text string
	for chunk := range dataChan {
		text += chunk.ContentText()
	}
	assert.Equal(t, "hello", text)
	assert.NoError(t, <-errChan)
}

func TestOpenAIWireStreamErrorBeforeData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	c := NewOpenAICompat(config.OpenAICompatibility{
		Name: "local", BaseURL: srv.URL, APIKeys: []string{"sk"}, Models: []string{"foo"},
	}, srv.Client())

	dataChan, errChan := c.StreamChatCompletions(context.Background(), testRequest(), "foo", c.Keys()[0])
	_, open := <-dataChan
	assert.False(t, open)

	err := <-errChan
	var perr *interfaces.ProxyError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, interfaces.KindRateLimited, perr.Kind)
}

func TestGeminiUnary(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"hi there"}]},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":3,"totalTokenCount":5}}`))
	}))
	defer srv.Close()

	c := NewGemini(config.BackendKeys{APIKeys: []string{"g-key"}, BaseURL: srv.URL}, srv.Client())
	require.True(t, Functional(c))

	resp, err := c.ChatCompletions(context.Background(), testRequest(), "gemini-2.5-pro", c.Keys()[0])
	require.NoError(t, err)
	assert.Equal(t, "/v1beta/models/gemini-2.5-pro:generateContent", gotPath)
	assert.Equal(t, "g-key", gotKey)
	assert.Equal(t, "hi there", resp.ContentText())
	assert.Equal(t, canonical.FinishStop, resp.Choices[0].FinishReason)
}

func TestGeminiNonFunctionalWithoutKeys(t *testing.T) {
	c := NewGemini(config.BackendKeys{}, http.DefaultClient)
	assert.False(t, Functional(c))
}

func TestDailyCounterLimitAndReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.json")
	c := NewDailyCounter(path, 2)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, c.loc)
	c.now = func() time.Time { return now }

	ok, _ := c.Increment()
	assert.True(t, ok)
	ok, _ = c.Increment()
	assert.True(t, ok)

	ok, resetAt := c.Increment()
	assert.False(t, ok)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, c.loc), resetAt)
	assert.Equal(t, 2, c.Count())

	// A fresh counter instance reads the persisted state.
	c2 := NewDailyCounter(path, 2)
	c2.now = c.now
	assert.Equal(t, 2, c2.Count())

	// A new Pacific day resets the count.
	now = now.AddDate(0, 0, 1)
	ok, _ = c2.Increment()
	assert.True(t, ok)
	assert.Equal(t, 1, c2.Count())
}

func TestKeysFromSecrets(t *testing.T) {
	keys := keysFromSecrets([]string{"a", "", "b"})
	require.Len(t, keys, 2)
	assert.Equal(t, Key{Name: "key-1", Secret: "a"}, keys[0])
	assert.Equal(t, Key{Name: "key-3", Secret: "b"}, keys[1])
}
