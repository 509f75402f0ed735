package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matdev83/llm-interactive-proxy/internal/assembler"
	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/command"
	"github.com/matdev83/llm-interactive-proxy/internal/config"
	"github.com/matdev83/llm-interactive-proxy/internal/connector"
	"github.com/matdev83/llm-interactive-proxy/internal/dispatch"
	"github.com/matdev83/llm-interactive-proxy/internal/interfaces"
	"github.com/matdev83/llm-interactive-proxy/internal/middleware"
	"github.com/matdev83/llm-interactive-proxy/internal/ratelimit"
	"github.com/matdev83/llm-interactive-proxy/internal/registry"
	"github.com/matdev83/llm-interactive-proxy/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// stubConnector records dispatched models and serves scripted responses.
type stubConnector struct {
	name       string
	models     []string
	err        error
	reply      string
	streamText []string

	calls []string
}

func (s *stubConnector) Name() string     { return s.name }
func (s *stubConnector) Models() []string { return s.models }

func (s *stubConnector) Keys() []connector.Key {
	return []connector.Key{{Name: "key-1", Secret: "sk"}}
}

func (s *stubConnector) ChatCompletions(ctx context.Context, req *canonical.Request, model string, key connector.Key) (*canonical.Response, error) {
	s.calls = append(s.calls, model)
	if s.err != nil {
		return nil, s.err
	}
	resp := canonical.NewResponse(model)
	resp.Choices = []canonical.Choice{{
		Message:      &canonical.Message{Role: canonical.RoleAssistant, Content: canonical.Content{Text: s.reply}},
		FinishReason: canonical.FinishStop,
	}}
	resp.Usage = &canonical.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}
	return resp, nil
}

func (s *stubConnector) StreamChatCompletions(ctx context.Context, req *canonical.Request, model string, key connector.Key) (<-chan *canonical.Response, <-chan error) {
	s.calls = append(s.calls, model)
	dataChan := make(chan *canonical.Response, len(s.streamText)+1)
	errChan := make(chan error, 1)
	if s.err != nil {
		errChan <- s.err
	} else {
		id := canonical.NewResponse(model).ID
		for i, text := range s.streamText {
			chunk := canonical.NewChunk(id, model)
			chunk.Choices = []canonical.Choice{{Delta: &canonical.Message{Content: canonical.Content{Text: text}}}}
			if i == len(s.streamText)-1 {
				chunk.Choices[0].FinishReason = canonical.FinishStop
			}
			dataChan <- chunk
		}
	}
	close(dataChan)
	close(errChan)
	return dataChan, errChan
}

type testProxy struct {
	engine *gin.Engine
	cfg    *config.Config
	store  *session.Store
	stub   *stubConnector
}

func newTestProxy(t *testing.T, mutate func(cfg *config.Config)) *testProxy {
	t.Helper()

	cfg := &config.Config{
		DefaultBackend: "openrouter",
		CommandPrefix:  "!/",
		DisableAuth:    true,
	}
	if mutate != nil {
		mutate(cfg)
	}

	stub := &stubConnector{
		name:       "openrouter",
		models:     []string{"foo", "cypher-alpha:free"},
		reply:      "stub answer",
		streamText: []string{"hel", "lo"},
	}
	connectors := map[string]connector.Connector{stub.name: stub}

	store := session.NewStore(func() session.Snapshot {
		return session.Snapshot{
			Backend: session.BackendConfig{InteractiveMode: cfg.InteractiveMode},
			LoopDetection: session.LoopDetectionConfig{
				Enabled:            cfg.LoopDetection.Enabled,
				BufferSize:         cfg.LoopDetection.BufferSize,
				MinPatternLength:   cfg.LoopDetection.MinPatternLength,
				MaxPatternLength:   cfg.LoopDetection.MaxPatternLength,
				MinRepetitions:     cfg.LoopDetection.MinRepetitions,
				ToolLoopMaxRepeats: cfg.LoopDetection.ToolLoopMaxRepeats,
				ToolLoopTTLSeconds: cfg.LoopDetection.ToolLoopTTLSeconds,
				ToolLoopMode:       cfg.LoopDetection.ToolLoopMode,
			},
		}
	})

	reg := registry.New()
	reg.RegisterIDs(stub.name, stub.models)
	reg.Register(config.BackendGemini, registry.GeminiModels())

	env := &command.Env{
		CommandPrefix:  cfg.CommandPrefix,
		DefaultBackend: cfg.DefaultBackend,
		FunctionalBackends: func() []string {
			return []string{stub.name}
		},
		BackendModels:      reg.ModelIDs,
		InteractiveAllowed: true,
	}

	pipeline := &Pipeline{
		Cfg:      cfg,
		Store:    store,
		Redactor: middleware.NewRedactor(cfg.APIKeys, cfg.RedactAPIKeysInPrompts),
		Leak:     middleware.NewCommandLeakFilter(cfg.CommandPrefix),
		Processor: &command.Processor{
			Parser:   command.NewParser(cfg.CommandPrefix),
			Registry: command.NewRegistry(),
			Store:    store,
			Env:      env,
		},
		Dispatcher: &dispatch.Dispatcher{
			Connectors:     connectors,
			Limits:         ratelimit.NewRegistry(),
			Store:          store,
			DefaultBackend: cfg.DefaultBackend,
		},
		Assembler: &assembler.Assembler{
			Prefix: cfg.CommandPrefix,
			Store:  store,
			Backends: func() []assembler.BackendInfo {
				return []assembler.BackendInfo{{Name: stub.name, Keys: 1, Models: len(stub.models)}}
			},
		},
		Accounting: middleware.LogSink{},
	}

	handler := &Handler{Cfg: cfg, Pipeline: pipeline, Registry: reg}
	return &testProxy{
		engine: NewServer(cfg, handler).Engine(),
		cfg:    cfg,
		store:  store,
		stub:   stub,
	}
}

func (p *testProxy) post(t *testing.T, path, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, req)
	return w
}

func chatBody(content string) string {
	b, _ := sjson.Set(`{"model":"m","messages":[{"role":"user","content":""}]}`, "messages.0.content", content)
	return b
}

func TestCommandOnlySetModel(t *testing.T) {
	p := newTestProxy(t, nil)

	w := p.post(t, "/v1/chat/completions", "s1", chatBody("!/set(model=openrouter:foo)"))
	require.Equal(t, http.StatusOK, w.Code)
	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "proxy_cmd_processed", body.Get("id").String())
	assert.Contains(t, body.Get("choices.0.message.content").String(), "model set to openrouter:foo")

	// The next plain request dispatches with the session model.
	w = p.post(t, "/v1/chat/completions", "s1", chatBody("Hello"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stub answer", gjson.Get(w.Body.String(), "choices.0.message.content").String())
	assert.Equal(t, []string{"foo"}, p.stub.calls)
}

func TestOneoffConsumedOnce(t *testing.T) {
	p := newTestProxy(t, nil)

	w := p.post(t, "/v1/chat/completions", "s1", chatBody("!/oneoff(openrouter/cypher-alpha:free)\nHello!"))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"cypher-alpha:free"}, p.stub.calls)

	body := chatBody("plain follow-up")
	body, _ = sjson.Set(body, "model", "foo")
	w = p.post(t, "/v1/chat/completions", "s1", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"cypher-alpha:free", "foo"}, p.stub.calls)
}

func TestUnknownCommandConfirmation(t *testing.T) {
	p := newTestProxy(t, nil)

	w := p.post(t, "/v1/chat/completions", "s1", chatBody("!/bad()"))
	require.Equal(t, http.StatusOK, w.Code)
	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "proxy_cmd_processed", body.Get("id").String())
	assert.Contains(t, body.Get("choices.0.message.content").String(), "unknown command")
}

func TestNonFunctionalBackendRejected(t *testing.T) {
	p := newTestProxy(t, nil)

	w := p.post(t, "/v1/chat/completions", "s1", chatBody("!/set(backend=gemini)"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, gjson.Get(w.Body.String(), "choices.0.message.content").String(), "backend gemini not functional")

	snap := p.store.GetOrCreate("s1").Snapshot()
	assert.Empty(t, snap.Backend.BackendType)
}

func TestChatStreaming(t *testing.T) {
	p := newTestProxy(t, nil)

	body := chatBody("Hello")
	body, _ = sjson.Set(body, "model", "foo")
	body, _ = sjson.Set(body, "stream", true)
	w := p.post(t, "/v1/chat/completions", "s1", body)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	frames := strings.Split(strings.TrimSpace(w.Body.String()), "\n\n")
	require.GreaterOrEqual(t, len(frames), 3)
	assert.Equal(t, "data: [DONE]", frames[len(frames)-1])

	var text string
	for _, frame := range frames[:len(frames)-1] {
		payload := strings.TrimPrefix(frame, "data: ")
		text += gjson.Get(payload, "choices.0.delta.content").String()
	}
	assert.Equal(t, "hello", text)
}

func TestStreamLoopTruncation(t *testing.T) {
	p := newTestProxy(t, func(cfg *config.Config) {
		cfg.LoopDetection = config.LoopDetectionSettings{
			Enabled:          true,
			BufferSize:       4096,
			MinPatternLength: 2,
			MaxPatternLength: 16,
			MinRepetitions:   3,
		}
	})
	p.stub.streamText = []string{"I am stuck: ", "lalalalalalalala", "this never arrives"}

	body := chatBody("Hello")
	body, _ = sjson.Set(body, "model", "foo")
	body, _ = sjson.Set(body, "stream", true)
	w := p.post(t, "/v1/chat/completions", "s1", body)

	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.Contains(t, out, "<truncated: loop detected>")
	assert.NotContains(t, out, "this never arrives")
	assert.Contains(t, out, "data: [DONE]")
}

func TestAllBackendsUnavailable(t *testing.T) {
	p := newTestProxy(t, nil)
	p.stub.err = interfaces.RateLimitedError(90*time.Second, errors.New("slow down"))

	body := chatBody("Hello")
	body, _ = sjson.Set(body, "model", "foo")
	w := p.post(t, "/v1/chat/completions", "s1", body)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	retryAfter := w.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
	assert.Contains(t, gjson.Get(w.Body.String(), "error.type").String(), "all_backends_unavailable")
}

func TestBannerOnFirstInteractiveReply(t *testing.T) {
	p := newTestProxy(t, func(cfg *config.Config) {
		cfg.InteractiveMode = true
	})

	body := chatBody("Hello")
	body, _ = sjson.Set(body, "model", "foo")
	w := p.post(t, "/v1/chat/completions", "s1", body)
	require.Equal(t, http.StatusOK, w.Code)

	content := gjson.Get(w.Body.String(), "choices.0.message.content").String()
	assert.Contains(t, content, "Hello, this is "+assembler.ProductName)
	assert.Contains(t, content, "Session id: s1")
	assert.Contains(t, content, "stub answer")

	// Second reply carries no banner.
	w = p.post(t, "/v1/chat/completions", "s1", body)
	content = gjson.Get(w.Body.String(), "choices.0.message.content").String()
	assert.NotContains(t, content, "Hello, this is")
}

func TestBannerKeptWhenStreamDispatchFails(t *testing.T) {
	p := newTestProxy(t, func(cfg *config.Config) {
		cfg.InteractiveMode = true
	})
	p.stub.err = errors.New("upstream down")

	body := chatBody("Hello")
	body, _ = sjson.Set(body, "model", "foo")
	body, _ = sjson.Set(body, "stream", true)
	p.post(t, "/v1/chat/completions", "s1", body)

	// No chunk went out, so the banner is still owed to the client.
	snap := p.store.GetOrCreate("s1").Snapshot()
	assert.False(t, snap.BannerShown)

	p.stub.err = nil
	w := p.post(t, "/v1/chat/completions", "s1", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Hello, this is "+assembler.ProductName)
}

func TestForcedContextWindowInModelListing(t *testing.T) {
	p := newTestProxy(t, func(cfg *config.Config) {
		cfg.ForceContextWindow = 32000
	})

	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", nil)
	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	models := gjson.Get(w.Body.String(), "models").Array()
	require.NotEmpty(t, models)
	for _, m := range models {
		assert.Equal(t, int64(32000), m.Get("input_token_limit").Int(), m.Get("name").String())
	}
}

func TestAuthRequired(t *testing.T) {
	p := newTestProxy(t, func(cfg *config.Config) {
		cfg.DisableAuth = false
		cfg.APIKeys = []string{"proxy-key"}
	})

	body := chatBody("Hello")
	body, _ = sjson.Set(body, "model", "foo")

	w := p.post(t, "/v1/chat/completions", "s1", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer proxy-key")
	w = httptest.NewRecorder()
	p.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1beta/models/foo:generateContent",
		strings.NewReader(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`))
	req.Header.Set("x-goog-api-key", "proxy-key")
	w = httptest.NewRecorder()
	p.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGeminiDialect(t *testing.T) {
	p := newTestProxy(t, nil)

	w := p.post(t, "/v1beta/models/foo:generateContent", "s1",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "stub answer", body.Get("candidates.0.content.parts.0.text").String())
	assert.Equal(t, "STOP", body.Get("candidates.0.finishReason").String())
	assert.Equal(t, []string{"foo"}, p.stub.calls)
}

func TestGeminiModelsListing(t *testing.T) {
	p := newTestProxy(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", nil)
	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	models := gjson.Get(w.Body.String(), "models")
	require.True(t, models.IsArray())
	require.NotEmpty(t, models.Array())
	first := models.Array()[0]
	assert.True(t, strings.HasPrefix(first.Get("name").String(), "models/"))
	assert.NotEmpty(t, first.Get("display_name").String())
	assert.NotZero(t, first.Get("input_token_limit").Int())
	assert.NotZero(t, first.Get("output_token_limit").Int())
	methods := first.Get("supported_generation_methods").Array()
	var names []string
	for _, m := range methods {
		names = append(names, m.String())
	}
	assert.Contains(t, names, "generateContent")
	assert.Contains(t, names, "streamGenerateContent")
}

func TestAnthropicDialect(t *testing.T) {
	p := newTestProxy(t, nil)

	w := p.post(t, "/anthropic/v1/messages", "s1",
		`{"model":"foo","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "message", body.Get("type").String())
	assert.Equal(t, "stub answer", body.Get("content.0.text").String())
	assert.Equal(t, "end_turn", body.Get("stop_reason").String())
}

func TestClineWrappedCommandResponse(t *testing.T) {
	p := newTestProxy(t, nil)

	// The marker in an earlier message tags the session as Cline-driven; the
	// trailing message is command-only so the confirmation gets the envelope.
	body := `{"model":"m","messages":[` +
		`{"role":"user","content":"<attempt_completion>earlier result</attempt_completion>"},` +
		`{"role":"assistant","content":"done"},` +
		`{"role":"user","content":"!/set(model=openrouter:foo)"}]}`
	w := p.post(t, "/v1/chat/completions", "s1", body)
	require.Equal(t, http.StatusOK, w.Code)

	text := gjson.Get(w.Body.String(), "choices.0.message.content").String()
	assert.Contains(t, text, "<attempt_completion>\n<result>\n")
	assert.Contains(t, text, "model set to openrouter:foo")
}

func TestHealthAndDiscovery(t *testing.T) {
	p := newTestProxy(t, nil)

	for _, path := range []string{"/health", "/docs", "/openapi.json", "/"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		p.engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}
