package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/config"
	"github.com/matdev83/llm-interactive-proxy/internal/interfaces"
	"github.com/matdev83/llm-interactive-proxy/internal/registry"
	"github.com/matdev83/llm-interactive-proxy/internal/translator"
)

// Handler carries the pipeline and model registry into the gin handlers.
type Handler struct {
	Cfg      *config.Config
	Pipeline *Pipeline
	Registry *registry.Registry
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "reading request body: %v", err)
	}
	return body, nil
}

// sseSetup prepares the response for server-sent events and returns a
// writer that flushes each frame.
func sseSetup(c *gin.Context) func([]byte) error {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	return func(frame []byte) error {
		if _, err := c.Writer.Write(frame); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}
}

// ChatCompletions serves POST /v1/chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		writeError(c, dialectOpenAI, err)
		return
	}
	req, err := translator.ToCanonicalOpenAIChat(body)
	if err != nil {
		writeError(c, dialectOpenAI, err)
		return
	}
	req.SessionID = sessionID(c)

	if !req.Stream {
		resp, err := h.Pipeline.Unary(c.Request.Context(), req)
		if err != nil {
			writeError(c, dialectOpenAI, err)
			return
		}
		c.Data(http.StatusOK, "application/json", translator.FromCanonicalOpenAIChat(resp))
		return
	}

	write := sseSetup(c)
	err = h.Pipeline.Stream(c.Request.Context(), req, func(chunk *canonical.Response) error {
		return write(translator.FormatSSE(translator.FromCanonicalOpenAIChatChunk(chunk)))
	})
	if err != nil {
		writeError(c, dialectOpenAI, err)
		return
	}
	_ = write(translator.DoneFrame())
}

// Completions serves POST /v1/completions, the legacy text-completion
// dialect.
func (h *Handler) Completions(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		writeError(c, dialectOpenAI, err)
		return
	}
	req, err := translator.ToCanonicalOpenAICompletions(body)
	if err != nil {
		writeError(c, dialectOpenAI, err)
		return
	}
	req.SessionID = sessionID(c)

	if !req.Stream {
		resp, err := h.Pipeline.Unary(c.Request.Context(), req)
		if err != nil {
			writeError(c, dialectOpenAI, err)
			return
		}
		c.Data(http.StatusOK, "application/json", translator.FromCanonicalOpenAICompletions(resp))
		return
	}

	write := sseSetup(c)
	err = h.Pipeline.Stream(c.Request.Context(), req, func(chunk *canonical.Response) error {
		return write(translator.FormatSSE(translator.FromCanonicalOpenAICompletions(chunk)))
	})
	if err != nil {
		writeError(c, dialectOpenAI, err)
		return
	}
	_ = write(translator.DoneFrame())
}

// Responses serves POST /v1/responses.
func (h *Handler) Responses(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		writeError(c, dialectOpenAI, err)
		return
	}
	req, err := translator.ToCanonicalResponses(body)
	if err != nil {
		writeError(c, dialectOpenAI, err)
		return
	}
	req.SessionID = sessionID(c)
	_, structured := req.ExtraBody["response_format"]

	if !req.Stream {
		resp, err := h.Pipeline.Unary(c.Request.Context(), req)
		if err != nil {
			writeError(c, dialectOpenAI, err)
			return
		}
		c.Data(http.StatusOK, "application/json", translator.FromCanonicalResponses(resp, structured))
		return
	}

	write := sseSetup(c)
	renderer := translator.NewResponsesStreamRenderer()
	var usage *canonical.Usage
	err = h.Pipeline.Stream(c.Request.Context(), req, func(chunk *canonical.Response) error {
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, frame := range renderer.Render(chunk) {
			if err := write(frame); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		writeError(c, dialectOpenAI, err)
		return
	}
	for _, frame := range renderer.Finish(usage) {
		_ = write(frame)
	}
}

// AnthropicMessages serves POST /anthropic/v1/messages.
func (h *Handler) AnthropicMessages(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		writeError(c, dialectAnthropic, err)
		return
	}
	req, err := translator.ToCanonicalAnthropic(body)
	if err != nil {
		writeError(c, dialectAnthropic, err)
		return
	}
	req.SessionID = sessionID(c)

	if !req.Stream {
		resp, err := h.Pipeline.Unary(c.Request.Context(), req)
		if err != nil {
			writeError(c, dialectAnthropic, err)
			return
		}
		c.Data(http.StatusOK, "application/json", translator.FromCanonicalAnthropic(resp))
		return
	}

	write := sseSetup(c)
	renderer := translator.NewAnthropicStreamRenderer()
	err = h.Pipeline.Stream(c.Request.Context(), req, func(chunk *canonical.Response) error {
		for _, frame := range renderer.Render(chunk) {
			if err := write(frame); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		writeError(c, dialectAnthropic, err)
		return
	}
	for _, frame := range renderer.Finish() {
		_ = write(frame)
	}
}

// GeminiGenerate serves POST /v1beta/models/{model}:{action}. The model and
// action travel in one path segment separated by a colon.
func (h *Handler) GeminiGenerate(c *gin.Context) {
	segment := c.Param("action")
	model, action, ok := strings.Cut(segment, ":")
	if !ok {
		writeError(c, dialectGemini, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusNotFound,
			"unknown path %q", c.Request.URL.Path))
		return
	}

	switch action {
	case "generateContent", "streamGenerateContent":
	default:
		writeError(c, dialectGemini, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusNotFound,
			"unsupported action %q", action))
		return
	}
	stream := action == "streamGenerateContent"

	body, err := readBody(c)
	if err != nil {
		writeError(c, dialectGemini, err)
		return
	}
	req, err := translator.ToCanonicalGemini(model, body, stream)
	if err != nil {
		writeError(c, dialectGemini, err)
		return
	}
	req.SessionID = sessionID(c)

	if !stream {
		resp, err := h.Pipeline.Unary(c.Request.Context(), req)
		if err != nil {
			writeError(c, dialectGemini, err)
			return
		}
		c.Data(http.StatusOK, "application/json", translator.FromCanonicalGemini(resp))
		return
	}

	write := sseSetup(c)
	err = h.Pipeline.Stream(c.Request.Context(), req, func(chunk *canonical.Response) error {
		return write(translator.FormatSSE(translator.FromCanonicalGemini(chunk)))
	})
	if err != nil {
		writeError(c, dialectGemini, err)
		return
	}
	_ = write(translator.DoneFrame())
}

// Health serves GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
