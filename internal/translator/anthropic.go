package translator

import (
	"encoding/base64"
	"net/http"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/interfaces"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ToCanonicalAnthropic parses an Anthropic /v1/messages body. A top-level
// system parameter becomes a leading system message.
func ToCanonicalAnthropic(raw []byte) (*canonical.Request, error) {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "request body must be a JSON object")
	}
	model := root.Get("model").String()
	if model == "" {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "model is required")
	}
	messages := root.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "messages must be a non-empty array")
	}

	req := &canonical.Request{Model: model, Stream: root.Get("stream").Bool()}

	if system := root.Get("system"); system.Exists() {
		text := system.String()
		if system.IsArray() {
			text = joinTextBlocks(system)
		}
		if text != "" {
			req.Messages = append(req.Messages, canonical.Message{
				Role:    canonical.RoleSystem,
				Content: canonical.Content{Text: text},
			})
		}
	}

	var parseErr error
	messages.ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		if role != canonical.RoleUser && role != canonical.RoleAssistant {
			parseErr = interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "unknown message role %q", role)
			return false
		}
		msg := canonical.Message{Role: role}
		content := m.Get("content")
		if content.Type == gjson.String {
			msg.Content.Text = content.String()
		} else if content.IsArray() {
			parts := []canonical.Part{}
			content.ForEach(func(_, block gjson.Result) bool {
				part, err := parseAnthropicBlock(block)
				if err != nil {
					parseErr = err
					return false
				}
				parts = append(parts, part)
				return true
			})
			if parseErr != nil {
				return false
			}
			msg.Content.Parts = parts
		} else {
			parseErr = interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "message content must be a string or an array of blocks")
			return false
		}
		req.Messages = append(req.Messages, msg)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	if v := root.Get("max_tokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	}
	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}
	if v := root.Get("stop_sequences"); v.IsArray() {
		for _, s := range v.Array() {
			req.Stop = append(req.Stop, s.String())
		}
	}

	return req, nil
}

func joinTextBlocks(blocks gjson.Result) string {
	text := ""
	blocks.ForEach(func(_, b gjson.Result) bool {
		if b.Get("type").String() == "text" {
			if text != "" {
				text += "\n"
			}
			text += b.Get("text").String()
		}
		return true
	})
	return text
}

func parseAnthropicBlock(block gjson.Result) (canonical.Part, error) {
	switch block.Get("type").String() {
	case "text":
		return canonical.Part{Text: block.Get("text").String()}, nil
	case "image":
		source := block.Get("source")
		if source.Get("type").String() == "url" {
			return canonical.Part{ImageURL: source.Get("url").String()}, nil
		}
		data, err := base64.StdEncoding.DecodeString(source.Get("data").String())
		if err != nil {
			return canonical.Part{}, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "image source data is not valid base64")
		}
		return canonical.Part{InlineMIME: source.Get("media_type").String(), InlineData: data}, nil
	default:
		return canonical.Part{}, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "unsupported content block type %q", block.Get("type").String())
	}
}

// anthropicStopReason maps canonical finish reasons to Anthropic stop
// reasons. Content-filter stops have no Anthropic analogue and report
// end_turn.
func anthropicStopReason(finish string) string {
	switch finish {
	case canonical.FinishLength:
		return "max_tokens"
	case canonical.FinishToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

// FromCanonicalAnthropic renders a unary Anthropic message response.
func FromCanonicalAnthropic(resp *canonical.Response) []byte {
	out := `{"type":"message","role":"assistant","content":[]}`
	out, _ = sjson.Set(out, "id", resp.ID)
	out, _ = sjson.Set(out, "model", resp.Model)

	stop := ""
	if len(resp.Choices) > 0 {
		out, _ = sjson.Set(out, "content.0.type", "text")
		out, _ = sjson.Set(out, "content.0.text", resp.ContentText())
		stop = resp.Choices[0].FinishReason
	}
	out, _ = sjson.Set(out, "stop_reason", anthropicStopReason(stop))
	out, _ = sjson.SetRaw(out, "stop_sequence", "null")

	if resp.Usage != nil {
		out, _ = sjson.Set(out, "usage.input_tokens", resp.Usage.PromptTokens)
		out, _ = sjson.Set(out, "usage.output_tokens", resp.Usage.CompletionTokens)
	}
	return []byte(out)
}

// AnthropicStreamRenderer converts canonical stream chunks into the
// Anthropic event sequence: message_start, content_block deltas, then
// message_delta and message_stop. One canonical chunk may expand to several
// SSE frames.
type AnthropicStreamRenderer struct {
	started bool
	blocked bool
	usage   *canonical.Usage
	finish  string
}

// NewAnthropicStreamRenderer returns a renderer for one response stream.
func NewAnthropicStreamRenderer() *AnthropicStreamRenderer {
	return &AnthropicStreamRenderer{}
}

// Render returns the SSE frames for one canonical chunk.
func (r *AnthropicStreamRenderer) Render(chunk *canonical.Response) [][]byte {
	var frames [][]byte

	if !r.started {
		r.started = true
		start := `{"type":"message_start","message":{"type":"message","role":"assistant","content":[],"stop_reason":null}}`
		start, _ = sjson.Set(start, "message.id", chunk.ID)
		start, _ = sjson.Set(start, "message.model", chunk.Model)
		frames = append(frames, FormatSSEEvent("message_start", []byte(start)))
	}

	text := chunk.ContentText()
	if text != "" {
		if !r.blocked {
			r.blocked = true
			frames = append(frames, FormatSSEEvent("content_block_start",
				[]byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)))
		}
		delta := `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`
		delta, _ = sjson.Set(delta, "delta.text", text)
		frames = append(frames, FormatSSEEvent("content_block_delta", []byte(delta)))
	}

	if chunk.Usage != nil {
		r.usage = chunk.Usage
	}
	if len(chunk.Choices) > 0 && chunk.Choices[0].FinishReason != "" {
		r.finish = chunk.Choices[0].FinishReason
	}
	return frames
}

// Finish returns the closing event frames once the canonical stream ends.
func (r *AnthropicStreamRenderer) Finish() [][]byte {
	var frames [][]byte
	if r.blocked {
		frames = append(frames, FormatSSEEvent("content_block_stop",
			[]byte(`{"type":"content_block_stop","index":0}`)))
	}
	delta := `{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null}}`
	delta, _ = sjson.Set(delta, "delta.stop_reason", anthropicStopReason(r.finish))
	if r.usage != nil {
		delta, _ = sjson.Set(delta, "usage.output_tokens", r.usage.CompletionTokens)
	}
	frames = append(frames, FormatSSEEvent("message_delta", []byte(delta)))
	frames = append(frames, FormatSSEEvent("message_stop", []byte(`{"type":"message_stop"}`)))
	return frames
}

// anthropicError renders an Anthropic-dialect error body.
func anthropicError(kind, message string) []byte {
	out := `{"type":"error","error":{}}`
	out, _ = sjson.Set(out, "error.type", kind)
	out, _ = sjson.Set(out, "error.message", message)
	return []byte(out)
}

// FromCanonicalAnthropicError maps a proxy error to the Anthropic error
// body shape.
func FromCanonicalAnthropicError(err *interfaces.ProxyError) []byte {
	kind := "api_error"
	switch err.Kind {
	case interfaces.KindInvalidRequest, interfaces.KindUnknownModel:
		kind = "invalid_request_error"
	case interfaces.KindUnauthorized:
		kind = "authentication_error"
	case interfaces.KindRateLimited, interfaces.KindAllBackendsUnavailable:
		kind = "rate_limit_error"
	}
	return anthropicError(kind, err.Error())
}
