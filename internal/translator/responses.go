package translator

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/interfaces"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ToCanonicalResponses parses an OpenAI /v1/responses body. The input field
// accepts a plain string or an array of message items; instructions map to a
// leading system message and response_format is preserved in extra_body so
// the output side knows to attempt structured parsing.
func ToCanonicalResponses(raw []byte) (*canonical.Request, error) {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "request body must be a JSON object")
	}
	model := root.Get("model").String()
	if model == "" {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "model is required")
	}

	req := &canonical.Request{Model: model, Stream: root.Get("stream").Bool()}

	if instructions := root.Get("instructions").String(); instructions != "" {
		req.Messages = append(req.Messages, canonical.Message{
			Role:    canonical.RoleSystem,
			Content: canonical.Content{Text: instructions},
		})
	}

	input := root.Get("input")
	switch {
	case input.Type == gjson.String:
		req.Messages = append(req.Messages, canonical.Message{
			Role:    canonical.RoleUser,
			Content: canonical.Content{Text: input.String()},
		})
	case input.IsArray():
		var parseErr error
		input.ForEach(func(_, item gjson.Result) bool {
			msg, err := parseResponsesItem(item)
			if err != nil {
				parseErr = err
				return false
			}
			req.Messages = append(req.Messages, msg)
			return true
		})
		if parseErr != nil {
			return nil, parseErr
		}
	default:
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "input must be a string or an array of items")
	}
	if len(req.Messages) == 0 {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "input must not be empty")
	}

	if v := root.Get("max_output_tokens"); v.Exists() {
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

	// response_format (or the newer text.format) rides through extra_body.
	if v := root.Get("response_format"); v.Exists() {
		setExtra(req, "response_format", v)
	} else if v = root.Get("text.format"); v.Exists() {
		setExtra(req, "response_format", v)
	}

	return req, nil
}

func parseResponsesItem(item gjson.Result) (canonical.Message, error) {
	role := item.Get("role").String()
	switch role {
	case "developer":
		role = canonical.RoleSystem
	case canonical.RoleSystem, canonical.RoleUser, canonical.RoleAssistant:
	default:
		return canonical.Message{}, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "unknown input role %q", role)
	}

	msg := canonical.Message{Role: role}
	content := item.Get("content")
	if content.Type == gjson.String {
		msg.Content.Text = content.String()
		return msg, nil
	}
	if !content.IsArray() {
		return canonical.Message{}, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "item content must be a string or an array of parts")
	}

	parts := []canonical.Part{}
	var parseErr error
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "input_text", "output_text", "text":
			parts = append(parts, canonical.Part{Text: part.Get("text").String()})
		case "input_image":
			url := part.Get("image_url").String()
			parts = append(parts, canonical.Part{ImageURL: url})
		default:
			parseErr = interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "unsupported input part type %q", part.Get("type").String())
			return false
		}
		return true
	})
	if parseErr != nil {
		return canonical.Message{}, parseErr
	}
	msg.Content.Parts = parts
	return msg, nil
}

// ExtractParsed attempts to interpret text as a JSON value: directly, then
// by unwrapping a ```json fence, then by taking the first balanced {...}
// block. Returns nil when nothing parses.
func ExtractParsed(text string) json.RawMessage {
	candidates := []string{strings.TrimSpace(text)}

	if fence := extractFence(text); fence != "" {
		candidates = append(candidates, fence)
	}
	if block := extractBraceBlock(text); block != "" {
		candidates = append(candidates, block)
	}

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if json.Valid([]byte(c)) && (c[0] == '{' || c[0] == '[') {
			return json.RawMessage(c)
		}
	}
	return nil
}

func extractFence(text string) string {
	start := strings.Index(text, "```json")
	if start < 0 {
		start = strings.Index(text, "```")
		if start < 0 {
			return ""
		}
		start += len("```")
	} else {
		start += len("```json")
	}
	end := strings.Index(text[start:], "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(text[start : start+end])
}

func extractBraceBlock(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// FromCanonicalResponses renders a canonical response as a Responses API
// response object. When the request carried a response_format, the output
// text is parsed best-effort and exposed both on the canonical choice and in
// the rendered output item.
func FromCanonicalResponses(resp *canonical.Response, structured bool) []byte {
	out := `{"object":"response","status":"completed","output":[]}`
	out, _ = sjson.Set(out, "id", strings.Replace(resp.ID, "chatcmpl-", "resp_", 1))
	out, _ = sjson.Set(out, "created_at", resp.Created)
	out, _ = sjson.Set(out, "model", resp.Model)

	for i, choice := range resp.Choices {
		text := ""
		if choice.Message != nil {
			text = choice.Message.Content.JoinedText()
		}
		prefix := "output." + itoa(i)
		out, _ = sjson.Set(out, prefix+".type", "message")
		out, _ = sjson.Set(out, prefix+".id", "msg_"+itoa(i))
		out, _ = sjson.Set(out, prefix+".role", "assistant")
		out, _ = sjson.Set(out, prefix+".status", "completed")
		out, _ = sjson.Set(out, prefix+".content.0.type", "output_text")
		out, _ = sjson.Set(out, prefix+".content.0.text", text)

		if structured {
			if parsed := ExtractParsed(text); parsed != nil {
				resp.Choices[i].Parsed = parsed
				out, _ = sjson.SetRaw(out, prefix+".content.0.parsed", string(parsed))
			}
		}
	}

	if resp.Usage != nil {
		out, _ = sjson.Set(out, "usage.input_tokens", resp.Usage.PromptTokens)
		out, _ = sjson.Set(out, "usage.output_tokens", resp.Usage.CompletionTokens)
		out, _ = sjson.Set(out, "usage.total_tokens", resp.Usage.TotalTokens)
	}
	return []byte(out)
}

// ResponsesStreamRenderer converts canonical chunks into Responses API
// stream events.
type ResponsesStreamRenderer struct {
	started bool
	id      string
}

// NewResponsesStreamRenderer returns a renderer for one response stream.
func NewResponsesStreamRenderer() *ResponsesStreamRenderer {
	return &ResponsesStreamRenderer{}
}

// Render returns the SSE frames for one canonical chunk.
func (r *ResponsesStreamRenderer) Render(chunk *canonical.Response) [][]byte {
	var frames [][]byte
	if !r.started {
		r.started = true
		r.id = strings.Replace(chunk.ID, "chatcmpl-", "resp_", 1)
		created := `{"type":"response.created","response":{"object":"response","status":"in_progress"}}`
		created, _ = sjson.Set(created, "response.id", r.id)
		created, _ = sjson.Set(created, "response.model", chunk.Model)
		frames = append(frames, FormatSSEEvent("response.created", []byte(created)))
	}

	if text := chunk.ContentText(); text != "" {
		delta := `{"type":"response.output_text.delta","output_index":0,"content_index":0}`
		delta, _ = sjson.Set(delta, "delta", text)
		frames = append(frames, FormatSSEEvent("response.output_text.delta", []byte(delta)))
	}
	return frames
}

// Finish returns the closing event once the canonical stream ends.
func (r *ResponsesStreamRenderer) Finish(usage *canonical.Usage) [][]byte {
	done := `{"type":"response.completed","response":{"object":"response","status":"completed"}}`
	done, _ = sjson.Set(done, "response.id", r.id)
	if usage != nil {
		done, _ = sjson.Set(done, "response.usage.input_tokens", usage.PromptTokens)
		done, _ = sjson.Set(done, "response.usage.output_tokens", usage.CompletionTokens)
		done, _ = sjson.Set(done, "response.usage.total_tokens", usage.TotalTokens)
	}
	return [][]byte{FormatSSEEvent("response.completed", []byte(done))}
}
