package translator

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/interfaces"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// chatKnownKeys are the top-level chat-completion keys the canonical model
// absorbs; anything else is carried through extra_body untouched.
var chatKnownKeys = map[string]bool{
	"model": true, "messages": true, "stream": true,
	"temperature": true, "top_p": true, "max_tokens": true,
	"max_completion_tokens": true, "stop": true,
	"presence_penalty": true, "frequency_penalty": true,
	"seed": true, "n": true, "logit_bias": true,
	"tools": true, "tool_choice": true, "response_format": true,
	"extra_body": true, "stream_options": true,
}

// ToCanonicalOpenAIChat parses an OpenAI /v1/chat/completions body.
func ToCanonicalOpenAIChat(raw []byte) (*canonical.Request, error) {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "request body must be a JSON object")
	}

	req := &canonical.Request{Model: root.Get("model").String()}
	if req.Model == "" {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "model is required")
	}

	messages := root.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "messages must be a non-empty array")
	}
	var parseErr error
	messages.ForEach(func(_, m gjson.Result) bool {
		msg, err := parseOpenAIMessage(m)
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

	req.Stream = root.Get("stream").Bool()
	applyGenerationKnobs(req, root)

	if v := root.Get("tools"); v.Exists() {
		req.Tools = json.RawMessage(v.Raw)
	}
	if v := root.Get("tool_choice"); v.Exists() {
		req.ToolChoice = json.RawMessage(v.Raw)
	}
	if v := root.Get("response_format"); v.Exists() {
		req.ResponseFormat = json.RawMessage(v.Raw)
	}

	// Passthrough: explicit extra_body first, then unknown top-level keys.
	if v := root.Get("extra_body"); v.IsObject() {
		v.ForEach(func(key, value gjson.Result) bool {
			setExtra(req, key.String(), value)
			return true
		})
	}
	root.ForEach(func(key, value gjson.Result) bool {
		if !chatKnownKeys[key.String()] {
			setExtra(req, key.String(), value)
		}
		return true
	})

	return req, nil
}

func setExtra(req *canonical.Request, key string, value gjson.Result) {
	if req.ExtraBody == nil {
		req.ExtraBody = make(map[string]json.RawMessage)
	}
	req.ExtraBody[key] = json.RawMessage(value.Raw)
}

func applyGenerationKnobs(req *canonical.Request, root gjson.Result) {
	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}
	if v := root.Get("max_tokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	} else if v = root.Get("max_completion_tokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	}
	if v := root.Get("stop"); v.Exists() {
		if v.IsArray() {
			for _, s := range v.Array() {
				req.Stop = append(req.Stop, s.String())
			}
		} else {
			req.Stop = []string{v.String()}
		}
	}
	if v := root.Get("presence_penalty"); v.Exists() {
		f := v.Float()
		req.PresencePenalty = &f
	}
	if v := root.Get("frequency_penalty"); v.Exists() {
		f := v.Float()
		req.FrequencyPenalty = &f
	}
	if v := root.Get("seed"); v.Exists() {
		n := int(v.Int())
		req.Seed = &n
	}
	if v := root.Get("n"); v.Exists() {
		n := int(v.Int())
		req.N = &n
	}
	if v := root.Get("logit_bias"); v.IsObject() {
		req.LogitBias = make(map[string]float64)
		v.ForEach(func(key, value gjson.Result) bool {
			req.LogitBias[key.String()] = value.Float()
			return true
		})
	}
}

func parseOpenAIMessage(m gjson.Result) (canonical.Message, error) {
	role := m.Get("role").String()
	switch role {
	case "developer":
		role = canonical.RoleSystem
	case "function":
		role = canonical.RoleTool
	case canonical.RoleSystem, canonical.RoleUser, canonical.RoleAssistant, canonical.RoleTool:
	default:
		return canonical.Message{}, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "unknown message role %q", role)
	}

	msg := canonical.Message{
		Role:       role,
		Name:       m.Get("name").String(),
		ToolCallID: m.Get("tool_call_id").String(),
	}
	if v := m.Get("tool_calls"); v.Exists() {
		msg.ToolCalls = json.RawMessage(v.Raw)
	}

	content := m.Get("content")
	switch {
	case content.Type == gjson.String:
		msg.Content.Text = content.String()
	case content.IsArray():
		var parseErr error
		parts := []canonical.Part{}
		content.ForEach(func(_, item gjson.Result) bool {
			part, err := parseOpenAIPart(item)
			if err != nil {
				parseErr = err
				return false
			}
			parts = append(parts, part)
			return true
		})
		if parseErr != nil {
			return canonical.Message{}, parseErr
		}
		msg.Content.Parts = parts
	case !content.Exists() || content.Type == gjson.Null:
		// Assistant tool-call turns carry no content.
	default:
		return canonical.Message{}, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "message content must be a string or an array of parts")
	}

	return msg, nil
}

func parseOpenAIPart(item gjson.Result) (canonical.Part, error) {
	switch item.Get("type").String() {
	case "text":
		return canonical.Part{Text: item.Get("text").String()}, nil
	case "image_url":
		url := item.Get("image_url.url").String()
		if url == "" {
			url = item.Get("image_url").String()
		}
		return canonical.Part{ImageURL: url}, nil
	default:
		return canonical.Part{}, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "unsupported content part type %q", item.Get("type").String())
	}
}

// FromCanonicalOpenAIChat renders a unary response; the canonical envelope is
// already OpenAI-shaped so this is a straight marshal.
func FromCanonicalOpenAIChat(resp *canonical.Response) []byte {
	out, _ := json.Marshal(resp)
	return out
}

// FromCanonicalOpenAIChatChunk renders one streaming chunk payload (the JSON
// only; the handler applies SSE framing).
func FromCanonicalOpenAIChatChunk(chunk *canonical.Response) []byte {
	out, _ := json.Marshal(chunk)
	return out
}

// ToCanonicalOpenAICompletions parses a legacy /v1/completions body into a
// single-user-message canonical request.
func ToCanonicalOpenAICompletions(raw []byte) (*canonical.Request, error) {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "request body must be a JSON object")
	}
	model := root.Get("model").String()
	if model == "" {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "model is required")
	}

	prompt := root.Get("prompt")
	var text string
	switch {
	case prompt.Type == gjson.String:
		text = prompt.String()
	case prompt.IsArray():
		var lines []string
		prompt.ForEach(func(_, v gjson.Result) bool {
			lines = append(lines, v.String())
			return true
		})
		text = strings.Join(lines, "\n")
	default:
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "prompt must be a string or an array of strings")
	}

	req := &canonical.Request{
		Model: model,
		Messages: []canonical.Message{
			{Role: canonical.RoleUser, Content: canonical.Content{Text: text}},
		},
		Stream: root.Get("stream").Bool(),
	}
	applyGenerationKnobs(req, root)
	return req, nil
}

// FromCanonicalOpenAICompletions renders a canonical response in the legacy
// text-completion shape.
func FromCanonicalOpenAICompletions(resp *canonical.Response) []byte {
	out := `{"object":"text_completion","choices":[]}`
	out, _ = sjson.Set(out, "id", strings.Replace(resp.ID, "chatcmpl-", "cmpl-", 1))
	out, _ = sjson.Set(out, "created", resp.Created)
	out, _ = sjson.Set(out, "model", resp.Model)
	for i, choice := range resp.Choices {
		text := ""
		if choice.Message != nil {
			text = choice.Message.Content.JoinedText()
		} else if choice.Delta != nil {
			text = choice.Delta.Content.JoinedText()
		}
		out, _ = sjson.Set(out, "choices."+itoa(i)+".index", choice.Index)
		out, _ = sjson.Set(out, "choices."+itoa(i)+".text", text)
		if choice.FinishReason != "" {
			out, _ = sjson.Set(out, "choices."+itoa(i)+".finish_reason", choice.FinishReason)
		}
	}
	if resp.Usage != nil {
		out, _ = sjson.Set(out, "usage.prompt_tokens", resp.Usage.PromptTokens)
		out, _ = sjson.Set(out, "usage.completion_tokens", resp.Usage.CompletionTokens)
		out, _ = sjson.Set(out, "usage.total_tokens", resp.Usage.TotalTokens)
	}
	return []byte(out)
}

// BuildOpenAIRequestBody renders a canonical request as an OpenAI wire body
// for an upstream call. Inline attachments become textual placeholders since
// the OpenAI wire format has no inline-bytes part.
func BuildOpenAIRequestBody(req *canonical.Request, model string, stream bool) []byte {
	out := `{"model":"","messages":[]}`
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Set(out, "stream", stream)

	for i, msg := range req.Messages {
		prefix := "messages." + itoa(i)
		out, _ = sjson.Set(out, prefix+".role", msg.Role)
		out = setOpenAIContent(out, prefix, msg.Content)
		if msg.Name != "" {
			out, _ = sjson.Set(out, prefix+".name", msg.Name)
		}
		if msg.ToolCallID != "" {
			out, _ = sjson.Set(out, prefix+".tool_call_id", msg.ToolCallID)
		}
		if msg.ToolCalls != nil {
			out, _ = sjson.SetRaw(out, prefix+".tool_calls", string(msg.ToolCalls))
		}
	}

	if req.Temperature != nil {
		out, _ = sjson.Set(out, "temperature", *req.Temperature)
	}
	if req.TopP != nil {
		out, _ = sjson.Set(out, "top_p", *req.TopP)
	}
	if req.MaxTokens != nil {
		out, _ = sjson.Set(out, "max_tokens", *req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		out, _ = sjson.Set(out, "stop", req.Stop)
	}
	if req.PresencePenalty != nil {
		out, _ = sjson.Set(out, "presence_penalty", *req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		out, _ = sjson.Set(out, "frequency_penalty", *req.FrequencyPenalty)
	}
	if req.Seed != nil {
		out, _ = sjson.Set(out, "seed", *req.Seed)
	}
	if req.N != nil {
		out, _ = sjson.Set(out, "n", *req.N)
	}
	if len(req.LogitBias) > 0 {
		out, _ = sjson.Set(out, "logit_bias", req.LogitBias)
	}
	if req.Tools != nil {
		out, _ = sjson.SetRaw(out, "tools", string(req.Tools))
	}
	if req.ToolChoice != nil {
		out, _ = sjson.SetRaw(out, "tool_choice", string(req.ToolChoice))
	}
	if req.ResponseFormat != nil {
		out, _ = sjson.SetRaw(out, "response_format", string(req.ResponseFormat))
	}
	for key, value := range req.ExtraBody {
		out, _ = sjson.SetRaw(out, key, string(value))
	}

	return []byte(out)
}

func setOpenAIContent(out, prefix string, content canonical.Content) string {
	if !content.IsMultipart() {
		out, _ = sjson.Set(out, prefix+".content", content.Text)
		return out
	}
	for j, part := range content.Parts {
		p := prefix + ".content." + itoa(j)
		switch {
		case part.ImageURL != "":
			out, _ = sjson.Set(out, p+".type", "image_url")
			out, _ = sjson.Set(out, p+".image_url.url", part.ImageURL)
		case part.InlineMIME != "":
			out, _ = sjson.Set(out, p+".type", "text")
			out, _ = sjson.Set(out, p+".text", "[Attachment: "+part.InlineMIME+"]")
		default:
			out, _ = sjson.Set(out, p+".type", "text")
			out, _ = sjson.Set(out, p+".text", part.Text)
		}
	}
	return out
}

// ParseOpenAIResponseBody decodes an upstream unary chat-completion body.
func ParseOpenAIResponseBody(raw []byte) (*canonical.Response, error) {
	var resp canonical.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, interfaces.NewError(interfaces.KindTransient, http.StatusBadGateway, "malformed upstream response: %v", err)
	}
	if resp.Object == "" {
		resp.Object = canonical.ObjectChatCompletion
	}
	return &resp, nil
}

// ParseOpenAIChunkBody decodes one upstream SSE data payload.
func ParseOpenAIChunkBody(raw []byte) (*canonical.Response, error) {
	var chunk canonical.Response
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil, interfaces.NewError(interfaces.KindTransient, http.StatusBadGateway, "malformed upstream chunk: %v", err)
	}
	if chunk.Object == "" {
		chunk.Object = canonical.ObjectChatCompletionChunk
	}
	return &chunk, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
