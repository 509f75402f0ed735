package translator

import (
	"encoding/base64"
	"net/http"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/interfaces"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// geminiFinishReason maps canonical finish reasons onto Gemini enum values.
func geminiFinishReason(finish string) string {
	switch finish {
	case canonical.FinishLength:
		return "MAX_TOKENS"
	case canonical.FinishContentFilter:
		return "SAFETY"
	default:
		return "STOP"
	}
}

// canonicalFinishFromGemini is the inverse mapping for upstream responses.
func canonicalFinishFromGemini(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return canonical.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return canonical.FinishContentFilter
	case "":
		return ""
	default:
		return canonical.FinishStop
	}
}

// ToCanonicalGemini parses a Gemini generateContent body. The model comes
// from the URL path, not the body, so the caller passes it in.
func ToCanonicalGemini(model string, raw []byte, stream bool) (*canonical.Request, error) {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "request body must be a JSON object")
	}
	if model == "" {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "model is required")
	}
	contents := root.Get("contents")
	if !contents.IsArray() || len(contents.Array()) == 0 {
		return nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "contents must be a non-empty array")
	}

	req := &canonical.Request{Model: model, Stream: stream}

	if si := root.Get("system_instruction"); si.Exists() {
		text := joinGeminiTextParts(si.Get("parts"))
		if text != "" {
			req.Messages = append(req.Messages, canonical.Message{
				Role:    canonical.RoleSystem,
				Content: canonical.Content{Text: text},
			})
		}
	}

	var parseErr error
	contents.ForEach(func(_, content gjson.Result) bool {
		role := content.Get("role").String()
		switch role {
		case "user", "":
			role = canonical.RoleUser
		case "model":
			role = canonical.RoleAssistant
		case "function":
			role = canonical.RoleTool
		default:
			parseErr = interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "unknown content role %q", role)
			return false
		}

		msg := canonical.Message{Role: role}
		parts := []canonical.Part{}
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Exists() {
				parts = append(parts, canonical.Part{Text: text.String()})
				return true
			}
			if inline := part.Get("inline_data"); inline.Exists() {
				data, err := base64.StdEncoding.DecodeString(inline.Get("data").String())
				if err != nil {
					parseErr = interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "inline_data is not valid base64")
					return false
				}
				parts = append(parts, canonical.Part{
					InlineMIME: inline.Get("mime_type").String(),
					InlineData: data,
				})
				return true
			}
			parseErr = interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "unsupported content part")
			return false
		})
		if parseErr != nil {
			return false
		}
		msg.Content.Parts = parts
		req.Messages = append(req.Messages, msg)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	if gc := root.Get("generationConfig"); gc.Exists() {
		if v := gc.Get("temperature"); v.Exists() {
			f := v.Float()
			req.Temperature = &f
		}
		if v := gc.Get("topP"); v.Exists() {
			f := v.Float()
			req.TopP = &f
		}
		if v := gc.Get("maxOutputTokens"); v.Exists() {
			n := int(v.Int())
			req.MaxTokens = &n
		}
		if v := gc.Get("candidateCount"); v.Exists() {
			n := int(v.Int())
			req.N = &n
		}
		if v := gc.Get("stopSequences"); v.IsArray() {
			for _, s := range v.Array() {
				req.Stop = append(req.Stop, s.String())
			}
		}
	}

	return req, nil
}

func joinGeminiTextParts(parts gjson.Result) string {
	text := ""
	parts.ForEach(func(_, p gjson.Result) bool {
		if t := p.Get("text"); t.Exists() {
			if text != "" {
				text += "\n"
			}
			text += t.String()
		}
		return true
	})
	return text
}

// FromCanonicalGemini renders a canonical response as a Gemini
// generateContent response object; chunks use the same shape.
func FromCanonicalGemini(resp *canonical.Response) []byte {
	out := `{"candidates":[]}`
	for i, choice := range resp.Choices {
		prefix := "candidates." + itoa(i)
		text := ""
		if choice.Message != nil {
			text = choice.Message.Content.JoinedText()
		} else if choice.Delta != nil {
			text = choice.Delta.Content.JoinedText()
		}
		out, _ = sjson.Set(out, prefix+".content.role", "model")
		out, _ = sjson.Set(out, prefix+".content.parts.0.text", text)
		out, _ = sjson.Set(out, prefix+".index", choice.Index)
		if choice.FinishReason != "" {
			out, _ = sjson.Set(out, prefix+".finishReason", geminiFinishReason(choice.FinishReason))
		}
	}
	if resp.Usage != nil {
		out, _ = sjson.Set(out, "usageMetadata.promptTokenCount", resp.Usage.PromptTokens)
		out, _ = sjson.Set(out, "usageMetadata.candidatesTokenCount", resp.Usage.CompletionTokens)
		out, _ = sjson.Set(out, "usageMetadata.totalTokenCount", resp.Usage.TotalTokens)
	}
	out, _ = sjson.Set(out, "modelVersion", resp.Model)
	return []byte(out)
}

// BuildGeminiRequestBody renders a canonical request as a Gemini upstream
// body. Inline attachments are preserved as binary parts; image URLs, which
// the Gemini API does not fetch, degrade to textual placeholders.
func BuildGeminiRequestBody(req *canonical.Request) []byte {
	out := `{"contents":[]}`

	system := ""
	idx := 0
	for _, msg := range req.Messages {
		if msg.Role == canonical.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += msg.Content.JoinedText()
			continue
		}

		role := "user"
		switch msg.Role {
		case canonical.RoleAssistant:
			role = "model"
		case canonical.RoleTool:
			role = "function"
		}
		prefix := "contents." + itoa(idx)
		out, _ = sjson.Set(out, prefix+".role", role)

		if !msg.Content.IsMultipart() {
			out, _ = sjson.Set(out, prefix+".parts.0.text", msg.Content.Text)
		} else {
			for j, part := range msg.Content.Parts {
				p := prefix + ".parts." + itoa(j)
				switch {
				case part.InlineMIME != "":
					out, _ = sjson.Set(out, p+".inline_data.mime_type", part.InlineMIME)
					out, _ = sjson.Set(out, p+".inline_data.data", base64.StdEncoding.EncodeToString(part.InlineData))
				case part.ImageURL != "":
					out, _ = sjson.Set(out, p+".text", "[Attachment: image]")
				default:
					out, _ = sjson.Set(out, p+".text", part.Text)
				}
			}
		}
		idx++
	}

	if system != "" {
		out, _ = sjson.Set(out, "system_instruction.parts.0.text", system)
	}

	if req.Temperature != nil {
		out, _ = sjson.Set(out, "generationConfig.temperature", *req.Temperature)
	}
	if req.TopP != nil {
		out, _ = sjson.Set(out, "generationConfig.topP", *req.TopP)
	}
	if req.MaxTokens != nil {
		out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", *req.MaxTokens)
	}
	if req.N != nil {
		out, _ = sjson.Set(out, "generationConfig.candidateCount", *req.N)
	}
	if len(req.Stop) > 0 {
		out, _ = sjson.Set(out, "generationConfig.stopSequences", req.Stop)
	}
	if raw, ok := req.ExtraBody["thinking_budget"]; ok {
		out, _ = sjson.SetRaw(out, "generationConfig.thinkingConfig.thinkingBudget", string(raw))
	}

	return []byte(out)
}

// ParseGeminiResponseBody decodes an upstream generateContent body (unary or
// one streamed chunk) into the canonical envelope.
func ParseGeminiResponseBody(raw []byte, id, model string, chunk bool) (*canonical.Response, error) {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, interfaces.NewError(interfaces.KindTransient, http.StatusBadGateway, "malformed upstream response")
	}

	var resp *canonical.Response
	if chunk {
		resp = canonical.NewChunk(id, model)
	} else {
		resp = canonical.NewResponse(model)
	}

	root.Get("candidates").ForEach(func(_, cand gjson.Result) bool {
		text := joinGeminiTextParts(cand.Get("content.parts"))
		msg := &canonical.Message{
			Role:    canonical.RoleAssistant,
			Content: canonical.Content{Text: text},
		}
		choice := canonical.Choice{
			Index:        int(cand.Get("index").Int()),
			FinishReason: canonicalFinishFromGemini(cand.Get("finishReason").String()),
		}
		if chunk {
			choice.Delta = msg
		} else {
			choice.Message = msg
		}
		resp.Choices = append(resp.Choices, choice)
		return true
	})

	if um := root.Get("usageMetadata"); um.Exists() {
		resp.Usage = &canonical.Usage{
			PromptTokens:     int(um.Get("promptTokenCount").Int()),
			CompletionTokens: int(um.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(um.Get("totalTokenCount").Int()),
		}
	}
	return resp, nil
}
