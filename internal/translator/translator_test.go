package translator

import (
	"encoding/json"
	"testing"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestToCanonicalOpenAIChat(t *testing.T) {
	raw := []byte(`{
		"model": "openrouter:foo",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": [
				{"type": "text", "text": "what is this"},
				{"type": "image_url", "image_url": {"url": "https://x/img.png"}}
			]}
		],
		"temperature": 0.5,
		"max_tokens": 256,
		"stop": ["END"],
		"provider": {"order": ["openai"]},
		"extra_body": {"reasoning": {"effort": "high"}}
	}`)

	req, err := ToCanonicalOpenAIChat(raw)
	require.NoError(t, err)
	assert.Equal(t, "openrouter:foo", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, canonical.RoleSystem, req.Messages[0].Role)
	require.True(t, req.Messages[1].Content.IsMultipart())
	assert.Equal(t, "https://x/img.png", req.Messages[1].Content.Parts[1].ImageURL)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.5, *req.Temperature, 1e-9)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 256, *req.MaxTokens)
	assert.Equal(t, []string{"END"}, req.Stop)

	// Unknown top-level keys and extra_body both pass through.
	assert.JSONEq(t, `{"order":["openai"]}`, string(req.ExtraBody["provider"]))
	assert.JSONEq(t, `{"effort":"high"}`, string(req.ExtraBody["reasoning"]))
}

func TestToCanonicalOpenAIChatRejectsBadInput(t *testing.T) {
	_, err := ToCanonicalOpenAIChat([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	assert.Error(t, err)

	_, err = ToCanonicalOpenAIChat([]byte(`{"model":"m","messages":[]}`))
	assert.Error(t, err)

	_, err = ToCanonicalOpenAIChat([]byte(`{"model":"m","messages":[{"role":"wizard","content":"hi"}]}`))
	assert.Error(t, err)
}

func TestBuildOpenAIRequestBodyRendersPlaceholder(t *testing.T) {
	temp := 0.3
	req := &canonical.Request{
		Messages: []canonical.Message{
			{Role: canonical.RoleUser, Content: canonical.Content{Parts: []canonical.Part{
				{Text: "look"},
				{InlineMIME: "image/png", InlineData: []byte{1, 2, 3}},
			}}},
		},
		Temperature: &temp,
	}

	body := BuildOpenAIRequestBody(req, "real-model", true)
	root := gjson.ParseBytes(body)
	assert.Equal(t, "real-model", root.Get("model").String())
	assert.True(t, root.Get("stream").Bool())
	assert.Equal(t, "look", root.Get("messages.0.content.0.text").String())
	assert.Equal(t, "[Attachment: image/png]", root.Get("messages.0.content.1.text").String())
	assert.InDelta(t, 0.3, root.Get("temperature").Float(), 1e-9)
}

func TestToCanonicalAnthropicSystemParam(t *testing.T) {
	raw := []byte(`{
		"model": "claude-x",
		"max_tokens": 100,
		"system": "you are terse",
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	req, err := ToCanonicalAnthropic(raw)
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, canonical.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "you are terse", req.Messages[0].Content.Text)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 100, *req.MaxTokens)
}

func TestFromCanonicalAnthropicStopReasons(t *testing.T) {
	resp := canonical.NewResponse("claude-x")
	resp.Choices = []canonical.Choice{{
		Message:      &canonical.Message{Role: canonical.RoleAssistant, Content: canonical.Content{Text: "ok"}},
		FinishReason: canonical.FinishLength,
	}}
	resp.Usage = &canonical.Usage{PromptTokens: 3, CompletionTokens: 7, TotalTokens: 10}

	out := gjson.ParseBytes(FromCanonicalAnthropic(resp))
	assert.Equal(t, "message", out.Get("type").String())
	assert.Equal(t, "ok", out.Get("content.0.text").String())
	assert.Equal(t, "max_tokens", out.Get("stop_reason").String())
	assert.Equal(t, int64(7), out.Get("usage.output_tokens").Int())
}

func TestAnthropicStreamRendererEventOrder(t *testing.T) {
	r := NewAnthropicStreamRenderer()

	chunk := canonical.NewChunk("chatcmpl-1", "claude-x")
	chunk.Choices = []canonical.Choice{{Delta: &canonical.Message{Content: canonical.Content{Text: "hel"}}}}
	frames := r.Render(chunk)
	require.Len(t, frames, 3)
	assert.Contains(t, string(frames[0]), "event: message_start")
	assert.Contains(t, string(frames[1]), "event: content_block_start")
	assert.Contains(t, string(frames[2]), `"text":"hel"`)

	done := canonical.NewChunk("chatcmpl-1", "claude-x")
	done.Choices = []canonical.Choice{{FinishReason: canonical.FinishStop}}
	frames = r.Render(done)
	assert.Empty(t, frames)

	closing := r.Finish()
	require.Len(t, closing, 3)
	assert.Contains(t, string(closing[0]), "content_block_stop")
	assert.Contains(t, string(closing[1]), `"stop_reason":"end_turn"`)
	assert.Contains(t, string(closing[2]), "message_stop")
}

func TestToCanonicalGeminiRolesAndConfig(t *testing.T) {
	raw := []byte(`{
		"system_instruction": {"parts": [{"text": "be kind"}]},
		"contents": [
			{"role": "user", "parts": [{"text": "hello"}]},
			{"role": "model", "parts": [{"text": "hi"}]},
			{"role": "user", "parts": [{"inline_data": {"mime_type": "image/png", "data": "AQID"}}]}
		],
		"generationConfig": {"temperature": 0.9, "maxOutputTokens": 64, "stopSequences": ["X"]}
	}`)

	req, err := ToCanonicalGemini("gemini-2.5-pro", raw, true)
	require.NoError(t, err)
	assert.True(t, req.Stream)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, canonical.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, canonical.RoleAssistant, req.Messages[2].Role)
	assert.Equal(t, "image/png", req.Messages[3].Content.Parts[0].InlineMIME)
	assert.Equal(t, []byte{1, 2, 3}, req.Messages[3].Content.Parts[0].InlineData)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 64, *req.MaxTokens)
}

func TestBuildGeminiRequestBodyPreservesInlineData(t *testing.T) {
	req := &canonical.Request{
		Messages: []canonical.Message{
			{Role: canonical.RoleSystem, Content: canonical.Content{Text: "sys"}},
			{Role: canonical.RoleUser, Content: canonical.Content{Parts: []canonical.Part{
				{Text: "see"},
				{InlineMIME: "image/png", InlineData: []byte{1, 2, 3}},
			}}},
		},
	}

	root := gjson.ParseBytes(BuildGeminiRequestBody(req))
	assert.Equal(t, "sys", root.Get("system_instruction.parts.0.text").String())
	assert.Equal(t, "user", root.Get("contents.0.role").String())
	assert.Equal(t, "image/png", root.Get("contents.0.parts.1.inline_data.mime_type").String())
	assert.Equal(t, "AQID", root.Get("contents.0.parts.1.inline_data.data").String())
}

func TestBuildGeminiRequestBodyThinkingBudget(t *testing.T) {
	req := &canonical.Request{
		Messages:  []canonical.Message{{Role: canonical.RoleUser, Content: canonical.Content{Text: "hi"}}},
		ExtraBody: map[string]json.RawMessage{"thinking_budget": json.RawMessage("1024")},
	}

	root := gjson.ParseBytes(BuildGeminiRequestBody(req))
	assert.Equal(t, int64(1024), root.Get("generationConfig.thinkingConfig.thinkingBudget").Int())
}

func TestGeminiFinishReasonRoundTrip(t *testing.T) {
	resp := canonical.NewResponse("gemini-2.5-pro")
	resp.Choices = []canonical.Choice{{
		Message:      &canonical.Message{Role: canonical.RoleAssistant, Content: canonical.Content{Text: "x"}},
		FinishReason: canonical.FinishContentFilter,
	}}
	out := gjson.ParseBytes(FromCanonicalGemini(resp))
	assert.Equal(t, "SAFETY", out.Get("candidates.0.finishReason").String())

	back, err := ParseGeminiResponseBody([]byte(`{"candidates":[{"content":{"parts":[{"text":"x"}]},"finishReason":"MAX_TOKENS"}]}`), "", "gemini-2.5-pro", false)
	require.NoError(t, err)
	assert.Equal(t, canonical.FinishLength, back.Choices[0].FinishReason)
	assert.Equal(t, "x", back.ContentText())
}

func TestToCanonicalResponsesPreservesResponseFormat(t *testing.T) {
	raw := []byte(`{
		"model": "gpt-x",
		"instructions": "answer in json",
		"input": [{"role": "user", "content": [{"type": "input_text", "text": "go"}]}],
		"response_format": {"type": "json_object"}
	}`)

	req, err := ToCanonicalResponses(raw)
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, canonical.RoleSystem, req.Messages[0].Role)
	assert.JSONEq(t, `{"type":"json_object"}`, string(req.ExtraBody["response_format"]))
}

func TestExtractParsed(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(ExtractParsed(`{"a":1}`)))
	assert.JSONEq(t, `{"a":1}`, string(ExtractParsed("here:\n```json\n{\"a\": 1}\n```\ndone")))
	assert.JSONEq(t, `{"a":{"b":"}"}}`, string(ExtractParsed(`prefix {"a":{"b":"}"}} suffix`)))
	assert.Nil(t, ExtractParsed("no json here"))
}

func TestFromCanonicalResponsesParsed(t *testing.T) {
	resp := canonical.NewResponse("gpt-x")
	resp.Choices = []canonical.Choice{{
		Message:      &canonical.Message{Role: canonical.RoleAssistant, Content: canonical.Content{Text: "```json\n{\"ok\":true}\n```"}},
		FinishReason: canonical.FinishStop,
	}}

	out := gjson.ParseBytes(FromCanonicalResponses(resp, true))
	assert.Equal(t, "response", out.Get("object").String())
	assert.True(t, out.Get("output.0.content.0.parsed.ok").Bool())
	assert.JSONEq(t, `{"ok":true}`, string(resp.Choices[0].Parsed))
}

func TestToCanonicalOpenAICompletions(t *testing.T) {
	req, err := ToCanonicalOpenAICompletions([]byte(`{"model":"m","prompt":["a","b"],"max_tokens":5}`))
	require.NoError(t, err)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "a\nb", req.Messages[0].Content.Text)

	resp := canonical.NewResponse("m")
	resp.Choices = []canonical.Choice{{
		Message:      &canonical.Message{Role: canonical.RoleAssistant, Content: canonical.Content{Text: "out"}},
		FinishReason: canonical.FinishStop,
	}}
	rendered := gjson.ParseBytes(FromCanonicalOpenAICompletions(resp))
	assert.Equal(t, "text_completion", rendered.Get("object").String())
	assert.Equal(t, "out", rendered.Get("choices.0.text").String())
}

func TestParseOpenAIChunkBody(t *testing.T) {
	chunk, err := ParseOpenAIChunkBody([]byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"he"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "he", chunk.ContentText())

	_, err = ParseOpenAIChunkBody([]byte(`not json`))
	assert.Error(t, err)
}
