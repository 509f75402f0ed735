package canonical

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Object types used by the canonical response envelope.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
)

// Finish reasons normalized across dialects.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// CommandProcessedID is the synthetic response ID used when a request was
// consumed entirely by the command interpreter and no backend was called.
const CommandProcessedID = "proxy_cmd_processed"

// Usage carries token accounting reported by the upstream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion alternative. Message is set on unary responses,
// Delta on streaming chunks.
type Choice struct {
	Index        int             `json:"index"`
	Message      *Message        `json:"message,omitempty"`
	Delta        *Message        `json:"delta,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Parsed       json.RawMessage `json:"parsed,omitempty"`
}

// Response is the canonical chat-completion response, also used chunk-wise
// for streaming (Object distinguishes the two).
type Response struct {
	ID      string   `json:"id"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Object  string   `json:"object"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// NewResponse builds a unary response envelope with a fresh chatcmpl ID.
func NewResponse(model string) *Response {
	return &Response{
		ID:      "chatcmpl-" + uuid.NewString(),
		Created: time.Now().Unix(),
		Model:   model,
		Object:  ObjectChatCompletion,
	}
}

// NewChunk builds a streaming chunk envelope sharing the given stream ID.
func NewChunk(id, model string) *Response {
	return &Response{
		ID:      id,
		Created: time.Now().Unix(),
		Model:   model,
		Object:  ObjectChatCompletionChunk,
	}
}

// ContentText returns the text content of the first choice, tolerating both
// unary and delta shapes.
func (r *Response) ContentText() string {
	if len(r.Choices) == 0 {
		return ""
	}
	if m := r.Choices[0].Message; m != nil {
		return m.Content.JoinedText()
	}
	if d := r.Choices[0].Delta; d != nil {
		return d.Content.JoinedText()
	}
	return ""
}
