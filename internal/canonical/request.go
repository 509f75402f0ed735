// Package canonical defines the dialect-agnostic request and response values
// threaded through the proxy pipeline. Translators map each supported wire
// dialect (OpenAI chat, OpenAI responses, Anthropic, Gemini) to and from
// these types; every other component operates on them exclusively.
package canonical

import (
	"encoding/json"
	"strings"
)

// Message roles used throughout the pipeline.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Part is one element of a multipart message content. Exactly one of the
// field groups is populated.
type Part struct {
	// Text is a plain text part.
	Text string `json:"text,omitempty"`

	// ImageURL references an external image.
	ImageURL string `json:"image_url,omitempty"`

	// InlineMIME and InlineData carry an embedded binary attachment.
	InlineMIME string `json:"inline_mime,omitempty"`
	InlineData []byte `json:"inline_data,omitempty"`
}

// IsText reports whether the part carries plain text.
func (p Part) IsText() bool {
	return p.ImageURL == "" && p.InlineMIME == ""
}

// Content holds a message body that is either a plain string or an ordered
// sequence of parts. A nil Parts slice means the string form.
type Content struct {
	Text  string
	Parts []Part
}

// IsMultipart reports whether the content uses the parts form.
func (c Content) IsMultipart() bool {
	return c.Parts != nil
}

// JoinedText returns the textual content: the string form as-is, or all text
// parts joined with single spaces (the command detector's view of a
// multipart message).
func (c Content) JoinedText() string {
	if !c.IsMultipart() {
		return c.Text
	}
	texts := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p.IsText() {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// Message is one turn of a canonical conversation.
type Message struct {
	Role       string          `json:"role"`
	Content    Content         `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
}

// Request is the canonical chat-completion request.
type Request struct {
	// Model may be a bare model name, a "<backend>:<model>" or
	// "<backend>/<model>" pair, or a failover-route name.
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`

	// Generation knobs; nil means "not supplied".
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	Stop             []string           `json:"stop,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	Seed             *int               `json:"seed,omitempty"`
	N                *int               `json:"n,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`

	// Tools and ToolChoice are opaque to the core and forwarded unchanged.
	Tools      json.RawMessage `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`

	// ResponseFormat is an optional structured-output descriptor.
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`

	// ExtraBody carries vendor-specific passthrough values. Direct API
	// parameters here override session-level reasoning defaults.
	ExtraBody map[string]json.RawMessage `json:"extra_body,omitempty"`

	// SessionID is derived from the X-Session-ID header, the session-id
	// cookie, or the literal "default".
	SessionID string `json:"-"`

	// Agent is the detected agent class ("cline", "roo", "aider") or empty.
	Agent string `json:"-"`
}

// Clone returns a deep copy of the request. Translators and middlewares
// mutate copies, never the inbound value.
func (r *Request) Clone() *Request {
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	for i := range out.Messages {
		if parts := out.Messages[i].Content.Parts; parts != nil {
			cp := make([]Part, len(parts))
			copy(cp, parts)
			out.Messages[i].Content.Parts = cp
		}
	}
	if r.Stop != nil {
		out.Stop = append([]string(nil), r.Stop...)
	}
	if r.LogitBias != nil {
		out.LogitBias = make(map[string]float64, len(r.LogitBias))
		for k, v := range r.LogitBias {
			out.LogitBias[k] = v
		}
	}
	if r.ExtraBody != nil {
		out.ExtraBody = make(map[string]json.RawMessage, len(r.ExtraBody))
		for k, v := range r.ExtraBody {
			out.ExtraBody[k] = v
		}
	}
	return &out
}

// LastUserMessage returns a pointer to the trailing user message, or nil.
func (r *Request) LastUserMessage() *Message {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return &r.Messages[i]
		}
	}
	return nil
}

// SplitModelRef splits "<backend>:<model>" or "<backend>/<model>" into its
// pair at the earliest separator, so "openrouter/cypher-alpha:free" yields
// ("openrouter", "cypher-alpha:free"). Callers must validate that the first
// component names a known backend; model names may themselves contain either
// separator.
func SplitModelRef(ref string) (backend, model string, ok bool) {
	colon := strings.Index(ref, ":")
	slash := strings.Index(ref, "/")
	sep := colon
	if sep < 0 || (slash >= 0 && slash < sep) {
		sep = slash
	}
	if sep <= 0 || sep == len(ref)-1 {
		return "", ref, false
	}
	return ref[:sep], ref[sep+1:], true
}
