// Package translator converts between the front-end API dialects and the
// canonical request/response model. Each dialect contributes a pair of pure
// functions: one that parses a raw dialect body into a canonical request, and
// one that renders a canonical response (or stream chunk) back into the
// dialect's wire shape. Parsing failures surface as InvalidRequest errors so
// handlers can answer with the right status code.
package translator

import (
	"bytes"
	"fmt"
)

// SSE framing shared by the OpenAI-flavored streaming endpoints.
var (
	doneFrame = []byte("data: [DONE]\n\n")
)

// FormatSSE wraps one JSON payload in a data frame.
func FormatSSE(data []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(data) + 10)
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes()
}

// FormatSSEEvent wraps a payload in a named event frame, the framing the
// Anthropic messages stream uses.
func FormatSSEEvent(event string, data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}

// DoneFrame returns the OpenAI end-of-stream sentinel.
func DoneFrame() []byte {
	return doneFrame
}
