// Package assembler merges proxy-generated text (the interactive banner and
// command confirmations) into outgoing responses, applying per-agent
// wrapping and synthesizing the command-processed response for requests
// that never reach a backend.
package assembler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/session"
)

const ProductName = "llm-interactive-proxy"

// Version is stamped at build time via -ldflags.
var Version = "dev"

// helloAck is suppressed for Cline agents; their harness treats any extra
// acknowledgement line as part of the task result.
const helloAck = "hello acknowledged"

// BackendInfo describes one functional backend for the banner line.
type BackendInfo struct {
	Name   string
	Keys   int
	Models int
}

// Assembler builds response preambles for one proxy process.
type Assembler struct {
	Prefix string
	Store  *session.Store

	// Backends returns the currently functional backends.
	Backends func() []BackendInfo
}

// bannerDue reports whether this response should carry the banner. The
// banner is shown once per session, and again on an explicit hello or a
// fresh interactive-mode transition; it is never shown outside interactive
// mode.
func bannerDue(snap session.Snapshot) bool {
	if !snap.Backend.InteractiveMode {
		return false
	}
	return !snap.BannerShown || snap.HelloRequested || snap.InteractiveJustEnabled
}

func (a *Assembler) banner(sessionID string) string {
	var backends []BackendInfo
	if a.Backends != nil {
		backends = a.Backends()
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i].Name < backends[j].Name })

	lines := make([]string, 0, len(backends))
	for _, b := range backends {
		lines = append(lines, fmt.Sprintf("%s (K:%d, M:%d)", b.Name, b.Keys, b.Models))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Hello, this is %s %s\n", ProductName, Version)
	fmt.Fprintf(&sb, "Session id: %s\n", sessionID)
	fmt.Fprintf(&sb, "Functional backends: %s\n", strings.Join(lines, ", "))
	fmt.Fprintf(&sb, "Type %shelp for list of available commands", a.Prefix)
	return sb.String()
}

// Preamble returns the proxy-generated text for this response: the banner
// when due, followed by command confirmations joined with "; ". The banner
// flags are consumed immediately; callers whose delivery can still fail use
// PendingPreamble and consume once the text has gone out.
func (a *Assembler) Preamble(sessionID string, snap session.Snapshot, confirmations []string) string {
	text, banner := a.PendingPreamble(sessionID, snap, confirmations)
	if banner {
		a.ConsumeBanner(sessionID)
	}
	return text
}

// PendingPreamble builds the preamble without touching the session flags.
// The second result reports whether a banner is included.
func (a *Assembler) PendingPreamble(sessionID string, snap session.Snapshot, confirmations []string) (string, bool) {
	if snap.IsClineAgent {
		confirmations = dropHelloAck(confirmations)
	}

	due := bannerDue(snap)
	var parts []string
	if due {
		parts = append(parts, a.banner(sessionID))
	}
	if len(confirmations) > 0 {
		parts = append(parts, strings.Join(confirmations, "; "))
	}
	return strings.Join(parts, "\n"), due
}

// ConsumeBanner marks the banner delivered, resetting the hello and
// transition flags on the session.
func (a *Assembler) ConsumeBanner(sessionID string) {
	if a.Store == nil {
		return
	}
	a.Store.Update(sessionID, func(snap session.Snapshot) session.Snapshot {
		next := snap.Clone()
		next.BannerShown = true
		next.HelloRequested = false
		next.InteractiveJustEnabled = false
		return next
	})
}

// CommandProcessed synthesizes the response for a command-only request.
// model is the session's effective model, falling back to the request one.
func (a *Assembler) CommandProcessed(sessionID string, snap session.Snapshot, confirmations []string, model string) *canonical.Response {
	text := a.Preamble(sessionID, snap, confirmations)
	if snap.IsClineAgent {
		text = WrapCline(text)
	}

	resp := canonical.NewResponse(model)
	resp.ID = canonical.CommandProcessedID
	resp.Choices = []canonical.Choice{{
		Message:      &canonical.Message{Role: canonical.RoleAssistant, Content: canonical.Content{Text: text}},
		FinishReason: canonical.FinishStop,
	}}
	return resp
}

// InjectUnary prepends the preamble to the first choice of a dispatched
// response.
func InjectUnary(resp *canonical.Response, preamble string) {
	if preamble == "" || len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return
	}
	msg := resp.Choices[0].Message
	if msg.Content.IsMultipart() {
		msg.Content.Parts = append([]canonical.Part{{Text: preamble + "\n"}}, msg.Content.Parts...)
		return
	}
	msg.Content.Text = preamble + "\n" + msg.Content.Text
}

// InjectChunk prepends the preamble to the delta of the first streamed
// chunk.
func InjectChunk(chunk *canonical.Response, preamble string) {
	if preamble == "" || len(chunk.Choices) == 0 {
		return
	}
	if chunk.Choices[0].Delta == nil {
		chunk.Choices[0].Delta = &canonical.Message{Role: canonical.RoleAssistant}
	}
	delta := chunk.Choices[0].Delta
	delta.Content.Text = preamble + "\n" + delta.Content.Text
}

// WrapCline wraps proxy-generated text in the attempt_completion envelope
// the Cline agent expects for task results.
func WrapCline(text string) string {
	return "<attempt_completion>\n<result>\n" + text + "\n</result>\n</attempt_completion>\n"
}

func dropHelloAck(confirmations []string) []string {
	out := confirmations[:0:0]
	for _, c := range confirmations {
		if c == helloAck {
			continue
		}
		out = append(out, c)
	}
	return out
}
