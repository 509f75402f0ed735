package command

import (
	"strings"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/session"
	log "github.com/sirupsen/logrus"
)

// Outcome is the interpreter's verdict on one request: the confirmation
// lines accumulated from executed commands, whether dispatch should be
// halted (command-only request), and the latest published snapshot.
type Outcome struct {
	Confirmations []string
	HaltDispatch  bool
	Snapshot      session.Snapshot

	sessionID string
}

// Processor runs the detect → classify → strip → execute → publish pipeline
// of the command interpreter over a canonical request.
type Processor struct {
	Parser   *Parser
	Registry *Registry
	Store    *session.Store
	Env      *Env

	// Disabled short-circuits execution while still stripping nothing; the
	// command-leak filter downstream keeps prefixed tokens away from
	// upstream models regardless.
	Disabled bool
}

// Process interprets commands embedded in req. Commands are detected and
// stripped in every user message so sanitized history never reaches the
// upstream twice, but only commands in the trailing user message execute:
// earlier occurrences were already executed when their request came through.
func (p *Processor) Process(req *canonical.Request) Outcome {
	sess := p.Store.GetOrCreate(req.SessionID)
	out := Outcome{Snapshot: sess.Snapshot(), sessionID: req.SessionID}

	tagAgent(p.Store, req, &out)

	if p.Disabled {
		return out
	}

	lastUser := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == canonical.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return out
	}

	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Role != canonical.RoleUser {
			continue
		}
		execute := i == lastUser
		p.processMessage(msg, execute, &out)
	}

	return out
}

// processMessage strips (and for the trailing user message, executes) every
// command in one message. Multipart detection runs over the text parts joined
// with single spaces so a command spanning a part boundary is still seen;
// stripping stays per part.
func (p *Processor) processMessage(msg *canonical.Message, execute bool, out *Outcome) {
	original := msg.Content.JoinedText()

	if !msg.Content.IsMultipart() {
		msg.Content.Text = p.consumeText(msg.Content.Text, execute, out)
	} else {
		if execute {
			p.consumeText(original, true, out)
		}
		for j := range msg.Content.Parts {
			if !msg.Content.Parts[j].IsText() {
				continue
			}
			msg.Content.Parts[j].Text = p.consumeText(msg.Content.Parts[j].Text, false, out)
		}
	}

	if execute && p.Parser.IsCommandOnly(original) && p.Parser.Detect(original) != nil {
		out.HaltDispatch = true
	}
}

// consumeText repeatedly detects, executes (when asked), and strips commands
// from one text fragment.
func (p *Processor) consumeText(text string, execute bool, out *Outcome) string {
	for {
		cmd := p.Parser.Detect(text)
		if cmd == nil {
			return text
		}
		if execute {
			p.execute(cmd, out)
		}
		text = Strip(text, cmd)
	}
}

// execute runs one command against the latest snapshot and publishes the
// transition through the store so concurrent writers serialize per session.
func (p *Processor) execute(cmd *Parsed, out *Outcome) {
	var result Result
	out.Snapshot = p.Store.Update(out.sessionID, func(snap session.Snapshot) session.Snapshot {
		result = p.Registry.Execute(p.Env, snap, cmd)
		if result.NewSnapshot != nil {
			return *result.NewSnapshot
		}
		return snap
	})

	if result.Message != "" {
		out.Confirmations = append(out.Confirmations, result.Message)
	}
	if !result.Success {
		log.Debugf("command %s failed: %s", cmd.Name, result.Message)
	}
}

// tagAgent marks the session as Cline-driven when any user message carries
// an <attempt_completion> marker, and records the detected agent class.
func tagAgent(store *session.Store, req *canonical.Request, out *Outcome) {
	isCline := false
	for i := range req.Messages {
		if req.Messages[i].Role != canonical.RoleUser {
			continue
		}
		if strings.Contains(req.Messages[i].Content.JoinedText(), "<attempt_completion>") {
			isCline = true
			break
		}
	}
	if req.Agent == "" && isCline {
		req.Agent = "cline"
	}
	if !isCline && req.Agent != "cline" && !out.Snapshot.IsClineAgent {
		return
	}

	out.Snapshot = store.Update(req.SessionID, func(snap session.Snapshot) session.Snapshot {
		if snap.IsClineAgent && snap.Agent == req.Agent {
			return snap
		}
		next := snap.Clone()
		if isCline || req.Agent == "cline" {
			next.IsClineAgent = true
		}
		if req.Agent != "" {
			next.Agent = req.Agent
		}
		return next
	})
}
