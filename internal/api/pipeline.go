// Package api provides the HTTP server of the proxy: the gin engine, the
// per-dialect handlers, client authentication, and the request pipeline
// that threads a canonical request through redaction, command execution,
// dispatch, loop detection, and response assembly.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matdev83/llm-interactive-proxy/internal/assembler"
	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/command"
	"github.com/matdev83/llm-interactive-proxy/internal/config"
	"github.com/matdev83/llm-interactive-proxy/internal/dispatch"
	"github.com/matdev83/llm-interactive-proxy/internal/interfaces"
	"github.com/matdev83/llm-interactive-proxy/internal/loopdetect"
	"github.com/matdev83/llm-interactive-proxy/internal/middleware"
	"github.com/matdev83/llm-interactive-proxy/internal/session"
	log "github.com/sirupsen/logrus"
)

// errToolLoopBreak signals that the tool-loop detector ended the stream; the
// handler closes the stream normally after the marker chunk.
var errToolLoopBreak = interfaces.NewError(interfaces.KindLoopDetected, http.StatusOK, "tool loop detected")

// Pipeline executes the fixed middleware order over one canonical request:
// redaction, command interpretation, command-leak filtering, dispatch with
// loop detection, assembly, accounting.
type Pipeline struct {
	Cfg        *config.Config
	Store      *session.Store
	Redactor   *middleware.Redactor
	Leak       *middleware.CommandLeakFilter
	Processor  *command.Processor
	Dispatcher *dispatch.Dispatcher
	Assembler  *assembler.Assembler
	Accounting middleware.Sink

	mu        sync.Mutex
	toolLoops map[string]*loopdetect.ToolLoopTracker
	warnings  map[string]bool
}

func (p *Pipeline) tracker(sessionID string, ld session.LoopDetectionConfig) *loopdetect.ToolLoopTracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.toolLoops == nil {
		p.toolLoops = make(map[string]*loopdetect.ToolLoopTracker)
	}
	t, ok := p.toolLoops[sessionID]
	if !ok {
		t = loopdetect.NewToolLoopTracker(loopdetect.ToolLoopConfig{
			MaxRepeats: ld.ToolLoopMaxRepeats,
			TTL:        time.Duration(ld.ToolLoopTTLSeconds) * time.Second,
			Mode:       ld.ToolLoopMode,
		})
		p.toolLoops[sessionID] = t
	}
	return t
}

func (p *Pipeline) setWarning(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.warnings == nil {
		p.warnings = make(map[string]bool)
	}
	p.warnings[sessionID] = true
}

func (p *Pipeline) takeWarning(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.warnings[sessionID] {
		delete(p.warnings, sessionID)
		return true
	}
	return false
}

// effectiveModel is the model reported on synthesized responses.
func effectiveModel(snap session.Snapshot, req *canonical.Request) string {
	if snap.Backend.Model != "" {
		return snap.Backend.Model
	}
	return req.Model
}

// prepare runs the request-side stages shared by unary and streaming
// dispatch. When the request was command-only it returns the synthesized
// response and dispatch is skipped.
func (p *Pipeline) prepare(req *canonical.Request) (session.Snapshot, command.Outcome, *canonical.Response, error) {
	snap := p.Store.GetOrCreate(req.SessionID).Snapshot()

	p.Redactor.Apply(req, snap.APIKeyRedactionOverride)

	out := p.Processor.Process(req)
	snap = out.Snapshot

	if out.HaltDispatch {
		resp := p.Assembler.CommandProcessed(req.SessionID, snap, out.Confirmations, effectiveModel(snap, req))
		return snap, out, resp, nil
	}

	if p.Cfg.ForceSetProject && snap.Project == "" {
		return snap, out, nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest,
			"no project set for this session; use %sset(project=<name>) first", p.Cfg.CommandPrefix)
	}
	if strings.TrimSpace(req.Model) == "" && snap.Backend.Model == "" {
		return snap, out, nil, interfaces.NewError(interfaces.KindInvalidRequest, http.StatusBadRequest, "model is required")
	}

	p.Leak.Apply(req)

	// A pending tool-loop warning is delivered to the model on this turn.
	if p.takeWarning(req.SessionID) {
		req.Messages = append(req.Messages, canonical.Message{
			Role:    canonical.RoleSystem,
			Content: canonical.Content{Text: loopdetect.ToolLoopWarning},
		})
	}

	return snap, out, nil, nil
}

// observeToolCalls feeds one assistant message's tool calls to the session
// tracker and applies the resulting action.
func (p *Pipeline) observeToolCalls(req *canonical.Request, snap session.Snapshot, calls []byte) int {
	if len(calls) == 0 {
		return loopdetect.ToolActionNone
	}
	action := p.tracker(req.SessionID, snap.LoopDetection).Observe(calls)
	if action == loopdetect.ToolActionWarn {
		log.Warnf("tool loop suspected for session %s, injecting warning on next turn", req.SessionID)
		p.setWarning(req.SessionID)
	}
	return action
}

func (p *Pipeline) account(req *canonical.Request, backend, model string, usage *canonical.Usage) {
	if p.Accounting == nil || usage == nil {
		return
	}
	p.Accounting.Record(middleware.UsageRecord{
		SessionID:        req.SessionID,
		Backend:          backend,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	})
}

// Unary executes a non-streaming request end to end.
func (p *Pipeline) Unary(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	snap, out, synthesized, err := p.prepare(req)
	if err != nil {
		return nil, err
	}
	if synthesized != nil {
		return synthesized, nil
	}

	resp, backend, model, err := p.Dispatcher.Dispatch(ctx, req, snap)
	if err != nil {
		return nil, err
	}

	preamble := p.Assembler.Preamble(req.SessionID, snap, out.Confirmations)
	assembler.InjectUnary(resp, preamble)

	for i := range resp.Choices {
		msg := resp.Choices[i].Message
		if msg == nil {
			continue
		}
		if p.observeToolCalls(req, snap, msg.ToolCalls) == loopdetect.ToolActionBreak {
			msg.ToolCalls = nil
			msg.Content.Text = msg.Content.JoinedText() + loopdetect.Marker
			msg.Content.Parts = nil
			resp.Choices[i].FinishReason = canonical.FinishStop
		}
	}

	p.account(req, backend, model, resp.Usage)
	return resp, nil
}

// Stream executes a streaming request, calling forward for every canonical
// chunk to emit. The loop detector filters content bytes; once it fires the
// truncated chunk (ending in the marker) is forwarded and upstream
// consumption stops, which the caller observes as a nil error.
func (p *Pipeline) Stream(ctx context.Context, req *canonical.Request, forward func(*canonical.Response) error) error {
	snap, out, synthesized, err := p.prepare(req)
	if err != nil {
		return err
	}
	if synthesized != nil {
		// Command-only requests answer with a single synthesized chunk.
		chunk := canonical.NewChunk(synthesized.ID, synthesized.Model)
		chunk.Choices = []canonical.Choice{{
			Delta:        &canonical.Message{Role: canonical.RoleAssistant, Content: synthesized.Choices[0].Message.Content},
			FinishReason: canonical.FinishStop,
		}}
		return forward(chunk)
	}

	detector := loopdetect.NewDetector(loopdetect.Config{
		Enabled:        snap.LoopDetection.Enabled,
		BufferSize:     snap.LoopDetection.BufferSize,
		MinPattern:     snap.LoopDetection.MinPatternLength,
		MaxPattern:     snap.LoopDetection.MaxPatternLength,
		MinRepetitions: snap.LoopDetection.MinRepetitions,
	})

	// The banner flags reset only after the first chunk has actually gone
	// out; a dispatch that fails on every backend leaves the banner pending.
	preamble, bannerIncluded := p.Assembler.PendingPreamble(req.SessionID, snap, out.Confirmations)
	first := true
	var usage *canonical.Usage

	backend, model, err := p.Dispatcher.DispatchStream(ctx, req, snap, func(chunk *canonical.Response) error {
		if chunk.Usage != nil {
			usage = chunk.Usage
		}

		loopBroke := false
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil {
			delta := chunk.Choices[0].Delta
			if text := delta.Content.JoinedText(); text != "" {
				fed := detector.Feed([]byte(text))
				if detector.Fired() {
					delta.Content.Text = string(fed)
					delta.Content.Parts = nil
					chunk.Choices[0].FinishReason = canonical.FinishStop
					loopBroke = true
				}
			}
			if p.observeToolCalls(req, snap, delta.ToolCalls) == loopdetect.ToolActionBreak {
				delta.ToolCalls = nil
				delta.Content.Text = delta.Content.JoinedText() + loopdetect.Marker
				delta.Content.Parts = nil
				chunk.Choices[0].FinishReason = canonical.FinishStop
				loopBroke = true
			}
		}

		if first {
			assembler.InjectChunk(chunk, preamble)
		}
		if err := forward(chunk); err != nil {
			return err
		}
		if first {
			first = false
			if bannerIncluded {
				p.Assembler.ConsumeBanner(req.SessionID)
			}
		}
		if loopBroke {
			return errToolLoopBreak
		}
		return nil
	})

	if err != nil {
		var perr *interfaces.ProxyError
		if errors.As(err, &perr) && perr.Kind == interfaces.KindLoopDetected {
			// The truncated chunk already went out; close the stream cleanly.
			err = nil
		}
	}
	if err == nil {
		p.account(req, backend, model, usage)
	}
	return err
}
