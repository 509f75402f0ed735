package loopdetect

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Tool-loop actions, coarsest first.
const (
	ToolActionNone = iota
	// ToolActionWarn asks the caller to inject ToolLoopWarning into the
	// next turn instead of breaking.
	ToolActionWarn
	// ToolActionBreak ends the stream.
	ToolActionBreak
)

const (
	ToolLoopModeBreak  = "break"
	ToolLoopModeChance = "chance_then_break"
)

// ToolLoopWarning is injected once per session under chance_then_break.
const ToolLoopWarning = "Warning: the same tool call has been repeated several times with identical arguments. Re-issuing it again will not produce a different result; change the arguments or try another approach."

// ToolLoopConfig bounds the tool-call repetition window.
type ToolLoopConfig struct {
	MaxRepeats int
	TTL        time.Duration
	Mode       string
}

// ToolLoopTracker watches assistant tool-call records across turns of one
// session. It fires when the same (tool name, canonicalized arguments)
// tuple recurs MaxRepeats times within the sliding TTL window. Not safe
// for concurrent use.
type ToolLoopTracker struct {
	cfg    ToolLoopConfig
	seen   map[string][]time.Time
	warned bool

	now func() time.Time
}

// NewToolLoopTracker builds a tracker for one session.
func NewToolLoopTracker(cfg ToolLoopConfig) *ToolLoopTracker {
	return &ToolLoopTracker{
		cfg:  cfg,
		seen: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// Observe records the tool calls of one assistant message, in the OpenAI
// tool_calls array shape, and returns the action the caller should take.
func (t *ToolLoopTracker) Observe(toolCalls json.RawMessage) int {
	if t.cfg.MaxRepeats <= 0 || len(toolCalls) == 0 {
		return ToolActionNone
	}

	action := ToolActionNone
	now := t.now()
	gjson.ParseBytes(toolCalls).ForEach(func(_, call gjson.Result) bool {
		name := call.Get("function.name").String()
		if name == "" {
			return true
		}
		sig := name + "\x00" + canonicalArgs(call.Get("function.arguments").String())

		times := t.seen[sig]
		cutoff := now.Add(-t.cfg.TTL)
		kept := times[:0]
		for _, ts := range times {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		kept = append(kept, now)
		t.seen[sig] = kept

		if len(kept) >= t.cfg.MaxRepeats {
			if a := t.fire(); a > action {
				action = a
			}
		}
		return true
	})
	return action
}

func (t *ToolLoopTracker) fire() int {
	if t.cfg.Mode == ToolLoopModeChance && !t.warned {
		t.warned = true
		return ToolActionWarn
	}
	return ToolActionBreak
}

// canonicalArgs normalizes a JSON argument string so key order does not
// defeat the comparison. Non-JSON arguments compare verbatim.
func canonicalArgs(args string) string {
	var v interface{}
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return args
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	out, err := json.Marshal(v)
	if err != nil {
		return args
	}
	return string(out)
}
