package loopdetect

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func toolCall(name, args string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`[{"id":"call_1","type":"function","function":{"name":%q,"arguments":%q}}]`, name, args))
}

func newTestTracker(mode string) (*ToolLoopTracker, *time.Time) {
	tr := NewToolLoopTracker(ToolLoopConfig{MaxRepeats: 3, TTL: time.Minute, Mode: mode})
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestToolLoopBreakMode(t *testing.T) {
	tr, _ := newTestTracker(ToolLoopModeBreak)

	call := toolCall("read_file", `{"path":"a.txt"}`)
	assert.Equal(t, ToolActionNone, tr.Observe(call))
	assert.Equal(t, ToolActionNone, tr.Observe(call))
	assert.Equal(t, ToolActionBreak, tr.Observe(call))
}

func TestToolLoopChanceThenBreak(t *testing.T) {
	tr, _ := newTestTracker(ToolLoopModeChance)

	call := toolCall("read_file", `{"path":"a.txt"}`)
	assert.Equal(t, ToolActionNone, tr.Observe(call))
	assert.Equal(t, ToolActionNone, tr.Observe(call))
	assert.Equal(t, ToolActionWarn, tr.Observe(call))
	assert.Equal(t, ToolActionBreak, tr.Observe(call))
}

func TestToolLoopDistinctArgsDoNotFire(t *testing.T) {
	tr, _ := newTestTracker(ToolLoopModeBreak)

	for i := 0; i < 10; i++ {
		call := toolCall("read_file", fmt.Sprintf(`{"path":"file-%d"}`, i))
		assert.Equal(t, ToolActionNone, tr.Observe(call))
	}
}

func TestToolLoopArgOrderIsCanonicalized(t *testing.T) {
	tr, _ := newTestTracker(ToolLoopModeBreak)

	assert.Equal(t, ToolActionNone, tr.Observe(toolCall("search", `{"q":"x","limit":5}`)))
	assert.Equal(t, ToolActionNone, tr.Observe(toolCall("search", `{"limit":5,"q":"x"}`)))
	assert.Equal(t, ToolActionBreak, tr.Observe(toolCall("search", `{"limit": 5, "q": "x"}`)))
}

func TestToolLoopWindowExpires(t *testing.T) {
	tr, now := newTestTracker(ToolLoopModeBreak)

	call := toolCall("read_file", `{"path":"a.txt"}`)
	assert.Equal(t, ToolActionNone, tr.Observe(call))
	assert.Equal(t, ToolActionNone, tr.Observe(call))

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, ToolActionNone, tr.Observe(call))
	assert.Equal(t, ToolActionNone, tr.Observe(call))
	assert.Equal(t, ToolActionBreak, tr.Observe(call))
}

func TestToolLoopIgnoresEmptyAndNonCalls(t *testing.T) {
	tr, _ := newTestTracker(ToolLoopModeBreak)

	assert.Equal(t, ToolActionNone, tr.Observe(nil))
	assert.Equal(t, ToolActionNone, tr.Observe(json.RawMessage(`[]`)))
	assert.Equal(t, ToolActionNone, tr.Observe(json.RawMessage(`[{"id":"x","type":"function"}]`)))
}
