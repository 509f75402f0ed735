package command

import (
	"testing"

	"github.com/matdev83/llm-interactive-proxy/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv() *Env {
	models := map[string][]string{
		"openrouter": {"foo", "cypher-alpha:free", "deepseek/deepseek-chat"},
		"gemini":     {"gemini-2.5-pro", "gemini-2.5-flash"},
	}
	return &Env{
		CommandPrefix:  "!/",
		DefaultBackend: "openrouter",
		FunctionalBackends: func() []string {
			return []string{"openrouter", "gemini"}
		},
		BackendModels: func(backend string) []string {
			return models[backend]
		},
		InteractiveAllowed: true,
	}
}

func baseSnapshot() session.Snapshot {
	return session.Snapshot{
		Backend: session.BackendConfig{
			BackendType:     "openrouter",
			InteractiveMode: true,
			FailoverRoutes:  map[string]session.FailoverRoute{},
		},
	}
}

func run(t *testing.T, snap session.Snapshot, text string) (Result, session.Snapshot) {
	t.Helper()
	p := NewParser("!/")
	cmd := p.Detect(text)
	require.NotNil(t, cmd)
	res := NewRegistry().Execute(testEnv(), snap, cmd)
	if res.NewSnapshot != nil {
		return res, *res.NewSnapshot
	}
	return res, snap
}

func TestSetModelWithBackend(t *testing.T) {
	res, snap := run(t, baseSnapshot(), "!/set(model=openrouter:foo)")
	require.True(t, res.Success)
	assert.Contains(t, res.Message, "model set to openrouter:foo")
	assert.Equal(t, "openrouter", snap.Backend.BackendType)
	assert.Equal(t, "foo", snap.Backend.Model)
}

func TestSetUnknownModelFailsWholeCommand(t *testing.T) {
	res, snap := run(t, baseSnapshot(), "!/set(project=demo, model=openrouter:nope)")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "not available")
	// No partial write: project stays empty.
	assert.Empty(t, snap.Project)
}

func TestSetNonFunctionalBackend(t *testing.T) {
	env := testEnv()
	env.FunctionalBackends = func() []string { return []string{"openrouter"} }
	p := NewParser("!/")
	cmd := p.Detect("!/set(backend=gemini)")
	require.NotNil(t, cmd)
	res := NewRegistry().Execute(env, baseSnapshot(), cmd)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "backend gemini not functional")
	assert.Nil(t, res.NewSnapshot)
}

func TestSetIdempotent(t *testing.T) {
	res1, snap1 := run(t, baseSnapshot(), "!/set(model=openrouter:foo)")
	require.True(t, res1.Success)
	res2, snap2 := run(t, snap1, "!/set(model=openrouter:foo)")
	require.True(t, res2.Success)
	assert.Equal(t, snap1.Backend, snap2.Backend)
}

func TestUnknownCommand(t *testing.T) {
	res, _ := run(t, baseSnapshot(), "!/bad()")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "unknown command")
}

func TestOneoffSlashFormKeepsModelColon(t *testing.T) {
	res, snap := run(t, baseSnapshot(), "!/oneoff(openrouter/cypher-alpha:free)")
	require.True(t, res.Success)
	assert.Equal(t, "openrouter", snap.Backend.OneoffBackend)
	assert.Equal(t, "cypher-alpha:free", snap.Backend.OneoffModel)
}

func TestOneoffIdempotent(t *testing.T) {
	_, snap1 := run(t, baseSnapshot(), "!/oneoff(gemini:gemini-2.5-pro)")
	_, snap2 := run(t, snap1, "!/oneoff(gemini:gemini-2.5-pro)")
	assert.Equal(t, snap1.Backend, snap2.Backend)
}

func TestUnsetClearsFields(t *testing.T) {
	_, snap := run(t, baseSnapshot(), "!/set(project=demo, model=openrouter:foo)")
	res, snap := run(t, snap, "!/unset(model, project)")
	require.True(t, res.Success)
	assert.Empty(t, snap.Backend.Model)
	assert.Empty(t, snap.Project)
}

func TestRouteLifecycle(t *testing.T) {
	snap := baseSnapshot()

	res, snap := run(t, snap, "!/create-failover-route(name=fast, policy=k)")
	require.True(t, res.Success)

	res, snap = run(t, snap, "!/route-append(name=fast, element=openrouter:foo)")
	require.True(t, res.Success, res.Message)

	res, snap = run(t, snap, "!/route-prepend(name=fast, element=gemini:gemini-2.5-pro)")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, []string{"gemini:gemini-2.5-pro", "openrouter:foo"}, snap.Backend.FailoverRoutes["fast"].Elements)

	res, _ = run(t, snap, "!/route-list(name=fast)")
	require.True(t, res.Success)
	assert.Contains(t, res.Message, "gemini:gemini-2.5-pro, openrouter:foo")

	res, snap = run(t, snap, "!/route-clear(name=fast)")
	require.True(t, res.Success)
	assert.Empty(t, snap.Backend.FailoverRoutes["fast"].Elements)
	assert.Equal(t, "k", snap.Backend.FailoverRoutes["fast"].Policy)

	res, snap = run(t, snap, "!/delete-failover-route(name=fast)")
	require.True(t, res.Success)
	_, exists := snap.Backend.FailoverRoutes["fast"]
	assert.False(t, exists)
}

func TestRouteAppendRejectsUnknownModel(t *testing.T) {
	_, snap := run(t, baseSnapshot(), "!/create-failover-route(name=r, policy=m)")
	res, snap := run(t, snap, "!/route-append(name=r, element=openrouter:missing)")
	assert.False(t, res.Success)
	assert.Empty(t, snap.Backend.FailoverRoutes["r"].Elements)
}

func TestCreateRouteIdempotent(t *testing.T) {
	_, snap1 := run(t, baseSnapshot(), "!/create-failover-route(name=r, policy=km)")
	_, snap2 := run(t, snap1, "!/create-failover-route(name=r, policy=km)")
	assert.Equal(t, snap1.Backend.FailoverRoutes, snap2.Backend.FailoverRoutes)
}

func TestInteractiveModeTransition(t *testing.T) {
	snap := baseSnapshot()
	snap.Backend.InteractiveMode = false

	res, next := run(t, snap, "!/set(interactive-mode=on)")
	require.True(t, res.Success)
	assert.True(t, next.Backend.InteractiveMode)
	assert.True(t, next.InteractiveJustEnabled)
}

func TestHelpListsCommands(t *testing.T) {
	res, _ := run(t, baseSnapshot(), "!/help")
	require.True(t, res.Success)
	assert.Contains(t, res.Message, "!/set")
	assert.Contains(t, res.Message, "!/oneoff")
}
