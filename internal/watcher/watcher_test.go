package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matdev83/llm-interactive-proxy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestReloadOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{"default_backend":"openrouter"}`)

	reloaded := make(chan *config.Config, 4)
	w, err := NewWatcher(path, func(cfg *config.Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	initial, err := config.LoadConfig(path)
	require.NoError(t, err)
	w.SetConfig(initial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	writeConfig(t, path, `{"default_backend":"gemini"}`)

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "gemini", cfg.DefaultBackend)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestIdenticalWriteSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"default_backend":"openrouter"}`
	writeConfig(t, path, body)

	reloaded := make(chan *config.Config, 4)
	w, err := NewWatcher(path, func(cfg *config.Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	initial, err := config.LoadConfig(path)
	require.NoError(t, err)
	w.SetConfig(initial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	// Same bytes: the content hash matches and no reload fires.
	writeConfig(t, path, body)

	select {
	case <-reloaded:
		t.Fatal("reload fired for unchanged content")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestInvalidConfigKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{"default_backend":"openrouter"}`)

	reloaded := make(chan *config.Config, 4)
	w, err := NewWatcher(path, func(cfg *config.Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	initial, err := config.LoadConfig(path)
	require.NoError(t, err)
	w.SetConfig(initial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	writeConfig(t, path, `{not json`)

	select {
	case <-reloaded:
		t.Fatal("reload fired for invalid config")
	case <-time.After(500 * time.Millisecond):
	}

	// A subsequent valid write still reloads.
	writeConfig(t, path, `{"default_backend":"gemini"}`)
	select {
	case cfg := <-reloaded:
		assert.Equal(t, "gemini", cfg.DefaultBackend)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recovery reload")
	}
}
