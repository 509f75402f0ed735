package session

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultSnapshot() Snapshot {
	return Snapshot{
		Backend: BackendConfig{
			BackendType:     "openrouter",
			InteractiveMode: true,
			FailoverRoutes:  map[string]FailoverRoute{},
		},
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	st := NewStore(defaultSnapshot)
	a := st.GetOrCreate("s1")
	b := st.GetOrCreate("s1")
	assert.Same(t, a, b)
	assert.Equal(t, 1, st.Len())
}

func TestUpdatePublishesNewSnapshot(t *testing.T) {
	st := NewStore(defaultSnapshot)
	st.GetOrCreate("s1")

	before := st.GetOrCreate("s1").Snapshot()
	st.Update("s1", func(s Snapshot) Snapshot {
		out := s.Clone()
		out.Project = "demo"
		return out
	})
	after := st.GetOrCreate("s1").Snapshot()

	assert.Empty(t, before.Project)
	assert.Equal(t, "demo", after.Project)
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	snap := defaultSnapshot()
	snap.Backend.FailoverRoutes["r"] = FailoverRoute{Policy: PolicyKeyFirst, Elements: []string{"openrouter:a"}}

	clone := snap.Clone()
	clone.Backend.FailoverRoutes["r"] = FailoverRoute{Policy: PolicyModelFirst, Elements: []string{"gemini:b"}}

	assert.Equal(t, PolicyKeyFirst, snap.Backend.FailoverRoutes["r"].Policy)
	assert.Equal(t, []string{"openrouter:a"}, snap.Backend.FailoverRoutes["r"].Elements)
}

func TestConcurrentUpdatesAtomic(t *testing.T) {
	st := NewStore(defaultSnapshot)
	st.GetOrCreate("s1")

	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			st.Update("s1", func(s Snapshot) Snapshot {
				out := s.Clone()
				out.Project = fmt.Sprintf("p%d", i)
				out.ProjectDir = fmt.Sprintf("/tmp/p%d", i)
				return out
			})
		}(i)
	}
	wg.Wait()

	final := st.GetOrCreate("s1").Snapshot()
	// The final snapshot is exactly one of the written values with both
	// fields from the same update (no torn writes).
	require.NotEmpty(t, final.Project)
	assert.Equal(t, "/tmp/"+final.Project, final.ProjectDir)
}

func TestCleanupExpired(t *testing.T) {
	st := NewStore(defaultSnapshot)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	current := base
	st.now = func() time.Time { return current }

	st.GetOrCreate("old")
	current = base.Add(2 * time.Hour)
	st.GetOrCreate("fresh")

	removed := st.CleanupExpired(time.Hour)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, st.Len())
}

func TestUserIndex(t *testing.T) {
	st := NewStore(defaultSnapshot)
	st.GetOrCreate("s1")
	st.GetOrCreate("s2")

	st.SetUserID("s1", "alice")
	st.SetUserID("s2", "alice")
	assert.Len(t, st.GetByUser("alice"), 2)

	// Reassigning moves the session between users.
	st.SetUserID("s2", "bob")
	assert.Len(t, st.GetByUser("alice"), 1)
	assert.Len(t, st.GetByUser("bob"), 1)

	// Clearing removes it from the index.
	st.SetUserID("s1", "")
	assert.Empty(t, st.GetByUser("alice"))
}

func TestOneoffTransitions(t *testing.T) {
	snap := defaultSnapshot()
	withOneoff := snap.WithOneoff("gemini", "gemini-2.5-pro")
	assert.Equal(t, "gemini", withOneoff.Backend.OneoffBackend)
	assert.Equal(t, "gemini-2.5-pro", withOneoff.Backend.OneoffModel)
	assert.Empty(t, snap.Backend.OneoffBackend)

	cleared := withOneoff.ClearOneoff()
	assert.Empty(t, cleared.Backend.OneoffBackend)
	assert.Empty(t, cleared.Backend.OneoffModel)
}

func TestBoltStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")

	bs, err := OpenBoltStore(path, defaultSnapshot)
	require.NoError(t, err)
	bs.Update("s1", func(s Snapshot) Snapshot {
		out := s.Clone()
		out.Project = "persisted"
		return out
	})
	bs.SetUserID("s1", "alice")
	bs.Update("s1", func(s Snapshot) Snapshot { return s })
	require.NoError(t, bs.Close())

	restored, err := OpenBoltStore(path, defaultSnapshot)
	require.NoError(t, err)
	defer func() { _ = restored.Close() }()

	snap := restored.GetOrCreate("s1").Snapshot()
	assert.Equal(t, "persisted", snap.Project)
	assert.Len(t, restored.GetByUser("alice"), 1)
}
