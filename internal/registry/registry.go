// Package registry tracks the models each backend advertises. Backends
// register their lists at startup; refreshes replace a backend's list
// atomically. The registry also carries the Gemini model metadata served on
// the native /v1beta/models listing.
package registry

import (
	"sort"
	"sync"
	"time"
)

// ModelInfo describes one advertised model.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`

	// Gemini-native metadata, zero-valued for other backends.
	DisplayName                string   `json:"display_name,omitempty"`
	Description                string   `json:"description,omitempty"`
	InputTokenLimit            int      `json:"input_token_limit,omitempty"`
	OutputTokenLimit           int      `json:"output_token_limit,omitempty"`
	SupportedGenerationMethods []string `json:"supported_generation_methods,omitempty"`
}

// Registry maps backend names to their advertised models.
type Registry struct {
	mu       sync.RWMutex
	backends map[string][]ModelInfo
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{backends: make(map[string][]ModelInfo)}
}

// Register installs or replaces one backend's model list.
func (r *Registry) Register(backend string, models []ModelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[backend] = append([]ModelInfo(nil), models...)
}

// RegisterIDs installs a list of bare model IDs for a backend.
func (r *Registry) RegisterIDs(backend string, ids []string) {
	now := time.Now().Unix()
	models := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		models = append(models, ModelInfo{ID: id, Object: "model", Created: now, OwnedBy: backend})
	}
	r.Register(backend, models)
}

// ModelIDs returns the bare model IDs of one backend, nil when unknown.
func (r *Registry) ModelIDs(backend string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := r.backends[backend]
	if models == nil {
		return nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	return ids
}

// Models returns one backend's full model records.
func (r *Registry) Models(backend string) []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ModelInfo(nil), r.backends[backend]...)
}

// Find returns the record for one model of one backend.
func (r *Registry) Find(backend, id string) (ModelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.backends[backend] {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// All returns every advertised model across backends, IDs prefixed
// "<backend>:<model>", sorted for a stable /v1/models listing.
func (r *Registry) All() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ModelInfo
	for backend, models := range r.backends {
		for _, m := range models {
			prefixed := m
			prefixed.ID = backend + ":" + m.ID
			out = append(out, prefixed)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Backends returns the names of backends with a non-empty model list,
// sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for backend, models := range r.backends {
		if len(models) > 0 {
			names = append(names, backend)
		}
	}
	sort.Strings(names)
	return names
}
