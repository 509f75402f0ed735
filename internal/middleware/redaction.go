// Package middleware holds the ordered request/response transforms applied
// around dispatch: API-key redaction and the command-leak filter on the
// upstream-bound request, accounting on the completed response.
package middleware

import (
	"container/list"
	"strings"
	"sync"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
)

// RedactionPlaceholder replaces any known proxy API key found in message
// text bound for an upstream model.
const RedactionPlaceholder = "(API_KEY_HAS_BEEN_REDACTED)"

// Messages shorter than this are worth caching; larger ones are rescanned.
const redactionCacheLimit = 1024

const redactionCacheEntries = 1024

// Redactor scrubs the proxy's own API keys out of prompt text so a client
// that accidentally pastes its key never leaks it upstream. The replacer is
// built once; short message results are memoized in a bounded LRU.
type Redactor struct {
	defaultOn bool
	replacer  *strings.Replacer
	keys      []string

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List
}

type redactionEntry struct {
	in  string
	out string
}

// NewRedactor precompiles the replacement patterns for the given keys.
func NewRedactor(keys []string, defaultEnabled bool) *Redactor {
	pairs := make([]string, 0, 2*len(keys))
	kept := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		kept = append(kept, k)
		pairs = append(pairs, k, RedactionPlaceholder)
	}
	return &Redactor{
		defaultOn: defaultEnabled,
		replacer:  strings.NewReplacer(pairs...),
		keys:      kept,
		cache:     make(map[string]*list.Element),
		order:     list.New(),
	}
}

// Enabled resolves the per-session override against the process default.
func (r *Redactor) Enabled(override *bool) bool {
	if override != nil {
		return *override
	}
	return r.defaultOn
}

// Apply redacts every text part of every message in place.
func (r *Redactor) Apply(req *canonical.Request, override *bool) {
	if !r.Enabled(override) || len(r.keys) == 0 {
		return
	}
	for i := range req.Messages {
		msg := &req.Messages[i]
		msg.Content.Text = r.redact(msg.Content.Text)
		for j := range msg.Content.Parts {
			msg.Content.Parts[j].Text = r.redact(msg.Content.Parts[j].Text)
		}
	}
}

func (r *Redactor) redact(text string) string {
	if text == "" {
		return text
	}
	if len(text) >= redactionCacheLimit {
		return r.replacer.Replace(text)
	}

	r.mu.Lock()
	if el, ok := r.cache[text]; ok {
		r.order.MoveToFront(el)
		out := el.Value.(redactionEntry).out
		r.mu.Unlock()
		return out
	}
	r.mu.Unlock()

	out := r.replacer.Replace(text)

	r.mu.Lock()
	if _, ok := r.cache[text]; !ok {
		r.cache[text] = r.order.PushFront(redactionEntry{in: text, out: out})
		if r.order.Len() > redactionCacheEntries {
			oldest := r.order.Back()
			r.order.Remove(oldest)
			delete(r.cache, oldest.Value.(redactionEntry).in)
		}
	}
	r.mu.Unlock()
	return out
}
