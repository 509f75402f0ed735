// Package dispatch resolves a canonical request to a backend attempt
// sequence and drives connector calls with failover. Rate-limited and
// transient failures advance to the next attempt; terminal failures stop
// immediately. Streaming dispatch never fails over once a chunk has been
// forwarded downstream.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/config"
	"github.com/matdev83/llm-interactive-proxy/internal/connector"
	"github.com/matdev83/llm-interactive-proxy/internal/interfaces"
	"github.com/matdev83/llm-interactive-proxy/internal/ratelimit"
	"github.com/matdev83/llm-interactive-proxy/internal/session"
	log "github.com/sirupsen/logrus"
)

// attempt is one concrete (backend, model, key) dispatch candidate.
type attempt struct {
	backend string
	model   string
	key     connector.Key
}

// Dispatcher owns the connectors and the failover logic.
type Dispatcher struct {
	Connectors map[string]connector.Connector
	Limits     *ratelimit.Registry
	Store      *session.Store

	// DefaultBackend is used when neither request nor session names one.
	DefaultBackend string

	// ModelDefaults maps "<backend>:<model>" or a bare model name to
	// config-file reasoning defaults, the lowest-precedence parameter tier.
	ModelDefaults map[string]config.ModelDefaults

	// ProcessRoutes are the config-defined failover routes shared by all
	// sessions; session routes shadow them by name.
	ProcessRoutes func() map[string]session.FailoverRoute
}

func (d *Dispatcher) connector(backend string) connector.Connector {
	c, ok := d.Connectors[backend]
	if !ok || !connector.Functional(c) {
		return nil
	}
	return c
}

// resolveTarget applies the resolution order: oneoff, request backend
// prefix, session pair, process default.
func (d *Dispatcher) resolveTarget(req *canonical.Request, snap session.Snapshot) (backend, model string, oneoff bool) {
	bc := snap.Backend
	if bc.OneoffBackend != "" && bc.OneoffModel != "" {
		return bc.OneoffBackend, bc.OneoffModel, true
	}
	if b, m, ok := canonical.SplitModelRef(req.Model); ok {
		if _, known := d.Connectors[b]; known {
			return b, m, false
		}
	}
	if bc.BackendType != "" && bc.Model != "" {
		return bc.BackendType, bc.Model, false
	}
	backend = bc.BackendType
	if backend == "" {
		backend = d.DefaultBackend
	}
	return backend, req.Model, false
}

// lookupRoute finds a failover route by name, session routes first.
func (d *Dispatcher) lookupRoute(snap session.Snapshot, name string) (session.FailoverRoute, bool) {
	if route, ok := snap.Backend.FailoverRoutes[name]; ok {
		return route, true
	}
	if d.ProcessRoutes != nil {
		if route, ok := d.ProcessRoutes()[name]; ok {
			return route, true
		}
	}
	return session.FailoverRoute{}, false
}

// attempts expands the resolved target into the ordered candidate list.
func (d *Dispatcher) attempts(req *canonical.Request, snap session.Snapshot) ([]attempt, error) {
	backend, model, _ := d.resolveTarget(req, snap)

	if route, ok := d.lookupRoute(snap, model); ok {
		return d.expandRoute(route)
	}

	c := d.connector(backend)
	if c == nil {
		return nil, interfaces.NewError(interfaces.KindUnknownModel, http.StatusBadRequest, "backend %s is not functional", backend)
	}
	keys := c.Keys()
	out := make([]attempt, 0, len(keys))
	for _, key := range keys {
		out = append(out, attempt{backend: backend, model: model, key: key})
	}
	return out, nil
}

// expandRoute orders the route's elements into concrete attempts according
// to the policy. Elements naming non-functional backends are skipped.
func (d *Dispatcher) expandRoute(route session.FailoverRoute) ([]attempt, error) {
	type element struct {
		backend string
		model   string
		keys    []connector.Key
	}
	var elements []element
	for _, ref := range route.Elements {
		b, m, ok := canonical.SplitModelRef(ref)
		if !ok {
			continue
		}
		c := d.connector(b)
		if c == nil {
			log.Warnf("failover route element %s skipped: backend not functional", ref)
			continue
		}
		elements = append(elements, element{backend: b, model: m, keys: c.Keys()})
	}
	if len(elements) == 0 {
		return nil, interfaces.NewError(interfaces.KindAllBackendsUnavailable, http.StatusServiceUnavailable, "failover route has no usable elements")
	}

	var out []attempt
	switch route.Policy {
	case session.PolicyModelFirst:
		// Round-robin: key index r across all elements before r+1.
		maxKeys := 0
		for _, e := range elements {
			if len(e.keys) > maxKeys {
				maxKeys = len(e.keys)
			}
		}
		for r := 0; r < maxKeys; r++ {
			for _, e := range elements {
				if r < len(e.keys) {
					out = append(out, attempt{backend: e.backend, model: e.model, key: e.keys[r]})
				}
			}
		}

	case session.PolicyKeyThenModel:
		// Within a run of elements sharing a backend, exhaust the run's
		// models under one key before advancing to the next key.
		for i := 0; i < len(elements); {
			j := i
			for j < len(elements) && elements[j].backend == elements[i].backend {
				j++
			}
			for _, key := range elements[i].keys {
				for _, e := range elements[i:j] {
					out = append(out, attempt{backend: e.backend, model: e.model, key: key})
				}
			}
			i = j
		}

	default:
		// k and mk: element order outer, that backend's keys inner.
		for _, e := range elements {
			for _, key := range e.keys {
				out = append(out, attempt{backend: e.backend, model: e.model, key: key})
			}
		}
	}
	return out, nil
}

// applyRequestDefaults folds reasoning knobs into the request in precedence
// order: direct request parameters stay untouched, session settings fill the
// gaps, and config-file model defaults for the resolved target fill whatever
// is still unset.
func (d *Dispatcher) applyRequestDefaults(req *canonical.Request, snap session.Snapshot, backend, model string) {
	r := snap.Reasoning
	applyReasoning(req, r.Temperature, r.ReasoningEffort, r.ThinkingBudget)
	if md, ok := d.modelDefaults(backend, model); ok {
		applyReasoning(req, md.Temperature, md.ReasoningEffort, md.ThinkingBudget)
	}
}

// modelDefaults looks up per-model config defaults, the prefixed form first.
func (d *Dispatcher) modelDefaults(backend, model string) (config.ReasoningDefaults, bool) {
	if md, ok := d.ModelDefaults[backend+":"+model]; ok {
		return md.Reasoning, true
	}
	if md, ok := d.ModelDefaults[model]; ok {
		return md.Reasoning, true
	}
	return config.ReasoningDefaults{}, false
}

func applyReasoning(req *canonical.Request, temperature *float64, effort string, budget *int) {
	if req.Temperature == nil && temperature != nil {
		t := *temperature
		req.Temperature = &t
	}
	if effort != "" {
		if _, set := req.ExtraBody["reasoning_effort"]; !set {
			setExtra(req, "reasoning_effort", effort)
		}
	}
	if budget != nil {
		if _, set := req.ExtraBody["thinking_budget"]; !set {
			setExtra(req, "thinking_budget", *budget)
		}
	}
}

func setExtra(req *canonical.Request, key string, value any) {
	if req.ExtraBody == nil {
		req.ExtraBody = make(map[string]json.RawMessage)
	}
	raw, _ := json.Marshal(value)
	req.ExtraBody[key] = raw
}

// clearOneoff drops the session's one-off override once an attempt has been
// initiated.
func (d *Dispatcher) clearOneoff(sessionID string) {
	if d.Store == nil {
		return
	}
	d.Store.Update(sessionID, func(snap session.Snapshot) session.Snapshot {
		return snap.ClearOneoff()
	})
}

// blocked consults the registry before an attempt.
func (d *Dispatcher) blocked(a attempt) bool {
	if d.Limits == nil {
		return false
	}
	return d.Limits.Get(a.backend, a.model, a.key.Name) != nil
}

func (d *Dispatcher) record(a attempt, err *interfaces.ProxyError) {
	if d.Limits == nil {
		return
	}
	d.Limits.Set(a.backend, a.model, a.key.Name, err.RetryAfter)
}

// allUnavailable builds the terminal error carrying the earliest retry hint.
func (d *Dispatcher) allUnavailable() error {
	perr := interfaces.NewError(interfaces.KindAllBackendsUnavailable, http.StatusServiceUnavailable, "all backends unavailable")
	if d.Limits != nil {
		if earliest := d.Limits.NextAvailable(); earliest != nil {
			perr.RetryAfter = time.Until(*earliest)
			if perr.RetryAfter < 0 {
				perr.RetryAfter = 0
			}
		}
	}
	return perr
}

// Dispatch performs a unary completion across the attempt sequence.
// Returns the response together with the backend and model that served it.
func (d *Dispatcher) Dispatch(ctx context.Context, req *canonical.Request, snap session.Snapshot) (*canonical.Response, string, string, error) {
	candidates, err := d.attempts(req, snap)
	if err != nil {
		return nil, "", "", err
	}
	targetBackend, targetModel, oneoff := d.resolveTarget(req, snap)

	d.applyRequestDefaults(req, snap, targetBackend, targetModel)

	initiated := false
	for _, a := range candidates {
		if d.blocked(a) {
			continue
		}
		c := d.connector(a.backend)
		if c == nil {
			continue
		}

		if oneoff && !initiated {
			d.clearOneoff(req.SessionID)
		}
		initiated = true

		resp, callErr := c.ChatCompletions(ctx, req, a.model, a.key)
		if callErr == nil {
			return resp, a.backend, a.model, nil
		}

		var perr *interfaces.ProxyError
		if !errors.As(callErr, &perr) {
			perr = interfaces.NewError(interfaces.KindTransient, http.StatusBadGateway, "%v", callErr)
		}
		switch perr.Kind {
		case interfaces.KindRateLimited:
			log.Debugf("dispatch: %s:%s key %s rate limited for %s", a.backend, a.model, a.key.Name, perr.RetryAfter)
			d.record(a, perr)
		case interfaces.KindTransient:
			log.Debugf("dispatch: %s:%s transient failure: %v", a.backend, a.model, perr)
		default:
			return nil, "", "", perr
		}
	}
	return nil, "", "", d.allUnavailable()
}

// DispatchStream performs a streaming completion. forward is called for each
// chunk; once it has been called, no further failover occurs and any
// mid-stream error is returned as-is. Returns the serving backend and model.
func (d *Dispatcher) DispatchStream(ctx context.Context, req *canonical.Request, snap session.Snapshot, forward func(*canonical.Response) error) (string, string, error) {
	candidates, err := d.attempts(req, snap)
	if err != nil {
		return "", "", err
	}
	targetBackend, targetModel, oneoff := d.resolveTarget(req, snap)

	d.applyRequestDefaults(req, snap, targetBackend, targetModel)

	initiated := false
	for _, a := range candidates {
		if d.blocked(a) {
			continue
		}
		c := d.connector(a.backend)
		if c == nil {
			continue
		}

		if oneoff && !initiated {
			d.clearOneoff(req.SessionID)
		}
		initiated = true

		dataChan, errChan := c.StreamChatCompletions(ctx, req, a.model, a.key)

		committed := false
		var streamErr error
	consume:
		for {
			select {
			case chunk, open := <-dataChan:
				if !open {
					dataChan = nil
					if errChan == nil {
						break consume
					}
					continue
				}
				committed = true
				if fwdErr := forward(chunk); fwdErr != nil {
					return a.backend, a.model, fwdErr
				}
			case chanErr, open := <-errChan:
				if !open {
					errChan = nil
					if dataChan == nil {
						break consume
					}
					continue
				}
				streamErr = chanErr
			case <-ctx.Done():
				return a.backend, a.model, interfaces.NewError(interfaces.KindCancelled, 499, "client disconnected")
			}
		}

		if streamErr == nil {
			return a.backend, a.model, nil
		}
		if committed {
			// Bytes already went downstream; surface the error without
			// retrying into a second backend.
			return a.backend, a.model, streamErr
		}

		var perr *interfaces.ProxyError
		if !errors.As(streamErr, &perr) {
			perr = interfaces.NewError(interfaces.KindTransient, http.StatusBadGateway, "%v", streamErr)
		}
		switch perr.Kind {
		case interfaces.KindRateLimited:
			log.Debugf("dispatch: %s:%s key %s rate limited for %s", a.backend, a.model, a.key.Name, perr.RetryAfter)
			d.record(a, perr)
		case interfaces.KindTransient:
			log.Debugf("dispatch: %s:%s transient failure: %v", a.backend, a.model, perr)
		default:
			return "", "", perr
		}
	}
	return "", "", d.allUnavailable()
}
