package command

import (
	"fmt"
	"sort"
	"strings"

	"github.com/matdev83/llm-interactive-proxy/internal/canonical"
	"github.com/matdev83/llm-interactive-proxy/internal/session"
)

func coreSpecs() []*Spec {
	return []*Spec{
		{Name: "hello", Help: "request the banner on the next response", Handler: handleHello},
		{Name: "set", Help: "set session values: model, backend, project, project-dir, interactive-mode, temperature, reasoning-effort, thinking-budget, redact-keys", Handler: handleSet},
		{Name: "unset", Help: "clear session values, e.g. unset(model, project)", Handler: handleUnset},
		{Name: "oneoff", Help: "route the next request to backend/model once", Handler: handleOneoff},
		{Name: "create-failover-route", Help: "create an empty failover route: name=<n>, policy=k|m|km|mk", Handler: handleCreateRoute},
		{Name: "delete-failover-route", Help: "delete a failover route: name=<n>", Handler: handleDeleteRoute},
		{Name: "route-append", Help: "append an element to a route: name=<n>, element=<backend:model>", Handler: handleRouteAppend},
		{Name: "route-prepend", Help: "prepend an element to a route: name=<n>, element=<backend:model>", Handler: handleRoutePrepend},
		{Name: "route-clear", Help: "remove all elements of a route: name=<n>", Handler: handleRouteClear},
		{Name: "route-list", Help: "list the elements of a route: name=<n>", Handler: handleRouteList},
	}
}

// installAliases wires alternate spellings after core registration.
func (r *Registry) installAliases() {
	r.alias("one-off", "oneoff")
}

// installHelp adds the help command; it needs the registry itself.
func (r *Registry) installHelp() {
	r.register(&Spec{
		Name: "help",
		Help: "show this listing, or help for one command: help(cmd)",
		Handler: func(env *Env, snap session.Snapshot, cmd *Parsed) Result {
			name := cmd.Args["cmd"]
			if name == "" && len(cmd.Positional) > 0 {
				name = cmd.Positional[0]
			}
			return Result{Success: true, Message: r.HelpText(env.CommandPrefix, name)}
		},
	})
}

func handleHello(env *Env, snap session.Snapshot, cmd *Parsed) Result {
	out := snap.Clone()
	out.HelloRequested = true
	return Result{Success: true, Message: "hello acknowledged", NewSnapshot: &out}
}

// handleSet applies every recognized key to a working copy and publishes it
// only when all of them validated; a single failure discards the copy so no
// partial write is observable.
func handleSet(env *Env, snap session.Snapshot, cmd *Parsed) Result {
	if len(cmd.Args) == 0 {
		return Result{Success: false, Message: "set: no arguments given"}
	}

	out := snap.Clone()
	var applied []string

	keys := make([]string, 0, len(cmd.Args))
	for k := range cmd.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := cmd.Args[key]
		switch key {
		case "model":
			backend, model, hasBackend := canonical.SplitModelRef(value)
			if hasBackend && env.IsFunctional(backend) {
				if !env.HasModel(backend, model) {
					return Result{Success: false, Message: fmt.Sprintf("set: model %s not available on backend %s", model, backend)}
				}
				out.Backend.BackendType = backend
				out.Backend.Model = model
				applied = append(applied, fmt.Sprintf("model set to %s:%s", backend, model))
				continue
			}
			// Bare model name: validate against the session's backend.
			target := out.Backend.BackendType
			if target == "" {
				target = env.DefaultBackend
			}
			if !env.HasModel(target, value) {
				return Result{Success: false, Message: fmt.Sprintf("set: model %s not available on backend %s", value, target)}
			}
			out.Backend.Model = value
			applied = append(applied, fmt.Sprintf("model set to %s", value))

		case "backend":
			if !env.IsFunctional(value) {
				return Result{Success: false, Message: fmt.Sprintf("set: backend %s not functional", value)}
			}
			out.Backend.BackendType = value
			applied = append(applied, fmt.Sprintf("backend set to %s", value))

		case "project":
			out.Project = value
			applied = append(applied, fmt.Sprintf("project set to %s", value))

		case "project-dir":
			out.ProjectDir = value
			applied = append(applied, fmt.Sprintf("project-dir set to %s", value))

		case "interactive-mode":
			on, ok := cmd.Args.OnOff(key)
			if !ok {
				return Result{Success: false, Message: "set: interactive-mode must be on or off"}
			}
			if on && !env.InteractiveAllowed {
				return Result{Success: false, Message: "set: interactive mode is disabled on this proxy"}
			}
			if on && !out.Backend.InteractiveMode {
				out.InteractiveJustEnabled = true
			}
			out.Backend.InteractiveMode = on
			applied = append(applied, fmt.Sprintf("interactive-mode set to %v", onOffWord(on)))

		case "temperature":
			f, ok := cmd.Args.Float(key)
			if !ok || f < 0 || f > 2 {
				return Result{Success: false, Message: fmt.Sprintf("set: temperature %s is not a number in [0, 2]", value)}
			}
			out.Reasoning.Temperature = &f
			applied = append(applied, fmt.Sprintf("temperature set to %g", f))

		case "reasoning-effort":
			effort := strings.ToLower(value)
			if effort != "low" && effort != "medium" && effort != "high" {
				return Result{Success: false, Message: "set: reasoning-effort must be low, medium or high"}
			}
			out.Reasoning.ReasoningEffort = effort
			applied = append(applied, fmt.Sprintf("reasoning-effort set to %s", effort))

		case "thinking-budget":
			n, ok := cmd.Args.Int(key)
			if !ok || n < 0 {
				return Result{Success: false, Message: fmt.Sprintf("set: thinking-budget %s is not a non-negative integer", value)}
			}
			out.Reasoning.ThinkingBudget = &n
			applied = append(applied, fmt.Sprintf("thinking-budget set to %d", n))

		case "redact-keys":
			on, ok := cmd.Args.OnOff(key)
			if !ok {
				return Result{Success: false, Message: "set: redact-keys must be on or off"}
			}
			out.APIKeyRedactionOverride = &on
			applied = append(applied, fmt.Sprintf("redact-keys set to %s", onOffWord(on)))

		default:
			return Result{Success: false, Message: fmt.Sprintf("set: unknown setting %s", key)}
		}
	}

	return Result{Success: true, Message: strings.Join(applied, "; "), NewSnapshot: &out}
}

func handleUnset(env *Env, snap session.Snapshot, cmd *Parsed) Result {
	if len(cmd.Positional) == 0 && len(cmd.Args) == 0 {
		return Result{Success: false, Message: "unset: no keys given"}
	}

	keys := append([]string(nil), cmd.Positional...)
	for k := range cmd.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := snap.Clone()
	var cleared []string
	for _, key := range keys {
		switch key {
		case "model":
			out.Backend.Model = ""
		case "backend":
			out.Backend.BackendType = ""
		case "project":
			out.Project = ""
		case "project-dir":
			out.ProjectDir = ""
		case "temperature":
			out.Reasoning.Temperature = nil
		case "reasoning-effort":
			out.Reasoning.ReasoningEffort = ""
		case "thinking-budget":
			out.Reasoning.ThinkingBudget = nil
		case "redact-keys":
			out.APIKeyRedactionOverride = nil
		case "oneoff":
			out.Backend.OneoffBackend = ""
			out.Backend.OneoffModel = ""
		default:
			return Result{Success: false, Message: fmt.Sprintf("unset: unknown key %s", key)}
		}
		cleared = append(cleared, key)
	}

	return Result{Success: true, Message: fmt.Sprintf("unset: %s", strings.Join(cleared, ", ")), NewSnapshot: &out}
}

// handleOneoff records a single-use backend/model override. The element is
// split at the first separator so OpenRouter-style model names that contain
// colons survive, e.g. oneoff(openrouter/cypher-alpha:free).
func handleOneoff(env *Env, snap session.Snapshot, cmd *Parsed) Result {
	if len(cmd.Positional) != 1 {
		return Result{Success: false, Message: "oneoff: expected one backend/model argument"}
	}
	backend, model, ok := canonical.SplitModelRef(cmd.Positional[0])
	if !ok {
		return Result{Success: false, Message: fmt.Sprintf("oneoff: %s is not of the form backend/model", cmd.Positional[0])}
	}
	if !env.IsFunctional(backend) {
		return Result{Success: false, Message: fmt.Sprintf("oneoff: backend %s not functional", backend)}
	}
	if !env.HasModel(backend, model) {
		return Result{Success: false, Message: fmt.Sprintf("oneoff: model %s not available on backend %s", model, backend)}
	}
	out := snap.WithOneoff(backend, model)
	return Result{Success: true, Message: fmt.Sprintf("one-off route set to %s/%s", backend, model), NewSnapshot: &out}
}

func routeName(cmd *Parsed) string {
	if v := cmd.Args["name"]; v != "" {
		return v
	}
	if len(cmd.Positional) > 0 {
		return cmd.Positional[0]
	}
	return ""
}

func handleCreateRoute(env *Env, snap session.Snapshot, cmd *Parsed) Result {
	name := routeName(cmd)
	if name == "" {
		return Result{Success: false, Message: "create-failover-route: name is required"}
	}
	policy := strings.ToLower(cmd.Args["policy"])
	switch policy {
	case session.PolicyKeyFirst, session.PolicyModelFirst, session.PolicyKeyThenModel, session.PolicyModelThenKey:
	default:
		return Result{Success: false, Message: fmt.Sprintf("create-failover-route: policy must be one of k, m, km, mk (got %q)", policy)}
	}

	out := snap.Clone()
	if out.Backend.FailoverRoutes == nil {
		out.Backend.FailoverRoutes = make(map[string]session.FailoverRoute)
	}
	out.Backend.FailoverRoutes[name] = session.FailoverRoute{Policy: policy, Elements: []string{}}
	return Result{Success: true, Message: fmt.Sprintf("failover route %s created with policy %s", name, policy), NewSnapshot: &out}
}

func handleDeleteRoute(env *Env, snap session.Snapshot, cmd *Parsed) Result {
	name := routeName(cmd)
	if _, ok := snap.Backend.FailoverRoutes[name]; !ok {
		return Result{Success: false, Message: fmt.Sprintf("delete-failover-route: route %s does not exist", name)}
	}
	out := snap.Clone()
	delete(out.Backend.FailoverRoutes, name)
	return Result{Success: true, Message: fmt.Sprintf("failover route %s deleted", name), NewSnapshot: &out}
}

func validateRouteElement(env *Env, elem string) (string, bool) {
	backend, model, ok := canonical.SplitModelRef(elem)
	if !ok {
		return fmt.Sprintf("element %s is not of the form backend:model", elem), false
	}
	if !env.IsFunctional(backend) {
		return fmt.Sprintf("backend %s not functional", backend), false
	}
	if !env.HasModel(backend, model) {
		return fmt.Sprintf("model %s not available on backend %s", model, backend), false
	}
	return backend + ":" + model, true
}

func routeEdit(env *Env, snap session.Snapshot, cmd *Parsed, verb string, edit func(session.FailoverRoute, string) session.FailoverRoute) Result {
	name := routeName(cmd)
	route, ok := snap.Backend.FailoverRoutes[name]
	if !ok {
		return Result{Success: false, Message: fmt.Sprintf("%s: route %s does not exist", verb, name)}
	}
	elem := cmd.Args["element"]
	if elem == "" && len(cmd.Positional) > 1 {
		elem = cmd.Positional[1]
	}
	normalized, valid := validateRouteElement(env, elem)
	if !valid {
		return Result{Success: false, Message: fmt.Sprintf("%s: %s", verb, normalized)}
	}

	out := snap.Clone()
	out.Backend.FailoverRoutes[name] = edit(route, normalized)
	return Result{Success: true, Message: fmt.Sprintf("route %s: %s %s", name, verb[len("route-"):], normalized), NewSnapshot: &out}
}

func handleRouteAppend(env *Env, snap session.Snapshot, cmd *Parsed) Result {
	return routeEdit(env, snap, cmd, "route-append", func(r session.FailoverRoute, elem string) session.FailoverRoute {
		r.Elements = append(append([]string(nil), r.Elements...), elem)
		return r
	})
}

func handleRoutePrepend(env *Env, snap session.Snapshot, cmd *Parsed) Result {
	return routeEdit(env, snap, cmd, "route-prepend", func(r session.FailoverRoute, elem string) session.FailoverRoute {
		r.Elements = append([]string{elem}, r.Elements...)
		return r
	})
}

func handleRouteClear(env *Env, snap session.Snapshot, cmd *Parsed) Result {
	name := routeName(cmd)
	route, ok := snap.Backend.FailoverRoutes[name]
	if !ok {
		return Result{Success: false, Message: fmt.Sprintf("route-clear: route %s does not exist", name)}
	}
	out := snap.Clone()
	route.Elements = []string{}
	out.Backend.FailoverRoutes[name] = route
	return Result{Success: true, Message: fmt.Sprintf("route %s cleared", name), NewSnapshot: &out}
}

func handleRouteList(env *Env, snap session.Snapshot, cmd *Parsed) Result {
	name := routeName(cmd)
	route, ok := snap.Backend.FailoverRoutes[name]
	if !ok {
		return Result{Success: false, Message: fmt.Sprintf("route-list: route %s does not exist", name)}
	}
	if len(route.Elements) == 0 {
		return Result{Success: true, Message: fmt.Sprintf("route %s (policy %s): empty", name, route.Policy)}
	}
	return Result{Success: true, Message: fmt.Sprintf("route %s (policy %s): %s", name, route.Policy, strings.Join(route.Elements, ", "))}
}

func onOffWord(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
