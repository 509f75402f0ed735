package command

import (
	"fmt"
	"sort"
	"strings"

	"github.com/matdev83/llm-interactive-proxy/internal/session"
)

// Result is the outcome of executing one command. NewSnapshot is nil when
// the command made no state change; Message becomes a command-confirmation
// line in the assembled response.
type Result struct {
	Success     bool
	Message     string
	NewSnapshot *session.Snapshot
}

// Env gives handlers read access to process-level facts. Handlers stay pure
// over (snapshot, args, env); side effects such as persistence happen in the
// session store, never here.
type Env struct {
	// CommandPrefix is echoed in help text.
	CommandPrefix string

	// DefaultBackend is the process default backend type.
	DefaultBackend string

	// FunctionalBackends lists backends whose credentials and model list
	// passed startup validation.
	FunctionalBackends func() []string

	// BackendModels returns the advertised model list of a backend, nil for
	// unknown backends.
	BackendModels func(backend string) []string

	// InteractiveAllowed is false when interactive mode is locked off at
	// the process level.
	InteractiveAllowed bool
}

// IsFunctional reports whether the named backend passed startup validation.
func (e *Env) IsFunctional(backend string) bool {
	for _, b := range e.FunctionalBackends() {
		if b == backend {
			return true
		}
	}
	return false
}

// HasModel reports whether the backend advertises the model.
func (e *Env) HasModel(backend, model string) bool {
	for _, m := range e.BackendModels(backend) {
		if m == model {
			return true
		}
	}
	return false
}

// Handler executes one command against the current snapshot.
type Handler func(env *Env, snap session.Snapshot, cmd *Parsed) Result

// Spec binds a command name to its handler and help line.
type Spec struct {
	Name    string
	Help    string
	Handler Handler
}

// Registry is the closed set of commands keyed by name. Aliases map to the
// same Spec value.
type Registry struct {
	specs map[string]*Spec
}

// NewRegistry builds the core command set.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[string]*Spec)}
	for _, s := range coreSpecs() {
		r.register(s)
	}
	r.installAliases()
	r.installHelp()
	return r
}

func (r *Registry) register(s *Spec) {
	r.specs[s.Name] = s
}

// alias installs an alternate name for an existing command.
func (r *Registry) alias(name, target string) {
	if s, ok := r.specs[target]; ok {
		r.specs[name] = s
	}
}

// Lookup returns the spec for name, or nil.
func (r *Registry) Lookup(name string) *Spec {
	return r.specs[name]
}

// Execute runs the named command, returning an "unknown command" failure for
// names outside the registry.
func (r *Registry) Execute(env *Env, snap session.Snapshot, cmd *Parsed) Result {
	spec := r.Lookup(cmd.Name)
	if spec == nil {
		return Result{Success: false, Message: fmt.Sprintf("%s: unknown command", cmd.Name)}
	}
	return spec.Handler(env, snap, cmd)
}

// HelpText renders the command listing, or detailed help for one command.
func (r *Registry) HelpText(prefix, name string) string {
	if name != "" {
		if s := r.Lookup(name); s != nil {
			return fmt.Sprintf("%s%s - %s", prefix, s.Name, s.Help)
		}
		return fmt.Sprintf("%s: unknown command", name)
	}

	seen := make(map[*Spec]bool)
	names := make([]string, 0, len(r.specs))
	for n, s := range r.specs {
		if n != s.Name || seen[s] {
			continue
		}
		seen[s] = true
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("available commands:\n")
	for _, n := range names {
		fmt.Fprintf(&b, "  %s%s - %s\n", prefix, n, r.specs[n].Help)
	}
	return strings.TrimRight(b.String(), "\n")
}
