// Package session holds per-session proxy state as immutable snapshots. A
// snapshot is never mutated in place: every transition produces a new value
// published atomically through the store, so a reader holding an older
// snapshot is never invalidated by a concurrent writer.
package session

// Failover route policies governing attempt order within a route.
const (
	PolicyKeyFirst     = "k"
	PolicyModelFirst   = "m"
	PolicyKeyThenModel = "km"
	PolicyModelThenKey = "mk"
)

// FailoverRoute is a named ordered list of "backend:model" elements with an
// attempt-ordering policy.
type FailoverRoute struct {
	Policy   string   `json:"policy"`
	Elements []string `json:"elements"`
}

// clone returns a deep copy of the route.
func (r FailoverRoute) clone() FailoverRoute {
	out := r
	out.Elements = append([]string(nil), r.Elements...)
	return out
}

// BackendConfig selects the backend and model used for dispatch, including
// single-use overrides and failover routes.
type BackendConfig struct {
	BackendType     string                   `json:"backend_type,omitempty"`
	Model           string                   `json:"model,omitempty"`
	APIURL          string                   `json:"api_url,omitempty"`
	OpenAIURL       string                   `json:"openai_url,omitempty"`
	OneoffBackend   string                   `json:"oneoff_backend,omitempty"`
	OneoffModel     string                   `json:"oneoff_model,omitempty"`
	InvalidOverride bool                     `json:"invalid_override,omitempty"`
	FailoverRoutes  map[string]FailoverRoute `json:"failover_routes,omitempty"`
	InteractiveMode bool                     `json:"interactive_mode"`
}

// ReasoningConfig carries per-session generation defaults. Direct request
// parameters override these; these override config-file model defaults.
type ReasoningConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	ReasoningEffort string   `json:"reasoning_effort,omitempty"`
	ThinkingBudget  *int     `json:"thinking_budget,omitempty"`
}

// LoopDetectionConfig carries the per-session loop detector settings.
type LoopDetectionConfig struct {
	Enabled            bool   `json:"enabled"`
	BufferSize         int    `json:"buffer_size"`
	MinPatternLength   int    `json:"min_pattern_length"`
	MaxPatternLength   int    `json:"max_pattern_length"`
	MinRepetitions     int    `json:"min_repetitions"`
	ToolLoopMaxRepeats int    `json:"tool_loop_max_repeats"`
	ToolLoopTTLSeconds int    `json:"tool_loop_ttl_seconds"`
	ToolLoopMode       string `json:"tool_loop_mode"`
}

// Snapshot is the immutable value representing all per-session configuration
// at a point in time.
type Snapshot struct {
	Backend       BackendConfig       `json:"backend"`
	Reasoning     ReasoningConfig     `json:"reasoning"`
	LoopDetection LoopDetectionConfig `json:"loop_detection"`

	Project    string `json:"project,omitempty"`
	ProjectDir string `json:"project_dir,omitempty"`
	Agent      string `json:"agent,omitempty"`

	HelloRequested         bool `json:"hello_requested,omitempty"`
	InteractiveJustEnabled bool `json:"interactive_just_enabled,omitempty"`
	IsClineAgent           bool `json:"is_cline_agent,omitempty"`
	BannerShown            bool `json:"banner_shown,omitempty"`

	// APIKeyRedactionOverride overrides the process default when non-nil.
	APIKeyRedactionOverride *bool `json:"api_key_redaction_override,omitempty"`
}

// Clone returns a deep copy of the snapshot; transitions mutate the copy and
// publish it, leaving the original untouched.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Backend.FailoverRoutes != nil {
		routes := make(map[string]FailoverRoute, len(s.Backend.FailoverRoutes))
		for name, route := range s.Backend.FailoverRoutes {
			routes[name] = route.clone()
		}
		out.Backend.FailoverRoutes = routes
	}
	if s.Reasoning.Temperature != nil {
		v := *s.Reasoning.Temperature
		out.Reasoning.Temperature = &v
	}
	if s.Reasoning.ThinkingBudget != nil {
		v := *s.Reasoning.ThinkingBudget
		out.Reasoning.ThinkingBudget = &v
	}
	if s.APIKeyRedactionOverride != nil {
		v := *s.APIKeyRedactionOverride
		out.APIKeyRedactionOverride = &v
	}
	return out
}

// WithOneoff returns a snapshot with the single-use backend/model override
// set. It is consumed by ClearOneoff after the next dispatch attempt.
func (s Snapshot) WithOneoff(backend, model string) Snapshot {
	out := s.Clone()
	out.Backend.OneoffBackend = backend
	out.Backend.OneoffModel = model
	return out
}

// ClearOneoff returns a snapshot with the oneoff override consumed.
func (s Snapshot) ClearOneoff() Snapshot {
	out := s.Clone()
	out.Backend.OneoffBackend = ""
	out.Backend.OneoffModel = ""
	return out
}
