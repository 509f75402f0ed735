// Package config provides configuration management for the LLM interactive
// proxy. It loads a JSON (or YAML) configuration file once at startup,
// applies environment variable overrides, and validates failover routes
// against the functional backends' advertised model lists.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Backend type identifiers known to this process.
const (
	BackendOpenRouter = "openrouter"
	BackendGemini     = "gemini"
	BackendGeminiCLI  = "gemini-cli-oauth"
)

// DefaultCommandPrefix introduces an in-band command when the config does
// not override it.
const DefaultCommandPrefix = "!/"

// Config represents the application's configuration, loaded from a JSON or
// YAML file with environment variable overrides applied on top.
type Config struct {
	// Host and Port define the listen address of the proxy server.
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`

	// TimeoutSeconds bounds each upstream HTTP call.
	TimeoutSeconds int `json:"proxy_timeout" yaml:"proxy_timeout"`

	// Debug switches logrus to debug level.
	Debug bool `json:"debug" yaml:"debug"`

	// DefaultBackend is used when neither the session nor the request names
	// a backend.
	DefaultBackend string `json:"default_backend" yaml:"default_backend"`

	// InteractiveMode enables banners and command confirmations by default
	// for new sessions.
	InteractiveMode bool `json:"interactive_mode" yaml:"interactive_mode"`

	// RedactAPIKeysInPrompts enables the request-side key redaction
	// middleware by default.
	RedactAPIKeysInPrompts bool `json:"redact_api_keys_in_prompts" yaml:"redact_api_keys_in_prompts"`

	// CommandPrefix is the token that introduces an in-band command.
	CommandPrefix string `json:"command_prefix" yaml:"command_prefix"`

	// DisableAuth turns off client authentication entirely.
	DisableAuth bool `json:"disable_auth" yaml:"disable_auth"`

	// DisableInteractiveCommands makes the interpreter ignore all commands.
	DisableInteractiveCommands bool `json:"disable_interactive_commands" yaml:"disable_interactive_commands"`

	// ForceSetProject rejects dispatch until the session has a project set.
	ForceSetProject bool `json:"force_set_project" yaml:"force_set_project"`

	// ForceContextWindow overrides the advertised context window when > 0.
	ForceContextWindow int `json:"force_context_window" yaml:"force_context_window"`

	// ThinkingBudget is the default thinking budget applied to sessions.
	ThinkingBudget int `json:"thinking_budget" yaml:"thinking_budget"`

	// APIKeys authenticate clients of this proxy. Entries starting with the
	// bcrypt prefix "$2" are treated as hashes.
	APIKeys []string `json:"api_keys" yaml:"api_keys"`

	// ProxyURL routes outbound requests through a socks5:// or http(s)://
	// proxy when set.
	ProxyURL string `json:"proxy_url" yaml:"proxy_url"`

	// LoggingToFile switches logrus output to a rotating file under logs/.
	LoggingToFile bool `json:"logging_to_file" yaml:"logging_to_file"`

	// SessionPersistencePath enables the bbolt-backed session store when
	// non-empty.
	SessionPersistencePath string `json:"session_persistence_path" yaml:"session_persistence_path"`

	// SessionMaxAgeSeconds expires idle sessions during cleanup; 0 disables.
	SessionMaxAgeSeconds int `json:"session_max_age_seconds" yaml:"session_max_age_seconds"`

	// OpenRouter and Gemini hold API-key backend credentials.
	OpenRouter BackendKeys `json:"openrouter" yaml:"openrouter"`
	Gemini     BackendKeys `json:"gemini" yaml:"gemini"`

	// GeminiCLI configures the OAuth-based Gemini CLI backend.
	GeminiCLI GeminiCLIConfig `json:"gemini_cli_oauth" yaml:"gemini_cli_oauth"`

	// OpenAICompatibility defines additional OpenAI-compatible backends.
	OpenAICompatibility []OpenAICompatibility `json:"openai_compatibility" yaml:"openai_compatibility"`

	// ModelDefaults maps "<backend>:<model>" or "<model>" to per-model
	// defaults applied at dispatch when neither the request nor the session
	// sets them.
	ModelDefaults map[string]ModelDefaults `json:"model_defaults" yaml:"model_defaults"`

	// FailoverRoutes is the shared route template copied into new sessions.
	FailoverRoutes map[string]FailoverRouteConfig `json:"failover_routes" yaml:"failover_routes"`

	// LoopDetection holds the streaming loop detector defaults.
	LoopDetection LoopDetectionSettings `json:"loop_detection" yaml:"loop_detection"`
}

// BackendKeys holds the credentials for an API-key backend. Keys are named
// key-1..key-N in declaration order for rate-limit bookkeeping.
type BackendKeys struct {
	APIKeys []string `json:"api_keys" yaml:"api_keys"`
	BaseURL string   `json:"base_url" yaml:"base_url"`
}

// GeminiCLIConfig configures the OAuth Gemini backend, including the daily
// request counter persisted across restarts.
type GeminiCLIConfig struct {
	// CredentialsFile is the path to the OAuth token JSON obtained out of
	// band; credential acquisition is not part of this process.
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`

	// ProjectID is the Google Cloud project billed for requests.
	ProjectID string `json:"project_id" yaml:"project_id"`

	// DailyLimit caps requests per Pacific-time day; 0 disables the cap.
	DailyLimit int `json:"daily_limit" yaml:"daily_limit"`

	// CounterPath is where the daily counter JSON state is persisted.
	CounterPath string `json:"counter_path" yaml:"counter_path"`

	BaseURL string `json:"base_url" yaml:"base_url"`
}

// OpenAICompatibility defines an external OpenAI-compatible backend
// reachable under its configured name.
type OpenAICompatibility struct {
	Name    string   `json:"name" yaml:"name"`
	BaseURL string   `json:"base_url" yaml:"base_url"`
	APIKeys []string `json:"api_keys" yaml:"api_keys"`
	Models  []string `json:"models" yaml:"models"`
}

// ModelDefaults carries per-model reasoning defaults.
type ModelDefaults struct {
	Reasoning ReasoningDefaults `json:"reasoning" yaml:"reasoning"`
}

// ReasoningDefaults mirrors the session reasoning knobs.
type ReasoningDefaults struct {
	Temperature     *float64 `json:"temperature" yaml:"temperature"`
	ReasoningEffort string   `json:"reasoning_effort" yaml:"reasoning_effort"`
	ThinkingBudget  *int     `json:"thinking_budget" yaml:"thinking_budget"`
}

// FailoverRouteConfig is the config-file shape of a failover route.
type FailoverRouteConfig struct {
	// Policy is one of k, m, km, mk.
	Policy string `json:"policy" yaml:"policy"`

	// Elements are ordered "<backend>:<model>" entries.
	Elements []string `json:"elements" yaml:"elements"`
}

// LoopDetectionSettings holds the streaming loop detector defaults applied
// to new sessions.
type LoopDetectionSettings struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	BufferSize         int    `json:"buffer_size" yaml:"buffer_size"`
	MinPatternLength   int    `json:"min_pattern_length" yaml:"min_pattern_length"`
	MaxPatternLength   int    `json:"max_pattern_length" yaml:"max_pattern_length"`
	MinRepetitions     int    `json:"min_repetitions" yaml:"min_repetitions"`
	ToolLoopMaxRepeats int    `json:"tool_loop_max_repeats" yaml:"tool_loop_max_repeats"`
	ToolLoopTTLSeconds int    `json:"tool_loop_ttl_seconds" yaml:"tool_loop_ttl_seconds"`
	ToolLoopMode       string `json:"tool_loop_mode" yaml:"tool_loop_mode"`
}

// LoadConfig reads the configuration file at the given path, unmarshals it
// (JSON by default, YAML for .yaml/.yml), warns about unknown keys, applies
// environment variable overrides, and fills defaults.
func LoadConfig(configFile string) (*Config, error) {
	var cfg Config

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(configFile)) {
		case ".yaml", ".yml":
			if err = yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		default:
			if err = json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			warnUnknownKeys(data)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills zero values with process defaults.
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 300
	}
	if cfg.DefaultBackend == "" {
		cfg.DefaultBackend = BackendOpenRouter
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = DefaultCommandPrefix
	}
	ld := &cfg.LoopDetection
	if ld.BufferSize == 0 {
		ld.BufferSize = 16 * 1024
	}
	if ld.MinPatternLength == 0 {
		ld.MinPatternLength = 8
	}
	if ld.MaxPatternLength == 0 {
		ld.MaxPatternLength = 256
	}
	if ld.MinRepetitions == 0 {
		ld.MinRepetitions = 3
	}
	if ld.ToolLoopMaxRepeats == 0 {
		ld.ToolLoopMaxRepeats = 4
	}
	if ld.ToolLoopTTLSeconds == 0 {
		ld.ToolLoopTTLSeconds = 120
	}
	if ld.ToolLoopMode == "" {
		ld.ToolLoopMode = "break"
	}
}

// warnUnknownKeys logs a warning for every top-level key in the raw JSON
// document that does not correspond to a known config field.
func warnUnknownKeys(data []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	known := knownConfigKeys()
	for key := range raw {
		if _, ok := known[key]; !ok {
			log.Warnf("config: unknown key %q ignored", key)
		}
	}
}

func knownConfigKeys() map[string]struct{} {
	known := make(map[string]struct{})
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		known[strings.Split(tag, ",")[0]] = struct{}{}
	}
	return known
}

// ValidateFailoverRoutes drops route elements whose backend is not
// functional or whose model is absent from that backend's advertised model
// list, warning per dropped element. models maps backend name to its
// advertised models. The routes map is modified in place and returned.
func ValidateFailoverRoutes(routes map[string]FailoverRouteConfig, models map[string][]string) map[string]FailoverRouteConfig {
	for name, route := range routes {
		kept := route.Elements[:0]
		for _, elem := range route.Elements {
			backend, model, ok := SplitRouteElement(elem)
			if !ok {
				log.Warnf("config: route %q element %q is not of the form backend:model, dropped", name, elem)
				continue
			}
			advertised, functional := models[backend]
			if !functional {
				log.Warnf("config: route %q element %q references unknown backend %q, dropped", name, elem, backend)
				continue
			}
			if !containsModel(advertised, model) {
				log.Warnf("config: route %q element %q references model %q not advertised by %q, dropped", name, elem, model, backend)
				continue
			}
			kept = append(kept, elem)
		}
		route.Elements = kept
		routes[name] = route
	}
	return routes
}

// SplitRouteElement splits a "backend:model" route element.
func SplitRouteElement(elem string) (backend, model string, ok bool) {
	i := strings.Index(elem, ":")
	if i <= 0 || i == len(elem)-1 {
		return "", "", false
	}
	return elem[:i], elem[i+1:], true
}

func containsModel(models []string, model string) bool {
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}
