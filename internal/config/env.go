package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// applyEnvOverrides layers startup-only environment variables over the file
// configuration. Variables are read once; later changes to the environment
// have no effect on a running process.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLM_BACKEND"); v != "" {
		cfg.DefaultBackend = v
	}
	if v := os.Getenv("PROXY_HOST"); v != "" {
		cfg.Host = v
	}
	if v, ok := envInt("PROXY_PORT"); ok {
		cfg.Port = v
	}
	if v, ok := envInt("PROXY_TIMEOUT"); ok {
		cfg.TimeoutSeconds = v
	}
	if v := os.Getenv("COMMAND_PREFIX"); v != "" {
		cfg.CommandPrefix = v
	}
	if v, ok := envBool("DISABLE_INTERACTIVE_MODE"); ok {
		cfg.InteractiveMode = !v
	}
	if v, ok := envBool("REDACT_API_KEYS_IN_PROMPTS"); ok {
		cfg.RedactAPIKeysInPrompts = v
	}
	if v, ok := envBool("DISABLE_AUTH"); ok {
		cfg.DisableAuth = v
	}
	if v, ok := envBool("FORCE_SET_PROJECT"); ok {
		cfg.ForceSetProject = v
	}
	if v, ok := envBool("DISABLE_INTERACTIVE_COMMANDS"); ok {
		cfg.DisableInteractiveCommands = v
	}
	if v, ok := envInt("FORCE_CONTEXT_WINDOW"); ok {
		cfg.ForceContextWindow = v
	}
	if v, ok := envInt("THINKING_BUDGET"); ok {
		cfg.ThinkingBudget = v
	}

	if keys := collectNumberedKeys("OPENROUTER_API_KEY"); len(keys) > 0 {
		cfg.OpenRouter.APIKeys = keys
	}
	if keys := collectNumberedKeys("GEMINI_API_KEY"); len(keys) > 0 {
		cfg.Gemini.APIKeys = keys
	}
	if v := os.Getenv("OPENROUTER_API_BASE_URL"); v != "" {
		cfg.OpenRouter.BaseURL = v
	}
	if v := os.Getenv("GEMINI_API_BASE_URL"); v != "" {
		cfg.Gemini.BaseURL = v
	}
}

// collectNumberedKeys gathers VAR_1..VAR_N style keys. If any numbered
// variant exists the unnumbered one is ignored; otherwise the unnumbered
// value is used when present.
func collectNumberedKeys(name string) []string {
	var numbered []string
	for i := 1; ; i++ {
		v := os.Getenv(fmt.Sprintf("%s_%d", name, i))
		if v == "" {
			break
		}
		numbered = append(numbered, v)
	}
	if len(numbered) > 0 {
		return numbered
	}
	if v := os.Getenv(name); v != "" {
		return []string{v}
	}
	return nil
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("config: %s=%q is not an integer, ignored", name, v)
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	log.Warnf("config: %s=%q is not a boolean, ignored", name, v)
	return false, false
}
