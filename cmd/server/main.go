// Command server runs the LLM interactive proxy: an OpenAI, Anthropic, and
// Gemini compatible HTTP front that routes chat completions to configured
// upstream backends, interprets in-band session commands, and applies
// failover and loop detection along the way.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/matdev83/llm-interactive-proxy/internal/api"
	"github.com/matdev83/llm-interactive-proxy/internal/assembler"
	"github.com/matdev83/llm-interactive-proxy/internal/command"
	"github.com/matdev83/llm-interactive-proxy/internal/config"
	"github.com/matdev83/llm-interactive-proxy/internal/connector"
	"github.com/matdev83/llm-interactive-proxy/internal/dispatch"
	"github.com/matdev83/llm-interactive-proxy/internal/logging"
	"github.com/matdev83/llm-interactive-proxy/internal/middleware"
	"github.com/matdev83/llm-interactive-proxy/internal/ratelimit"
	"github.com/matdev83/llm-interactive-proxy/internal/registry"
	"github.com/matdev83/llm-interactive-proxy/internal/session"
	"github.com/matdev83/llm-interactive-proxy/internal/util"
	"github.com/matdev83/llm-interactive-proxy/internal/watcher"
	log "github.com/sirupsen/logrus"
)

const sessionCleanupInterval = time.Minute

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.json", "path to the configuration file")
	flag.Parse()

	logging.Setup()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetLogLevel(cfg.Debug)
	if err = logging.ConfigureOutput(cfg.LoggingToFile); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	api.EnsureAPIKeys(cfg)

	httpClient := util.SetProxy(cfg.ProxyURL, &http.Client{
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectors := buildConnectors(ctx, cfg, httpClient)
	reg := buildRegistry(connectors)

	functional := functionalBackends(connectors)
	if len(functional) == 0 {
		log.Fatal("no functional backends; configure at least one backend with credentials")
	}
	log.Infof("functional backends: %v", functional)

	// Route elements naming non-functional backends or unknown models are
	// dropped up front so dispatch never sees them.
	cfg.FailoverRoutes = config.ValidateFailoverRoutes(cfg.FailoverRoutes, backendModelMap(connectors))

	var routesMu sync.RWMutex
	processRoutes := toSessionRoutes(cfg.FailoverRoutes)
	getRoutes := func() map[string]session.FailoverRoute {
		routesMu.RLock()
		defer routesMu.RUnlock()
		return processRoutes
	}

	defaults := snapshotDefaults(cfg)
	var store *session.Store
	var boltStore *session.BoltStore
	if cfg.SessionPersistencePath != "" {
		boltStore, err = session.OpenBoltStore(cfg.SessionPersistencePath, defaults)
		if err != nil {
			log.Fatalf("failed to open session persistence: %v", err)
		}
		store = boltStore.Store
		log.Infof("session persistence enabled: %s (%d sessions restored)", cfg.SessionPersistencePath, store.Len())
	} else {
		store = session.NewStore(defaults)
	}

	accounting := middleware.NewAsyncSink(middleware.LogSink{}, 1024)

	env := &command.Env{
		CommandPrefix:      cfg.CommandPrefix,
		DefaultBackend:     cfg.DefaultBackend,
		FunctionalBackends: func() []string { return functionalBackends(connectors) },
		BackendModels:      reg.ModelIDs,
		InteractiveAllowed: !cfg.DisableInteractiveCommands,
	}

	pipeline := &api.Pipeline{
		Cfg:      cfg,
		Store:    store,
		Redactor: buildRedactor(cfg),
		Leak:     middleware.NewCommandLeakFilter(cfg.CommandPrefix),
		Processor: &command.Processor{
			Parser:   command.NewParser(cfg.CommandPrefix),
			Registry: command.NewRegistry(),
			Store:    store,
			Env:      env,
			Disabled: cfg.DisableInteractiveCommands,
		},
		Dispatcher: &dispatch.Dispatcher{
			Connectors:     connectors,
			Limits:         ratelimit.NewRegistry(),
			Store:          store,
			DefaultBackend: cfg.DefaultBackend,
			ModelDefaults:  cfg.ModelDefaults,
			ProcessRoutes:  getRoutes,
		},
		Assembler: &assembler.Assembler{
			Prefix: cfg.CommandPrefix,
			Store:  store,
			Backends: func() []assembler.BackendInfo {
				var out []assembler.BackendInfo
				for name, c := range connectors {
					if !connector.Functional(c) {
						continue
					}
					out = append(out, assembler.BackendInfo{Name: name, Keys: len(c.Keys()), Models: len(c.Models())})
				}
				return out
			},
		},
		Accounting: accounting,
	}

	handler := &api.Handler{Cfg: cfg, Pipeline: pipeline, Registry: reg}
	server := api.NewServer(cfg, handler)

	w, err := watcher.NewWatcher(configPath, func(newCfg *config.Config) {
		validated := config.ValidateFailoverRoutes(newCfg.FailoverRoutes, backendModelMap(connectors))
		routesMu.Lock()
		processRoutes = toSessionRoutes(validated)
		routesMu.Unlock()
		log.Infof("config reloaded: %d failover routes active", len(validated))
	})
	if err != nil {
		log.Fatalf("failed to create config watcher: %v", err)
	}
	w.SetConfig(cfg)
	if err = w.Start(ctx); err != nil {
		log.Warnf("config watcher disabled: %v", err)
	}

	if cfg.SessionMaxAgeSeconds > 0 {
		go runSessionCleanup(ctx, store, time.Duration(cfg.SessionMaxAgeSeconds)*time.Second)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-serverErr:
		if err != nil {
			log.Errorf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errStop := server.Stop(shutdownCtx); errStop != nil {
		log.Errorf("graceful shutdown failed: %v", errStop)
	}
	if errStop := w.Stop(); errStop != nil {
		log.Errorf("failed to stop config watcher: %v", errStop)
	}
	accounting.Close()
	if boltStore != nil {
		if errClose := boltStore.Close(); errClose != nil {
			log.Errorf("failed to close session persistence: %v", errClose)
		}
	}
	log.Info("shutdown complete")
}

// buildConnectors constructs one connector per configured backend. Backends
// without credentials are still constructed; they report non-functional and
// are skipped by the dispatcher.
func buildConnectors(ctx context.Context, cfg *config.Config, httpClient *http.Client) map[string]connector.Connector {
	connectors := make(map[string]connector.Connector)

	openrouter := connector.NewOpenRouter(cfg.OpenRouter, httpClient)
	if len(openrouter.Keys()) > 0 {
		refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := openrouter.RefreshModels(refreshCtx); err != nil {
			log.Warnf("openrouter model discovery failed: %v", err)
		}
		cancel()
	}
	connectors[openrouter.Name()] = openrouter

	gemini := connector.NewGemini(cfg.Gemini, httpClient)
	connectors[gemini.Name()] = gemini

	if cfg.GeminiCLI.CredentialsFile != "" {
		geminiCLI := connector.NewGeminiCLI(cfg.GeminiCLI, httpClient)
		connectors[geminiCLI.Name()] = geminiCLI
	}

	for _, compat := range cfg.OpenAICompatibility {
		if compat.Name == "" {
			log.Warn("openai_compatibility entry without a name skipped")
			continue
		}
		c := connector.NewOpenAICompat(compat, httpClient)
		connectors[c.Name()] = c
	}
	return connectors
}

// buildRegistry advertises every functional backend's models, attaching the
// static metadata table for the Gemini backends so the native listing carries
// token limits.
func buildRegistry(connectors map[string]connector.Connector) *registry.Registry {
	reg := registry.New()
	for name, c := range connectors {
		if !connector.Functional(c) {
			continue
		}
		switch name {
		case config.BackendGemini, config.BackendGeminiCLI:
			reg.Register(name, registry.GeminiModels())
		default:
			reg.RegisterIDs(name, c.Models())
		}
	}
	return reg
}

func functionalBackends(connectors map[string]connector.Connector) []string {
	var out []string
	for name, c := range connectors {
		if connector.Functional(c) {
			out = append(out, name)
		}
	}
	return out
}

func backendModelMap(connectors map[string]connector.Connector) map[string][]string {
	models := make(map[string][]string)
	for name, c := range connectors {
		if connector.Functional(c) {
			models[name] = c.Models()
		}
	}
	return models
}

func toSessionRoutes(routes map[string]config.FailoverRouteConfig) map[string]session.FailoverRoute {
	out := make(map[string]session.FailoverRoute, len(routes))
	for name, route := range routes {
		out[name] = session.FailoverRoute{
			Policy:   route.Policy,
			Elements: append([]string(nil), route.Elements...),
		}
	}
	return out
}

// snapshotDefaults builds the default snapshot factory for new sessions from
// the process configuration.
func snapshotDefaults(cfg *config.Config) func() session.Snapshot {
	return func() session.Snapshot {
		snap := session.Snapshot{
			Backend: session.BackendConfig{
				InteractiveMode: cfg.InteractiveMode && !cfg.DisableInteractiveCommands,
			},
			LoopDetection: session.LoopDetectionConfig{
				Enabled:            cfg.LoopDetection.Enabled,
				BufferSize:         cfg.LoopDetection.BufferSize,
				MinPatternLength:   cfg.LoopDetection.MinPatternLength,
				MaxPatternLength:   cfg.LoopDetection.MaxPatternLength,
				MinRepetitions:     cfg.LoopDetection.MinRepetitions,
				ToolLoopMaxRepeats: cfg.LoopDetection.ToolLoopMaxRepeats,
				ToolLoopTTLSeconds: cfg.LoopDetection.ToolLoopTTLSeconds,
				ToolLoopMode:       cfg.LoopDetection.ToolLoopMode,
			},
		}
		if cfg.ThinkingBudget > 0 {
			budget := cfg.ThinkingBudget
			snap.Reasoning.ThinkingBudget = &budget
		}
		return snap
	}
}

func buildRedactor(cfg *config.Config) *middleware.Redactor {
	var secrets []string
	secrets = append(secrets, cfg.OpenRouter.APIKeys...)
	secrets = append(secrets, cfg.Gemini.APIKeys...)
	for _, compat := range cfg.OpenAICompatibility {
		secrets = append(secrets, compat.APIKeys...)
	}
	return middleware.NewRedactor(secrets, cfg.RedactAPIKeysInPrompts)
}

func runSessionCleanup(ctx context.Context, store *session.Store, maxAge time.Duration) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := store.CleanupExpired(maxAge); removed > 0 {
				log.Debugf("expired %d idle sessions", removed)
			}
		}
	}
}
