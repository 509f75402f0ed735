package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/matdev83/llm-interactive-proxy/internal/config"
	"github.com/matdev83/llm-interactive-proxy/internal/logging"
	log "github.com/sirupsen/logrus"
)

// Server is the HTTP front of the proxy.
type Server struct {
	engine *gin.Engine
	server *http.Server
	cfg    *config.Config
}

// NewServer wires the gin engine, middleware, and routes around the
// pipeline.
func NewServer(cfg *config.Config, handler *Handler) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(logging.GinLogger())
	engine.Use(logging.GinRecovery())
	engine.Use(corsMiddleware())

	s := &Server{
		engine: engine,
		cfg:    cfg,
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: engine,
		},
	}
	s.setupRoutes(handler)
	return s
}

func (s *Server) setupRoutes(h *Handler) {
	auth := AuthMiddleware(s.cfg)

	v1 := s.engine.Group("/v1")
	v1.Use(auth)
	{
		v1.GET("/models", h.OpenAIModels)
		v1.POST("/chat/completions", h.ChatCompletions)
		v1.POST("/completions", h.Completions)
		v1.POST("/responses", h.Responses)
	}

	v1beta := s.engine.Group("/v1beta")
	v1beta.Use(auth)
	{
		v1beta.GET("/models", h.GeminiModels)
		v1beta.POST("/models/:action", h.GeminiGenerate)
	}

	anthropic := s.engine.Group("/anthropic/v1")
	anthropic.Use(auth)
	{
		anthropic.POST("/messages", h.AnthropicMessages)
	}

	s.engine.GET("/health", h.Health)
	s.engine.GET("/docs", h.Docs)
	s.engine.GET("/openapi.json", h.OpenAPISpec)
	s.engine.GET("/", h.Root)
}

// Engine exposes the router, mainly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start listens and serves until shutdown; it returns only on an
// unrecoverable error.
func (s *Server) Start() error {
	log.Infof("listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping http server")
	return s.server.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Session-ID, X-Goog-Api-Key, X-Api-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
