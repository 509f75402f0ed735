package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/matdev83/llm-interactive-proxy/internal/config"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// EnsureAPIKeys generates a client key when authentication is enabled but
// none is configured, printing it to stdout so the operator can hand it to
// clients.
func EnsureAPIKeys(cfg *config.Config) {
	if cfg.DisableAuth || len(cfg.APIKeys) > 0 {
		return
	}
	key := uuid.NewString()
	cfg.APIKeys = []string{key}
	fmt.Printf("generated proxy API key: %s\n", key)
	log.Infof("no api_keys configured; generated key %s", key)
}

// matchKey compares a presented key against one configured entry. Entries
// with the bcrypt prefix are treated as hashes.
func matchKey(configured, presented string) bool {
	if presented == "" {
		return false
	}
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return configured == presented
}

// presentedKeys collects the client key from the supported locations:
// Authorization bearer, x-goog-api-key, x-api-key, and the key query
// parameter used by Gemini SDKs.
func presentedKeys(c *gin.Context) []string {
	var keys []string
	if auth := c.GetHeader("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			keys = append(keys, parts[1])
		} else {
			keys = append(keys, auth)
		}
	}
	if k := c.GetHeader("x-goog-api-key"); k != "" {
		keys = append(keys, k)
	}
	if k := c.GetHeader("x-api-key"); k != "" {
		keys = append(keys, k)
	}
	if k, ok := c.GetQuery("key"); ok && k != "" {
		keys = append(keys, k)
	}
	return keys
}

// AuthMiddleware authenticates clients against the configured API keys.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.DisableAuth || len(cfg.APIKeys) == 0 {
			c.Next()
			return
		}

		presented := presentedKeys(c)
		if len(presented) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
			return
		}

		for _, configured := range cfg.APIKeys {
			for _, key := range presented {
				if matchKey(configured, key) {
					c.Set("apiKey", key)
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
	}
}

// sessionID resolves the session for one request: the X-Session-ID header,
// then the session-id cookie, then the shared default session.
func sessionID(c *gin.Context) string {
	if id := c.GetHeader("X-Session-ID"); id != "" {
		return id
	}
	if id, err := c.Cookie("session-id"); err == nil && id != "" {
		return id
	}
	return "default"
}
