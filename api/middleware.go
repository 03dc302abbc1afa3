package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"encodeagent/config"
	"encodeagent/logging"

	"github.com/gin-gonic/gin"
)

// Scope is the level of access a route needs.
type Scope int

const (
	// ScopeRead covers the status and queue routes.
	ScopeRead Scope = iota
	// ScopeControl covers routes that change what the agent does.
	ScopeControl
)

// AuthMiddleware requires a bearer token allowed for scope when auth is
// enabled. AUTH_KEY is allowed everywhere; AUTH_READ_KEY only for ScopeRead.
func AuthMiddleware(cfg *config.Config, scope Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.AuthEnable {
			c.Next()
			return
		}

		token, problem := bearerToken(c.GetHeader("Authorization"))
		if problem != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": problem})
			return
		}

		granted, known := tokenScope(cfg, token)
		switch {
		case !known:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		case granted < scope:
			logging.Warn("Rejected %s %s: token may only read", c.Request.Method, c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Token may not control the agent"})
		default:
			c.Next()
		}
	}
}

// bearerToken extracts the token, or describes what is wrong with header.
func bearerToken(header string) (token, problem string) {
	if header == "" {
		return "", "Authorization header required"
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", "Invalid Authorization header format"
	}
	return parts[1], ""
}

// tokenScope reports the widest scope token grants.
func tokenScope(cfg *config.Config, token string) (Scope, bool) {
	switch {
	case matches(token, cfg.AuthKey):
		return ScopeControl, true
	case matches(token, cfg.ReadKey):
		return ScopeRead, true
	}
	return 0, false
}

func matches(token, key string) bool {
	return key != "" && subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1
}

// requestLogger routes gin's access log through the leveled logger. Status
// polling is logged at debug level only.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.Method == http.MethodGet {
			logging.Debug("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
			return
		}
		logging.Info("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
