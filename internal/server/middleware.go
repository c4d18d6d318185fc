package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ncol/publisher-service/internal/logging"
	"github.com/ncol/publisher-service/internal/models"
)

const actorKey = "actor"

// requestIDMiddleware adds a unique request ID to each request
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// loggingMiddleware provides structured request logging
func loggingMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.WithFields(logging.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"latency":    time.Since(start),
			"request_id": c.GetString("request_id"),
			"actor_id":   actorID(c),
		}).Info("HTTP request")
	}
}

// recoveryMiddleware provides panic recovery with logging
func recoveryMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logging.Fields{
					"error":  err,
					"method": c.Request.Method,
					"path":   c.Request.URL.Path,
				}).Error("Request handler panic")

				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()

		c.Next()
	}
}

// adapterAuthMiddleware rejects calls that do not carry the shared adapter token.
// Without a token every call is refused unless allowInsecure is set.
func adapterAuthMiddleware(token string, allowInsecure bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			if allowInsecure {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "adapter token not configured"})
			return
		}
		got := c.GetHeader("X-Adapter-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid adapter token"})
			return
		}
		c.Next()
	}
}

// actorMiddleware reads the acting CMS user from X-Actor-Id / X-Actor-Caps
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Actor-Id"))
		if id != "" {
			var caps []string
			for _, capability := range strings.Split(c.GetHeader("X-Actor-Caps"), ",") {
				if capability = strings.TrimSpace(capability); capability != "" {
					caps = append(caps, capability)
				}
			}
			c.Set(actorKey, &models.Actor{ID: id, Capabilities: caps})
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) *models.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(*models.Actor); ok {
			return actor
		}
	}
	return nil
}

func actorID(c *gin.Context) string {
	if a := actorFrom(c); a != nil {
		return a.ID
	}
	return ""
}
