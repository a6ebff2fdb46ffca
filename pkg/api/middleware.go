package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/aporia-zero/meshchat/pkg/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CORS middleware
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, allowedOrigin := range allowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			c.Writer.Header().Set("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// Logger middleware
func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		if len(c.Errors) > 0 {
			// Log errors
			for _, e := range c.Errors.Errors() {
				logger.Warn("Request error",
					zap.String("path", path),
					zap.String("query", query),
					zap.String("method", c.Request.Method),
					zap.Int("status", c.Writer.Status()),
					zap.Duration("latency", latency),
					zap.String("error", e),
				)
			}
		} else {
			logger.Debug("Request processed",
				zap.String("path", path),
				zap.String("query", query),
				zap.String("method", c.Request.Method),
				zap.Int("status", c.Writer.Status()),
				zap.Duration("latency", latency),
			)
		}
	}
}

// Recovery middleware
func recoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Request panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, APIError{
					Code:    http.StatusInternalServerError,
					Message: "Internal server error",
				})
			}
		}()

		c.Next()
	}
}

// Rate limiter middleware. A non-positive limit disables it.
func rateLimiterMiddleware(limit int, window time.Duration) gin.HandlerFunc {
	type clientLimit struct {
		count    int
		lastSeen time.Time
	}

	var mu sync.Mutex
	limits := make(map[string]*clientLimit)

	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		now := time.Now()

		mu.Lock()
		client, exists := limits[clientIP]
		if !exists {
			client = &clientLimit{lastSeen: now}
			limits[clientIP] = client
		}
		if now.Sub(client.lastSeen) > window {
			// Reset counter if window has passed
			client.count = 0
			client.lastSeen = now
		}
		exceeded := client.count >= limit
		if !exceeded {
			client.count++
		}
		mu.Unlock()

		if exceeded {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, APIError{
				Code:    http.StatusTooManyRequests,
				Message: "Rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

// Request validation middleware
func validationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Validate content type for POST/PUT requests
		if c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut {
			if c.ContentType() != "application/json" {
				c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, APIError{
					Code:    http.StatusUnsupportedMediaType,
					Message: "Content-Type must be application/json",
				})
				return
			}
		}

		c.Next()
	}
}

// Metrics middleware
func metricsMiddleware(rec *metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		rec.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
