// Package httpapi wires the gin ingress surface: request logging, the
// health probe, and POST /v1/messages dispatching to the Message Handler
// or Streaming Handler depending on the request's stream flag.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/logging"
)

// NewRouter builds the gin engine serving the Anthropic-compatible ingress.
func NewRouter(messages *MessagesEndpoint) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	r.POST("/v1/messages", messages.Handle)

	return r
}

// requestLogger logs one structured line per request; the health probe is
// excluded to avoid flooding logs with liveness checks.
func requestLogger() gin.HandlerFunc {
	log := logging.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if path == "/healthz" {
			return
		}
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
