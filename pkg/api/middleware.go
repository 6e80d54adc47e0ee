package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/caravel-ai/caravel/pkg/observability"
)

const requestIDHeader = "X-Request-ID"

// RequestID propagates the caller's request id or assigns one. The id is
// echoed on the response and picked up by the request logger.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// RequestLogger logs one line per request after the handler chain runs.
// Handler errors collected on the context are folded into the same line.
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	logger = logger.WithPrefix("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  c.GetString("request_id"),
		}
		if len(c.Errors) > 0 {
			fields["error"] = c.Errors.Last().Error()
			logger.Error("Request failed", fields)
			return
		}
		if c.Writer.Status() >= 500 {
			logger.Error("Request failed", fields)
			return
		}
		logger.Info("Request completed", fields)
	}
}

// Metrics records one API operation per request, labeled by the route
// template rather than the raw path so ids do not explode cardinality.
func Metrics(metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIOperation(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
