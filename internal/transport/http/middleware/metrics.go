package middleware

import (
	"strconv"
	"time"

	"github.com/teamz88/farmon-be/internal/metrics"
	"github.com/gin-gonic/gin"
)

// Metrics records request count and latency per route. The path label
// uses the route template, never the raw URL: magic tokens travel in
// query strings and must not end up as label values.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unknown" // unmatched route
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())
		elapsed := time.Since(start).Seconds()

		metrics.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(elapsed)
		metrics.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	}
}
