package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/unischolar/mileage-api/internal/service"
)

// Metrics records per-request counters and latency. Health and scrape
// endpoints are excluded to keep the series useful.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	skip := map[string]struct{}{
		"/health":  {},
		"/ready":   {},
		"/metrics": {},
	}

	return func(c *gin.Context) {
		if metricsSvc == nil {
			c.Next()
			return
		}
		if _, skipped := skip[c.Request.URL.Path]; skipped {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
