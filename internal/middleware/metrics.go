package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/infi-control/gateway-broker/internal/telemetry"
)

// noRouteLabel stands in for the path of requests that matched no route, so probes
// against random URLs do not inflate label cardinality.
const noRouteLabel = "<no-route>"

// MetricsMiddleware records http_requests_total and http_request_duration_seconds for
// every request. The path label is the matched route template (c.FullPath()), so
// /gateway/health and /.netlify/functions/gateway_health are counted separately and
// unmatched paths share one label.
//
// Register it after RequestIDMiddleware and before handlers so that the status written
// by error responses is captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRouteLabel
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
