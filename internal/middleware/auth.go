// Package middleware provides Gin HTTP middleware for API key extraction, rate limiting,
// security headers, request IDs and request metrics.
//
// Middleware ordering is fixed in internal/api/router.go:
//
//	Recovery → RequestID → Metrics → Logger → CORS → Security → RateLimit → APIKey → Handler
//
// Security headers run first among the request-shaping middleware so they appear on every
// response including errors. Rate limiting runs before the API key check so unauthenticated
// floods are rejected cheaply.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/infi-control/gateway-broker/internal/auth"
	"github.com/infi-control/gateway-broker/internal/broker"
)

// APIKeyContextKey is the gin.Context key holding the caller's bearer API key.
const APIKeyContextKey = "api_key"

// APIKeyMiddleware requires an "Authorization: Bearer <apiKey>" header. The key is not
// looked up anywhere: possession is the authorization, and the broker scopes every
// record it touches by the key.
func APIKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := auth.ExtractBearer(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"ok":    false,
				"error": broker.ErrUnauthorized.Message,
			})
			return
		}

		c.Set(APIKeyContextKey, key)
		c.Next()
	}
}

// APIKey returns the key stored by APIKeyMiddleware, or "" when absent.
func APIKey(c *gin.Context) string {
	return c.GetString(APIKeyContextKey)
}
