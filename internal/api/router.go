// Package api wires together all HTTP routes for the gateway broker.
//
// Route grouping:
//   - Pairing, connection and gateway proxy routes require an
//     "Authorization: Bearer <apiKey>" header. The key is the whole account.
//   - /pair/claim is unauthenticated; the single-use pairing code in its body is the
//     credential, so it carries a stricter rate limit.
//   - /health, /ready and /version are open probes.
//
// Every API route is also mounted under /.netlify/functions/<name> so browser builds
// that still call the function paths keep working.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"github.com/infi-control/gateway-broker/internal/api/gatewayproxy"
	"github.com/infi-control/gateway-broker/internal/api/httperr"
	"github.com/infi-control/gateway-broker/internal/api/pairing"
	"github.com/infi-control/gateway-broker/internal/broker"
	"github.com/infi-control/gateway-broker/internal/config"
	"github.com/infi-control/gateway-broker/internal/gateway"
	"github.com/infi-control/gateway-broker/internal/kvstore"
	"github.com/infi-control/gateway-broker/internal/middleware"
	"github.com/infi-control/gateway-broker/internal/telemetry"
)

// FunctionsPrefix is where the legacy function-style aliases are mounted.
const FunctionsPrefix = "/.netlify/functions/"

// readyTimeout bounds the store ping behind /ready.
const readyTimeout = 2 * time.Second

// Dependencies are the components the router serves.
type Dependencies struct {
	Store   kvstore.Store
	Broker  *broker.Broker
	Gateway *gateway.Client
	// Redis, when set, backs rate limiting so every replica shares one budget per client.
	Redis   goredis.UniversalClient
	Version string
}

// BackgroundServices holds references to background goroutines that must be stopped
// during graceful shutdown. The caller (cmd/server) is responsible for calling
// Shutdown() after the HTTP server has drained.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// newLimiter picks the shared Redis limiter when a client is available, otherwise an
// in-process token bucket tracked for shutdown.
func (bg *BackgroundServices) newLimiter(deps Dependencies, cfg *config.Config, rl middleware.RateLimitConfig, name string) middleware.Limiter {
	if deps.Redis != nil {
		return middleware.NewRedisRateLimiter(deps.Redis, rl, cfg.Store.KeyPrefix+"ratelimit:"+name+":")
	}
	limiter := middleware.NewRateLimiter(rl)
	bg.rateLimiters = append(bg.rateLimiters, limiter)
	return limiter
}

// route is one API endpoint and its function-style alias.
type route struct {
	method  string
	path    string
	alias   string
	handler gin.HandlerFunc
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	router.HandleMethodNotAllowed = true
	bg := &BackgroundServices{}

	router.Use(gin.CustomRecovery(recoveryHandler))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg)))

	router.GET("/health", healthCheckHandler())
	router.GET("/ready", readinessHandler(deps.Store))
	router.GET("/version", versionHandler(deps.Version))

	router.NoRoute(func(c *gin.Context) {
		httperr.AbortMessage(c, http.StatusNotFound, "Not found")
	})
	router.NoMethod(func(c *gin.Context) {
		httperr.AbortMessage(c, http.StatusMethodNotAllowed, "Method not allowed")
	})

	var apiChain, claimChain []gin.HandlerFunc
	if cfg.Security.RateLimiting.Enabled {
		apiLimit := middleware.RateLimitMiddleware(
			bg.newLimiter(deps, cfg, middleware.RateLimitConfigFrom(cfg.Security.RateLimiting), "api"))
		claimLimit := middleware.RateLimitMiddlewareWithKey(
			bg.newLimiter(deps, cfg, middleware.ClaimRateLimitConfig(), "claim"), middleware.ClientIPKey)
		apiChain = []gin.HandlerFunc{apiLimit}
		claimChain = []gin.HandlerFunc{apiLimit, claimLimit}
	}
	authChain := append(append([]gin.HandlerFunc{}, apiChain...), middleware.APIKeyMiddleware())

	pairingHandlers := pairing.NewHandlers(deps.Broker)
	proxyHandlers := gatewayproxy.NewHandlers(deps.Broker, deps.Gateway)

	authed := []route{
		{http.MethodPost, "/apikey/register", "apikey_register", pairingHandlers.Register},
		{http.MethodPost, "/apikey/reset", "apikey_reset", pairingHandlers.Reset},
		{http.MethodPost, "/pair/start", "pair_start", pairingHandlers.Start},
		{http.MethodPost, "/pair/finish", "pair_finish", pairingHandlers.Finish},
		{http.MethodGet, "/connections/list", "connections_list", pairingHandlers.List},
		{http.MethodPost, "/gateway/health", "gateway_health", proxyHandlers.Health},
		{http.MethodPost, "/gateway/send", "gateway_send", proxyHandlers.Send},
	}
	for _, rt := range authed {
		mount(router, rt, authChain)
	}
	mount(router, route{http.MethodPost, "/pair/claim", "pair_claim", pairingHandlers.Claim}, claimChain)

	return router, bg
}

// mount registers rt at its path and at its function-style alias.
func mount(router *gin.Engine, rt route, chain []gin.HandlerFunc) {
	handlers := append(append([]gin.HandlerFunc{}, chain...), rt.handler)
	router.Handle(rt.method, rt.path, handlers...)
	router.Handle(rt.method, FunctionsPrefix+rt.alias, handlers...)
}

func recoveryHandler(c *gin.Context, recovered any) {
	slog.ErrorContext(c.Request.Context(), "panic recovered",
		"path", c.Request.URL.Path,
		"request_id", middleware.RequestID(c),
		"panic", recovered,
	)
	httperr.AbortMessage(c, http.StatusInternalServerError, "internal error")
}

// healthCheckHandler is the liveness probe. It touches no dependency.
func healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service. Unlike the liveness
// probe (/health), it pings the key-value store every broker operation depends on.
func readinessHandler(store kvstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			slog.Warn("readiness probe failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": gin.H{"store": "unhealthy"},
				"error":  "store not ready",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": gin.H{"store": "healthy"},
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the build version
func versionHandler(version string) gin.HandlerFunc {
	if version == "" {
		version = "dev"
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":     telemetry.ServiceName,
			"version":     version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware logs one structured record per request. The output format follows
// the handler installed by telemetry.SetupLogger. The query string is not logged.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", middleware.RequestID(c)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS. A "*" entry allows every origin; otherwise the request
// origin is echoed when listed. Preflight requests end here with 204.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowOrigin := ""
		for _, allowed := range cfg.Security.CORS.AllowedOrigins {
			if allowed == "*" {
				allowOrigin = "*"
				break
			}
			if origin != "" && allowed == origin {
				allowOrigin = origin
			}
		}

		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			if allowOrigin != "*" {
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
