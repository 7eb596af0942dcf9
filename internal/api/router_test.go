package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infi-control/gateway-broker/internal/broker"
	"github.com/infi-control/gateway-broker/internal/config"
	"github.com/infi-control/gateway-broker/internal/crypto"
	"github.com/infi-control/gateway-broker/internal/gateway"
	"github.com/infi-control/gateway-broker/internal/kvstore"
	"github.com/infi-control/gateway-broker/internal/kvstore/memory"
	redisstore "github.com/infi-control/gateway-broker/internal/kvstore/redis"
	"github.com/infi-control/gateway-broker/internal/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// pingStore fails Ping with err and is otherwise unused.
type pingStore struct {
	kvstore.Store
	err error
}

func (p pingStore) Ping(context.Context) error { return p.err }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"*"}
	cfg.Gateway.Timeout = 2 * time.Second
	return cfg
}

func newTestRouter(t *testing.T, cfg *config.Config) *gin.Engine {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	env, err := crypto.NewEnvelope("router-test-secret")
	require.NoError(t, err)

	router, bg := NewRouter(cfg, Dependencies{
		Store:   store,
		Broker:  broker.New(store, env),
		Gateway: gateway.NewClient(cfg.Gateway),
		Version: "1.2.3",
	})
	t.Cleanup(bg.Shutdown)
	return router
}

func call(t *testing.T, r http.Handler, method, path, apiKey string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	switch b := body.(type) {
	case nil:
		reader = strings.NewReader("")
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

// fakeGateway answers the two gateway endpoints and records what it received.
type fakeGateway struct {
	*httptest.Server
	mu   sync.Mutex
	sent []map[string]string
}

func (g *fakeGateway) Sent() []map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]string(nil), g.sent...)
}

func newFakeGateway(t *testing.T, token string) *fakeGateway {
	t.Helper()
	g := &fakeGateway{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"status":"up"}`))
	})
	mux.HandleFunc("POST /v1/sessions/send", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.sent = append(g.sent, body)
		g.mu.Unlock()
		_, _ = w.Write([]byte(`{"queued":true}`))
	})
	g.Server = httptest.NewServer(mux)
	t.Cleanup(g.Close)
	return g
}

// ---------------------------------------------------------------------------
// probes
// ---------------------------------------------------------------------------

func TestHealthCheckHandler(t *testing.T) {
	w, body := call(t, newTestRouter(t, testConfig()), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestReadinessHandler(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		r := gin.New()
		r.GET("/ready", readinessHandler(pingStore{}))
		w, body := call(t, r, http.MethodGet, "/ready", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, body["ready"])
	})

	t.Run("store down", func(t *testing.T) {
		r := gin.New()
		r.GET("/ready", readinessHandler(pingStore{err: errors.New("connection refused")}))
		w, body := call(t, r, http.MethodGet, "/ready", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, false, body["ready"])
		assert.Equal(t, map[string]any{"store": "unhealthy"}, body["checks"])
	})
}

func TestVersionHandler(t *testing.T) {
	w, body := call(t, newTestRouter(t, testConfig()), http.MethodGet, "/version", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, "v1", body["api_version"])
	assert.Equal(t, "gateway-broker", body["service"])
}

func TestVersionHandler_DefaultsToDev(t *testing.T) {
	r := gin.New()
	r.GET("/version", versionHandler(""))
	_, body := call(t, r, http.MethodGet, "/version", "", nil)
	assert.Equal(t, "dev", body["version"])
}

// ---------------------------------------------------------------------------
// end-to-end flows
// ---------------------------------------------------------------------------

func TestFlow_RegisterStartFinish(t *testing.T) {
	gw := newFakeGateway(t, "gw-secret")
	r := newTestRouter(t, testConfig())

	w, _ := call(t, r, http.MethodPost, "/apikey/register", "K1",
		map[string]string{"name": "home", "baseUrl": gw.URL + "/", "token": "gw-secret"})
	require.Equal(t, http.StatusOK, w.Code)

	w, started := call(t, r, http.MethodPost, "/pair/start", "K1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 600, started["expiresSec"])
	code := started["code"].(string)

	w, finished := call(t, r, http.MethodPost, "/pair/finish", "K1", map[string]string{"code": code})
	require.Equal(t, http.StatusOK, w.Code, finished)
	connID := finished["connectionId"].(string)
	assert.Equal(t, gw.URL, finished["baseUrl"])

	w, listed := call(t, r, http.MethodGet, "/connections/list", "K1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	conns := listed["connections"].([]any)
	require.Len(t, conns, 1)
	assert.Equal(t, connID, conns[0].(map[string]any)["connectionId"])
	assert.NotContains(t, w.Body.String(), "gw-secret")

	w, health := call(t, r, http.MethodPost, "/gateway/health", "K1", map[string]string{"connectionId": connID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, health["ok"])
	assert.Equal(t, map[string]any{"status": "up"}, health["data"])

	w, sent := call(t, r, http.MethodPost, "/gateway/send", "K1",
		map[string]string{"connectionId": connID, "message": "hello", "sessionKey": "agent:x:y"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, sent["ok"])
	received := gw.Sent()
	require.Len(t, received, 1)
	assert.Equal(t, map[string]string{"sessionKey": "agent:x:y", "message": "hello"}, received[0])

	// The code is single use.
	w, again := call(t, r, http.MethodPost, "/pair/finish", "K1", map[string]string{"code": code})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Pairing code not found/expired", again["error"])
}

func TestFlow_StartClaim(t *testing.T) {
	gw := newFakeGateway(t, "claim-token")
	r := newTestRouter(t, testConfig())

	_, started := call(t, r, http.MethodPost, "/pair/start", "K2", nil)
	code := started["code"].(string)

	w, claimed := call(t, r, http.MethodPost, "/pair/claim", "",
		map[string]string{"code": code, "baseUrl": gw.URL, "token": "claim-token"})
	require.Equal(t, http.StatusOK, w.Code, claimed)
	assert.Equal(t, "Gateway", claimed["name"])

	_, listed := call(t, r, http.MethodGet, "/connections/list", "K2", nil)
	require.Len(t, listed["connections"], 1)

	// Another key cannot use the connection.
	w, denied := call(t, r, http.MethodPost, "/gateway/health", "K3",
		map[string]string{"connectionId": claimed["connectionId"].(string)})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "connectionId not valid for this apiKey", denied["error"])

	w, _ = call(t, r, http.MethodPost, "/apikey/reset", "K2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, listed = call(t, r, http.MethodGet, "/connections/list", "K2", nil)
	assert.Equal(t, []any{}, listed["connections"])
}

func TestFlow_ForeignCodeLeavesStateIntact(t *testing.T) {
	r := newTestRouter(t, testConfig())
	call(t, r, http.MethodPost, "/apikey/register", "K1", map[string]string{"baseUrl": "http://gw", "token": "t"})
	_, started := call(t, r, http.MethodPost, "/pair/start", "K1", nil)
	code := started["code"].(string)

	w, _ := call(t, r, http.MethodPost, "/pair/finish", "K2", map[string]string{"code": code})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = call(t, r, http.MethodPost, "/pair/finish", "K1", map[string]string{"code": code})
	assert.Equal(t, http.StatusOK, w.Code)
}

// ---------------------------------------------------------------------------
// routing surface
// ---------------------------------------------------------------------------

func TestFunctionAliases(t *testing.T) {
	r := newTestRouter(t, testConfig())

	w, started := call(t, r, http.MethodPost, FunctionsPrefix+"pair_start", "K1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = call(t, r, http.MethodPost, FunctionsPrefix+"apikey_register", "K1",
		map[string]string{"baseUrl": "http://gw", "token": "t"})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = call(t, r, http.MethodPost, FunctionsPrefix+"pair_finish", "K1", map[string]string{"code": started["code"].(string)})
	require.Equal(t, http.StatusOK, w.Code)

	w, listed := call(t, r, http.MethodGet, FunctionsPrefix+"connections_list", "K1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, listed["connections"], 1)
}

func TestMissingAPIKey(t *testing.T) {
	w, body := call(t, newTestRouter(t, testConfig()), http.MethodPost, "/pair/start", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "Missing API key (Authorization: Bearer ...)", body["error"])
}

func TestStoreFailure_LogsOmitBearerKey(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	defer slog.SetDefault(prev)

	mr := miniredis.RunT(t)
	store := redisstore.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	t.Cleanup(func() { store.Close() })
	mr.Close()

	env, err := crypto.NewEnvelope("router-test-secret")
	require.NoError(t, err)
	cfg := testConfig()
	r, bg := NewRouter(cfg, Dependencies{
		Store:   store,
		Broker:  broker.New(store, env),
		Gateway: gateway.NewClient(cfg.Gateway),
	})
	t.Cleanup(bg.Shutdown)

	const secret = "gwb_do-not-log-this-key"
	requests := []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/connections/list", nil},
		{http.MethodPost, "/apikey/register", map[string]string{"baseUrl": "http://gw", "token": "gw-token"}},
		{http.MethodPost, "/pair/finish", map[string]string{"code": "some-code"}},
		{http.MethodPost, "/apikey/reset", nil},
	}
	for _, rq := range requests {
		w, body := call(t, r, rq.method, rq.path, secret, rq.body)
		require.Equal(t, http.StatusInternalServerError, w.Code, rq.path)
		assert.NotContains(t, body["error"], secret, rq.path)
	}

	require.Contains(t, logs.String(), "request failed")
	assert.NotContains(t, logs.String(), secret)
	assert.NotContains(t, logs.String(), "gw-token")
}

func TestMethodNotAllowed(t *testing.T) {
	w, body := call(t, newTestRouter(t, testConfig()), http.MethodGet, "/pair/start", "K1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "Method not allowed", body["error"])
	assert.Contains(t, w.Header().Get("Allow"), http.MethodPost)
}

func TestNoRoute(t *testing.T) {
	w, body := call(t, newTestRouter(t, testConfig()), http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, body["ok"])
}

func TestPreflightOnAPIRoute(t *testing.T) {
	r := newTestRouter(t, testConfig())
	req := httptest.NewRequest(http.MethodOptions, "/gateway/send", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Content-Type, Authorization", w.Header().Get("Access-Control-Allow-Headers"))
}

func TestSecurityHeadersApplied(t *testing.T) {
	w, _ := call(t, newTestRouter(t, testConfig()), http.MethodGet, "/health", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestClaimRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RateLimiting.Enabled = true
	cfg.Security.RateLimiting.RequestsPerMinute = 1000
	cfg.Security.RateLimiting.Burst = 1000
	r := newTestRouter(t, cfg)

	claim := map[string]string{"code": "nope", "baseUrl": "http://gw", "token": "t"}
	limit := middleware.ClaimRateLimitConfig().BurstSize
	for i := 0; i < limit; i++ {
		w, _ := call(t, r, http.MethodPost, "/pair/claim", "", claim)
		require.Equal(t, http.StatusNotFound, w.Code, "request %d", i+1)
	}
	w, body := call(t, r, http.MethodPost, "/pair/claim", "", claim)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// A bearer header on the unauthenticated claim route does not buy a new budget.
	for i := 0; i < 5; i++ {
		w, _ = call(t, r, http.MethodPost, "/pair/claim", fmt.Sprintf("junk-%d", i), claim)
		assert.Equal(t, http.StatusTooManyRequests, w.Code, "rotated bearer %d", i)
	}

	// Authenticated routes draw from the general budget.
	w, _ = call(t, r, http.MethodPost, "/pair/start", "K1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// ---------------------------------------------------------------------------
// CORSMiddleware
// ---------------------------------------------------------------------------

func corsRequest(t *testing.T, allowed []string, method, origin string) *httptest.ResponseRecorder {
	t.Helper()
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = allowed

	r := gin.New()
	r.Use(CORSMiddleware(cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(method, "/", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCORSMiddleware_AllowedOrigin(t *testing.T) {
	w := corsRequest(t, []string{"https://example.com"}, http.MethodGet, "https://example.com")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
}

func TestCORSMiddleware_Wildcard(t *testing.T) {
	w := corsRequest(t, []string{"*"}, http.MethodGet, "https://anything.com")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = corsRequest(t, []string{"*"}, http.MethodGet, "")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_DisallowedOrigin(t *testing.T) {
	w := corsRequest(t, []string{"https://allowed.com"}, http.MethodGet, "https://evil.com")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_PreflightOptions(t *testing.T) {
	w := corsRequest(t, []string{"*"}, http.MethodOptions, "https://example.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}

// ---------------------------------------------------------------------------
// LoggerMiddleware / recovery
// ---------------------------------------------------------------------------

func TestLoggerMiddleware_PassesThrough(t *testing.T) {
	r := gin.New()
	r.Use(LoggerMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?q=1", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestRecoveryHandler_JSONBody(t *testing.T) {
	r := gin.New()
	r.Use(gin.CustomRecovery(recoveryHandler))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w, body := call(t, r, http.MethodGet, "/boom", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", body["error"])
}
