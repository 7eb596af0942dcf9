package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/sony/gobreaker/v2"

	"github.com/infi-control/gateway-broker/internal/config"
	"github.com/infi-control/gateway-broker/internal/telemetry"
)

// minTripRequests is how many calls a breaker must see in one interval before the
// failure ratio can trip it.
const minTripRequests = 5

// breakerRegistry holds one circuit breaker per gateway host so a dead gateway stops
// costing a full timeout per request without affecting other gateways.
type breakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
	cfg      config.CircuitBreakerConfig
	logger   *slog.Logger
}

func newBreakerRegistry(cfg config.CircuitBreakerConfig, logger *slog.Logger) *breakerRegistry {
	return &breakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		cfg:      cfg,
		logger:   logger,
	}
}

func (r *breakerRegistry) get(name string) *gobreaker.CircuitBreaker[*http.Response] {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: r.cfg.MaxRequests,
		Interval:    r.cfg.Interval,
		Timeout:     r.cfg.Timeout,
		// A caller abandoning its own request says nothing about the gateway.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minTripRequests && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("gateway circuit breaker state change",
				"gateway", name,
				"from", from.String(),
				"to", to.String())
			telemetry.GatewayCircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	r.breakers[name] = cb
	return cb
}

// breakerName keys breakers by host so paths and trailing slashes share one breaker.
func breakerName(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	return u.Host
}

// stateValue maps a breaker state to the gauge encoding: 0=closed, 1=half-open, 2=open.
func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
