// Package gatewayproxy relays health checks and messages to a caller's paired gateway.
// The broker resolves the connection (ownership check and decryption) before any
// outbound call, and the gateway's reply is passed back unchanged as {ok, status, data}.
package gatewayproxy

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/infi-control/gateway-broker/internal/api/httperr"
	"github.com/infi-control/gateway-broker/internal/broker"
	"github.com/infi-control/gateway-broker/internal/gateway"
	"github.com/infi-control/gateway-broker/internal/middleware"
)

// Handlers holds the dependencies for the gateway proxy endpoints.
type Handlers struct {
	broker  *broker.Broker
	gateway *gateway.Client
}

// NewHandlers creates a new gateway proxy Handlers instance.
func NewHandlers(b *broker.Broker, g *gateway.Client) *Handlers {
	return &Handlers{broker: b, gateway: g}
}

type healthRequest struct {
	ConnectionID string `json:"connectionId"`
}

type sendRequest struct {
	ConnectionID string `json:"connectionId"`
	Message      string `json:"message"`
	SessionKey   string `json:"sessionKey"`
}

// Health probes the gateway behind connectionId.
// POST /gateway/health {connectionId}
func (h *Handlers) Health(c *gin.Context) {
	var req healthRequest
	if !httperr.BindJSON(c, &req) {
		return
	}
	target, ok := h.resolve(c, req.ConnectionID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.gateway.Health(c.Request.Context(), target))
}

// Send posts a message to a session on the gateway behind connectionId.
// POST /gateway/send {connectionId, message, sessionKey?}
func (h *Handlers) Send(c *gin.Context) {
	var req sendRequest
	if !httperr.BindJSON(c, &req) {
		return
	}
	connectionID := strings.TrimSpace(req.ConnectionID)
	if connectionID == "" {
		httperr.AbortMessage(c, http.StatusBadRequest, "connectionId required")
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		httperr.AbortMessage(c, http.StatusBadRequest, "message required")
		return
	}

	target, ok := h.resolve(c, connectionID)
	if !ok {
		return
	}
	res := h.gateway.Send(c.Request.Context(), target, gateway.SendInput{
		SessionKey: strings.TrimSpace(req.SessionKey),
		Message:    message,
	})
	c.JSON(http.StatusOK, res)
}

// resolve loads the caller's connection and writes the error response on failure.
func (h *Handlers) resolve(c *gin.Context, connectionID string) (gateway.Target, bool) {
	conn, err := h.broker.ResolveConnection(c.Request.Context(), middleware.APIKey(c), strings.TrimSpace(connectionID))
	if err != nil {
		httperr.Abort(c, err)
		return gateway.Target{}, false
	}
	return gateway.Target{BaseURL: conn.BaseURL, Token: conn.Token}, true
}
