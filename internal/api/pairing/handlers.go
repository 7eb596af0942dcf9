// Package pairing implements the HTTP handlers for gateway registration, the two
// pairing flows, connection listing and account reset.
//
// Every route except Claim sits behind middleware.APIKeyMiddleware. Claim is
// authenticated by the pairing code in its body.
package pairing

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/infi-control/gateway-broker/internal/api/httperr"
	"github.com/infi-control/gateway-broker/internal/broker"
	"github.com/infi-control/gateway-broker/internal/middleware"
)

// Handlers holds the dependencies for the pairing endpoints.
type Handlers struct {
	broker *broker.Broker
}

// NewHandlers creates a new pairing Handlers instance.
func NewHandlers(b *broker.Broker) *Handlers {
	return &Handlers{broker: b}
}

type gatewayRequest struct {
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
	Token   string `json:"token"`
}

type finishRequest struct {
	Code string `json:"code"`
}

type claimRequest struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
	Token   string `json:"token"`
}

// Register stores the caller's gateway credentials as pending.
// POST /apikey/register {name, baseUrl, token}
func (h *Handlers) Register(c *gin.Context) {
	var req gatewayRequest
	if !httperr.BindJSON(c, &req) {
		return
	}
	err := h.broker.Register(c.Request.Context(), middleware.APIKey(c), broker.RegisterInput{
		Name:    req.Name,
		BaseURL: req.BaseURL,
		Token:   req.Token,
	})
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Start issues a pairing code for the caller. The request body is ignored.
// POST /pair/start
func (h *Handlers) Start(c *gin.Context) {
	ticket, err := h.broker.StartPairing(c.Request.Context(), middleware.APIKey(c))
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"code":       ticket.Code,
		"expiresSec": ticket.ExpiresSec,
	})
}

// Finish turns the caller's pending registration into a connection.
// POST /pair/finish {code}
func (h *Handlers) Finish(c *gin.Context) {
	var req finishRequest
	if !httperr.BindJSON(c, &req) {
		return
	}
	paired, err := h.broker.FinishPairing(c.Request.Context(), middleware.APIKey(c), req.Code)
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, pairedResponse(paired))
}

// Claim attaches gateway credentials to the API key that issued the code.
// POST /pair/claim {code, name, baseUrl, token}
func (h *Handlers) Claim(c *gin.Context) {
	var req claimRequest
	if !httperr.BindJSON(c, &req) {
		return
	}
	paired, err := h.broker.ClaimPairing(c.Request.Context(), broker.ClaimInput{
		Code:    req.Code,
		Name:    req.Name,
		BaseURL: req.BaseURL,
		Token:   req.Token,
	})
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, pairedResponse(paired))
}

// List returns the caller's connection summaries. Tokens are never included.
// GET /connections/list
func (h *Handlers) List(c *gin.Context) {
	conns, err := h.broker.ListConnections(c.Request.Context(), middleware.APIKey(c))
	if err != nil {
		httperr.Abort(c, err)
		return
	}
	if conns == nil {
		conns = []broker.ConnectionSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "connections": conns})
}

// Reset deletes every connection, the index and the pending registration of the caller.
// POST /apikey/reset
func (h *Handlers) Reset(c *gin.Context) {
	if err := h.broker.Reset(c.Request.Context(), middleware.APIKey(c)); err != nil {
		httperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func pairedResponse(p broker.PairedConnection) gin.H {
	return gin.H{
		"ok":           true,
		"connectionId": p.ConnectionID,
		"name":         p.Name,
		"baseUrl":      p.BaseURL,
	}
}
