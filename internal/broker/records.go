package broker

import (
	"errors"
	"strings"
)

// Store key prefixes. The layout is shared with existing deployments and must not change.
const (
	pendingPrefix = "pending:"
	pairPrefix    = "pair:"
	connPrefix    = "conn:"
	indexPrefix   = "idx:"
)

func pendingKey(apiKey string) string { return pendingPrefix + apiKey }
func pairKey(code string) string      { return pairPrefix + code }
func connKey(id string) string        { return connPrefix + id }
func indexKey(apiKey string) string   { return indexPrefix + apiKey }

// DefaultGatewayName is used when an operator registers or claims without a name.
const DefaultGatewayName = "Gateway"

// PendingRegistration is an operator's declared gateway credentials awaiting a browser
// finish. Stored sealed under pending:<apiKey>.
type PendingRegistration struct {
	Name      string `json:"name"`
	BaseURL   string `json:"baseUrl"`
	Token     string `json:"token"`
	CreatedAt int64  `json:"createdAt"`
}

func (p PendingRegistration) Validate() error {
	if p.BaseURL == "" || p.Token == "" {
		return errors.New("pending registration missing baseUrl or token")
	}
	return nil
}

// PairingCode binds a short-lived code to the API key that issued it. Stored as plain
// JSON under pair:<code>.
type PairingCode struct {
	APIKey    string `json:"apiKey"`
	CreatedAt int64  `json:"createdAt"`
}

func (p PairingCode) Validate() error {
	if p.APIKey == "" {
		return errors.New("pairing code missing apiKey")
	}
	if p.CreatedAt <= 0 {
		return errors.New("pairing code missing createdAt")
	}
	return nil
}

// Connection is one authorized link to a gateway. Stored sealed under conn:<id>.
type Connection struct {
	BaseURL   string `json:"baseUrl"`
	Token     string `json:"token"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

func (c Connection) Validate() error {
	if c.BaseURL == "" || c.Token == "" {
		return errors.New("connection missing baseUrl or token")
	}
	return nil
}

// ConnectionSummary is one index entry. It never carries the gateway token.
type ConnectionSummary struct {
	ConnectionID string `json:"connectionId"`
	Name         string `json:"name"`
	BaseURL      string `json:"baseUrl"`
	CreatedAt    int64  `json:"createdAt"`
}

func (s ConnectionSummary) Validate() error {
	if s.ConnectionID == "" || s.BaseURL == "" {
		return errors.New("index entry missing connectionId or baseUrl")
	}
	return nil
}

// RegisterInput is the operator's register request.
type RegisterInput struct {
	Name    string
	BaseURL string
	Token   string
}

// ClaimInput is the operator's claim request. The code stands in for the API key.
type ClaimInput struct {
	Code    string
	Name    string
	BaseURL string
	Token   string
}

// PairingTicket is returned by StartPairing.
type PairingTicket struct {
	Code       string
	ExpiresSec int
}

// PairedConnection is returned by FinishPairing and ClaimPairing.
type PairedConnection struct {
	ConnectionID string
	Name         string
	BaseURL      string
}

// normalizeGateway trims the fields, defaults the name and drops one trailing slash
// from the base URL.
func normalizeGateway(name, baseURL, token string) (string, string, string) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultGatewayName
	}
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	return name, baseURL, strings.TrimSpace(token)
}
