// Package auth provides the identifier generator shared by API keys, connection IDs and
// pairing codes, plus bearer-token extraction for the broker's single-key auth model.
// Possession of an API key is the whole authorization model: keys are never stored as
// records of their own, only used as a namespace for the records derived from them.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// IDLength is the number of random bytes behind every identifier (144 bits).
	IDLength = 18

	// DefaultAPIKeyPrefix marks keys minted by cmd/keygen.
	DefaultAPIKeyPrefix = "gwb"
)

var (
	// ErrMissingAuthorization is returned when no Authorization header is present.
	ErrMissingAuthorization = errors.New("missing API key (Authorization: Bearer ...)")
	// ErrInvalidScheme is returned when the header does not use the Bearer scheme.
	ErrInvalidScheme = errors.New("authorization header must use the Bearer scheme")
	// ErrEmptyBearer is returned when the Bearer scheme carries no token.
	ErrEmptyBearer = errors.New("API key is empty after Bearer prefix")
)

// NewID returns IDLength bytes from crypto/rand encoded as unpadded base64url.
func NewID() (string, error) {
	b := make([]byte, IDLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateAPIKey mints a new browser API key as prefix_<id>. An empty prefix
// yields the bare identifier.
func GenerateAPIKey(prefix string) (string, error) {
	id, err := NewID()
	if err != nil {
		return "", err
	}
	if prefix == "" {
		return id, nil
	}
	return fmt.Sprintf("%s_%s", prefix, id), nil
}

// ExtractBearer extracts the API key from an Authorization header.
// Expected format: "Bearer <key>" (scheme is case-insensitive).
func ExtractBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingAuthorization
	}

	scheme, rest, found := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidScheme
	}
	if !found {
		return "", ErrEmptyBearer
	}

	key := strings.TrimSpace(rest)
	if key == "" {
		return "", ErrEmptyBearer
	}
	return key, nil
}
