// Package crypto provides the AES-256-GCM envelope used to store gateway credentials at
// rest. Records are JSON-encoded, sealed under a key derived from the server secret and
// rendered as two base64url segments: "<nonce>.<ciphertext+tag>".
//
// The AES key is SHA-256(secret), so rotating the secret is a single configuration change
// and the literal secret never reaches the block cipher.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// NonceSize is the GCM nonce length in bytes (96 bits).
	NonceSize = 12

	separator = "."
)

var (
	// ErrDecryption is the parent of every failure returned by Open.
	ErrDecryption = errors.New("crypto: envelope could not be opened")
	// ErrSecretMissing is returned when no server secret is configured.
	ErrSecretMissing = errors.New("crypto: server secret is not configured")
	// ErrMalformedToken is returned when a token does not have the nonce.ciphertext shape.
	ErrMalformedToken = fmt.Errorf("%w: malformed token", ErrDecryption)
	// ErrDecryptionFailed is returned when GCM authentication fails (wrong key or tampering).
	ErrDecryptionFailed = fmt.Errorf("%w: authentication failed", ErrDecryption)
	// ErrMalformedPayload is returned when an authenticated plaintext is not valid JSON
	// for the destination type.
	ErrMalformedPayload = fmt.Errorf("%w: payload is not valid JSON", ErrDecryption)
)

var b64 = base64.RawURLEncoding

// Envelope seals and opens JSON records with a key derived from the server secret.
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope derives the AES-256 key from secret and prepares the AEAD.
func NewEnvelope(secret string) (*Envelope, error) {
	if secret == "" {
		return nil, ErrSecretMissing
	}
	key := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Envelope{aead: aead}, nil
}

// Seal marshals v to JSON and encrypts it under a fresh random nonce.
func (e *Envelope) Seal(v any) (string, error) {
	if e == nil || e.aead == nil {
		return "", ErrSecretMissing
	}

	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("crypto: marshal record: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: read nonce: %w", err)
	}

	ciphertext := e.aead.Seal(nil, nonce, plaintext, nil)
	return b64.EncodeToString(nonce) + separator + b64.EncodeToString(ciphertext), nil
}

// Open authenticates and decrypts token, then unmarshals the plaintext into v.
// JSON decoding only happens after authentication succeeds.
func (e *Envelope) Open(token string, v any) error {
	if e == nil || e.aead == nil {
		return ErrSecretMissing
	}

	parts := strings.Split(token, separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ErrMalformedToken
	}

	nonce, err := b64.DecodeString(parts[0])
	if err != nil || len(nonce) != NonceSize {
		return ErrMalformedToken
	}
	ciphertext, err := b64.DecodeString(parts[1])
	if err != nil {
		return ErrMalformedToken
	}

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrDecryptionFailed
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return ErrMalformedPayload
	}
	return nil
}

// GenerateSecret creates a random 32-byte server secret rendered as base64url.
func GenerateSecret() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return b64.EncodeToString(key), nil
}
