// Package broker implements the credential broker: pending registrations, pairing codes,
// sealed connection records and the per-key connection index, all persisted through a
// kvstore.Store.
//
// The broker holds no state between calls. Every operation reads what it needs from the
// store, and multi-key updates are plain sequences of writes with no transaction.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/infi-control/gateway-broker/internal/auth"
	"github.com/infi-control/gateway-broker/internal/crypto"
	"github.com/infi-control/gateway-broker/internal/kvstore"
)

// Broker is safe for concurrent use.
type Broker struct {
	store         kvstore.Store
	env           *crypto.Envelope
	index         *connectionIndex
	now           func() time.Time
	newID         func() (string, error)
	deleteEvicted bool
	logger        *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the time source used for createdAt stamps and pairing expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithIDGenerator overrides the generator for connection IDs and pairing codes.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(b *Broker) { b.newID = gen }
}

// WithMaxConnections sets the per-key connection cap. Values below 1 are ignored.
func WithMaxConnections(n int) Option {
	return func(b *Broker) {
		if n >= 1 {
			b.index.max = n
		}
	}
}

// WithDeleteEvicted controls whether connection records dropped from an index by the
// cap are deleted from the store.
func WithDeleteEvicted(v bool) Option {
	return func(b *Broker) { b.deleteEvicted = v }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// New builds a Broker. A nil env makes every seal and open fail with
// ErrServerMisconfigured.
func New(store kvstore.Store, env *crypto.Envelope, opts ...Option) *Broker {
	b := &Broker{
		store:         store,
		env:           env,
		index:         &connectionIndex{store: store, max: DefaultMaxConnections},
		now:           time.Now,
		newID:         auth.NewID,
		deleteEvicted: true,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.index.logger = b.logger
	return b
}

// ListConnections returns the caller's index, newest first. Tokens are never included.
func (b *Broker) ListConnections(ctx context.Context, apiKey string) ([]ConnectionSummary, error) {
	if apiKey == "" {
		return nil, ErrUnauthorized
	}
	return b.index.list(ctx, apiKey)
}

// ResolveConnection returns the decrypted connection if connectionID is listed in the
// caller's index. A connection that exists under another key is still ErrConnectionForbidden.
func (b *Broker) ResolveConnection(ctx context.Context, apiKey, connectionID string) (Connection, error) {
	if apiKey == "" {
		return Connection{}, ErrUnauthorized
	}
	if connectionID == "" {
		return Connection{}, invalid("connectionId required")
	}

	owned, err := b.index.contains(ctx, apiKey, connectionID)
	if err != nil {
		return Connection{}, err
	}
	if !owned {
		return Connection{}, ErrConnectionForbidden
	}

	raw, found, err := b.store.Get(ctx, connKey(connectionID))
	if err != nil {
		return Connection{}, storageError(err)
	}
	if !found {
		return Connection{}, ErrConnectionNotFound
	}

	var conn Connection
	if err := b.openRecord(raw, &conn, "Bad connection record"); err != nil {
		return Connection{}, err
	}
	return conn, nil
}

// Reset deletes every indexed connection, the index and any pending registration.
func (b *Broker) Reset(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return ErrUnauthorized
	}
	if err := b.index.removeAll(ctx, apiKey); err != nil {
		return err
	}
	if err := b.store.Delete(ctx, pendingKey(apiKey)); err != nil {
		return storageError(err)
	}
	b.logger.Info("api key reset")
	return nil
}

type validator interface {
	Validate() error
}

// openRecord decrypts a sealed record and validates it.
func (b *Broker) openRecord(raw string, v validator, corruptMessage string) error {
	if err := b.env.Open(raw, v); err != nil {
		return cryptoError(corruptMessage, err)
	}
	if err := v.Validate(); err != nil {
		return ErrCorruptRecord.with(corruptMessage, err)
	}
	return nil
}

func (b *Broker) sealRecord(v any) (string, error) {
	token, err := b.env.Seal(v)
	if errors.Is(err, crypto.ErrSecretMissing) {
		return "", ErrServerMisconfigured.with("", err)
	}
	if err != nil {
		return "", &Error{Kind: KindInternal, Message: "failed to seal record", Cause: err}
	}
	return token, nil
}

func (b *Broker) nowMillis() int64 {
	return b.now().UnixMilli()
}
