// Package kvstore defines the minimal key-value contract the broker persists through,
// plus a backend registry.
//
// Backends register themselves from an init() function in their own package:
//
//	func init() {
//	    kvstore.Register("mybackend", func(cfg *config.Config) (kvstore.Store, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// and are linked in with a blank import in cmd/server.
package kvstore

import (
	"context"
	"time"
)

// Store is a string-keyed, string-valued store with optional per-key expiry.
// Implementations need not support transactions or compare-and-swap; callers
// must treat every multi-key sequence as non-atomic.
//
// Keys embed API keys and pairing codes, so errors returned by an implementation must
// not include the key.
type Store interface {
	// Get returns the value for key. found is false when the key is absent or expired.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set writes value under key. A ttl <= 0 means the key never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
