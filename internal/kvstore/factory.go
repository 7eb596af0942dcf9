// factory.go implements the backend registry, mapping store.backend strings
// (memory, redis, postgres) to constructor functions.
package kvstore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/infi-control/gateway-broker/internal/config"
)

// FactoryFunc builds a Store from configuration.
type FactoryFunc func(*config.Config) (Store, error)

var factories = make(map[string]FactoryFunc)

// Register registers a store backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// New creates the configured store backend. When store.key_prefix is set the
// returned Store namespaces every key under it.
func New(cfg *config.Config) (Store, error) {
	factory, ok := factories[cfg.Store.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported store backend: %s (registered: %s)", cfg.Store.Backend, registered())
	}

	s, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	return WithPrefix(s, cfg.Store.KeyPrefix), nil
}

func registered() string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
