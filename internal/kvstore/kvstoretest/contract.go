// Package kvstoretest holds a behavioural test suite every kvstore backend must pass.
package kvstoretest

import (
	"context"
	"testing"
	"time"

	"github.com/infi-control/gateway-broker/internal/kvstore"
)

// Harness builds a fresh, empty store for one subtest. advance moves the
// store's notion of time forward so TTL expiry can be observed without sleeping.
type Harness func(t *testing.T) (store kvstore.Store, advance func(time.Duration))

// Run exercises the kvstore.Store contract against the backend produced by h.
func Run(t *testing.T, h Harness) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing key", func(t *testing.T) {
		s, _ := h(t)
		v, found, err := s.Get(ctx, "nope")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if found || v != "" {
			t.Errorf("Get() = (%q, %v), want (\"\", false)", v, found)
		}
	})

	t.Run("set then get", func(t *testing.T) {
		s, _ := h(t)
		if err := s.Set(ctx, "conn:abc", `{"a":1}`, 0); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
		v, found, err := s.Get(ctx, "conn:abc")
		if err != nil || !found {
			t.Fatalf("Get() = (%q, %v, %v), want found", v, found, err)
		}
		if v != `{"a":1}` {
			t.Errorf("Get() = %q, want {\"a\":1}", v)
		}
	})

	t.Run("set overwrites", func(t *testing.T) {
		s, _ := h(t)
		_ = s.Set(ctx, "k", "one", 0)
		_ = s.Set(ctx, "k", "two", 0)
		v, _, _ := s.Get(ctx, "k")
		if v != "two" {
			t.Errorf("Get() = %q, want two", v)
		}
	})

	t.Run("delete removes key", func(t *testing.T) {
		s, _ := h(t)
		_ = s.Set(ctx, "k", "v", 0)
		if err := s.Delete(ctx, "k"); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if _, found, _ := s.Get(ctx, "k"); found {
			t.Error("key still present after Delete()")
		}
	})

	t.Run("delete missing key is not an error", func(t *testing.T) {
		s, _ := h(t)
		if err := s.Delete(ctx, "never-set"); err != nil {
			t.Errorf("Delete() error: %v", err)
		}
	})

	t.Run("ttl expires key", func(t *testing.T) {
		s, advance := h(t)
		if err := s.Set(ctx, "pair:code", "v", 600*time.Second); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
		advance(599 * time.Second)
		if _, found, _ := s.Get(ctx, "pair:code"); !found {
			t.Fatal("key expired before its TTL")
		}
		advance(2 * time.Second)
		if _, found, _ := s.Get(ctx, "pair:code"); found {
			t.Error("key still present after its TTL")
		}
	})

	t.Run("set without ttl clears previous ttl", func(t *testing.T) {
		s, advance := h(t)
		_ = s.Set(ctx, "k", "short", time.Second)
		_ = s.Set(ctx, "k", "forever", 0)
		advance(time.Hour)
		v, found, _ := s.Get(ctx, "k")
		if !found || v != "forever" {
			t.Errorf("Get() = (%q, %v), want (forever, true)", v, found)
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		s, _ := h(t)
		_ = s.Set(ctx, "idx:a", "1", 0)
		_ = s.Set(ctx, "idx:b", "2", 0)
		_ = s.Delete(ctx, "idx:a")
		if v, found, _ := s.Get(ctx, "idx:b"); !found || v != "2" {
			t.Errorf("Get(idx:b) = (%q, %v), want (2, true)", v, found)
		}
	})

	t.Run("ping", func(t *testing.T) {
		s, _ := h(t)
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping() error: %v", err)
		}
	})
}
