package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/infi-control/gateway-broker/internal/crypto"
	"github.com/infi-control/gateway-broker/internal/kvstore"
	"github.com/infi-control/gateway-broker/internal/kvstore/memory"
)

const testSecret = "test-server-secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%02d", s.n), nil
}

// spyStore records every mutation passed to the wrapped store.
type spyStore struct {
	kvstore.Store
	mu     sync.Mutex
	writes []string
}

func (s *spyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	s.writes = append(s.writes, "set "+key)
	s.mu.Unlock()
	return s.Store.Set(ctx, key, value, ttl)
}

func (s *spyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.writes = append(s.writes, "del "+key)
	s.mu.Unlock()
	return s.Store.Delete(ctx, key)
}

func (s *spyStore) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func (s *spyStore) Reset() {
	s.mu.Lock()
	s.writes = nil
	s.mu.Unlock()
}

type fixture struct {
	broker *Broker
	store  *spyStore
	mem    *memory.Store
	clock  *testClock
	env    *crypto.Envelope
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture builds a broker over a memory store sharing the broker's clock.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := newTestClock()
	return newFixtureWithStoreClock(t, clock, clock.Now, opts...)
}

func newFixtureWithStoreClock(t *testing.T, clock *testClock, storeNow func() time.Time, opts ...Option) *fixture {
	t.Helper()
	env, err := crypto.NewEnvelope(testSecret)
	require.NoError(t, err)

	mem := memory.New(memory.WithClock(storeNow))
	t.Cleanup(func() { mem.Close() })
	spy := &spyStore{Store: mem}

	ids := &seqIDs{}
	base := []Option{WithClock(clock.Now), WithIDGenerator(ids.Next), WithLogger(discardLogger())}
	b := New(spy, env, append(base, opts...)...)
	return &fixture{broker: b, store: spy, mem: mem, clock: clock, env: env}
}

func (f *fixture) get(t *testing.T, key string) (string, bool) {
	t.Helper()
	v, found, err := f.mem.Get(context.Background(), key)
	require.NoError(t, err)
	return v, found
}

func (f *fixture) register(t *testing.T, apiKey, name, baseURL, token string) {
	t.Helper()
	require.NoError(t, f.broker.Register(context.Background(), apiKey, RegisterInput{Name: name, BaseURL: baseURL, Token: token}))
}

func (f *fixture) start(t *testing.T, apiKey string) string {
	t.Helper()
	ticket, err := f.broker.StartPairing(context.Background(), apiKey)
	require.NoError(t, err)
	return ticket.Code
}

func (f *fixture) claim(t *testing.T, apiKey, name string) PairedConnection {
	t.Helper()
	code := f.start(t, apiKey)
	pc, err := f.broker.ClaimPairing(context.Background(), ClaimInput{
		Code: code, Name: name, BaseURL: "http://" + name, Token: "tok-" + name,
	})
	require.NoError(t, err)
	return pc
}

func mustEnvelope(t *testing.T, secret string) *crypto.Envelope {
	t.Helper()
	env, err := crypto.NewEnvelope(secret)
	require.NoError(t, err)
	return env
}
