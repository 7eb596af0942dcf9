// Package postgres implements the kvstore backend on a single PostgreSQL table.
// Expired rows are hidden on read and removed by a periodic purge.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/infi-control/gateway-broker/internal/config"
	"github.com/infi-control/gateway-broker/internal/kvstore"
	"github.com/infi-control/gateway-broker/internal/safego"
)

func init() {
	kvstore.Register("postgres", func(cfg *config.Config) (kvstore.Store, error) {
		pc := cfg.Store.Postgres
		db, err := Connect(pc.GetDSN(), pc.MaxConnections, pc.MinIdleConnections)
		if err != nil {
			return nil, err
		}
		if err := RunMigrations(db.DB, "up"); err != nil {
			_ = db.Close()
			return nil, err
		}
		s := New(db)
		s.StartPurge(pc.PurgeInterval)
		return s, nil
	})
}

const (
	getQuery = `SELECT value FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`

	upsertQuery = `INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`

	deleteQuery = `DELETE FROM kv_entries WHERE key = $1`

	purgeQuery = `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`
)

// Store persists entries in the kv_entries table.
type Store struct {
	db  *sqlx.DB
	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// Connect opens a pooled connection and pings it.
func Connect(dsn string, maxConnections, minIdleConnections int) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxConnections)
	db.SetMaxIdleConns(minIdleConnections)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// New wraps an open database. The schema must already exist.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now, stop: make(chan struct{})}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, getQuery, key, s.now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get entry: %w", err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.now().UTC()
	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: now.Add(ttl), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, upsertQuery, key, value, expiresAt, now); err != nil {
		return fmt.Errorf("failed to set entry: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, deleteQuery, key); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the purge loop and closes the pool.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.db.Close()
}

// PurgeExpired deletes rows whose expiry has passed and returns how many went.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, purgeQuery, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	return res.RowsAffected()
}

// StartPurge runs PurgeExpired every interval until Close. A non-positive interval is a no-op.
func (s *Store) StartPurge(interval time.Duration) {
	if interval <= 0 {
		return
	}
	safego.Go("postgres-purge", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				n, err := s.PurgeExpired(ctx)
				cancel()
				if err != nil {
					slog.Warn("kv purge failed", "error", err)
				} else if n > 0 {
					slog.Debug("purged expired kv entries", "count", n)
				}
			}
		}
	})
}
