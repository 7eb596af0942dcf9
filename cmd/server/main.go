// Package main is the entry point for the gateway broker server binary.
// It dispatches three subcommands (serve, migrate and version) via a simple switch
// on os.Args so the binary's full CLI surface is readable in one place.
//
// Prometheus metrics are served on a dedicated side-channel port (default 9090) that
// is separate from the API listener, keeping the scrape path off the public ingress
// and out of the rate limiter.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/infi-control/gateway-broker/internal/api"
	"github.com/infi-control/gateway-broker/internal/broker"
	"github.com/infi-control/gateway-broker/internal/config"
	"github.com/infi-control/gateway-broker/internal/crypto"
	"github.com/infi-control/gateway-broker/internal/gateway"
	"github.com/infi-control/gateway-broker/internal/kvstore"
	"github.com/infi-control/gateway-broker/internal/kvstore/postgres"
	redisstore "github.com/infi-control/gateway-broker/internal/kvstore/redis"
	"github.com/infi-control/gateway-broker/internal/telemetry"

	// Register the in-process store backend.
	_ "github.com/infi-control/gateway-broker/internal/kvstore/memory"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("gateway-broker %s\n", version)
		return nil
	}

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	configPath := os.Getenv("CONFIG_PATH")
	switch command {
	case "serve":
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		// Schema changes need database settings only, not the server secret.
		cfg, err := config.LoadStore(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return runMigrations(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	logger := telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := kvstore.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()
	logger.Info("store initialized", "backend", cfg.Store.Backend, "key_prefix", cfg.Store.KeyPrefix)

	env, err := crypto.NewEnvelope(cfg.Broker.ServerSecret)
	if err != nil {
		return fmt.Errorf("failed to initialize envelope: %w", err)
	}

	b := broker.New(store, env,
		broker.WithMaxConnections(cfg.Broker.MaxConnections),
		broker.WithDeleteEvicted(cfg.Broker.DeleteEvicted),
		broker.WithLogger(logger),
	)
	gw := gateway.NewClient(cfg.Gateway, gateway.WithLogger(logger))

	// Replicas sharing a Redis store also share rate-limit budgets.
	var rdb goredis.UniversalClient
	if cfg.Store.Backend == "redis" && cfg.Security.RateLimiting.Enabled {
		client := redisstore.NewClient(&cfg.Store.Redis)
		defer client.Close()
		rdb = client
	}

	if cfg.Telemetry.Metrics.Enabled {
		startMetricsServer(cfg.Telemetry.Metrics.PrometheusPort)
	}

	router, bgServices := api.NewRouter(cfg, api.Dependencies{
		Store:   store,
		Broker:  b,
		Gateway: gw,
		Redis:   rdb,
		Version: version,
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"version", version,
			"tls", cfg.Security.TLS.Enabled,
			"max_connections", cfg.Broker.MaxConnections,
		)
		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		bgServices.Shutdown()
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	bgServices.Shutdown()
	logger.Info("server stopped gracefully")
	return nil
}

// startMetricsServer serves /metrics on its own port.
func startMetricsServer(port int) {
	addr := fmt.Sprintf(":%d", port)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("starting Prometheus metrics server", "addr", addr)
		srv := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

// runMigrations applies the postgres store schema. The serve command also migrates up
// on startup; this exists for operators who run schema changes as a separate step.
func runMigrations(cfg *config.Config, direction string) error {
	if cfg.Store.Backend != "postgres" {
		return fmt.Errorf("migrate requires store.backend=postgres (got %q)", cfg.Store.Backend)
	}
	pc := cfg.Store.Postgres
	db, err := postgres.Connect(pc.GetDSN(), pc.MaxConnections, pc.MinIdleConnections)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Printf("Running migrations: %s", direction)
	if err := postgres.RunMigrations(db.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := postgres.MigrationVersion(db.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", v, dirty)
	return nil
}
