/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave allotment engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load YAML configuration (defaults if the file is absent)
  3. Open the store (sqlite or postgres per config)
  4. Wrap the roster in its read cache
  5. Create the run registry, API handler, and router
  6. Start the waitlist sweeper
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to YAML config (default: config.yaml; missing is fine)
  -addr    Listen address, overrides config (e.g. :3000)
  -db      Database DSN, overrides config
           Use ":memory:" with the sqlite driver for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with the default sqlite file under ./data
  ./server

  # Run with an in-memory database
  ./server -db=":memory:"

  # Run against postgres
  ./server -config=prod.yaml

SEE ALSO:
  - config/config.go: Configuration shape and defaults
  - api/server.go: Router configuration
  - api/sweeper.go: Background promotion loop
*/
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/unionhall/allotment-engine/api"
	"github.com/unionhall/allotment-engine/config"
	"github.com/unionhall/allotment-engine/reconcile"
	"github.com/unionhall/allotment-engine/roster"
	"github.com/unionhall/allotment-engine/store/postgres"
	"github.com/unionhall/allotment-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	addr := flag.String("addr", "", "listen address (overrides config)")
	dsn := flag.String("db", "", "database DSN (overrides config)")
	flag.Parse()

	// Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = config.Default()
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	// Storage
	var (
		store      api.Storage
		closeStore func()
	)
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.DSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
				log.Fatalf("Failed to create database directory: %v", err)
			}
		}
		s, err := sqlite.New(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		store, closeStore = s, func() { s.Close() }
	case "postgres":
		s, err := postgres.New(context.Background(), cfg.Database.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		store, closeStore = s, s.Close
	default:
		log.Fatalf("Unknown database driver %q (use sqlite or postgres)", cfg.Database.Driver)
	}
	defer closeStore()

	// Handler and router
	members := roster.NewCached(store, cfg.Engine.RosterCacheTTL)
	registry := api.NewRegistry(cfg.Engine.RunTTL)
	handler := api.NewHandler(store, members, registry)
	handler.DefaultPolicy = cfg.Engine.DefaultPolicy
	handler.Matcher = reconcile.NameMatcher{Threshold: cfg.Engine.Threshold}

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:    cfg.Server.CORSOrigins,
		RateLimitRPS:   cfg.Server.RateLimitPerSec,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	})

	// Background waitlist sweeper
	sweeper := api.NewSweeper(store, registry)
	sweeper.Interval = cfg.Sweeper.Interval
	sweeper.Enabled = cfg.Sweeper.Enabled
	sweeper.Start()

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on %s (driver=%s)", cfg.Server.Addr, cfg.Database.Driver)
		log.Printf("📊 API available at http://localhost%s/api", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	sweeper.Stop()

	log.Println("Server stopped")
}
