/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the credit ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env files and parse command-line flags
  2. Initialize SQLite store and tenant directory
  3. Wire observers (Prometheus, ledger events)
  4. Create the ledger service and API handler
  5. Start the reconciler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: $PORT or 8080)
  -db      SQLite database path (default: $DB_PATH or ledger.db)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  JWT_SECRET               HS256 key shared with the identity service (required)
  AMQP_URL, EVENTS_QUEUE   RabbitMQ target for ledger events (optional)
  HIGH_QUANTITY_THRESHOLD  Service-wide confirmation threshold
  CONFLICT_MAX_RETRIES     Retries after a concurrent balance update
  TENANT_CACHE_SIZE, TENANT_CACHE_TTL
  RECONCILE_INTERVAL       0 disables the reconciler
  CORS_ORIGINS, LOG_LEVEL

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the reconciler and flush queued events
  4. Close database connection

SEE ALSO:
  - api/server.go: Router configuration
  - config/env.go: Environment variables
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/events"
	"github.com/warp/credit-ledger/logging"
	"github.com/warp/credit-ledger/metrics"
	"github.com/warp/credit-ledger/store/sqlite"
	"github.com/warp/credit-ledger/tenant"
)

func main() {
	config.LoadEnv(nil)
	cfg := config.Load()
	log := logging.NewLoggerWithService("credit-ledger")

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer store.Close()

	directory := tenant.NewDirectory(store, cfg.TenantCacheSize, cfg.TenantCacheTTL)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// Ledger events
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.EventsQueue)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to RabbitMQ")
		}
		publisher = amqpPub
		log.WithField("queue", cfg.EventsQueue).Info("Publishing ledger events to RabbitMQ")
	}
	notifier := events.NewNotifier(publisher, log, 0)

	retry := credit.DefaultRetryConfig()
	retry.MaxRetries = cfg.ConflictMaxRetries

	svc := credit.NewService(store, directory,
		credit.WithThreshold(cfg.HighQuantityThreshold),
		credit.WithRetry(retry),
		credit.WithLogger(log),
		credit.WithObserver(collector),
		credit.WithObserver(notifier),
	)

	// Initialize handler
	handler := api.NewHandler(svc, store, directory, store, log)

	// Create router
	router := api.NewRouter(handler, api.RouterConfig{
		JWTSecret:   []byte(cfg.JWTSecret),
		CORSOrigins: cfg.CORSOrigins,
		Gatherer:    reg,
	})

	// Reconciler
	reconciler := api.NewReconciler(store, log)
	reconciler.Recorder = collector
	reconciler.CheckInterval = cfg.ReconcileInterval
	reconciler.Enabled = cfg.ReconcileInterval > 0
	reconciler.Start()

	// Create server
	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithField("port", *port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	reconciler.Stop()
	if err := notifier.Close(); err != nil {
		log.WithError(err).Warn("Failed to close event publisher")
	}

	log.Info("Server stopped")
}
