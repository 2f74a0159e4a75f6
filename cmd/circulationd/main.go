package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/biblioteca/circulation/internal/config"
	"github.com/biblioteca/circulation/internal/db"
	"github.com/biblioteca/circulation/internal/events"
	"github.com/biblioteca/circulation/internal/notify"
	"github.com/biblioteca/circulation/internal/repo"
	"github.com/biblioteca/circulation/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	log.Info("Circulation service starting")

	// Connect to database
	log.Info("Connecting to database...")
	database, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	// Run migrations
	log.Info("Running database migrations...")
	if err := db.RunMigrations(database); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Connect to RabbitMQ; without a broker the service still runs, events
	// are simply discarded.
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.RabbitMQURL != "" {
		log.Info("Connecting to RabbitMQ")
		amqpPublisher, err := events.NewAMQPPublisher(cfg.RabbitMQURL, log)
		if err != nil {
			log.Warn("RabbitMQ unavailable, events disabled", zap.Error(err))
		} else {
			publisher = amqpPublisher
		}
	}
	defer publisher.Close()

	// Wire the circulation rules engine
	settings := repo.NewSettingsRepository(database, log)
	buffer := notify.NewBuffer(notify.DefaultBufferCapacity)
	ledger := repo.NewLoanLedger(database, settings, buffer, publisher, log)

	// Ensure the policy row exists and log the active policy
	policy, err := settings.Get(context.Background())
	if err != nil {
		log.Fatal("Failed to load library settings", zap.Error(err))
	}
	log.Info("Circulation policy loaded",
		zap.Int("loan_period_days", policy.LoanPeriodDays),
		zap.Int("max_loans_per_borrower", policy.MaxLoansPerBorrower),
		zap.Int64("fine_per_day", policy.FinePerDay))

	// Start the overdue sweeper
	sweeper := notify.NewSweeper(ledger, buffer, publisher, cfg.SweepInterval, log)
	sweeper.Start()

	// Start HTTP server for health check and metrics
	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", healthHandler(database, publisher, log))
	httpMux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      httpMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down service...")

	sweeper.Stop()

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Service stopped")
}

func healthHandler(database *db.DB, publisher events.Publisher, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Check database connection
		if err := database.Ping(); err != nil {
			log.Error("Database health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy: database connection failed"))
			return
		}

		// Check event publisher connection
		if !publisher.IsHealthy() {
			log.Error("Event publisher health check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy: event publisher connection failed"))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	}
}
