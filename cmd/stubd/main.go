package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/feedsync/client/internal/config"
	"github.com/feedsync/client/internal/observability"
	"github.com/feedsync/client/internal/stub"
)

func main() {
	logger := observability.GetLogger()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	// Initialize telemetry
	ctx := context.Background()
	telemetry, err := observability.Initialize(ctx, observability.NewConfig("feedsync-stubd", "1.0.0"))
	if err != nil {
		logger.Warnf("Telemetry init failed: %v", err)
	}
	defer func() {
		if telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(shutdownCtx)
		}
	}()

	// Initialize storage
	var storage *stub.Storage
	if cfg.UsePostgres() {
		logger.Info("Using PostgreSQL database")
		storage, err = stub.NewPostgresStorage(cfg.DatabaseURL)
	} else {
		logger.Info("Using SQLite database")
		storage, err = stub.NewSQLiteStorage(cfg.DatabasePath)
	}
	if err != nil {
		logger.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	defer storage.Close()

	// Start the websocket hub
	hub := stub.NewHub()
	go hub.Run()

	server := stub.NewServer(storage, hub)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware("feedsync-stubd"))
	if httpMetrics, err := observability.NewHTTPMetrics(); err != nil {
		logger.Warnf("HTTP metrics unavailable: %v", err)
	} else {
		r.Use(observability.MetricsMiddleware(httpMetrics))
	}

	server.Routes(r)

	// Create server
	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithField("addr", cfg.ServerAddress).Info("FeedSync stub data service starting")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Server error: %v", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
