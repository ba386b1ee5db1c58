package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aimerfeng/hookrelay/internal/apikey"
	"github.com/aimerfeng/hookrelay/internal/app"
	"github.com/aimerfeng/hookrelay/internal/config"
	"github.com/aimerfeng/hookrelay/internal/dispatch"
	"github.com/aimerfeng/hookrelay/internal/inbound"
	"github.com/aimerfeng/hookrelay/internal/logging"
	"github.com/aimerfeng/hookrelay/internal/monitoring"
	"github.com/aimerfeng/hookrelay/internal/observability"
	"github.com/aimerfeng/hookrelay/internal/router"
	"github.com/aimerfeng/hookrelay/internal/server"
	"github.com/aimerfeng/hookrelay/internal/webhook"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	// Load configuration first
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Str("name", cfg.Server.Name).
		Msg("Starting hookrelay API server")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, &cfg.Tracing, cfg.Server.Name, cfg.Server.Env)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up tracing")
	}

	infra, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open infrastructure")
	}
	defer infra.Close()

	// Initialize Prometheus metrics
	monitoring.Init()
	log.Info().Msg("Prometheus metrics initialized")

	// Start metrics server if enabled
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	// The API process delivers what it publishes; cmd/worker recovers the rest
	dispatcher := dispatch.NewDispatcher(infra.Store, infra.Claims, cfg.Delivery, logging.NewLogger("dispatcher"))
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start dispatcher")
	}
	// no worker can share an in-memory store, so recovery runs here
	var sweeper *dispatch.Sweeper
	if infra.DB == nil {
		sweeper = dispatch.NewSweeper(dispatcher, cfg.Delivery.SweepInterval)
		if err := sweeper.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start sweeper")
		}
	}

	keys := apikey.NewService(infra.Store, logging.NewLogger("apikey"))
	srv := server.NewAPIServer(cfg, server.Deps{
		Webhooks:  webhook.NewService(infra.Store, dispatcher, logging.NewLogger("webhook")),
		Publisher: webhook.NewPublisher(router.New(infra.Store), dispatcher, logging.NewLogger("publisher")),
		APIKeys:   keys,
		Receiver: inbound.NewReceiver(
			keys,
			infra.Store,
			infra.Claims,
			infra.Sink(&cfg.Inbound),
			infra.Limiter(&cfg.Inbound),
			cfg.Inbound,
			logging.NewLogger("inbound"),
		),
		Checks: infra.Checks,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      otelhttp.NewHandler(srv.Router(), "hookrelay-api"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Str("url", cfg.Server.URL).
			Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Msg("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if sweeper != nil {
		sweeper.Stop()
	}
	dispatcher.Stop()
	stop()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to flush traces")
	}

	log.Info().Msg("Server exited gracefully")
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().
		Int("port", port).
		Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
