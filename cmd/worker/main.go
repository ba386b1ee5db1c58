package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aimerfeng/hookrelay/internal/app"
	"github.com/aimerfeng/hookrelay/internal/config"
	"github.com/aimerfeng/hookrelay/internal/dispatch"
	"github.com/aimerfeng/hookrelay/internal/logging"
	"github.com/aimerfeng/hookrelay/internal/monitoring"
	"github.com/aimerfeng/hookrelay/internal/observability"
	"github.com/aimerfeng/hookrelay/internal/server"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env)

	if cfg.Database.URL == "" {
		log.Fatal().Msg("DATABASE_URL is required for the delivery worker")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, &cfg.Tracing, cfg.Server.Name+"-worker", cfg.Server.Env)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up tracing")
	}

	infra, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open infrastructure")
	}
	defer infra.Close()

	monitoring.Init()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	dispatcher := dispatch.NewDispatcher(infra.Store, infra.Claims, cfg.Delivery, logging.NewLogger("dispatcher"))
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start dispatcher")
	}

	sweeper := dispatch.NewSweeper(dispatcher, cfg.Delivery.SweepInterval)
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start sweeper")
	}

	srv := server.NewWorkerServer(cfg, dispatcher, sweeper, infra.Checks)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Worker.Port),
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Worker.Port).Msg("Starting delivery worker")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start worker status server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down delivery worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Worker status server forced to shutdown")
	}

	sweeper.Stop()
	dispatcher.Stop()
	stop()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to flush traces")
	}

	log.Info().Msg("Delivery worker exited")
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

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
