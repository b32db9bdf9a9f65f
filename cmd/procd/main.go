// Package main is the entry point for the procplane daemon.
// The daemon runs commands on behalf of API callers: it owns concurrency,
// rate limiting, output capture and process lifecycle management.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"procplane/internal/api"
	"procplane/internal/config"
	"procplane/internal/logger"
	"procplane/internal/observability"
	"procplane/internal/runner"
	"procplane/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (optional; enabled by OTEL_ENDPOINT)
	if cfg.OTELEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "procplane-daemon", cfg.OTELEndpoint)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Printf("Failed to shutdown tracer: %v", err)
			}
		}()
	}

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	sup := supervisor.New(runner.NewExecRuntime(), supervisor.Config{
		Concurrency: cfg.Concurrency,
		SpawnRate:   cfg.SpawnRate,
		SpawnBurst:  cfg.SpawnBurst,
		Retention:   cfg.Retention,
		OutputTail:  cfg.OutputTail,
	}, slogger)

	server := api.New(cfg.HTTPAddr, api.NewHandlers(sup, slogger))

	// Start a dedicated metrics server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		log.Printf("Metrics listening on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	serverDone := make(chan error, 1)
	go func() {
		log.Printf("API listening on %s with concurrency %d", cfg.HTTPAddr, cfg.Concurrency)
		serverDone <- server.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Println("Shutting down daemon...")
	case err := <-serverDone:
		log.Printf("API server error: %v", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Printf("Supervisor shutdown: %v", err)
	}
}
