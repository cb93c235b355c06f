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

	"github.com/lexiqai/salute-stt/internal/config"
	"github.com/lexiqai/salute-stt/internal/gateway"
	"github.com/lexiqai/salute-stt/internal/observability"
	"github.com/lexiqai/salute-stt/internal/stt"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	client, err := stt.NewClientFromConfig(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create SaluteSpeech client")
	}

	logger.Info().
		Str("port", cfg.Port).
		Str("base_url", cfg.BaseURL).
		Str("session_id", client.SessionID()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Speech recognition gateway starting")

	mux := http.NewServeMux()

	mux.Handle("/v1/transcriptions", gateway.NewTranscriptionHandler(client, cfg.MaxUploadBytes, cfg.TempDir))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness: the gateway is usable once a token can be obtained
	tokenCheck := func(ctx context.Context) (bool, error) {
		if _, err := client.Tokens().ValidToken(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(10*time.Second,
		observability.DependencyCheck{Name: "salutespeech_token", Check: tokenCheck},
	))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Writes must outlast the recognition max wait
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.MaxWaitDuration() + 2*time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("http://localhost:%s/v1/transcriptions", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
