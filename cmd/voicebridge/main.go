package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicebridge/voicebridge/internal/api"
	"github.com/voicebridge/voicebridge/internal/bridge"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/metrics"
	"github.com/voicebridge/voicebridge/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voicebridge",
		"http_port", cfg.HTTPPort,
		"public_url", cfg.PublicURL,
		"codec", cfg.Codec,
		"ai_model", cfg.AIModel,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	registry := bridge.NewRegistry(logger)
	orchestrator := bridge.NewOrchestrator(registry, logger)

	// Watchdog enforces the max call duration and the inactivity window.
	watchdog := bridge.NewWatchdog(registry, cfg.MaxCallDuration, cfg.InactivityTimeout, 5*time.Second, logger)
	go watchdog.Run(appCtx)

	provider := telephony.NewClient(cfg.ProviderAPIBase, cfg.ProviderAccountSID, cfg.ProviderAuthToken, cfg.ProviderNumber)
	if !provider.Configured() {
		slog.Warn("telephony provider not configured, outbound calls disabled")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(registry, time.Now()))

	handler, err := api.NewServer(cfg, registry, orchestrator, provider, promReg, logger)
	if err != nil {
		slog.Error("failed to create api server", "error", err)
		os.Exit(1)
	}
	defer handler.Close()

	// Media-stream connections are hijacked WebSockets that live for the
	// whole call, so only header reads get a server-level timeout.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown: drain every live call so buffered audio is
	// delivered and both legs close, then stop the HTTP listener.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down", "active_sessions", registry.Count())
	registry.DrainAll()
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("voicebridge stopped")
}
