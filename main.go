package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ncol/publisher-service/internal/access"
	"github.com/ncol/publisher-service/internal/config"
	"github.com/ncol/publisher-service/internal/dispatch"
	"github.com/ncol/publisher-service/internal/lock"
	"github.com/ncol/publisher-service/internal/logging"
	"github.com/ncol/publisher-service/internal/nonce"
	"github.com/ncol/publisher-service/internal/selection"
	"github.com/ncol/publisher-service/internal/server"
	"github.com/ncol/publisher-service/internal/settings"
	"github.com/ncol/publisher-service/internal/storage"
)

func main() {
	logger := logging.NewLogger("ncol-publisher")

	// Load configuration
	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if cfg.Server.AdapterToken == "" {
		logger.Warn("ADAPTER_TOKEN not set: adapter API is unauthenticated and admin settings routes are disabled")
	}

	// Initialize storage
	store, err := storage.NewStorage(cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}
	defer store.Close()

	locker, err := lock.New(cfg.Lock)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize item lock")
	}

	var transport dispatch.Transport
	switch cfg.Dispatch.Transport {
	case "lambda":
		transport, err = dispatch.NewLambdaTransport(cfg.Dispatch.Region, cfg.Dispatch.LambdaFunction, cfg.Dispatch.Timeout)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Lambda transport")
		}
	default:
		transport = dispatch.NewHTTPTransport(cfg.Dispatch.Timeout)
	}

	settingsStore := settings.NewStore(cfg.Settings)
	if !settingsStore.Snapshot().ConfiguredFor(cfg.Dispatch.Transport != "lambda") {
		logger.Warn("Publisher endpoint or API key not set; dispatches will be skipped until configured")
	}

	authz := access.CapabilityAuthorizer{}
	registry := prometheus.NewRegistry()

	dispatcher := dispatch.NewDispatcher(cfg.Dispatch, cfg.Lock.Wait, dispatch.Dependencies{
		Store:      store,
		Settings:   settingsStore,
		Locker:     locker,
		Transport:  transport,
		Authorizer: authz,
		Logger:     logger,
		Metrics:    dispatch.NewMetrics(registry),
	})

	selectionService := selection.NewService(store, settingsStore, nonce.NewIssuer(cfg.Nonce.Secret, cfg.Nonce.Lifetime), authz)

	// Initialize HTTP server for the CMS adapter
	httpServer := server.NewServer(cfg.Server, server.Dependencies{
		Store:      store,
		Selection:  selectionService,
		Dispatcher: dispatcher,
		Settings:   settingsStore,
		AdminCap:   cfg.Settings.AdminCap,
		Gatherer:   registry,
		Logger:     logger,
	})

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.WithField("port", cfg.Server.Port).
			WithField("policy", dispatcher.Policy()).
			WithField("storage", cfg.Storage.Type).
			Info("Starting HTTP server")
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server error")
			sigChan <- syscall.SIGTERM
		}
	}()

	<-sigChan
	logger.Info("Shutdown signal received, gracefully shutting down...")

	// in-flight dispatches may block for up to the dispatch timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Dispatch.Timeout+15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
	}

	logger.Info("Shutdown complete")
}
