package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowd/core/identity"
	"escrowd/core/state"
	"escrowd/native/attestation"
	"escrowd/native/escrow"
	"escrowd/observability"
	"escrowd/observability/logging"
	"escrowd/storage"
)

func main() {
	cfg, err := loadRuntimeConfig()
	if err != nil {
		slog.Error("load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.Setup("escrowd", cfg.environment)

	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		logger.Error("create data dir", slog.String("error", err.Error()))
		os.Exit(1)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.dataDir, "state"))
	if err != nil {
		logger.Error("open state database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	directory := identity.NewDirectory(db)
	ledger := attestation.NewLedger(db)
	oracle := attestation.NewOracle(ledger, cfg.oracleTimeout)

	engine := escrow.NewEngine(manager, directory, oracle)
	engine.SetFreshnessWindow(cfg.freshness)
	engine.SetEmitter(observability.NewEventSink(logger))

	store, err := NewSQLiteStore(cfg.idempotencyDB)
	if err != nil {
		logger.Error("open gateway database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	var auth *Authenticator
	if cfg.authEnabled() {
		auth = NewAuthenticator(map[string]string{cfg.apiKey: cfg.apiSecret}, 2*time.Minute, 0, nil)
	} else {
		logger.Warn("authentication disabled", slog.String("env", cfg.environment))
	}

	server := NewServer(engine, directory, ledger, manager, store, auth, newClientLimiter(cfg.rateLimit), logger)

	httpServer := &http.Server{
		Addr:              cfg.listenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.metricsAddress,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("escrowd listening", slog.String("address", cfg.listenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("metrics listening", slog.String("address", cfg.metricsAddress))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server failed", slog.String("error", err.Error()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", slog.String("error", err.Error()))
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("metrics shutdown", slog.String("error", err.Error()))
	}
}
