package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"banwarden/ban"
	"banwarden/config"
	"banwarden/fingerprint"
	"banwarden/observability/logging"
	"banwarden/ops"
	"banwarden/storage"
)

func main() {
	configFile := flag.String("config", "./banwarden.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BANWARDEN_ENV"))
	logger := logging.Setup("banwarden", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "registry"))
	if err != nil {
		logger.Error("open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	engine := fingerprint.NewEngine(fingerprint.HostSignals{}, db, logger)
	registry, err := ban.NewRegistry(db, engine, logger)
	if err != nil {
		logger.Error("load registry", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runCleanup(ctx, registry, cfg.CleanupInterval.Duration, logger)

	server := &http.Server{
		Addr: cfg.ListenAddress,
		Handler: ops.NewHandler(ops.Config{
			Registry:           registry,
			Logger:             logger,
			RequestsPerMinute:  cfg.StatsRequestsPerMinute,
			Burst:              cfg.StatsBurst,
			DefaultBanDuration: cfg.DefaultBanDuration.Duration,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("ops listener started", slog.String("addr", cfg.ListenAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops listener failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops shutdown", slog.Any("error", err))
	}
}

func runCleanup(ctx context.Context, registry *ban.Registry, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.CleanupExpired()
			logger.Debug("cleanup pass finished")
		}
	}
}
