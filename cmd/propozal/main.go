package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chisabyte/PropozalApp-sub001/internal/config"
	"github.com/chisabyte/PropozalApp-sub001/internal/httpapi"
	"github.com/chisabyte/PropozalApp-sub001/internal/propozal"
	"github.com/chisabyte/PropozalApp-sub001/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "propozal: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if err := run(cfg, logger); err != nil {
		logger.Error("propozal stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(rootCtx, "propozal", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	plans, err := loadPlans(cfg.PlanFile)
	if err != nil {
		return err
	}
	svc, err := buildService(cfg, plans, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("service close failed", "error", err)
		}
	}()

	if cfg.PlanFile != "" {
		watcher, err := propozal.NewPlanWatcher(cfg.PlanFile, plans, logger)
		if err != nil {
			return fmt.Errorf("watch plan file: %w", err)
		}
		go func() {
			if err := watcher.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("plan watcher stopped", "error", err)
			}
		}()
	}

	handler := httpapi.NewServerWithConfig(svc, httpapi.ServerConfig{
		JWTSecret:          cfg.JWTSecret,
		JWTAudience:        cfg.JWTAudience,
		InternalHMACSecret: cfg.InternalSecret,
		GenerationLimit:    cfg.GenerationLimit,
		GenerationWindow:   cfg.GenerationWindow,
		PublicLimit:        cfg.PublicLimit,
		PublicWindow:       cfg.PublicWindow,
		MaxBodyBytes:       cfg.MaxBodySize,
		TrustForwardedFor:  cfg.TrustForwardedFor,
		Logger:             logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("propozal listening", "addr", cfg.Addr, "storage", dsnScheme(cfg.StorageDSN), "queue", dsnScheme(cfg.QueueDSN))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-rootCtx.Done():
	}
	logger.Info("propozal shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}

func loadPlans(path string) (*propozal.PlanCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return propozal.NewPlanCatalog(propozal.DefaultPlans()), nil
	}
	plans, err := propozal.LoadPlanFile(path)
	if err != nil {
		return nil, fmt.Errorf("load plan file: %w", err)
	}
	catalog := propozal.NewPlanCatalog(propozal.DefaultPlans())
	if err := catalog.Replace(plans); err != nil {
		return nil, fmt.Errorf("load plan file: %w", err)
	}
	return catalog, nil
}

// buildService resolves every backend from its DSN and wires the service.
func buildService(cfg config.Config, plans *propozal.PlanCatalog, logger *slog.Logger) (*propozal.Service, error) {
	repo, err := propozal.BuildRepositoryFromDSN(cfg.StorageDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	var counters propozal.CounterStore
	if strings.TrimSpace(cfg.CounterDSN) != "" {
		counters, err = propozal.BuildCounterStoreFromDSN(cfg.CounterDSN, repo)
		if err != nil {
			closeQuietly(repo)
			return nil, fmt.Errorf("failed to initialize counter store: %w", err)
		}
	}
	queue, err := propozal.BuildDeliveryQueueFromDSN(cfg.QueueDSN, cfg.QueueSize)
	if err != nil {
		closeQuietly(repo)
		closeQuietly(counters)
		return nil, fmt.Errorf("failed to initialize delivery queue: %w", err)
	}
	return propozal.NewService(propozal.ServiceOptions{
		Repository:     repo,
		Counters:       counters,
		Queue:          queue,
		Plans:          plans,
		Logger:         logger,
		Workers:        cfg.Workers,
		EnqueueTimeout: cfg.QueueWait,
	})
}

func closeQuietly(v any) {
	if closer, ok := v.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

func dsnScheme(dsn string) string {
	scheme, _, found := strings.Cut(strings.TrimSpace(dsn), "://")
	if !found {
		return "memory"
	}
	return strings.ToLower(scheme)
}
