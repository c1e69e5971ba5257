// Package main provides the entry point for the stixforge server.
// It converts MISP events to STIX over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/stixforge/internal/api"
	"github.com/lvonguyen/stixforge/internal/config"
	"github.com/lvonguyen/stixforge/internal/convert"
	"github.com/lvonguyen/stixforge/internal/misp"
	"github.com/lvonguyen/stixforge/internal/observability"
	"github.com/lvonguyen/stixforge/internal/service"
	"github.com/lvonguyen/stixforge/internal/store"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stixforge %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "stixforge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Observability.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Observability.TracingEnabled,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		SamplingRate:   cfg.Observability.SamplingRate,
		MetricsEnabled: cfg.Observability.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger()

	logger.Info("Starting stixforge",
		zap.String("version", Version),
		zap.String("config", configPath),
		zap.String("format", cfg.Converter.Format),
		zap.String("stix_version", cfg.Converter.Version),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	target, err := service.NewTarget(cfg.Converter)
	if err != nil {
		return err
	}

	var identities store.Store = store.NewMemoryStore()
	var limiter *api.RateLimiter
	if cfg.Redis.Enabled {
		client, err := store.NewRedisClient(ctx, store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		identities = store.NewRedisStore(client, cfg.Redis.KeyPrefix, cfg.Redis.IdentityTTL, logger.Named("store"))
		if cfg.Server.RateLimit.Enabled {
			limiter = api.NewRateLimiter(client, cfg.Server.RateLimit, cfg.Redis.KeyPrefix, tel.Metrics(), logger.Named("ratelimit"))
		}
		logger.Info("Redis identity store enabled", zap.String("addr", cfg.Redis.Addr))
	}
	defer identities.Close()

	svc := service.New(target, identities, cfg.Converter.Bundle,
		service.WithEngineOptions(convert.WithLogger(logger.Named("convert"))),
		service.WithMetrics(tel.Metrics()),
		service.WithTracer(tel.Tracer()),
		service.WithLogger(logger.Named("service")),
	)

	opts := api.Options{
		Version:      Version,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Timeout:      cfg.Server.WriteTimeout,
		Limiter:      limiter,
		Metrics:      tel.Metrics(),
		Logger:       logger.Named("http"),
	}
	if cfg.MISP.BaseURL != "" {
		client, err := misp.NewClient(cfg.MISP)
		if err != nil {
			logger.Warn("MISP client disabled", zap.Error(err))
		} else {
			opts.Events = client
			logger.Info("MISP fetch enabled", zap.String("base_url", cfg.MISP.BaseURL))
		}
	}

	if cfg.Observability.MetricsEnabled {
		opts.MetricsHandler = tel.MetricsHandler()
	}

	tel.StartSystemMetricsCollector(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(svc, opts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		logger.Error("Server error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown error", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}
