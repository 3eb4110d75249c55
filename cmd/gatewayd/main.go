package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"gatewayd/internal/config"
	"gatewayd/internal/engine"
	"gatewayd/internal/metrics"
	"gatewayd/internal/observability"
	"gatewayd/internal/orchestrator"
	"gatewayd/internal/ratelimit"
	"gatewayd/internal/registry"
	"gatewayd/internal/supervisor"
)

func main() {
	// Load environment from .env (or fallback to example.env) before
	// the logger and config are initialized, so GATEWAYD_* overrides
	// (including GATEWAYD_LOG_PATH/GATEWAYD_LOG_LEVEL) take effect from
	// the first line.
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		log.Fatal().Err(err).Msg("failed to load config")
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	reg, err := loadRegistry(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load model registry")
	}

	sup := supervisor.New()
	eng := engine.New(sup, cfg.EngineBinaryPath, cfg.EnginePort)

	limiterCfg := ratelimit.Config{
		PerIPPerMinute:     cfg.PerIPPerMinute,
		MaxConcurrentPerIP: cfg.MaxConcurrentPerIP,
		GlobalPerMinute:    cfg.GlobalPerMinute,
		CleanupInterval:    cfg.CleanupInterval,
	}
	limiter := ratelimit.New(limiterCfg)
	m := metrics.New()

	defaultModel, err := reg.DefaultModel()
	if err != nil {
		log.Fatal().Err(err).Msg("no default model configured")
	}
	if defaultModel.Path == "" {
		defaultModel.Path = cfg.ModelPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := eng.Load(ctx, defaultModel); err != nil {
		log.Fatal().Err(err).Msg("failed to load default model")
	}

	srv := orchestrator.New(reg, eng, limiter, m)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return limiter.RunCleanup(groupCtx)
	})

	group.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("gatewayd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("error during http server shutdown")
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("gatewayd exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down engine")
	}

	log.Info().Msg("gatewayd stopped")
}

func loadRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg, err := registry.Load(cfg.RegistryPath)
	if err == nil {
		return reg, nil
	}
	log.Warn().Err(err).Str("path", cfg.RegistryPath).Msg("model registry file unavailable, using built-in default registry")
	return registry.Default(cfg.ModelPath), nil
}
