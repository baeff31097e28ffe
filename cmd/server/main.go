package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"polyglot-exec/internal/api"
	"polyglot-exec/internal/auth"
	"polyglot-exec/internal/broadcast"
	"polyglot-exec/internal/config"
	"polyglot-exec/internal/monitor"
	"polyglot-exec/internal/runtime"
	"polyglot-exec/internal/sandbox"
	"polyglot-exec/internal/service"
	"polyglot-exec/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("invalid default config")
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			log.Fatal().Str("port", port).Msg("PORT must be 1-65535")
		}
		log.Info().Int("port", p).Msg("using port from environment")
		cfg.Server.Port = p
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer(cfg.Tracing.Enabled, cfg.Tracing.ServiceName)

	registry := runtime.NewRegistry()
	for lang, image := range cfg.Sandbox.Images {
		if err := registry.OverrideImage(lang, image); err != nil {
			log.Fatal().Err(err).Str("language", lang).Msg("invalid image override")
		}
	}

	// Initialize sandbox backend (auto-detects containerd vs Docker)
	backend, err := sandbox.NewBackend(ctx, cfg, registry)
	if err != nil {
		log.Fatal().Err(err).Msg("no sandbox backend available")
	}

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open execution store")
	}

	hub := broadcast.NewHub(cfg.Notify.SubscriberBuffer)
	hub.OnDrop(metrics.SubscriberDrops.Inc)

	opts := service.OptionsFromConfig(cfg)
	opts.Metrics = metrics
	opts.Tracer = tracer
	opts.Scanner = monitor.NewCodeScanner()
	svc := service.New(store, backend, registry, hub, opts)

	server := api.NewServer(cfg, api.Deps{
		Service:  svc,
		Hub:      hub,
		Verifier: auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Sandbox:  backend,
		Store:    store,
		InFlight: svc.InFlight,
		Metrics:  metrics,
	})

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		// Abort running submissions and let them record and publish their
		// outcome before the hub closes; streams end when it does, which
		// lets the server drain.
		if err := svc.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Int("in_flight", svc.InFlight()).Msg("in-flight runs did not finish")
		}
		hub.Close()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("db_driver", cfg.Database.Driver).
		Strs("languages", registry.Languages()).
		Int("max_concurrent", cfg.Sandbox.MaxConcurrent).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-stopped
	log.Info().Msg("server stopped")
}
