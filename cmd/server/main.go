package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tangled.org/arabica.social/modgate/internal/config"
	"tangled.org/arabica.social/modgate/internal/database"
	"tangled.org/arabica.social/modgate/internal/database/backend"
	"tangled.org/arabica.social/modgate/internal/handlers"
	"tangled.org/arabica.social/modgate/internal/metrics"
	"tangled.org/arabica.social/modgate/internal/middleware"
	"tangled.org/arabica.social/modgate/internal/moderation"
	"tangled.org/arabica.social/modgate/internal/routing"
	"tangled.org/arabica.social/modgate/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to modgate.toml (default: search the usual locations)")
	flag.Parse()

	cfg, usedPath, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogging(cfg.Log)

	log.Info().Str("config", usedPath).Msg("Starting modgate")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(ctx, cfg.Tracing.Endpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush traces")
			}
		}()
		log.Info().Str("endpoint", cfg.Tracing.Endpoint).Msg("Tracing enabled")
	}

	store, err := backend.Open(ctx, cfg, backend.Options{})
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("Failed to open store")
	}
	defer store.Close()

	engine := moderation.NewEngine(store, cfg.EngineOptions())

	operators, err := moderation.NewOperators(cfg.Server.OperatorsFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Server.OperatorsFile).Msg("Failed to load operators")
	}

	metrics.StartCollector(ctx, statsSource(ctx, store, engine, cfg.Rollout.Deployment), cfg.Server.MetricsInterval)

	h := handlers.NewHandler(engine, operators, handlers.Config{
		DefaultLegacyDuration: cfg.Legacy.DefaultDuration,
	})

	limits := middleware.NewDefaultRateLimitConfig()
	defer limits.Stop()

	srv := &http.Server{
		Addr: "0.0.0.0:" + cfg.Server.Port,
		Handler: routing.SetupRouter(routing.Config{
			Handlers:   h,
			Logger:     log.Logger,
			RateLimits: limits,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", srv.Addr).
			Str("backend", cfg.Store.Backend).
			Str("deployment", cfg.Rollout.Deployment).
			Str("primary", string(engine.Authority(ctx).Primary())).
			Msg("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}
}

func setupLogging(c config.Log) {
	switch c.Level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Pretty console logging in development, JSON in production
	if c.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}
}

// statsSource feeds the gauge collector. Store errors report -1 so the
// previous value is kept.
func statsSource(ctx context.Context, store database.Store, engine *moderation.Engine, deployment string) metrics.StatsSource {
	stats := func() database.Stats {
		s, err := store.Stats(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read store stats")
			return database.Stats{TrackedUsers: -1, MutedUsers: -1, AuditEntries: -1}
		}
		return s
	}
	return metrics.StatsSource{
		TrackedUserCount: func() int { return stats().TrackedUsers },
		MutedUserCount:   func() int { return stats().MutedUsers },
		AuditEntryCount:  func() int { return stats().AuditEntries },
		Rollout: func() metrics.RolloutState {
			cfg := engine.Config(ctx, deployment)
			return metrics.RolloutState{
				Deployment: deployment,
				Phase:      cfg.CurrentPhase(),
				Live:       cfg.Mode == moderation.ModeLive,
			}
		},
		CurrentIsPrimary: func() bool { return engine.Authority(ctx).IsCurrentPrimary() },
	}
}
