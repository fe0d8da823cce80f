package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/careline/server/internal/auth"
	"github.com/careline/server/internal/config"
	"github.com/careline/server/internal/db"
	"github.com/careline/server/internal/dedup"
	"github.com/careline/server/internal/ehr"
	httpapi "github.com/careline/server/internal/http"
	"github.com/careline/server/internal/http/handlers"
	"github.com/careline/server/internal/httpclient"
	"github.com/careline/server/internal/metrics"
	"github.com/careline/server/internal/middleware"
	"github.com/careline/server/internal/repo"
	"github.com/careline/server/internal/scheduler"
	"github.com/careline/server/internal/voice"
	"github.com/careline/server/internal/webhook"
)

const (
	shutdownTimeout   = 10 * time.Second
	tokenSweepGrace   = time.Hour
	tokenRateWindow   = time.Minute
	tokenRateMax      = 30
	limiterSweepEvery = 10 * time.Minute
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server, callback scheduler and maintenance loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	logger := newLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPoolOptions(), logger)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(ctx, database); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Auth
	tokenService := auth.NewTokenService(
		repo.NewClientRepo(database),
		repo.NewTokenRepo(database),
		cfg.TokenTTL,
		auth.WithLogger(logger),
		auth.WithMetrics(m),
	)
	jwtService := auth.NewJWTService(cfg.OperatorJWTSecret)

	// Dedup
	zone := dedup.Zone{Standard: cfg.DedupStandardOffset, Daylight: cfg.DedupDaylightOffset}
	var processed dedup.Store
	var guard *dedup.Guard
	switch cfg.DedupBackend {
	case "redis":
		rs, err := dedup.NewRedisStore(ctx, cfg.RedisURL, zone)
		if err != nil {
			return err
		}
		defer rs.Close()
		processed = rs
		logger.Info().Msg("dedup backend: redis")
	default:
		guard = dedup.NewGuard(dedup.WithZone(zone), dedup.WithGuardLogger(logger), dedup.WithGuardMetrics(m))
		processed = guard
		logger.Info().Time("next_reset", guard.NextReset()).Msg("dedup backend: memory")
	}

	// Upstreams
	upstream := func(name, baseURL, apiKey string) *httpclient.Client {
		return httpclient.New(baseURL, apiKey,
			httpclient.WithTimeout(cfg.HTTPClientTimeout),
			httpclient.WithMaxRetries(cfg.HTTPClientMaxRetries),
			httpclient.WithLogger(logger.With().Str("upstream", name).Logger()),
		)
	}
	ehrClient := ehr.NewClient(upstream("ehr", cfg.EHRBaseURL, cfg.EHRAPIKey))
	dispatcher := voice.NewDispatcher(upstream("voice", cfg.VoiceBaseURL, cfg.VoiceAPIKey))

	profiles, err := voice.ParseProfiles(cfg.AgentProfiles)
	if err != nil {
		return fmt.Errorf("AGENT_PROFILES: %w", err)
	}
	if profiles.Len() == 0 {
		logger.Warn().Msg("AGENT_PROFILES is empty, no callback will be scheduled")
	}

	// Webhook ingestion
	validator, err := webhook.NewValidator()
	if err != nil {
		return err
	}
	processor := webhook.NewProcessor(
		repo.NewEventStore(database),
		processed,
		ehrClient,
		ehrClient,
		profiles,
		webhook.WithLogger(logger),
		webhook.WithMetrics(m),
	)

	// Scheduler
	sched := scheduler.New(
		repo.NewCallbackRepo(database),
		ehrClient,
		dispatcher,
		profiles,
		scheduler.WithInterval(cfg.SchedulerInterval),
		scheduler.WithZone(zone),
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(m),
	)

	// HTTP
	limiter := middleware.NewRateLimiter(tokenRateWindow, tokenRateMax)
	router := httpapi.NewRouter(httpapi.Deps{
		Logger:       logger,
		Auth:         handlers.NewAuthHandler(tokenService, logger),
		Webhook:      handlers.NewWebhookHandler(validator, processor, logger),
		Scheduler:    handlers.NewSchedulerHandler(sched, logger),
		Health:       handlers.NewHealthHandler(func(ctx context.Context) error { return db.Ping(ctx, database) }),
		Tokens:       tokenService,
		Operator:     jwtService,
		TokenLimiter: limiter,
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		sched.Stop()
		err := srv.Shutdown(shutdownCtx)
		sched.Wait()
		tokenService.Wait()
		if err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if cfg.SchedulerEnabled {
		sched.Start(gctx)
	} else {
		logger.Warn().Msg("callback scheduler disabled")
	}

	if guard != nil {
		g.Go(func() error {
			guard.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		limiter.RunCleanup(gctx, limiterSweepEvery)
		return nil
	})

	if cfg.TokenSweepInterval > 0 {
		g.Go(func() error {
			runTokenSweep(gctx, tokenService, cfg.TokenSweepInterval, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server exited")
	return nil
}

// runTokenSweep deletes long-expired tokens every interval until ctx is done
func runTokenSweep(ctx context.Context, tokens *auth.TokenService, every time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := tokens.SweepExpired(ctx, tokenSweepGrace); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("token sweep failed")
			}
		}
	}
}
