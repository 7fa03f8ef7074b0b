// Package main provides the entry point for the ThreatLens server.
// ThreatLens is an entity risk scoring and correlation engine: it ingests
// security telemetry, evaluates detection rules, and aggregates
// per-entity risk scores with an explainable factor breakdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/threatlens/threatlens/internal/api"
	"github.com/threatlens/threatlens/internal/api/gateway"
	"github.com/threatlens/threatlens/internal/config"
	"github.com/threatlens/threatlens/internal/detect"
	"github.com/threatlens/threatlens/internal/entity"
	"github.com/threatlens/threatlens/internal/ingest"
	"github.com/threatlens/threatlens/internal/intel"
	"github.com/threatlens/threatlens/internal/observability"
	"github.com/threatlens/threatlens/internal/risk"
	"github.com/threatlens/threatlens/internal/store"
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
		fmt.Printf("ThreatLens %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	telemetry, err := observability.New(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize observability: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.Logger()
	logger.Info("Starting ThreatLens",
		zap.String("version", Version),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, continuing with in-process caching", zap.Error(err))
		}
	}

	// Engine wiring, leaves first.
	st := store.New()
	resolver := entity.NewResolver(st)
	correlator := intel.NewCorrelator(st, redisClient, cfg.Redis.CacheTTL, logger)
	engine := detect.NewEngine(st,
		detect.DefaultRules(cfg.Detection, st, resolver, correlator),
		logger, telemetry.Tracer())
	aggregator := risk.NewAggregator(st, correlator, cfg.Scoring, cfg.Detection, logger, telemetry.Tracer())
	recalc := aggregator.Recalculate
	if m := telemetry.Metrics(); m != nil {
		recalc = func(ctx context.Context) error {
			start := time.Now()
			err := aggregator.Recalculate(ctx)
			outcome := "success"
			if err != nil {
				outcome = "failure"
			}
			m.RecalcRuns.WithLabelValues(outcome).Inc()
			m.RecalcDuration.Observe(time.Since(start).Seconds())
			_, _, _, _, _, entities := st.Counts()
			m.EntitiesTracked.Set(float64(entities))
			return err
		}
	}
	trigger := risk.NewTrigger(ctx, recalc, logger)
	ingestSvc := ingest.NewService(st, resolver, correlator, logger)

	apiKey := ""
	if cfg.Server.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.Server.APIKeyEnv)
	}

	server := api.NewServer(st, ingestSvc, engine, trigger, correlator,
		cfg.Detection, apiKey, logger, telemetry.Metrics())

	r := chi.NewRouter()
	if redisClient != nil {
		limiter := gateway.NewRateLimiter(redisClient, gateway.RateLimitConfig{IncludeHeaders: true}, logger)
		r.Use(limiter.Middleware(func(req *http.Request) string {
			return req.Header.Get("Authorization")
		}))
	}
	r.Mount("/", server.Routes())
	if cfg.Observability.MetricsEnabled {
		r.Handle("/metrics", telemetry.MetricsHandler())
	}

	// Scheduled detection: run the rule catalogue and refresh scores on
	// an interval when configured.
	if cfg.Detection.ScheduleInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Detection.ScheduleInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					engine.Run(ctx, cfg.Detection.DefaultLookback)
					trigger.Request(true)
				}
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	sig := <-sigChan
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown error", zap.Error(err))
	}
	if redisClient != nil {
		redisClient.Close()
	}
	telemetry.Shutdown(shutdownCtx)

	logger.Info("Server stopped")
}
