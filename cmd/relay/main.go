package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/relaylabs/llm-relay/config"
	"github.com/relaylabs/llm-relay/internal/cache"
	"github.com/relaylabs/llm-relay/internal/engine"
	"github.com/relaylabs/llm-relay/internal/ledger"
	"github.com/relaylabs/llm-relay/internal/provider"
	"github.com/relaylabs/llm-relay/internal/provider/anthropic"
	"github.com/relaylabs/llm-relay/internal/provider/openai"
	"github.com/relaylabs/llm-relay/internal/proxy"
	"github.com/relaylabs/llm-relay/internal/routing"
	"github.com/relaylabs/llm-relay/internal/telemetry"
	"github.com/relaylabs/llm-relay/internal/tokens"
	"github.com/relaylabs/llm-relay/internal/usage"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-relay", cfg)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Ledger store: PostgreSQL when configured, in-memory otherwise.
	var ledgerStore ledger.Store = ledger.NewMemoryStore()
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to connect postgres", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("PostgreSQL connected")
		ledgerStore = ledger.NewPostgresStore(pool)
	}

	// 4. Cache store: Redis when configured, in-memory otherwise.
	var cacheStore cache.Store = cache.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to ping redis", zap.Error(err))
		}
		logger.Info("Redis connected")
		cacheStore = cache.NewRedisStore(rdb)
	}

	// 5. Register providers from config.
	registry := provider.NewRegistry(healthConfig(cfg))
	for _, pc := range cfg.Providers {
		adapter, err := buildAdapter(pc)
		if err != nil {
			logger.Fatal("failed to build provider", zap.String("provider", pc.ID), zap.Error(err))
		}
		if err := registry.Register(pc.Descriptor(), adapter); err != nil {
			logger.Fatal("failed to register provider", zap.String("provider", pc.ID), zap.Error(err))
		}
	}

	// 6. Cost ledger with budgets.
	budgets, err := buildBudgets(cfg.Budgets)
	if err != nil {
		logger.Fatal("invalid budget config", zap.Error(err))
	}
	led := ledger.New(ledgerStore, registry, budgets, logger)
	if cfg.PostgresDSN != "" {
		// Rebuild window spend from the durable ledger after restart.
		if err := led.Replay(ctx); err != nil {
			logger.Fatal("failed to replay ledger", zap.Error(err))
		}
	}

	// 7. Usage aggregation + Prometheus.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	agg := usage.NewAggregator(promReg)
	led.OnCommit(agg.Observe)

	// 8. Response cache with background expiry sweep.
	respCache := cache.New(cacheStore, cfg.Cache.TTL, logger)
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go respCache.Sweep(sweepCtx, cfg.Cache.SweepInterval)

	// 9. Routing + engine.
	planner := routing.NewPlanner(registry, led, routing.Strategy(cfg.Routing.Strategy), cfg.Routing.QualityPrecedence)
	tracer := otel.GetTracerProvider().Tracer("llm-relay")
	eng := engine.New(engine.Deps{
		Registry: registry,
		Planner:  planner,
		Cache:    respCache,
		Ledger:   led,
		Usage:    agg,
		Tokens:   tokens.NewCounter(),
		Logger:   logger,
		Tracer:   tracer,
	}, engine.Options{
		AttemptTimeout: cfg.Executor.AttemptTimeout,
		MaxRetries:     cfg.Executor.RetryCount(),
		InitialBackoff: cfg.Executor.InitialBackoff,
		MaxBackoff:     cfg.Executor.MaxBackoff,
	})

	handler := proxy.NewHandler(eng, logger)

	// 10. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-relay"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	r.Post("/v1/chat/completions", handler.HandleComplete)
	r.Post("/v1/chat/completions/stream", handler.HandleCompleteStream)
	r.Get("/v1/usage", handler.HandleUsage)

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("LLM relay starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func buildAdapter(pc config.ProviderConfig) (provider.Provider, error) {
	switch pc.Kind {
	case "openai":
		return openai.New(openai.Config{
			APIKey:            pc.APIKey,
			BaseURL:           pc.BaseURL,
			Models:            pc.Models,
			RequestsPerSecond: pc.RequestsPerSecond,
		}), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:            pc.APIKey,
			BaseURL:           pc.BaseURL,
			Models:            pc.Models,
			RequestsPerSecond: pc.RequestsPerSecond,
		}), nil
	}
	return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
}

func buildBudgets(bcs []config.BudgetConfig) ([]ledger.Budget, error) {
	budgets := make([]ledger.Budget, 0, len(bcs))
	for _, bc := range bcs {
		window, err := bc.WindowDuration()
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, ledger.Budget{
			Name:     bc.Name,
			LimitUSD: bc.LimitUSD,
			Window:   window,
			Action:   ledger.Action(bc.Action),
		})
	}
	return budgets, nil
}

func healthConfig(cfg *config.Config) provider.HealthConfig {
	hc := provider.DefaultHealthConfig()
	if cfg.Health.DegradeAfter > 0 {
		hc.DegradeAfter = cfg.Health.DegradeAfter
	}
	if cfg.Health.DisableAfter > 0 {
		hc.DisableAfter = cfg.Health.DisableAfter
	}
	if cfg.Health.Cooldown > 0 {
		hc.Cooldown = cfg.Health.Cooldown
	}
	return hc
}
