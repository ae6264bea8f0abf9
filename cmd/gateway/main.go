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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/catalog"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/circuit"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/dispatch"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/learning"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/selector"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/crypto"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/memstore"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/redis"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	zl.Info("starting gateway", zap.String("port", cfg.Port), zap.String("env", cfg.Env), zap.String("store", cfg.StoreBackend))

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer st.Close()

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisClient.Close()
	zl.Info("connected to redis")

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}

	sealer, err := crypto.NewSealer(cfg.SecretPassphrase)
	if err != nil {
		return fmt.Errorf("credential sealer: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	breaker := circuit.New(redisClient, circuit.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		FailureWindow:    cfg.CircuitFailureWindow,
		RecoveryTimeout:  cfg.CircuitRecovery,
	}, zl.Named("circuit"), circuit.WithMetrics(m))
	limiter := ratelimit.New(redisClient, zl.Named("ratelimit"), ratelimit.WithMetrics(m))
	sel := selector.New(st, cat, breaker, zl.Named("selector"),
		selector.WithMaxCandidates(cfg.MaxCandidates), selector.WithMetrics(m))
	recorder := learning.New(st, cat, breaker, zl.Named("learning"), learning.WithMetrics(m))
	registry := providers.DefaultRegistry(map[string]providers.Options{
		"openai":    {BaseURL: cfg.OpenAIBaseURL},
		"anthropic": {BaseURL: cfg.AnthropicBaseURL},
		"gemini":    {BaseURL: cfg.GeminiBaseURL},
		"bedrock":   {Region: cfg.AWSRegion},
	})
	zl.Info("adapters registered", zap.Strings("providers", registry.Providers()))

	deps := dispatch.Deps{
		Selector: sel,
		Limiter:  limiter,
		Breaker:  breaker,
		Recorder: recorder,
		Adapters: registry,
		Secrets:  sealer,
		Usage:    st,
		Catalog:  cat,
		Logger:   zl.Named("dispatch"),
		Metrics:  m,
	}
	if cfg.CacheEnabled {
		deps.Cache = cache.New(redisClient,
			time.Duration(cfg.CacheTTLSeconds)*time.Second,
			time.Duration(cfg.CacheLocalTTLSeconds)*time.Second,
			zl.Named("cache"), cache.WithMetrics(m))
	}
	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.RequestTimeout = cfg.RequestTimeout
	dispatchCfg.CacheEnabled = cfg.CacheEnabled
	dispatcher := dispatch.New(deps, dispatchCfg)

	router := handlers.NewRouter(handlers.RouterConfig{
		Chat: handlers.NewChatHandler(dispatcher, zl.Named("http")),
		Admin: handlers.NewAdminHandler(handlers.AdminDeps{
			Circuits:     breaker,
			Maintenance:  recorder,
			Adapters:     registry,
			Sealer:       sealer,
			Credentials:  st,
			Materializer: sel,
			Quotas:       limiter,
			Catalog:      cat,
			Logger:       zl.Named("admin"),
		}),
		Middleware: handlers.NewMiddleware(limiter, cfg.DefaultRateLimit, zl.Named("http")),
		Health:     handlers.Health(map[string]handlers.Pinger{"store": st, "redis": redisClient}),
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	if cfg.MaintenanceEnabled {
		go runScheduler(ctx, recorder, zl.Named("scheduler"))
	}

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.Strings("routes", []string{"POST /v1/complete", "POST /v1/chat/completions", "GET /health", "GET /metrics", "/admin/*"}))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	zl.Info("shutting down gracefully")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("server shutdown error", zap.Error(err))
	}
	zl.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, zl *zap.Logger) (store.Store, error) {
	if cfg.StoreBackend == config.StoreMemory {
		zl.Warn("using in-memory store; state is lost on restart and not shared between processes")
		return memstore.New(), nil
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	zl.Info("connected to postgres")
	return db, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return cat, nil
}
