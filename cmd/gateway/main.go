package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-costgate/config"
	"github.com/vnmchuo/llm-costgate/internal/admission"
	"github.com/vnmchuo/llm-costgate/internal/billing"
	"github.com/vnmchuo/llm-costgate/internal/breaker"
	"github.com/vnmchuo/llm-costgate/internal/estimator"
	"github.com/vnmchuo/llm-costgate/internal/gateway"
	"github.com/vnmchuo/llm-costgate/internal/ledger"
	"github.com/vnmchuo/llm-costgate/internal/logging"
	"github.com/vnmchuo/llm-costgate/internal/proxy"
	"github.com/vnmchuo/llm-costgate/internal/routing"
	"github.com/vnmchuo/llm-costgate/internal/seeder"
	"github.com/vnmchuo/llm-costgate/internal/telemetry"
	"github.com/vnmchuo/llm-costgate/internal/tenancy"
	"github.com/vnmchuo/llm-costgate/internal/worker"
	"github.com/vnmchuo/llm-costgate/pkg/ratelimit"
)

const serviceName = "llm-costgate"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Fatal("failed to load policy", zap.Error(err))
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(telemetry.TracerConfig{
		ServiceName:  serviceName,
		ExporterType: cfg.OTELExporterType,
		Endpoint:     cfg.OTELExporterEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	metrics := telemetry.NewMetrics()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to connect postgres", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("PostgreSQL connected")
	}

	// 4. Connect Redis
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to ping redis", zap.Error(err))
		}
		logger.Info("Redis connected")
	}

	// 5. Init stores
	st, err := buildStores(ctx, cfg, policy, pool, rdb)
	if err != nil {
		logger.Fatal("failed to init stores", zap.Error(err))
	}
	logger.Info("stores ready", zap.String("backend", cfg.StoreBackend))

	// 6. Seed scopes if RUN_SEED=true
	if cfg.RunSeed && st.scopes != nil {
		seeder.SeedScopes(ctx, st.scopes, policy.Scopes.Assignments, 0, logger)
		if cfg.SeedTestScope {
			if err := seeder.SeedTestScope(ctx, st.scopes, logger); err != nil {
				logger.Warn("seed test scope failed", zap.Error(err))
			}
		}
	}

	// 7. Init catalog and scope resolution
	registry, err := policy.Registry()
	if err != nil {
		logger.Fatal("invalid backends", zap.Error(err))
	}
	profiles, err := policy.Profiles()
	if err != nil {
		logger.Fatal("invalid tiers", zap.Error(err))
	}
	scopes := tenancy.NewResolver(st.directory, profiles)

	// 8. Init ledger, breaker, estimator and audit
	usage := ledger.New(st.ledger)
	br := breaker.New(st.breaker, breaker.WithLogger(logger))

	est, err := estimator.New(registry,
		estimator.WithExact(policy.Estimator.Exact),
		estimator.WithCacheSize(policy.Estimator.CacheSize),
		estimator.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("failed to init estimator", zap.Error(err))
	}

	auditQueue := worker.NewAuditQueue(st.audit, cfg.AuditQueueSize, logger)
	metrics.RegisterAuditQueue(auditQueue.Stats)
	recorder := billing.NewRecorder(usage, auditQueue, billing.WithRecorderLogger(logger))

	// 9. Init admission gate and router
	gate := admission.NewGate(est, usage, br, scopes,
		admission.WithLogger(logger),
		admission.WithObserver(metrics),
	)

	providers, err := buildProviders(registry, cfg)
	if err != nil {
		logger.Fatal("failed to init providers", zap.Error(err))
	}
	table, err := buildRoutingTable(policy)
	if err != nil {
		logger.Fatal("invalid routing policy", zap.Error(err))
	}
	router, err := routing.NewRouter(table, routing.Deps{
		Backends:  registry,
		Providers: providers,
		Gate:      gate,
		Estimator: est,
		Recorder:  recorder,
		Breaker:   br,
	},
		routing.WithTimeout(cfg.BackendTimeout),
		routing.WithReliability(cfg.ReliabilityFailureThreshold, cfg.ReliabilityCooldownMinutes),
		routing.WithTracer(tracer),
		routing.WithLogger(logger),
		routing.WithObserver(metrics),
	)
	if err != nil {
		logger.Fatal("failed to init router", zap.Error(err))
	}

	// 10. Init gateway
	gw, err := gateway.New(gateway.Deps{
		Gate:     gate,
		Router:   router,
		Ledger:   usage,
		Breaker:  br,
		Scopes:   scopes,
		Recorder: recorder,
		History:  st.audit,
	}, gateway.WithTracer(tracer), gateway.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to init gateway", zap.Error(err))
	}

	// 11. Init rate limiter and handler
	var limiter *ratelimit.Limiter
	if rdb != nil && cfg.DefaultRateLimitTPM > 0 {
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	}
	handler := proxy.NewHandler(gw, scopes, limiter, tracer, logger)
	routes := proxy.Routes(handler, tenancy.NewMiddleware(scopes, logger), metrics.Handler())

	// 12. Start audit worker
	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = auditQueue.Process(workerCtx)
	}()

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      routes,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.BackendTimeout*2 + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("LLM cost gate starting", zap.String("port", cfg.Port), zap.Int("backends", registry.Len()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}

	stopWorker()
	<-workerDone
	written, dropped := auditQueue.Stats()
	logger.Info("Server stopped", zap.Int64("audit_written", written), zap.Int64("audit_dropped", dropped))
}
