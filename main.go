package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/agents"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/auth"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/circuitbreaker"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/citations"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/config"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/db"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/health"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/httpapi"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/llm"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/policy"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/pool"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/research"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/resultstore"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/search"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/streaming"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/tracing"
)

func main() {
	ctx := context.Background()

	loader := config.NewLoader("")
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, logLevel, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting research orchestrator",
		zap.String("config", loader.Path()),
		zap.Bool("config_file_found", loader.FileFound()),
	)

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	// ------------------------------------------------------------------
	// Health manager first so probes answer while the rest starts up.
	// ------------------------------------------------------------------
	hm := health.NewManager(15*time.Second, logger)
	_ = hm.RegisterChecker(health.NewUpstreamHealthChecker(circuitbreaker.GlobalMetricsCollector.Snapshot))

	// ------------------------------------------------------------------
	// Result store layers and event sinks
	// ------------------------------------------------------------------
	var (
		backend  resultstore.Backend
		dbClient *db.Client
		sinks    []streaming.Sink
		events   httpapi.EventLister
	)
	if cfg.Postgres.Enabled {
		dbClient, err = db.NewClient(&cfg.Postgres.DB, logger)
		if err != nil {
			logger.Fatal("Failed to initialize database client", zap.Error(err))
		}
		defer dbClient.Close()

		schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = dbClient.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to apply database schema", zap.Error(err))
		}
		_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(dbClient, logger))
		backend = dbClient
		sinks = append(sinks, db.NewEventSink(dbClient))
		events = dbClient
	} else {
		logger.Warn("PostgreSQL disabled, research history is kept in memory only")
		backend = resultstore.NewMemoryBackend()
	}

	l1 := resultstore.NewMemoryCache(cfg.Cache.L1Capacity, cfg.Cache.L1TTL)
	var l2 resultstore.Cache
	if cfg.Cache.L2Path != "" {
		sqliteCache, err := resultstore.OpenSQLiteCache(cfg.Cache.L2Path)
		if err != nil {
			logger.Fatal("Failed to open L2 cache", zap.String("path", cfg.Cache.L2Path), zap.Error(err))
		}
		defer sqliteCache.Close()
		_ = hm.RegisterChecker(health.NewPingHealthChecker("sqlite", "L2 result cache", false, sqliteCache))
		l2 = sqliteCache
	}
	store := resultstore.New(l1, l2, backend, logger)

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		redisSink := streaming.NewRedisSink(rdb, cfg.Redis.Stream, logger)
		sinks = append(sinks, redisSink)
		if events == nil {
			events = redisSink
		}
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(rdb, logger))
	}
	eventMgr := streaming.NewManager(cfg.Research.EventHistory, logger, sinks...)

	// ------------------------------------------------------------------
	// Gateways and agents
	// ------------------------------------------------------------------
	llmClient := llm.NewHTTPClient(cfg.LLM, logger)
	searchClient := search.NewHTTPClient(cfg.Search, logger)

	credibility, err := citations.LoadCredibilityConfig(cfg.Citations.CredibilityPath)
	if err != nil {
		logger.Fatal("Failed to load credibility rules", zap.Error(err))
	}
	var verifier citations.Verifier
	if cfg.Research.VerifyCitations {
		verifier = citations.NewHTTPVerifier(cfg.Research.VerifyTimeout, logger)
	}
	aggregator := citations.NewAggregator(verifier, cfg.Research.VerifyConcurrency, logger)

	lead := agents.NewLeadAgent(llmClient, cfg.Research.Retry, logger)
	team := agents.Team{
		Planner:     lead,
		Synthesizer: lead,
		Searcher:    agents.NewSearchAgent(searchClient, credibility, logger),
		Citer:       agents.NewCitationAgent(aggregator),
	}

	coverage := research.NewCoveragePolicy(llmClient, cfg.Research.Retry, cfg.Research.CoverageThreshold, logger)
	var iteration research.IterationPolicy = research.SingleRoundPolicy{}
	if cfg.Research.Iterate {
		iteration = coverage
	}

	deps := research.Deps{
		Team:   team,
		Pool:   pool.New(cfg.Research.GlobalSubagentCap, logger),
		Store:  store,
		Events: eventMgr,
		Policy: iteration,
	}

	// ------------------------------------------------------------------
	// Admission policy
	// ------------------------------------------------------------------
	var policyWatcher *config.PolicyWatcher
	if cfg.Policy.Enabled {
		engine, err := policy.NewEngine(cfg.Policy, logger)
		if err != nil {
			logger.Fatal("Failed to initialize policy engine", zap.Error(err))
		}
		deps.Admission = engine
		policyWatcher, err = config.NewPolicyWatcher(cfg.Policy.Path, engine.LoadPolicies, logger)
		if err == nil {
			err = policyWatcher.Start()
		}
		if err != nil {
			logger.Warn("Policy hot-reload disabled", zap.Error(err))
			policyWatcher = nil
		}
		logger.Info("Admission policy enabled",
			zap.String("mode", string(engine.Mode())),
			zap.String("path", cfg.Policy.Path),
		)
	}

	coordinator := research.NewCoordinator(cfg.Research.Coordinator, deps, logger)
	_ = hm.RegisterChecker(health.NewCustomHealthChecker("coordinator", false, time.Second, func(context.Context) health.CheckResult {
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Message: "research coordinator running",
			Details: map[string]interface{}{"active_tasks": coordinator.Active()},
		}
	}))

	loader.Watch(logger, func(t config.Tunables) {
		if err := logLevel.UnmarshalText([]byte(t.LogLevel)); err != nil {
			logger.Warn("Ignoring invalid log level", zap.String("level", t.LogLevel), zap.Error(err))
		}
		lead.SetRetryPolicy(t.Retry)
		coverage.Update(t.Retry, t.CoverageThreshold)
	})

	// ------------------------------------------------------------------
	// Admin server: health probes and metrics
	// ------------------------------------------------------------------
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	metricsHandler := promhttp.Handler()
	adminMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		circuitbreaker.GlobalMetricsCollector.UpdateMetrics()
		metricsHandler.ServeHTTP(w, r)
	})
	adminServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	hm.Start()
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Server.AdminPort))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	// ------------------------------------------------------------------
	// Research API
	// ------------------------------------------------------------------
	var authMW *auth.Middleware
	if cfg.Auth.Enabled {
		jwtm := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		authMW = auth.NewMiddleware(jwtm, false, logger)
	} else {
		logger.Warn("API authentication disabled")
		authMW = auth.NewMiddleware(nil, true, logger)
	}
	var limiter *httpapi.RateLimiter
	if cfg.Auth.RateLimit.RPS > 0 {
		limiter = httpapi.NewRateLimiter(cfg.Auth.RateLimit.RPS, cfg.Auth.RateLimit.Burst, logger)
	}

	apiMux := http.NewServeMux()
	httpapi.NewHandler(coordinator, eventMgr, httpapi.Options{
		Auth:           authMW,
		Limiter:        limiter,
		Events:         events,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger).RegisterRoutes(apiMux)

	// Streams hold connections open, so the base context is cancelled on
	// shutdown to release them.
	baseCtx, cancelBase := context.WithCancel(ctx)
	defer cancelBase()
	apiServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.HTTPPort),
		Handler:           apiMux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	go func() {
		logger.Info("Research API listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Research API server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down research orchestrator", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("Coordinator shutdown incomplete", zap.Int("active", coordinator.Active()), zap.Error(err))
	}
	cancelBase()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Research API shutdown failed", zap.Error(err))
	}
	if policyWatcher != nil {
		_ = policyWatcher.Stop()
	}
	hm.Stop()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin HTTP server shutdown failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
}
