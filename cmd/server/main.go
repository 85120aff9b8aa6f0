// Command server runs the graph query gateway: admission-controlled query
// queue, credit accounting, strategy selection, and SSE/NDJSON streaming in
// front of the graph engine.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/kgraph/backend/internal/admission"
	"github.com/kgraph/backend/internal/api"
	"github.com/kgraph/backend/internal/circuitbreaker"
	"github.com/kgraph/backend/internal/config"
	"github.com/kgraph/backend/internal/credits"
	"github.com/kgraph/backend/internal/graph"
	"github.com/kgraph/backend/internal/infra"
	"github.com/kgraph/backend/internal/kv"
	"github.com/kgraph/backend/internal/middleware"
	"github.com/kgraph/backend/internal/monitoring"
	"github.com/kgraph/backend/internal/operations"
	"github.com/kgraph/backend/internal/queue"
	"github.com/kgraph/backend/internal/repository"
	"github.com/kgraph/backend/internal/streaming"
)

const version = "1.0.0"

func main() {
	godotenv.Load()

	cfgPath := os.Getenv("CONFIG_FILE")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Server.Env)
	slog.Info("starting graph query gateway", "version", version, "env", cfg.Server.Env)

	// Redis backs the credit cache and the operation event bus. Without it
	// the gateway still runs, single-instance, on the in-memory store.
	var store kv.Store
	redisStore, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Warn("redis unavailable, using in-memory store", "error", err)
		store = kv.NewMemory()
	} else {
		store = redisStore
	}
	defer store.Close()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		slog.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		slog.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	cancelPing()

	metrics := monitoring.NewMetrics(nil)

	costs := credits.DefaultCostTable()
	costs.SetMCPCallCost(decimal.NewFromFloat(cfg.Credits.MCPCallCost))
	creditSvc := credits.NewService(
		credits.NewSQLStore(db),
		credits.NewCache(store),
		costs,
		credits.NewSQLSubscriptions(db),
	)

	breaker := circuitbreaker.NewManager(circuitbreaker.Config{}, monitoring.BreakerSink{M: metrics})

	admitter := admission.NewController(admission.Config{
		MemoryThreshold:     cfg.Admission.MemoryThreshold,
		CPUThreshold:        cfg.Admission.CPUThreshold,
		QueueThreshold:      cfg.Admission.QueueThreshold,
		CheckInterval:       cfg.AdmissionCheckInterval(),
		LoadSheddingEnabled: cfg.Admission.LoadSheddingEnabled,
		ShedStartPressure:   cfg.Admission.ShedStartPressure,
		ShedStopPressure:    cfg.Admission.ShedStopPressure,
		DefaultPriority:     cfg.Priority.Default,
	})

	resolver := repository.NewHTTPResolver(cfg.Database.EngineURL, nil)

	qcfg := queue.DefaultConfig()
	qcfg.MaxQueueSize = cfg.Queue.MaxSize
	qcfg.MaxConcurrent = cfg.Queue.MaxConcurrent
	qcfg.MaxPerUser = cfg.Queue.MaxPerUser
	qcfg.ExecutionTimeout = cfg.QueueTimeout()
	q := queue.New(qcfg, admitter, queueExecutor(resolver), monitoring.QueueSink{M: metrics})
	defer q.Stop()

	busCfg := operations.DefaultConfig()
	busCfg.PublisherFailureThreshold = cfg.SSE.MaxRedisFailures
	busCfg.MaxConnectionsPerUser = cfg.SSE.MaxConnsPerUser
	busCfg.ConnectionRateLimit = cfg.SSE.ConnRatePerMin
	bus := operations.NewBus(store, busCfg)
	bus.SetMetrics(monitoring.BusSink{M: metrics})

	// Queue depth gauges are sampled rather than event-driven.
	gaugeQuit := make(chan struct{})
	defer close(gaugeQuit)
	go func() {
		tick := time.NewTicker(5 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-gaugeQuit:
				return
			case <-tick.C:
				stats := q.Stats()
				metrics.QueueDepth.Set(float64(stats.QueueSize))
				metrics.QueueRunning.Set(float64(stats.Running))
			}
		}
	}()

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{})
	defer limiter.Stop()

	gateway := api.New(api.Options{
		Version:         version,
		DefaultPriority: cfg.Priority.Default,
		PremiumBoost:    cfg.Priority.BoostPremium,
		DefaultTimeout:  cfg.QueueTimeout(),
		SSEKeepalive:    20 * time.Second,
		DisableSSE:      !cfg.SSE.Enabled,
		Chunks: streaming.ChunkPolicy{
			Standard:   cfg.Streaming.StandardChunkSize,
			Enterprise: cfg.Streaming.EnterpriseChunkSize,
			Premium:    cfg.Streaming.PremiumChunkSize,
		},
	}, breaker, creditSvc, q, bus, resolver, limiter, metrics)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           gateway.Router(middleware.NewSQLTokenValidator(db)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("stopped")
}

// queueExecutor runs queued queries through the resolver.
func queueExecutor(resolver repository.Resolver) queue.Executor {
	return func(ctx context.Context, cypherQuery string, params map[string]any, graphID string) (*queue.Result, error) {
		gid, err := graph.ParseID(graphID)
		if err != nil {
			return nil, err
		}
		repo, err := resolver.Resolve(ctx, gid, repository.AccessRead, "")
		if err != nil {
			return nil, err
		}
		res, err := repo.ExecuteQuery(ctx, cypherQuery, params)
		if err != nil {
			return nil, err
		}
		return &queue.Result{
			Columns:  res.Columns,
			Rows:     res.Rows,
			RowCount: res.RowCount(),
		}, nil
	}
}

func setupLogging(env string) {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}
