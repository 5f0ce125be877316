// Command runner is the flow execution service. It ships three roles
// in one binary:
//
//	runner server     the HTTP/WebSocket gateway
//	runner worker     the execution worker pool
//	runner scheduler  the background reconciler
//
// Exit codes: 0 on clean shutdown, 1 on configuration errors, 2 on
// runtime failures.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/auth"
	"github.com/agentflow/runner/internal/bus"
	"github.com/agentflow/runner/internal/collector"
	"github.com/agentflow/runner/internal/config"
	"github.com/agentflow/runner/internal/db"
	"github.com/agentflow/runner/internal/gateway"
	"github.com/agentflow/runner/internal/health"
	"github.com/agentflow/runner/internal/metrics"
	"github.com/agentflow/runner/internal/policy"
	"github.com/agentflow/runner/internal/scheduler"
	"github.com/agentflow/runner/internal/storage"
	"github.com/agentflow/runner/internal/supervisor"
	"github.com/agentflow/runner/internal/tracing"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: runner <server|worker|scheduler>")
		return 1
	}
	role := os.Args[1]
	switch role {
	case "server", "worker", "scheduler":
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", role)
		return 1
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer logger.Sync()
	logger = logger.With(zap.String("role", role))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Configuration invalid", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("Tracing init failed", zap.Error(err))
		return 2
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	deps, err := buildDeps(cfg, logger)
	if err != nil {
		logger.Error("Startup failed", zap.Error(err))
		return 2
	}
	defer deps.close()

	deps.health.Start()
	defer deps.health.Stop()
	healthSrv := startHealthServer(cfg.HealthAddr, deps.health, logger)
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthSrv.Shutdown(shCtx)
	}()

	switch role {
	case "server":
		return runServer(ctx, cfg, deps, logger)
	case "worker":
		return runWorker(ctx, cfg, deps, logger)
	default:
		return runScheduler(ctx, cfg, deps, logger)
	}
}

type deps struct {
	store   *db.Client
	bus     *bus.Bus
	objects *storage.Local
	limits  *config.Manager
	policy  *policy.Engine
	health  *health.Manager
}

func (d *deps) close() {
	d.limits.Stop()
	d.bus.Close()
	d.store.Close()
}

func buildDeps(cfg *config.Config, logger *zap.Logger) (*deps, error) {
	store, err := db.NewClient(cfg.Postgres, logger)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	b, err := bus.New(cfg.RedisURL, cfg.MaxStreamLen, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	objects, err := storage.NewLocal(cfg.StorageRoot, logger)
	if err != nil {
		b.Close()
		store.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	pol, err := policy.NewEngine(cfg.PolicyPath, cfg.PolicyEnabled, logger)
	if err != nil {
		b.Close()
		store.Close()
		return nil, fmt.Errorf("policy: %w", err)
	}

	limits := config.NewManager(cfg, os.Getenv("RUNNER_LIMITS_FILE"), logger)
	if err := limits.Start(); err != nil {
		logger.Warn("Limits watcher unavailable; using static limits", zap.Error(err))
	}

	hm := health.NewManager(logger)
	hm.Register(health.NewPingChecker("redis", b, true))
	hm.Register(health.NewPingChecker("postgres", store, true))

	return &deps{
		store:   store,
		bus:     b,
		objects: objects,
		limits:  limits,
		policy:  pol,
		health:  hm,
	}, nil
}

func startHealthServer(addr string, hm *health.Manager, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	health.NewHTTPHandler(hm).RegisterRoutes(mux)
	mux.Handle("GET /metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("Health endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health server failed", zap.Error(err))
		}
	}()
	return srv
}

// clientStoreAdapter narrows the db client to the slice auth needs.
type clientStoreAdapter struct {
	store *db.Client
}

func (a clientStoreAdapter) GetClient(ctx context.Context, clientID string) (*auth.ClientRecord, error) {
	rec, err := a.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return &auth.ClientRecord{
		ID:         rec.ID,
		SecretHash: rec.SecretHash,
		Audience:   rec.Audience,
	}, nil
}

func newWorkerPool(cfg *config.Config, d *deps, logger *zap.Logger) *scheduler.Worker {
	sup := supervisor.New(cfg.WorkRoot, cfg.FlowCommand, cfg.RedisURL, d.objects, logger)
	col := collector.New(d.objects, cfg.DrainWindow(), logger)
	return scheduler.NewWorker(d.store, d.bus, sup, col, cfg.CancelGrace(), cfg.MaxJobs, logger)
}

// runServer serves the gateway and runs the worker pool in the same
// process, so a single `runner server` deployment executes what it
// accepts.
func runServer(ctx context.Context, cfg *config.Config, d *deps, logger *zap.Logger) int {
	authSvc := auth.NewService(clientStoreAdapter{d.store}, cfg.JWTSecret, logger)
	sched := scheduler.New(d.store, d.bus, d.objects, d.policy, d.limits, logger)
	srv := gateway.New(cfg, d.store, d.bus, d.objects, sched, authSvc, logger)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Worker pool starting", zap.Int("slots", cfg.MaxJobs))
		newWorkerPool(cfg, d, logger).Run(workerCtx)
		logger.Info("Worker pool drained")
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	var exitErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down gateway")
		shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			logger.Error("Gateway shutdown failed", zap.Error(err))
			exitErr = err
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("Gateway failed", zap.Error(err))
			exitErr = err
		}
	}
	stopWorkers()
	wg.Wait()
	if exitErr != nil {
		return 2
	}
	return 0
}

func runWorker(ctx context.Context, cfg *config.Config, d *deps, logger *zap.Logger) int {
	logger.Info("Worker pool starting", zap.Int("slots", cfg.MaxJobs))
	newWorkerPool(cfg, d, logger).Run(ctx)
	logger.Info("Worker pool drained")
	return 0
}

func runScheduler(ctx context.Context, cfg *config.Config, d *deps, logger *zap.Logger) int {
	retention := func() time.Duration {
		return time.Duration(d.limits.Current().RetentionDays) * 24 * time.Hour
	}
	rec := collector.NewReconciler(d.store, d.bus, d.objects, time.Minute, retention, logger)
	logger.Info("Reconciler starting")
	rec.Run(ctx)
	logger.Info("Reconciler stopped")
	return 0
}
