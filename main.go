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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/audit"
	"github.com/payos/taskcore/internal/budget"
	cfgpkg "github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/contextwindow"
	"github.com/payos/taskcore/internal/escalation"
	"github.com/payos/taskcore/internal/events"
	"github.com/payos/taskcore/internal/httpapi"
	"github.com/payos/taskcore/internal/inference"
	"github.com/payos/taskcore/internal/pricing"
	"github.com/payos/taskcore/internal/scheduler"
	"github.com/payos/taskcore/internal/store"
	"github.com/payos/taskcore/internal/strategies"
	"github.com/payos/taskcore/internal/tools"
	"github.com/payos/taskcore/internal/tracing"
)

func main() {
	cfg, err := cfgpkg.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Initialize(cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}

	// Metrics endpoint comes up first so the worker is observable while the
	// rest of the stack connects.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	bus := events.NewBus(256)
	var relay *events.Relay
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		relay = events.NewRelay(bus, rdb, cfg.Scheduler.WorkerID, logger)
		relay.Start(context.Background())
		defer relay.Stop()
	}
	publisher := events.NewPublisher(bus, relay)

	table, err := pricing.Load("./config/models.yaml", logger)
	if err != nil {
		logger.Fatal("load pricing table", zap.Error(err))
	}
	if err := table.Watch(); err != nil {
		logger.Warn("pricing hot reload unavailable", zap.Error(err))
	}
	defer table.Close()

	trail := audit.NewLogger(st, cfg.Audit, logger)
	defer trail.Close()

	budgetMgr, err := budget.NewManager(st.DB(), table, cfg.Budget, logger)
	if err != nil {
		logger.Fatal("init budget manager", zap.Error(err))
	}

	provider := inference.NewOpenAIProvider(inference.OpenAIConfig{
		APIKey:  cfg.Inference.APIKey,
		BaseURL: cfg.Inference.BaseURL,
		Timeout: cfg.Inference.Timeout,
	}, logger)
	assembler := contextwindow.NewAssembler(cfg.Context, provider, logger)
	registry := tools.NewRegistry(tools.NewHTTPCapability(cfg.Tools, logger), cfg.Tools, logger)
	esc := escalation.NewManager(st, publisher, trail, logger)

	managed := strategies.NewManaged(st, assembler, provider, budgetMgr, registry, esc, publisher, trail, cfg.Managed, logger)
	delegated := strategies.NewDelegated(st, publisher, trail, cfg.Delegated, logger)
	queued := strategies.NewQueued(st, publisher, trail, logger)
	set := strategies.NewSet(managed, delegated, queued)
	updater := strategies.NewUpdater(st, publisher, trail, logger)

	notifier := scheduler.NewNotifier(cfg.Scheduler.WebhookSecret, logger)
	sched := scheduler.New(st, set, publisher, trail, notifier, cfg.Scheduler, logger)

	api := httpapi.NewServer(st, esc, updater, delegated, publisher, trail, cfg.HTTP, logger)
	apiServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Routes()}
	go func() {
		logger.Info("api server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.Run(ctx)

	// Claim loop drained; shut the rest down.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	if os.Getenv("TASKCORE_DEV_LOG") != "" {
		return zap.NewDevelopment()
	}
	return cfg.Build()
}
