// Package main is the entry point for the platform back-office engine:
// the saga orchestrator, transactional outbox relay, session lifecycle
// service, and scheduled reconciler run here as a single process's
// background workers (spec.md §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vitaliisemenov/alert-history/cmd/server/handlers"
	"github.com/vitaliisemenov/alert-history/internal/auditlog"
	"github.com/vitaliisemenov/alert-history/internal/bus"
	"github.com/vitaliisemenov/alert-history/internal/config"
	"github.com/vitaliisemenov/alert-history/internal/database"
	"github.com/vitaliisemenov/alert-history/internal/database/postgres"
	"github.com/vitaliisemenov/alert-history/internal/idempotency"
	"github.com/vitaliisemenov/alert-history/internal/infrastructure/cache"
	"github.com/vitaliisemenov/alert-history/internal/outbox"
	"github.com/vitaliisemenov/alert-history/internal/reconciler"
	"github.com/vitaliisemenov/alert-history/internal/saga"
	"github.com/vitaliisemenov/alert-history/internal/session"
	"github.com/vitaliisemenov/alert-history/internal/txutil"
	"github.com/vitaliisemenov/alert-history/pkg/logger"
)

const (
	defaultPort    = "8080"
	serviceName    = "platform-engine"
	serviceVersion = "1.0.0"
)

// workflowCtx is the shared context type every saga definition registered
// against the process-wide orchestrator closes over. A bag of values
// keeps the orchestrator usable by whichever saga a future handler
// defines, without this package committing to one saga's step payload.
type workflowCtx = map[string]any

func main() {
	var showVersion = flag.Bool("version", false, "Show version information")
	var showHelp = flag.Bool("help", false, "Show help information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}
	if *showHelp {
		fmt.Printf("Platform Engine - Saga/Outbox/Session/Reconciler\n\n")
		fmt.Printf("Usage: %s [options]\n\n", os.Args[0])
		fmt.Printf("Options:\n")
		fmt.Printf("  -version    Show version information\n")
		fmt.Printf("  -help       Show this help message\n\n")
		fmt.Printf("Environment variables:\n")
		fmt.Printf("  PORT        HTTP server port (default: %s)\n\n", defaultPort)
		os.Exit(0)
	}

	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootstrapLogger)

	engineCfg, err := config.LoadConfigFromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	appLogger := logger.NewLogger(logger.Config{
		Level:      engineCfg.Log.Level,
		Format:     engineCfg.Log.Format,
		Output:     engineCfg.Log.Output,
		Filename:   engineCfg.Log.Filename,
		MaxSize:    engineCfg.Log.MaxSize,
		MaxBackups: engineCfg.Log.MaxBackups,
		MaxAge:     engineCfg.Log.MaxAge,
		Compress:   engineCfg.Log.Compress,
	})
	slog.SetDefault(appLogger)
	appLogger.Info("starting platform engine", "service", serviceName, "version", serviceVersion)

	dbCfg := postgres.LoadFromEnv()
	pool := postgres.NewPostgresPool(dbCfg, appLogger)

	bgCtx := context.Background()
	if err := pool.Connect(bgCtx); err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to postgresql")

	if err := database.RunMigrations(bgCtx, pool, appLogger); err != nil {
		slog.Error("failed to run database migrations", "error", err)
		slog.Warn("continuing without migrations - manual intervention may be required")
	} else {
		slog.Info("database migrations completed")
	}

	pgxPool := pool.Pool()
	reg := prometheus.NewRegistry()

	poolExporter := postgres.NewPrometheusExporter(pool, reg)
	poolExporter.Start(context.Background(), 15*time.Second)

	var redisClient *redis.Client
	if engineCfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         engineCfg.Redis.Addr,
			Password:     engineCfg.Redis.Password,
			DB:           engineCfg.Redis.DB,
			PoolSize:     engineCfg.Redis.PoolSize,
			MinIdleConns: engineCfg.Redis.MinIdleConns,
			DialTimeout:  engineCfg.Redis.DialTimeout,
			ReadTimeout:  engineCfg.Redis.ReadTimeout,
			WriteTimeout: engineCfg.Redis.WriteTimeout,
		})
		if err := redisClient.Ping(bgCtx).Err(); err != nil {
			slog.Warn("redis unreachable, running without distributed locks/cache", "error", err)
			redisClient = nil
		}
	}

	var publisher bus.Publisher
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		nc, err := nats.Connect(natsURL)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		natsPublisher, err := bus.NewNATSPublisher(nc, 5*time.Second)
		if err != nil {
			slog.Error("failed to construct NATS publisher", "error", err)
			os.Exit(1)
		}
		publisher = natsPublisher
		slog.Info("publishing outbox events over NATS JetStream", "url", natsURL)
	} else {
		publisher = bus.NewMemoryPublisher()
		slog.Warn("NATS_URL not set, outbox events publish to an in-memory bus only")
	}

	runner := txutil.PoolRunner{Pool: pgxPool}

	// --- outbox relay ---
	outboxRepo := outbox.NewPostgresRepository(pgxPool)
	relayMetrics := outbox.NewPrometheusRelayMetrics(reg)
	relayCfg := outbox.RelayConfig{
		BatchSize: engineCfg.Engine.Outbox.BatchSize,
		MinPoll:   engineCfg.Engine.Outbox.MinPollInterval,
		MaxPoll:   engineCfg.Engine.Outbox.MaxPollInterval,
		SchemaVer: 1,
	}
	relay := outbox.NewRelay(outboxRepo, publisher, relayCfg, relayMetrics, appLogger)

	engineCtx, cancelEngine := context.WithCancel(context.Background())
	go relay.Run(engineCtx)

	// --- saga orchestrator ---
	sagaStore := saga.NewPostgresStore(pgxPool)
	transitionPublisher := saga.NewOutboxTransitionPublisher(runner, outboxRepo)
	orchestrator := saga.New[workflowCtx](appLogger, saga.NewPrometheusMetrics(reg), transitionPublisher)
	orchestrator.SetStore(sagaStore)

	// --- session lifecycle ---
	var sessionCache cache.Cache
	if redisClient != nil {
		redisCache, err := cache.NewRedisCache(&cache.CacheConfig{
			Addr:         engineCfg.Redis.Addr,
			Password:     engineCfg.Redis.Password,
			DB:           engineCfg.Redis.DB,
			PoolSize:     engineCfg.Redis.PoolSize,
			MinIdleConns: engineCfg.Redis.MinIdleConns,
			DialTimeout:  engineCfg.Redis.DialTimeout,
			ReadTimeout:  engineCfg.Redis.ReadTimeout,
			WriteTimeout: engineCfg.Redis.WriteTimeout,
		}, appLogger)
		if err != nil {
			slog.Warn("failed to construct redis cache, session permission cache disabled", "error", err)
		} else {
			sessionCache = redisCache
		}
	}

	sessionRepo := session.NewPostgresRepository(pgxPool)
	auditSink := auditlog.New(reg, appLogger)
	sessionMetrics := session.NewPrometheusMetrics(reg)
	sessionCfg := session.Config{
		DefaultDuration:           engineCfg.Engine.Session.DefaultDuration,
		MaxSessionsPerAccount:     engineCfg.Engine.Session.MaxSessionsPerAccount,
		EnableBinding:             engineCfg.Engine.Session.EnableBinding,
		IPBindingStrict:           engineCfg.Engine.Session.IPBindingStrict,
		EnableTokenReuseDetection: engineCfg.Engine.Session.EnableTokenReuseDetection,
		BindingRiskThreshold:      engineCfg.Engine.Session.BindingRiskThreshold,
	}
	sessionSvc := session.New(runner, sessionRepo, outboxRepo,
		session.AllowAllAccountChecker{}, session.AllowAllDeviceChecker{},
		sessionCache, auditSink, sessionMetrics, appLogger, sessionCfg)
	_ = sessionSvc // exercised by HTTP/gRPC transports this process does not define (spec.md §1 Non-goals)

	// --- scheduled reconciler ---
	idempotencyStore := idempotency.NewPostgresStore(pgxPool)
	consentRepo := reconciler.NewPostgresConsentRepository(pgxPool)
	dsrRepo := reconciler.NewPostgresDSRRepository(pgxPool)

	schedules := []reconciler.Schedule{
		{Job: reconciler.ExpireSessionsJob{Repo: sessionRepo}, Cron: engineCfg.Engine.Reconciler.ExpireSessionsCron},
		{Job: reconciler.GCRevokedTokensJob{Repo: sessionRepo}, Cron: engineCfg.Engine.Reconciler.GCRevokedTokensCron},
		{Job: reconciler.GCIdempotencyJob{Store: idempotencyStore}, Cron: engineCfg.Engine.Reconciler.GCIdempotencyCron},
		{Job: reconciler.SagaTimeoutsJob{Store: sagaStore}, Cron: engineCfg.Engine.Reconciler.SagaTimeoutsCron},
		{Job: reconciler.GCDeadLettersJob{Repo: outboxRepo}, Cron: engineCfg.Engine.Reconciler.GCDeadLettersCron},
		{Job: reconciler.GCOutboxJob{Repo: outboxRepo}, Cron: engineCfg.Engine.Reconciler.GCOutboxCron},
		{Job: reconciler.ConsentExpiryJob{Consents: consentRepo, Outbox: outboxRepo}, Cron: engineCfg.Engine.Reconciler.ConsentExpiryCron},
		{Job: reconciler.DSRDeadlinesJob{DSRs: dsrRepo, Outbox: outboxRepo}, Cron: engineCfg.Engine.Reconciler.DSRDeadlinesCron},
	}

	var locker reconciler.Locker
	if redisClient != nil {
		locker = reconciler.NewRedisLocker(redisClient, engineCfg.Engine.Reconciler.LockTTL, appLogger)
	}
	reconMetrics := reconciler.NewPrometheusMetrics(reg)
	scheduler := reconciler.NewScheduler(schedules, locker, reconMetrics, appLogger)
	if err := scheduler.Start(engineCtx); err != nil {
		slog.Error("failed to start reconciler scheduler", "error", err)
		os.Exit(1)
	}

	// --- HTTP surface: health and metrics only (spec.md §1 Non-goals) ---
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handlers.HealthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: ":" + port, Handler: mux}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("http server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelEngine()
	scheduler.Stop()
	orchestrator.Shutdown(shutdownCtx)
	poolExporter.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server forced to shutdown", "error", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := pool.Disconnect(shutdownCtx); err != nil {
		slog.Error("failed to close database pool", "error", err)
	}
	slog.Info("shutdown complete")
}
