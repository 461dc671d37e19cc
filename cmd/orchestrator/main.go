package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/config"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/adapter/engine"
	httpHandler "github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/adapter/http/handler"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/adapter/provider"
	pgStorage "github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/adapter/storage/postgres"
	redisStorage "github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/adapter/storage/redis"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/ports"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/metrics"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/service"
	"github.com/MWANGAZA-LAB/SatsConnect-sub001/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Msg("Starting SatsConnect orchestrator")

	ctx := context.Background()

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()
	log.Info().Msg("PostgreSQL connected")

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	// Initialize repositories
	txRepo := pgStorage.NewTransactionRepo(pool)
	jobRepo := pgStorage.NewJobRepo(pool)
	transactor := pgStorage.NewTransactor(pool)

	// Initialize Redis stores
	receiptStore := redisStorage.NewReceiptStore(rdb)

	// Initialize metrics
	m := metrics.New(prometheus.DefaultRegisterer)

	// Initialize the settlement engine client. A failed probe at startup is
	// tolerated; workers fail fast until the health loop reconnects.
	engineClient := engine.NewClient(cfg.Engine, &http.Client{Timeout: cfg.Engine.CallTimeout}, m, log)
	if engineClient.CheckHealth(ctx) {
		log.Info().Str("base_url", cfg.Engine.BaseURL).Msg("Settlement engine connected")
	} else {
		log.Warn().Str("base_url", cfg.Engine.BaseURL).Msg("Settlement engine unreachable at startup")
	}

	// Initialize the mobile-money provider
	mpesa := provider.NewMpesa(cfg.Mpesa, &http.Client{Timeout: 30 * time.Second}, log)

	// Initialize core services
	sigSvc := service.NewHMACSignatureService()
	rateSvc := service.NewStaticRateProvider(cfg.Rate)
	executor := service.NewResilienceExecutor(cfg.Retry, cfg.Breaker, m, log)

	// Initialize business services
	queueSvc := service.NewQueueService(jobRepo, transactor, cfg.Queue, m, log)
	conversionSvc := service.NewConversionService(
		txRepo,
		transactor,
		queueSvc,
		mpesa,
		engineClient,
		rateSvc,
		executor,
		cfg.Mpesa,
		log,
	)
	conversionSvc.RegisterHandlers()

	webhookSvc := service.NewWebhookProcessor(
		txRepo,
		receiptStore,
		engineClient,
		queueSvc,
		executor,
		sigSvc,
		cfg.Mpesa,
		cfg.Airtime,
		m,
		log,
	)
	reconSvc := service.NewReconciliationService(txRepo, engineClient, m, log)

	// Initialize health checkers
	pgHealth := pgStorage.NewHealthCheck(pool)
	redisHealth := redisStorage.NewHealthCheck(rdb)

	// Start the queue workers
	if err := queueSvc.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start queue workers")
	}
	log.Info().Int("concurrency", cfg.Queue.Concurrency).Msg("Queue workers started")

	// Setup Gin router with all routes
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		Conversions:    conversionSvc,
		Queue:          queueSvc,
		Webhooks:       webhookSvc,
		Reconciliation: reconSvc,
		Engine:         engineClient,
		HealthCheckers: []ports.HealthChecker{pgHealth, redisHealth},
		Logger:         log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new HTTP work first, then drain the workers so jobs
	// in flight finish or return to the queue under their lease.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := queueSvc.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Queue workers did not drain in time")
	}

	log.Info().Msg("Orchestrator exited")
}
