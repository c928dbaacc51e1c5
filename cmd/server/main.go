package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/api"
	"chatrelay/internal/api/handlers"
	"chatrelay/internal/api/middleware"
	"chatrelay/internal/engine/delivery"
	"chatrelay/internal/engine/ledger"
	"chatrelay/internal/engine/quiet"
	"chatrelay/internal/engine/rules"
	"chatrelay/internal/engine/signature"
	"chatrelay/internal/pkg/logger"
	"chatrelay/internal/platform/audit"
	"chatrelay/internal/platform/auth"
	"chatrelay/internal/platform/config"
	"chatrelay/internal/platform/database"
	"chatrelay/internal/platform/repositories"
	"chatrelay/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Logging, "server")

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Repositories
	tenantRepo := repositories.NewTenantRepository(db)
	ruleRepo := repositories.NewRuleRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db)
	queueRepo := repositories.NewQueueRepository(db)
	logRepo := repositories.NewDeliveryLogRepository(db)
	quietRepo := repositories.NewQuietHoursRepository(db)
	delayedRepo := repositories.NewDelayedRepository(db)

	// Pipeline engine
	chatClient := delivery.NewChatClient(cfg.Chat)
	dispatcher := delivery.NewDispatcher(cfg.Pipeline, queueRepo, logRepo, webhookRepo, ruleRepo, chatClient)
	matcher := rules.NewMatcher(ruleRepo)
	gate := quiet.NewGate(quietRepo, delayedRepo)
	pipeline := delivery.NewPipeline(matcher, gate, dispatcher)

	ledgerSvc := ledger.NewService(ledger.NewRepository(db))
	securityLog := audit.NewSecurityLogger(db)
	secretCache := signature.NewSecretCache(5 * time.Minute)
	tokenSvc := auth.NewTokenService(cfg.JWT)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)

	// In-process sweepers; disable when a dedicated worker binary runs
	// them instead.
	var scheduler *workers.Scheduler
	if cfg.Pipeline.RunSweepers {
		scheduler = workers.NewScheduler()
		batchSweeper := workers.NewBatchSweeper(cfg.Pipeline, queueRepo, dispatcher)
		delayedSweeper := workers.NewDelayedSweeper(cfg.Pipeline, delayedRepo, pipeline)
		purger := workers.NewRetentionPurger(cfg.Retention, logRepo)
		if err := workers.RegisterAll(scheduler, cfg, batchSweeper, delayedSweeper, purger); err != nil {
			log.Fatalf("Failed to register sweepers: %v", err)
		}
		scheduler.Start()
	}

	// Handlers
	deps := &api.Dependencies{
		IngestHandler:      handlers.NewIngestHandler(tenantRepo, secretCache, pipeline, securityLog),
		TestWebhookHandler: handlers.NewTestWebhookHandler(webhookRepo, ruleRepo, dispatcher),
		StatsHandler:       handlers.NewStatsHandler(ledgerSvc),
		HealthHandler:      handlers.NewHealthHandler(db, queueRepo, dispatcher, ledgerSvc),
		AuthMiddleware:     middleware.NewAuthMiddleware(tokenSvc, cfg.JWT),
		RateLimiter:        middleware.NewRateLimiter(cfg.RateLimit),
	}
	router := api.NewRouter(deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("Server starting on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if scheduler != nil {
		scheduler.Stop()
	}
	dispatcher.Stop()
}
