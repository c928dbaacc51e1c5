package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"chatrelay/internal/engine/delivery"
	"chatrelay/internal/engine/quiet"
	"chatrelay/internal/engine/rules"
	"chatrelay/internal/pkg/logger"
	"chatrelay/internal/platform/config"
	"chatrelay/internal/platform/database"
	"chatrelay/internal/platform/repositories"
	"chatrelay/internal/workers"
)

// Standalone sweeper binary: runs the batch sweeper, delayed sweeper
// and retention purge against the shared ledger, for deployments that
// keep periodic work out of the API process.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Logging, "worker")

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ruleRepo := repositories.NewRuleRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db)
	queueRepo := repositories.NewQueueRepository(db)
	logRepo := repositories.NewDeliveryLogRepository(db)
	quietRepo := repositories.NewQuietHoursRepository(db)
	delayedRepo := repositories.NewDelayedRepository(db)

	chatClient := delivery.NewChatClient(cfg.Chat)
	dispatcher := delivery.NewDispatcher(cfg.Pipeline, queueRepo, logRepo, webhookRepo, ruleRepo, chatClient)
	matcher := rules.NewMatcher(ruleRepo)
	gate := quiet.NewGate(quietRepo, delayedRepo)
	pipeline := delivery.NewPipeline(matcher, gate, dispatcher)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The worker pool serves deliveries the delayed sweeper re-injects.
	dispatcher.Start(ctx)

	scheduler := workers.NewScheduler()
	batchSweeper := workers.NewBatchSweeper(cfg.Pipeline, queueRepo, dispatcher)
	delayedSweeper := workers.NewDelayedSweeper(cfg.Pipeline, delayedRepo, pipeline)
	purger := workers.NewRetentionPurger(cfg.Retention, logRepo)
	if err := workers.RegisterAll(scheduler, cfg, batchSweeper, delayedSweeper, purger); err != nil {
		log.Fatalf("Failed to register sweepers: %v", err)
	}
	scheduler.Start()

	log.Println("Worker started")
	<-ctx.Done()
	log.Println("Shutting down...")

	scheduler.Stop()
	dispatcher.Stop()
}
