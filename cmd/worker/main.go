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

	"github.com/ignite/campaign-delivery/internal/api"
	"github.com/ignite/campaign-delivery/internal/config"
	"github.com/ignite/campaign-delivery/internal/pkg/distlock"
	"github.com/ignite/campaign-delivery/internal/pkg/logger"
	"github.com/ignite/campaign-delivery/internal/pkg/metrics"
	"github.com/ignite/campaign-delivery/internal/repository/postgres"
	"github.com/ignite/campaign-delivery/internal/transport"
	"github.com/ignite/campaign-delivery/internal/worker"
	"github.com/redis/go-redis/v9"
)

const drainLockKey = "campaign-delivery:drain"

func main() {
	log.Println("Starting campaign delivery worker...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.Redact())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = distlock.ConnectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			log.Printf("Warning: %v, falling back to PG advisory locks", err)
		} else {
			defer redisClient.Close()
			log.Println("Redis connected (distributed drain lock enabled)")
		}
	}

	sender, err := transport.New(ctx, cfg.Transport)
	if err != nil {
		log.Fatalf("Failed to initialize mail transport: %v", err)
	}
	sender = transport.WithRateLimit(sender, redisClient, cfg.Transport)
	log.Printf("Mail transport: %s (breaker=%v)", cfg.Transport.Driver, cfg.Transport.Breaker.Enabled)

	queueRepo := postgres.NewQueueRepo(db)
	processor := worker.NewQueueProcessor(
		queueRepo,
		sender,
		distlock.NewLock(redisClient, db, drainLockKey, cfg.Delivery.LockTTL()),
		nil,
		worker.ProcessorConfig{
			BatchSize:        cfg.Delivery.BatchSize,
			BatchDelay:       cfg.Delivery.BatchDelay(),
			RetryDelay:       cfg.Delivery.RetryDelay(),
			SendTimeout:      cfg.Delivery.SendTimeout(),
			LockTTL:          cfg.Delivery.LockTTL(),
			DefaultFromEmail: cfg.Transport.DefaultFrom,
			DefaultFromName:  cfg.Transport.DefaultFromName,
		},
	)
	if err := processor.Start(); err != nil {
		log.Fatalf("Failed to start queue processor: %v", err)
	}
	log.Println("Queue processor started")

	// Start Queue Recovery Worker (requeues rows stranded in sending by a crash)
	recovery := worker.NewQueueRecoveryWorkerWithConfig(queueRepo, processor,
		cfg.Delivery.RecoveryInterval(), cfg.Delivery.StaleAge())
	go recovery.Start(ctx)
	log.Printf("Queue Recovery Worker started (every %s, stale after %s)",
		cfg.Delivery.RecoveryInterval(), cfg.Delivery.StaleAge())

	cleanup := worker.NewDataCleanupWorkerWithConfig(db, worker.DefaultCleanupInterval,
		cfg.Delivery.QueueRetention(), cfg.Delivery.LogRetention())
	go cleanup.Start(ctx)

	poller := worker.NewSchedulePoller(queueRepo, processor, cfg.Delivery.SchedulePoll())
	if err := poller.Start(); err != nil {
		log.Fatalf("Failed to start schedule poller: %v", err)
	}
	log.Println("Schedule poller started")

	var consumer *worker.TriggerConsumer
	if cfg.Trigger.AMQPURL != "" {
		consumer, err = worker.NewTriggerConsumer(cfg.Trigger.AMQPURL, cfg.Trigger.Queue, processor)
		if err != nil {
			log.Fatalf("Failed to connect trigger bus: %v", err)
		}
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Printf("Trigger consumer stopped: %v", err)
			}
		}()
		log.Printf("Listening for processing triggers on %s", cfg.Trigger.Queue)
	}

	health := api.NewHealthChecker(db, redisClient)
	if b := transport.BreakerOf(sender); b != nil {
		health.WithTransport(b)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", health.HandleHealth)
	mux.HandleFunc("/health/ready", health.HandleReadiness)
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()
	log.Printf("Metrics and health listening on %s", metricsServer.Addr)

	// Drain whatever is already due.
	processor.TriggerProcessing()
	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	if consumer != nil {
		consumer.Close()
	}
	poller.Stop()
	processor.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsServer.Shutdown(shutdownCtx)

	log.Printf("Worker stopped (stats: %v)", processor.Stats())
}
