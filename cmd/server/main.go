package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/campaign-delivery/internal/api"
	"github.com/ignite/campaign-delivery/internal/config"
	"github.com/ignite/campaign-delivery/internal/pkg/distlock"
	"github.com/ignite/campaign-delivery/internal/pkg/logger"
	"github.com/ignite/campaign-delivery/internal/repository/postgres"
	"github.com/ignite/campaign-delivery/internal/service/delivery"
	"github.com/ignite/campaign-delivery/internal/transport"
	"github.com/ignite/campaign-delivery/internal/worker"
	"github.com/redis/go-redis/v9"
)

// drainLockKey names the lock that keeps one drain running per deployment.
const drainLockKey = "campaign-delivery:drain"

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting campaign delivery server (cmd/server)")

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

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

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

	queueRepo := postgres.NewQueueRepo(db)

	// With a trigger bus configured, cmd/worker drains and this process only
	// publishes. Otherwise the server drains in-process.
	var (
		trigger   delivery.Trigger
		processor *worker.QueueProcessor
		stats     api.StatsSource
		breaker   *transport.BreakerSender
	)
	if cfg.Trigger.AMQPURL != "" {
		pub, err := worker.NewAMQPTrigger(cfg.Trigger.AMQPURL, cfg.Trigger.Queue)
		if err != nil {
			log.Fatalf("Failed to connect trigger bus: %v", err)
		}
		defer pub.Close()
		trigger = pub
		log.Printf("Processing triggers published to %s", cfg.Trigger.Queue)
	} else {
		sender, err := transport.New(ctx, cfg.Transport)
		if err != nil {
			log.Fatalf("Failed to initialize mail transport: %v", err)
		}
		sender = transport.WithRateLimit(sender, redisClient, cfg.Transport)
		breaker = transport.BreakerOf(sender)
		processor = worker.NewQueueProcessor(
			queueRepo,
			sender,
			distlock.NewLock(redisClient, db, drainLockKey, cfg.Delivery.LockTTL()),
			nil,
			processorConfig(cfg),
		)
		if err := processor.Start(); err != nil {
			log.Fatalf("Failed to start queue processor: %v", err)
		}
		trigger = processor
		stats = processor

		recovery := worker.NewQueueRecoveryWorkerWithConfig(queueRepo, processor,
			cfg.Delivery.RecoveryInterval(), cfg.Delivery.StaleAge())
		go recovery.Start(ctx)
		go worker.NewDataCleanupWorkerWithConfig(db, worker.DefaultCleanupInterval,
			cfg.Delivery.QueueRetention(), cfg.Delivery.LogRetention()).Start(ctx)

		poller := worker.NewSchedulePoller(queueRepo, processor, cfg.Delivery.SchedulePoll())
		if err := poller.Start(); err != nil {
			log.Fatalf("Failed to start schedule poller: %v", err)
		}
		defer poller.Stop()
		log.Printf("In-process drain enabled (transport=%s)", cfg.Transport.Driver)
	}

	svc := delivery.NewService(postgres.NewDeliveryRepo(db), trigger, delivery.Options{
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		ScheduleBuffer: cfg.Delivery.ScheduleBuffer(),
	})

	health := api.NewHealthChecker(db, redisClient)
	if breaker != nil {
		health.WithTransport(breaker)
	}
	server := api.NewServer(cfg.Server, api.NewHandlers(svc, trigger, stats), health)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Stop draining after the API so no new trigger races the shutdown.
	if processor != nil {
		processor.Stop()
	}
	cancel()

	log.Println("Server stopped")
}

func processorConfig(cfg *config.Config) worker.ProcessorConfig {
	return worker.ProcessorConfig{
		BatchSize:        cfg.Delivery.BatchSize,
		BatchDelay:       cfg.Delivery.BatchDelay(),
		RetryDelay:       cfg.Delivery.RetryDelay(),
		SendTimeout:      cfg.Delivery.SendTimeout(),
		LockTTL:          cfg.Delivery.LockTTL(),
		DefaultFromEmail: cfg.Transport.DefaultFrom,
		DefaultFromName:  cfg.Transport.DefaultFromName,
	}
}
