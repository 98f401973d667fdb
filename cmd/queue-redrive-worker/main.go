package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kranthikarthan/payments-engine/internal/accounts"
	"github.com/kranthikarthan/payments-engine/internal/di"
	"github.com/kranthikarthan/payments-engine/internal/metrics"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/internal/resilience"
	"github.com/kranthikarthan/payments-engine/internal/worker"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/config"
	"github.com/kranthikarthan/payments-engine/pkg/database"
	"github.com/kranthikarthan/payments-engine/pkg/kafka"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
	pkgredis "github.com/kranthikarthan/payments-engine/pkg/redis"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// The queue redrive worker replays deferred external calls once their
// target backends probe healthy again, and publishes a completion record
// per finished message so suspended sagas wake up.
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       "info",
		ServiceName: "queue-redrive-worker",
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting Queue Redrive Worker...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry tracing and metrics
	if cfg.OTel.Enabled {
		telCfg := &telemetry.Config{
			Enabled:       true,
			ServiceName:   "queue-redrive-worker",
			CollectorAddr: cfg.OTel.CollectorAddr,
			SampleRatio:   cfg.OTel.SampleRatio,
			Environment:   cfg.App.Environment,
		}
		if _, err := telemetry.Init(ctx, telCfg); err != nil {
			appLog.Warn(fmt.Sprintf("Failed to initialize tracer (continuing without tracing): %v", err))
		} else {
			defer telemetry.Shutdown(ctx)
		}
		if err := telemetry.InitMetrics(ctx, telCfg); err != nil {
			appLog.Warn(fmt.Sprintf("Failed to initialize metrics exporter: %v", err))
		} else {
			defer telemetry.ShutdownMetrics(ctx)
		}
	}
	if err := metrics.Init(); err != nil {
		appLog.Warn(fmt.Sprintf("Failed to register metrics: %v", err))
	}

	// Initialize database connection
	dbCfg := &database.PostgresConfig{
		Host:          cfg.Database.Host,
		Port:          cfg.Database.Port,
		User:          cfg.Database.User,
		Password:      cfg.Database.Password,
		Database:      cfg.Database.DBName,
		SSLMode:       cfg.Database.SSLMode,
		MaxConns:      20,
		MinConns:      5,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	}
	db, err := database.NewPostgres(ctx, dbCfg)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}
	defer db.Close()
	appLog.Info("PostgreSQL connected")

	// Initialize Redis connection (health probe state lives here)
	redisClient, err := pkgredis.NewClient(ctx, &pkgredis.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to connect to Redis: %v", err))
	}
	defer redisClient.Close()
	appLog.Info("Redis connected")

	// Kafka producer is mandatory: completion records are how suspended
	// sagas learn their deferred call finished.
	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID + "-queue-redrive",
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to create Kafka producer: %v", err))
	}
	defer producer.Close()
	appLog.Info("Kafka producer connected")

	clk := clock.System{}
	queuedRepo := repository.NewPostgresQueuedMessageRepository(db.Pool())
	backends := repository.NewPostgresBackendRepository(db.Pool())

	queue := resilience.NewQueue(queuedRepo, &resilience.QueuePolicy{
		MaxRetries:  cfg.Resiliency.QueueMaxRetries,
		BackoffBase: cfg.Resiliency.QueueBackoffBase,
		BackoffMax:  cfg.Resiliency.QueueBackoffMax,
		Expiry:      cfg.Resiliency.QueueExpiry,
	}, clk)

	// Probe the same backend registry the adapter routes through
	registry := accounts.NewRegistry(backends, cfg.Accounts.RegistryRefresh, clk)
	health := resilience.NewHealthMonitor(registry, redisClient, &resilience.HealthMonitorConfig{
		ProbeInterval: cfg.Resiliency.HealthInterval,
		TTL:           cfg.Resiliency.HealthTTL,
	})
	if err := health.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start health monitor: %v", err))
	}

	redriveCfg := worker.DefaultRedriveConfig()
	redriveCfg.CompletionTopic = di.QueueCompletionsTopic
	if cfg.Resiliency.QueuePollEvery > 0 {
		redriveCfg.PollInterval = cfg.Resiliency.QueuePollEvery
	}
	if cfg.Resiliency.QueueBatchSize > 0 {
		redriveCfg.BatchSize = cfg.Resiliency.QueueBatchSize
	}
	if cfg.Resiliency.QueueWorkers > 0 {
		redriveCfg.Workers = cfg.Resiliency.QueueWorkers
	}

	redrive := worker.NewRedriveWorker(queuedRepo, queue, health, producer, redriveCfg, clk)
	if err := redrive.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start redrive worker: %v", err))
	}
	appLog.Info("Queue redrive worker running")

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down queue redrive worker...")

	redrive.Stop()
	health.Stop()
	cancel()

	appLog.Info("Queue redrive worker exited gracefully")
}
