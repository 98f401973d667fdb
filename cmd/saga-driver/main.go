package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kranthikarthan/payments-engine/internal/di"
	"github.com/kranthikarthan/payments-engine/internal/metrics"
	"github.com/kranthikarthan/payments-engine/internal/saga"
	"github.com/kranthikarthan/payments-engine/pkg/config"
	"github.com/kranthikarthan/payments-engine/pkg/database"
	"github.com/kranthikarthan/payments-engine/pkg/kafka"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
	pkgredis "github.com/kranthikarthan/payments-engine/pkg/redis"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// The saga driver owns payment progress: it claims due sagas under lease
// and executes their steps, and it hosts the two consumers that wake
// suspended sagas (clearing outcomes and queue-redrive completions).
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       "info",
		ServiceName: "saga-driver",
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting Saga Driver...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry tracing and metrics
	if cfg.OTel.Enabled {
		telCfg := &telemetry.Config{
			Enabled:       true,
			ServiceName:   "saga-driver",
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
		MaxConns:      50,
		MinConns:      10,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	}
	db, err := database.NewPostgres(ctx, dbCfg)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}
	defer db.Close()
	appLog.Info("PostgreSQL connected")

	// Initialize Redis connection
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

	// Kafka producer is mandatory here: without it the batch rails have
	// no way to deliver outcomes and EFT/ACH sagas would strand.
	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID + "-saga-driver",
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to create Kafka producer: %v", err))
	}
	defer producer.Close()
	appLog.Info("Kafka producer connected")

	// Build dependency injection container
	container := di.NewContainer(&di.ContainerConfig{
		Config:   cfg,
		DB:       db,
		Redis:    redisClient,
		Producer: producer,
	})

	// Consumers that wake suspended sagas
	outcomeSource, err := kafka.NewConsumer(ctx, &kafka.ConsumerConfig{
		Brokers:  cfg.Kafka.Brokers,
		GroupID:  cfg.Kafka.ConsumerGroup + "-clearing-outcomes",
		Topics:   []string{di.ClearingOutcomesTopic},
		ClientID: cfg.Kafka.ClientID + "-clearing-outcomes",
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to create clearing outcome consumer: %v", err))
	}
	defer outcomeSource.Close()

	completionSource, err := kafka.NewConsumer(ctx, &kafka.ConsumerConfig{
		Brokers:  cfg.Kafka.Brokers,
		GroupID:  cfg.Kafka.ConsumerGroup + "-queue-completions",
		Topics:   []string{di.QueueCompletionsTopic},
		ClientID: cfg.Kafka.ClientID + "-queue-completions",
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to create queue completion consumer: %v", err))
	}
	defer completionSource.Close()

	outcomeConsumer := saga.NewClearingOutcomeConsumer(outcomeSource, container.Engine, container.DLQ)
	completionConsumer := saga.NewQueueCompletionConsumer(completionSource, container.Engine, container.DLQ)

	if err := outcomeConsumer.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start clearing outcome consumer: %v", err))
	}
	if err := completionConsumer.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start queue completion consumer: %v", err))
	}

	if err := container.Driver.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start saga driver: %v", err))
	}
	appLog.Info(fmt.Sprintf("Saga driver running (owner=%s)", container.Driver.Owner()))

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down saga driver...")

	// Stop the wake sources first so no new work arrives, then drain
	// in-flight drives. Leases on anything interrupted lapse on TTL.
	outcomeConsumer.Stop()
	completionConsumer.Stop()
	container.Driver.Stop()
	cancel()

	appLog.Info("Saga driver exited gracefully")
}
