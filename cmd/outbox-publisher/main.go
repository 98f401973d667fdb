package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kranthikarthan/payments-engine/internal/metrics"
	"github.com/kranthikarthan/payments-engine/internal/outbox"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/config"
	"github.com/kranthikarthan/payments-engine/pkg/database"
	"github.com/kranthikarthan/payments-engine/pkg/kafka"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
	"github.com/kranthikarthan/payments-engine/pkg/retry"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// The outbox publisher is the only path from transaction_events rows to
// Kafka. It runs as its own process so API and driver restarts never
// stall event delivery.
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       "info",
		ServiceName: "outbox-publisher",
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting Outbox Publisher...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry tracing and metrics
	if cfg.OTel.Enabled {
		telCfg := &telemetry.Config{
			Enabled:       true,
			ServiceName:   "outbox-publisher",
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

	// Initialize Kafka producer
	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID + "-outbox",
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to create Kafka producer: %v", err))
	}
	defer producer.Close()
	appLog.Info("Kafka producer connected")

	events := repository.NewPostgresEventRepository(db.Pool())
	dlq := retry.NewKafkaDLQPublisher(producer, &retry.DLQConfig{Source: "outbox-publisher"})

	publisher := outbox.NewPublisher(events, producer, dlq, nil, clock.System{})
	if err := publisher.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start outbox publisher: %v", err))
	}
	appLog.Info("Outbox publisher running")

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down outbox publisher...")

	publisher.Stop()
	cancel()

	appLog.Info("Outbox publisher exited gracefully")
}
