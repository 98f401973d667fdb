package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kranthikarthan/payments-engine/internal/limits"
	"github.com/kranthikarthan/payments-engine/internal/metrics"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/internal/worker"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/config"
	"github.com/kranthikarthan/payments-engine/pkg/database"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// The reservation sweeper expires lapsed limit reservations so their
// amounts stop counting against customer capacity. Sagas notice a lapsed
// reservation on their own at consume time.
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       "info",
		ServiceName: "reservation-sweeper",
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting Reservation Sweeper...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry tracing and metrics
	if cfg.OTel.Enabled {
		telCfg := &telemetry.Config{
			Enabled:       true,
			ServiceName:   "reservation-sweeper",
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
		MaxConns:      10,
		MinConns:      2,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	}
	db, err := database.NewPostgres(ctx, dbCfg)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}
	defer db.Close()
	appLog.Info("PostgreSQL connected")

	clk := clock.System{}
	limitRepo := repository.NewPostgresLimitRepository(db.Pool())

	// The sweeper only expires reservations; enforcement defaults are
	// never consulted on this path.
	engine := limits.NewEngine(limitRepo, limits.Defaults{}, cfg.Limits.ReservationTTL, clk)

	sweeper := worker.NewReservationSweeper(engine, &worker.SweeperConfig{
		SweepInterval: cfg.Limits.SweepInterval,
		BatchSize:     cfg.Limits.SweepBatchSize,
	})
	if err := sweeper.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start reservation sweeper: %v", err))
	}
	appLog.Info("Reservation sweeper running")

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down reservation sweeper...")

	sweeper.Stop()
	cancel()

	appLog.Info("Reservation sweeper exited gracefully")
}
