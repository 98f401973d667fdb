package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Import pprof for profiling
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kranthikarthan/payments-engine/internal/di"
	"github.com/kranthikarthan/payments-engine/internal/metrics"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/config"
	"github.com/kranthikarthan/payments-engine/pkg/database"
	"github.com/kranthikarthan/payments-engine/pkg/kafka"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
	"github.com/kranthikarthan/payments-engine/pkg/middleware"
	pkgredis "github.com/kranthikarthan/payments-engine/pkg/redis"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       "info",
		ServiceName: "payments-api",
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting Payments API...")

	ctx := context.Background()

	// Initialize OpenTelemetry tracing and metrics
	if cfg.OTel.Enabled {
		telCfg := &telemetry.Config{
			Enabled:       true,
			ServiceName:   "payments-api",
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
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        int32(cfg.Database.MaxOpenConns),
		MinConns:        int32(cfg.Database.MaxIdleConns),
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  5 * time.Second,
		MaxRetries:      3,
		RetryInterval:   1 * time.Second,
	}
	db, err := database.NewPostgres(ctx, dbCfg)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Database connection failed: %v", err))
	}
	defer db.Close()
	appLog.Info(fmt.Sprintf("Database connected (pool: min=%d, max=%d)", dbCfg.MinConns, dbCfg.MaxConns))

	// Initialize Redis connection
	redisCfg := &pkgredis.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}
	redisClient, err := pkgredis.NewClient(ctx, redisCfg)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Redis connection failed: %v", err))
	}
	defer redisClient.Close()
	appLog.Info("Redis connected")

	// Initialize Kafka producer. The API only needs it for readiness
	// probes and DLQ publishing; submission itself goes through the
	// outbox, so a missing broker degrades rather than blocks startup.
	var producer *kafka.Producer
	producer, err = kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID + "-api",
	})
	if err != nil {
		appLog.Warn(fmt.Sprintf("Kafka connection failed, continuing without producer: %v", err))
		producer = nil
	} else {
		defer producer.Close()
		appLog.Info("Kafka producer connected")
	}

	// Build dependency injection container
	container := di.NewContainer(&di.ContainerConfig{
		Config:   cfg,
		DB:       db,
		Redis:    redisClient,
		Producer: producer,
	})

	// Setup Gin
	gin.SetMode(gin.ReleaseMode)
	gin.DisableConsoleColor()

	router := gin.New()
	router.Use(gin.Recovery())

	// Health check endpoints
	router.GET("/health", container.HealthHandler.Health)
	router.GET("/ready", container.HealthHandler.Ready)

	// Pool stats for monitoring
	router.GET("/metrics", func(c *gin.Context) {
		stats := db.Stats()
		c.JSON(http.StatusOK, gin.H{
			"db_pool": gin.H{
				"total_conns":        stats.TotalConns(),
				"acquired_conns":     stats.AcquiredConns(),
				"idle_conns":         stats.IdleConns(),
				"max_conns":          stats.MaxConns(),
				"constructing_conns": stats.ConstructingConns(),
			},
		})
	})

	// API routes
	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": cfg.App.Version,
				"service": "payments-api",
			})
		})

		// Configure idempotency middleware for write operations
		idempotencyConfig := middleware.DefaultIdempotencyConfig(redisClient.Client())
		idempotencyConfig.SkipPaths = []string{"/health", "/ready", "/metrics"}

		payments := v1.Group("/payments")
		payments.Use(tenant.Middleware())
		{
			payments.POST("", middleware.IdempotencyMiddleware(idempotencyConfig), container.PaymentHandler.Submit)
			payments.POST("/:id/cancel", middleware.IdempotencyMiddleware(idempotencyConfig), container.PaymentHandler.Cancel)
			payments.GET("/:id", container.PaymentHandler.GetStatus)
		}

		admin := v1.Group("/admin")
		admin.Use(tenant.Middleware())
		{
			admin.POST("/routing-cache/invalidate", container.AdminHandler.InvalidateRoutingCache)
		}
	}

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	// Start pprof server on separate port for profiling
	go func() {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port+1000)
		appLog.Info(fmt.Sprintf("pprof server listening on %s", pprofAddr))
		if err := http.ListenAndServe(pprofAddr, nil); err != nil {
			appLog.Error(fmt.Sprintf("pprof server error: %v", err))
		}
	}()

	// Start server in goroutine
	go func() {
		appLog.Info(fmt.Sprintf("Payments API listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal(fmt.Sprintf("Failed to start server: %v", err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down server...")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Fatal(fmt.Sprintf("Server forced to shutdown: %v", err))
	}

	appLog.Info("Server exited gracefully")
}
