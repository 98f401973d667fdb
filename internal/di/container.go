// Package di wires the payment engine's object graph. One container is
// built per process; each binary pulls out the pieces it runs.
package di

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kranthikarthan/payments-engine/internal/accounts"
	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/fraud"
	"github.com/kranthikarthan/payments-engine/internal/handler"
	"github.com/kranthikarthan/payments-engine/internal/limits"
	"github.com/kranthikarthan/payments-engine/internal/outbox"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/internal/resilience"
	"github.com/kranthikarthan/payments-engine/internal/routing"
	"github.com/kranthikarthan/payments-engine/internal/saga"
	"github.com/kranthikarthan/payments-engine/internal/service"
	"github.com/kranthikarthan/payments-engine/pkg/breaker"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/config"
	"github.com/kranthikarthan/payments-engine/pkg/database"
	"github.com/kranthikarthan/payments-engine/pkg/kafka"
	pkgredis "github.com/kranthikarthan/payments-engine/pkg/redis"
	"github.com/kranthikarthan/payments-engine/pkg/retry"
)

// Topics shared between producers and consumers. The outbox topic lives
// in outbox.DefaultPublisherConfig.
const (
	ClearingOutcomesTopic = "payments.clearing-outcomes"
	QueueCompletionsTopic = "payments.queue-completions"
	NotificationsTopic    = "payments.notifications"
)

// Container holds all dependencies for the payments engine
type Container struct {
	// Infrastructure
	Config   *config.Config
	DB       *database.PostgresDB
	Redis    *pkgredis.Client
	Producer *kafka.Producer
	Clock    clock.Clock

	// Repositories
	Payments     repository.PaymentRepository
	Sagas        repository.SagaRepository
	Events       repository.EventRepository
	LimitRepo    repository.LimitRepository
	Holds        repository.HoldRepository
	Backends     repository.BackendRepository
	RoutingRules repository.RoutingRepository
	RoutingCache repository.RoutingCache
	FraudRepo    repository.FraudRepository
	Queued       repository.QueuedMessageRepository
	Snapshots    repository.AccountSnapshotCache

	// Resiliency
	Breakers *breaker.Manager
	Caller   *resilience.Caller
	Queue    *resilience.Queue
	Health   *resilience.HealthMonitor
	DLQ      retry.DLQPublisher

	// Domain engines
	Limits   *limits.Engine
	Routing  *routing.Engine
	Fraud    *fraud.Engine
	Registry *accounts.Registry
	Ledger   *accounts.Adapter
	Appender *outbox.Appender
	Channels *saga.ChannelRegistry
	Engine   *saga.Engine
	Driver   *saga.Driver

	// Services
	PaymentService service.PaymentService

	// Handlers
	PaymentHandler *handler.PaymentHandler
	HealthHandler  *handler.HealthHandler
	AdminHandler   *handler.AdminHandler
}

// ContainerConfig contains the infrastructure handles the container
// builds on. Producer may be nil: async clearing, notifications and DLQ
// publishing degrade to no-ops, which keeps worker binaries that never
// touch Kafka from needing a broker.
type ContainerConfig struct {
	Config   *config.Config
	DB       *database.PostgresDB
	Redis    *pkgredis.Client
	Producer *kafka.Producer
	Clock    clock.Clock
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *ContainerConfig) *Container {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}

	c := &Container{
		Config:   cfg.Config,
		DB:       cfg.DB,
		Redis:    cfg.Redis,
		Producer: cfg.Producer,
		Clock:    clk,
	}
	conf := cfg.Config
	pool := cfg.DB.Pool()

	// Repositories
	c.Payments = repository.NewPostgresPaymentRepository(pool)
	c.Sagas = repository.NewPostgresSagaRepository(pool)
	c.Events = repository.NewPostgresEventRepository(pool)
	c.LimitRepo = repository.NewPostgresLimitRepository(pool)
	c.Holds = repository.NewPostgresHoldRepository(pool)
	c.Backends = repository.NewPostgresBackendRepository(pool)
	c.RoutingRules = repository.NewPostgresRoutingRepository(pool)
	c.RoutingCache = repository.NewRedisRoutingCache(cfg.Redis)
	c.FraudRepo = repository.NewPostgresFraudRepository(pool)
	c.Queued = repository.NewPostgresQueuedMessageRepository(pool)
	c.Snapshots = repository.NewRedisAccountCache(cfg.Redis)

	// Resiliency: breakers keyed service:tenant, guarded caller, offline
	// queue. Business rejections never count against a breaker.
	c.Breakers = breaker.NewManager(&breaker.Config{
		WindowSize:        uint32(conf.Resiliency.WindowSize),
		FailureThreshold:  conf.Resiliency.FailureThreshold,
		SlowCallThreshold: conf.Resiliency.SlowCallThreshold,
		SlowCallDuration:  conf.Resiliency.SlowCallDuration,
		MaxRequests:       uint32(conf.Resiliency.HalfOpenMaxCalls),
		SuccessThreshold:  uint32(conf.Resiliency.SuccessThreshold),
		WaitDuration:      conf.Resiliency.WaitDuration,
		IsFailure: func(err error) bool {
			return !domain.IsRejectionError(err)
		},
	})
	c.Caller = resilience.NewCaller(c.Breakers, &resilience.CallPolicy{
		Retry: &retry.Config{
			MaxRetries:      conf.Resiliency.MaxRetries,
			InitialInterval: conf.Resiliency.RetryBaseWait,
			MaxInterval:     conf.Resiliency.RetryMaxWait,
		},
		BulkheadSize: conf.Resiliency.BulkheadSize,
		BulkheadWait: conf.Resiliency.BulkheadWait,
	})
	c.Queue = resilience.NewQueue(c.Queued, &resilience.QueuePolicy{
		MaxRetries:  conf.Resiliency.QueueMaxRetries,
		BackoffBase: conf.Resiliency.QueueBackoffBase,
		BackoffMax:  conf.Resiliency.QueueBackoffMax,
		Expiry:      conf.Resiliency.QueueExpiry,
	}, clk)

	if cfg.Producer != nil {
		c.DLQ = retry.NewKafkaDLQPublisher(cfg.Producer, &retry.DLQConfig{
			Source: conf.App.Name,
		})
	} else {
		c.DLQ = retry.NewNoOpDLQPublisher()
	}

	// Accounts: registry doubles as the health monitor's probe target
	// source, so breaker state and probe state cover the same backends.
	c.Registry = accounts.NewRegistry(c.Backends, conf.Accounts.RegistryRefresh, clk)
	c.Health = resilience.NewHealthMonitor(c.Registry, cfg.Redis, &resilience.HealthMonitorConfig{
		ProbeInterval: conf.Resiliency.HealthInterval,
		TTL:           conf.Resiliency.HealthTTL,
	})
	c.Ledger = accounts.NewAdapter(
		c.Registry,
		accounts.NewHTTPBackendClient(),
		c.Caller,
		c.Queue,
		c.Holds,
		c.Snapshots,
		&accounts.AdapterConfig{
			SnapshotStaleness: conf.Accounts.SnapshotStaleness,
			HoldTTL:           conf.Accounts.HoldTTL,
		},
		clk,
	)

	// Domain engines
	c.Limits = limits.NewEngine(c.LimitRepo, limits.Defaults{
		Daily:          parseAmount(conf.Limits.DefaultDaily),
		Monthly:        parseAmount(conf.Limits.DefaultMonthly),
		PerTransaction: parseAmount(conf.Limits.DefaultPerTxn),
		DailyCount:     conf.Limits.DefaultDayCount,
	}, conf.Limits.ReservationTTL, clk)
	c.Routing = routing.NewEngine(c.RoutingRules, c.RoutingCache, conf.Routing.CacheTTL, clk)

	fraudCfg := fraud.DefaultConfig()
	if conf.Fraud.ProviderTimeout > 0 {
		fraudCfg.CallTimeout = conf.Fraud.ProviderTimeout
	}
	if conf.Fraud.DefaultFallback != "" {
		fraudCfg.DefaultFallback = domain.FraudFallbackStrategy(conf.Fraud.DefaultFallback)
	}
	c.Fraud = fraud.NewEngine(
		c.FraudRepo,
		c.LimitRepo,
		fraud.NewHTTPScoreProvider(conf.Fraud.ProviderURL),
		c.Caller,
		fraudCfg,
		clk,
	)

	// Saga engine and driver
	c.Appender = outbox.NewAppender(c.Events, clk)
	c.Channels = saga.NewChannelRegistry()
	registerClearingChannels(c.Channels, cfg.Producer)

	var sink saga.NotificationSink
	if cfg.Producer != nil {
		sink = saga.NewKafkaNotificationSink(cfg.Producer, NotificationsTopic)
	}
	c.Engine = saga.NewEngine(saga.Deps{
		DB:       pool,
		Payments: c.Payments,
		Sagas:    c.Sagas,
		Appender: c.Appender,
		Fraud:    c.Fraud,
		Limits:   c.Limits,
		Ledger:   c.Ledger,
		Router:   c.Routing,
		Channels: c.Channels,
		Caller:   c.Caller,
		Sink:     sink,
		Clock:    clk,
	}, &saga.Config{
		Deadline:        conf.Saga.Deadline,
		StepTimeout:     conf.Saga.StepTimeout,
		MaxStepAttempts: conf.Saga.MaxStepRetries,
		LeaseTTL:        conf.Saga.LeaseTTL,
	})
	c.Driver = saga.NewDriver(c.Engine, c.Sagas, &saga.DriverConfig{
		PollInterval: conf.Saga.DriverPollEvery,
		BatchSize:    conf.Saga.DriverBatchSize,
		Workers:      conf.Saga.DriverWorkers,
		LeaseTTL:     conf.Saga.LeaseTTL,
	}, clk)

	// Services
	c.PaymentService = service.NewPaymentService(c.Payments, c.Sagas, c.Engine, clk)

	// Handlers
	c.PaymentHandler = handler.NewPaymentHandler(c.PaymentService)
	c.HealthHandler = handler.NewHealthHandler(c.DB, c.Redis, c.Producer)
	c.AdminHandler = handler.NewAdminHandler(c.Routing)

	return c
}

// registerClearingChannels binds the simulated rails. RTC and RTGS settle
// inline; EFT and ACH settle through the clearing-outcomes topic. Without
// a producer the batch rails are left unregistered rather than silently
// dropping their outcomes.
func registerClearingChannels(channels *saga.ChannelRegistry, producer *kafka.Producer) {
	channels.Register("RTC", saga.NewSyncClearingChannel())
	channels.Register("RTGS", saga.NewSyncClearingChannel())
	if producer != nil {
		channels.Register("EFT", saga.NewAsyncClearingChannel(producer, ClearingOutcomesTopic, 2*time.Second))
		channels.Register("ACH", saga.NewAsyncClearingChannel(producer, ClearingOutcomesTopic, 2*time.Second))
	}
}

// parseAmount reads a decimal limit from config; empty or malformed
// values leave the dimension unenforced.
func parseAmount(s string) decimal.Decimal {
	if s == "" {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}
	}
	return d
}
