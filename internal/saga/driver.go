package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
)

// DriverConfig contains configuration for the saga driver
type DriverConfig struct {
	// PollInterval is the interval between due-saga scans
	PollInterval time.Duration
	// BatchSize is the number of sagas claimed per scan
	BatchSize int
	// Workers is the number of concurrent drive workers
	Workers int
	// LeaseTTL is the single-writer lease duration; leases are renewed at
	// a third of this while a drive is in flight
	LeaseTTL time.Duration
	// DeadlineInterval is the interval between deadline sweeps
	DeadlineInterval time.Duration
	// DeadlineBatch is the number of overdue sagas handled per sweep
	DeadlineBatch int
}

// DefaultDriverConfig returns default configuration
func DefaultDriverConfig() *DriverConfig {
	return &DriverConfig{
		PollInterval:     500 * time.Millisecond,
		BatchSize:        50,
		Workers:          10,
		LeaseTTL:         30 * time.Second,
		DeadlineInterval: 5 * time.Second,
		DeadlineBatch:    100,
	}
}

// Driver polls for due sagas and drives them through the engine. Multiple
// driver processes can run side by side; the per-saga lease keeps each
// saga on a single writer. Suspended sagas are skipped by the claim query
// and picked up again once a consumer clears their trigger.
type Driver struct {
	engine *Engine
	sagas  repository.SagaRepository
	config *DriverConfig
	owner  string
	clk    clock.Clock
	log    *zap.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewDriver creates a new saga Driver
func NewDriver(engine *Engine, sagas repository.SagaRepository, config *DriverConfig, clk clock.Clock) *Driver {
	if config == nil {
		config = DefaultDriverConfig()
	}
	return &Driver{
		engine: engine,
		sagas:  sagas,
		config: config,
		owner:  "saga-driver-" + uuid.NewString(),
		clk:    clk,
		log:    logger.Get(),
		stopCh: make(chan struct{}),
	}
}

// Owner returns this driver's lease identity.
func (d *Driver) Owner() string { return d.owner }

// Start starts the poll loop, the drive workers and the deadline sweep
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("saga driver already running")
	}
	d.running = true
	d.mu.Unlock()

	d.log.Info("Starting saga driver",
		zap.String("owner", d.owner),
		zap.Int("workers", d.config.Workers),
		zap.Duration("poll_interval", d.config.PollInterval),
	)

	jobs := make(chan *domain.SagaInstance)

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, jobs)
	}

	d.wg.Add(1)
	go d.pollLoop(ctx, jobs)

	d.wg.Add(1)
	go d.deadlineLoop(ctx)

	return nil
}

// Stop stops the driver and waits for in-flight drives
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	d.log.Info("Stopping saga driver")
	close(d.stopCh)
	d.wg.Wait()
	d.log.Info("Saga driver stopped")
}

func (d *Driver) pollLoop(ctx context.Context, jobs chan<- *domain.SagaInstance) {
	defer d.wg.Done()
	defer close(jobs)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.dispatchDue(ctx, jobs)
		}
	}
}

// dispatchDue claims one batch of due sagas and hands them to the workers.
func (d *Driver) dispatchDue(ctx context.Context, jobs chan<- *domain.SagaInstance) {
	due, err := d.sagas.ClaimDue(ctx, d.clk.Now(), d.config.BatchSize)
	if err != nil {
		d.log.Error("Failed to claim due sagas", zap.Error(err))
		return
	}
	for _, saga := range due {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case jobs <- saga:
		}
	}
}

func (d *Driver) worker(ctx context.Context, jobs <-chan *domain.SagaInstance) {
	defer d.wg.Done()

	for saga := range jobs {
		d.driveOne(ctx, saga)
	}
}

// driveOne leases a saga and drives it, renewing the lease while the
// drive is in flight. A lease lost to another driver is not an error.
func (d *Driver) driveOne(ctx context.Context, saga *domain.SagaInstance) {
	ctx = tenant.With(ctx, tenant.Context{
		TenantID:       saga.TenantID,
		BusinessUnitID: saga.BusinessUnitID,
	})

	if err := d.sagas.AcquireLease(ctx, saga.SagaID, d.owner, d.config.LeaseTTL); err != nil {
		if !errors.Is(err, domain.ErrSagaLeaseHeld) && !errors.Is(err, domain.ErrSagaNotFound) {
			d.log.Error("Failed to acquire saga lease",
				zap.String("saga_id", saga.SagaID),
				zap.Error(err),
			)
		}
		return
	}

	renewCtx, stopRenewal := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go d.renewLoop(renewCtx, saga.SagaID, renewDone)

	err := d.engine.Drive(ctx, saga)

	stopRenewal()
	<-renewDone

	if releaseErr := d.sagas.ReleaseLease(ctx, saga.SagaID, d.owner); releaseErr != nil {
		d.log.Warn("Failed to release saga lease",
			zap.String("saga_id", saga.SagaID),
			zap.Error(releaseErr),
		)
	}

	if err != nil {
		d.log.Warn("Saga drive ended with error, will retry on a later poll",
			zap.String("saga_id", saga.SagaID),
			zap.Error(err),
		)
	}
}

// renewLoop extends the lease at a third of its TTL until cancelled.
func (d *Driver) renewLoop(ctx context.Context, sagaID string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.config.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.sagas.RenewLease(ctx, sagaID, d.owner, d.config.LeaseTTL); err != nil {
				d.log.Warn("Failed to renew saga lease",
					zap.String("saga_id", sagaID),
					zap.Error(err),
				)
				return
			}
		}
	}
}

func (d *Driver) deadlineLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DeadlineInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweepDeadlines(ctx)
		}
	}
}

// sweepDeadlines times out sagas past their deadline, suspended ones
// included.
func (d *Driver) sweepDeadlines(ctx context.Context) {
	overdue, err := d.sagas.ListDeadlineExceeded(ctx, d.clk.Now(), d.config.DeadlineBatch)
	if err != nil {
		d.log.Error("Failed to list overdue sagas", zap.Error(err))
		return
	}

	for _, saga := range overdue {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		sctx := tenant.With(ctx, tenant.Context{
			TenantID:       saga.TenantID,
			BusinessUnitID: saga.BusinessUnitID,
		})
		if err := d.engine.ForceTimeout(sctx, d.owner, saga.SagaID); err != nil {
			if errors.Is(err, domain.ErrSagaLeaseHeld) {
				continue
			}
			d.log.Warn("Failed to time out overdue saga",
				zap.String("saga_id", saga.SagaID),
				zap.Error(err),
			)
		}
	}
}
