package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/limits"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
)

// SweeperConfig contains configuration for the reservation sweeper
type SweeperConfig struct {
	// SweepInterval is the interval between sweeps
	SweepInterval time.Duration
	// BatchSize is the number of reservations expired per sweep
	BatchSize int
}

// DefaultSweeperConfig returns default configuration
func DefaultSweeperConfig() *SweeperConfig {
	return &SweeperConfig{
		SweepInterval: 10 * time.Second,
		BatchSize:     500,
	}
}

// ReservationSweeper expires lapsed limit reservations so their capacity
// returns to the customer's headroom. A saga that outlived its
// reservation learns of it at consume time and unwinds with a lapsed
// cause; the sweeper itself never touches sagas.
type ReservationSweeper struct {
	limits *limits.Engine
	config *SweeperConfig
	log    *zap.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewReservationSweeper creates a new ReservationSweeper
func NewReservationSweeper(engine *limits.Engine, config *SweeperConfig) *ReservationSweeper {
	if config == nil {
		config = DefaultSweeperConfig()
	}
	return &ReservationSweeper{
		limits: engine,
		config: config,
		log:    logger.Get(),
		stopCh: make(chan struct{}),
	}
}

// Start starts the sweep loop
func (s *ReservationSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("reservation sweeper already running")
	}
	s.running = true
	s.mu.Unlock()

	s.log.Info("Starting reservation sweeper",
		zap.Duration("sweep_interval", s.config.SweepInterval),
		zap.Int("batch_size", s.config.BatchSize),
	)

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop stops the sweeper and waits for the in-flight sweep
func (s *ReservationSweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.log.Info("Stopping reservation sweeper")
	close(s.stopCh)
	s.wg.Wait()
	s.log.Info("Reservation sweeper stopped")
}

func (s *ReservationSweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce drains expired reservations until a batch comes back short.
func (s *ReservationSweeper) sweepOnce(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		expired, err := s.limits.SweepExpired(ctx, s.config.BatchSize)
		if err != nil {
			s.log.Error("Reservation sweep failed", zap.Error(err))
			return
		}
		if len(expired) < s.config.BatchSize {
			return
		}
	}
}
