package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/pkg/logger"
	pkgredis "github.com/kranthikarthan/payments-engine/pkg/redis"
)

// TargetSource enumerates the services to probe and their base URLs.
type TargetSource interface {
	ProbeTargets(ctx context.Context) (map[string]string, error)
}

// HealthMonitorConfig contains configuration for the health monitor
type HealthMonitorConfig struct {
	// ProbeInterval is the interval between probe rounds
	ProbeInterval time.Duration
	// TTL is how long a successful probe keeps a service HEALTHY
	TTL time.Duration
	// ProbeTimeout bounds one probe request
	ProbeTimeout time.Duration
}

// DefaultHealthMonitorConfig returns default configuration
func DefaultHealthMonitorConfig() *HealthMonitorConfig {
	return &HealthMonitorConfig{
		ProbeInterval: 10 * time.Second,
		TTL:           15 * time.Second,
		ProbeTimeout:  2 * time.Second,
	}
}

// HealthMonitor probes each target's /health endpoint on an interval and
// records the result in Redis with a TTL. A service is HEALTHY iff its
// key exists: a probe round that fails (or never runs) lets the key lapse,
// so staleness degrades to UNHEALTHY without any cleanup pass.
type HealthMonitor struct {
	targets TargetSource
	redis   *pkgredis.Client
	client  *http.Client
	config  *HealthMonitorConfig
	log     *zap.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewHealthMonitor creates a new HealthMonitor
func NewHealthMonitor(targets TargetSource, redis *pkgredis.Client, config *HealthMonitorConfig) *HealthMonitor {
	if config == nil {
		config = DefaultHealthMonitorConfig()
	}
	return &HealthMonitor{
		targets: targets,
		redis:   redis,
		client:  &http.Client{Timeout: config.ProbeTimeout},
		config:  config,
		log:     logger.Get(),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the probe loop
func (m *HealthMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("health monitor already running")
	}
	m.running = true
	m.mu.Unlock()

	m.log.Info("Starting health monitor",
		zap.Duration("probe_interval", m.config.ProbeInterval),
		zap.Duration("ttl", m.config.TTL),
	)

	m.wg.Add(1)
	go m.run(ctx)

	return nil
}

// Stop stops the probe loop
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.log.Info("Stopping health monitor")
	close(m.stopCh)
	m.wg.Wait()
	m.log.Info("Health monitor stopped")
}

// IsHealthy reports whether the service passed a probe within the TTL.
// Redis being unreachable reports healthy: the breaker is the authority
// on call admission, the monitor only adds early warning.
func (m *HealthMonitor) IsHealthy(ctx context.Context, service string) bool {
	err := m.redis.Get(ctx, healthKey(service)).Err()
	if err == nil {
		return true
	}
	if errors.Is(err, pkgredis.Nil) {
		return false
	}
	m.log.Warn("Health lookup failed, assuming healthy",
		zap.String("service", service),
		zap.Error(err),
	)
	return true
}

func (m *HealthMonitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	m.probeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *HealthMonitor) probeAll(ctx context.Context) {
	targets, err := m.targets.ProbeTargets(ctx)
	if err != nil {
		m.log.Error("Failed to list probe targets", zap.Error(err))
		return
	}

	for service, baseURL := range targets {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		if m.probe(ctx, baseURL) {
			if err := m.redis.Set(ctx, healthKey(service), "1", m.config.TTL).Err(); err != nil {
				m.log.Warn("Failed to record health probe",
					zap.String("service", service),
					zap.Error(err),
				)
			}
		} else {
			m.log.Warn("Health probe failed", zap.String("service", service))
		}
	}
}

func (m *HealthMonitor) probe(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func healthKey(service string) string {
	return fmt.Sprintf("health:%s", service)
}
