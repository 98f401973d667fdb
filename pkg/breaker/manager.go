package breaker

import "sync"

// Manager manages a breaker per named downstream (backend system, clearing channel)
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      *Config // Default config for new breakers
}

// NewManager creates a new circuit breaker manager
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}

	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      defaultCfg,
	}
}

// Get returns a circuit breaker by name, creating if necessary
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	// Create new circuit breaker with default config
	cfg := *m.cfg
	cfg.Name = name
	cb = New(&cfg)
	m.breakers[name] = cb

	return cb
}

// GetOrCreate returns an existing circuit breaker or creates one with custom config
func (m *Manager) GetOrCreate(name string, cfg *Config) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check
	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	if cfg == nil {
		copied := *m.cfg
		cfg = &copied
	}
	cfg.Name = name
	cb = New(cfg)
	m.breakers[name] = cb

	return cb
}

// Remove removes a circuit breaker
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
}

// List returns all circuit breaker names
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	return names
}

// Stats returns statistics for all circuit breakers
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = Stats{
			Name:   name,
			State:  cb.State(),
			Counts: cb.Counts(),
		}
	}
	return stats
}

// Stats contains stats for a single circuit breaker
type Stats struct {
	Name   string
	State  State
	Counts Counts
}
