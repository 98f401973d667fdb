// Package breaker implements the circuit breaker pattern for calls to
// external account backends and clearing channels.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kranthikarthan/payments-engine/pkg/clock"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Testing if service recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Common errors
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies this circuit breaker
	Name string

	// WindowSize is the minimum number of calls before rates are evaluated
	WindowSize uint32

	// FailureThreshold trips the breaker when the failure rate reaches it (0-1)
	FailureThreshold float64

	// SlowCallThreshold trips the breaker when the slow-call rate reaches it (0-1)
	SlowCallThreshold float64

	// SlowCallDuration is the duration above which a call counts as slow
	SlowCallDuration time.Duration

	// MaxRequests is the maximum number of requests allowed in half-open state
	MaxRequests uint32

	// SuccessThreshold is the number of consecutive half-open successes required to close
	SuccessThreshold uint32

	// Interval is the cyclic period in closed state for clearing counts
	Interval time.Duration

	// WaitDuration is the period of open state before switching to half-open
	WaitDuration time.Duration

	// IsFailure decides whether an error counts against the breaker.
	// Business rejections (limit exceeded, validation) should return false
	// so they do not trip the circuit. When nil, every error counts.
	IsFailure func(err error) bool

	// ReadyToTrip is called with a copy of Counts whenever a request fails in
	// closed state. If it returns true, the breaker trips to open state.
	// When nil, the rate thresholds above are used.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange is called whenever the circuit state changes
	OnStateChange func(name string, from State, to State)

	// Clock supplies time; defaults to the system clock
	Clock clock.Clock
}

// DefaultConfig returns a reasonable default configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:              name,
		WindowSize:        20,
		FailureThreshold:  0.5,
		SlowCallThreshold: 0.8,
		SlowCallDuration:  2 * time.Second,
		MaxRequests:       3,
		SuccessThreshold:  2,
		Interval:          60 * time.Second,
		WaitDuration:      30 * time.Second,
	}
}

// Counts holds request/response counts for the current generation
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	TotalSlowCalls       uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns the failure ratio
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0.0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

// SlowCallRatio returns the slow-call ratio
func (c Counts) SlowCallRatio() float64 {
	if c.Requests == 0 {
		return 0.0
	}
	return float64(c.TotalSlowCalls) / float64(c.Requests)
}

// Clear resets all counts
func (c *Counts) Clear() {
	c.Requests = 0
	c.TotalSuccesses = 0
	c.TotalFailures = 0
	c.TotalSlowCalls = 0
	c.ConsecutiveSuccesses = 0
	c.ConsecutiveFailures = 0
}

// OnRequest records a started request
func (c *Counts) OnRequest() {
	c.Requests++
}

// OnSuccess records a successful request
func (c *Counts) OnSuccess(slow bool) {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
	if slow {
		c.TotalSlowCalls++
	}
}

// OnFailure records a failed request
func (c *Counts) OnFailure(slow bool) {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
	if slow {
		c.TotalSlowCalls++
	}
}

// CircuitBreaker implements the circuit breaker pattern.
// Results are tracked per generation so that stale completions from a
// previous state cannot corrupt the current window.
type CircuitBreaker struct {
	cfg *Config

	mu            sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	expiry        time.Time
	lastStateTime time.Time
}

// New creates a new circuit breaker
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 20
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 3
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.WaitDuration <= 0 {
		cfg.WaitDuration = 30 * time.Second
	}

	cb := &CircuitBreaker{
		cfg:           cfg,
		state:         StateClosed,
		lastStateTime: cfg.Clock.Now(),
	}
	cb.toNewGeneration(cb.lastStateTime)

	return cb
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Clock.Now()
	state, _ := cb.currentState(now)
	return state
}

// Counts returns the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs the given function if the circuit breaker allows
func (cb *CircuitBreaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	started := cb.cfg.Clock.Now()

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false, cb.isSlow(started))
			panic(r)
		}
	}()

	result, err := req()
	cb.afterRequest(generation, !cb.countsAsFailure(err), cb.isSlow(started))
	return result, err
}

// ExecuteContext runs the given function with context if the circuit breaker allows
func (cb *CircuitBreaker) ExecuteContext(
	ctx context.Context,
	req func(context.Context) (interface{}, error),
) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	started := cb.cfg.Clock.Now()

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false, cb.isSlow(started))
			panic(r)
		}
	}()

	result, err := req(ctx)
	cb.afterRequest(generation, !cb.countsAsFailure(err), cb.isSlow(started))
	return result, err
}

// Allow checks if a request is allowed (doesn't execute anything)
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Clock.Now()
	state, _ := cb.currentState(now)

	if state == StateOpen {
		return ErrCircuitOpen
	}

	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return ErrTooManyRequests
	}

	return nil
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if cb.cfg.IsFailure != nil {
		return cb.cfg.IsFailure(err)
	}
	return true
}

func (cb *CircuitBreaker) isSlow(started time.Time) bool {
	if cb.cfg.SlowCallDuration <= 0 {
		return false
	}
	return cb.cfg.Clock.Now().Sub(started) > cb.cfg.SlowCallDuration
}

// beforeRequest checks if request is allowed and returns generation
func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Clock.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}

	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return generation, ErrTooManyRequests
	}

	cb.counts.OnRequest()
	return generation, nil
}

// afterRequest records the result
func (cb *CircuitBreaker) afterRequest(generation uint64, success bool, slow bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Clock.Now()
	state, currentGeneration := cb.currentState(now)

	// Ignore stale results
	if generation != currentGeneration {
		return
	}

	if success && !slow {
		cb.onSuccess(state, now, slow)
		return
	}

	if success {
		// Slow but successful: counts toward the slow-call rate and can trip
		// the breaker, but does not reset half-open progress by itself.
		cb.onSlowSuccess(state, now)
		return
	}

	cb.onFailure(state, now, slow)
}

// onSuccess handles a successful request
func (cb *CircuitBreaker) onSuccess(state State, now time.Time, slow bool) {
	switch state {
	case StateClosed:
		cb.counts.OnSuccess(slow)
	case StateHalfOpen:
		cb.counts.OnSuccess(slow)
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.setState(StateClosed, now)
		}
	}
}

// onSlowSuccess handles a successful but slow request
func (cb *CircuitBreaker) onSlowSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.OnSuccess(true)
		if cb.readyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// A slow probe is not evidence of recovery
		cb.setState(StateOpen, now)
	}
}

// onFailure handles a failed request
func (cb *CircuitBreaker) onFailure(state State, now time.Time, slow bool) {
	switch state {
	case StateClosed:
		cb.counts.OnFailure(slow)
		if cb.readyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) readyToTrip(counts Counts) bool {
	if cb.cfg.ReadyToTrip != nil {
		return cb.cfg.ReadyToTrip(counts)
	}

	if counts.Requests < cb.cfg.WindowSize {
		return false
	}

	if cb.cfg.FailureThreshold > 0 && counts.FailureRatio() >= cb.cfg.FailureThreshold {
		return true
	}

	if cb.cfg.SlowCallThreshold > 0 && counts.SlowCallRatio() >= cb.cfg.SlowCallThreshold {
		return true
	}

	return false
}

// currentState returns the current state and possibly updates it
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

// setState changes the circuit breaker state
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prevState := cb.state
	cb.state = state
	cb.lastStateTime = now

	cb.toNewGeneration(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prevState, state)
	}
}

// toNewGeneration starts a new generation
func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.Clear()

	var expiry time.Time
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			expiry = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		expiry = now.Add(cb.cfg.WaitDuration)
	}
	cb.expiry = expiry
}

// String implements fmt.Stringer for CircuitBreaker
func (cb *CircuitBreaker) String() string {
	state := cb.State()
	counts := cb.Counts()
	return fmt.Sprintf("CircuitBreaker[%s: state=%s, requests=%d, failures=%d, slow=%d]",
		cb.cfg.Name, state, counts.Requests, counts.TotalFailures, counts.TotalSlowCalls)
}

// ExecuteWithFallback runs a request with circuit breaker and fallback
func ExecuteWithFallback[T any](
	cb *CircuitBreaker,
	request func() (T, error),
	fallback func(error) (T, error),
) (T, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		return request()
	})

	if err != nil {
		return fallback(err)
	}

	return result.(T), nil
}
