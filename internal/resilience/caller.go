// Package resilience guards every call the engine makes to an external
// service. A call runs through timeout, bulkhead, circuit breaker and
// retry in that order; callers supply an optional fallback invoked when
// the guarded call finally fails.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/metrics"
	"github.com/kranthikarthan/payments-engine/pkg/breaker"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
	"github.com/kranthikarthan/payments-engine/pkg/retry"
)

// CallPolicy is the per-service guard configuration.
type CallPolicy struct {
	// Timeout bounds one whole guarded call including retries. Zero
	// means the caller's context deadline stands alone.
	Timeout time.Duration

	// Breaker overrides the default breaker config for the service.
	Breaker *breaker.Config

	// Retry overrides the default retry config. Permanent errors are
	// never retried regardless.
	Retry *retry.Config

	// BulkheadSize caps concurrent in-flight calls to the service.
	// Zero disables the bulkhead.
	BulkheadSize int

	// BulkheadWait is how long a call may wait for a slot. Zero means
	// reject immediately when saturated.
	BulkheadWait time.Duration
}

// Operation is one attempt against the external service.
type Operation func(ctx context.Context) error

// Fallback runs after the guarded call has finally failed. Returning nil
// swallows the failure; returning an error propagates it.
type Fallback func(ctx context.Context, callErr error) error

// Caller composes the guard chain around external calls. Breakers are
// keyed service:tenant so one tenant's traffic cannot open another's
// circuit; bulkheads are keyed by service because the protected resource
// (connections to the backend) is shared.
type Caller struct {
	breakers *breaker.Manager
	defaults *CallPolicy
	log      *zap.Logger

	mu        sync.Mutex
	bulkheads map[string]chan struct{}
}

// NewCaller creates a new Caller. defaults applies where a call's policy
// leaves a field zero.
func NewCaller(breakers *breaker.Manager, defaults *CallPolicy) *Caller {
	if defaults == nil {
		defaults = &CallPolicy{}
	}
	return &Caller{
		breakers:  breakers,
		defaults:  defaults,
		log:       logger.Get(),
		bulkheads: make(map[string]chan struct{}),
	}
}

// Call runs op through the guard chain for service on behalf of tenantID.
// The error is a *domain.ServiceUnavailableError when the service was
// short-circuited or exhausted its budget, unless fallback recovers.
func (c *Caller) Call(ctx context.Context, service, tenantID string, policy *CallPolicy, op Operation, fallback Fallback) error {
	policy = c.merged(policy)

	// The fallback runs on the parent context: a fallback that persists
	// work (queue a redrive record) must outlive the call's own timeout.
	parent := ctx
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	release, err := c.enterBulkhead(ctx, service, policy)
	if err != nil {
		metrics.RecordCallRejected(ctx, service, "bulkhead_full")
		return c.recover(parent, service, err, fallback)
	}
	defer release()

	cb := c.breakerFor(service, tenantID, policy)

	_, err = cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		result := retry.DoWithCallback(ctx, policy.Retry, retry.Operation(op), func(attempt int, err error, next time.Duration) {
			metrics.RecordRetry(ctx, service)
			c.log.Debug("Retrying guarded call",
				zap.String("service", service),
				zap.Int("attempt", attempt),
				zap.Duration("next_wait", next),
				zap.Error(err),
			)
		})
		return nil, result.Err
	})
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, breaker.ErrCircuitOpen) || errors.Is(err, breaker.ErrTooManyRequests):
		metrics.RecordCallRejected(ctx, service, "breaker_open")
		err = domain.NewServiceUnavailable(service, err)
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, retry.ErrContextCanceled) && errors.Is(ctx.Err(), context.DeadlineExceeded):
		metrics.RecordCallRejected(ctx, service, "timeout")
		err = domain.NewServiceUnavailable(service, err)
	case errors.Is(err, retry.ErrMaxRetriesExceeded):
		metrics.RecordCallRejected(ctx, service, "retries_exhausted")
		err = domain.NewServiceUnavailable(service, err)
	}

	return c.recover(parent, service, err, fallback)
}

// recover invokes the fallback, if any, after a final failure
func (c *Caller) recover(ctx context.Context, service string, callErr error, fallback Fallback) error {
	if fallback == nil {
		return callErr
	}
	if fbErr := fallback(ctx, callErr); fbErr != nil {
		return fbErr
	}
	c.log.Info("Fallback recovered guarded call",
		zap.String("service", service),
		zap.Error(callErr),
	)
	return nil
}

// merged overlays policy on the caller defaults
func (c *Caller) merged(policy *CallPolicy) *CallPolicy {
	if policy == nil {
		p := *c.defaults
		return &p
	}
	out := *policy
	if out.Timeout == 0 {
		out.Timeout = c.defaults.Timeout
	}
	if out.Breaker == nil {
		out.Breaker = c.defaults.Breaker
	}
	if out.Retry == nil {
		out.Retry = c.defaults.Retry
	}
	if out.BulkheadSize == 0 {
		out.BulkheadSize = c.defaults.BulkheadSize
	}
	if out.BulkheadWait == 0 {
		out.BulkheadWait = c.defaults.BulkheadWait
	}
	return &out
}

func (c *Caller) breakerFor(service, tenantID string, policy *CallPolicy) *breaker.CircuitBreaker {
	name := fmt.Sprintf("%s:%s", service, tenantID)
	if policy.Breaker == nil {
		return c.breakers.Get(name)
	}
	cfg := *policy.Breaker
	cfg.Name = name
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(name string, from, to breaker.State) {
			metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
			c.log.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}
	return c.breakers.GetOrCreate(name, &cfg)
}

// enterBulkhead acquires a concurrency slot for the service. The returned
// release is a no-op when the bulkhead is disabled.
func (c *Caller) enterBulkhead(ctx context.Context, service string, policy *CallPolicy) (func(), error) {
	if policy.BulkheadSize <= 0 {
		return func() {}, nil
	}

	c.mu.Lock()
	slots, ok := c.bulkheads[service]
	if !ok {
		slots = make(chan struct{}, policy.BulkheadSize)
		c.bulkheads[service] = slots
	}
	c.mu.Unlock()

	select {
	case slots <- struct{}{}:
		return func() { <-slots }, nil
	default:
	}

	if policy.BulkheadWait <= 0 {
		return nil, domain.NewServiceUnavailable(service, domain.ErrBulkheadFull)
	}

	timer := time.NewTimer(policy.BulkheadWait)
	defer timer.Stop()

	select {
	case slots <- struct{}{}:
		return func() { <-slots }, nil
	case <-timer.C:
		return nil, domain.NewServiceUnavailable(service, domain.ErrBulkheadFull)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
