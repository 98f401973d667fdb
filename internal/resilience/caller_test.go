package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/pkg/breaker"
	"github.com/kranthikarthan/payments-engine/pkg/retry"
)

func fastRetry(maxRetries int) *retry.Config {
	return &retry.Config{
		MaxRetries:      maxRetries,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}
}

func newTestCaller() *Caller {
	return NewCaller(breaker.NewManager(nil), &CallPolicy{Retry: fastRetry(0)})
}

func TestCallTimeoutMapsToServiceUnavailable(t *testing.T) {
	c := newTestCaller()
	policy := &CallPolicy{Timeout: 5 * time.Millisecond, Retry: fastRetry(2)}

	err := c.Call(context.Background(), "slow-svc", "tenant-1", policy, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	if _, ok := domain.IsServiceUnavailable(err); !ok {
		t.Fatalf("expected ServiceUnavailable after timeout, got %v", err)
	}
}

func TestCallBreakerOpenShortCircuits(t *testing.T) {
	c := newTestCaller()
	policy := &CallPolicy{
		Retry: fastRetry(0),
		Breaker: &breaker.Config{
			WindowSize:       1,
			FailureThreshold: 1.0,
			WaitDuration:     time.Hour,
			MaxRequests:      1,
			SuccessThreshold: 1,
		},
	}

	boom := errors.New("backend down")
	var attempts atomic.Int32
	op := func(ctx context.Context) error {
		attempts.Add(1)
		return boom
	}

	if err := c.Call(context.Background(), "flaky-svc", "tenant-1", policy, op, nil); err == nil {
		t.Fatal("expected first call to fail")
	}

	err := c.Call(context.Background(), "flaky-svc", "tenant-1", policy, op, nil)
	if _, ok := domain.IsServiceUnavailable(err); !ok {
		t.Fatalf("expected ServiceUnavailable from open breaker, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("open breaker must short-circuit before the operation, saw %d attempts", got)
	}
}

func TestCallBreakerIsolatedPerTenant(t *testing.T) {
	c := newTestCaller()
	policy := &CallPolicy{
		Retry: fastRetry(0),
		Breaker: &breaker.Config{
			WindowSize:       1,
			FailureThreshold: 1.0,
			WaitDuration:     time.Hour,
		},
	}

	fail := func(ctx context.Context) error { return errors.New("backend down") }
	c.Call(context.Background(), "svc", "tenant-a", policy, fail, nil)
	c.Call(context.Background(), "svc", "tenant-a", policy, fail, nil)

	// tenant-a's open circuit must not block tenant-b
	var ran bool
	err := c.Call(context.Background(), "svc", "tenant-b", policy, func(ctx context.Context) error {
		ran = true
		return nil
	}, nil)
	if err != nil || !ran {
		t.Fatalf("expected tenant-b call to pass, ran=%v err=%v", ran, err)
	}
}

func TestCallBulkheadRejectsWhenSaturated(t *testing.T) {
	c := newTestCaller()
	policy := &CallPolicy{Retry: fastRetry(0), BulkheadSize: 1}

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.Call(context.Background(), "svc", "tenant-1", policy, func(ctx context.Context) error {
			close(inside)
			<-release
			return nil
		}, nil)
	}()
	<-inside

	err := c.Call(context.Background(), "svc", "tenant-1", policy, func(ctx context.Context) error {
		return nil
	}, nil)
	if _, ok := domain.IsServiceUnavailable(err); !ok {
		t.Fatalf("expected ServiceUnavailable when bulkhead is full, got %v", err)
	}
	if !errors.Is(err, domain.ErrBulkheadFull) {
		t.Errorf("expected ErrBulkheadFull cause, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("slot holder failed: %v", err)
	}
}

func TestCallBulkheadWaitsForSlot(t *testing.T) {
	c := newTestCaller()
	policy := &CallPolicy{Retry: fastRetry(0), BulkheadSize: 1, BulkheadWait: time.Second}

	inside := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.Call(context.Background(), "svc", "tenant-1", policy, func(ctx context.Context) error {
			close(inside)
			time.Sleep(20 * time.Millisecond)
			return nil
		}, nil)
	}()
	<-inside

	err := c.Call(context.Background(), "svc", "tenant-1", policy, func(ctx context.Context) error {
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("expected bounded wait to acquire the freed slot, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("slot holder failed: %v", err)
	}
}

func TestCallPermanentErrorNotRetried(t *testing.T) {
	c := newTestCaller()
	policy := &CallPolicy{Retry: fastRetry(3)}

	var attempts atomic.Int32
	err := c.Call(context.Background(), "svc", "tenant-1", policy, func(ctx context.Context) error {
		attempts.Add(1)
		return retry.Permanent(domain.ErrInsufficientFunds)
	}, nil)

	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected the unwrapped business error, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("permanent error must not be retried, saw %d attempts", got)
	}
}

func TestCallTransientErrorRetriedUntilSuccess(t *testing.T) {
	c := newTestCaller()
	policy := &CallPolicy{Retry: fastRetry(2)}

	var attempts atomic.Int32
	err := c.Call(context.Background(), "svc", "tenant-1", policy, func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("connection reset")
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestCallRetriesExhaustedMapsToServiceUnavailable(t *testing.T) {
	c := newTestCaller()
	policy := &CallPolicy{Retry: fastRetry(1)}

	var attempts atomic.Int32
	err := c.Call(context.Background(), "svc", "tenant-1", policy, func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("connection reset")
	}, nil)

	if _, ok := domain.IsServiceUnavailable(err); !ok {
		t.Fatalf("expected ServiceUnavailable after exhausted retries, got %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected initial attempt plus one retry, got %d", got)
	}
}

func TestCallFallbackRecovers(t *testing.T) {
	c := newTestCaller()
	policy := &CallPolicy{Retry: fastRetry(0)}

	var sawErr error
	err := c.Call(context.Background(), "svc", "tenant-1", policy, func(ctx context.Context) error {
		return errors.New("backend down")
	}, func(ctx context.Context, callErr error) error {
		sawErr = callErr
		return nil
	})

	if err != nil {
		t.Fatalf("expected fallback to recover, got %v", err)
	}
	if _, ok := domain.IsServiceUnavailable(sawErr); !ok {
		t.Errorf("fallback should see the classified failure, got %v", sawErr)
	}
}

func TestCallFallbackErrorPropagates(t *testing.T) {
	c := newTestCaller()
	policy := &CallPolicy{Retry: fastRetry(0)}

	fbErr := errors.New("fallback also failed")
	err := c.Call(context.Background(), "svc", "tenant-1", policy, func(ctx context.Context) error {
		return errors.New("backend down")
	}, func(ctx context.Context, callErr error) error {
		return fbErr
	})

	if !errors.Is(err, fbErr) {
		t.Fatalf("expected fallback error, got %v", err)
	}
}
