// Package worker holds the background processes that keep the platform
// honest when nothing else is looking: redriving deferred backend calls
// and sweeping lapsed limit reservations.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/metrics"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/internal/resilience"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
)

// HealthChecker gates redrives on target health; *resilience.HealthMonitor
// satisfies it.
type HealthChecker interface {
	IsHealthy(ctx context.Context, service string) bool
}

// CompletionProducer publishes queue completion messages.
type CompletionProducer interface {
	ProduceJSON(ctx context.Context, topic string, key string, value interface{}, headers map[string]string) error
}

// RedriveConfig contains configuration for the queue redrive worker
type RedriveConfig struct {
	// PollInterval is the interval between due-message scans
	PollInterval time.Duration
	// BatchSize is the number of messages claimed per scan
	BatchSize int
	// Workers is the number of concurrent redrive workers
	Workers int
	// RequestTimeout bounds one re-invocation
	RequestTimeout time.Duration
	// ExpiryInterval is the interval between expiry sweeps
	ExpiryInterval time.Duration
	// ExpiryBatch is the number of overdue messages expired per sweep
	ExpiryBatch int
	// CompletionTopic receives a message for every record leaving the
	// queue, so suspended sagas can be woken
	CompletionTopic string
}

// DefaultRedriveConfig returns default configuration
func DefaultRedriveConfig() *RedriveConfig {
	return &RedriveConfig{
		PollInterval:    1 * time.Second,
		BatchSize:       50,
		Workers:         5,
		RequestTimeout:  10 * time.Second,
		ExpiryInterval:  30 * time.Second,
		ExpiryBatch:     100,
		CompletionTopic: "payments.queue-completions",
	}
}

// RedriveWorker drains the offline queue: it claims due messages,
// re-sends the recorded HTTP call verbatim, and reschedules or retires
// per the message's retry budget. Every message leaving the queue,
// processed, failed or expired, is announced on the completion topic so
// the saga waiting on it resumes.
type RedriveWorker struct {
	repo     repository.QueuedMessageRepository
	queue    *resilience.Queue
	health   HealthChecker
	producer CompletionProducer
	client   *http.Client
	config   *RedriveConfig
	clk      clock.Clock
	log      *zap.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRedriveWorker creates a new RedriveWorker. health may be nil to
// redrive without gating on probe state.
func NewRedriveWorker(
	repo repository.QueuedMessageRepository,
	queue *resilience.Queue,
	health HealthChecker,
	producer CompletionProducer,
	config *RedriveConfig,
	clk clock.Clock,
) *RedriveWorker {
	if config == nil {
		config = DefaultRedriveConfig()
	}
	return &RedriveWorker{
		repo:     repo,
		queue:    queue,
		health:   health,
		producer: producer,
		client:   &http.Client{},
		config:   config,
		clk:      clk,
		log:      logger.Get(),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the redrive loop and the expiry sweep
func (w *RedriveWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("queue redrive worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("Starting queue redrive worker",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("workers", w.config.Workers),
	)

	jobs := make(chan *domain.QueuedMessage)

	for i := 0; i < w.config.Workers; i++ {
		w.wg.Add(1)
		go w.worker(ctx, jobs)
	}

	w.wg.Add(1)
	go w.pollLoop(ctx, jobs)

	w.wg.Add(1)
	go w.expiryLoop(ctx)

	return nil
}

// Stop stops the worker and waits for in-flight redrives
func (w *RedriveWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.log.Info("Stopping queue redrive worker")
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("Queue redrive worker stopped")
}

func (w *RedriveWorker) pollLoop(ctx context.Context, jobs chan<- *domain.QueuedMessage) {
	defer w.wg.Done()
	defer close(jobs)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.dispatchDue(ctx, jobs)
		}
	}
}

func (w *RedriveWorker) dispatchDue(ctx context.Context, jobs chan<- *domain.QueuedMessage) {
	due, err := w.repo.ClaimDue(ctx, w.clk.Now(), w.config.BatchSize)
	if err != nil {
		w.log.Error("Failed to claim due queued messages", zap.Error(err))
		return
	}
	for _, msg := range due {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case jobs <- msg:
		}
	}
}

func (w *RedriveWorker) worker(ctx context.Context, jobs <-chan *domain.QueuedMessage) {
	defer w.wg.Done()

	for msg := range jobs {
		w.redrive(ctx, msg)
	}
}

// redrive re-sends one claimed message.
func (w *RedriveWorker) redrive(ctx context.Context, msg *domain.QueuedMessage) {
	ctx = tenant.With(ctx, tenant.Context{
		TenantID:       msg.TenantID,
		BusinessUnitID: msg.BusinessUnitID,
	})

	if w.health != nil && !w.health.IsHealthy(ctx, msg.ServiceName) {
		w.reschedule(ctx, msg, "target still unhealthy")
		return
	}

	if err := w.invoke(ctx, msg); err != nil {
		w.log.Warn("Redrive attempt failed",
			zap.String("message_id", msg.MessageID),
			zap.String("service", msg.ServiceName),
			zap.Int("retry_count", msg.RetryCount),
			zap.Error(err),
		)
		w.reschedule(ctx, msg, err.Error())
		return
	}

	if err := w.repo.MarkProcessed(ctx, msg.MessageID); err != nil {
		w.log.Error("Failed to mark queued message processed",
			zap.String("message_id", msg.MessageID),
			zap.Error(err),
		)
		return
	}
	metrics.RecordRedrive(ctx, "processed")
	w.log.Info("Redrove queued message",
		zap.String("message_id", msg.MessageID),
		zap.String("service", msg.ServiceName),
	)
	w.publishCompletion(ctx, msg, domain.QueuedStatusProcessed)
}

// invoke re-sends the recorded call. The backend dedupes on the recorded
// idempotency key, so a redrive racing the original landing is harmless.
func (w *RedriveWorker) invoke(ctx context.Context, msg *domain.QueuedMessage) error {
	ctx, cancel := context.WithTimeout(ctx, w.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, msg.Method, msg.Endpoint, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("failed to build redrive request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
	return nil
}

// reschedule books the next attempt, or retires the message when the
// budget is spent. Retirement is announced so the owning saga stops
// waiting and handles the failure inline.
func (w *RedriveWorker) reschedule(ctx context.Context, msg *domain.QueuedMessage, cause string) {
	status, err := w.repo.MarkFailed(ctx, msg.MessageID, cause, w.queue.NextRetryAt(w.clk.Now(), msg.RetryCount+1))
	if err != nil {
		w.log.Error("Failed to mark queued message failed",
			zap.String("message_id", msg.MessageID),
			zap.Error(err),
		)
		return
	}

	if status == domain.QueuedStatusFailed {
		metrics.RecordRedrive(ctx, "failed")
		w.log.Warn("Queued message retired after exhausting retries",
			zap.String("message_id", msg.MessageID),
			zap.String("service", msg.ServiceName),
			zap.String("cause", cause),
		)
		w.publishCompletion(ctx, msg, status)
		return
	}
	metrics.RecordRedrive(ctx, "retry")
}

func (w *RedriveWorker) expiryLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.expireOnce(ctx)
		}
	}
}

// expireOnce retires messages past their lifetime and wakes their sagas.
func (w *RedriveWorker) expireOnce(ctx context.Context) {
	expired, err := w.repo.ExpireOverdue(ctx, w.clk.Now(), w.config.ExpiryBatch)
	if err != nil {
		w.log.Error("Failed to expire overdue queued messages", zap.Error(err))
		return
	}

	for _, msg := range expired {
		mctx := tenant.With(ctx, tenant.Context{
			TenantID:       msg.TenantID,
			BusinessUnitID: msg.BusinessUnitID,
		})
		metrics.RecordRedrive(mctx, "expired")
		w.log.Warn("Queued message expired",
			zap.String("message_id", msg.MessageID),
			zap.String("service", msg.ServiceName),
		)
		w.publishCompletion(mctx, msg, domain.QueuedStatusExpired)
	}
}

// publishCompletion announces a message leaving the queue.
func (w *RedriveWorker) publishCompletion(ctx context.Context, msg *domain.QueuedMessage, status domain.QueuedMessageStatus) {
	if w.producer == nil {
		return
	}
	completion := &resilience.QueueCompletionMessage{
		MessageID:      msg.MessageID,
		SagaID:         msg.CorrelationID,
		TenantID:       msg.TenantID,
		BusinessUnitID: msg.BusinessUnitID,
		Service:        msg.ServiceName,
		Status:         string(status),
	}
	key := completion.SagaID
	if key == "" {
		key = msg.MessageID
	}
	if err := w.producer.ProduceJSON(ctx, w.config.CompletionTopic, key, completion, nil); err != nil {
		w.log.Error("Failed to publish queue completion",
			zap.String("message_id", msg.MessageID),
			zap.Error(err),
		)
	}
}
