package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/metrics"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
)

// QueuePolicy shapes offline retry records.
type QueuePolicy struct {
	// MaxRetries is the redrive attempt budget per message
	MaxRetries int
	// BackoffBase seeds the exponential backoff between redrives
	BackoffBase time.Duration
	// BackoffMax caps the backoff
	BackoffMax time.Duration
	// Expiry bounds a message's total lifetime
	Expiry time.Duration
}

// DefaultQueuePolicy returns default configuration
func DefaultQueuePolicy() *QueuePolicy {
	return &QueuePolicy{
		MaxRetries:  10,
		BackoffBase: 10 * time.Second,
		BackoffMax:  10 * time.Minute,
		Expiry:      24 * time.Hour,
	}
}

// EnqueueParams describes one deferred external call.
type EnqueueParams struct {
	BusinessUnitID string
	ServiceName    string
	Endpoint       string
	Method         string
	Payload        interface{}
	Headers        map[string]string
	IdempotencyKey string
	CorrelationID  string
}

// Queue persists failed idempotent external calls as durable retry
// records. Only idempotent work may be queued: the redrive worker will
// re-send the exact payload, so a non-idempotent call could double-apply.
type Queue struct {
	repo   repository.QueuedMessageRepository
	policy *QueuePolicy
	clk    clock.Clock
	log    *zap.Logger
}

// NewQueue creates a new Queue
func NewQueue(repo repository.QueuedMessageRepository, policy *QueuePolicy, clk clock.Clock) *Queue {
	if policy == nil {
		policy = DefaultQueuePolicy()
	}
	return &Queue{
		repo:   repo,
		policy: policy,
		clk:    clk,
		log:    logger.Get(),
	}
}

// Enqueue persists the deferred call and returns its record. Enqueueing
// the same idempotency key twice returns the original record. The first
// redrive is scheduled one backoff-base out; the inline attempt that
// failed counts as attempt zero.
func (q *Queue) Enqueue(ctx context.Context, params EnqueueParams) (*domain.QueuedMessage, error) {
	tc, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(params.Payload)
	if err != nil {
		return nil, err
	}

	now := q.clk.Now()
	msg := &domain.QueuedMessage{
		MessageID:      clock.NewMessageID(),
		TenantID:       tc.TenantID,
		BusinessUnitID: params.BusinessUnitID,
		ServiceName:    params.ServiceName,
		Endpoint:       params.Endpoint,
		Method:         params.Method,
		Payload:        payload,
		Headers:        params.Headers,
		IdempotencyKey: params.IdempotencyKey,
		CorrelationID:  params.CorrelationID,
		Status:         domain.QueuedStatusPending,
		RetryCount:     0,
		MaxRetries:     q.policy.MaxRetries,
		NextRetryAt:    now.Add(q.policy.BackoffBase),
		ExpiresAt:      now.Add(q.policy.Expiry),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	if err := q.repo.Create(ctx, msg); err != nil {
		return nil, err
	}

	// Create is a no-op on replays; surface the surviving record
	existing, err := q.repo.GetByIdempotencyKey(ctx, params.IdempotencyKey)
	if err != nil {
		if errors.Is(err, domain.ErrQueuedMessageNotFound) {
			return msg, nil
		}
		return nil, err
	}

	if existing.MessageID == msg.MessageID {
		metrics.RecordQueued(ctx, params.ServiceName)
		q.log.Info("Queued deferred call",
			zap.String("message_id", msg.MessageID),
			zap.String("service", params.ServiceName),
			zap.String("endpoint", params.Endpoint),
		)
	}

	return existing, nil
}

// Cancel marks a pending message CANCELLED so the redrive worker skips it
func (q *Queue) Cancel(ctx context.Context, messageID string) (bool, error) {
	cancelled, err := q.repo.Cancel(ctx, messageID)
	if err != nil {
		return false, err
	}
	if cancelled {
		metrics.RecordRedrive(ctx, "cancelled")
	}
	return cancelled, nil
}

// NextRetryAt computes the follow-up schedule for a failed redrive
func (q *Queue) NextRetryAt(now time.Time, retryCount int) time.Time {
	return domain.NextBackoff(now, retryCount, q.policy.BackoffBase, q.policy.BackoffMax)
}

// Policy exposes the queue shaping parameters
func (q *Queue) Policy() *QueuePolicy {
	return q.policy
}

// QueueCompletionMessage announces a queued message leaving the queue, on
// the queue completions topic. SagaID carries the message's correlation
// id so the saga waiting on the deferred call can be woken; it is empty
// for messages queued outside a saga.
type QueueCompletionMessage struct {
	MessageID      string `json:"message_id"`
	SagaID         string `json:"saga_id,omitempty"`
	TenantID       string `json:"tenant_id"`
	BusinessUnitID string `json:"business_unit_id,omitempty"`
	Service        string `json:"service"`
	Status         string `json:"status"`
}
