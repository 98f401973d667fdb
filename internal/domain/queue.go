package domain

import (
	"encoding/json"
	"time"
)

// QueuedMessageStatus is the lifecycle of an offline retry record.
type QueuedMessageStatus string

const (
	QueuedStatusPending    QueuedMessageStatus = "PENDING"
	QueuedStatusProcessing QueuedMessageStatus = "PROCESSING"
	QueuedStatusProcessed  QueuedMessageStatus = "PROCESSED"
	QueuedStatusFailed     QueuedMessageStatus = "FAILED"
	QueuedStatusRetry      QueuedMessageStatus = "RETRY"
	QueuedStatusExpired    QueuedMessageStatus = "EXPIRED"
	QueuedStatusCancelled  QueuedMessageStatus = "CANCELLED"
)

// queuedTransitions is the allowed status DAG. PROCESSED, EXPIRED and
// CANCELLED are terminal; CANCELLED is reachable from any non-terminal
// state by operator action.
var queuedTransitions = map[QueuedMessageStatus][]QueuedMessageStatus{
	QueuedStatusPending:    {QueuedStatusProcessing, QueuedStatusExpired, QueuedStatusCancelled},
	QueuedStatusProcessing: {QueuedStatusProcessed, QueuedStatusFailed, QueuedStatusExpired, QueuedStatusCancelled},
	QueuedStatusFailed:     {QueuedStatusRetry, QueuedStatusExpired, QueuedStatusCancelled},
	QueuedStatusRetry:      {QueuedStatusProcessing, QueuedStatusExpired, QueuedStatusCancelled},
}

// CanTransition reports whether the status DAG permits from → to.
func CanTransition(from, to QueuedMessageStatus) bool {
	for _, allowed := range queuedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s QueuedMessageStatus) IsTerminal() bool {
	return s == QueuedStatusProcessed || s == QueuedStatusExpired || s == QueuedStatusCancelled
}

// QueuedMessage is a durable retry record for an idempotent external call
// that could not complete inline. A background worker re-drives it until it
// succeeds, exhausts max_retries, or expires.
type QueuedMessage struct {
	MessageID      string              `json:"message_id"`
	TenantID       string              `json:"tenant_id"`
	BusinessUnitID string              `json:"business_unit_id"`
	ServiceName    string              `json:"service_name"`
	Endpoint       string              `json:"endpoint"`
	Method         string              `json:"method"`
	Payload        json.RawMessage     `json:"payload"`
	Headers        map[string]string   `json:"headers,omitempty"`
	IdempotencyKey string              `json:"idempotency_key"`
	CorrelationID  string              `json:"correlation_id,omitempty"`
	Status         QueuedMessageStatus `json:"status"`
	RetryCount     int                 `json:"retry_count"`
	MaxRetries     int                 `json:"max_retries"`
	LastError      string              `json:"last_error,omitempty"`
	NextRetryAt    time.Time           `json:"next_retry_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Validate checks the fields a redrive worker depends on.
func (m *QueuedMessage) Validate() error {
	if m.TenantID == "" {
		return ErrInvalidTenant
	}
	if m.ServiceName == "" || m.Endpoint == "" {
		return ErrInvalidQueuedMessage
	}
	if m.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	return nil
}

// AttemptsExhausted reports whether the retry budget is spent.
func (m *QueuedMessage) AttemptsExhausted() bool {
	return m.RetryCount >= m.MaxRetries
}

// IsExpired reports whether the record has outlived its expiry at t.
func (m *QueuedMessage) IsExpired(t time.Time) bool {
	return !m.ExpiresAt.After(t)
}

// NextBackoff computes the next retry time using capped exponential
// backoff: now + min(base * 2^retryCount, max).
func NextBackoff(now time.Time, retryCount int, base, max time.Duration) time.Time {
	backoff := base
	for i := 0; i < retryCount; i++ {
		backoff *= 2
		if backoff >= max {
			backoff = max
			break
		}
	}
	if backoff > max {
		backoff = max
	}
	return now.Add(backoff)
}
