package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
)

type fakeQueuedRepo struct {
	messages  []*domain.QueuedMessage
	cancelled []string
}

func (f *fakeQueuedRepo) Create(ctx context.Context, msg *domain.QueuedMessage) error {
	for _, existing := range f.messages {
		if existing.IdempotencyKey == msg.IdempotencyKey {
			return nil
		}
	}
	stored := *msg
	f.messages = append(f.messages, &stored)
	return nil
}

func (f *fakeQueuedRepo) GetByID(ctx context.Context, messageID string) (*domain.QueuedMessage, error) {
	for _, msg := range f.messages {
		if msg.MessageID == messageID {
			return msg, nil
		}
	}
	return nil, domain.ErrQueuedMessageNotFound
}

func (f *fakeQueuedRepo) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.QueuedMessage, error) {
	for _, msg := range f.messages {
		if msg.IdempotencyKey == idempotencyKey {
			return msg, nil
		}
	}
	return nil, domain.ErrQueuedMessageNotFound
}

func (f *fakeQueuedRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error) {
	return nil, nil
}

func (f *fakeQueuedRepo) MarkProcessed(ctx context.Context, messageID string) error { return nil }

func (f *fakeQueuedRepo) MarkFailed(ctx context.Context, messageID, lastError string, nextRetryAt time.Time) (domain.QueuedMessageStatus, error) {
	return domain.QueuedStatusRetry, nil
}

func (f *fakeQueuedRepo) ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error) {
	return nil, nil
}

func (f *fakeQueuedRepo) Cancel(ctx context.Context, messageID string) (bool, error) {
	f.cancelled = append(f.cancelled, messageID)
	return true, nil
}

var queueNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func newTestQueue() (*Queue, *fakeQueuedRepo) {
	repo := &fakeQueuedRepo{}
	q := NewQueue(repo, &QueuePolicy{
		MaxRetries:  5,
		BackoffBase: 10 * time.Second,
		BackoffMax:  10 * time.Minute,
		Expiry:      time.Hour,
	}, clock.NewFake(queueNow))
	return q, repo
}

func queueTestCtx() context.Context {
	return tenant.With(context.Background(), tenant.Context{TenantID: "tenant-1", BusinessUnitID: "bu-1"})
}

func enqueueParams(key string) EnqueueParams {
	return EnqueueParams{
		BusinessUnitID: "bu-1",
		ServiceName:    "core-current",
		Endpoint:       "http://current/api/v1/holds/release",
		Method:         "POST",
		Payload:        map[string]string{"hold_ref": "hold-1"},
		Headers:        map[string]string{"Idempotency-Key": key},
		IdempotencyKey: key,
		CorrelationID:  "pay-1",
	}
}

func TestEnqueuePersistsRetryRecord(t *testing.T) {
	q, repo := newTestQueue()

	msg, err := q.Enqueue(queueTestCtx(), enqueueParams("pay-1:release_hold"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if len(repo.messages) != 1 {
		t.Fatalf("expected one record, got %d", len(repo.messages))
	}

	if msg.TenantID != "tenant-1" {
		t.Errorf("tenant must come from the request context, got %s", msg.TenantID)
	}
	if msg.Status != domain.QueuedStatusPending {
		t.Errorf("expected PENDING, got %s", msg.Status)
	}
	if msg.MaxRetries != 5 {
		t.Errorf("expected retry budget 5, got %d", msg.MaxRetries)
	}
	if want := queueNow.Add(10 * time.Second); !msg.NextRetryAt.Equal(want) {
		t.Errorf("first redrive should be one backoff-base out, got %v", msg.NextRetryAt)
	}
	if want := queueNow.Add(time.Hour); !msg.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, msg.ExpiresAt)
	}
}

func TestEnqueueRequiresTenantContext(t *testing.T) {
	q, _ := newTestQueue()

	_, err := q.Enqueue(context.Background(), enqueueParams("pay-1:release_hold"))
	if !errors.Is(err, domain.ErrMissingTenantContext) {
		t.Fatalf("expected ErrMissingTenantContext, got %v", err)
	}
}

func TestEnqueueRejectsIncompleteRecord(t *testing.T) {
	q, repo := newTestQueue()

	params := enqueueParams("pay-1:release_hold")
	params.ServiceName = ""
	if _, err := q.Enqueue(queueTestCtx(), params); !errors.Is(err, domain.ErrInvalidQueuedMessage) {
		t.Fatalf("expected ErrInvalidQueuedMessage, got %v", err)
	}

	params = enqueueParams("")
	if _, err := q.Enqueue(queueTestCtx(), params); !errors.Is(err, domain.ErrMissingIdempotencyKey) {
		t.Fatalf("expected ErrMissingIdempotencyKey, got %v", err)
	}
	if len(repo.messages) != 0 {
		t.Errorf("invalid records must not be persisted, got %d", len(repo.messages))
	}
}

func TestEnqueueReplayReturnsOriginal(t *testing.T) {
	q, repo := newTestQueue()

	first, err := q.Enqueue(queueTestCtx(), enqueueParams("pay-1:release_hold"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, err := q.Enqueue(queueTestCtx(), enqueueParams("pay-1:release_hold"))
	if err != nil {
		t.Fatalf("Enqueue replay failed: %v", err)
	}

	if first.MessageID != second.MessageID {
		t.Errorf("replay must surface the original record: %s vs %s", first.MessageID, second.MessageID)
	}
	if len(repo.messages) != 1 {
		t.Errorf("expected a single record after replay, got %d", len(repo.messages))
	}
}

func TestNextRetryAtCappedExponential(t *testing.T) {
	q, _ := newTestQueue()

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{5, 320 * time.Second},
		{10, 10 * time.Minute},
		{30, 10 * time.Minute},
	}
	for _, tt := range tests {
		got := q.NextRetryAt(queueNow, tt.retryCount)
		if want := queueNow.Add(tt.want); !got.Equal(want) {
			t.Errorf("retryCount=%d: expected %v, got %v", tt.retryCount, want, got)
		}
	}
}

func TestCancelSkipsPendingMessage(t *testing.T) {
	q, repo := newTestQueue()

	msg, err := q.Enqueue(queueTestCtx(), enqueueParams("pay-1:release_hold"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	cancelled, err := q.Cancel(queueTestCtx(), msg.MessageID)
	if err != nil || !cancelled {
		t.Fatalf("expected cancel to succeed, cancelled=%v err=%v", cancelled, err)
	}
	if len(repo.cancelled) != 1 || repo.cancelled[0] != msg.MessageID {
		t.Errorf("repo did not see the cancel, got %v", repo.cancelled)
	}
}
