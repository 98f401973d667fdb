package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/metrics"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
	"github.com/kranthikarthan/payments-engine/pkg/retry"
)

// EventProducer is the Kafka surface the publisher needs.
type EventProducer interface {
	ProduceJSON(ctx context.Context, topic string, key string, data interface{}, headers map[string]string) error
}

// PublisherConfig contains configuration for the outbox publisher
type PublisherConfig struct {
	// Topic is the Kafka topic events are published to
	Topic string
	// PollInterval is the interval between outbox scans
	PollInterval time.Duration
	// BatchSize is the number of events fetched per scan
	BatchSize int
	// MaxAttempts is the publish attempt cap before an event is marked
	// poison
	MaxAttempts int
}

// DefaultPublisherConfig returns default configuration
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		Topic:        "payments.transaction-events",
		PollInterval: 500 * time.Millisecond,
		BatchSize:    200,
		MaxAttempts:  10,
	}
}

// Publisher drains unpublished event rows to Kafka. Rows are published in
// (saga_id, seq) order and keyed by saga_id, so partition ordering
// preserves per-saga event order. Delivery is at least once; consumers
// dedupe on event_id.
type Publisher struct {
	events   repository.EventRepository
	producer EventProducer
	dlq      retry.DLQPublisher
	config   *PublisherConfig
	clk      clock.Clock
	log      *zap.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewPublisher creates a new Publisher
func NewPublisher(events repository.EventRepository, producer EventProducer, dlq retry.DLQPublisher, config *PublisherConfig, clk clock.Clock) *Publisher {
	if config == nil {
		config = DefaultPublisherConfig()
	}
	if dlq == nil {
		dlq = retry.NewNoOpDLQPublisher()
	}
	return &Publisher{
		events:   events,
		producer: producer,
		dlq:      dlq,
		config:   config,
		clk:      clk,
		log:      logger.Get(),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the publisher loop
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("outbox publisher already running")
	}
	p.running = true
	p.mu.Unlock()

	p.log.Info("Starting outbox publisher",
		zap.String("topic", p.config.Topic),
		zap.Duration("poll_interval", p.config.PollInterval),
	)

	p.wg.Add(1)
	go p.run(ctx)

	return nil
}

// Stop stops the publisher and waits for the in-flight batch
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.log.Info("Stopping outbox publisher")
	close(p.stopCh)
	p.wg.Wait()
	p.log.Info("Outbox publisher stopped")
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.drainOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.drainOnce(ctx)
		}
	}
}

// drainOnce publishes one batch of unpublished events
func (p *Publisher) drainOnce(ctx context.Context) {
	events, err := p.events.ListUnpublished(ctx, p.config.BatchSize)
	if err != nil {
		p.log.Error("Failed to list unpublished events", zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}

	metrics.SetOutboxBacklog(ctx, int64(len(events)))

	// Once an event fails, later events of the same saga must wait for
	// it: publishing them now would reorder the per-saga stream.
	stalled := make(map[string]bool)

	for _, event := range events {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}
		if stalled[event.SagaID] {
			continue
		}
		if !p.publishOne(ctx, event) {
			stalled[event.SagaID] = true
		}
	}
}

// publishOne reports whether the event made it out; false stalls the
// rest of the saga's events for this pass.
func (p *Publisher) publishOne(ctx context.Context, event *domain.TransactionEvent) bool {
	headers := map[string]string{
		"event_id":       event.EventID,
		"event_type":     event.Type,
		"tenant_id":      event.TenantID,
		"correlation_id": event.CorrelationID,
	}

	err := p.producer.ProduceJSON(ctx, p.config.Topic, event.SagaID, event, headers)
	if err == nil {
		now := p.clk.Now()
		if markErr := p.events.MarkPublished(ctx, event.EventID, now); markErr != nil {
			// Row will republish; consumers dedupe on event_id
			p.log.Warn("Failed to mark event published",
				zap.String("event_id", event.EventID),
				zap.Error(markErr),
			)
			return true
		}
		metrics.RecordPublish(ctx, p.config.Topic, now.Sub(event.OccurredAt).Seconds())
		return true
	}

	p.log.Error("Failed to publish event",
		zap.String("event_id", event.EventID),
		zap.String("saga_id", event.SagaID),
		zap.Int64("seq", event.Seq),
		zap.Error(err),
	)

	poisoned, recErr := p.events.RecordPublishFailure(ctx, event.EventID, p.config.MaxAttempts)
	if recErr != nil {
		p.log.Error("Failed to record publish failure",
			zap.String("event_id", event.EventID),
			zap.Error(recErr),
		)
		return false
	}

	if poisoned {
		p.quarantine(ctx, event, err)
	}
	return false
}

// quarantine hands a poisoned event to the DLQ for operator attention.
// The row stays in the log (poison = TRUE) so the per-saga history is
// never gapped.
func (p *Publisher) quarantine(ctx context.Context, event *domain.TransactionEvent, cause error) {
	metrics.RecordPoison(ctx, p.config.Topic)

	now := p.clk.Now()
	msg := &retry.DLQMessage{
		ID:            event.EventID,
		TenantID:      event.TenantID,
		CorrelationID: event.CorrelationID,
		OriginalTopic: p.config.Topic,
		OriginalKey:   event.SagaID,
		Payload:       event.Payload,
		Headers: map[string]string{
			"event_type": event.Type,
			"saga_id":    event.SagaID,
		},
		Error:          cause.Error(),
		Attempts:       p.config.MaxAttempts,
		FirstAttemptAt: event.OccurredAt,
		LastAttemptAt:  now,
		MovedToDLQAt:   now,
		Source:         "outbox-publisher",
	}

	if err := p.dlq.PublishToDLQ(ctx, msg); err != nil {
		p.log.Error("Failed to publish poisoned event to DLQ",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
		return
	}

	p.log.Warn("Event quarantined after exhausting publish attempts",
		zap.String("event_id", event.EventID),
		zap.String("saga_id", event.SagaID),
		zap.Int64("seq", event.Seq),
	)
}
