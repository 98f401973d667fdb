package saga

import (
	"context"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
)

// KafkaNotificationSink publishes terminal payment events to a
// notifications topic for downstream consumers (statements, webhooks,
// customer messaging). Delivery is best effort: the outbox already
// carries the authoritative event stream, so a publish failure here is
// logged and dropped rather than failing the saga commit.
type KafkaNotificationSink struct {
	producer OutcomeProducer
	topic    string
	log      *zap.Logger
}

var _ NotificationSink = (*KafkaNotificationSink)(nil)

// NewKafkaNotificationSink creates a sink publishing to topic.
func NewKafkaNotificationSink(producer OutcomeProducer, topic string) *KafkaNotificationSink {
	return &KafkaNotificationSink{
		producer: producer,
		topic:    topic,
		log:      logger.Get(),
	}
}

// Notify publishes the event keyed by saga so one payment's
// notifications stay ordered.
func (s *KafkaNotificationSink) Notify(ctx context.Context, event *domain.TransactionEvent) {
	if event == nil {
		return
	}
	err := s.producer.ProduceJSON(ctx, s.topic, event.SagaID, event, map[string]string{
		"event_type": event.Type,
		"tenant_id":  event.TenantID,
	})
	if err != nil {
		s.log.Warn("failed to publish payment notification",
			zap.String("saga_id", event.SagaID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
	}
}
