package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/resilience"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/kafka"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
	"github.com/kranthikarthan/payments-engine/pkg/retry"
)

// RecordSource is the consuming surface the saga consumers need;
// *kafka.Consumer satisfies it.
type RecordSource interface {
	Poll(ctx context.Context) ([]*kafka.Record, error)
	CommitRecords(ctx context.Context, records []*kafka.Record) error
}

// recordHandler processes one record. A nil return means the record is
// done; an error leaves it uncommitted for redelivery.
type recordHandler func(ctx context.Context, record *kafka.Record) error

// consumerLoop is the shared poll-handle-commit loop. Records are handled
// in order and only the successfully handled prefix of a poll is
// committed, so a failure replays from the failed record. Malformed
// records go to the DLQ instead of wedging the partition.
type consumerLoop struct {
	name    string
	source  RecordSource
	handler recordHandler
	log     *zap.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func newConsumerLoop(name string, source RecordSource, handler recordHandler) *consumerLoop {
	return &consumerLoop{
		name:    name,
		source:  source,
		handler: handler,
		log:     logger.Get(),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the consume loop
func (c *consumerLoop) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("%s already running", c.name)
	}
	c.running = true
	c.mu.Unlock()

	c.log.Info("Starting consumer", zap.String("consumer", c.name))

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop stops the loop and waits for the in-flight poll
func (c *consumerLoop) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
	c.log.Info("Consumer stopped", zap.String("consumer", c.name))
}

func (c *consumerLoop) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		records, err := c.source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("Poll failed", zap.String("consumer", c.name), zap.Error(err))
			continue
		}
		if len(records) == 0 {
			continue
		}

		handled := 0
		for _, record := range records {
			if err := c.handler(ctx, record); err != nil {
				c.log.Warn("Record handling failed, will redeliver",
					zap.String("consumer", c.name),
					zap.String("topic", record.Topic),
					zap.Int64("offset", record.Offset),
					zap.Error(err),
				)
				break
			}
			handled++
		}

		if handled > 0 {
			if err := c.source.CommitRecords(ctx, records[:handled]); err != nil {
				c.log.Error("Commit failed", zap.String("consumer", c.name), zap.Error(err))
			}
		}
	}
}

// ClearingOutcomeConsumer applies asynchronous rail outcomes to their
// sagas. One instance per process; the engine's lease keeps concurrent
// group members off the same saga.
type ClearingOutcomeConsumer struct {
	*consumerLoop
}

// NewClearingOutcomeConsumer creates a consumer applying outcomes through
// engine. Poison records go to dlq; pass nil to drop them with a log line.
func NewClearingOutcomeConsumer(source RecordSource, engine *Engine, dlq retry.DLQPublisher) *ClearingOutcomeConsumer {
	if dlq == nil {
		dlq = retry.NewNoOpDLQPublisher()
	}
	owner := "clearing-consumer-" + uuid.NewString()
	log := logger.Get()

	handler := func(ctx context.Context, record *kafka.Record) error {
		var msg ClearingOutcomeMessage
		if err := json.Unmarshal(record.Value, &msg); err != nil {
			log.Error("Malformed clearing outcome, moving to DLQ",
				zap.String("topic", record.Topic),
				zap.Int64("offset", record.Offset),
				zap.Error(err),
			)
			return publishPoison(ctx, dlq, record, err)
		}

		ctx = tenant.With(ctx, tenant.Context{
			TenantID:       msg.TenantID,
			BusinessUnitID: msg.BusinessUnitID,
		})
		return engine.RecordClearingOutcome(ctx, owner, &msg)
	}

	return &ClearingOutcomeConsumer{
		consumerLoop: newConsumerLoop("clearing outcome consumer", source, handler),
	}
}

// QueueCompletionConsumer wakes sagas whose deferred backend call left
// the offline queue. Completions without a saga id belong to work queued
// outside a saga and are skipped.
type QueueCompletionConsumer struct {
	*consumerLoop
}

// NewQueueCompletionConsumer creates a consumer resuming sagas through
// engine.
func NewQueueCompletionConsumer(source RecordSource, engine *Engine, dlq retry.DLQPublisher) *QueueCompletionConsumer {
	if dlq == nil {
		dlq = retry.NewNoOpDLQPublisher()
	}
	log := logger.Get()

	handler := func(ctx context.Context, record *kafka.Record) error {
		var msg resilience.QueueCompletionMessage
		if err := json.Unmarshal(record.Value, &msg); err != nil {
			log.Error("Malformed queue completion, moving to DLQ",
				zap.String("topic", record.Topic),
				zap.Int64("offset", record.Offset),
				zap.Error(err),
			)
			return publishPoison(ctx, dlq, record, err)
		}
		if msg.SagaID == "" {
			return nil
		}

		ctx = tenant.With(ctx, tenant.Context{
			TenantID:       msg.TenantID,
			BusinessUnitID: msg.BusinessUnitID,
		})
		return engine.ResumeQueuedMessage(ctx, msg.SagaID, msg.MessageID)
	}

	return &QueueCompletionConsumer{
		consumerLoop: newConsumerLoop("queue completion consumer", source, handler),
	}
}

// publishPoison ships an unprocessable record to the DLQ. The record
// counts as handled once the DLQ accepts it.
func publishPoison(ctx context.Context, dlq retry.DLQPublisher, record *kafka.Record, cause error) error {
	return dlq.PublishToDLQ(ctx, &retry.DLQMessage{
		ID:            uuid.NewString(),
		OriginalTopic: record.Topic,
		OriginalKey:   string(record.Key),
		Payload:       record.Value,
		Headers:       record.Headers,
		Error:         cause.Error(),
		Attempts:      1,
	})
}
