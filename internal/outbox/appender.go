// Package outbox appends saga events to the transaction event log and
// publishes them to Kafka. Append happens inside the caller's database
// transaction so an event exists exactly when the state change it
// describes is committed; the publisher drains unpublished rows
// asynchronously, at least once.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
)

// Appender builds event envelopes and writes them to the event log inside
// the caller's transaction.
type Appender struct {
	events repository.EventRepository
	clk    clock.Clock
}

// NewAppender creates a new Appender
func NewAppender(events repository.EventRepository, clk clock.Clock) *Appender {
	return &Appender{events: events, clk: clk}
}

// Append marshals payload and appends one event for the saga. The event's
// seq is assigned by the repository inside tx; the returned event carries
// it. causationID may be empty for externally-triggered events.
func (a *Appender) Append(ctx context.Context, tx pgx.Tx, saga *domain.SagaInstance, eventType string, payload interface{}, correlationID, causationID string) (*domain.TransactionEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		raw = data
	} else {
		raw = json.RawMessage(`{}`)
	}

	event := &domain.TransactionEvent{
		EventID:        clock.NewEventID(),
		SagaID:         saga.SagaID,
		Type:           eventType,
		Payload:        raw,
		OccurredAt:     a.clk.Now(),
		CorrelationID:  correlationID,
		CausationID:    causationID,
		TenantID:       saga.TenantID,
		BusinessUnitID: saga.BusinessUnitID,
	}

	if err := a.events.AppendInTx(ctx, tx, event); err != nil {
		return nil, err
	}

	return event, nil
}
