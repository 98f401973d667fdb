package domain

import (
	"encoding/json"
	"time"
)

// Event types emitted by the orchestration core. At minimum one event is
// appended per saga state transition.
const (
	EventPaymentInitiated       = "PaymentInitiated"
	EventFraudApproved          = "FraudApproved"
	EventFraudFlagged           = "FraudFlagged"
	EventFraudRejected          = "FraudRejected"
	EventLimitReserved          = "LimitReserved"
	EventLimitConsumed          = "LimitConsumed"
	EventLimitReleased          = "LimitReleased"
	EventLimitExpired           = "LimitExpired"
	EventFundsHeld              = "FundsHeld"
	EventFundsCaptured          = "FundsCaptured"
	EventFundsReleased          = "FundsReleased"
	EventRoutingDecided         = "RoutingDecided"
	EventClearingSubmitted      = "ClearingSubmitted"
	EventClearingCleared        = "ClearingCleared"
	EventClearingRejected       = "ClearingRejected"
	EventPostingCompleted       = "PostingCompleted"
	EventPostingReversed        = "PostingReversed"
	EventPaymentCompleted       = "PaymentCompleted"
	EventPaymentFailed          = "PaymentFailed"
	EventPaymentRejected        = "PaymentRejected"
	EventPaymentTimedOut        = "PaymentTimedOut"
	EventPaymentCancelRequested = "PaymentCancelRequested"
	EventCompensationStarted    = "CompensationStarted"
	EventCompensationCompleted  = "CompensationCompleted"
	EventStepSuspended          = "StepSuspended"
	EventStepResumed            = "StepResumed"
)

// TransactionEvent is one append-only history record for a saga. (saga_id,
// seq) is unique and seq is gap-free per saga; rows double as the outbox
// until published_at is set.
type TransactionEvent struct {
	EventID        string          `json:"event_id"`
	SagaID         string          `json:"saga_id"`
	Seq            int64           `json:"seq"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CorrelationID  string          `json:"correlation_id"`
	CausationID    string          `json:"causation_id,omitempty"`
	TenantID       string          `json:"tenant_id"`
	BusinessUnitID string          `json:"business_unit_id"`

	// Outbox bookkeeping; not part of the published envelope.
	PublishedAt     *time.Time `json:"-"`
	PublishAttempts int        `json:"-"`
	Poison          bool       `json:"-"`
}
