package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/kranthikarthan/payments-engine/internal/accounts"
	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/limits"
)

// ClearingOutcome is a rail's final word on a submission.
type ClearingOutcome string

const (
	ClearingOutcomeCleared  ClearingOutcome = "CLEARED"
	ClearingOutcomeRejected ClearingOutcome = "REJECTED"
	ClearingOutcomePending  ClearingOutcome = "PENDING"
)

// OutcomeReport carries the outcome plus the rail's reason codes.
type OutcomeReport struct {
	Outcome ClearingOutcome `json:"outcome"`
	Code    string          `json:"code,omitempty"`
	Detail  string          `json:"detail,omitempty"`
}

// ClearingChannel abstracts one clearing rail. Synchronous rails settle
// inline with Submit; asynchronous rails report PENDING and deliver the
// outcome later via the clearing-outcomes topic.
type ClearingChannel interface {
	// Submit hands the payment to the rail and returns its reference.
	Submit(ctx context.Context, payment *domain.Payment, decision *domain.RoutingDecision) (string, error)

	// Cancel asks the rail to withdraw a submission. False means the
	// submission is past the point of no return.
	Cancel(ctx context.Context, clearingRef string) (bool, error)

	// AwaitOutcome reports the rail's decision; PENDING means keep waiting.
	AwaitOutcome(ctx context.Context, clearingRef string) (*OutcomeReport, error)

	// Synchronous reports whether outcomes arrive inline with Submit.
	Synchronous() bool
}

// ChannelRegistry maps clearing system names to their rails.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]ClearingChannel
}

// NewChannelRegistry creates an empty ChannelRegistry
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{channels: make(map[string]ClearingChannel)}
}

// Register binds a clearing system name to its channel
func (r *ChannelRegistry) Register(name string, ch ClearingChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[name] = ch
}

// Get returns the channel for a clearing system
func (r *ChannelRegistry) Get(name string) (ClearingChannel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("no clearing channel registered for %s", name)
	}
	return ch, nil
}

// NotificationSink receives terminal payment events, fire and forget.
// Delivery failures are the sink's problem; the saga never blocks on it.
type NotificationSink interface {
	Notify(ctx context.Context, event *domain.TransactionEvent)
}

// NoOpNotificationSink discards notifications.
type NoOpNotificationSink struct{}

var _ NotificationSink = (*NoOpNotificationSink)(nil)

// Notify implements NotificationSink
func (NoOpNotificationSink) Notify(ctx context.Context, event *domain.TransactionEvent) {}

// FraudGate evaluates a payment's fraud posture. The fraud engine
// satisfies it; tests inject fakes.
type FraudGate interface {
	Assess(ctx context.Context, payment *domain.Payment, clearingSystem string) (*domain.FraudAssessment, error)
}

// LimitGate reserves and settles customer limit capacity.
type LimitGate interface {
	Reserve(ctx context.Context, params limits.ReserveParams) (*domain.LimitReservation, error)
	ActiveReservation(ctx context.Context, paymentID string) (*domain.LimitReservation, error)
	Consume(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID, reason string) error
}

// LedgerStore moves money on the backing ledgers. The account adapter
// satisfies it.
type LedgerStore interface {
	PlaceHold(ctx context.Context, params accounts.HoldParams) (*domain.FundsHold, error)
	CaptureHold(ctx context.Context, paymentID, holdRef string) error
	ReleaseHold(ctx context.Context, paymentID, holdRef string) error
	Credit(ctx context.Context, params accounts.PostingParams) error
	Debit(ctx context.Context, params accounts.PostingParams) error
}

// RouteGate picks a clearing system for a payment.
type RouteGate interface {
	Decide(ctx context.Context, rc *domain.RoutingContext) (*domain.RoutingDecision, error)
}

// ClearingOutcomeMessage is the envelope async rails publish on the
// clearing-outcomes topic and the outcome consumer decodes.
type ClearingOutcomeMessage struct {
	EventID        string `json:"event_id"`
	SagaID         string `json:"saga_id"`
	TenantID       string `json:"tenant_id"`
	BusinessUnitID string `json:"business_unit_id"`
	ClearingRef    string `json:"clearing_ref"`
	Outcome        string `json:"outcome"`
	Code           string `json:"code,omitempty"`
	Detail         string `json:"detail,omitempty"`
}
