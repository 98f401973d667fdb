package saga

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
)

// metadata key a caller sets to force a simulated rejection.
const simulateKey = "clearing_simulate"

// SyncClearingChannel simulates a rail that settles inline, the way RTC
// and RTGS do: Submit returns only after the rail has an answer, and
// AwaitOutcome reads it back. A production adapter for a real rail
// replaces this behind the same interface.
type SyncClearingChannel struct {
	mu        sync.Mutex
	outcomes  map[string]*OutcomeReport
	byPayment map[string]string
}

var _ ClearingChannel = (*SyncClearingChannel)(nil)

// NewSyncClearingChannel creates an inline-settling simulator.
func NewSyncClearingChannel() *SyncClearingChannel {
	return &SyncClearingChannel{
		outcomes:  make(map[string]*OutcomeReport),
		byPayment: make(map[string]string),
	}
}

// Submit settles the payment immediately. Resubmission of the same
// payment returns the original reference.
func (c *SyncClearingChannel) Submit(ctx context.Context, payment *domain.Payment, decision *domain.RoutingDecision) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ref, ok := c.byPayment[payment.PaymentID]; ok {
		return ref, nil
	}

	ref := clock.NewClearingRef()
	c.byPayment[payment.PaymentID] = ref
	c.outcomes[ref] = simulatedOutcome(payment)
	return ref, nil
}

// Cancel never succeeds: an inline rail has settled by the time anyone
// asks.
func (c *SyncClearingChannel) Cancel(ctx context.Context, clearingRef string) (bool, error) {
	return false, nil
}

// AwaitOutcome returns the settlement recorded at submission.
func (c *SyncClearingChannel) AwaitOutcome(ctx context.Context, clearingRef string) (*OutcomeReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if report, ok := c.outcomes[clearingRef]; ok {
		return report, nil
	}
	return &OutcomeReport{Outcome: ClearingOutcomePending}, nil
}

// Synchronous reports that this rail settles inline.
func (c *SyncClearingChannel) Synchronous() bool { return true }

// OutcomeProducer publishes clearing outcomes; *kafka.Producer satisfies it.
type OutcomeProducer interface {
	ProduceJSON(ctx context.Context, topic string, key string, value interface{}, headers map[string]string) error
}

// AsyncClearingChannel simulates a batch rail such as ACH or EFT: Submit
// acknowledges receipt, and the outcome arrives later on the clearing
// outcomes topic. Pending timers do not survive a restart; a real rail
// adapter replaces this with the rail's own callback delivery.
type AsyncClearingChannel struct {
	producer    OutcomeProducer
	topic       string
	settleAfter time.Duration
	log         *zap.Logger

	mu        sync.Mutex
	pending   map[string]*domain.Payment
	byPayment map[string]string
	cancelled map[string]bool
	emitted   map[string]bool
}

var _ ClearingChannel = (*AsyncClearingChannel)(nil)

// NewAsyncClearingChannel creates a deferred-settling simulator that
// publishes outcomes to topic after settleAfter.
func NewAsyncClearingChannel(producer OutcomeProducer, topic string, settleAfter time.Duration) *AsyncClearingChannel {
	return &AsyncClearingChannel{
		producer:    producer,
		topic:       topic,
		settleAfter: settleAfter,
		log:         logger.Get(),
		pending:     make(map[string]*domain.Payment),
		byPayment:   make(map[string]string),
		cancelled:   make(map[string]bool),
		emitted:     make(map[string]bool),
	}
}

// Submit acknowledges the payment and schedules its outcome. Resubmission
// returns the original reference without scheduling a second outcome.
func (c *AsyncClearingChannel) Submit(ctx context.Context, payment *domain.Payment, decision *domain.RoutingDecision) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ref, ok := c.byPayment[payment.PaymentID]; ok {
		return ref, nil
	}

	ref := clock.NewClearingRef()
	c.byPayment[payment.PaymentID] = ref
	c.pending[ref] = payment

	time.AfterFunc(c.settleAfter, func() { c.emit(ref) })
	return ref, nil
}

// emit publishes the scheduled outcome unless the submission was
// cancelled first.
func (c *AsyncClearingChannel) emit(ref string) {
	c.mu.Lock()
	payment, ok := c.pending[ref]
	if !ok || c.cancelled[ref] {
		c.mu.Unlock()
		return
	}
	c.emitted[ref] = true
	c.mu.Unlock()

	report := simulatedOutcome(payment)
	msg := &ClearingOutcomeMessage{
		EventID:        clock.NewEventID(),
		SagaID:         payment.PaymentID,
		TenantID:       payment.TenantID,
		BusinessUnitID: payment.BusinessUnitID,
		ClearingRef:    ref,
		Outcome:        string(report.Outcome),
		Code:           report.Code,
		Detail:         report.Detail,
	}
	if err := c.producer.ProduceJSON(context.Background(), c.topic, msg.SagaID, msg, nil); err != nil {
		c.log.Error("failed to publish clearing outcome",
			zap.String("clearing_ref", ref),
			zap.String("saga_id", msg.SagaID),
			zap.Error(err),
		)
	}
}

// Cancel withdraws the submission if its outcome has not been published.
func (c *AsyncClearingChannel) Cancel(ctx context.Context, clearingRef string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.emitted[clearingRef] {
		return false, nil
	}
	if _, ok := c.pending[clearingRef]; !ok {
		return false, nil
	}
	c.cancelled[clearingRef] = true
	return true, nil
}

// AwaitOutcome always reports PENDING; outcomes arrive on the topic.
func (c *AsyncClearingChannel) AwaitOutcome(ctx context.Context, clearingRef string) (*OutcomeReport, error) {
	return &OutcomeReport{Outcome: ClearingOutcomePending}, nil
}

// Synchronous reports that this rail settles out of band.
func (c *AsyncClearingChannel) Synchronous() bool { return false }

// simulatedOutcome clears the payment unless its metadata asks for a
// rejection.
func simulatedOutcome(payment *domain.Payment) *OutcomeReport {
	if payment.Metadata[simulateKey] == "reject" {
		return &OutcomeReport{
			Outcome: ClearingOutcomeRejected,
			Code:    "AC04",
			Detail:  "simulated rejection",
		}
	}
	return &OutcomeReport{Outcome: ClearingOutcomeCleared, Code: "ACSC"}
}
