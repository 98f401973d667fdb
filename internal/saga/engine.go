// Package saga orchestrates payments through their step plan: fraud
// evaluation, limit reservation, funds hold, routing, clearing, posting
// and limit consumption, with strict LIFO compensation on failure. Every
// state change commits in one transaction with its audit row and outbox
// event, so crash recovery is a matter of redriving from persisted state.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/accounts"
	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/metrics"
	"github.com/kranthikarthan/payments-engine/internal/outbox"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/internal/resilience"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
	"github.com/kranthikarthan/payments-engine/pkg/retry"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// TxBeginner opens transactions; *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Config holds saga engine settings
type Config struct {
	// Deadline is the wall-clock budget from initiation to terminal state.
	Deadline time.Duration

	// StepTimeout bounds one step execution, capped by the remaining
	// saga deadline.
	StepTimeout time.Duration

	// MaxStepAttempts is the transient-failure budget per forward step
	// before the saga escalates to compensation. Compensators ignore it
	// and retry until they succeed or defer to the queue.
	MaxStepAttempts int

	// LeaseTTL is used for the short leases the engine takes when a
	// cancel, timeout or external outcome mutates a saga.
	LeaseTTL time.Duration
}

// DefaultConfig returns the default saga engine configuration
func DefaultConfig() *Config {
	return &Config{
		Deadline:        15 * time.Minute,
		StepTimeout:     30 * time.Second,
		MaxStepAttempts: 3,
		LeaseTTL:        30 * time.Second,
	}
}

// Deps carries the engine's collaborators.
type Deps struct {
	DB       TxBeginner
	Payments repository.PaymentRepository
	Sagas    repository.SagaRepository
	Appender *outbox.Appender
	Fraud    FraudGate
	Limits   LimitGate
	Ledger   LedgerStore
	Router   RouteGate
	Channels *ChannelRegistry
	Caller   *resilience.Caller
	Sink     NotificationSink
	Clock    clock.Clock
}

// Engine drives payment sagas. Safe for concurrent use; per-saga mutual
// exclusion is the caller's job via the repository leases.
type Engine struct {
	db       TxBeginner
	payments repository.PaymentRepository
	sagas    repository.SagaRepository
	appender *outbox.Appender
	fraud    FraudGate
	limits   LimitGate
	ledger   LedgerStore
	router   RouteGate
	channels *ChannelRegistry
	caller   *resilience.Caller
	sink     NotificationSink
	config   *Config
	clk      clock.Clock
	log      *zap.Logger
}

// NewEngine creates a new saga Engine
func NewEngine(deps Deps, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	sink := deps.Sink
	if sink == nil {
		sink = NoOpNotificationSink{}
	}
	return &Engine{
		db:       deps.DB,
		payments: deps.Payments,
		sagas:    deps.Sagas,
		appender: deps.Appender,
		fraud:    deps.Fraud,
		limits:   deps.Limits,
		ledger:   deps.Ledger,
		router:   deps.Router,
		channels: deps.Channels,
		caller:   deps.Caller,
		sink:     sink,
		config:   config,
		clk:      deps.Clock,
		log:      logger.Get(),
	}
}

// NewInstance builds the saga aggregate for a freshly validated payment.
func (e *Engine) NewInstance(payment *domain.Payment) *domain.SagaInstance {
	now := e.clk.Now()
	return &domain.SagaInstance{
		SagaID:            payment.PaymentID,
		TenantID:          payment.TenantID,
		BusinessUnitID:    payment.BusinessUnitID,
		CurrentStep:       StepFraudEvaluate,
		CompletedSteps:    []string{},
		CompensationStack: []string{},
		AttemptCounts:     map[string]int{},
		Data:              map[string]interface{}{},
		DeadlineAt:        now.Add(e.config.Deadline),
		Status:            domain.SagaStatusRunning,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Begin persists the payment, its saga and the PaymentInitiated event in
// one transaction. The saga is then driven asynchronously.
func (e *Engine) Begin(ctx context.Context, payment *domain.Payment) (*domain.SagaInstance, error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.begin")
	defer span.End()

	span.SetAttributes(
		attribute.String("payment_id", payment.PaymentID),
		attribute.String("tenant_id", payment.TenantID),
	)

	saga := e.NewInstance(payment)

	err := e.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := e.payments.CreateInTx(ctx, tx, payment); err != nil {
			return err
		}
		event, err := e.appender.Append(ctx, tx, saga, domain.EventPaymentInitiated, payment, saga.SagaID, "")
		if err != nil {
			return err
		}
		saga.LastEventSeq = event.Seq
		return e.sagas.CreateInTx(ctx, tx, saga)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.RecordSubmission(ctx, payment.TenantID, string(payment.PaymentType))
	span.SetStatus(codes.Ok, "")
	return saga, nil
}

// Drive advances a saga as far as it can go in one pass: forward steps
// while RUNNING, compensators while COMPENSATING. It returns when the
// saga is terminal, suspended, or a transient failure should back off
// until the next driver poll. The caller must hold the saga's lease.
func (e *Engine) Drive(ctx context.Context, saga *domain.SagaInstance) error {
	ctx, span := telemetry.StartSpan(ctx, "saga.drive")
	defer span.End()

	span.SetAttributes(
		attribute.String("saga_id", saga.SagaID),
		attribute.String("tenant_id", saga.TenantID),
	)

	for {
		if saga.Status.IsTerminal() || saga.Suspended() {
			span.SetStatus(codes.Ok, "")
			return nil
		}

		if saga.Status == domain.SagaStatusRunning && !e.clk.Now().Before(saga.DeadlineAt) {
			if err := e.beginCompensation(ctx, saga, CauseTimedOut, ""); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			continue
		}

		var err error
		switch saga.Status {
		case domain.SagaStatusRunning:
			err = e.driveStep(ctx, saga)
		case domain.SagaStatusCompensating:
			err = e.driveCompensation(ctx, saga)
		default:
			span.SetStatus(codes.Ok, "")
			return nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
}

// driveStep executes the saga's next forward step and commits the result.
func (e *Engine) driveStep(ctx context.Context, saga *domain.SagaInstance) error {
	step := nextStep(saga)
	if step == "" {
		// The plan is exhausted but completion never committed; finish it.
		payment, err := e.payments.GetByID(ctx, saga.SagaID)
		if err != nil {
			return err
		}
		return e.completeStep(ctx, saga, payment, StepLimitConsume, &stepResult{})
	}

	payment, err := e.payments.GetByID(ctx, saga.SagaID)
	if err != nil {
		return err
	}

	if err := e.beginStep(ctx, saga, payment, step); err != nil {
		return err
	}

	attempt := saga.RecordAttempt(step)

	stepCtx := ctx
	timeout := e.config.StepTimeout
	if remaining := saga.DeadlineAt.Sub(e.clk.Now()); remaining < timeout {
		timeout = remaining
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := e.clk.Now()
	res, stepErr := e.executeStep(stepCtx, step, payment, saga)
	metrics.RecordStepDuration(ctx, step, stepErr == nil, e.clk.Now().Sub(started).Seconds())

	if stepErr != nil {
		return e.handleStepFailure(ctx, saga, step, attempt, stepErr)
	}

	if res.suspend != "" {
		return e.suspend(ctx, saga, step, res)
	}

	return e.completeStep(ctx, saga, payment, step, res)
}

// handleStepFailure classifies a step error and moves the saga
// accordingly: suspend for deferred work, compensate for denials and
// permanent failures, back off for transient ones.
func (e *Engine) handleStepFailure(ctx context.Context, saga *domain.SagaInstance, step string, attempt int, stepErr error) error {
	if accounts.IsDeferred(stepErr) {
		return e.suspend(ctx, saga, step, &stepResult{suspend: domain.ResumeOnQueuedMessage})
	}

	if cause, ok := rejectionCause(stepErr); ok {
		e.log.Warn("step denied payment",
			zap.String("saga_id", saga.SagaID),
			zap.String("step", step),
			zap.String("cause", cause),
			zap.Error(stepErr),
		)
		return e.beginCompensation(ctx, saga, cause, "")
	}

	if _, ok := domain.IsClearingRejected(stepErr); ok {
		return e.beginCompensation(ctx, saga, CauseClearingRejected, "")
	}

	if errors.Is(stepErr, domain.ErrNoRouteFound) {
		return e.beginCompensation(ctx, saga, CauseNoRoute, "")
	}

	if errors.Is(stepErr, domain.ErrReservationNotActive) {
		return e.beginCompensation(ctx, saga, CauseReservationLapsed, "")
	}

	var perm *retry.PermanentError
	if errors.As(stepErr, &perm) {
		return e.beginCompensation(ctx, saga, CauseStepFailed, "")
	}

	if attempt >= e.config.MaxStepAttempts {
		e.log.Warn("step retry budget exhausted",
			zap.String("saga_id", saga.SagaID),
			zap.String("step", step),
			zap.Int("attempts", attempt),
			zap.Error(stepErr),
		)
		return e.beginCompensation(ctx, saga, CauseMaxRetriesExceeded, "")
	}

	e.log.Warn("step failed, will retry on next pass",
		zap.String("saga_id", saga.SagaID),
		zap.String("step", step),
		zap.Int("attempt", attempt),
		zap.Error(stepErr),
	)
	if err := e.persistSaga(ctx, saga); err != nil {
		return err
	}
	return stepErr
}

// rejectionCause maps business denials to their compensation cause.
func rejectionCause(err error) (string, bool) {
	if _, ok := domain.IsLimitExceeded(err); ok {
		return CauseLimitExceeded, true
	}
	switch {
	case errors.Is(err, domain.ErrFraudRejected):
		return CauseFraudRejected, true
	case errors.Is(err, domain.ErrVerificationRequired):
		return CauseVerificationRequired, true
	case errors.Is(err, domain.ErrInsufficientFunds):
		return CauseInsufficientFunds, true
	case errors.Is(err, domain.ErrAccountClosed):
		return CauseAccountClosed, true
	case errors.Is(err, domain.ErrInvalidAccountRef):
		return CauseInvalidAccount, true
	}
	if domain.IsValidationError(err) {
		return CauseValidation, true
	}
	return "", false
}

// beginStep records that a step is starting: payment moves to the step's
// entry status and the saga's current_step advances. Skipped when a
// redrive finds the transition already made.
func (e *Engine) beginStep(ctx context.Context, saga *domain.SagaInstance, payment *domain.Payment, step string) error {
	entry := stepStatuses[step].Entry
	if payment.Status == entry && saga.CurrentStep == step {
		return nil
	}

	now := e.clk.Now()
	saga.CurrentStep = step
	saga.UpdatedAt = now

	err := e.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if payment.Status != entry {
			if err := e.payments.UpdateStatusInTx(ctx, tx, payment.PaymentID, entry, ""); err != nil {
				return err
			}
		}
		if err := e.sagas.UpdateInTx(ctx, tx, saga); err != nil {
			return err
		}
		return e.sagas.AppendTransitionInTx(ctx, tx, &domain.SagaTransition{
			SagaID:     saga.SagaID,
			TenantID:   saga.TenantID,
			FromStatus: saga.Status,
			ToStatus:   saga.Status,
			Step:       step,
			Cause:      "step_started",
			OccurredAt: now,
		})
	})
	if err != nil {
		return err
	}

	payment.Status = entry
	return nil
}

// completeStep commits a successful step: payment status, completed
// steps, compensator push, step outputs and events, atomically. The final
// step also completes the saga.
func (e *Engine) completeStep(ctx context.Context, saga *domain.SagaInstance, payment *domain.Payment, step string, res *stepResult) error {
	done := stepStatuses[step].Done
	now := e.clk.Now()

	saga.CompletedSteps = append(saga.CompletedSteps, step)
	if comp, ok := stepCompensators[step]; ok {
		saga.PushCompensator(comp)
	}
	saga.CurrentStep = nextStep(saga)

	completing := step == StepLimitConsume
	if completing {
		saga.Status = domain.SagaStatusCompleted
		// Nothing is left to undo once a payment completes.
		saga.CompensationStack = nil
		saga.CurrentStep = ""
	}
	saga.UpdatedAt = now

	var terminalEvent *domain.TransactionEvent
	err := e.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := e.payments.UpdateStatusInTx(ctx, tx, payment.PaymentID, done, ""); err != nil {
			return err
		}
		for _, ev := range res.events {
			event, err := e.appender.Append(ctx, tx, saga, ev.typ, ev.payload, saga.SagaID, res.causation)
			if err != nil {
				return err
			}
			saga.LastEventSeq = event.Seq
			if ev.typ == domain.EventPaymentCompleted {
				terminalEvent = event
			}
		}
		if err := e.sagas.UpdateInTx(ctx, tx, saga); err != nil {
			return err
		}
		if completing {
			return e.sagas.AppendTransitionInTx(ctx, tx, &domain.SagaTransition{
				SagaID:     saga.SagaID,
				TenantID:   saga.TenantID,
				FromStatus: domain.SagaStatusRunning,
				ToStatus:   domain.SagaStatusCompleted,
				Step:       step,
				OccurredAt: now,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	payment.Status = done

	if completing {
		e.log.Info("payment completed",
			zap.String("payment_id", payment.PaymentID),
			zap.String("tenant_id", saga.TenantID),
		)
		metrics.RecordSagaOutcome(ctx, saga.TenantID, string(domain.SagaStatusCompleted), now.Sub(saga.CreatedAt).Seconds())
		if terminalEvent != nil {
			e.sink.Notify(ctx, terminalEvent)
		}
	}
	return nil
}

// suspend parks the saga on a durable resume trigger. Events learned
// before the suspension (for example a capture that succeeded before the
// credit deferred) commit in the same transaction.
func (e *Engine) suspend(ctx context.Context, saga *domain.SagaInstance, step string, res *stepResult) error {
	now := e.clk.Now()
	saga.ResumeOn = res.suspend
	saga.UpdatedAt = now

	err := e.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, ev := range res.events {
			event, err := e.appender.Append(ctx, tx, saga, ev.typ, ev.payload, saga.SagaID, res.causation)
			if err != nil {
				return err
			}
			saga.LastEventSeq = event.Seq
		}
		event, err := e.appender.Append(ctx, tx, saga, domain.EventStepSuspended, map[string]interface{}{
			"step":       step,
			"waiting_on": string(res.suspend),
		}, saga.SagaID, res.causation)
		if err != nil {
			return err
		}
		saga.LastEventSeq = event.Seq
		if err := e.sagas.UpdateInTx(ctx, tx, saga); err != nil {
			return err
		}
		return e.sagas.AppendTransitionInTx(ctx, tx, &domain.SagaTransition{
			SagaID:     saga.SagaID,
			TenantID:   saga.TenantID,
			FromStatus: saga.Status,
			ToStatus:   saga.Status,
			Step:       step,
			Cause:      "suspended:" + string(res.suspend),
			OccurredAt: now,
		})
	})
	if err != nil {
		return err
	}

	metrics.RecordSuspension(ctx, true)
	e.log.Info("saga suspended",
		zap.String("saga_id", saga.SagaID),
		zap.String("step", step),
		zap.String("waiting_on", string(res.suspend)),
	)
	return nil
}

// beginCompensation flips the saga to COMPENSATING with the given cause.
// Extra events (for example the cancel request) commit in the same
// transaction, after the cause event when one exists.
func (e *Engine) beginCompensation(ctx context.Context, saga *domain.SagaInstance, cause, causation string, extra ...eventSpec) error {
	now := e.clk.Now()
	from := saga.Status
	failedStep := saga.CurrentStep

	saga.Status = domain.SagaStatusCompensating
	saga.FailureCause = cause
	saga.ResumeOn = ""
	saga.CurrentStep = ""
	saga.UpdatedAt = now

	err := e.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := e.payments.UpdateStatusInTx(ctx, tx, saga.SagaID, domain.PaymentStatusCompensating, cause); err != nil {
			return err
		}
		events := extra
		if evType, ok := causeEvent(cause); ok {
			events = append([]eventSpec{{evType, map[string]interface{}{"cause": cause, "step": failedStep}}}, events...)
		}
		events = append(events, eventSpec{domain.EventCompensationStarted, map[string]interface{}{
			"cause": cause,
			"step":  failedStep,
		}})
		for _, ev := range events {
			event, err := e.appender.Append(ctx, tx, saga, ev.typ, ev.payload, saga.SagaID, causation)
			if err != nil {
				return err
			}
			saga.LastEventSeq = event.Seq
		}
		if err := e.sagas.UpdateInTx(ctx, tx, saga); err != nil {
			return err
		}
		return e.sagas.AppendTransitionInTx(ctx, tx, &domain.SagaTransition{
			SagaID:     saga.SagaID,
			TenantID:   saga.TenantID,
			FromStatus: from,
			ToStatus:   domain.SagaStatusCompensating,
			Step:       failedStep,
			Cause:      cause,
			OccurredAt: now,
		})
	})
	if err != nil {
		return err
	}

	e.log.Warn("saga compensating",
		zap.String("saga_id", saga.SagaID),
		zap.String("cause", cause),
		zap.String("failed_step", failedStep),
	)
	return nil
}

// driveCompensation pops and executes one compensator, or finalizes the
// saga when the stack is empty.
func (e *Engine) driveCompensation(ctx context.Context, saga *domain.SagaInstance) error {
	comp, ok := saga.PeekCompensator()
	if !ok {
		return e.finalize(ctx, saga)
	}

	payment, err := e.payments.GetByID(ctx, saga.SagaID)
	if err != nil {
		return err
	}

	attempt := saga.RecordAttempt(comp)
	res, compErr := e.executeCompensator(ctx, comp, payment, saga, attempt)
	if compErr != nil {
		if accounts.IsDeferred(compErr) {
			return e.suspend(ctx, saga, comp, &stepResult{suspend: domain.ResumeOnQueuedMessage})
		}
		e.log.Warn("compensator failed, will retry",
			zap.String("saga_id", saga.SagaID),
			zap.String("compensator", comp),
			zap.Int("attempt", attempt),
			zap.Error(compErr),
		)
		if err := e.persistSaga(ctx, saga); err != nil {
			return err
		}
		return compErr
	}

	saga.PopCompensator()
	saga.UpdatedAt = e.clk.Now()

	return e.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, ev := range res.events {
			event, err := e.appender.Append(ctx, tx, saga, ev.typ, ev.payload, saga.SagaID, res.causation)
			if err != nil {
				return err
			}
			saga.LastEventSeq = event.Seq
		}
		return e.sagas.UpdateInTx(ctx, tx, saga)
	})
}

// finalize lands a compensated saga on its terminal status.
func (e *Engine) finalize(ctx context.Context, saga *domain.SagaInstance) error {
	terminal := terminalForCause(saga.FailureCause)
	pstatus := paymentStatusForTerminal(terminal)
	now := e.clk.Now()
	from := saga.Status

	saga.Status = terminal
	saga.CompensationStack = nil
	saga.ResumeOn = ""
	saga.CurrentStep = ""
	saga.UpdatedAt = now

	var terminalEvent *domain.TransactionEvent
	err := e.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := e.payments.UpdateStatusInTx(ctx, tx, saga.SagaID, pstatus, saga.FailureCause); err != nil {
			return err
		}
		event, err := e.appender.Append(ctx, tx, saga, domain.EventCompensationCompleted, map[string]interface{}{
			"cause": saga.FailureCause,
		}, saga.SagaID, "")
		if err != nil {
			return err
		}
		saga.LastEventSeq = event.Seq

		terminalEvent, err = e.appender.Append(ctx, tx, saga, terminalEventForStatus(terminal), map[string]interface{}{
			"cause":  saga.FailureCause,
			"status": string(terminal),
		}, saga.SagaID, "")
		if err != nil {
			return err
		}
		saga.LastEventSeq = terminalEvent.Seq

		if err := e.sagas.UpdateInTx(ctx, tx, saga); err != nil {
			return err
		}
		return e.sagas.AppendTransitionInTx(ctx, tx, &domain.SagaTransition{
			SagaID:     saga.SagaID,
			TenantID:   saga.TenantID,
			FromStatus: from,
			ToStatus:   terminal,
			Cause:      saga.FailureCause,
			OccurredAt: now,
		})
	})
	if err != nil {
		return err
	}

	metrics.RecordSagaOutcome(ctx, saga.TenantID, string(terminal), now.Sub(saga.CreatedAt).Seconds())
	e.sink.Notify(ctx, terminalEvent)
	e.log.Info("saga finalized",
		zap.String("saga_id", saga.SagaID),
		zap.String("status", string(terminal)),
		zap.String("cause", saga.FailureCause),
	)
	return nil
}

// RecordClearingOutcome stores an asynchronous rail outcome and wakes the
// suspended saga. Duplicate and late deliveries are ignored.
func (e *Engine) RecordClearingOutcome(ctx context.Context, owner string, msg *ClearingOutcomeMessage) error {
	ctx, span := telemetry.StartSpan(ctx, "saga.record_clearing_outcome")
	defer span.End()

	span.SetAttributes(
		attribute.String("saga_id", msg.SagaID),
		attribute.String("outcome", msg.Outcome),
	)

	var eventType string
	switch ClearingOutcome(msg.Outcome) {
	case ClearingOutcomeCleared:
		eventType = domain.EventClearingCleared
	case ClearingOutcomeRejected:
		eventType = domain.EventClearingRejected
	default:
		e.log.Warn("unrecognized clearing outcome, ignoring",
			zap.String("saga_id", msg.SagaID),
			zap.String("outcome", msg.Outcome),
		)
		span.SetStatus(codes.Ok, "")
		return nil
	}

	if err := e.sagas.AcquireLease(ctx, msg.SagaID, owner, e.config.LeaseTTL); err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			e.log.Warn("clearing outcome for unknown saga", zap.String("saga_id", msg.SagaID))
			span.SetStatus(codes.Ok, "")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer func() {
		if err := e.sagas.ReleaseLease(ctx, msg.SagaID, owner); err != nil {
			e.log.Warn("failed to release saga lease", zap.String("saga_id", msg.SagaID), zap.Error(err))
		}
	}()

	saga, err := e.sagas.GetByID(ctx, msg.SagaID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if saga.Status.IsTerminal() {
		e.log.Warn("clearing outcome arrived after saga ended, reconciliation required",
			zap.String("saga_id", msg.SagaID),
			zap.String("outcome", msg.Outcome),
		)
		span.SetStatus(codes.Ok, "")
		return nil
	}
	if dataString(saga, dataClearingOutcome) != "" {
		span.SetStatus(codes.Ok, "")
		return nil
	}

	now := e.clk.Now()
	wasSuspended := saga.ResumeOn == domain.ResumeOnClearingOutcome
	setData(saga, dataClearingOutcome, msg.Outcome)
	setData(saga, dataClearingCode, msg.Code)
	setData(saga, dataClearingDetail, msg.Detail)
	saga.ResumeOn = ""
	saga.UpdatedAt = now

	err = e.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		event, err := e.appender.Append(ctx, tx, saga, eventType, map[string]interface{}{
			"clearing_ref": msg.ClearingRef,
			"code":         msg.Code,
			"detail":       msg.Detail,
		}, saga.SagaID, msg.EventID)
		if err != nil {
			return err
		}
		saga.LastEventSeq = event.Seq

		if wasSuspended {
			event, err = e.appender.Append(ctx, tx, saga, domain.EventStepResumed, map[string]interface{}{
				"step":    StepClearingOutcome,
				"trigger": string(domain.ResumeOnClearingOutcome),
			}, saga.SagaID, msg.EventID)
			if err != nil {
				return err
			}
			saga.LastEventSeq = event.Seq
		}

		if err := e.sagas.UpdateInTx(ctx, tx, saga); err != nil {
			return err
		}
		return e.sagas.AppendTransitionInTx(ctx, tx, &domain.SagaTransition{
			SagaID:     saga.SagaID,
			TenantID:   saga.TenantID,
			FromStatus: saga.Status,
			ToStatus:   saga.Status,
			Step:       StepClearingOutcome,
			Cause:      "resumed:" + string(domain.ResumeOnClearingOutcome),
			OccurredAt: now,
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if wasSuspended {
		metrics.RecordSuspension(ctx, false)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// ResumeQueuedMessage wakes a saga suspended on an offline-queue retry.
// Stale wake-ups are no-ops.
func (e *Engine) ResumeQueuedMessage(ctx context.Context, sagaID, causationID string) error {
	woke, err := e.sagas.ClearSuspension(ctx, sagaID, domain.ResumeOnQueuedMessage)
	if err != nil {
		return err
	}
	if !woke {
		return nil
	}
	metrics.RecordSuspension(ctx, false)

	saga, err := e.sagas.GetByID(ctx, sagaID)
	if err != nil {
		return err
	}
	return e.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := e.appender.Append(ctx, tx, saga, domain.EventStepResumed, map[string]interface{}{
			"step":    saga.CurrentStep,
			"trigger": string(domain.ResumeOnQueuedMessage),
		}, saga.SagaID, causationID)
		return err
	})
}

// RequestCancel handles an external cancellation. RUNNING sagas before
// clearing submission unwind; later ones are refused, since the rail has
// the payment and only a fresh reversal flow can bring the money back.
func (e *Engine) RequestCancel(ctx context.Context, owner, paymentID string) error {
	ctx, span := telemetry.StartSpan(ctx, "saga.request_cancel")
	defer span.End()

	span.SetAttributes(attribute.String("payment_id", paymentID))

	payment, err := e.payments.GetByID(ctx, paymentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := cancellable(payment.Status); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := e.sagas.AcquireLease(ctx, paymentID, owner, e.config.LeaseTTL); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer func() {
		if err := e.sagas.ReleaseLease(ctx, paymentID, owner); err != nil {
			e.log.Warn("failed to release saga lease", zap.String("saga_id", paymentID), zap.Error(err))
		}
	}()

	// Re-check under the lease; a driver may have advanced the saga
	// between the first look and the acquire.
	payment, err = e.payments.GetByID(ctx, paymentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := cancellable(payment.Status); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	saga, err := e.sagas.GetByID(ctx, paymentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	switch saga.Status {
	case domain.SagaStatusCompensating:
		// Already unwinding; the cancel changes nothing.
		span.SetStatus(codes.Ok, "")
		return nil
	case domain.SagaStatusRunning:
	default:
		span.SetStatus(codes.Error, "saga terminal")
		return domain.ErrSagaTerminal
	}

	wasSuspended := saga.Suspended()
	saga.ResumeOn = ""
	err = e.beginCompensation(ctx, saga, CauseCancelRequested, "", eventSpec{
		typ:     domain.EventPaymentCancelRequested,
		payload: map[string]interface{}{"payment_id": paymentID},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if wasSuspended {
		metrics.RecordSuspension(ctx, false)
	}
	metrics.RecordCancelRequest(ctx, saga.TenantID)

	span.SetStatus(codes.Ok, "")
	return nil
}

// cancellable reports whether a payment's current status still permits an
// external cancel.
func cancellable(status domain.PaymentStatus) error {
	if status.IsTerminal() {
		return domain.ErrSagaTerminal
	}
	switch status {
	case domain.PaymentStatusClearingSubmitted,
		domain.PaymentStatusAwaitingClearing,
		domain.PaymentStatusPosting:
		return domain.ErrCancelNotAllowed
	}
	return nil
}

// ForceTimeout moves a deadline-overrun saga onto the compensation path
// and drives it. The deadline ticker calls this for sagas, suspended ones
// included, whose deadline passed.
func (e *Engine) ForceTimeout(ctx context.Context, owner string, sagaID string) error {
	if err := e.sagas.AcquireLease(ctx, sagaID, owner, e.config.LeaseTTL); err != nil {
		return err
	}
	defer func() {
		if err := e.sagas.ReleaseLease(ctx, sagaID, owner); err != nil {
			e.log.Warn("failed to release saga lease", zap.String("saga_id", sagaID), zap.Error(err))
		}
	}()

	saga, err := e.sagas.GetByID(ctx, sagaID)
	if err != nil {
		return err
	}
	if saga.Status.IsTerminal() || e.clk.Now().Before(saga.DeadlineAt) {
		return nil
	}

	if saga.Status == domain.SagaStatusRunning {
		wasSuspended := saga.Suspended()
		saga.ResumeOn = ""
		if err := e.beginCompensation(ctx, saga, CauseTimedOut, ""); err != nil {
			return err
		}
		if wasSuspended {
			metrics.RecordSuspension(ctx, false)
		}
	}
	return e.Drive(ctx, saga)
}

// persistSaga commits attempt counts and step outputs gathered before a
// failure, so the retry budget survives the process.
func (e *Engine) persistSaga(ctx context.Context, saga *domain.SagaInstance) error {
	saga.UpdatedAt = e.clk.Now()
	return e.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return e.sagas.UpdateInTx(ctx, tx, saga)
	})
}

// inTx runs fn inside one transaction.
func (e *Engine) inTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
