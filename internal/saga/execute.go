package saga

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/accounts"
	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/limits"
	"github.com/kranthikarthan/payments-engine/internal/resilience"
)

// eventSpec is an event to append in the step's commit transaction.
type eventSpec struct {
	typ     string
	payload interface{}
}

// stepResult carries a step's outputs: events to commit atomically with
// the state change, and an optional suspension trigger.
type stepResult struct {
	events    []eventSpec
	suspend   domain.ResumeTrigger
	causation string
}

// executeStep runs one forward step. Steps write their outputs into
// saga.Data so a redrive after a crash resumes idempotently.
func (e *Engine) executeStep(ctx context.Context, step string, payment *domain.Payment, saga *domain.SagaInstance) (*stepResult, error) {
	switch step {
	case StepFraudEvaluate:
		return e.stepFraudEvaluate(ctx, payment, saga)
	case StepLimitReserve:
		return e.stepLimitReserve(ctx, payment, saga)
	case StepFundsHold:
		return e.stepFundsHold(ctx, payment, saga)
	case StepRouteSelect:
		return e.stepRouteSelect(ctx, payment, saga)
	case StepClearingSubmit:
		return e.stepClearingSubmit(ctx, payment, saga)
	case StepClearingOutcome:
		return e.stepClearingOutcome(ctx, saga)
	case StepPosting:
		return e.stepPosting(ctx, payment, saga)
	case StepLimitConsume:
		return e.stepLimitConsume(ctx, payment, saga)
	default:
		return nil, fmt.Errorf("unknown saga step %s", step)
	}
}

// stepFraudEvaluate scores the payment and gates it on the outcome.
// REQUIRE_VERIFICATION has no interactive verification surface here, so
// it denies the payment the same way a rejection does, with its own
// cause for the audit trail.
func (e *Engine) stepFraudEvaluate(ctx context.Context, payment *domain.Payment, saga *domain.SagaInstance) (*stepResult, error) {
	assessment, err := e.fraud.Assess(ctx, payment, dataString(saga, dataClearingSystem))
	if err != nil {
		return nil, err
	}

	setData(saga, dataFraudScore, assessment.Score)
	setData(saga, dataFraudOutcome, string(assessment.Outcome))

	switch assessment.Outcome {
	case domain.FraudOutcomeReject:
		return nil, domain.ErrFraudRejected
	case domain.FraudOutcomeRequireVerify:
		return nil, domain.ErrVerificationRequired
	case domain.FraudOutcomeApproveWithMonitor:
		return &stepResult{events: []eventSpec{{domain.EventFraudFlagged, assessment}}}, nil
	default:
		return &stepResult{events: []eventSpec{{domain.EventFraudApproved, assessment}}}, nil
	}
}

// stepLimitReserve reserves headroom against the customer's limits. A
// reservation left behind by a crashed attempt is adopted instead of
// double-counted.
func (e *Engine) stepLimitReserve(ctx context.Context, payment *domain.Payment, saga *domain.SagaInstance) (*stepResult, error) {
	res, err := e.limits.Reserve(ctx, limits.ReserveParams{
		BusinessUnitID: payment.BusinessUnitID,
		CustomerID:     payment.CustomerID,
		PaymentID:      payment.PaymentID,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		PaymentType:    payment.PaymentType,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrDuplicateReservation) {
			return nil, err
		}
		res, err = e.limits.ActiveReservation(ctx, payment.PaymentID)
		if err != nil {
			return nil, err
		}
	}

	setData(saga, dataReservationID, res.ReservationID)
	return &stepResult{events: []eventSpec{{domain.EventLimitReserved, res}}}, nil
}

// stepFundsHold places a hold on the debit account.
func (e *Engine) stepFundsHold(ctx context.Context, payment *domain.Payment, saga *domain.SagaInstance) (*stepResult, error) {
	hold, err := e.ledger.PlaceHold(ctx, accounts.HoldParams{
		PaymentID:      payment.PaymentID,
		BusinessUnitID: payment.BusinessUnitID,
		AccountRef:     payment.DebitAccountRef,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
	})
	if err != nil {
		return nil, err
	}

	setData(saga, dataHoldRef, hold.HoldRef)
	return &stepResult{events: []eventSpec{{domain.EventFundsHeld, hold}}}, nil
}

// stepRouteSelect picks the clearing system for the payment.
func (e *Engine) stepRouteSelect(ctx context.Context, payment *domain.Payment, saga *domain.SagaInstance) (*stepResult, error) {
	decision, err := e.router.Decide(ctx, &domain.RoutingContext{
		TenantID:        payment.TenantID,
		BusinessUnitID:  payment.BusinessUnitID,
		Amount:          payment.Amount,
		Currency:        payment.Currency,
		PaymentType:     payment.PaymentType,
		LocalInstrument: payment.LocalInstrument,
		Urgency:         payment.Urgency,
		TenantFlags:     payment.Metadata,
	})
	if err != nil {
		return nil, err
	}

	setData(saga, dataClearingSystem, decision.ClearingSystem)
	setData(saga, dataRuleID, decision.RuleID)
	setData(saga, dataRouteFallback, decision.IsFallback)
	return &stepResult{events: []eventSpec{{domain.EventRoutingDecided, decision}}}, nil
}

// stepClearingSubmit hands the payment to the selected rail. Synchronous
// rails settle inline and their outcome event commits with the submission;
// asynchronous rails leave the outcome to the clearing consumer.
func (e *Engine) stepClearingSubmit(ctx context.Context, payment *domain.Payment, saga *domain.SagaInstance) (*stepResult, error) {
	system := dataString(saga, dataClearingSystem)
	ch, err := e.channels.Get(system)
	if err != nil {
		return nil, err
	}

	ref := dataString(saga, dataClearingRef)
	if ref == "" {
		decision := &domain.RoutingDecision{
			ClearingSystem: system,
			RuleID:         dataString(saga, dataRuleID),
			IsFallback:     dataBool(saga, dataRouteFallback),
		}
		err := e.guardedCall(ctx, "clearing:"+system, payment.TenantID, func(ctx context.Context) error {
			var submitErr error
			ref, submitErr = ch.Submit(ctx, payment, decision)
			return submitErr
		})
		if err != nil {
			return nil, err
		}
		setData(saga, dataClearingRef, ref)
	}

	res := &stepResult{events: []eventSpec{{domain.EventClearingSubmitted, map[string]interface{}{
		"clearing_ref":    ref,
		"clearing_system": system,
	}}}}

	if !ch.Synchronous() {
		return res, nil
	}

	report, err := ch.AwaitOutcome(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch report.Outcome {
	case ClearingOutcomeCleared:
		setData(saga, dataClearingOutcome, string(report.Outcome))
		setData(saga, dataClearingCode, report.Code)
		res.events = append(res.events, eventSpec{domain.EventClearingCleared, map[string]interface{}{
			"clearing_ref": ref,
			"code":         report.Code,
		}})
	case ClearingOutcomeRejected:
		setData(saga, dataClearingOutcome, string(report.Outcome))
		setData(saga, dataClearingCode, report.Code)
		setData(saga, dataClearingDetail, report.Detail)
		res.events = append(res.events, eventSpec{domain.EventClearingRejected, map[string]interface{}{
			"clearing_ref": ref,
			"code":         report.Code,
			"detail":       report.Detail,
		}})
	}
	return res, nil
}

// stepClearingOutcome gates on the rail's answer. The outcome lands in
// saga data either inline (synchronous rails) or via the clearing
// consumer; until it does, the saga suspends.
func (e *Engine) stepClearingOutcome(ctx context.Context, saga *domain.SagaInstance) (*stepResult, error) {
	switch ClearingOutcome(dataString(saga, dataClearingOutcome)) {
	case ClearingOutcomeCleared:
		return &stepResult{}, nil
	case ClearingOutcomeRejected:
		return nil, domain.NewClearingRejected(dataString(saga, dataClearingCode), dataString(saga, dataClearingDetail))
	default:
		return &stepResult{suspend: domain.ResumeOnClearingOutcome}, nil
	}
}

// stepPosting settles the money movement: capture the hold, then credit
// the beneficiary. Each phase records a flag before the next so a redrive
// or a queue-deferred resume picks up exactly where it left off.
func (e *Engine) stepPosting(ctx context.Context, payment *domain.Payment, saga *domain.SagaInstance) (*stepResult, error) {
	res := &stepResult{}
	holdRef := dataString(saga, dataHoldRef)

	if !dataBool(saga, dataPostingCaptured) {
		if err := e.ledger.CaptureHold(ctx, payment.PaymentID, holdRef); err != nil {
			if accounts.IsDeferred(err) {
				res.suspend = domain.ResumeOnQueuedMessage
				return res, nil
			}
			return nil, err
		}
		setData(saga, dataPostingCaptured, true)
		res.events = append(res.events, eventSpec{domain.EventFundsCaptured, map[string]interface{}{
			"hold_ref": holdRef,
		}})
	}

	if !dataBool(saga, dataPostingCredited) {
		err := e.ledger.Credit(ctx, accounts.PostingParams{
			PaymentID:  payment.PaymentID,
			AccountRef: payment.CreditAccountRef,
			Amount:     payment.Amount,
			Currency:   payment.Currency,
			Reason:     "payment",
		})
		if err != nil {
			if accounts.IsDeferred(err) {
				res.suspend = domain.ResumeOnQueuedMessage
				return res, nil
			}
			return nil, err
		}
		setData(saga, dataPostingCredited, true)
		res.events = append(res.events, eventSpec{domain.EventPostingCompleted, map[string]interface{}{
			"debit_account":  payment.DebitAccountRef,
			"credit_account": payment.CreditAccountRef,
			"amount":         payment.Amount,
			"currency":       payment.Currency,
		}})
	}

	return res, nil
}

// stepLimitConsume settles the limit reservation and completes the payment.
func (e *Engine) stepLimitConsume(ctx context.Context, payment *domain.Payment, saga *domain.SagaInstance) (*stepResult, error) {
	reservationID := dataString(saga, dataReservationID)
	if err := e.limits.Consume(ctx, reservationID); err != nil {
		return nil, err
	}

	return &stepResult{events: []eventSpec{
		{domain.EventLimitConsumed, map[string]interface{}{"reservation_id": reservationID}},
		{domain.EventPaymentCompleted, map[string]interface{}{
			"payment_id":      payment.PaymentID,
			"amount":          payment.Amount,
			"currency":        payment.Currency,
			"clearing_system": dataString(saga, dataClearingSystem),
			"clearing_ref":    dataString(saga, dataClearingRef),
		}},
	}}, nil
}

// executeCompensator undoes one completed step. Compensators must be
// idempotent: the backends dedupe by the same keys the forward steps used.
func (e *Engine) executeCompensator(ctx context.Context, comp string, payment *domain.Payment, saga *domain.SagaInstance, attempt int) (*stepResult, error) {
	switch comp {
	case CompReleaseLimit:
		return e.compReleaseLimit(ctx, saga)
	case CompReleaseHold:
		return e.compReleaseHold(ctx, payment, saga)
	case CompClearingCancel:
		return e.compClearingCancel(ctx, saga, attempt)
	case CompReversePosting:
		return e.compReversePosting(ctx, payment, saga)
	default:
		return nil, fmt.Errorf("unknown compensator %s", comp)
	}
}

func (e *Engine) compReleaseLimit(ctx context.Context, saga *domain.SagaInstance) (*stepResult, error) {
	reservationID := dataString(saga, dataReservationID)
	if reservationID == "" {
		return &stepResult{}, nil
	}
	if err := e.limits.Release(ctx, reservationID, saga.FailureCause); err != nil {
		return nil, err
	}
	return &stepResult{events: []eventSpec{{domain.EventLimitReleased, map[string]interface{}{
		"reservation_id": reservationID,
		"reason":         saga.FailureCause,
	}}}}, nil
}

func (e *Engine) compReleaseHold(ctx context.Context, payment *domain.Payment, saga *domain.SagaInstance) (*stepResult, error) {
	holdRef := dataString(saga, dataHoldRef)
	if holdRef == "" {
		return &stepResult{}, nil
	}
	if err := e.ledger.ReleaseHold(ctx, payment.PaymentID, holdRef); err != nil {
		return nil, err
	}
	if dataBool(saga, dataPostingCaptured) {
		// The hold was already captured; the release was a no-op and the
		// money comes back via the posting reversal.
		return &stepResult{}, nil
	}
	return &stepResult{events: []eventSpec{{domain.EventFundsReleased, map[string]interface{}{
		"hold_ref": holdRef,
	}}}}, nil
}

// compClearingCancel tries to pull the payment back from the rail. A
// payment that already cleared, or a rail that refuses the cancel, is
// flagged for reconciliation instead of blocking the unwind forever.
func (e *Engine) compClearingCancel(ctx context.Context, saga *domain.SagaInstance, attempt int) (*stepResult, error) {
	ref := dataString(saga, dataClearingRef)
	outcome := ClearingOutcome(dataString(saga, dataClearingOutcome))

	if ref == "" || outcome == ClearingOutcomeRejected {
		// Nothing reached the rail, or the rail already refused it.
		return &stepResult{}, nil
	}
	if outcome == ClearingOutcomeCleared {
		setData(saga, dataReconcileNeeded, true)
		e.log.Warn("payment cleared before cancellation, flagged for reconciliation",
			zap.String("saga_id", saga.SagaID),
			zap.String("clearing_ref", ref),
		)
		return &stepResult{}, nil
	}

	system := dataString(saga, dataClearingSystem)
	ch, err := e.channels.Get(system)
	if err != nil {
		return nil, err
	}

	var cancelled bool
	err = e.guardedCall(ctx, "clearing:"+system, saga.TenantID, func(ctx context.Context) error {
		var cancelErr error
		cancelled, cancelErr = ch.Cancel(ctx, ref)
		return cancelErr
	})
	if err != nil {
		if attempt < e.config.MaxStepAttempts {
			return nil, err
		}
		// The rail is unreachable and the unwind cannot wait on it.
		setData(saga, dataReconcileNeeded, true)
		e.log.Warn("clearing cancel abandoned after retries, flagged for reconciliation",
			zap.String("saga_id", saga.SagaID),
			zap.String("clearing_ref", ref),
			zap.Error(err),
		)
		return &stepResult{}, nil
	}

	if cancelled {
		setData(saga, dataClearingCanceled, true)
	} else {
		setData(saga, dataReconcileNeeded, true)
		e.log.Warn("rail refused cancellation, flagged for reconciliation",
			zap.String("saga_id", saga.SagaID),
			zap.String("clearing_ref", ref),
		)
	}
	return &stepResult{}, nil
}

// compReversePosting undoes whatever part of the posting landed: debit
// the beneficiary back, then re-credit the payer. The posting flags say
// which legs ran; the reversal flags make the redo after a crash safe.
func (e *Engine) compReversePosting(ctx context.Context, payment *domain.Payment, saga *domain.SagaInstance) (*stepResult, error) {
	if dataBool(saga, dataPostingCredited) && !dataBool(saga, dataReversalDebited) {
		err := e.ledger.Debit(ctx, accounts.PostingParams{
			PaymentID:  payment.PaymentID,
			AccountRef: payment.CreditAccountRef,
			Amount:     payment.Amount,
			Currency:   payment.Currency,
			Reason:     "reversal",
		})
		if err != nil {
			return nil, err
		}
		setData(saga, dataReversalDebited, true)
	}

	if dataBool(saga, dataPostingCaptured) && !dataBool(saga, dataReversalCredited) {
		err := e.ledger.Credit(ctx, accounts.PostingParams{
			PaymentID:  payment.PaymentID,
			AccountRef: payment.DebitAccountRef,
			Amount:     payment.Amount,
			Currency:   payment.Currency,
			Reason:     "reversal",
		})
		if err != nil {
			return nil, err
		}
		setData(saga, dataReversalCredited, true)
	}

	if !dataBool(saga, dataReversalDebited) && !dataBool(saga, dataReversalCredited) {
		return &stepResult{}, nil
	}
	return &stepResult{events: []eventSpec{{domain.EventPostingReversed, map[string]interface{}{
		"payment_id": payment.PaymentID,
		"amount":     payment.Amount,
		"currency":   payment.Currency,
	}}}}, nil
}

// guardedCall routes an external call through the resiliency stack when
// one is wired, or straight through when not.
func (e *Engine) guardedCall(ctx context.Context, service, tenantID string, op func(ctx context.Context) error) error {
	if e.caller == nil {
		return op(ctx)
	}
	return e.caller.Call(ctx, service, tenantID, &resilience.CallPolicy{Timeout: e.config.StepTimeout}, op, nil)
}
