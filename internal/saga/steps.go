package saga

import (
	"github.com/kranthikarthan/payments-engine/internal/domain"
)

// Forward step names, in execution order.
const (
	StepFraudEvaluate   = "fraud_evaluate"
	StepLimitReserve    = "limit_reserve"
	StepFundsHold       = "funds_hold"
	StepRouteSelect     = "route_select"
	StepClearingSubmit  = "clearing_submit"
	StepClearingOutcome = "clearing_outcome"
	StepPosting         = "posting"
	StepLimitConsume    = "limit_consume"
)

// Compensator names, pushed as forward steps succeed and popped LIFO.
const (
	CompReleaseLimit   = "release_limit"
	CompReleaseHold    = "release_hold"
	CompClearingCancel = "clearing_cancel"
	CompReversePosting = "reverse_posting"
)

// Failure causes. The cause recorded when a saga enters COMPENSATING
// decides its terminal status once the stack drains.
const (
	CauseFraudRejected        = "fraud_rejected"
	CauseVerificationRequired = "verification_required"
	CauseLimitExceeded        = "limit_exceeded"
	CauseInsufficientFunds    = "insufficient_funds"
	CauseAccountClosed        = "account_closed"
	CauseInvalidAccount       = "invalid_account"
	CauseValidation           = "validation"
	CauseNoRoute              = "no_route"
	CauseClearingRejected     = "clearing_rejected"
	CauseMaxRetriesExceeded   = "max_retries_exceeded"
	CauseTimedOut             = "timed_out"
	CauseCancelRequested      = "cancel_requested"
	CauseReservationLapsed    = "reservation_lapsed"
	CauseStepFailed           = "step_failed"
)

// Saga data keys. Data carries step outputs forward and makes redrives
// idempotent: a step that finds its output key set skips its side effect.
const (
	dataReservationID    = "reservation_id"
	dataHoldRef          = "hold_ref"
	dataClearingSystem   = "clearing_system"
	dataRuleID           = "rule_id"
	dataRouteFallback    = "route_fallback"
	dataClearingRef      = "clearing_ref"
	dataClearingOutcome  = "clearing_outcome"
	dataClearingCode     = "clearing_code"
	dataClearingDetail   = "clearing_detail"
	dataPostingCaptured  = "posting_captured"
	dataPostingCredited  = "posting_credited"
	dataReversalDebited  = "reversal_debited"
	dataReversalCredited = "reversal_credited"
	dataClearingCanceled = "clearing_cancelled"
	dataReconcileNeeded  = "needs_reconciliation"
	dataFraudScore       = "fraud_score"
	dataFraudOutcome     = "fraud_outcome"
)

// stepOrder is the forward execution plan. The next step for a saga is
// stepOrder[len(CompletedSteps)].
var stepOrder = []string{
	StepFraudEvaluate,
	StepLimitReserve,
	StepFundsHold,
	StepRouteSelect,
	StepClearingSubmit,
	StepClearingOutcome,
	StepPosting,
	StepLimitConsume,
}

// stepStatuses maps each step to the payment status while it runs and the
// status written when it succeeds. Where a step's done status equals the
// next step's entry status the intermediate state is only visible between
// driver passes.
var stepStatuses = map[string]struct {
	Entry domain.PaymentStatus
	Done  domain.PaymentStatus
}{
	StepFraudEvaluate:   {domain.PaymentStatusFraudEval, domain.PaymentStatusLimitReserving},
	StepLimitReserve:    {domain.PaymentStatusLimitReserving, domain.PaymentStatusLimitReserved},
	StepFundsHold:       {domain.PaymentStatusFundsHolding, domain.PaymentStatusFundsHeld},
	StepRouteSelect:     {domain.PaymentStatusRouting, domain.PaymentStatusRouted},
	StepClearingSubmit:  {domain.PaymentStatusClearingSubmitted, domain.PaymentStatusAwaitingClearing},
	StepClearingOutcome: {domain.PaymentStatusAwaitingClearing, domain.PaymentStatusPosting},
	StepPosting:         {domain.PaymentStatusPosting, domain.PaymentStatusPosting},
	StepLimitConsume:    {domain.PaymentStatusPosting, domain.PaymentStatusCompleted},
}

// stepCompensators maps forward steps to the compensator pushed on
// success. Steps without an entry have nothing to undo.
var stepCompensators = map[string]string{
	StepLimitReserve:   CompReleaseLimit,
	StepFundsHold:      CompReleaseHold,
	StepClearingSubmit: CompClearingCancel,
	StepPosting:        CompReversePosting,
}

// nextStep returns the step a RUNNING saga should execute, or "" when the
// forward plan is exhausted.
func nextStep(saga *domain.SagaInstance) string {
	if len(saga.CompletedSteps) >= len(stepOrder) {
		return ""
	}
	return stepOrder[len(saga.CompletedSteps)]
}

// terminalForCause maps a failure cause to the saga's terminal status once
// compensation drains. Business denials end REJECTED, the deadline ends
// TIMED_OUT, everything else ends FAILED.
func terminalForCause(cause string) domain.SagaStatus {
	switch cause {
	case CauseFraudRejected, CauseVerificationRequired, CauseLimitExceeded,
		CauseInsufficientFunds, CauseAccountClosed, CauseInvalidAccount, CauseValidation:
		return domain.SagaStatusRejected
	case CauseTimedOut:
		return domain.SagaStatusTimedOut
	default:
		return domain.SagaStatusFailed
	}
}

// paymentStatusForTerminal mirrors a terminal saga status onto the payment.
func paymentStatusForTerminal(status domain.SagaStatus) domain.PaymentStatus {
	switch status {
	case domain.SagaStatusRejected:
		return domain.PaymentStatusRejected
	case domain.SagaStatusTimedOut:
		return domain.PaymentStatusTimedOut
	case domain.SagaStatusCompleted:
		return domain.PaymentStatusCompleted
	default:
		return domain.PaymentStatusFailed
	}
}

// terminalEventForStatus is the payment-level event emitted at the end.
func terminalEventForStatus(status domain.SagaStatus) string {
	switch status {
	case domain.SagaStatusCompleted:
		return domain.EventPaymentCompleted
	case domain.SagaStatusRejected:
		return domain.EventPaymentRejected
	case domain.SagaStatusTimedOut:
		return domain.EventPaymentTimedOut
	default:
		return domain.EventPaymentFailed
	}
}

// causeEvent maps a failure cause to the domain event recording it, where
// one exists. Clearing rejections are excluded: their event is appended
// when the outcome is first learned.
func causeEvent(cause string) (string, bool) {
	switch cause {
	case CauseFraudRejected:
		return domain.EventFraudRejected, true
	case CauseVerificationRequired:
		return domain.EventFraudFlagged, true
	case CauseReservationLapsed:
		return domain.EventLimitExpired, true
	default:
		return "", false
	}
}

// dataString reads a string value from saga data.
func dataString(saga *domain.SagaInstance, key string) string {
	if saga.Data == nil {
		return ""
	}
	if v, ok := saga.Data[key].(string); ok {
		return v
	}
	return ""
}

// dataBool reads a bool value from saga data.
func dataBool(saga *domain.SagaInstance, key string) bool {
	if saga.Data == nil {
		return false
	}
	if v, ok := saga.Data[key].(bool); ok {
		return v
	}
	return false
}

// setData writes a saga data value, allocating the map on first use.
func setData(saga *domain.SagaInstance, key string, value interface{}) {
	if saga.Data == nil {
		saga.Data = make(map[string]interface{})
	}
	saga.Data[key] = value
}
