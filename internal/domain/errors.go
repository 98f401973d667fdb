package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	// Lookup errors
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrSagaNotFound          = errors.New("saga not found")
	ErrReservationNotFound   = errors.New("limit reservation not found")
	ErrHoldNotFound          = errors.New("funds hold not found")
	ErrBackendNotFound       = errors.New("backend system not found")
	ErrQueuedMessageNotFound = errors.New("queued message not found")

	// Validation errors
	ErrInvalidTenant         = errors.New("invalid tenant id")
	ErrInvalidBusinessUnit   = errors.New("invalid business unit id")
	ErrInvalidCustomer       = errors.New("invalid customer id")
	ErrInvalidAccountRef     = errors.New("invalid account reference")
	ErrInvalidAmount         = errors.New("amount must be greater than zero")
	ErrInvalidCurrency       = errors.New("invalid currency code")
	ErrInvalidPaymentType    = errors.New("unsupported payment type")
	ErrInvalidQueuedMessage  = errors.New("queued message missing service or endpoint")
	ErrMissingIdempotencyKey = errors.New("missing idempotency key")

	// Authorization errors
	ErrMissingTenantContext = errors.New("tenant context missing from request")
	ErrTenantMismatch       = errors.New("resource belongs to a different tenant")

	// Conflict errors
	ErrDuplicatePayment     = errors.New("payment already exists for external reference")
	ErrDuplicateReservation = errors.New("a non-terminal reservation already exists for this payment")
	ErrDuplicateHold        = errors.New("an active hold already exists for this payment")
	ErrSagaLeaseHeld        = errors.New("saga lease held by another worker")
	ErrSagaTerminal         = errors.New("saga is in a terminal state")
	ErrCancelNotAllowed     = errors.New("payment is past the point of cancellation")
	ErrReservationNotActive = errors.New("reservation is not in RESERVED state")

	// Account errors
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrAccountClosed         = errors.New("account is closed")
	ErrOperationNotSupported = errors.New("operation not supported by backend")

	// Fraud errors
	ErrFraudRejected        = errors.New("payment rejected by fraud assessment")
	ErrVerificationRequired = errors.New("payment requires verification before it can proceed")

	// Routing errors
	ErrNoRouteFound = errors.New("no routing rule matched and no default clearing system configured")

	// Resiliency errors
	ErrBulkheadFull      = errors.New("bulkhead capacity exhausted")
	ErrCompensationStuck = errors.New("compensation could not complete inline")
)

// LimitExceededError reports which limit dimension rejected a reserve.
type LimitExceededError struct {
	Dimension string
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("limit exceeded: %s", e.Dimension)
}

// NewLimitExceeded builds a LimitExceededError for a dimension.
func NewLimitExceeded(dimension string) error {
	return &LimitExceededError{Dimension: dimension}
}

// IsLimitExceeded reports whether err is a limit rejection, returning the
// dimension when it is.
func IsLimitExceeded(err error) (string, bool) {
	var le *LimitExceededError
	if errors.As(err, &le) {
		return le.Dimension, true
	}
	return "", false
}

// ServiceUnavailableError reports a dependency short-circuited by an open
// breaker or an exhausted health budget.
type ServiceUnavailableError struct {
	Service string
	Cause   error
}

func (e *ServiceUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("service %s unavailable: %v", e.Service, e.Cause)
	}
	return fmt.Sprintf("service %s unavailable", e.Service)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Cause }

// NewServiceUnavailable wraps cause as a ServiceUnavailableError.
func NewServiceUnavailable(service string, cause error) error {
	return &ServiceUnavailableError{Service: service, Cause: cause}
}

// IsServiceUnavailable reports whether err carries an unavailable service.
func IsServiceUnavailable(err error) (string, bool) {
	var su *ServiceUnavailableError
	if errors.As(err, &su) {
		return su.Service, true
	}
	return "", false
}

// ClearingRejectedError carries the clearing system's rejection code.
type ClearingRejectedError struct {
	Code   string
	Detail string
}

func (e *ClearingRejectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("clearing rejected (%s): %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("clearing rejected (%s)", e.Code)
}

// NewClearingRejected builds a ClearingRejectedError.
func NewClearingRejected(code, detail string) error {
	return &ClearingRejectedError{Code: code, Detail: detail}
}

// IsClearingRejected reports whether err is a clearing rejection.
func IsClearingRejected(err error) (string, bool) {
	var cr *ClearingRejectedError
	if errors.As(err, &cr) {
		return cr.Code, true
	}
	return "", false
}

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrSagaNotFound) ||
		errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrHoldNotFound) ||
		errors.Is(err, ErrBackendNotFound) ||
		errors.Is(err, ErrQueuedMessageNotFound)
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidTenant) ||
		errors.Is(err, ErrInvalidBusinessUnit) ||
		errors.Is(err, ErrInvalidCustomer) ||
		errors.Is(err, ErrInvalidAccountRef) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCurrency) ||
		errors.Is(err, ErrInvalidPaymentType) ||
		errors.Is(err, ErrInvalidQueuedMessage) ||
		errors.Is(err, ErrMissingIdempotencyKey)
}

// IsAuthorizationError checks if the error is a tenant-isolation violation
func IsAuthorizationError(err error) bool {
	return errors.Is(err, ErrMissingTenantContext) ||
		errors.Is(err, ErrTenantMismatch)
}

// IsConflictError checks if the error is a conflict error
func IsConflictError(err error) bool {
	return errors.Is(err, ErrDuplicatePayment) ||
		errors.Is(err, ErrDuplicateReservation) ||
		errors.Is(err, ErrDuplicateHold) ||
		errors.Is(err, ErrSagaLeaseHeld) ||
		errors.Is(err, ErrSagaTerminal) ||
		errors.Is(err, ErrCancelNotAllowed) ||
		errors.Is(err, ErrReservationNotActive)
}

// IsRejectionError checks if the error denies the payment outright rather
// than signalling something retryable.
func IsRejectionError(err error) bool {
	if _, ok := IsLimitExceeded(err); ok {
		return true
	}
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAccountClosed) ||
		errors.Is(err, ErrFraudRejected) ||
		errors.Is(err, ErrVerificationRequired) ||
		IsValidationError(err) ||
		IsAuthorizationError(err)
}
