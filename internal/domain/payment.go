package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus tracks a payment through the orchestration state machine.
type PaymentStatus string

const (
	PaymentStatusInitiated         PaymentStatus = "INITIATED"
	PaymentStatusFraudEval         PaymentStatus = "FRAUD_EVAL"
	PaymentStatusLimitReserving    PaymentStatus = "LIMIT_RESERVING"
	PaymentStatusLimitReserved     PaymentStatus = "LIMIT_RESERVED"
	PaymentStatusFundsHolding      PaymentStatus = "FUNDS_HOLDING"
	PaymentStatusFundsHeld         PaymentStatus = "FUNDS_HELD"
	PaymentStatusRouting           PaymentStatus = "ROUTING"
	PaymentStatusRouted            PaymentStatus = "ROUTED"
	PaymentStatusClearingSubmitted PaymentStatus = "CLEARING_SUBMITTED"
	PaymentStatusAwaitingClearing  PaymentStatus = "AWAITING_CLEARING"
	PaymentStatusPosting           PaymentStatus = "POSTING"
	PaymentStatusCompleted         PaymentStatus = "COMPLETED"
	PaymentStatusCompensating      PaymentStatus = "COMPENSATING"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusTimedOut          PaymentStatus = "TIMED_OUT"
	PaymentStatusRejected          PaymentStatus = "REJECTED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusTimedOut, PaymentStatusRejected:
		return true
	}
	return false
}

// PaymentType identifies the payment rail requested by the initiator.
type PaymentType string

const (
	PaymentTypeEFT        PaymentType = "EFT"
	PaymentTypeRTC        PaymentType = "RTC"
	PaymentTypeRTGS       PaymentType = "RTGS"
	PaymentTypeDebitOrder PaymentType = "DEBIT_ORDER"
	PaymentTypeCard       PaymentType = "CARD"
	PaymentTypeWallet     PaymentType = "WALLET"
)

// ValidPaymentType reports whether t is one of the supported rails.
func ValidPaymentType(t PaymentType) bool {
	switch t {
	case PaymentTypeEFT, PaymentTypeRTC, PaymentTypeRTGS, PaymentTypeDebitOrder, PaymentTypeCard, PaymentTypeWallet:
		return true
	}
	return false
}

// Payment is the business intent being orchestrated. It is created once by
// the initiation path and afterwards mutated only by the saga driver via
// state transitions; terminal payments are immutable.
type Payment struct {
	PaymentID         string            `json:"payment_id"`
	TenantID          string            `json:"tenant_id"`
	BusinessUnitID    string            `json:"business_unit_id"`
	CustomerID        string            `json:"customer_id"`
	DebitAccountRef   string            `json:"debit_account_ref"`
	CreditAccountRef  string            `json:"credit_account_ref"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	PaymentType       PaymentType       `json:"payment_type"`
	LocalInstrument   string            `json:"local_instrument,omitempty"`
	ExternalReference string            `json:"external_reference,omitempty"`
	Urgency           string            `json:"urgency,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Status            PaymentStatus     `json:"status"`
	StatusReason      string            `json:"status_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Validate checks the invariants an initiation request must satisfy before
// any saga is created.
func (p *Payment) Validate() error {
	if p.TenantID == "" {
		return ErrInvalidTenant
	}
	if p.BusinessUnitID == "" {
		return ErrInvalidBusinessUnit
	}
	if p.CustomerID == "" {
		return ErrInvalidCustomer
	}
	if p.DebitAccountRef == "" || p.CreditAccountRef == "" {
		return ErrInvalidAccountRef
	}
	if !p.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if len(p.Currency) != 3 {
		return ErrInvalidCurrency
	}
	if !ValidPaymentType(p.PaymentType) {
		return ErrInvalidPaymentType
	}
	return nil
}
