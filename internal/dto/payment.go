// Package dto holds the HTTP request and response shapes. Amounts travel
// as JSON strings via decimal.Decimal so no precision is lost in transit.
package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kranthikarthan/payments-engine/internal/domain"
)

// SubmitPaymentRequest initiates a payment.
type SubmitPaymentRequest struct {
	BusinessUnitID    string            `json:"business_unit_id,omitempty"`
	CustomerID        string            `json:"customer_id" binding:"required"`
	DebitAccountRef   string            `json:"debit_account_ref" binding:"required"`
	CreditAccountRef  string            `json:"credit_account_ref" binding:"required"`
	Amount            decimal.Decimal   `json:"amount" binding:"required"`
	Currency          string            `json:"currency" binding:"required"`
	PaymentType       string            `json:"payment_type" binding:"required"`
	LocalInstrument   string            `json:"local_instrument,omitempty"`
	ExternalReference string            `json:"external_reference,omitempty"`
	Urgency           string            `json:"urgency,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// SubmitPaymentResponse acknowledges an accepted payment. Replays of the
// same external reference return the original payment.
type SubmitPaymentResponse struct {
	PaymentID string    `json:"payment_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// CancelPaymentResponse reports the cancellation outcome.
type CancelPaymentResponse struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// PaymentStatusResponse is the status view of one payment.
type PaymentStatusResponse struct {
	PaymentID         string          `json:"payment_id"`
	Status            string          `json:"status"`
	StatusReason      string          `json:"status_reason,omitempty"`
	PaymentType       string          `json:"payment_type"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ExternalReference string          `json:"external_reference,omitempty"`
	LastEventSeq      int64           `json:"last_event_seq"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// StatusFromDomain builds the status view from the payment and its saga.
func StatusFromDomain(p *domain.Payment, lastEventSeq int64) *PaymentStatusResponse {
	return &PaymentStatusResponse{
		PaymentID:         p.PaymentID,
		Status:            string(p.Status),
		StatusReason:      p.StatusReason,
		PaymentType:       string(p.PaymentType),
		Amount:            p.Amount,
		Currency:          p.Currency,
		ExternalReference: p.ExternalReference,
		LastEventSeq:      lastEventSeq,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}
