package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// HoldStatus is the lifecycle of a backend funds hold.
type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "ACTIVE"
	HoldStatusCaptured HoldStatus = "CAPTURED"
	HoldStatusReleased HoldStatus = "RELEASED"
	HoldStatusExpired  HoldStatus = "EXPIRED"
)

// FundsHold tracks a backend-issued hold against available funds. The
// hold_ref is opaque and owned by the backend; this row is the core's
// record of it. At most one ACTIVE hold exists per payment per account.
type FundsHold struct {
	HoldRef        string          `json:"hold_ref"`
	TenantID       string          `json:"tenant_id"`
	BusinessUnitID string          `json:"business_unit_id"`
	PaymentID      string          `json:"payment_id"`
	AccountRef     string          `json:"account_ref"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         HoldStatus      `json:"status"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
