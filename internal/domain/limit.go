package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReservationStatus is the lifecycle of a limit reservation.
type ReservationStatus string

const (
	ReservationStatusReserved ReservationStatus = "RESERVED"
	ReservationStatusConsumed ReservationStatus = "CONSUMED"
	ReservationStatusReleased ReservationStatus = "RELEASED"
	ReservationStatusExpired  ReservationStatus = "EXPIRED"
)

// IsTerminal reports whether the reservation can no longer change.
func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationStatusConsumed || s == ReservationStatusReleased || s == ReservationStatusExpired
}

// LimitReservation is a time-boxed claim against a customer's limit
// capacity. At most one non-terminal reservation exists per payment.
type LimitReservation struct {
	ReservationID  string            `json:"reservation_id"`
	TenantID       string            `json:"tenant_id"`
	BusinessUnitID string            `json:"business_unit_id"`
	CustomerID     string            `json:"customer_id"`
	PaymentID      string            `json:"payment_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	PaymentType    PaymentType       `json:"payment_type"`
	Status         ReservationStatus `json:"status"`
	ReleaseReason  string            `json:"release_reason,omitempty"`
	ReservedAt     time.Time         `json:"reserved_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// IsExpired reports whether the reservation TTL has lapsed at t. A
// reservation whose expiry equals t is already expired.
func (r *LimitReservation) IsExpired(t time.Time) bool {
	return !r.ExpiresAt.After(t)
}

// Limit dimensions, reported on LimitExceededError and in check results.
const (
	LimitDimensionDaily          = "daily"
	LimitDimensionMonthly        = "monthly"
	LimitDimensionPerType        = "per_type"
	LimitDimensionPerTransaction = "per_transaction"
	LimitDimensionDailyCount     = "daily_count"
)

// Bucket key builders. A bucket is addressed purely by its time key; a new
// day or month produces a fresh bucket on first access and closed buckets
// are never mutated.

// DailyBucket returns the daily amount bucket key for t.
func DailyBucket(t time.Time) string {
	return "daily:" + t.UTC().Format("2006-01-02")
}

// MonthlyBucket returns the monthly amount bucket key for t.
func MonthlyBucket(t time.Time) string {
	return "monthly:" + t.UTC().Format("2006-01")
}

// TypeBucket returns the per-payment-type daily bucket key for t.
func TypeBucket(t time.Time, pt PaymentType) string {
	return fmt.Sprintf("type:%s:%s", t.UTC().Format("2006-01-02"), pt)
}

// CountBucket returns the daily transaction-count bucket key for t.
func CountBucket(t time.Time) string {
	return "count_day:" + t.UTC().Format("2006-01-02")
}

// LimitCounter is one usage bucket for a customer. Natural key is
// (tenant_id, customer_id, bucket).
type LimitCounter struct {
	TenantID   string          `json:"tenant_id"`
	CustomerID string          `json:"customer_id"`
	Bucket     string          `json:"bucket"`
	UsedAmount decimal.Decimal `json:"used_amount"`
	UsedCount  int64           `json:"used_count"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// LimitPolicy is the configured ceiling set for a customer within a tenant.
// Zero values mean "dimension not enforced".
type LimitPolicy struct {
	TenantID          string                          `json:"tenant_id"`
	CustomerID        string                          `json:"customer_id,omitempty"`
	DailyLimit        decimal.Decimal                 `json:"daily_limit"`
	MonthlyLimit      decimal.Decimal                 `json:"monthly_limit"`
	PerTransactionMax decimal.Decimal                 `json:"per_transaction_max"`
	PerTypeDaily      map[PaymentType]decimal.Decimal `json:"per_type_daily,omitempty"`
	DailyCountMax     int64                           `json:"daily_count_max"`
}

// TypeDailyLimit returns the per-type daily ceiling for pt, or zero when the
// type is unconstrained.
func (p *LimitPolicy) TypeDailyLimit(pt PaymentType) decimal.Decimal {
	if p.PerTypeDaily == nil {
		return decimal.Zero
	}
	return p.PerTypeDaily[pt]
}

// LimitAvailability is the pure-read result of a limit check.
type LimitAvailability struct {
	Sufficient       bool            `json:"sufficient"`
	DailyAvailable   decimal.Decimal `json:"daily_available"`
	MonthlyAvailable decimal.Decimal `json:"monthly_available"`
	PerTypeAvailable decimal.Decimal `json:"per_type_available"`
	CountRemaining   int64           `json:"count_remaining"`
	ExceededIn       string          `json:"exceeded_in,omitempty"`
}
