package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountOperation names one of the uniform account-adapter operations.
type AccountOperation string

const (
	OpGetAccount  AccountOperation = "get_account"
	OpPlaceHold   AccountOperation = "place_hold"
	OpCaptureHold AccountOperation = "capture_hold"
	OpReleaseHold AccountOperation = "release_hold"
	OpCredit      AccountOperation = "credit"
	OpDebit       AccountOperation = "debit"
)

// FundAffecting reports whether the operation moves or encumbers money.
// Fund-affecting operations are never served from cache.
func (op AccountOperation) FundAffecting() bool {
	return op != OpGetAccount
}

// BackendSystem describes one external core-banking system and the policy
// the resiliency kernel applies to it.
type BackendSystem struct {
	SystemID     string             `json:"system_id"`
	Name         string             `json:"name"`
	BaseURL      string             `json:"base_url"`
	Capabilities []AccountOperation `json:"capabilities"`
	Timeout      time.Duration      `json:"timeout"`

	// Breaker policy applied per (backend, tenant).
	FailureThreshold  float64       `json:"failure_threshold"`
	SlowCallThreshold float64       `json:"slow_call_threshold"`
	SlowCallDuration  time.Duration `json:"slow_call_duration"`
	WindowSize        int           `json:"window_size"`
	WaitDuration      time.Duration `json:"wait_duration"`

	Active bool `json:"active"`
}

// Supports reports whether the backend implements op.
func (b *BackendSystem) Supports(op AccountOperation) bool {
	for _, c := range b.Capabilities {
		if c == op {
			return true
		}
	}
	return false
}

// AccountStatusCode is the abstract result of a backend account operation.
// Transport-level codes are an encoding detail of the client.
type AccountStatusCode string

const (
	AccountStatusOK                AccountStatusCode = "OK"
	AccountStatusNotSupported      AccountStatusCode = "NOT_SUPPORTED"
	AccountStatusInsufficientFunds AccountStatusCode = "INSUFFICIENT_FUNDS"
	AccountStatusAccountClosed     AccountStatusCode = "ACCOUNT_CLOSED"
	AccountStatusAccountNotFound   AccountStatusCode = "ACCOUNT_NOT_FOUND"
	AccountStatusHoldNotFound      AccountStatusCode = "HOLD_NOT_FOUND"
	AccountStatusBackendError      AccountStatusCode = "BACKEND_ERROR"
)

// AccountRequest is the uniform shape sent to any backend.
type AccountRequest struct {
	Op             AccountOperation `json:"op"`
	AccountRef     string           `json:"account_ref"`
	Amount         decimal.Decimal  `json:"amount,omitempty"`
	Currency       string           `json:"currency,omitempty"`
	HoldRef        string           `json:"hold_ref,omitempty"`
	IdempotencyKey string           `json:"idempotency_key"`
	Reason         string           `json:"reason,omitempty"`
	PaymentID      string           `json:"payment_id"`
}

// AccountResponse is the uniform backend reply. Account is populated on
// get_account responses.
type AccountResponse struct {
	Status  AccountStatusCode `json:"status"`
	HoldRef string            `json:"hold_ref,omitempty"`
	Balance *decimal.Decimal  `json:"balance,omitempty"`
	Account *AccountSnapshot  `json:"account,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// AccountSnapshot is a cached copy of backend account state, used only as
// a read fallback within its staleness budget.
type AccountSnapshot struct {
	AccountRef  string          `json:"account_ref"`
	TenantID    string          `json:"tenant_id"`
	AccountType string          `json:"account_type"`
	Status      string          `json:"status"`
	Balance     decimal.Decimal `json:"balance"`
	Currency    string          `json:"currency"`
	FetchedAt   time.Time       `json:"fetched_at"`
}

// Stale reports whether the snapshot is older than the budget at t.
func (s *AccountSnapshot) Stale(t time.Time, budget time.Duration) bool {
	return t.Sub(s.FetchedAt) > budget
}
