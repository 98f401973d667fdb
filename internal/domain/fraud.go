package domain

import "time"

// FraudOutcome is the decision derived from a fraud score.
type FraudOutcome string

const (
	FraudOutcomeApprove            FraudOutcome = "APPROVE"
	FraudOutcomeApproveWithMonitor FraudOutcome = "APPROVE_WITH_MONITORING"
	FraudOutcomeRequireVerify      FraudOutcome = "REQUIRE_VERIFICATION"
	FraudOutcomeReject             FraudOutcome = "REJECT"
)

// RiskBand buckets a normalized fraud score.
type RiskBand string

const (
	RiskBandLow      RiskBand = "LOW"
	RiskBandMedium   RiskBand = "MEDIUM"
	RiskBandHigh     RiskBand = "HIGH"
	RiskBandCritical RiskBand = "CRITICAL"
)

// BandForScore maps a normalized score in [0,1] to its risk band.
// LOW <= 0.3 < MEDIUM <= 0.6 < HIGH <= 0.8 < CRITICAL.
func BandForScore(score float64) RiskBand {
	switch {
	case score <= 0.3:
		return RiskBandLow
	case score <= 0.6:
		return RiskBandMedium
	case score <= 0.8:
		return RiskBandHigh
	default:
		return RiskBandCritical
	}
}

// OutcomeForBand maps a risk band to its orchestration outcome.
func OutcomeForBand(band RiskBand) FraudOutcome {
	switch band {
	case RiskBandLow:
		return FraudOutcomeApprove
	case RiskBandMedium:
		return FraudOutcomeApproveWithMonitor
	case RiskBandHigh:
		return FraudOutcomeRequireVerify
	default:
		return FraudOutcomeReject
	}
}

// FraudFallbackStrategy selects behavior when the external scorer is
// unavailable.
type FraudFallbackStrategy string

const (
	FraudFallbackOpen      FraudFallbackStrategy = "fail_open"
	FraudFallbackClosed    FraudFallbackStrategy = "fail_closed"
	FraudFallbackRuleBased FraudFallbackStrategy = "rule_based"
)

// FraudToggleConfig enables or disables scoring at a specificity level.
// Nil dimension pointers mean "any"; the most specific currently-effective
// active row wins, ties broken by priority. Default is enabled.
type FraudToggleConfig struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	PaymentType     *string    `json:"payment_type,omitempty"`
	LocalInstrument *string    `json:"local_instrument,omitempty"`
	ClearingSystem  *string    `json:"clearing_system,omitempty"`
	IsEnabled       bool       `json:"is_enabled"`
	Priority        int        `json:"priority"`
	EffectiveFrom   *time.Time `json:"effective_from,omitempty"`
	EffectiveTo     *time.Time `json:"effective_to,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

// Specificity counts the bound dimensions; higher wins resolution.
func (c *FraudToggleConfig) Specificity() int {
	n := 0
	if c.PaymentType != nil {
		n++
	}
	if c.LocalInstrument != nil {
		n++
	}
	if c.ClearingSystem != nil {
		n++
	}
	return n
}

// EffectiveAt reports whether the toggle row applies at t.
func (c *FraudToggleConfig) EffectiveAt(t time.Time) bool {
	if c.EffectiveFrom != nil && t.Before(*c.EffectiveFrom) {
		return false
	}
	if c.EffectiveTo != nil && !t.Before(*c.EffectiveTo) {
		return false
	}
	return true
}

// Matches reports whether the toggle row covers the given key tuple. A nil
// dimension matches anything.
func (c *FraudToggleConfig) Matches(paymentType, localInstrument, clearingSystem string) bool {
	if c.PaymentType != nil && *c.PaymentType != paymentType {
		return false
	}
	if c.LocalInstrument != nil && *c.LocalInstrument != localInstrument {
		return false
	}
	if c.ClearingSystem != nil && *c.ClearingSystem != clearingSystem {
		return false
	}
	return true
}

// FraudAssessment is the result of a fraud evaluation for one payment.
type FraudAssessment struct {
	PaymentID    string       `json:"payment_id"`
	Score        float64      `json:"score"`
	Band         RiskBand     `json:"band"`
	Outcome      FraudOutcome `json:"outcome"`
	Skipped      bool         `json:"skipped"`
	UsedFallback bool         `json:"used_fallback"`
	Provider     string       `json:"provider,omitempty"`
	AssessedAt   time.Time    `json:"assessed_at"`
}
