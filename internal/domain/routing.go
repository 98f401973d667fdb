package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleStatus gates whether a routing rule participates in evaluation.
type RuleStatus string

const (
	RuleStatusActive   RuleStatus = "ACTIVE"
	RuleStatusInactive RuleStatus = "INACTIVE"
	RuleStatusDraft    RuleStatus = "DRAFT"
)

// Condition operators supported by the routing engine.
type ConditionOperator string

const (
	OpEqual        ConditionOperator = "eq"
	OpNotEqual     ConditionOperator = "ne"
	OpLessThan     ConditionOperator = "lt"
	OpLessOrEqual  ConditionOperator = "le"
	OpGreaterThan  ConditionOperator = "gt"
	OpGreaterEqual ConditionOperator = "ge"
	OpIn           ConditionOperator = "in"
	OpNotIn        ConditionOperator = "not_in"
	OpMatchesRegex ConditionOperator = "matches_regex"
)

// Routing context fields a condition may reference.
const (
	RoutingFieldAmount            = "amount"
	RoutingFieldCurrency          = "currency"
	RoutingFieldPaymentType       = "payment_type"
	RoutingFieldLocalInstrument   = "local_instrument"
	RoutingFieldUrgency           = "urgency"
	RoutingFieldDebitAccountType  = "debit_account_type"
	RoutingFieldCreditAccountType = "credit_account_type"
	RoutingFieldTenantFlag        = "tenant_flag"
)

// RuleCondition is one AND-composed predicate within a rule, evaluated in
// Order ascending.
type RuleCondition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    string            `json:"value"`
	Order    int               `json:"order"`
}

// RuleAction describes what a matching rule selects.
type RuleAction struct {
	Type            string `json:"type"`
	ClearingSystem  string `json:"clearing_system"`
	RoutingPriority int    `json:"routing_priority"`
	IsPrimary       bool   `json:"is_primary"`
}

// RoutingRule is a tenant-scoped clearing selection rule. Rules are
// evaluated in (priority ASC, rule_id ASC) order; the first rule whose
// conditions all hold wins.
type RoutingRule struct {
	RuleID         string          `json:"rule_id"`
	TenantID       string          `json:"tenant_id"`
	BusinessUnitID *string         `json:"business_unit_id,omitempty"`
	Priority       int             `json:"priority"`
	Conditions     []RuleCondition `json:"conditions"`
	Actions        []RuleAction    `json:"actions"`
	EffectiveFrom  *time.Time      `json:"effective_from,omitempty"`
	EffectiveTo    *time.Time      `json:"effective_to,omitempty"`
	Status         RuleStatus      `json:"status"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EffectiveAt reports whether the rule participates in evaluation at t.
func (r *RoutingRule) EffectiveAt(t time.Time) bool {
	if r.Status != RuleStatusActive {
		return false
	}
	if r.EffectiveFrom != nil && t.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !t.Before(*r.EffectiveTo) {
		return false
	}
	return true
}

// RoutingContext carries the payment attributes a rule set is evaluated
// against.
type RoutingContext struct {
	TenantID          string            `json:"tenant_id"`
	BusinessUnitID    string            `json:"business_unit_id"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	PaymentType       PaymentType       `json:"payment_type"`
	LocalInstrument   string            `json:"local_instrument,omitempty"`
	Urgency           string            `json:"urgency,omitempty"`
	DebitAccountType  string            `json:"debit_account_type,omitempty"`
	CreditAccountType string            `json:"credit_account_type,omitempty"`
	TenantFlags       map[string]string `json:"tenant_flags,omitempty"`
}

// RoutingDecision is the routing engine's output.
type RoutingDecision struct {
	ClearingSystem  string       `json:"clearing_system"`
	RoutingPriority int          `json:"routing_priority"`
	Actions         []RuleAction `json:"actions,omitempty"`
	RuleID          string       `json:"rule_id,omitempty"`
	IsFallback      bool         `json:"is_fallback"`
	DecidedAt       time.Time    `json:"decided_at"`
}
