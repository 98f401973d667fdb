// Package routing selects a clearing system for a payment by evaluating
// the tenant's ordered rule set. Rules are tried in (priority ASC,
// rule_id ASC) order; within a rule, conditions are AND-composed in their
// declared order and the first fully-matching rule wins. Decisions are
// cached per evaluation context.
package routing

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
)

// Engine evaluates routing rules into clearing decisions.
type Engine struct {
	rules    repository.RoutingRepository
	cache    repository.RoutingCache
	cacheTTL time.Duration
	clk      clock.Clock
	log      *zap.Logger

	// compiled regex patterns, keyed by pattern source
	patterns sync.Map
}

// NewEngine creates a new routing Engine
func NewEngine(rules repository.RoutingRepository, cache repository.RoutingCache, cacheTTL time.Duration, clk clock.Clock) *Engine {
	return &Engine{
		rules:    rules,
		cache:    cache,
		cacheTTL: cacheTTL,
		clk:      clk,
		log:      logger.Get(),
	}
}

// Decide picks the clearing system for the context. No matching rule
// falls back to the tenant default with IsFallback set; no default either
// returns domain.ErrNoRouteFound.
func (e *Engine) Decide(ctx context.Context, rc *domain.RoutingContext) (*domain.RoutingDecision, error) {
	if cached, err := e.cache.Get(ctx, rc); err == nil && cached != nil {
		return cached, nil
	} else if err != nil {
		// Cache trouble never blocks routing
		e.log.Warn("Routing cache read failed", zap.Error(err))
	}

	decision, err := e.evaluate(ctx, rc)
	if err != nil {
		return nil, err
	}

	if err := e.cache.Put(ctx, rc, decision, e.cacheTTL); err != nil {
		e.log.Warn("Routing cache write failed", zap.Error(err))
	}

	return decision, nil
}

// InvalidateCache orphans every cached decision for the tenant. Called on
// any rule mutation.
func (e *Engine) InvalidateCache(ctx context.Context, tenantID string) error {
	return e.cache.Invalidate(ctx, tenantID)
}

func (e *Engine) evaluate(ctx context.Context, rc *domain.RoutingContext) (*domain.RoutingDecision, error) {
	rules, err := e.rules.ListActiveRules(ctx, rc.BusinessUnitID)
	if err != nil {
		return nil, err
	}

	now := e.clk.Now()
	for _, rule := range rules {
		if !rule.EffectiveAt(now) {
			continue
		}
		if e.matches(rule, rc) {
			return decisionFrom(rule, now), nil
		}
	}

	defaultSystem, err := e.rules.GetTenantDefault(ctx)
	if err != nil {
		return nil, err
	}
	if defaultSystem == "" {
		return nil, domain.ErrNoRouteFound
	}

	return &domain.RoutingDecision{
		ClearingSystem: defaultSystem,
		IsFallback:     true,
		DecidedAt:      now,
	}, nil
}

// matches evaluates the rule's conditions in declared order, AND-composed
func (e *Engine) matches(rule *domain.RoutingRule, rc *domain.RoutingContext) bool {
	conditions := make([]domain.RuleCondition, len(rule.Conditions))
	copy(conditions, rule.Conditions)
	for i := 1; i < len(conditions); i++ {
		for j := i; j > 0 && conditions[j].Order < conditions[j-1].Order; j-- {
			conditions[j], conditions[j-1] = conditions[j-1], conditions[j]
		}
	}

	for _, cond := range conditions {
		if !e.evalCondition(cond, rc) {
			return false
		}
	}
	return true
}

func (e *Engine) evalCondition(cond domain.RuleCondition, rc *domain.RoutingContext) bool {
	// amount compares numerically; every other field compares as text
	if cond.Field == domain.RoutingFieldAmount {
		return evalAmount(cond, rc)
	}

	actual, ok := fieldValue(cond.Field, rc)
	if !ok {
		return false
	}

	switch cond.Operator {
	case domain.OpEqual:
		return actual == cond.Value
	case domain.OpNotEqual:
		return actual != cond.Value
	case domain.OpLessThan:
		return actual < cond.Value
	case domain.OpLessOrEqual:
		return actual <= cond.Value
	case domain.OpGreaterThan:
		return actual > cond.Value
	case domain.OpGreaterEqual:
		return actual >= cond.Value
	case domain.OpIn:
		return inList(actual, cond.Value)
	case domain.OpNotIn:
		return !inList(actual, cond.Value)
	case domain.OpMatchesRegex:
		return e.matchRegex(cond.Value, actual)
	default:
		return false
	}
}

func evalAmount(cond domain.RuleCondition, rc *domain.RoutingContext) bool {
	threshold, err := decimal.NewFromString(cond.Value)
	if err != nil {
		return false
	}

	switch cond.Operator {
	case domain.OpEqual:
		return rc.Amount.Equal(threshold)
	case domain.OpNotEqual:
		return !rc.Amount.Equal(threshold)
	case domain.OpLessThan:
		return rc.Amount.LessThan(threshold)
	case domain.OpLessOrEqual:
		return rc.Amount.LessThanOrEqual(threshold)
	case domain.OpGreaterThan:
		return rc.Amount.GreaterThan(threshold)
	case domain.OpGreaterEqual:
		return rc.Amount.GreaterThanOrEqual(threshold)
	case domain.OpIn, domain.OpNotIn:
		found := false
		for _, raw := range strings.Split(cond.Value, ",") {
			candidate, err := decimal.NewFromString(strings.TrimSpace(raw))
			if err == nil && rc.Amount.Equal(candidate) {
				found = true
				break
			}
		}
		if cond.Operator == domain.OpIn {
			return found
		}
		return !found
	default:
		return false
	}
}

// fieldValue resolves a condition field against the context. Tenant flags
// address one flag as "tenant_flag:<name>".
func fieldValue(field string, rc *domain.RoutingContext) (string, bool) {
	switch field {
	case domain.RoutingFieldCurrency:
		return rc.Currency, true
	case domain.RoutingFieldPaymentType:
		return string(rc.PaymentType), true
	case domain.RoutingFieldLocalInstrument:
		return rc.LocalInstrument, true
	case domain.RoutingFieldUrgency:
		return rc.Urgency, true
	case domain.RoutingFieldDebitAccountType:
		return rc.DebitAccountType, true
	case domain.RoutingFieldCreditAccountType:
		return rc.CreditAccountType, true
	}
	if name, ok := strings.CutPrefix(field, domain.RoutingFieldTenantFlag+":"); ok {
		value, present := rc.TenantFlags[name]
		return value, present
	}
	return "", false
}

func inList(actual, list string) bool {
	for _, candidate := range strings.Split(list, ",") {
		if strings.TrimSpace(candidate) == actual {
			return true
		}
	}
	return false
}

// matchRegex compiles each pattern once. A pattern that does not compile
// can never match; the rule author finds out from the log, not the payer
// from a 500.
func (e *Engine) matchRegex(pattern, actual string) bool {
	if cached, ok := e.patterns.Load(pattern); ok {
		if re, valid := cached.(*regexp.Regexp); valid {
			return re.MatchString(actual)
		}
		return false
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		e.log.Warn("Invalid routing rule regex", zap.String("pattern", pattern), zap.Error(err))
		e.patterns.Store(pattern, err)
		return false
	}
	e.patterns.Store(pattern, re)
	return re.MatchString(actual)
}

// decisionFrom extracts the decision a matching rule selects. The primary
// action wins; absent one, the first action does.
func decisionFrom(rule *domain.RoutingRule, at time.Time) *domain.RoutingDecision {
	decision := &domain.RoutingDecision{
		Actions:   rule.Actions,
		RuleID:    rule.RuleID,
		DecidedAt: at,
	}

	for _, action := range rule.Actions {
		if action.IsPrimary {
			decision.ClearingSystem = action.ClearingSystem
			decision.RoutingPriority = action.RoutingPriority
			return decision
		}
	}
	if len(rule.Actions) > 0 {
		decision.ClearingSystem = rule.Actions[0].ClearingSystem
		decision.RoutingPriority = rule.Actions[0].RoutingPriority
	}
	return decision
}
