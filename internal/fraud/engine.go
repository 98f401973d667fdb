// Package fraud decides whether a payment may proceed, and under what
// scrutiny. Scoring is controlled by per-tenant toggle rows resolved by
// specificity, the external scorer is called through the resiliency chain,
// and a scorer outage degrades to the tenant's configured fallback
// strategy instead of blocking payments.
package fraud

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/metrics"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/internal/resilience"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// Config holds fraud engine settings
type Config struct {
	// ServiceName keys the breaker and bulkhead guarding the scorer.
	ServiceName string

	// CallTimeout bounds one scoring call including retries.
	CallTimeout time.Duration

	// DefaultFallback applies when the tenant has no override.
	DefaultFallback domain.FraudFallbackStrategy

	// VelocityCeiling is the daily payment count the rule-based fallback
	// treats as an elevated-risk signal. Zero disables the signal.
	VelocityCeiling int64

	// AmountCeiling is the single-payment amount the rule-based fallback
	// treats as an elevated-risk signal. Zero disables the signal.
	AmountCeiling decimal.Decimal
}

// DefaultConfig returns the default fraud engine configuration
func DefaultConfig() *Config {
	return &Config{
		ServiceName:     "fraud-scorer",
		CallTimeout:     3 * time.Second,
		DefaultFallback: domain.FraudFallbackRuleBased,
		VelocityCeiling: 20,
		AmountCeiling:   decimal.NewFromInt(50000),
	}
}

// Engine evaluates payments. Safe for concurrent use.
type Engine struct {
	repo     repository.FraudRepository
	limits   repository.LimitRepository
	provider ScoreProvider
	caller   *resilience.Caller
	config   *Config
	clk      clock.Clock
	log      *zap.Logger
}

// NewEngine creates a new fraud Engine
func NewEngine(repo repository.FraudRepository, limits repository.LimitRepository, provider ScoreProvider, caller *resilience.Caller, config *Config, clk clock.Clock) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		repo:     repo,
		limits:   limits,
		provider: provider,
		caller:   caller,
		config:   config,
		clk:      clk,
		log:      logger.Get(),
	}
}

// Assess evaluates one payment and returns the decision. clearingSystem is
// the candidate rail when known; fraud runs before routing, so toggle rows
// bound to a clearing system only apply once one is decided.
func (e *Engine) Assess(ctx context.Context, payment *domain.Payment, clearingSystem string) (*domain.FraudAssessment, error) {
	ctx, span := telemetry.StartSpan(ctx, "fraud.assess")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("tenant_id", tc.TenantID),
		attribute.String("payment_id", payment.PaymentID),
	)

	now := e.clk.Now()

	enabled, toggle, err := e.resolveToggle(ctx, payment, clearingSystem, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if !enabled {
		assessment := &domain.FraudAssessment{
			PaymentID:  payment.PaymentID,
			Outcome:    domain.FraudOutcomeApprove,
			Skipped:    true,
			AssessedAt: now,
		}
		e.log.Info("fraud scoring disabled by toggle",
			zap.String("payment_id", payment.PaymentID),
			zap.String("toggle_id", toggle.ID),
			zap.String("reason", toggle.Reason),
		)
		metrics.RecordFraudOutcome(ctx, tc.TenantID, string(assessment.Outcome), false)
		span.SetAttributes(attribute.Bool("skipped", true))
		span.SetStatus(codes.Ok, "")
		return assessment, nil
	}

	result, err := e.score(ctx, tc, payment)
	if err != nil {
		assessment, ferr := e.fallback(ctx, tc, payment, now, err)
		if ferr != nil {
			span.RecordError(ferr)
			span.SetStatus(codes.Error, ferr.Error())
			return nil, ferr
		}
		metrics.RecordFraudOutcome(ctx, tc.TenantID, string(assessment.Outcome), true)
		span.SetAttributes(
			attribute.Bool("used_fallback", true),
			attribute.String("outcome", string(assessment.Outcome)),
		)
		span.SetStatus(codes.Ok, "")
		return assessment, nil
	}

	band := domain.BandForScore(result.Score)
	assessment := &domain.FraudAssessment{
		PaymentID:  payment.PaymentID,
		Score:      result.Score,
		Band:       band,
		Outcome:    domain.OutcomeForBand(band),
		Provider:   result.Provider,
		AssessedAt: now,
	}

	metrics.RecordFraudOutcome(ctx, tc.TenantID, string(assessment.Outcome), false)
	span.SetAttributes(
		attribute.Float64("score", result.Score),
		attribute.String("band", string(band)),
		attribute.String("outcome", string(assessment.Outcome)),
	)
	span.SetStatus(codes.Ok, "")
	return assessment, nil
}

// resolveToggle picks the winning toggle row. Most specific wins, ties go
// to the lower priority number; with equal priority the row listed first
// by the repository stands. No matching row means scoring is enabled.
func (e *Engine) resolveToggle(ctx context.Context, payment *domain.Payment, clearingSystem string, now time.Time) (bool, *domain.FraudToggleConfig, error) {
	configs, err := e.repo.ListToggleConfigs(ctx)
	if err != nil {
		return false, nil, err
	}

	var winner *domain.FraudToggleConfig
	for _, cfg := range configs {
		if !cfg.EffectiveAt(now) {
			continue
		}
		if !cfg.Matches(string(payment.PaymentType), payment.LocalInstrument, clearingSystem) {
			continue
		}
		if winner == nil || moreSpecific(cfg, winner) {
			winner = cfg
		}
	}

	if winner == nil {
		return true, nil, nil
	}
	return winner.IsEnabled, winner, nil
}

func moreSpecific(candidate, incumbent *domain.FraudToggleConfig) bool {
	if candidate.Specificity() != incumbent.Specificity() {
		return candidate.Specificity() > incumbent.Specificity()
	}
	return candidate.Priority < incumbent.Priority
}

// score calls the external provider through the guard chain.
func (e *Engine) score(ctx context.Context, tc tenant.Context, payment *domain.Payment) (*ScoreResult, error) {
	req := &ScoreRequest{
		PaymentID:        payment.PaymentID,
		TenantID:         tc.TenantID,
		BusinessUnitID:   payment.BusinessUnitID,
		CustomerID:       payment.CustomerID,
		DebitAccountRef:  payment.DebitAccountRef,
		CreditAccountRef: payment.CreditAccountRef,
		Amount:           payment.Amount,
		Currency:         payment.Currency,
		PaymentType:      string(payment.PaymentType),
		LocalInstrument:  payment.LocalInstrument,
		Metadata:         payment.Metadata,
	}

	policy := &resilience.CallPolicy{Timeout: e.config.CallTimeout}

	var result *ScoreResult
	err := e.caller.Call(ctx, e.config.ServiceName, tc.TenantID, policy, func(ctx context.Context) error {
		r, err := e.provider.Score(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// fallback applies the tenant's scorer-outage strategy.
func (e *Engine) fallback(ctx context.Context, tc tenant.Context, payment *domain.Payment, now time.Time, callErr error) (*domain.FraudAssessment, error) {
	strategy, err := e.repo.GetFallbackStrategy(ctx)
	if err != nil {
		e.log.Warn("failed to load tenant fraud fallback, using default",
			zap.String("tenant_id", tc.TenantID),
			zap.Error(err),
		)
		strategy = ""
	}
	if strategy == "" {
		strategy = e.config.DefaultFallback
	}

	e.log.Warn("fraud scorer unavailable, applying fallback",
		zap.String("payment_id", payment.PaymentID),
		zap.String("strategy", string(strategy)),
		zap.Error(callErr),
	)

	switch strategy {
	case domain.FraudFallbackOpen:
		return &domain.FraudAssessment{
			PaymentID:    payment.PaymentID,
			Band:         domain.RiskBandMedium,
			Outcome:      domain.FraudOutcomeApproveWithMonitor,
			UsedFallback: true,
			AssessedAt:   now,
		}, nil
	case domain.FraudFallbackClosed:
		return &domain.FraudAssessment{
			PaymentID:    payment.PaymentID,
			Band:         domain.RiskBandCritical,
			Outcome:      domain.FraudOutcomeReject,
			UsedFallback: true,
			AssessedAt:   now,
		}, nil
	default:
		return e.ruleBased(ctx, payment, now), nil
	}
}

// ruleBased computes a local score from three signals and runs it through
// the same bands as provider scores. Each signal contributes 0.35, so one
// signal lands in MEDIUM, two in HIGH and all three in CRITICAL.
func (e *Engine) ruleBased(ctx context.Context, payment *domain.Payment, now time.Time) *domain.FraudAssessment {
	score := 0.0

	bucket := domain.CountBucket(now)
	counters, err := e.limits.GetCounters(ctx, payment.CustomerID, []string{bucket})
	if err != nil {
		e.log.Warn("velocity lookup failed during rule-based fallback",
			zap.String("payment_id", payment.PaymentID),
			zap.Error(err),
		)
	} else if c := counters[bucket]; c != nil && e.config.VelocityCeiling > 0 && c.UsedCount >= e.config.VelocityCeiling {
		score += 0.35
	}

	if e.config.AmountCeiling.IsPositive() && payment.Amount.GreaterThan(e.config.AmountCeiling) {
		score += 0.35
	}

	if payment.Metadata["geo_risk"] == "high" {
		score += 0.35
	}

	if score > 1 {
		score = 1
	}

	band := domain.BandForScore(score)
	return &domain.FraudAssessment{
		PaymentID:    payment.PaymentID,
		Score:        score,
		Band:         band,
		Outcome:      domain.OutcomeForBand(band),
		UsedFallback: true,
		Provider:     "rule_based",
		AssessedAt:   now,
	}
}
