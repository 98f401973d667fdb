// Package service exposes the inbound operations of the payments
// platform. Handlers stay thin; validation, idempotency and orchestration
// hand-off live here.
package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/dto"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/internal/saga"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// PaymentService defines the inbound payment operations
type PaymentService interface {
	// SubmitPayment validates and accepts a payment for orchestration.
	// Submitting the same (tenant, external_reference) twice returns the
	// original payment without a second saga.
	SubmitPayment(ctx context.Context, req *dto.SubmitPaymentRequest) (*dto.SubmitPaymentResponse, error)

	// CancelPayment requests cancellation of an in-flight payment
	CancelPayment(ctx context.Context, paymentID string) (*dto.CancelPaymentResponse, error)

	// QueryStatus returns the payment's current status and event position
	QueryStatus(ctx context.Context, paymentID string) (*dto.PaymentStatusResponse, error)
}

// paymentService implements PaymentService
type paymentService struct {
	payments repository.PaymentRepository
	sagas    repository.SagaRepository
	engine   *saga.Engine
	clk      clock.Clock
	owner    string
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	payments repository.PaymentRepository,
	sagas repository.SagaRepository,
	engine *saga.Engine,
	clk clock.Clock,
) PaymentService {
	return &paymentService{
		payments: payments,
		sagas:    sagas,
		engine:   engine,
		clk:      clk,
		owner:    "api-" + uuid.NewString(),
	}
}

// SubmitPayment validates and accepts a payment for orchestration
func (s *paymentService) SubmitPayment(ctx context.Context, req *dto.SubmitPaymentRequest) (*dto.SubmitPaymentResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.payment.submit")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if req == nil {
		span.SetStatus(codes.Error, "empty request")
		return nil, domain.ErrInvalidAmount
	}

	businessUnit := tc.BusinessUnitID
	if req.BusinessUnitID != "" {
		businessUnit = req.BusinessUnitID
	}

	now := s.clk.Now()
	payment := &domain.Payment{
		PaymentID:         clock.NewPaymentID(),
		TenantID:          tc.TenantID,
		BusinessUnitID:    businessUnit,
		CustomerID:        req.CustomerID,
		DebitAccountRef:   req.DebitAccountRef,
		CreditAccountRef:  req.CreditAccountRef,
		Amount:            req.Amount,
		Currency:          req.Currency,
		PaymentType:       domain.PaymentType(req.PaymentType),
		LocalInstrument:   req.LocalInstrument,
		ExternalReference: req.ExternalReference,
		Urgency:           req.Urgency,
		Metadata:          req.Metadata,
		Status:            domain.PaymentStatusInitiated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := payment.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("tenant_id", tc.TenantID),
		attribute.String("payment_type", req.PaymentType),
	)

	if req.ExternalReference != "" {
		existing, err := s.payments.GetByExternalReference(ctx, req.ExternalReference)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return submitAck(existing), nil
		}
		if !errors.Is(err, domain.ErrPaymentNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	if _, err := s.engine.Begin(ctx, payment); err != nil {
		// A concurrent submit with the same reference can win the race
		// between our lookup and the insert; surface its payment.
		if errors.Is(err, domain.ErrDuplicatePayment) && req.ExternalReference != "" {
			existing, lookupErr := s.payments.GetByExternalReference(ctx, req.ExternalReference)
			if lookupErr == nil {
				span.SetStatus(codes.Ok, "")
				return submitAck(existing), nil
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("payment_id", payment.PaymentID))
	span.SetStatus(codes.Ok, "")
	return submitAck(payment), nil
}

func submitAck(p *domain.Payment) *dto.SubmitPaymentResponse {
	return &dto.SubmitPaymentResponse{
		PaymentID: p.PaymentID,
		Status:    string(p.Status),
		CreatedAt: p.CreatedAt,
	}
}

// CancelPayment requests cancellation of an in-flight payment
func (s *paymentService) CancelPayment(ctx context.Context, paymentID string) (*dto.CancelPaymentResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.payment.cancel")
	defer span.End()

	span.SetAttributes(attribute.String("payment_id", paymentID))

	if err := s.engine.RequestCancel(ctx, s.owner, paymentID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return &dto.CancelPaymentResponse{
		PaymentID: paymentID,
		Status:    string(domain.PaymentStatusCompensating),
		Message:   "cancellation accepted, payment is unwinding",
	}, nil
}

// QueryStatus returns the payment's current status and event position
func (s *paymentService) QueryStatus(ctx context.Context, paymentID string) (*dto.PaymentStatusResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.payment.query_status")
	defer span.End()

	span.SetAttributes(attribute.String("payment_id", paymentID))

	payment, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	instance, err := s.sagas.GetByID(ctx, paymentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return dto.StatusFromDomain(payment, instance.LastEventSeq), nil
}
