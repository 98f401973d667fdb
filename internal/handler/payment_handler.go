package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/dto"
	"github.com/kranthikarthan/payments-engine/internal/service"
	"github.com/kranthikarthan/payments-engine/pkg/response"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// PaymentHandler handles payment HTTP requests. Submission is acknowledged
// once the payment and its saga are durably recorded; orchestration runs
// asynchronously in the saga driver, so the ack carries status INITIATED.
type PaymentHandler struct {
	payments service.PaymentService
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(payments service.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
	}
}

// Submit handles POST /payments
// Resubmitting the same external_reference returns the original payment's
// ack instead of creating a second payment.
func (h *PaymentHandler) Submit(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.submit")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req dto.SubmitPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		response.BadRequest(c, err.Error())
		return
	}

	span.SetAttributes(
		attribute.String("customer_id", req.CustomerID),
		attribute.String("payment_type", req.PaymentType),
		attribute.String("currency", req.Currency),
	)

	ack, err := h.payments.SubmitPayment(ctx, &req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetAttributes(attribute.String("payment_id", ack.PaymentID))
	span.SetStatus(codes.Ok, "")
	response.Accepted(c, ack)
}

// Cancel handles POST /payments/:id/cancel
// A successful cancel means the unwind has started, not that funds are
// already back; poll status for the terminal outcome.
func (h *PaymentHandler) Cancel(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.cancel")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	paymentID := c.Param("id")
	if paymentID == "" {
		span.SetStatus(codes.Error, "payment id required")
		response.BadRequest(c, "payment id required")
		return
	}
	span.SetAttributes(attribute.String("payment_id", paymentID))

	result, err := h.payments.CancelPayment(ctx, paymentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Accepted(c, result)
}

// GetStatus handles GET /payments/:id
func (h *PaymentHandler) GetStatus(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.payment.status")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	paymentID := c.Param("id")
	if paymentID == "" {
		span.SetStatus(codes.Error, "payment id required")
		response.BadRequest(c, "payment id required")
		return
	}
	span.SetAttributes(attribute.String("payment_id", paymentID))

	status, err := h.payments.QueryStatus(ctx, paymentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetAttributes(attribute.String("status", status.Status))
	span.SetStatus(codes.Ok, "")
	response.Success(c, status)
}

// handleError maps domain errors to HTTP status codes
func (h *PaymentHandler) handleError(c *gin.Context, err error) {
	if _, ok := domain.IsLimitExceeded(err); ok {
		response.UnprocessableEntity(c, "LIMIT_EXCEEDED", err.Error())
		return
	}
	if svc, ok := domain.IsServiceUnavailable(err); ok {
		response.ServiceUnavailable(c, "DEPENDENCY_UNAVAILABLE", svc+" is unavailable, retry later")
		return
	}
	switch {
	case errors.Is(err, domain.ErrDuplicatePayment):
		response.Conflict(c, "DUPLICATE_PAYMENT", err.Error())
	case errors.Is(err, domain.ErrCancelNotAllowed):
		response.Conflict(c, "CANCEL_NOT_ALLOWED", err.Error())
	case errors.Is(err, domain.ErrSagaTerminal):
		response.Conflict(c, "PAYMENT_FINAL", err.Error())
	case errors.Is(err, domain.ErrSagaLeaseHeld):
		response.Conflict(c, "PAYMENT_BUSY", "payment is being processed, retry shortly")
	case domain.IsNotFoundError(err):
		response.NotFound(c, err.Error())
	case domain.IsAuthorizationError(err):
		response.Forbidden(c, err.Error())
	case domain.IsValidationError(err):
		response.BadRequest(c, err.Error())
	case domain.IsRejectionError(err):
		response.UnprocessableEntity(c, "PAYMENT_REJECTED", err.Error())
	default:
		response.InternalError(c, err)
	}
}
