package handler

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kranthikarthan/payments-engine/internal/routing"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/response"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// AdminHandler handles operational HTTP requests
type AdminHandler struct {
	router *routing.Engine
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(router *routing.Engine) *AdminHandler {
	return &AdminHandler{
		router: router,
	}
}

// InvalidateCacheResponse represents the response for a cache invalidation
type InvalidateCacheResponse struct {
	TenantID string `json:"tenant_id"`
	Message  string `json:"message"`
}

// InvalidateRoutingCache handles POST /admin/routing-cache/invalidate
// Routing rules are cached per tenant; call this after changing a tenant's
// rules so the next decision reloads them instead of waiting out the TTL.
func (h *AdminHandler) InvalidateRoutingCache(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.admin.invalidate_routing_cache")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	tenantID := tenant.IDFrom(ctx)
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	if err := h.router.InvalidateCache(ctx, tenantID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		response.InternalError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	response.Success(c, InvalidateCacheResponse{
		TenantID: tenantID,
		Message:  "routing rule cache invalidated",
	})
}
