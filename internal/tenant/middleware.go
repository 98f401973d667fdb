package tenant

import (
	"github.com/gin-gonic/gin"

	"github.com/kranthikarthan/payments-engine/pkg/response"
)

const (
	// HeaderTenantID carries the tenant identity on inbound requests.
	// Authentication happens upstream; by the time a request reaches this
	// service the headers are trusted.
	HeaderTenantID = "X-Tenant-ID"
	// HeaderBusinessUnitID optionally narrows the tenant scope
	HeaderBusinessUnitID = "X-Business-Unit-ID"
)

// Middleware extracts tenant identity from request headers and attaches it
// to the request context. Requests without a tenant are rejected before any
// handler runs.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(HeaderTenantID)
		if tenantID == "" {
			response.Unauthorized(c, "X-Tenant-ID header is required")
			c.Abort()
			return
		}

		tc := Context{
			TenantID:       tenantID,
			BusinessUnitID: c.GetHeader(HeaderBusinessUnitID),
		}

		// Visible to telemetry middleware and handlers
		c.Set("tenant_id", tc.TenantID)
		if tc.BusinessUnitID != "" {
			c.Set("business_unit_id", tc.BusinessUnitID)
		}

		c.Request = c.Request.WithContext(With(c.Request.Context(), tc))
		c.Next()
	}
}
