// Package tenant carries tenant identity through context.Context so every
// repository and engine can scope its work without threading explicit
// parameters through each call chain.
package tenant

import (
	"context"

	"github.com/kranthikarthan/payments-engine/internal/domain"
)

// Context identifies the tenant (and optionally the business unit) an
// operation runs on behalf of.
type Context struct {
	TenantID       string
	BusinessUnitID string
}

type contextKey struct{}

// With returns a context carrying the tenant identity
func With(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// From extracts the tenant identity. A missing or empty tenant is an
// authorization failure, never a silent unscoped query.
func From(ctx context.Context) (Context, error) {
	tc, ok := ctx.Value(contextKey{}).(Context)
	if !ok || tc.TenantID == "" {
		return Context{}, domain.ErrMissingTenantContext
	}
	return tc, nil
}

// IDFrom returns just the tenant id, or "" when absent. Intended for log
// and span attribution where failing is not useful.
func IDFrom(ctx context.Context) string {
	tc, ok := ctx.Value(contextKey{}).(Context)
	if !ok {
		return ""
	}
	return tc.TenantID
}
