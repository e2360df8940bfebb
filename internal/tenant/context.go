package tenant

import (
	"context"

	"github.com/crewlyhq/crewly-billing/internal/logging"
)

type contextKey string

const tenantKey contextKey = "tenant"

// FromContext returns the tenant carried by ctx, if any.
func FromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(tenantKey).(*Tenant)
	return t, ok
}

// IDFromContext returns the tenant ID carried by ctx, or "".
func IDFromContext(ctx context.Context) string {
	if t, ok := FromContext(ctx); ok {
		return t.ID
	}
	return ""
}

// Runner establishes per-tenant execution contexts. The renewal engine and
// webhook reconciler wrap every unit of work in RunWithContext so nothing
// touches billing state without an explicit tenant scope.
type Runner struct {
	store Store
}

// NewRunner creates a tenant context runner.
func NewRunner(store Store) *Runner {
	return &Runner{store: store}
}

// RunWithContext resolves the tenant, binds it (and its ID, for log
// enrichment) into a derived context, and invokes fn with that context.
// Cancelled tenants are rejected before fn runs.
func (r *Runner) RunWithContext(ctx context.Context, tenantID string, fn func(ctx context.Context, t *Tenant) error) error {
	t, err := r.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.Status == StatusCancelled {
		return ErrTenantInactive
	}

	ctx = context.WithValue(ctx, tenantKey, t)
	ctx = logging.WithTenantID(ctx, t.ID)
	return fn(ctx, t)
}
