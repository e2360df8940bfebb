// Package tenant provides the tenant isolation boundary for billing.
//
// Tenants are provisioned elsewhere; billing only needs their identity and
// lifecycle status. Every billing entity is scoped to exactly one tenant,
// and all background work runs inside an explicit tenant execution context
// (never ambient global state).
package tenant

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrSlugTaken      = errors.New("tenant: slug already taken")
	ErrTenantInactive = errors.New("tenant: not active")
)

// Status represents a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// Tenant represents an organisation using the platform.
type Tenant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Slug   string `json:"slug"`
	Status Status `json:"status"`
	// GatewayCustomerID is the payment processor's customer reference,
	// created lazily on the tenant's first charge.
	GatewayCustomerID string `json:"gatewayCustomerId,omitempty"`
	// HasPaymentMethod reports whether the processor holds a saved payment
	// method usable for off-session charges. Kept in sync by the gateway.
	HasPaymentMethod bool      `json:"hasPaymentMethod"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Store persists tenant data.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	List(ctx context.Context) ([]*Tenant, error)
}
