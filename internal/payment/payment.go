// Package payment records every charge attempt against the gateway.
//
// A Payment is created pending (or already completed for zero-amount
// operations) and transitions to exactly one terminal status exactly once,
// either by the webhook reconciler or synchronously for no-op operations.
// Payments are never deleted: they are the billing audit trail.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/crewlyhq/crewly-billing/internal/pagination"
)

// Errors
var (
	ErrPaymentNotFound = errors.New("payment: not found")
	ErrDuplicateRef    = errors.New("payment: gateway transaction reference already recorded")
)

// Status is a payment's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Operation identifies what a charge paid for.
type Operation string

const (
	OpUpgrade       Operation = "upgrade"
	OpDowngradeNoop Operation = "downgrade-noop"
	OpAddonToggle   Operation = "addon-toggle"
	OpRenewal       Operation = "renewal"
)

// Payment is one charge attempt. Amounts are cents. Metadata carries the
// billing breakdown snapshot at charge time.
type Payment struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	SubscriptionID string            `json:"subscriptionId"`
	AmountCents    int64             `json:"amountCents"`
	Currency       string            `json:"currency"`
	Status         Status            `json:"status"`
	Operation      Operation         `json:"operation"`
	GatewayTxnRef  string            `json:"gatewayTxnRef,omitempty"` // unique, the idempotency key
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	FinalizedAt    *time.Time        `json:"finalizedAt,omitempty"`
}

// Store persists payments.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	// GetByTxnRef looks a payment up by its gateway transaction reference.
	GetByTxnRef(ctx context.Context, ref string) (*Payment, error)
	// AttachTxnRef records the gateway transaction reference once the
	// charge call has returned it. Fails with ErrDuplicateRef if another
	// payment already carries the reference.
	AttachTxnRef(ctx context.Context, id, ref string) error
	// MarkTerminal moves a pending payment to a terminal status. It is a
	// single check-then-set: the first caller wins and gets applied=true,
	// any later caller (duplicate webhook, racing synchronous confirm)
	// gets applied=false with no state change.
	MarkTerminal(ctx context.Context, id string, status Status, at time.Time) (applied bool, err error)
	// ListByTenant returns the tenant's payments, newest first, starting
	// after the cursor if set. Fetches up to limit+1 rows so callers can
	// detect another page.
	ListByTenant(ctx context.Context, tenantID string, cursor *pagination.Cursor, limit int) ([]*Payment, error)
	// FindPendingRenewal returns the subscription's most recent renewal
	// payment still pending at the gateway, or ErrPaymentNotFound. The
	// renewal engine uses it to avoid charging a period twice while an
	// earlier charge is in flight.
	FindPendingRenewal(ctx context.Context, subscriptionID string) (*Payment, error)
}
