// Package gateway abstracts the payment processor behind a narrow adapter.
//
// The rest of the system never talks to Stripe directly: it asks the adapter
// to ensure a customer exists, to charge an amount, or to verify an incoming
// webhook. Charge outcomes come back either synchronously (succeeded/failed)
// or as pending, to be resolved later by the webhook reconciler.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/crewlyhq/crewly-billing/internal/tenant"
)

// ChargeStatus is the gateway-side outcome of a charge attempt.
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargePending   ChargeStatus = "pending"
	ChargeFailed    ChargeStatus = "failed"
)

// ChargeRequest describes one charge to place against a customer.
type ChargeRequest struct {
	CustomerID     string
	TenantID       string
	SubscriptionID string
	PaymentID      string
	AmountCents    int64
	Currency       string
	Description    string
	// OffSession marks charges placed without the customer present
	// (renewals). The processor then uses the saved payment method.
	OffSession bool
	Metadata   map[string]string
}

// ChargeResult is what the gateway reports back for a charge attempt.
type ChargeResult struct {
	// TransactionRef is the gateway's own reference for this charge. It is
	// the key webhook events are matched on.
	TransactionRef string
	Status         ChargeStatus
	FailureCode    string
}

// EventType classifies verified webhook events.
type EventType string

const (
	EventChargeSucceeded EventType = "charge.succeeded"
	EventChargeFailed    EventType = "charge.failed"
	EventIgnored         EventType = "ignored"
)

// Event is a verified, normalized webhook notification.
type Event struct {
	Type           EventType
	TransactionRef string
	FailureCode    string
	// GatewayEventID deduplicates redelivered events at the transport level.
	GatewayEventID string
}

// Adapter is the payment processor interface.
type Adapter interface {
	// EnsureCustomer returns the processor-side customer ID for a tenant,
	// creating one on first use.
	EnsureCustomer(ctx context.Context, t *tenant.Tenant) (string, error)
	// Charge attempts to collect the given amount. A declined card is not
	// an error: it comes back as ChargeFailed with a failure code. Errors
	// mean the attempt's outcome is unknown or the request never went out.
	Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)
	// VerifyWebhook checks the payload signature and normalizes the event.
	// An invalid signature returns ErrInvalidSignature.
	VerifyWebhook(payload []byte, signature string) (*Event, error)
}

// Errors
var (
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")
	ErrNoPaymentMethod  = errors.New("gateway: customer has no saved payment method")
)

// Error is a classified gateway failure.
type Error struct {
	Code     string
	Declined bool // the processor rejected the charge (card declined etc.)
	Timeout  bool // the attempt timed out, outcome unknown
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("gateway: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// IsDeclined reports whether err is a processor decline.
func IsDeclined(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Declined
}

// IsTimeout reports whether err is a timed-out attempt with unknown outcome.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ge *Error
	return errors.As(err, &ge) && ge.Timeout
}
