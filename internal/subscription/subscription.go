// Package subscription implements the billing state machine.
//
// One subscription exists per tenant. Interactive operations (upgrade,
// scheduled downgrade, add-on toggles) mutate it synchronously; the renewal
// engine is the only actor that applies pending changes and places
// unattended charges; the webhook reconciler is the only actor that
// finalizes payments from gateway-side truth.
package subscription

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrSubscriptionNotFound = errors.New("subscription: not found")
	ErrAlreadyExists        = errors.New("subscription: tenant already has a subscription")
	ErrVersionConflict      = errors.New("subscription: concurrent modification")
)

// Status is a subscription's lifecycle state.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled" // terminal, no further automatic charges
)

// PendingChange is a scheduled future transition, applied only by the
// renewal engine at or after EffectiveAt. Modeling it as one nullable
// sub-structure keeps "plan and effective date are set together" a
// structural fact instead of an invariant to police.
type PendingChange struct {
	Plan        string    `json:"plan"`
	UserLimit   int       `json:"userLimit"`
	EffectiveAt time.Time `json:"effectiveAt"`
}

// Subscription is one tenant's billing state.
type Subscription struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId"`
	Plan         string         `json:"plan"`
	ActiveAddons []string       `json:"activeAddons"`
	UserCount    int            `json:"userCount"`
	Status       Status         `json:"status"`
	IsTrial      bool           `json:"isTrial"`
	TrialEndsAt  *time.Time     `json:"trialEndsAt,omitempty"`
	PeriodStart  time.Time      `json:"periodStart"`
	PeriodEnd    time.Time      `json:"periodEnd"` // always >= PeriodStart, one month apart
	Pending      *PendingChange `json:"pending,omitempty"`

	LastRenewalAt         *time.Time `json:"lastRenewalAt,omitempty"`
	FailedRenewalAttempts int        `json:"failedRenewalAttempts"`
	GracePeriodUntil      *time.Time `json:"gracePeriodUntil,omitempty"`

	// Version guards against lost updates: Update fails with
	// ErrVersionConflict when the stored row has moved on.
	Version   int       `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasAddon reports whether the add-on is currently active.
func (s *Subscription) HasAddon(name string) bool {
	for _, a := range s.ActiveAddons {
		if a == name {
			return true
		}
	}
	return false
}

// Due reports whether the subscription should be renewed now. Trials are
// never charged and canceled subscriptions are terminal.
func (s *Subscription) Due(now time.Time) bool {
	if s.IsTrial {
		return false
	}
	if s.Status != StatusActive && s.Status != StatusPastDue {
		return false
	}
	return !s.PeriodEnd.After(now)
}

// ApplyDueTransition copies a due pending change into the live plan fields
// and clears it, returning true if anything was applied. Only the renewal
// engine calls this, immediately before computing the renewal charge.
func (s *Subscription) ApplyDueTransition(now time.Time) bool {
	if s.Pending == nil || now.Before(s.Pending.EffectiveAt) {
		return false
	}
	s.Plan = s.Pending.Plan
	s.UserCount = s.Pending.UserLimit
	s.Pending = nil
	return true
}

// AdvancePeriod moves the billing period forward one month from its
// previous end and records a successful renewal at now. Callers invoke this
// only once the renewal charge is confirmed.
func (s *Subscription) AdvancePeriod(now time.Time) {
	s.PeriodStart = s.PeriodEnd
	s.PeriodEnd = AddMonth(s.PeriodEnd)
	s.Status = StatusActive
	t := now
	s.LastRenewalAt = &t
	s.FailedRenewalAttempts = 0
	s.GracePeriodUntil = nil
}

// RecordRenewalFailure applies the failed-renewal policy: past_due, one
// more failed attempt, and a grace period opened on the first failure. The
// billing period is never advanced here.
func (s *Subscription) RecordRenewalFailure(now time.Time, graceDays int) {
	s.Status = StatusPastDue
	s.FailedRenewalAttempts++
	if s.GracePeriodUntil == nil {
		t := now.AddDate(0, 0, graceDays)
		s.GracePeriodUntil = &t
	}
}

// ValidationError rejects unknown catalogue references synchronously with
// no state change.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("subscription: %s: %s", e.Code, e.Message)
}

// PolicyError rejects an operation the current state forbids. Code is
// machine-readable; RemainingHours is set for the 24h cancel window.
type PolicyError struct {
	Code           string
	Message        string
	RemainingHours float64
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("subscription: %s: %s", e.Code, e.Message)
}

// Policy and validation codes.
const (
	CodeUnknownPlan         = "unknown_plan"
	CodeUnknownAddon        = "unknown_addon"
	CodeInvalidUserCount    = "invalid_user_count"
	CodeAddonsNotAllowed    = "addons_not_allowed"
	CodeAddonsIncluded      = "addons_included" // success indicator, not an error
	CodeAddonActivated      = "addon_activated"
	CodeAddonRemoved        = "addon_removed"
	CodeTooCloseToRenewal   = "too_close_to_renewal"
	CodeNoFutureRenewal     = "no_future_renewal"
	CodeNoPendingDowngrade  = "no_pending_downgrade"
	CodeSubscriptionEnded   = "subscription_canceled"
	CodePendingConfirmation = "pending_confirmation"
)
