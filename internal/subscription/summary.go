package subscription

import (
	"context"
	"time"

	"github.com/crewlyhq/crewly-billing/internal/catalog"
	"github.com/crewlyhq/crewly-billing/internal/pricing"
)

// PendingDowngradeSummary describes a scheduled downgrade for the billing
// summary. CanCancel is true while at least 24 hours remain.
type PendingDowngradeSummary struct {
	TargetPlan      string    `json:"targetPlan"`
	TargetUserLimit int       `json:"targetUserLimit"`
	EffectiveAt     time.Time `json:"effectiveAt"`
	CanCancel       bool      `json:"canCancel"`
}

// Summary is the administrative billing view of one subscription.
type Summary struct {
	Plan             string                   `json:"plan"`
	Status           Status                   `json:"status"`
	IsTrial          bool                     `json:"isTrial"`
	TrialEndsAt      *time.Time               `json:"trialEndsAt,omitempty"`
	UserCount        int                      `json:"userCount"`
	BaseSubtotal     int64                    `json:"baseSubtotal"`
	AddonBreakdown   map[string]int64         `json:"addonBreakdown"`
	AddonsIncluded   bool                     `json:"addonsIncluded"`
	Total            int64                    `json:"total"`
	PeriodStart      time.Time                `json:"periodStart"`
	PeriodEnd        time.Time                `json:"periodEnd"`
	GracePeriodUntil *time.Time               `json:"gracePeriodUntil,omitempty"`
	PendingDowngrade *PendingDowngradeSummary `json:"pendingDowngrade,omitempty"`
}

// Summary prices the current state and reports any scheduled downgrade.
func (s *Service) Summary(ctx context.Context, tenantID string) (*Summary, error) {
	sub, err := s.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	breakdown, err := pricing.Calculate(s.cat, sub.Plan, sub.ActiveAddons, sub.UserCount)
	if err != nil {
		return nil, err
	}

	out := &Summary{
		Plan:             sub.Plan,
		Status:           sub.Status,
		IsTrial:          sub.IsTrial,
		TrialEndsAt:      sub.TrialEndsAt,
		UserCount:        sub.UserCount,
		BaseSubtotal:     breakdown.BaseSubtotal,
		AddonBreakdown:   breakdown.AddonAmounts,
		AddonsIncluded:   breakdown.AddonsIncluded,
		Total:            breakdown.Total,
		PeriodStart:      sub.PeriodStart,
		PeriodEnd:        sub.PeriodEnd,
		GracePeriodUntil: sub.GracePeriodUntil,
	}
	if sub.Pending != nil {
		out.PendingDowngrade = &PendingDowngradeSummary{
			TargetPlan:      sub.Pending.Plan,
			TargetUserLimit: sub.Pending.UserLimit,
			EffectiveAt:     sub.Pending.EffectiveAt,
			CanCancel:       sub.Pending.EffectiveAt.Sub(s.Now()) >= CancelWindow,
		}
	}
	return out, nil
}

// FeatureFlags derives the tenant's entitlements from plan and active
// add-ons. Always recomputed, never cached: a plan or add-on change must be
// visible on the next call.
func (s *Service) FeatureFlags(ctx context.Context, tenantID string) (map[catalog.Feature]bool, error) {
	sub, err := s.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.cat.FeatureFlags(sub.Plan, sub.ActiveAddons)
}
