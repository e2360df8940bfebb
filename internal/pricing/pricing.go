// Package pricing computes price breakdowns for subscriptions.
//
// Calculate is deterministic and side-effect free: interactive checkout and
// the unattended renewal engine share it, so both always price a
// subscription identically.
package pricing

import (
	"errors"

	"github.com/crewlyhq/crewly-billing/internal/catalog"
	"github.com/crewlyhq/crewly-billing/internal/money"
)

// ErrInvalidUserCount is returned for a negative seat count.
var ErrInvalidUserCount = errors.New("pricing: user count must not be negative")

// Breakdown is the result of a price calculation. All amounts are cents.
type Breakdown struct {
	Plan           string           `json:"plan"`
	UserCount      int              `json:"userCount"`
	BaseSubtotal   int64            `json:"baseSubtotal"`
	AddonAmounts   map[string]int64 `json:"addonAmounts"`
	AddonsIncluded bool             `json:"addonsIncluded"` // complete plan: add-ons cost nothing extra
	Total          int64            `json:"total"`
}

// AddonAmount returns the computed amount for one add-on, or 0.
func (b *Breakdown) AddonAmount(name string) int64 {
	return b.AddonAmounts[name]
}

// Calculate prices a plan with a set of active add-ons and a seat count.
//
//   - base subtotal = plan price per user x user count (0 for a free plan)
//   - each add-on amount = base subtotal x add-on percent, computed
//     independently against the base subtotal, never a running total
//   - on a complete plan, add-ons contribute 0 and are reported as included
//
// Add-ons on a plan that forbids them are rejected upstream (see the
// subscription state machine); here they simply contribute nothing.
func Calculate(cat *catalog.Catalog, planName string, addons []string, userCount int) (*Breakdown, error) {
	if userCount < 0 {
		return nil, ErrInvalidUserCount
	}

	plan, err := cat.Plan(planName)
	if err != nil {
		return nil, err
	}

	b := &Breakdown{
		Plan:         plan.Name,
		UserCount:    userCount,
		BaseSubtotal: plan.PricePerUser * int64(userCount),
		AddonAmounts: make(map[string]int64, len(addons)),
	}

	if plan.Complete() {
		b.AddonsIncluded = true
		for _, name := range addons {
			if _, err := cat.Addon(name); err != nil {
				return nil, err
			}
			b.AddonAmounts[name] = 0
		}
		b.Total = b.BaseSubtotal
		return b, nil
	}

	b.Total = b.BaseSubtotal
	if !plan.AllowsAddons {
		return b, nil
	}

	for _, name := range addons {
		addon, err := cat.Addon(name)
		if err != nil {
			return nil, err
		}
		amount := money.Percent(b.BaseSubtotal, addon.Percent)
		b.AddonAmounts[name] = amount
		b.Total += amount
	}

	return b, nil
}
