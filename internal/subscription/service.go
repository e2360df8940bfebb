package subscription

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/crewlyhq/crewly-billing/internal/catalog"
	"github.com/crewlyhq/crewly-billing/internal/gateway"
	"github.com/crewlyhq/crewly-billing/internal/idgen"
	"github.com/crewlyhq/crewly-billing/internal/locking"
	"github.com/crewlyhq/crewly-billing/internal/logging"
	"github.com/crewlyhq/crewly-billing/internal/metrics"
	"github.com/crewlyhq/crewly-billing/internal/money"
	"github.com/crewlyhq/crewly-billing/internal/payment"
	"github.com/crewlyhq/crewly-billing/internal/pricing"
	"github.com/crewlyhq/crewly-billing/internal/tenant"
	"github.com/crewlyhq/crewly-billing/internal/traces"
)

// EventPublisher receives billing lifecycle events for fan-out to connected
// clients. A nil publisher disables fan-out.
type EventPublisher interface {
	Publish(event string, payload any)
}

// Settings are the operational knobs the service needs from config.
type Settings struct {
	Currency       string
	GatewayTimeout time.Duration
	TrialDays      int
}

// Service implements the interactive subscription operations. Every
// operation serializes on the per-subscription lock so it cannot race the
// renewal engine.
type Service struct {
	cat      *catalog.Catalog
	subs     Store
	payments payment.Store
	tenants  tenant.Store
	gw       gateway.Adapter
	locks    *locking.SubscriptionLocks
	events   EventPublisher
	settings Settings

	// Now is the clock, swappable in tests.
	Now func() time.Time
}

// NewService creates the subscription service.
func NewService(cat *catalog.Catalog, subs Store, payments payment.Store, tenants tenant.Store,
	gw gateway.Adapter, locks *locking.SubscriptionLocks, events EventPublisher, settings Settings) *Service {
	if settings.GatewayTimeout <= 0 {
		settings.GatewayTimeout = 15 * time.Second
	}
	return &Service{
		cat:      cat,
		subs:     subs,
		payments: payments,
		tenants:  tenants,
		gw:       gw,
		locks:    locks,
		events:   events,
		settings: settings,
		Now:      time.Now,
	}
}

// Catalog exposes the plan catalogue (read-only consumers).
func (s *Service) Catalog() *catalog.Catalog { return s.cat }

// Get returns the tenant's subscription.
func (s *Service) Get(ctx context.Context, tenantID string) (*Subscription, error) {
	return s.subs.GetByTenant(ctx, tenantID)
}

// Create provisions the tenant's subscription. A trial starts in trialing
// with no charge; a paid non-trial plan is charged its full price up front.
func (s *Service) Create(ctx context.Context, tenantID, planName string, userCount int, trial bool) (*Subscription, error) {
	plan, err := s.cat.Plan(planName)
	if err != nil {
		return nil, &ValidationError{Code: CodeUnknownPlan, Message: planName}
	}
	if userCount < 1 {
		return nil, &ValidationError{Code: CodeInvalidUserCount, Message: strconv.Itoa(userCount)}
	}
	// No subscription ID exists yet to lock on, so Create serializes on the
	// tenant ID: two concurrent Creates must not both reach the gateway.
	release, err := s.locks.Acquire(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := s.subs.GetByTenant(ctx, tenantID); err == nil {
		return nil, ErrAlreadyExists
	}

	now := s.Now().UTC()
	sub := &Subscription{
		ID:          idgen.Subscription(),
		TenantID:    tenantID,
		Plan:        plan.Name,
		UserCount:   userCount,
		Status:      StatusActive,
		PeriodStart: now,
		PeriodEnd:   AddMonth(now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if trial {
		sub.Status = StatusTrialing
		sub.IsTrial = true
		ends := now.AddDate(0, 0, s.settings.TrialDays)
		sub.TrialEndsAt = &ends
	}

	if !trial {
		breakdown, err := pricing.Calculate(s.cat, plan.Name, nil, userCount)
		if err != nil {
			return nil, err
		}
		if _, err := s.charge(ctx, sub, payment.OpUpgrade, breakdown, breakdown.Total,
			fmt.Sprintf("Subscribe to %s", plan.Name)); err != nil {
			return nil, err
		}
	}

	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("subscription created",
		"subscription_id", sub.ID, "plan", sub.Plan, "trial", trial)
	s.publish("subscription.created", sub)
	return sub, nil
}

// UpgradeResult is returned by plan-changing operations that may charge.
type UpgradeResult struct {
	Subscription *Subscription      `json:"subscription"`
	Payment      *payment.Payment   `json:"payment,omitempty"`
	Breakdown    *pricing.Breakdown `json:"breakdown"`
}

// UpgradePlan applies a plan change immediately: it charges the full
// new-plan price (never a delta), discards any pending downgrade, and
// restarts the billing period from now. Exiting a trial clears the trial
// flags and anchors the period at the moment of conversion.
func (s *Service) UpgradePlan(ctx context.Context, tenantID, planName string, userCount int) (*UpgradeResult, error) {
	plan, err := s.cat.Plan(planName)
	if err != nil {
		return nil, &ValidationError{Code: CodeUnknownPlan, Message: planName}
	}
	if userCount < 1 {
		return nil, &ValidationError{Code: CodeInvalidUserCount, Message: strconv.Itoa(userCount)}
	}

	sub, err := s.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	release, err := s.locks.Acquire(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-fetch under the lock; a renewal may have just run.
	sub, err = s.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCanceled {
		return nil, &PolicyError{Code: CodeSubscriptionEnded, Message: "subscription is canceled"}
	}

	// Add-ons survive the upgrade only when the target plan permits them.
	addons := sub.ActiveAddons
	if !plan.AllowsAddons && !plan.Complete() {
		addons = nil
	}
	breakdown, err := pricing.Calculate(s.cat, plan.Name, addons, userCount)
	if err != nil {
		return nil, err
	}

	pay, err := s.charge(ctx, sub, payment.OpUpgrade, breakdown, breakdown.Total,
		fmt.Sprintf("Upgrade to %s (%d users)", plan.Name, userCount))
	if err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	sub.Plan = plan.Name
	sub.UserCount = userCount
	sub.ActiveAddons = addons
	sub.Pending = nil
	sub.Status = StatusActive
	sub.IsTrial = false
	sub.TrialEndsAt = nil
	sub.FailedRenewalAttempts = 0
	sub.GracePeriodUntil = nil
	sub.PeriodStart = now
	sub.PeriodEnd = AddMonth(now)
	sub.UpdatedAt = now
	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("plan upgraded",
		"subscription_id", sub.ID, "plan", sub.Plan,
		"user_count", sub.UserCount, "amount", money.Format(breakdown.Total))
	s.publish("subscription.upgraded", sub)
	return &UpgradeResult{Subscription: sub, Payment: pay, Breakdown: breakdown}, nil
}

// ScheduleDowngrade records a deferred plan change taking effect at the end
// of the current period. The live plan and features stay untouched until
// the renewal engine applies it. No charge is placed; a zero-amount payment
// records the request in the audit trail.
func (s *Service) ScheduleDowngrade(ctx context.Context, tenantID, planName string, userLimit int) (*UpgradeResult, error) {
	if _, err := s.cat.Plan(planName); err != nil {
		return nil, &ValidationError{Code: CodeUnknownPlan, Message: planName}
	}
	if userLimit < 1 {
		return nil, &ValidationError{Code: CodeInvalidUserCount, Message: strconv.Itoa(userLimit)}
	}

	sub, err := s.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	release, err := s.locks.Acquire(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	sub, err = s.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCanceled {
		return nil, &PolicyError{Code: CodeSubscriptionEnded, Message: "subscription is canceled"}
	}

	now := s.Now().UTC()
	if !sub.PeriodEnd.After(now) {
		return nil, &PolicyError{
			Code:    CodeNoFutureRenewal,
			Message: "billing period has already ended; no future renewal to defer to",
		}
	}

	sub.Pending = &PendingChange{Plan: planName, UserLimit: userLimit, EffectiveAt: sub.PeriodEnd}
	sub.UpdatedAt = now
	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, err
	}

	// Zero-amount audit record: downgrades never charge.
	pay := s.zeroPayment(sub, payment.OpDowngradeNoop, now, map[string]string{
		"target_plan":       planName,
		"target_user_limit": strconv.Itoa(userLimit),
		"effective_at":      sub.PeriodEnd.Format(time.RFC3339),
	})
	if err := s.payments.Create(ctx, pay); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("downgrade scheduled",
		"subscription_id", sub.ID, "target_plan", planName,
		"effective_at", sub.PeriodEnd)
	s.publish("subscription.downgrade_scheduled", sub)
	return &UpgradeResult{Subscription: sub, Payment: pay}, nil
}

// CancelWindow is the minimum lead time for cancelling a scheduled
// downgrade before it takes effect.
const CancelWindow = 24 * time.Hour

// CancelScheduledDowngrade clears a pending downgrade, provided at least
// 24 hours remain before it takes effect.
func (s *Service) CancelScheduledDowngrade(ctx context.Context, tenantID string) (*Subscription, error) {
	sub, err := s.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	release, err := s.locks.Acquire(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	sub, err = s.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub.Pending == nil {
		return nil, &PolicyError{Code: CodeNoPendingDowngrade, Message: "no downgrade is scheduled"}
	}

	remaining := sub.Pending.EffectiveAt.Sub(s.Now())
	if remaining < CancelWindow {
		return nil, &PolicyError{
			Code:           CodeTooCloseToRenewal,
			Message:        fmt.Sprintf("only %.1f hours remain before the downgrade takes effect", remaining.Hours()),
			RemainingHours: remaining.Hours(),
		}
	}

	sub.Pending = nil
	sub.UpdatedAt = s.Now().UTC()
	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("scheduled downgrade cancelled", "subscription_id", sub.ID)
	return sub, nil
}

// ToggleResult reports the outcome of an add-on toggle.
type ToggleResult struct {
	Code         string             `json:"code"`
	Subscription *Subscription      `json:"subscription"`
	Payment      *payment.Payment   `json:"payment,omitempty"`
	Breakdown    *pricing.Breakdown `json:"breakdown,omitempty"`
}

// ToggleAddon flips an add-on. Activation charges only the incremental
// add-on amount; removal is immediate and free. Plans that forbid add-ons
// reject the toggle; complete plans treat it as an already-included no-op.
func (s *Service) ToggleAddon(ctx context.Context, tenantID, addonName string) (*ToggleResult, error) {
	if _, err := s.cat.Addon(addonName); err != nil {
		return nil, &ValidationError{Code: CodeUnknownAddon, Message: addonName}
	}

	sub, err := s.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	release, err := s.locks.Acquire(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	sub, err = s.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCanceled {
		return nil, &PolicyError{Code: CodeSubscriptionEnded, Message: "subscription is canceled"}
	}

	plan, err := s.cat.Plan(sub.Plan)
	if err != nil {
		return nil, err
	}
	if plan.Complete() {
		// Everything is already included; state and price are untouched.
		return &ToggleResult{Code: CodeAddonsIncluded, Subscription: sub}, nil
	}
	if !plan.AllowsAddons {
		return nil, &PolicyError{
			Code:    CodeAddonsNotAllowed,
			Message: fmt.Sprintf("plan %q does not permit add-ons", sub.Plan),
		}
	}

	now := s.Now().UTC()

	if sub.HasAddon(addonName) {
		var kept []string
		for _, a := range sub.ActiveAddons {
			if a != addonName {
				kept = append(kept, a)
			}
		}
		sub.ActiveAddons = kept
		sub.UpdatedAt = now
		if err := s.subs.Update(ctx, sub); err != nil {
			return nil, err
		}
		breakdown, err := pricing.Calculate(s.cat, sub.Plan, sub.ActiveAddons, sub.UserCount)
		if err != nil {
			return nil, err
		}
		logging.L(ctx).Info("add-on removed", "subscription_id", sub.ID, "addon", addonName)
		s.publish("subscription.addon_removed", sub)
		return &ToggleResult{Code: CodeAddonRemoved, Subscription: sub, Breakdown: breakdown}, nil
	}

	next := append(append([]string(nil), sub.ActiveAddons...), addonName)
	breakdown, err := pricing.Calculate(s.cat, sub.Plan, next, sub.UserCount)
	if err != nil {
		return nil, err
	}

	// Only the incremental amount for this add-on, never the full subtotal.
	incremental := breakdown.AddonAmount(addonName)
	pay, err := s.charge(ctx, sub, payment.OpAddonToggle, breakdown, incremental,
		fmt.Sprintf("Activate add-on %s", addonName))
	if err != nil {
		return nil, err
	}

	sub.ActiveAddons = next
	sub.UpdatedAt = now
	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("add-on activated",
		"subscription_id", sub.ID, "addon", addonName, "amount", money.Format(incremental))
	s.publish("subscription.addon_activated", sub)
	return &ToggleResult{Code: CodeAddonActivated, Subscription: sub, Payment: pay, Breakdown: breakdown}, nil
}

// Cancel ends the subscription immediately. Canceled is terminal: no
// further automatic charges are ever placed.
func (s *Service) Cancel(ctx context.Context, tenantID string) (*Subscription, error) {
	sub, err := s.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	release, err := s.locks.Acquire(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	sub, err = s.subs.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCanceled {
		return sub, nil
	}

	sub.Status = StatusCanceled
	sub.Pending = nil
	sub.UpdatedAt = s.Now().UTC()
	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("subscription canceled", "subscription_id", sub.ID)
	s.publish("subscription.canceled", sub)
	return sub, nil
}

// charge places an interactive (on-session) charge and records it. Zero
// amounts produce an already-completed audit payment without a gateway
// round-trip. A failed or unresolved charge returns an error and the
// subscription must not be mutated by the caller.
func (s *Service) charge(ctx context.Context, sub *Subscription, op payment.Operation,
	breakdown *pricing.Breakdown, amount int64, description string) (*payment.Payment, error) {

	now := s.Now().UTC()
	if amount == 0 {
		pay := s.zeroPayment(sub, op, now, breakdownMetadata(breakdown))
		if err := s.payments.Create(ctx, pay); err != nil {
			return nil, err
		}
		metrics.ChargesTotal.WithLabelValues(string(op), "zero").Inc()
		return pay, nil
	}

	t, err := s.tenants.Get(ctx, sub.TenantID)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "gateway.charge",
		traces.TenantID(sub.TenantID), traces.SubscriptionID(sub.ID),
		traces.Operation(string(op)), traces.AmountCents(amount))
	defer span.End()

	customerID, err := s.gw.EnsureCustomer(ctx, t)
	if err != nil {
		return nil, err
	}
	// The customer reference may outlive a failed operation; that side
	// effect is intentionally idempotent.
	if t.GatewayCustomerID == "" {
		t.GatewayCustomerID = customerID
		t.UpdatedAt = now
		if err := s.tenants.Update(ctx, t); err != nil {
			return nil, err
		}
	}

	pay := &payment.Payment{
		ID:             idgen.Payment(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		AmountCents:    amount,
		Currency:       s.settings.Currency,
		Status:         payment.StatusPending,
		Operation:      op,
		Metadata:       breakdownMetadata(breakdown),
		CreatedAt:      now,
	}
	if err := s.payments.Create(ctx, pay); err != nil {
		return nil, err
	}

	chargeCtx, cancel := context.WithTimeout(ctx, s.settings.GatewayTimeout)
	defer cancel()
	result, err := s.gw.Charge(chargeCtx, &gateway.ChargeRequest{
		CustomerID:     customerID,
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		PaymentID:      pay.ID,
		AmountCents:    amount,
		Currency:       s.settings.Currency,
		Description:    description,
		OffSession:     false,
		Metadata:       pay.Metadata,
	})
	if err != nil {
		// Unknown outcome resolves to failed; the audit row stays.
		if _, markErr := s.payments.MarkTerminal(ctx, pay.ID, payment.StatusFailed, s.Now().UTC()); markErr != nil {
			logging.L(ctx).Error("failed to finalize payment after gateway error",
				"payment_id", pay.ID, "error", markErr)
		}
		metrics.ChargesTotal.WithLabelValues(string(op), "error").Inc()
		return nil, err
	}

	if result.TransactionRef != "" {
		if err := s.payments.AttachTxnRef(ctx, pay.ID, result.TransactionRef); err != nil {
			return nil, err
		}
		pay.GatewayTxnRef = result.TransactionRef
	}

	switch result.Status {
	case gateway.ChargeSucceeded:
		applied, err := s.payments.MarkTerminal(ctx, pay.ID, payment.StatusCompleted, s.Now().UTC())
		if err != nil {
			return nil, err
		}
		if !applied {
			// The webhook got there first; same terminal outcome.
			logging.L(ctx).Debug("payment already finalized by reconciler", "payment_id", pay.ID)
		}
		pay.Status = payment.StatusCompleted
		metrics.ChargesTotal.WithLabelValues(string(op), "succeeded").Inc()
		metrics.ChargeAmountCents.WithLabelValues(string(op)).Observe(float64(amount))
		s.publish("payment.completed", pay)
		return pay, nil
	case gateway.ChargeFailed:
		if _, err := s.payments.MarkTerminal(ctx, pay.ID, payment.StatusFailed, s.Now().UTC()); err != nil {
			return nil, err
		}
		pay.Status = payment.StatusFailed
		metrics.ChargesTotal.WithLabelValues(string(op), "declined").Inc()
		s.publish("payment.failed", pay)
		return nil, &gateway.Error{Code: result.FailureCode, Declined: true}
	default:
		// Still pending at the gateway. The operation aborts unapplied, so
		// the payment resolves to failed now; a later success webhook finds
		// it already terminal and is acked as a no-op.
		if _, err := s.payments.MarkTerminal(ctx, pay.ID, payment.StatusFailed, s.Now().UTC()); err != nil {
			return nil, err
		}
		pay.Status = payment.StatusFailed
		metrics.ChargesTotal.WithLabelValues(string(op), "pending").Inc()
		s.publish("payment.failed", pay)
		return nil, &gateway.Error{Code: CodePendingConfirmation}
	}
}

func (s *Service) zeroPayment(sub *Subscription, op payment.Operation, now time.Time, meta map[string]string) *payment.Payment {
	finalized := now
	return &payment.Payment{
		ID:             idgen.Payment(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		AmountCents:    0,
		Currency:       s.settings.Currency,
		Status:         payment.StatusCompleted,
		Operation:      op,
		Metadata:       meta,
		CreatedAt:      now,
		FinalizedAt:    &finalized,
	}
}

func (s *Service) publish(event string, payload any) {
	if s.events != nil {
		s.events.Publish(event, payload)
	}
}

func breakdownMetadata(b *pricing.Breakdown) map[string]string {
	if b == nil {
		return nil
	}
	meta := map[string]string{
		"plan":          b.Plan,
		"user_count":    strconv.Itoa(b.UserCount),
		"base_subtotal": strconv.FormatInt(b.BaseSubtotal, 10),
		"total":         strconv.FormatInt(b.Total, 10),
	}
	for name, amount := range b.AddonAmounts {
		meta["addon_"+name] = strconv.FormatInt(amount, 10)
	}
	return meta
}

// IsNotFound reports whether err is any of the package's not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, payment.ErrPaymentNotFound) ||
		errors.Is(err, tenant.ErrTenantNotFound)
}
