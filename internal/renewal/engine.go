// Package renewal implements the scheduled renewal sweep.
//
// The engine is the only actor that applies pending plan transitions and
// places unattended (off-session) charges. Each due subscription is one
// isolated unit of work: it runs inside its tenant's execution context,
// holds the per-subscription lock, and its failure never aborts the rest of
// the sweep.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/crewlyhq/crewly-billing/internal/catalog"
	"github.com/crewlyhq/crewly-billing/internal/circuitbreaker"
	"github.com/crewlyhq/crewly-billing/internal/gateway"
	"github.com/crewlyhq/crewly-billing/internal/idgen"
	"github.com/crewlyhq/crewly-billing/internal/locking"
	"github.com/crewlyhq/crewly-billing/internal/logging"
	"github.com/crewlyhq/crewly-billing/internal/metrics"
	"github.com/crewlyhq/crewly-billing/internal/money"
	"github.com/crewlyhq/crewly-billing/internal/payment"
	"github.com/crewlyhq/crewly-billing/internal/pricing"
	"github.com/crewlyhq/crewly-billing/internal/retry"
	"github.com/crewlyhq/crewly-billing/internal/subscription"
	"github.com/crewlyhq/crewly-billing/internal/tenant"
	"github.com/crewlyhq/crewly-billing/internal/traces"
)

// MetaPeriodEnd is the payment metadata key holding the period end at
// charge time. The reconciler advances the period only while this snapshot
// still matches, so a duplicate webhook can never advance twice.
const MetaPeriodEnd = "period_end"

// Settings are the engine's operational knobs.
type Settings struct {
	Currency       string
	GatewayTimeout time.Duration
	GraceDays      int
	// Parallelism bounds how many tenants renew concurrently.
	Parallelism int
}

// Engine scans due subscriptions and renews them.
type Engine struct {
	cat      *catalog.Catalog
	subs     subscription.Store
	payments payment.Store
	tenants  tenant.Store
	runner   *tenant.Runner
	gw       gateway.Adapter
	locks    *locking.SubscriptionLocks
	events   subscription.EventPublisher
	breaker  *circuitbreaker.Breaker
	settings Settings

	// Now is the clock, swappable in tests.
	Now func() time.Time
}

// NewEngine creates the renewal engine.
func NewEngine(cat *catalog.Catalog, subs subscription.Store, payments payment.Store,
	tenants tenant.Store, runner *tenant.Runner, gw gateway.Adapter,
	locks *locking.SubscriptionLocks, events subscription.EventPublisher, settings Settings) *Engine {
	if settings.GatewayTimeout <= 0 {
		settings.GatewayTimeout = 15 * time.Second
	}
	if settings.GraceDays <= 0 {
		settings.GraceDays = 15
	}
	if settings.Parallelism <= 0 {
		settings.Parallelism = 4
	}
	breaker := circuitbreaker.New(5, 2*time.Minute)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		metrics.GatewayBreakerTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	})
	return &Engine{
		cat:      cat,
		subs:     subs,
		payments: payments,
		tenants:  tenants,
		runner:   runner,
		gw:       gw,
		locks:    locks,
		events:   events,
		breaker:  breaker,
		settings: settings,
		Now:      time.Now,
	}
}

// RunStats summarizes one sweep.
type RunStats struct {
	Scanned         int `json:"scanned"`
	Renewed         int `json:"renewed"`
	PastDue         int `json:"pastDue"`
	NoPaymentMethod int `json:"noPaymentMethod"`
	Pending         int `json:"pending"`
	Skipped         int `json:"skipped"`
	Errors          int `json:"errors"`
}

// RunOnce performs one full sweep over all due subscriptions. Units run in
// parallel across tenants, bounded by Parallelism; a unit's failure is
// logged and counted, never propagated.
func (e *Engine) RunOnce(ctx context.Context) (*RunStats, error) {
	started := e.Now()
	now := started.UTC()

	ctx, span := traces.StartSpan(ctx, "renewal.run")
	defer span.End()

	due, err := e.subs.ListDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}

	stats := &RunStats{Scanned: len(due)}
	var mu sync.Mutex
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	sem := make(chan struct{}, e.settings.Parallelism)
	var wg sync.WaitGroup
	for _, sub := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(sub *subscription.Subscription) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					logging.L(ctx).Error("panic renewing subscription",
						"subscription_id", sub.ID, "panic", fmt.Sprint(r))
					count(&stats.Errors)
					metrics.RenewalsTotal.WithLabelValues("panic").Inc()
				}
			}()

			result, err := e.renewOne(ctx, sub.TenantID, sub.ID, now)
			if err != nil {
				logging.L(ctx).Error("renewal unit failed",
					"subscription_id", sub.ID, "tenant_id", sub.TenantID, "error", err)
				count(&stats.Errors)
				metrics.RenewalsTotal.WithLabelValues("error").Inc()
				return
			}
			switch result {
			case resultRenewed:
				count(&stats.Renewed)
			case resultPastDue:
				count(&stats.PastDue)
			case resultNoPaymentMethod:
				count(&stats.NoPaymentMethod)
			case resultPending:
				count(&stats.Pending)
			case resultSkipped:
				count(&stats.Skipped)
			}
			metrics.RenewalsTotal.WithLabelValues(result).Inc()
		}(sub)
	}
	wg.Wait()

	metrics.RenewalRunDuration.Observe(time.Since(started).Seconds())
	logging.L(ctx).Info("renewal sweep finished",
		"scanned", stats.Scanned, "renewed", stats.Renewed,
		"past_due", stats.PastDue, "no_payment_method", stats.NoPaymentMethod,
		"pending", stats.Pending, "skipped", stats.Skipped, "errors", stats.Errors,
		"duration", time.Since(started))
	return stats, nil
}

// breakerKeyGateway is the single breaker key: charges and customer calls
// share one upstream, so they trip and recover together.
const breakerKeyGateway = "gateway"

const (
	resultRenewed         = "renewed"
	resultPastDue         = "past_due"
	resultNoPaymentMethod = "no_payment_method"
	resultPending         = "pending"
	resultSkipped         = "skipped"
)

// renewOne processes a single subscription inside its tenant context and
// under the per-subscription lock.
func (e *Engine) renewOne(ctx context.Context, tenantID, subID string, now time.Time) (string, error) {
	var result string
	err := e.runner.RunWithContext(ctx, tenantID, func(ctx context.Context, t *tenant.Tenant) error {
		release, err := e.locks.Acquire(ctx, subID)
		if err != nil {
			return err
		}
		defer release()

		// Re-fetch under the lock and re-check: an interactive upgrade or
		// an earlier same-day sweep may have already moved the period.
		sub, err := e.subs.Get(ctx, subID)
		if err != nil {
			return err
		}
		if !sub.Due(now) {
			result = resultSkipped
			return nil
		}

		// An earlier sweep may have left a renewal charge pending at the
		// gateway. Charging again would bill the period twice, so while a
		// pending payment for this same period is in flight the unit waits
		// for the reconciler to settle it.
		if pend, err := e.payments.FindPendingRenewal(ctx, sub.ID); err == nil {
			if snap, perr := time.Parse(time.RFC3339Nano, pend.Metadata[MetaPeriodEnd]); perr == nil && snap.Equal(sub.PeriodEnd) {
				logging.L(ctx).Info("renewal charge still pending at gateway",
					"subscription_id", sub.ID, "payment_id", pend.ID)
				result = resultPending
				return nil
			}
		} else if !errors.Is(err, payment.ErrPaymentNotFound) {
			return err
		}

		if sub.ApplyDueTransition(now) {
			plan, err := e.cat.Plan(sub.Plan)
			if err != nil {
				return err
			}
			if !plan.AllowsAddons && !plan.Complete() {
				sub.ActiveAddons = nil
			}
			logging.L(ctx).Info("applied scheduled downgrade",
				"subscription_id", sub.ID, "plan", sub.Plan, "user_count", sub.UserCount)
		}

		breakdown, err := pricing.Calculate(e.cat, sub.Plan, sub.ActiveAddons, sub.UserCount)
		if err != nil {
			return err
		}

		if breakdown.Total == 0 {
			// Free plan: the period rolls forward with a zero audit record.
			// The snapshot is taken before the advance.
			pay := e.zeroRenewalPayment(sub, now, breakdown)
			sub.AdvancePeriod(now)
			sub.UpdatedAt = now
			if err := e.subs.Update(ctx, sub); err != nil {
				return err
			}
			if err := e.payments.Create(ctx, pay); err != nil {
				return err
			}
			result = resultRenewed
			return nil
		}

		if !t.HasPaymentMethod {
			logging.L(ctx).Warn("no payment method on file, marking past due",
				"subscription_id", sub.ID)
			sub.Status = subscription.StatusPastDue
			sub.UpdatedAt = now
			if err := e.subs.Update(ctx, sub); err != nil {
				return err
			}
			e.publish("subscription.past_due", sub)
			result = resultNoPaymentMethod
			return nil
		}

		outcome, err := e.charge(ctx, t, sub, breakdown, now)
		if err != nil {
			return err
		}
		result = outcome
		return nil
	})
	return result, err
}

// charge places the off-session renewal charge and applies the outcome.
func (e *Engine) charge(ctx context.Context, t *tenant.Tenant, sub *subscription.Subscription,
	breakdown *pricing.Breakdown, now time.Time) (string, error) {

	ctx, span := traces.StartSpan(ctx, "renewal.charge",
		traces.TenantID(t.ID), traces.SubscriptionID(sub.ID),
		traces.AmountCents(breakdown.Total))
	defer span.End()

	// A tripped breaker means the gateway itself is down. Defer the unit to
	// the next sweep instead of marking the tenant past due for our outage.
	if !e.breaker.Allow(breakerKeyGateway) {
		logging.L(ctx).Warn("gateway breaker open, deferring renewal",
			"subscription_id", sub.ID)
		return resultSkipped, nil
	}

	// Customer creation is idempotent, so transient errors are retried.
	var customerID string
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var err error
		customerID, err = e.gw.EnsureCustomer(ctx, t)
		return err
	})
	if err != nil {
		e.breaker.RecordFailure(breakerKeyGateway)
		e.fail(ctx, sub, now)
		return resultPastDue, nil
	}
	if t.GatewayCustomerID == "" {
		t.GatewayCustomerID = customerID
		t.UpdatedAt = now
		if err := e.tenants.Update(ctx, t); err != nil {
			return "", err
		}
	}

	pay := &payment.Payment{
		ID:             idgen.Payment(),
		TenantID:       t.ID,
		SubscriptionID: sub.ID,
		AmountCents:    breakdown.Total,
		Currency:       e.settings.Currency,
		Status:         payment.StatusPending,
		Operation:      payment.OpRenewal,
		Metadata:       e.renewalMetadata(sub, breakdown),
		CreatedAt:      now,
	}
	if err := e.payments.Create(ctx, pay); err != nil {
		return "", err
	}

	chargeCtx, cancel := context.WithTimeout(ctx, e.settings.GatewayTimeout)
	defer cancel()
	// At most one charge attempt per sweep: the next scheduled pass is the
	// retry mechanism.
	res, err := e.gw.Charge(chargeCtx, &gateway.ChargeRequest{
		CustomerID:     customerID,
		TenantID:       t.ID,
		SubscriptionID: sub.ID,
		PaymentID:      pay.ID,
		AmountCents:    breakdown.Total,
		Currency:       e.settings.Currency,
		Description:    fmt.Sprintf("Renewal of %s (%d users)", sub.Plan, sub.UserCount),
		OffSession:     true,
		Metadata:       pay.Metadata,
	})
	if err != nil {
		e.breaker.RecordFailure(breakerKeyGateway)
		// Unknown outcome resolves to failed and the next sweep is the
		// retry; a late success webhook finds the payment already terminal
		// and is acked as a no-op.
		logging.L(ctx).Warn("renewal charge errored",
			"subscription_id", sub.ID, "payment_id", pay.ID, "error", err)
		if _, markErr := e.payments.MarkTerminal(ctx, pay.ID, payment.StatusFailed, now); markErr != nil {
			logging.L(ctx).Error("failed to finalize payment", "payment_id", pay.ID, "error", markErr)
		}
		metrics.ChargesTotal.WithLabelValues(string(payment.OpRenewal), "error").Inc()
		e.fail(ctx, sub, now)
		return resultPastDue, nil
	}

	// The gateway answered, whatever the charge outcome. A decline is a
	// healthy gateway saying no.
	e.breaker.RecordSuccess(breakerKeyGateway)

	if res.TransactionRef != "" {
		if err := e.payments.AttachTxnRef(ctx, pay.ID, res.TransactionRef); err != nil {
			return "", err
		}
	}

	switch res.Status {
	case gateway.ChargeSucceeded:
		if _, err := e.payments.MarkTerminal(ctx, pay.ID, payment.StatusCompleted, now); err != nil {
			return "", err
		}
		sub.AdvancePeriod(now)
		sub.UpdatedAt = now
		if err := e.subs.Update(ctx, sub); err != nil {
			return "", err
		}
		metrics.ChargesTotal.WithLabelValues(string(payment.OpRenewal), "succeeded").Inc()
		metrics.ChargeAmountCents.WithLabelValues(string(payment.OpRenewal)).Observe(float64(breakdown.Total))
		logging.L(ctx).Info("subscription renewed",
			"subscription_id", sub.ID, "amount", money.Format(breakdown.Total),
			"period_end", sub.PeriodEnd)
		e.publish("subscription.renewed", sub)
		return resultRenewed, nil

	case gateway.ChargePending:
		// The charge is in flight; the reconciler advances the period when
		// the gateway confirms. Nothing else to do this sweep.
		metrics.ChargesTotal.WithLabelValues(string(payment.OpRenewal), "pending").Inc()
		return resultPending, nil

	default:
		logging.L(ctx).Warn("renewal charge declined",
			"subscription_id", sub.ID, "code", res.FailureCode)
		if _, err := e.payments.MarkTerminal(ctx, pay.ID, payment.StatusFailed, now); err != nil {
			return "", err
		}
		metrics.ChargesTotal.WithLabelValues(string(payment.OpRenewal), "declined").Inc()
		e.fail(ctx, sub, now)
		return resultPastDue, nil
	}
}

// fail applies the failure policy and saves the subscription. Errors here
// are logged only: the unit already has its outcome.
func (e *Engine) fail(ctx context.Context, sub *subscription.Subscription, now time.Time) {
	sub.RecordRenewalFailure(now, e.settings.GraceDays)
	sub.UpdatedAt = now
	if err := e.subs.Update(ctx, sub); err != nil {
		logging.L(ctx).Error("failed to persist past_due subscription",
			"subscription_id", sub.ID, "error", err)
		return
	}
	e.publish("subscription.past_due", sub)
}

func (e *Engine) zeroRenewalPayment(sub *subscription.Subscription, now time.Time, breakdown *pricing.Breakdown) *payment.Payment {
	finalized := now
	return &payment.Payment{
		ID:             idgen.Payment(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		AmountCents:    0,
		Currency:       e.settings.Currency,
		Status:         payment.StatusCompleted,
		Operation:      payment.OpRenewal,
		Metadata:       e.renewalMetadata(sub, breakdown),
		CreatedAt:      now,
		FinalizedAt:    &finalized,
	}
}

// renewalMetadata snapshots the breakdown plus the pre-advance period end,
// which the reconciler uses for its conditional period advance.
func (e *Engine) renewalMetadata(sub *subscription.Subscription, b *pricing.Breakdown) map[string]string {
	meta := map[string]string{
		"plan":          b.Plan,
		"user_count":    strconv.Itoa(b.UserCount),
		"base_subtotal": strconv.FormatInt(b.BaseSubtotal, 10),
		"total":         strconv.FormatInt(b.Total, 10),
		MetaPeriodEnd:   sub.PeriodEnd.UTC().Format(time.RFC3339Nano),
	}
	for name, amount := range b.AddonAmounts {
		meta["addon_"+name] = strconv.FormatInt(amount, 10)
	}
	return meta
}

func (e *Engine) publish(event string, payload any) {
	if e.events != nil {
		e.events.Publish(event, payload)
	}
}
