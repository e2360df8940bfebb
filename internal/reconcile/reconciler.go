// Package reconcile applies gateway-side payment truth to billing state.
//
// The reconciler is the only actor that finalizes payments from webhook
// events. Idempotency is keyed on the gateway transaction reference: the
// payment's single check-then-set terminal transition decides a winner, and
// every losing or duplicate delivery is a logged no-op. The provider always
// gets an acknowledgement unless the signature is invalid.
package reconcile

import (
	"context"
	"time"

	"github.com/crewlyhq/crewly-billing/internal/gateway"
	"github.com/crewlyhq/crewly-billing/internal/locking"
	"github.com/crewlyhq/crewly-billing/internal/logging"
	"github.com/crewlyhq/crewly-billing/internal/metrics"
	"github.com/crewlyhq/crewly-billing/internal/payment"
	"github.com/crewlyhq/crewly-billing/internal/renewal"
	"github.com/crewlyhq/crewly-billing/internal/subscription"
	"github.com/crewlyhq/crewly-billing/internal/tenant"
	"github.com/crewlyhq/crewly-billing/internal/traces"
)

// Reconciler consumes verified gateway events.
type Reconciler struct {
	subs      subscription.Store
	payments  payment.Store
	runner    *tenant.Runner
	locks     *locking.SubscriptionLocks
	events    subscription.EventPublisher
	graceDays int

	// Now is the clock, swappable in tests.
	Now func() time.Time
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(subs subscription.Store, payments payment.Store, runner *tenant.Runner,
	locks *locking.SubscriptionLocks, events subscription.EventPublisher, graceDays int) *Reconciler {
	if graceDays <= 0 {
		graceDays = 15
	}
	return &Reconciler{
		subs:      subs,
		payments:  payments,
		runner:    runner,
		locks:     locks,
		events:    events,
		graceDays: graceDays,
		Now:       time.Now,
	}
}

// HandleEvent processes one verified event. A nil return means the provider
// should be acknowledged; errors are internal (store failures) and the
// provider may redeliver.
func (r *Reconciler) HandleEvent(ctx context.Context, ev *gateway.Event) error {
	if ev.Type == gateway.EventIgnored {
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "ignored").Inc()
		return nil
	}
	if ev.TransactionRef == "" {
		logging.L(ctx).Warn("webhook event without transaction reference, dropping",
			"event_id", ev.GatewayEventID, "type", ev.Type)
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "unmatched").Inc()
		return nil
	}

	pay, err := r.payments.GetByTxnRef(ctx, ev.TransactionRef)
	if err == payment.ErrPaymentNotFound {
		// Unresolvable metadata: acknowledge so the provider stops
		// retrying, but never mutate anything.
		logging.L(ctx).Warn("webhook event matches no payment, dropping",
			"event_id", ev.GatewayEventID, "txn_ref", ev.TransactionRef)
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "unmatched").Inc()
		return nil
	}
	if err != nil {
		return err
	}

	return r.runner.RunWithContext(ctx, pay.TenantID, func(ctx context.Context, _ *tenant.Tenant) error {
		ctx, span := traces.StartSpan(ctx, "reconcile.event",
			traces.TenantID(pay.TenantID), traces.PaymentID(pay.ID),
			traces.Operation(string(pay.Operation)))
		defer span.End()

		release, err := r.locks.Acquire(ctx, pay.SubscriptionID)
		if err != nil {
			return err
		}
		defer release()

		now := r.Now().UTC()
		status := payment.StatusCompleted
		if ev.Type == gateway.EventChargeFailed {
			status = payment.StatusFailed
		}

		applied, err := r.payments.MarkTerminal(ctx, pay.ID, status, now)
		if err != nil {
			return err
		}
		if !applied {
			// Duplicate delivery, or the synchronous path won the race.
			// Either way the terminal outcome is already recorded.
			logging.L(ctx).Debug("payment already terminal, webhook is a no-op",
				"payment_id", pay.ID, "txn_ref", ev.TransactionRef)
			metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "duplicate").Inc()
			return nil
		}
		pay.Status = status

		if status == payment.StatusCompleted {
			r.publish("payment.completed", pay)
			metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "applied").Inc()
			return r.confirmRenewal(ctx, pay, now)
		}

		r.publish("payment.failed", pay)
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Type), "applied").Inc()
		return r.failRenewal(ctx, pay, now)
	})
}

// confirmRenewal advances the billing period for a confirmed renewal
// charge, unless it was already advanced synchronously. The payment's
// period-end snapshot decides: a period that has moved on means the advance
// already happened.
func (r *Reconciler) confirmRenewal(ctx context.Context, pay *payment.Payment, now time.Time) error {
	if pay.Operation != payment.OpRenewal {
		return nil
	}

	sub, err := r.subs.Get(ctx, pay.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == subscription.StatusCanceled {
		logging.L(ctx).Warn("renewal confirmed for canceled subscription, not advancing",
			"subscription_id", sub.ID, "payment_id", pay.ID)
		return nil
	}

	snapshot, ok := periodSnapshot(pay)
	if !ok || !sub.PeriodEnd.Equal(snapshot) {
		logging.L(ctx).Debug("period already advanced, skipping",
			"subscription_id", sub.ID, "payment_id", pay.ID)
		return nil
	}

	sub.AdvancePeriod(now)
	sub.UpdatedAt = now
	if err := r.subs.Update(ctx, sub); err != nil {
		return err
	}
	logging.L(ctx).Info("renewal confirmed by webhook, period advanced",
		"subscription_id", sub.ID, "period_end", sub.PeriodEnd)
	r.publish("subscription.renewed", sub)
	return nil
}

// failRenewal applies the failed-renewal policy for a renewal charge whose
// failure was first reported by webhook.
func (r *Reconciler) failRenewal(ctx context.Context, pay *payment.Payment, now time.Time) error {
	if pay.Operation != payment.OpRenewal {
		// Interactive operations already aborted unapplied; nothing to do.
		return nil
	}

	sub, err := r.subs.Get(ctx, pay.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == subscription.StatusCanceled {
		return nil
	}
	if snapshot, ok := periodSnapshot(pay); ok && !sub.PeriodEnd.Equal(snapshot) {
		// The period this charge covered has moved on; stale failure.
		return nil
	}

	sub.RecordRenewalFailure(now, r.graceDays)
	sub.UpdatedAt = now
	if err := r.subs.Update(ctx, sub); err != nil {
		return err
	}
	logging.L(ctx).Warn("renewal failure confirmed by webhook",
		"subscription_id", sub.ID, "attempts", sub.FailedRenewalAttempts)
	r.publish("subscription.past_due", sub)
	return nil
}

func periodSnapshot(pay *payment.Payment) (time.Time, bool) {
	raw, ok := pay.Metadata[renewal.MetaPeriodEnd]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (r *Reconciler) publish(event string, payload any) {
	if r.events != nil {
		r.events.Publish(event, payload)
	}
}
