package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewlyhq/crewly-billing/internal/gateway"
	"github.com/crewlyhq/crewly-billing/internal/locking"
	"github.com/crewlyhq/crewly-billing/internal/payment"
	"github.com/crewlyhq/crewly-billing/internal/renewal"
	"github.com/crewlyhq/crewly-billing/internal/subscription"
	"github.com/crewlyhq/crewly-billing/internal/tenant"
)

type fixture struct {
	rec      *Reconciler
	subs     *subscription.MemoryStore
	payments *payment.MemoryStore
	tenants  *tenant.MemoryStore
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		subs:     subscription.NewMemoryStore(),
		payments: payment.NewMemoryStore(),
		tenants:  tenant.NewMemoryStore(),
		now:      time.Date(2026, time.June, 10, 4, 0, 0, 0, time.UTC),
	}
	f.rec = NewReconciler(f.subs, f.payments, tenant.NewRunner(f.tenants),
		locking.NewSubscriptionLocks(), nil, 15)
	f.rec.Now = func() time.Time { return f.now }

	require.NoError(t, f.tenants.Create(context.Background(), &tenant.Tenant{
		ID: "ten_1", Name: "Acme", Slug: "acme", Status: tenant.StatusActive,
	}))
	return f
}

func (f *fixture) seedRenewal(t *testing.T, periodEnd time.Time) (*subscription.Subscription, *payment.Payment) {
	t.Helper()

	sub := &subscription.Subscription{
		ID: "sub_1", TenantID: "ten_1", Plan: "team", UserCount: 2,
		Status:      subscription.StatusActive,
		PeriodStart: periodEnd.AddDate(0, -1, 0),
		PeriodEnd:   periodEnd,
	}
	require.NoError(t, f.subs.Create(context.Background(), sub))

	pay := &payment.Payment{
		ID: "pay_1", TenantID: "ten_1", SubscriptionID: "sub_1",
		AmountCents: 8800, Currency: "USD",
		Status: payment.StatusPending, Operation: payment.OpRenewal,
		GatewayTxnRef: "txn_1",
		Metadata: map[string]string{
			renewal.MetaPeriodEnd: periodEnd.UTC().Format(time.RFC3339Nano),
		},
		CreatedAt: f.now,
	}
	require.NoError(t, f.payments.Create(context.Background(), pay))
	return sub, pay
}

func TestHandleEvent_RenewalSuccessAdvancesPeriod(t *testing.T) {
	f := newFixture(t)
	periodEnd := f.now.AddDate(0, 0, -1)
	f.seedRenewal(t, periodEnd)

	err := f.rec.HandleEvent(context.Background(), &gateway.Event{
		Type: gateway.EventChargeSucceeded, TransactionRef: "txn_1",
	})
	require.NoError(t, err)

	pay, err := f.payments.Get(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, pay.Status)

	sub, err := f.subs.Get(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, periodEnd, sub.PeriodStart)
	assert.Equal(t, subscription.AddMonth(periodEnd), sub.PeriodEnd)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, 0, sub.FailedRenewalAttempts)
	assert.Nil(t, sub.GracePeriodUntil)
}

func TestHandleEvent_DuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	periodEnd := f.now.AddDate(0, 0, -1)
	f.seedRenewal(t, periodEnd)

	ev := &gateway.Event{Type: gateway.EventChargeSucceeded, TransactionRef: "txn_1"}
	require.NoError(t, f.rec.HandleEvent(context.Background(), ev))

	after, err := f.subs.Get(context.Background(), "sub_1")
	require.NoError(t, err)

	// Second delivery of the same reference: same final state, and the
	// period is not advanced twice.
	require.NoError(t, f.rec.HandleEvent(context.Background(), ev))

	again, err := f.subs.Get(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, after.PeriodEnd, again.PeriodEnd)
	assert.Equal(t, after.PeriodStart, again.PeriodStart)

	pay, err := f.payments.Get(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, pay.Status)
}

func TestHandleEvent_SuccessAfterSyncAdvanceDoesNotAdvanceAgain(t *testing.T) {
	f := newFixture(t)
	periodEnd := f.now.AddDate(0, 0, -1)
	sub, _ := f.seedRenewal(t, periodEnd)

	// The engine already advanced synchronously and finalized the payment.
	_, err := f.payments.MarkTerminal(context.Background(), "pay_1", payment.StatusCompleted, f.now)
	require.NoError(t, err)
	sub.AdvancePeriod(f.now)
	require.NoError(t, f.subs.Update(context.Background(), sub))
	advancedEnd := sub.PeriodEnd

	err = f.rec.HandleEvent(context.Background(), &gateway.Event{
		Type: gateway.EventChargeSucceeded, TransactionRef: "txn_1",
	})
	require.NoError(t, err)

	got, err := f.subs.Get(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, advancedEnd, got.PeriodEnd)
}

func TestHandleEvent_RenewalFailureAppliesPolicy(t *testing.T) {
	f := newFixture(t)
	periodEnd := f.now.AddDate(0, 0, -1)
	f.seedRenewal(t, periodEnd)

	err := f.rec.HandleEvent(context.Background(), &gateway.Event{
		Type: gateway.EventChargeFailed, TransactionRef: "txn_1", FailureCode: "card_declined",
	})
	require.NoError(t, err)

	pay, err := f.payments.Get(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, pay.Status)

	sub, err := f.subs.Get(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, sub.Status)
	assert.Equal(t, 1, sub.FailedRenewalAttempts)
	assert.Equal(t, periodEnd, sub.PeriodEnd, "period is not advanced on failure")
	require.NotNil(t, sub.GracePeriodUntil)
	assert.Equal(t, f.now.AddDate(0, 0, 15), sub.GracePeriodUntil.UTC())
}

func TestHandleEvent_UnmatchedEventIsAcknowledged(t *testing.T) {
	f := newFixture(t)

	err := f.rec.HandleEvent(context.Background(), &gateway.Event{
		Type: gateway.EventChargeSucceeded, TransactionRef: "txn_unknown",
	})
	assert.NoError(t, err, "unmatched events are dropped with a warning, never errors")
}

func TestHandleEvent_IgnoredEventType(t *testing.T) {
	f := newFixture(t)

	err := f.rec.HandleEvent(context.Background(), &gateway.Event{Type: gateway.EventIgnored})
	assert.NoError(t, err)
}

func TestHandleEvent_NonRenewalFailureTouchesOnlyPayment(t *testing.T) {
	f := newFixture(t)
	periodEnd := f.now.AddDate(0, 0, 20)
	sub := &subscription.Subscription{
		ID: "sub_1", TenantID: "ten_1", Plan: "team", UserCount: 2,
		Status: subscription.StatusActive, PeriodEnd: periodEnd,
	}
	require.NoError(t, f.subs.Create(context.Background(), sub))
	require.NoError(t, f.payments.Create(context.Background(), &payment.Payment{
		ID: "pay_up", TenantID: "ten_1", SubscriptionID: "sub_1",
		AmountCents: 8800, Status: payment.StatusPending,
		Operation: payment.OpUpgrade, GatewayTxnRef: "txn_up",
		CreatedAt: f.now,
	}))

	err := f.rec.HandleEvent(context.Background(), &gateway.Event{
		Type: gateway.EventChargeFailed, TransactionRef: "txn_up",
	})
	require.NoError(t, err)

	got, err := f.subs.Get(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, got.Status, "upgrade failure never marks past_due")
	assert.Equal(t, 0, got.FailedRenewalAttempts)
}

func TestHandleEvent_PendingRenewalConfirmedByWebhookOnly(t *testing.T) {
	// Full async path: engine left the charge pending, webhook confirms.
	f := newFixture(t)
	periodEnd := f.now.AddDate(0, 0, -1)
	f.seedRenewal(t, periodEnd)

	err := f.rec.HandleEvent(context.Background(), &gateway.Event{
		Type: gateway.EventChargeSucceeded, TransactionRef: "txn_1",
	})
	require.NoError(t, err)

	sub, err := f.subs.Get(context.Background(), "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub.LastRenewalAt)
	assert.Equal(t, f.now, sub.LastRenewalAt.UTC())
}
