package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewlyhq/crewly-billing/internal/idgen"
	"github.com/crewlyhq/crewly-billing/internal/pagination"
)

func newPayment(tenantID string, at time.Time) *Payment {
	return &Payment{
		ID:             idgen.Payment(),
		TenantID:       tenantID,
		SubscriptionID: "sub_1",
		AmountCents:    11968,
		Currency:       "USD",
		Status:         StatusPending,
		Operation:      OpRenewal,
		CreatedAt:      at,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := newPayment("ten_a", time.Now().UTC())
	p.GatewayTxnRef = "pi_123"
	require.NoError(t, store.Create(ctx, p))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)

	byRef, err := store.GetByTxnRef(ctx, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byRef.ID)
}

func TestMemoryStore_DuplicateRef(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := newPayment("ten_a", time.Now().UTC())
	a.GatewayTxnRef = "pi_dup"
	require.NoError(t, store.Create(ctx, a))

	b := newPayment("ten_a", time.Now().UTC())
	b.GatewayTxnRef = "pi_dup"
	assert.ErrorIs(t, store.Create(ctx, b), ErrDuplicateRef)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "pay_missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	_, err = store.GetByTxnRef(context.Background(), "pi_missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestMemoryStore_AttachTxnRef(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := newPayment("ten_a", time.Now().UTC())
	require.NoError(t, store.Create(ctx, p))
	require.NoError(t, store.AttachTxnRef(ctx, p.ID, "pi_attached"))

	got, err := store.GetByTxnRef(ctx, "pi_attached")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	// The ref is unique across payments.
	other := newPayment("ten_a", time.Now().UTC())
	require.NoError(t, store.Create(ctx, other))
	assert.ErrorIs(t, store.AttachTxnRef(ctx, other.ID, "pi_attached"), ErrDuplicateRef)
}

func TestMemoryStore_MarkTerminal_FirstWriterWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := newPayment("ten_a", time.Now().UTC())
	require.NoError(t, store.Create(ctx, p))

	now := time.Now().UTC()
	applied, err := store.MarkTerminal(ctx, p.ID, StatusCompleted, now)
	require.NoError(t, err)
	assert.True(t, applied)

	// A later attempt, even with a different status, is a no-op.
	applied, err = store.MarkTerminal(ctx, p.ID, StatusFailed, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.FinalizedAt)
	assert.True(t, got.FinalizedAt.Equal(now))
}

func TestMemoryStore_MarkTerminal_NotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.MarkTerminal(context.Background(), "pay_missing", StatusFailed, time.Now())
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestMemoryStore_ListByTenant(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	var ids []string
	for i := 0; i < 5; i++ {
		p := newPayment("ten_a", base.Add(-time.Duration(i)*time.Minute))
		require.NoError(t, store.Create(ctx, p))
		ids = append(ids, p.ID)
	}
	require.NoError(t, store.Create(ctx, newPayment("ten_b", base)))

	// Newest first, other tenants excluded, limit+1 rows fetched.
	got, err := store.ListByTenant(ctx, "ten_a", nil, 2)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ids[0], got[0].ID)
	assert.Equal(t, ids[1], got[1].ID)

	page, next, more := pagination.Page(got, 2, func(p *Payment) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	require.Len(t, page, 2)
	require.True(t, more)

	cur, err := pagination.Decode(next)
	require.NoError(t, err)

	rest, err := store.ListByTenant(ctx, "ten_a", cur, 10)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, ids[2], rest[0].ID)
}

func TestMemoryStore_FindPendingRenewal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	older := newPayment("ten_a", base.Add(-time.Minute))
	require.NoError(t, store.Create(ctx, older))
	newer := newPayment("ten_a", base)
	require.NoError(t, store.Create(ctx, newer))

	// Terminal renewals and pending non-renewals do not count.
	settled := newPayment("ten_a", base.Add(time.Minute))
	require.NoError(t, store.Create(ctx, settled))
	_, err := store.MarkTerminal(ctx, settled.ID, StatusCompleted, base)
	require.NoError(t, err)
	upgrade := newPayment("ten_a", base.Add(2*time.Minute))
	upgrade.Operation = OpUpgrade
	require.NoError(t, store.Create(ctx, upgrade))

	got, err := store.FindPendingRenewal(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID, "most recent pending renewal")

	_, err = store.FindPendingRenewal(ctx, "sub_other")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestMemoryStore_CloneIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := newPayment("ten_a", time.Now().UTC())
	p.Metadata = map[string]string{"plan": "team"}
	require.NoError(t, store.Create(ctx, p))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	got.Metadata["plan"] = "mutated"
	got.Status = StatusFailed

	again, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "team", again.Metadata["plan"])
	assert.Equal(t, StatusPending, again.Status)
}
