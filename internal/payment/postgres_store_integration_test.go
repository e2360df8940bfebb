//go:build integration

package payment

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewlyhq/crewly-billing/internal/pagination"
	"github.com/crewlyhq/crewly-billing/internal/testutil"
)

func setupPaymentDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	db, cleanup := testutil.PGTest(t)
	seedTenant(t, db, "ten_pg")
	return NewPostgresStore(db), cleanup
}

func seedTenant(t *testing.T, db *sql.DB, id string) {
	t.Helper()

	_, err := db.ExecContext(context.Background(), `
		INSERT INTO tenants (id, name, slug, status)
		VALUES ($1, $1, $1, 'active')
		ON CONFLICT (id) DO NOTHING
	`, id)
	require.NoError(t, err)
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	store, cleanup := setupPaymentDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	p := &Payment{
		ID: "pay_pg1", TenantID: "ten_pg", SubscriptionID: "sub_pg",
		AmountCents: 8800, Currency: "USD",
		Status: StatusPending, Operation: OpRenewal,
		Metadata:  map[string]string{"period_end": "2026-07-01T00:00:00Z"},
		CreatedAt: now,
	}
	require.NoError(t, store.Create(ctx, p))

	got, err := store.Get(ctx, "pay_pg1")
	require.NoError(t, err)
	assert.Equal(t, int64(8800), got.AmountCents)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "2026-07-01T00:00:00Z", got.Metadata["period_end"])
	assert.Nil(t, got.FinalizedAt)
}

func TestPostgresStore_TxnRefUniqueness(t *testing.T) {
	store, cleanup := setupPaymentDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	first := &Payment{
		ID: "pay_ref1", TenantID: "ten_pg", SubscriptionID: "sub_pg",
		AmountCents: 100, Currency: "USD", Status: StatusPending,
		Operation: OpUpgrade, CreatedAt: now,
	}
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.AttachTxnRef(ctx, "pay_ref1", "txn_pg_1"))

	got, err := store.GetByTxnRef(ctx, "txn_pg_1")
	require.NoError(t, err)
	assert.Equal(t, "pay_ref1", got.ID)

	second := &Payment{
		ID: "pay_ref2", TenantID: "ten_pg", SubscriptionID: "sub_pg",
		AmountCents: 100, Currency: "USD", Status: StatusPending,
		Operation: OpUpgrade, CreatedAt: now,
	}
	require.NoError(t, store.Create(ctx, second))
	assert.ErrorIs(t, store.AttachTxnRef(ctx, "pay_ref2", "txn_pg_1"), ErrDuplicateRef)
}

func TestPostgresStore_MarkTerminalFirstWriterWins(t *testing.T) {
	store, cleanup := setupPaymentDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	p := &Payment{
		ID: "pay_term", TenantID: "ten_pg", SubscriptionID: "sub_pg",
		AmountCents: 500, Currency: "USD", Status: StatusPending,
		Operation: OpRenewal, CreatedAt: now,
	}
	require.NoError(t, store.Create(ctx, p))

	applied, err := store.MarkTerminal(ctx, "pay_term", StatusCompleted, now)
	require.NoError(t, err)
	assert.True(t, applied)

	// A later conflicting writer is a no-op.
	applied, err = store.MarkTerminal(ctx, "pay_term", StatusFailed, now)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.Get(ctx, "pay_term")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.FinalizedAt)

	_, err = store.MarkTerminal(ctx, "pay_missing", StatusFailed, now)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestPostgresStore_FindPendingRenewal(t *testing.T) {
	store, cleanup := setupPaymentDB(t)
	defer cleanup()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	create := func(id string, at time.Time, op Operation, status Status) {
		require.NoError(t, store.Create(ctx, &Payment{
			ID: id, TenantID: "ten_pg", SubscriptionID: "sub_pend",
			AmountCents: 100, Currency: "USD", Status: status, Operation: op,
			CreatedAt: at,
		}))
	}
	create("pay_pend_old", base.Add(-time.Minute), OpRenewal, StatusPending)
	create("pay_pend_new", base, OpRenewal, StatusPending)
	create("pay_pend_done", base.Add(time.Minute), OpRenewal, StatusCompleted)
	create("pay_pend_upg", base.Add(2*time.Minute), OpUpgrade, StatusPending)

	got, err := store.FindPendingRenewal(ctx, "sub_pend")
	require.NoError(t, err)
	assert.Equal(t, "pay_pend_new", got.ID, "most recent pending renewal")

	_, err = store.FindPendingRenewal(ctx, "sub_missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestPostgresStore_ListByTenantPagination(t *testing.T) {
	store, cleanup := setupPaymentDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Create(ctx, &Payment{
			ID: "pay_list_" + string(rune('a'+i)), TenantID: "ten_pg",
			SubscriptionID: "sub_pg", AmountCents: int64(i), Currency: "USD",
			Status: StatusCompleted, Operation: OpRenewal,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	// Fetch limit+1 so callers can detect the next page.
	fetched, err := store.ListByTenant(ctx, "ten_pg", nil, 2)
	require.NoError(t, err)
	require.Len(t, fetched, 3)
	assert.Equal(t, "pay_list_e", fetched[0].ID, "newest first")

	// Keyset cursor continues where the page ended.
	next, err := store.ListByTenant(ctx, "ten_pg",
		&pagination.Cursor{CreatedAt: fetched[1].CreatedAt, ID: fetched[1].ID}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, next)
	assert.Equal(t, "pay_list_c", next[0].ID)
}
