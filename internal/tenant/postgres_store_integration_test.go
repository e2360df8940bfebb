//go:build integration

package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewlyhq/crewly-billing/internal/testutil"
)

func setupTenantDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func testTenant(id, slug string) *Tenant {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Tenant{
		ID: id, Name: "Acme " + slug, Slug: slug,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	store, cleanup := setupTenantDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testTenant("ten_a", "acme")))

	got, err := store.Get(ctx, "ten_a")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Slug)
	assert.Equal(t, StatusActive, got.Status)
	assert.False(t, got.HasPaymentMethod)

	bySlug, err := store.GetBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "ten_a", bySlug.ID)

	_, err = store.Get(ctx, "ten_missing")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestPostgresStore_SlugUniqueness(t *testing.T) {
	store, cleanup := setupTenantDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testTenant("ten_b1", "globex")))
	assert.ErrorIs(t, store.Create(ctx, testTenant("ten_b2", "globex")), ErrSlugTaken)
}

func TestPostgresStore_Update(t *testing.T) {
	store, cleanup := setupTenantDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testTenant("ten_c", "initech")))

	got, err := store.Get(ctx, "ten_c")
	require.NoError(t, err)
	got.Status = StatusSuspended
	got.GatewayCustomerID = "cus_123"
	got.HasPaymentMethod = true
	got.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.Update(ctx, got))

	again, err := store.Get(ctx, "ten_c")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, again.Status)
	assert.Equal(t, "cus_123", again.GatewayCustomerID)
	assert.True(t, again.HasPaymentMethod)

	ghost := testTenant("ten_ghost", "ghost")
	assert.ErrorIs(t, store.Update(ctx, ghost), ErrTenantNotFound)
}

func TestPostgresStore_List(t *testing.T) {
	store, cleanup := setupTenantDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testTenant("ten_d1", "one")))
	require.NoError(t, store.Create(ctx, testTenant("ten_d2", "two")))

	got, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ten_d1", got[0].ID, "ordered by id")
}
