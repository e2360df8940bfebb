package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewlyhq/crewly-billing/internal/catalog"
)

func TestCalculate_FreePlan(t *testing.T) {
	b, err := Calculate(catalog.Default(), "starter", nil, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 0, b.BaseSubtotal)
	assert.EqualValues(t, 0, b.Total)
}

func TestCalculate_TeamWithTwoAddons(t *testing.T) {
	// team at 44.00/user, 2 users, planning+ai at 18% each:
	// base 88.00, each add-on 15.84, total 119.68.
	b, err := Calculate(catalog.Default(), "team", []string{"planning", "ai"}, 2)
	require.NoError(t, err)

	assert.EqualValues(t, 8800, b.BaseSubtotal)
	assert.EqualValues(t, 1584, b.AddonAmount("planning"))
	assert.EqualValues(t, 1584, b.AddonAmount("ai"))
	assert.EqualValues(t, 11968, b.Total)
	assert.False(t, b.AddonsIncluded)
}

func TestCalculate_AddonsIndependentOfEachOther(t *testing.T) {
	cat := catalog.Default()

	one, err := Calculate(cat, "team", []string{"planning"}, 2)
	require.NoError(t, err)
	both, err := Calculate(cat, "team", []string{"planning", "ai"}, 2)
	require.NoError(t, err)

	// Each add-on amount depends only on the base subtotal, never on other
	// active add-ons.
	assert.Equal(t, one.AddonAmount("planning"), both.AddonAmount("planning"))
}

func TestCalculate_TotalIsSumOfParts(t *testing.T) {
	for _, users := range []int{1, 2, 7, 50} {
		b, err := Calculate(catalog.Default(), "team", []string{"planning", "ai"}, users)
		require.NoError(t, err)

		sum := b.BaseSubtotal
		for _, amt := range b.AddonAmounts {
			sum += amt
		}
		assert.Equal(t, sum, b.Total, "users=%d", users)
	}
}

func TestCalculate_CompletePlanIncludesAddons(t *testing.T) {
	b, err := Calculate(catalog.Default(), "enterprise", []string{"ai"}, 3)
	require.NoError(t, err)

	assert.True(t, b.AddonsIncluded)
	assert.EqualValues(t, 0, b.AddonAmount("ai"))
	assert.Equal(t, b.BaseSubtotal, b.Total)
}

func TestCalculate_UnknownPlan(t *testing.T) {
	_, err := Calculate(catalog.Default(), "platinum", nil, 1)
	assert.ErrorIs(t, err, catalog.ErrUnknownPlan)
}

func TestCalculate_UnknownAddon(t *testing.T) {
	_, err := Calculate(catalog.Default(), "team", []string{"bogus"}, 1)
	assert.ErrorIs(t, err, catalog.ErrUnknownAddon)
}

func TestCalculate_NegativeUserCount(t *testing.T) {
	_, err := Calculate(catalog.Default(), "team", nil, -1)
	assert.ErrorIs(t, err, ErrInvalidUserCount)
}

func TestCalculate_ZeroUsers(t *testing.T) {
	b, err := Calculate(catalog.Default(), "team", []string{"planning"}, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, b.BaseSubtotal)
	assert.EqualValues(t, 0, b.Total)
}
