package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Plans(t *testing.T) {
	c := Default()

	starter, err := c.Plan("starter")
	require.NoError(t, err)
	assert.Equal(t, KindBasic, starter.Kind)
	assert.EqualValues(t, 0, starter.PricePerUser)
	assert.False(t, starter.AllowsAddons)

	team, err := c.Plan("team")
	require.NoError(t, err)
	assert.Equal(t, KindStandard, team.Kind)
	assert.EqualValues(t, 4400, team.PricePerUser)
	assert.True(t, team.AllowsAddons)

	ent, err := c.Plan("enterprise")
	require.NoError(t, err)
	assert.True(t, ent.Complete())
}

func TestPlan_Unknown(t *testing.T) {
	_, err := Default().Plan("platinum")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestAddon_Lookup(t *testing.T) {
	c := Default()

	planning, err := c.Addon("planning")
	require.NoError(t, err)
	assert.Equal(t, 18, planning.Percent)
	assert.Equal(t, FeaturePlanning, planning.Feature)

	_, err = c.Addon("bogus")
	assert.ErrorIs(t, err, ErrUnknownAddon)
}

func TestPlansAndAddons_Sorted(t *testing.T) {
	c := Default()

	plans := c.Plans()
	require.Len(t, plans, 3)
	assert.Equal(t, "enterprise", plans[0].Name)
	assert.Equal(t, "starter", plans[1].Name)
	assert.Equal(t, "team", plans[2].Name)

	addons := c.Addons()
	require.Len(t, addons, 2)
	assert.Equal(t, "ai", addons[0].Name)
	assert.Equal(t, "planning", addons[1].Name)
}

func TestFeatureFlags_BasicPlan(t *testing.T) {
	flags, err := Default().FeatureFlags("starter", nil)
	require.NoError(t, err)

	assert.True(t, flags[FeatureProjects])
	assert.True(t, flags[FeatureTimesheets])
	assert.False(t, flags[FeatureReports])
	assert.False(t, flags[FeaturePlanning])
	assert.False(t, flags[FeatureAI])
}

func TestFeatureFlags_StandardWithAddons(t *testing.T) {
	c := Default()

	flags, err := c.FeatureFlags("team", nil)
	require.NoError(t, err)
	assert.True(t, flags[FeatureReports])
	assert.False(t, flags[FeaturePlanning])

	flags, err = c.FeatureFlags("team", []string{"planning"})
	require.NoError(t, err)
	assert.True(t, flags[FeaturePlanning])
	assert.False(t, flags[FeatureAI])
}

func TestFeatureFlags_CompletePlanHasEverything(t *testing.T) {
	flags, err := Default().FeatureFlags("enterprise", nil)
	require.NoError(t, err)

	for f, on := range flags {
		assert.True(t, on, "feature %s should be enabled on complete plan", f)
	}
}

func TestFeatureFlags_UnknownPlan(t *testing.T) {
	_, err := Default().FeatureFlags("bogus", nil)
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestFeatureFlags_UnknownAddon(t *testing.T) {
	_, err := Default().FeatureFlags("team", []string{"bogus"})
	assert.ErrorIs(t, err, ErrUnknownAddon)
}
