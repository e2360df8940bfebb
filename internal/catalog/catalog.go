// Package catalog defines the plan and add-on catalogue.
//
// Catalogue entries are immutable at runtime: they change only with a
// configuration deploy. Price calculation reads the catalogue per call and
// never caches derived data.
package catalog

import (
	"errors"
	"sort"
)

// Errors
var (
	ErrUnknownPlan  = errors.New("catalog: unknown plan")
	ErrUnknownAddon = errors.New("catalog: unknown add-on")
)

// Kind classifies a plan's add-on behaviour.
type Kind string

const (
	// KindBasic plans expose only the mandatory feature set and forbid add-ons.
	KindBasic Kind = "basic"
	// KindStandard plans bundle one extra feature and permit add-ons.
	KindStandard Kind = "standard"
	// KindComplete plans include every feature; add-on toggles are no-ops.
	KindComplete Kind = "complete"
)

// Feature is a named product capability unlocked by a plan or add-on.
type Feature string

const (
	FeatureProjects   Feature = "projects"
	FeatureTimesheets Feature = "timesheets"
	FeatureExpenses   Feature = "expenses"
	FeatureReports    Feature = "reports"
	FeaturePlanning   Feature = "planning"
	FeatureAI         Feature = "ai"
)

// PlanDefinition is an immutable catalogue entry for a pricing tier.
type PlanDefinition struct {
	Name         string    `json:"name"`
	Kind         Kind      `json:"kind"`
	PricePerUser int64     `json:"pricePerUser"` // cents per user per month
	AllowsAddons bool      `json:"allowsAddons"`
	Features     []Feature `json:"features"` // included without add-ons
}

// Complete reports whether the plan already includes every feature.
func (p PlanDefinition) Complete() bool { return p.Kind == KindComplete }

// AddonDefinition is an immutable catalogue entry for an optional add-on.
//
// The price is a percentage of the plan's base subtotal. Percentages never
// compound: each add-on is computed against the base subtotal only.
type AddonDefinition struct {
	Name    string  `json:"name"`
	Percent int     `json:"percent"`
	Feature Feature `json:"feature"` // feature toggled by this add-on
}

// Catalog holds the deployed plan and add-on definitions.
type Catalog struct {
	plans  map[string]PlanDefinition
	addons map[string]AddonDefinition
}

// New builds a catalogue from explicit definitions.
func New(plans []PlanDefinition, addons []AddonDefinition) *Catalog {
	c := &Catalog{
		plans:  make(map[string]PlanDefinition, len(plans)),
		addons: make(map[string]AddonDefinition, len(addons)),
	}
	for _, p := range plans {
		c.plans[p.Name] = p
	}
	for _, a := range addons {
		c.addons[a.Name] = a
	}
	return c
}

// Default returns the shipped catalogue: a free basic tier, a standard
// per-user tier with optional add-ons, and a complete tier.
func Default() *Catalog {
	return New(
		[]PlanDefinition{
			{
				Name:         "starter",
				Kind:         KindBasic,
				PricePerUser: 0,
				AllowsAddons: false,
				Features:     []Feature{FeatureProjects, FeatureTimesheets},
			},
			{
				Name:         "team",
				Kind:         KindStandard,
				PricePerUser: 4400,
				AllowsAddons: true,
				Features:     []Feature{FeatureProjects, FeatureTimesheets, FeatureExpenses, FeatureReports},
			},
			{
				Name:         "enterprise",
				Kind:         KindComplete,
				PricePerUser: 7900,
				AllowsAddons: false, // meaningless on a complete plan; toggles are no-ops
				Features:     allFeatures(),
			},
		},
		[]AddonDefinition{
			{Name: "planning", Percent: 18, Feature: FeaturePlanning},
			{Name: "ai", Percent: 18, Feature: FeatureAI},
		},
	)
}

// Plan looks up a plan definition by name.
func (c *Catalog) Plan(name string) (PlanDefinition, error) {
	p, ok := c.plans[name]
	if !ok {
		return PlanDefinition{}, ErrUnknownPlan
	}
	return p, nil
}

// Addon looks up an add-on definition by name.
func (c *Catalog) Addon(name string) (AddonDefinition, error) {
	a, ok := c.addons[name]
	if !ok {
		return AddonDefinition{}, ErrUnknownAddon
	}
	return a, nil
}

// Plans returns all plan definitions sorted by name.
func (c *Catalog) Plans() []PlanDefinition {
	out := make([]PlanDefinition, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Addons returns all add-on definitions sorted by name.
func (c *Catalog) Addons() []AddonDefinition {
	out := make([]AddonDefinition, 0, len(c.addons))
	for _, a := range c.addons {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func allFeatures() []Feature {
	return []Feature{
		FeatureProjects, FeatureTimesheets, FeatureExpenses,
		FeatureReports, FeaturePlanning, FeatureAI,
	}
}
