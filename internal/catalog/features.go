package catalog

// FeatureFlags computes the entitlement map for a plan and its active
// add-ons. This is the only channel other subsystems use to learn
// entitlements; it is recomputed on every call and never cached, so a
// plan or add-on change is visible immediately.
func (c *Catalog) FeatureFlags(planName string, activeAddons []string) (map[Feature]bool, error) {
	plan, err := c.Plan(planName)
	if err != nil {
		return nil, err
	}

	flags := make(map[Feature]bool, len(allFeatures()))
	for _, f := range allFeatures() {
		flags[f] = false
	}

	if plan.Complete() {
		for f := range flags {
			flags[f] = true
		}
		return flags, nil
	}

	for _, f := range plan.Features {
		flags[f] = true
	}

	if plan.AllowsAddons {
		for _, name := range activeAddons {
			addon, err := c.Addon(name)
			if err != nil {
				return nil, err
			}
			flags[addon.Feature] = true
		}
	}

	return flags, nil
}
