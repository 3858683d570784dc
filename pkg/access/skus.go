package access

import "sort"

// Purchasable product identifiers.
const (
	SKUStandardMonthly   = "standard_monthly"
	SKUEnterpriseMonthly = "enterprise_monthly"
	SKUFamilyAnnual      = "family_annual"
	SKUAnalyticsAddon    = "analytics_addon"
)

// SKUConfig describes a purchasable product.
type SKUConfig struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	Price         string           `json:"price"`
	BillingPeriod SubscriptionType `json:"billing_period"`
	// TierGrant is the tier this SKU unlocks, empty for add-ons.
	TierGrant TierLevel `json:"tier_grant,omitempty"`
}

// SKUConfigs is the product catalog known to the client.
var SKUConfigs = map[string]SKUConfig{
	SKUStandardMonthly: {
		ID:            SKUStandardMonthly,
		Name:          "Standard Monthly",
		Description:   "Standard features with monthly billing",
		Price:         "$9.99",
		BillingPeriod: SubscriptionMonthly,
		TierGrant:     TierStandard,
	},
	SKUEnterpriseMonthly: {
		ID:            SKUEnterpriseMonthly,
		Name:          "Enterprise Monthly",
		Description:   "Enterprise features with monthly billing",
		Price:         "$49.99",
		BillingPeriod: SubscriptionMonthly,
		TierGrant:     TierEnterprise,
	},
	SKUFamilyAnnual: {
		ID:            SKUFamilyAnnual,
		Name:          "Family Annual",
		Description:   "Family plan with annual billing",
		Price:         "$99.99",
		BillingPeriod: SubscriptionAnnual,
		TierGrant:     TierStandard,
	},
}

// TierGrantForSKU returns the tier unlocked by a SKU, if the catalog knows one.
func TierGrantForSKU(sku string) (TierLevel, bool) {
	cfg, ok := SKUConfigs[sku]
	if !ok || cfg.TierGrant == "" {
		return "", false
	}
	return cfg.TierGrant, true
}

// KnownSKUs returns the catalog SKUs sorted by identifier.
func KnownSKUs() []string {
	out := make([]string, 0, len(SKUConfigs))
	for sku := range SKUConfigs {
		out = append(out, sku)
	}
	sort.Strings(out)
	return out
}
