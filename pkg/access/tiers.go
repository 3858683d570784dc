// Package access defines shared Cerebral tier and SKU contracts.
//
// The types here are safe to import from client surfaces that only need to
// describe or compare tiers without pulling in the resolver or stores.
package access

import (
	"time"
)

// TierLevel represents a subscription tier.
type TierLevel string

const (
	TierFree       TierLevel = "free"
	TierStandard   TierLevel = "standard"
	TierEnterprise TierLevel = "enterprise"
)

// tierRanks is the fixed total order free < standard < enterprise.
var tierRanks = map[TierLevel]int{
	TierFree:       0,
	TierStandard:   1,
	TierEnterprise: 2,
}

// AllTiers returns every tier in ascending rank.
func AllTiers() []TierLevel {
	return []TierLevel{TierFree, TierStandard, TierEnterprise}
}

// Rank returns the numeric level of a tier (0=free, 1=standard, 2=enterprise).
// Unknown tiers rank below free so they never satisfy a requirement.
func Rank(t TierLevel) int {
	if r, ok := tierRanks[t]; ok {
		return r
	}
	return -1
}

// ParseTier returns the tier for an exact tier string.
func ParseTier(s string) (TierLevel, bool) {
	t := TierLevel(s)
	_, ok := tierRanks[t]
	if !ok {
		return "", false
	}
	return t, true
}

// IsValidTier reports whether v is one of the three tier strings.
// Any non-string value is invalid.
func IsValidTier(v any) bool {
	switch tv := v.(type) {
	case string:
		_, ok := ParseTier(tv)
		return ok
	case TierLevel:
		_, ok := tierRanks[tv]
		return ok
	default:
		return false
	}
}

// HasTierAccess reports whether the user tier satisfies the required tier.
// An unresolved (empty) user tier only satisfies the free requirement.
func HasTierAccess(user, required TierLevel) bool {
	if user == "" {
		return required == TierFree
	}
	return Rank(user) >= Rank(required)
}

// FormatTierName returns the display name for a tier.
func FormatTierName(t TierLevel) string {
	switch t {
	case TierFree:
		return "Free"
	case TierStandard:
		return "Standard"
	case TierEnterprise:
		return "Enterprise"
	default:
		return string(t)
	}
}

// SubscriptionType is the billing cadence attached to a paid tier.
type SubscriptionType string

const (
	SubscriptionNone    SubscriptionType = ""
	SubscriptionMonthly SubscriptionType = "monthly"
	SubscriptionAnnual  SubscriptionType = "annual"
)

// ParseSubscriptionType accepts "monthly" and "annual"; anything else is none.
func ParseSubscriptionType(s string) SubscriptionType {
	switch SubscriptionType(s) {
	case SubscriptionMonthly, SubscriptionAnnual:
		return SubscriptionType(s)
	default:
		return SubscriptionNone
	}
}

// UserTierState is a read-only snapshot of the resolved tier.
// It is always replaced wholesale, never mutated in place.
type UserTierState struct {
	Tier             TierLevel        `json:"tier"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty"`
	IsActive         bool             `json:"is_active"`
	SubscriptionType SubscriptionType `json:"subscription_type,omitempty"`
}

// FreeTierState is the default-deny state used whenever no tier can be read.
func FreeTierState() UserTierState {
	return UserTierState{Tier: TierFree, IsActive: true}
}

// IsExpired reports whether the state carries an expiry that has passed.
func (s UserTierState) IsExpired(now time.Time) bool {
	if s.ExpiresAt == nil {
		return false
	}
	return now.After(*s.ExpiresAt)
}

// Equal compares two states by value.
func (s UserTierState) Equal(other UserTierState) bool {
	if s.Tier != other.Tier || s.IsActive != other.IsActive || s.SubscriptionType != other.SubscriptionType {
		return false
	}
	switch {
	case s.ExpiresAt == nil && other.ExpiresAt == nil:
		return true
	case s.ExpiresAt == nil || other.ExpiresAt == nil:
		return false
	default:
		return s.ExpiresAt.Equal(*other.ExpiresAt)
	}
}

// TierConfig is display metadata for a tier.
type TierConfig struct {
	ID            TierLevel `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Price         string    `json:"price"`
	BillingPeriod string    `json:"billing_period,omitempty"`
	Level         int       `json:"level"`
	Features      []string  `json:"features"`
}

// TierConfigs maps each tier to its display metadata.
var TierConfigs = map[TierLevel]TierConfig{
	TierFree: {
		ID:          TierFree,
		Name:        "Free",
		Description: "Get started with basic features",
		Price:       "Free",
		Level:       0,
		Features: []string{
			"Dashboard access",
			"Basic task management",
			"Search",
			"Community support",
		},
	},
	TierStandard: {
		ID:            TierStandard,
		Name:          "Standard",
		Description:   "For growing teams",
		Price:         "$9.99",
		BillingPeriod: "/month",
		Level:         1,
		Features: []string{
			"Everything in Free",
			"Advanced analytics",
			"Custom reports",
			"Data export",
			"Email support",
			"Team collaboration",
		},
	},
	TierEnterprise: {
		ID:            TierEnterprise,
		Name:          "Enterprise",
		Description:   "For large organizations",
		Price:         "$49.99",
		BillingPeriod: "/month",
		Level:         2,
		Features: []string{
			"Everything in Standard",
			"AI-powered insights",
			"Custom integrations",
			"Team management",
			"Custom branding",
			"API access",
			"Priority support",
			"Audit logs",
		},
	},
}
