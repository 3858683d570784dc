// Package guard decides whether protected functionality may be used, from
// the tier, feature flag and entitlement signals.
//
// Evaluation is default-deny: a layer whose signal is still loading is a bare
// deny (never its fallback), a missing signal source never satisfies a
// condition, and the outermost failing layer decides.
package guard

import (
	"github.com/baerautotech/cerebral-access/pkg/access"
)

// TierSource is satisfied by the tier resolver.
type TierSource interface {
	Loaded() bool
	HasTier(required access.TierLevel) bool
}

// FlagSource is satisfied by the feature flag store.
type FlagSource interface {
	Loaded() bool
	IsEnabled(name string) bool
}

// EntitlementSource is satisfied by the entitlement store.
type EntitlementSource interface {
	Loaded() bool
	HasPurchase(sku string) bool
}

// Signals bundles the sources a requirement can reference. Any field may be
// nil.
type Signals struct {
	Tier         TierSource
	Flags        FlagSource
	Entitlements EntitlementSource
}

// Condition names one kind of check inside a requirement.
type Condition string

const (
	ConditionTier Condition = "tier"
	ConditionFlag Condition = "flag"
	ConditionSKU  Condition = "sku"
)

// Kind is the shape of a decision.
type Kind int

const (
	DenyBare Kind = iota
	DenyWithFallback
	Allow
)

func (k Kind) String() string {
	switch k {
	case Allow:
		return "allow"
	case DenyWithFallback:
		return "deny_with_fallback"
	default:
		return "deny_bare"
	}
}

// Requirement is one guard layer. Empty fields are not required; a layer
// with no fields passes.
type Requirement[C any] struct {
	Tier     access.TierLevel
	Flag     string
	SKU      string
	Fallback *C
}

// Conditions lists the checks the layer specifies.
func (r Requirement[C]) Conditions() []Condition {
	var out []Condition
	if r.Tier != "" {
		out = append(out, ConditionTier)
	}
	if r.Flag != "" {
		out = append(out, ConditionFlag)
	}
	if r.SKU != "" {
		out = append(out, ConditionSKU)
	}
	return out
}

// Decision is the outcome of an evaluation. Fallback is set only for
// DenyWithFallback. Layer is the index of the deciding layer, or -1.
type Decision[C any] struct {
	Kind     Kind
	Fallback C
	Unmet    []Condition
	Layer    int
	Pending  bool // a referenced source had not loaded
}

// Allowed reports whether the decision grants access.
func (d Decision[C]) Allowed() bool { return d.Kind == Allow }

// Evaluate applies reqs, outermost first. Nesting guards is equivalent to
// passing their requirements in nesting order: a layer that fails decides
// before any inner layer is consulted, and a layer whose sources are still
// loading yields a pending bare deny.
func Evaluate[C any](sig Signals, reqs ...Requirement[C]) Decision[C] {
	for i, r := range reqs {
		if !referencedLoaded(sig, r) {
			return Decision[C]{Kind: DenyBare, Layer: i, Pending: true}
		}
		unmet := unmetConditions(sig, r)
		if len(unmet) == 0 {
			continue
		}
		d := Decision[C]{Kind: DenyBare, Unmet: unmet, Layer: i}
		if r.Fallback != nil {
			d.Kind = DenyWithFallback
			d.Fallback = *r.Fallback
		}
		return d
	}
	return Decision[C]{Kind: Allow, Layer: -1}
}

// referencedLoaded reports whether every non-nil source r references has
// loaded. Nil sources count as loaded.
func referencedLoaded[C any](sig Signals, r Requirement[C]) bool {
	if r.Tier != "" && sig.Tier != nil && !sig.Tier.Loaded() {
		return false
	}
	if r.Flag != "" && sig.Flags != nil && !sig.Flags.Loaded() {
		return false
	}
	if r.SKU != "" && sig.Entitlements != nil && !sig.Entitlements.Loaded() {
		return false
	}
	return true
}

func unmetConditions[C any](sig Signals, r Requirement[C]) []Condition {
	var unmet []Condition
	if r.Tier != "" && (sig.Tier == nil || !sig.Tier.HasTier(r.Tier)) {
		unmet = append(unmet, ConditionTier)
	}
	if r.Flag != "" && (sig.Flags == nil || !sig.Flags.IsEnabled(r.Flag)) {
		unmet = append(unmet, ConditionFlag)
	}
	if r.SKU != "" && (sig.Entitlements == nil || !sig.Entitlements.HasPurchase(r.SKU)) {
		unmet = append(unmet, ConditionSKU)
	}
	return unmet
}
