package entitlements

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/baerautotech/cerebral-access/pkg/access"
)

// Purchase is a single store transaction.
type Purchase struct {
	ID             string     `json:"id"`
	ProductID      string     `json:"productId"`
	PurchaseDate   time.Time  `json:"purchaseDate"`
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`
	IsActive       bool       `json:"isActive"`
	IsSubscription bool       `json:"isSubscription"`
}

// ActiveAt reports whether p is active and not past its expiration date.
func (p Purchase) ActiveAt(now time.Time) bool {
	if !p.IsActive {
		return false
	}
	return p.ExpirationDate == nil || now.Before(*p.ExpirationDate)
}

// CustomerInfo is the purchase backend's view of the current customer,
// keyed by SKU.
type CustomerInfo struct {
	CustomerID               string              `json:"customerId"`
	Subscriptions            map[string]Purchase `json:"subscriptions"`
	NonSubscriptionPurchases map[string]Purchase `json:"nonSubscriptionPurchases"`
}

// Clone returns a deep copy. A nil receiver yields nil.
func (c *CustomerInfo) Clone() *CustomerInfo {
	if c == nil {
		return nil
	}
	out := *c
	out.Subscriptions = clonePurchases(c.Subscriptions)
	out.NonSubscriptionPurchases = clonePurchases(c.NonSubscriptionPurchases)
	return &out
}

func clonePurchases(in map[string]Purchase) map[string]Purchase {
	if in == nil {
		return nil
	}
	out := maps.Clone(in)
	for sku, p := range out {
		if p.ExpirationDate != nil {
			exp := *p.ExpirationDate
			p.ExpirationDate = &exp
			out[sku] = p
		}
	}
	return out
}

// HasActive reports whether sku has an active subscription or
// non-subscription purchase as of now.
func (c *CustomerInfo) HasActive(sku string, now time.Time) bool {
	if c == nil {
		return false
	}
	if p, ok := c.Subscriptions[sku]; ok && p.ActiveAt(now) {
		return true
	}
	p, ok := c.NonSubscriptionPurchases[sku]
	return ok && p.ActiveAt(now)
}

// ActiveSKUs returns, sorted, the union of SKUs with an active subscription
// or an active non-subscription purchase as of now.
func ActiveSKUs(info *CustomerInfo, now time.Time) []string {
	if info == nil {
		return []string{}
	}
	set := make(map[string]struct{})
	for sku, p := range info.Subscriptions {
		if p.ActiveAt(now) {
			set[sku] = struct{}{}
		}
	}
	for sku, p := range info.NonSubscriptionPurchases {
		if p.ActiveAt(now) {
			set[sku] = struct{}{}
		}
	}
	skus := make([]string, 0, len(set))
	for sku := range set {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	return skus
}

// PurchaseResult is the outcome of a checkout.
type PurchaseResult struct {
	Success      bool             `json:"success"`
	Err          error            `json:"-"`
	SKU          string           `json:"sku"`
	NewTier      access.TierLevel `json:"newTier,omitempty"`
	CustomerInfo *CustomerInfo    `json:"customerInfo,omitempty"`
}

// ReceiptVerification is the server's verdict on a store receipt.
type ReceiptVerification struct {
	Valid bool             `json:"valid"`
	Tier  access.TierLevel `json:"tier,omitempty"`
}

// Backend is the purchase SDK collaborator.
type Backend interface {
	CustomerInfo(ctx context.Context) (*CustomerInfo, error)
	Purchase(ctx context.Context, sku string) (PurchaseResult, error)
	Restore(ctx context.Context) (*CustomerInfo, error)
}

// ReceiptVerifier is implemented by backends that can validate receipts
// server-side.
type ReceiptVerifier interface {
	VerifyReceipt(ctx context.Context, receipt, sku, platform string) (ReceiptVerification, error)
}
