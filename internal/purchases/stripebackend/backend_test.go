package stripebackend

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/baerautotech/cerebral-access/internal/entitlements"
	accesserrors "github.com/baerautotech/cerebral-access/internal/errors"
	"github.com/baerautotech/cerebral-access/pkg/access"
)

type fakeStripe struct {
	subs    []*stripe.Subscription
	prices  map[string]string
	created []*stripe.SubscriptionParams
	status  stripe.SubscriptionStatus
	listErr error
}

func (f *fakeStripe) api() *API {
	return &API{
		ListSubscriptions: func(_ context.Context, customerID string) ([]*stripe.Subscription, error) {
			if f.listErr != nil {
				return nil, f.listErr
			}
			return f.subs, nil
		},
		FindPrice: func(_ context.Context, lookupKey string) (*stripe.Price, error) {
			id, ok := f.prices[lookupKey]
			if !ok {
				return nil, nil
			}
			return &stripe.Price{ID: id, LookupKey: lookupKey}, nil
		},
		CreateSubscription: func(params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			f.created = append(f.created, params)
			priceID := *params.Items[0].Price
			var lookupKey string
			for k, v := range f.prices {
				if v == priceID {
					lookupKey = k
				}
			}
			sub := &stripe.Subscription{
				ID:     "sub_new",
				Status: f.status,
				Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{
					Price:            &stripe.Price{ID: priceID, LookupKey: lookupKey},
					CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour).Unix(),
				}}},
				StartDate: time.Now().Unix(),
			}
			if sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing {
				f.subs = append(f.subs, sub)
			}
			return sub, nil
		},
		CreateCheckoutSession: func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			return &stripe.CheckoutSession{URL: "https://checkout.stripe.test/" + *params.LineItems[0].Price}, nil
		},
	}
}

func subscription(id string, status stripe.SubscriptionStatus, lookupKey string, periodEnd time.Time) *stripe.Subscription {
	return &stripe.Subscription{
		ID:        id,
		Status:    status,
		StartDate: periodEnd.Add(-30 * 24 * time.Hour).Unix(),
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{
			Price:            &stripe.Price{ID: "price_" + lookupKey, LookupKey: lookupKey},
			CurrentPeriodEnd: periodEnd.Unix(),
		}}},
	}
}

func TestCustomerInfo(t *testing.T) {
	future := time.Now().Add(24 * time.Hour)
	f := &fakeStripe{subs: []*stripe.Subscription{
		subscription("sub_1", stripe.SubscriptionStatusActive, access.SKUStandardMonthly, future),
		subscription("sub_2", stripe.SubscriptionStatusCanceled, access.SKUEnterpriseMonthly, future),
		subscription("sub_3", stripe.SubscriptionStatusTrialing, access.SKUFamilyAnnual, future),
		subscription("sub_4", stripe.SubscriptionStatusCanceled, access.SKUStandardMonthly, future),
		{ID: "sub_no_items", Status: stripe.SubscriptionStatusActive},
	}}
	b := New(Config{APIKey: "sk_test", CustomerID: "cus_1", API: f.api()})

	info, err := b.CustomerInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cus_1", info.CustomerID)
	assert.Equal(t, "sub_1", info.Subscriptions[access.SKUStandardMonthly].ID, "an active subscription is not shadowed by a canceled one")
	assert.Equal(t,
		[]string{access.SKUFamilyAnnual, access.SKUStandardMonthly},
		entitlements.ActiveSKUs(info, time.Now()))
}

func TestPurchase(t *testing.T) {
	f := &fakeStripe{
		prices: map[string]string{access.SKUEnterpriseMonthly: "price_ent"},
		status: stripe.SubscriptionStatusActive,
	}
	b := New(Config{APIKey: "sk_test", CustomerID: "cus_1", API: f.api()})

	result, err := b.Purchase(context.Background(), access.SKUEnterpriseMonthly)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, access.TierEnterprise, result.NewTier)
	require.Len(t, f.created, 1)
	assert.Equal(t, "cus_1", *f.created[0].Customer)
	assert.Equal(t, "price_ent", *f.created[0].Items[0].Price)
}

func TestPurchaseIncomplete(t *testing.T) {
	f := &fakeStripe{
		prices: map[string]string{access.SKUStandardMonthly: "price_std"},
		status: stripe.SubscriptionStatusIncomplete,
	}
	b := New(Config{APIKey: "sk_test", CustomerID: "cus_1", API: f.api()})

	result, err := b.Purchase(context.Background(), access.SKUStandardMonthly)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorContains(t, result.Err, "incomplete")
}

func TestPurchaseUnknownPrice(t *testing.T) {
	b := New(Config{APIKey: "sk_test", CustomerID: "cus_1", API: (&fakeStripe{}).api()})
	_, err := b.Purchase(context.Background(), "mystery_sku")
	assert.ErrorIs(t, err, ErrUnknownPrice)
}

func TestNotConfigured(t *testing.T) {
	b := New(Config{API: (&fakeStripe{}).api()})
	_, err := b.CustomerInfo(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = b.Purchase(context.Background(), access.SKUStandardMonthly)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestInjectedAPILeavesGlobalKeyAlone(t *testing.T) {
	prev := stripe.Key
	stripe.Key = "sk_global"
	t.Cleanup(func() { stripe.Key = prev })

	f := &fakeStripe{
		prices: map[string]string{access.SKUStandardMonthly: "price_1"},
		status: stripe.SubscriptionStatusActive,
	}
	b := New(Config{APIKey: "sk_test", CustomerID: "cus_1", API: f.api()})
	_, err := b.CustomerInfo(context.Background())
	require.NoError(t, err)
	_, err = b.Purchase(context.Background(), access.SKUStandardMonthly)
	require.NoError(t, err)
	assert.Equal(t, "sk_global", stripe.Key)
}

func TestDefaultAPIInstallsKeyAtConstruction(t *testing.T) {
	prev := stripe.Key
	t.Cleanup(func() { stripe.Key = prev })

	New(Config{APIKey: " sk_live_1 ", CustomerID: "cus_1"})
	assert.Equal(t, "sk_live_1", stripe.Key)

	New(Config{CustomerID: "cus_1"})
	assert.Equal(t, "sk_live_1", stripe.Key, "an empty key does not clear the installed one")
}

func TestStripeErrorStatus(t *testing.T) {
	f := &fakeStripe{listErr: &stripe.Error{HTTPStatusCode: http.StatusUnauthorized, Msg: "invalid api key"}}
	b := New(Config{APIKey: "sk_bad", CustomerID: "cus_1", API: f.api()})

	_, err := b.CustomerInfo(context.Background())
	require.Error(t, err)
	assert.True(t, accesserrors.IsAuthError(err))

	f.listErr = errors.New("connection reset")
	_, err = b.Restore(context.Background())
	require.Error(t, err)
	assert.True(t, accesserrors.IsRetryableError(err))
}

func TestCheckoutURL(t *testing.T) {
	f := &fakeStripe{prices: map[string]string{access.SKUFamilyAnnual: "price_fam"}}
	b := New(Config{APIKey: "sk_test", CustomerID: "cus_1", API: f.api()})

	u, err := b.CheckoutURL(context.Background(), access.SKUFamilyAnnual, "https://app/success", "https://app/cancel")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.test/price_fam", u)
}

func TestBackendDrivesEntitlementStore(t *testing.T) {
	f := &fakeStripe{
		prices: map[string]string{access.SKUEnterpriseMonthly: "price_ent"},
		status: stripe.SubscriptionStatusActive,
	}
	store, err := entitlements.NewStore(New(Config{APIKey: "sk_test", CustomerID: "cus_1", API: f.api()}))
	require.NoError(t, err)
	store.Refresh(context.Background())
	require.False(t, store.HasPurchase(access.SKUEnterpriseMonthly))

	result := store.InitiateCheckout(context.Background(), access.SKUEnterpriseMonthly)
	require.True(t, result.Success)
	assert.True(t, store.HasPurchase(access.SKUEnterpriseMonthly))
}
