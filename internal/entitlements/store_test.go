package entitlements

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baerautotech/cerebral-access/internal/cache"
	"github.com/baerautotech/cerebral-access/internal/metrics"
	"github.com/baerautotech/cerebral-access/internal/storage/memory"
	"github.com/baerautotech/cerebral-access/pkg/access"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// fakeBackend records purchases in memory the way a store SDK would.
type fakeBackend struct {
	mu          sync.Mutex
	info        *CustomerInfo
	infoErr     error
	purchaseErr error
	decline     bool
	restoreInfo *CustomerInfo
	restoreErr  error
	panicOn     string
	infoCalls   int
}

func (b *fakeBackend) CustomerInfo(context.Context) (*CustomerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.infoCalls++
	if b.panicOn == "info" {
		panic("sdk crashed")
	}
	if b.infoErr != nil {
		return nil, b.infoErr
	}
	return b.info.Clone(), nil
}

func (b *fakeBackend) Purchase(_ context.Context, sku string) (PurchaseResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.panicOn == "purchase" {
		panic("sdk crashed")
	}
	if b.purchaseErr != nil {
		return PurchaseResult{}, b.purchaseErr
	}
	if b.decline {
		return PurchaseResult{SKU: sku}, nil
	}
	if b.info == nil {
		b.info = &CustomerInfo{CustomerID: "cus_1"}
	}
	if b.info.Subscriptions == nil {
		b.info.Subscriptions = map[string]Purchase{}
	}
	b.info.Subscriptions[sku] = Purchase{ID: "txn_" + sku, ProductID: sku, PurchaseDate: testNow, IsActive: true, IsSubscription: true}
	return PurchaseResult{Success: true, SKU: sku}, nil
}

func (b *fakeBackend) Restore(context.Context) (*CustomerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.panicOn == "restore" {
		panic("sdk crashed")
	}
	return b.restoreInfo.Clone(), b.restoreErr
}

func newStore(t *testing.T, b Backend, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	}, opts...)
	s, err := NewStore(b, opts...)
	require.NoError(t, err)
	return s
}

func TestActiveSKUs(t *testing.T) {
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)
	info := &CustomerInfo{
		Subscriptions: map[string]Purchase{
			access.SKUStandardMonthly:   {IsActive: true, ExpirationDate: &future},
			access.SKUEnterpriseMonthly: {IsActive: true, ExpirationDate: &past},
			access.SKUFamilyAnnual:      {IsActive: false},
		},
		NonSubscriptionPurchases: map[string]Purchase{
			access.SKUAnalyticsAddon:  {IsActive: true},
			access.SKUStandardMonthly: {IsActive: true},
		},
	}

	assert.Equal(t, []string{access.SKUAnalyticsAddon, access.SKUStandardMonthly}, ActiveSKUs(info, testNow))
	assert.Equal(t, []string{}, ActiveSKUs(nil, testNow))
}

func TestRefresh(t *testing.T) {
	b := &fakeBackend{info: &CustomerInfo{
		CustomerID:    "cus_1",
		Subscriptions: map[string]Purchase{access.SKUEnterpriseMonthly: {IsActive: true}},
	}}
	s := newStore(t, b)
	assert.False(t, s.Loaded())
	assert.False(t, s.HasPurchase(access.SKUEnterpriseMonthly))

	res := s.Refresh(context.Background())
	require.True(t, res.Success)
	assert.True(t, s.Loaded())
	assert.True(t, s.HasPurchase(access.SKUEnterpriseMonthly))
	assert.Equal(t, []string{access.SKUEnterpriseMonthly}, s.PurchasedSKUs())
	assert.Equal(t, "cus_1", s.CustomerInfo().CustomerID)

	// TTL zero: every refresh reaches the backend.
	s.Refresh(context.Background())
	assert.Equal(t, 2, b.infoCalls)
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	b := &fakeBackend{info: &CustomerInfo{Subscriptions: map[string]Purchase{access.SKUStandardMonthly: {IsActive: true}}}}
	s := newStore(t, b)
	s.Refresh(context.Background())

	b.mu.Lock()
	b.infoErr = errors.New("offline")
	b.mu.Unlock()

	res := s.Refresh(context.Background())
	assert.False(t, res.Success)
	assert.EqualError(t, res.Err, "offline")
	assert.True(t, s.HasPurchase(access.SKUStandardMonthly))
}

func TestHasPurchaseHonorsExpiryBetweenRefreshes(t *testing.T) {
	expires := testNow.Add(30 * time.Minute)
	b := &fakeBackend{info: &CustomerInfo{
		Subscriptions: map[string]Purchase{
			access.SKUStandardMonthly: {IsActive: true, ExpirationDate: &expires},
		},
		NonSubscriptionPurchases: map[string]Purchase{
			access.SKUAnalyticsAddon: {IsActive: true},
		},
	}}
	now := testNow
	s := newStore(t, b, WithClock(func() time.Time { return now }))
	require.True(t, s.Refresh(context.Background()).Success)
	assert.True(t, s.HasPurchase(access.SKUStandardMonthly))

	now = expires.Add(time.Second)
	assert.False(t, s.HasPurchase(access.SKUStandardMonthly))
	assert.True(t, s.HasPurchase(access.SKUAnalyticsAddon))
	assert.Equal(t, []string{access.SKUAnalyticsAddon}, s.PurchasedSKUs())
	assert.Equal(t, 1, b.infoCalls, "expiry check reads the cached snapshot")
}

func TestRefreshFailureWithoutSnapshotIsEmptyButLoaded(t *testing.T) {
	s := newStore(t, &fakeBackend{infoErr: errors.New("offline")})
	res := s.Refresh(context.Background())
	assert.False(t, res.Success)
	assert.True(t, s.Loaded())
	assert.Empty(t, s.PurchasedSKUs())
	assert.Equal(t, cache.SourceEmpty, res.Snapshot.Source)
}

func TestColdStartAdoptsPersistedInfoWhenOffline(t *testing.T) {
	backing := memory.New()
	online := newStore(t, &fakeBackend{info: &CustomerInfo{
		Subscriptions: map[string]Purchase{access.SKUFamilyAnnual: {IsActive: true}},
	}}, WithStorage(backing))
	online.Refresh(context.Background())

	offline := newStore(t, &fakeBackend{infoErr: errors.New("offline")}, WithStorage(backing))
	res := offline.Refresh(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, cache.SourceStale, res.Snapshot.Source)
	assert.True(t, offline.HasPurchase(access.SKUFamilyAnnual))
}

func TestCheckoutReflectsPurchaseWithoutExplicitRefresh(t *testing.T) {
	b := &fakeBackend{}
	s := newStore(t, b)
	s.Refresh(context.Background())
	require.False(t, s.HasPurchase(access.SKUEnterpriseMonthly))

	result := s.InitiateCheckout(context.Background(), access.SKUEnterpriseMonthly)
	require.True(t, result.Success)
	assert.NoError(t, result.Err)
	assert.Equal(t, access.TierEnterprise, result.NewTier)
	assert.True(t, s.HasPurchase(access.SKUEnterpriseMonthly))
}

func TestCheckoutFallsBackToPurchaseResponse(t *testing.T) {
	b := &purchaseOnlyBackend{}
	s := newStore(t, b)

	result := s.InitiateCheckout(context.Background(), access.SKUStandardMonthly)
	require.True(t, result.Success)
	assert.True(t, s.HasPurchase(access.SKUStandardMonthly))
}

type purchaseOnlyBackend struct{}

func (purchaseOnlyBackend) CustomerInfo(context.Context) (*CustomerInfo, error) {
	return nil, errors.New("customer lookup unavailable")
}

func (purchaseOnlyBackend) Purchase(_ context.Context, sku string) (PurchaseResult, error) {
	return PurchaseResult{Success: true, SKU: sku, NewTier: access.TierStandard, CustomerInfo: &CustomerInfo{
		Subscriptions: map[string]Purchase{sku: {IsActive: true}},
	}}, nil
}

func (purchaseOnlyBackend) Restore(context.Context) (*CustomerInfo, error) { return nil, nil }

func TestCheckoutFailures(t *testing.T) {
	tests := []struct {
		name    string
		backend Backend
		sku     string
		wantErr error
	}{
		{name: "empty_sku", backend: &fakeBackend{}, sku: " ", wantErr: ErrInvalidSKU},
		{name: "no_backend", backend: nil, sku: access.SKUStandardMonthly, wantErr: ErrNoBackend},
		{name: "declined", backend: &fakeBackend{decline: true}, sku: access.SKUStandardMonthly, wantErr: ErrPurchaseFailed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t, tt.backend)
			result := s.InitiateCheckout(context.Background(), tt.sku)
			assert.False(t, result.Success)
			assert.ErrorIs(t, result.Err, tt.wantErr)
			assert.False(t, s.HasPurchase(tt.sku))
		})
	}

	cardErr := errors.New("card declined")
	s := newStore(t, &fakeBackend{purchaseErr: cardErr})
	result := s.InitiateCheckout(context.Background(), access.SKUStandardMonthly)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, cardErr)
	assert.Equal(t, access.SKUStandardMonthly, result.SKU)
}

func TestBackendPanicsBecomeResults(t *testing.T) {
	for _, op := range []string{"info", "purchase", "restore"} {
		op := op
		t.Run(op, func(t *testing.T) {
			s := newStore(t, &fakeBackend{panicOn: op})
			assert.NotPanics(t, func() {
				switch op {
				case "info":
					res := s.Refresh(context.Background())
					assert.False(t, res.Success)
					assert.Error(t, res.Err)
				case "purchase":
					res := s.InitiateCheckout(context.Background(), access.SKUStandardMonthly)
					assert.False(t, res.Success)
					assert.ErrorContains(t, res.Err, "panicked")
				case "restore":
					res := s.RestorePurchases(context.Background())
					assert.False(t, res.Success)
					assert.ErrorContains(t, res.Err, "panicked")
				}
			})
		})
	}
}

func TestRestorePurchases(t *testing.T) {
	b := &fakeBackend{}
	s := newStore(t, b)
	s.Refresh(context.Background())

	res := s.RestorePurchases(context.Background())
	assert.True(t, res.Success)
	assert.Empty(t, s.PurchasedSKUs(), "nil restore info leaves the snapshot unchanged")

	b.mu.Lock()
	b.restoreInfo = &CustomerInfo{NonSubscriptionPurchases: map[string]Purchase{access.SKUAnalyticsAddon: {IsActive: true}}}
	b.mu.Unlock()
	res = s.RestorePurchases(context.Background())
	require.True(t, res.Success)
	assert.True(t, s.HasPurchase(access.SKUAnalyticsAddon))
	assert.Equal(t, []string{access.SKUAnalyticsAddon}, res.Snapshot.SKUs)

	b.mu.Lock()
	b.restoreErr = errors.New("store unavailable")
	b.mu.Unlock()
	res = s.RestorePurchases(context.Background())
	assert.False(t, res.Success)
	assert.True(t, s.HasPurchase(access.SKUAnalyticsAddon))
}

func TestOnChange(t *testing.T) {
	b := &fakeBackend{}
	s := newStore(t, b)
	calls := 0
	s.OnChange(func() { calls++ })

	s.Refresh(context.Background())
	assert.Equal(t, 1, calls)
	s.Refresh(context.Background())
	assert.Equal(t, 1, calls)
	s.InitiateCheckout(context.Background(), access.SKUStandardMonthly)
	assert.Equal(t, 2, calls)
}

func TestVerifyReceiptUnsupported(t *testing.T) {
	s := newStore(t, &fakeBackend{})
	_, err := s.VerifyReceipt(context.Background(), "receipt", access.SKUStandardMonthly, "ios")
	assert.ErrorIs(t, err, ErrVerifyNotSupported)
}

func TestCustomerInfoIsCopied(t *testing.T) {
	s := newStore(t, &fakeBackend{info: &CustomerInfo{Subscriptions: map[string]Purchase{"a": {IsActive: true}}}})
	s.Refresh(context.Background())

	info := s.CustomerInfo()
	delete(info.Subscriptions, "a")
	assert.Contains(t, s.CustomerInfo().Subscriptions, "a")
}
