// Package entitlements tracks which SKUs the current customer owns.
package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/baerautotech/cerebral-access/internal/cache"
	"github.com/baerautotech/cerebral-access/internal/metrics"
	"github.com/baerautotech/cerebral-access/internal/notify"
	"github.com/baerautotech/cerebral-access/internal/storage"
	"github.com/baerautotech/cerebral-access/internal/storage/memory"
	"github.com/baerautotech/cerebral-access/pkg/access"
)

// CacheKey is the storage key of the persisted customer info.
const CacheKey = "cerebral_customer_info"

var (
	ErrNoBackend          = errors.New("entitlements: no purchase backend configured")
	ErrInvalidSKU         = errors.New("entitlements: sku is required")
	ErrPurchaseFailed     = errors.New("entitlements: purchase was not completed")
	ErrVerifyNotSupported = errors.New("entitlements: backend cannot verify receipts")
)

// Snapshot is an immutable view of the customer's entitlements. Every SKU
// listed is active.
type Snapshot struct {
	SKUs         []string      `json:"skus"`
	CustomerInfo *CustomerInfo `json:"customerInfo,omitempty"`
	LoadedAt     time.Time     `json:"loadedAt"`
	Source       cache.Source  `json:"source"`
}

func (s Snapshot) clone() Snapshot {
	s.SKUs = append([]string(nil), s.SKUs...)
	s.CustomerInfo = s.CustomerInfo.Clone()
	return s
}

// Result is the outcome of a refresh or restore.
type Result struct {
	Success  bool
	Err      error
	Snapshot Snapshot
}

type options struct {
	store   storage.Store
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.AccessMetrics
}

// Option configures a Store.
type Option func(*options)

// WithStorage persists customer info through s instead of process memory.
func WithStorage(s storage.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithTTL serves persisted customer info for ttl before refetching. The
// default of zero makes every refresh hit the backend.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger overrides the global logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records purchases and cache loads.
func WithMetrics(m *metrics.AccessMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// Store holds the active SKU set derived from the backend's customer info.
type Store struct {
	backend Backend
	loader  *cache.Loader[*CustomerInfo]
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.AccessMetrics

	mu         sync.RWMutex
	snap       Snapshot
	skus       map[string]struct{}
	loaded     bool
	appliedSeq uint64

	changes notify.Broadcaster
}

// NewStore builds an unloaded entitlement store. A nil backend is allowed;
// every operation then fails with ErrNoBackend.
func NewStore(backend Backend, opts ...Option) (*Store, error) {
	o := options{now: time.Now, logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = memory.New()
	}
	logger := o.logger.With().Str("component", "entitlements").Logger()

	s := &Store{
		backend: backend,
		now:     o.now,
		logger:  logger,
		metrics: o.metrics,
		snap:    Snapshot{SKUs: []string{}, Source: cache.SourceEmpty},
		skus:    map[string]struct{}{},
	}

	loader, err := cache.New[*CustomerInfo](cache.Config{
		Name:    "entitlements",
		Key:     CacheKey,
		TTL:     o.ttl,
		Logger:  &logger,
		Metrics: o.metrics,
		Now:     o.now,
	}, o.store, s.fetch)
	if err != nil {
		return nil, err
	}
	s.loader = loader
	return s, nil
}

func (s *Store) fetch(ctx context.Context) (*CustomerInfo, error) {
	if s.backend == nil {
		return nil, ErrNoBackend
	}
	info, err := s.backend.CustomerInfo(ctx)
	if err != nil {
		return nil, err
	}
	if info == nil {
		info = &CustomerInfo{}
	}
	return info, nil
}

// Refresh re-reads customer info. On failure the previous snapshot is kept
// and the store still becomes loaded.
func (s *Store) Refresh(ctx context.Context) Result {
	return s.apply(s.loader.Load(ctx))
}

func (s *Store) refreshFresh(ctx context.Context) Result {
	return s.apply(s.loader.LoadFresh(ctx))
}

func (s *Store) apply(res cache.Result[*CustomerInfo]) Result {
	s.mu.Lock()
	if res.Seq < s.appliedSeq {
		current := s.snap.clone()
		s.mu.Unlock()
		return Result{Success: res.Err == nil, Err: res.Err, Snapshot: current}
	}

	first := !s.loaded
	// A persisted value is adopted on failure only before anything has been
	// loaded in this process.
	adopt := res.Err == nil || (first && res.Source == cache.SourceStale)
	changed := false
	if adopt {
		skus := ActiveSKUs(res.Value, s.now())
		changed = !equalSKUs(s.snap.SKUs, skus)
		s.snap = Snapshot{
			SKUs:         skus,
			CustomerInfo: res.Value.Clone(),
			LoadedAt:     res.FetchedAt,
			Source:       res.Source,
		}
		s.skus = make(map[string]struct{}, len(skus))
		for _, sku := range skus {
			s.skus[sku] = struct{}{}
		}
	}
	s.loaded = true
	s.appliedSeq = res.Seq
	current := s.snap.clone()
	s.mu.Unlock()

	if res.Err != nil {
		s.logger.Warn().Err(res.Err).Msg("Failed to refresh entitlements; keeping previous snapshot")
	}
	if first || changed {
		s.changes.Notify()
	}
	return Result{Success: res.Err == nil, Err: res.Err, Snapshot: current}
}

func equalSKUs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// InitiateCheckout purchases sku. On success the entitlements are refreshed
// before returning, so HasPurchase reflects the purchase immediately.
func (s *Store) InitiateCheckout(ctx context.Context, sku string) PurchaseResult {
	sku = strings.TrimSpace(sku)
	result := s.checkout(ctx, sku)
	s.metrics.RecordPurchase("checkout", result.Success)
	if !result.Success {
		s.logger.Warn().Err(result.Err).Str("sku", sku).Msg("Checkout failed")
		return result
	}

	if result.NewTier == "" {
		if tier, ok := access.TierGrantForSKU(sku); ok {
			result.NewTier = tier
		}
	}

	refreshed := s.refreshFresh(ctx)
	if !refreshed.Success && result.CustomerInfo != nil {
		s.logger.Warn().Err(refreshed.Err).Str("sku", sku).Msg("Post-checkout refresh failed; using purchase response")
		if put, err := s.loader.Put(ctx, result.CustomerInfo.Clone()); err == nil {
			s.apply(put)
		} else {
			s.logger.Warn().Err(err).Msg("Failed to store purchase response")
		}
	}
	s.logger.Info().Str("sku", sku).Str("tier", string(result.NewTier)).Msg("Checkout completed")
	return result
}

func (s *Store) checkout(ctx context.Context, sku string) (result PurchaseResult) {
	if sku == "" {
		return PurchaseResult{Err: ErrInvalidSKU}
	}
	if s.backend == nil {
		return PurchaseResult{SKU: sku, Err: ErrNoBackend}
	}
	defer func() {
		if r := recover(); r != nil {
			result = PurchaseResult{SKU: sku, Err: fmt.Errorf("purchase panicked: %v", r)}
		}
	}()

	result, err := s.backend.Purchase(ctx, sku)
	if result.SKU == "" {
		result.SKU = sku
	}
	if err != nil {
		result.Success = false
		result.Err = err
		return result
	}
	if !result.Success && result.Err == nil {
		result.Err = ErrPurchaseFailed
	}
	return result
}

// RestorePurchases asks the backend to restore prior purchases. Returned
// info replaces the snapshot; a nil info leaves it unchanged.
func (s *Store) RestorePurchases(ctx context.Context) Result {
	info, err := s.restore(ctx)
	s.metrics.RecordPurchase("restore", err == nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Restore failed")
		return Result{Err: err, Snapshot: s.Snapshot()}
	}
	if info == nil {
		return Result{Success: true, Snapshot: s.Snapshot()}
	}

	put, err := s.loader.Put(ctx, info)
	if err != nil {
		return Result{Err: err, Snapshot: s.Snapshot()}
	}
	return s.apply(put)
}

func (s *Store) restore(ctx context.Context) (info *CustomerInfo, err error) {
	if s.backend == nil {
		return nil, ErrNoBackend
	}
	defer func() {
		if r := recover(); r != nil {
			info, err = nil, fmt.Errorf("restore panicked: %v", r)
		}
	}()
	return s.backend.Restore(ctx)
}

// VerifyReceipt forwards to the backend when it supports receipt validation.
func (s *Store) VerifyReceipt(ctx context.Context, receipt, sku, platform string) (ReceiptVerification, error) {
	verifier, ok := s.backend.(ReceiptVerifier)
	if !ok {
		return ReceiptVerification{}, ErrVerifyNotSupported
	}
	v, err := verifier.VerifyReceipt(ctx, receipt, sku, platform)
	s.metrics.RecordPurchase("verify_receipt", err == nil && v.Valid)
	if err != nil {
		return ReceiptVerification{}, err
	}
	return v, nil
}

// HasPurchase reports whether sku is active. A purchase that expires after
// the last refresh stops counting at its expiration date. It never performs
// I/O.
func (s *Store) HasPurchase(sku string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.skus[sku]; !ok {
		return false
	}
	return s.snap.CustomerInfo.HasActive(sku, s.now())
}

// PurchasedSKUs returns the SKUs active as of now, in sorted order.
func (s *Store) PurchasedSKUs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.snap.SKUs))
	now := s.now()
	for _, sku := range s.snap.SKUs {
		if s.snap.CustomerInfo.HasActive(sku, now) {
			out = append(out, sku)
		}
	}
	return out
}

// CustomerInfo returns a copy of the last customer info, or nil.
func (s *Store) CustomerInfo() *CustomerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.CustomerInfo.Clone()
}

// Snapshot returns a copy of the current snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// Loaded reports whether a refresh has completed.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// OnChange registers fn to run after the SKU set changes and after the
// first load.
func (s *Store) OnChange(fn func()) func() {
	return s.changes.Subscribe(fn)
}

// Subscribe implements notify.Notifier.
func (s *Store) Subscribe(fn func()) func() {
	return s.OnChange(fn)
}
