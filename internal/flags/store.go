// Package flags serves remotely configured boolean feature flags with TTL
// caching and offline fallback.
package flags

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/baerautotech/cerebral-access/internal/cache"
	"github.com/baerautotech/cerebral-access/internal/metrics"
	"github.com/baerautotech/cerebral-access/internal/notify"
	"github.com/baerautotech/cerebral-access/internal/storage"
)

const (
	// CacheKey is the storage key of the persisted flag map. The fetch time
	// is stored under CacheKey + "_time".
	CacheKey = "cerebral_feature_flags"
	// DefaultTTL is how long a fetched flag map is served without refetching.
	DefaultTTL = 5 * time.Minute
)

// Fetcher retrieves the remote flag map.
type Fetcher interface {
	FetchFlags(ctx context.Context) (map[string]bool, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (map[string]bool, error)

func (f FetcherFunc) FetchFlags(ctx context.Context) (map[string]bool, error) { return f(ctx) }

// Snapshot is an immutable view of the flag map. Absent flags read as false.
type Snapshot struct {
	Flags    map[string]bool `json:"flags"`
	LoadedAt time.Time       `json:"loaded_at"`
	Source   cache.Source    `json:"source"`
	Err      error           `json:"-"`
}

// Enabled reports whether name is stored as true.
func (s Snapshot) Enabled(name string) bool {
	return s.Flags[name]
}

// Names returns the flag names in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Flags))
	for name := range s.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type options struct {
	ttl       time.Duration
	overrides map[string]bool
	logger    zerolog.Logger
	now       func() time.Time
	metrics   *metrics.AccessMetrics
}

// Option configures a Store.
type Option func(*options)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithOverrides forces the given flags on or off regardless of the remote map.
func WithOverrides(overrides map[string]bool) Option {
	return func(o *options) { o.overrides = maps.Clone(overrides) }
}

// WithLogger overrides the global logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides time.Now for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics instruments the underlying cache.
func WithMetrics(m *metrics.AccessMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// Store is the single writer of the flag cache keys.
type Store struct {
	loader    *cache.Loader[map[string]bool]
	overrides map[string]bool
	logger    zerolog.Logger

	mu         sync.RWMutex
	snap       Snapshot
	loaded     bool
	appliedSeq uint64

	changes notify.Broadcaster
}

// NewStore builds an unloaded flag store persisting through store.
func NewStore(fetcher Fetcher, store storage.Store, opts ...Option) (*Store, error) {
	if fetcher == nil {
		return nil, errors.New("flags: fetcher is required")
	}
	o := options{ttl: DefaultTTL, logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With().Str("component", "flags").Logger()

	loader, err := cache.New[map[string]bool](cache.Config{
		Name:    "flags",
		Key:     CacheKey,
		TTL:     o.ttl,
		Logger:  &logger,
		Metrics: o.metrics,
		Now:     o.now,
	}, store, fetcher.FetchFlags)
	if err != nil {
		return nil, err
	}

	return &Store{
		loader:    loader,
		overrides: o.overrides,
		logger:    logger,
		snap:      Snapshot{Flags: map[string]bool{}, Source: cache.SourceEmpty},
	}, nil
}

// Refresh serves the cached map when younger than the TTL and fetches
// otherwise, falling back to the cached map (or an empty one) on failure.
// Concurrent calls share one fetch.
func (s *Store) Refresh(ctx context.Context) Snapshot {
	return s.apply(s.loader.Load(ctx))
}

// ForceRefresh fetches regardless of cache age.
func (s *Store) ForceRefresh(ctx context.Context) Snapshot {
	return s.apply(s.loader.LoadFresh(ctx))
}

// Invalidate drops the persisted map. The in-memory snapshot is kept.
func (s *Store) Invalidate(ctx context.Context) error {
	return s.loader.Invalidate(ctx)
}

func (s *Store) apply(res cache.Result[map[string]bool]) Snapshot {
	next := Snapshot{
		Flags:    maps.Clone(res.Value),
		LoadedAt: res.FetchedAt,
		Source:   res.Source,
		Err:      res.Err,
	}
	if next.Flags == nil {
		next.Flags = map[string]bool{}
	}

	s.mu.Lock()
	if res.Seq < s.appliedSeq {
		current := s.snap
		s.mu.Unlock()
		s.logger.Debug().Uint64("seq", res.Seq).Msg("Discarding out-of-order flag result")
		return current.clone()
	}
	if res.Source == cache.SourceEmpty && s.loaded {
		// Storage had nothing to fall back on; keep the last applied map.
		next.Flags = s.snap.Flags
		next.LoadedAt = s.snap.LoadedAt
		next.Source = cache.SourceStale
	}
	first := !s.loaded
	changed := !maps.Equal(s.snap.Flags, next.Flags)
	s.snap = next
	s.loaded = true
	s.appliedSeq = res.Seq
	s.mu.Unlock()

	if first || changed {
		s.logger.Debug().Int("flags", len(next.Flags)).Str("source", string(next.Source)).Msg("Feature flags updated")
		s.changes.Notify()
	}
	return next.clone()
}

func (s Snapshot) clone() Snapshot {
	s.Flags = maps.Clone(s.Flags)
	return s
}

// Flags returns a copy of the current snapshot.
func (s *Store) Flags() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// IsEnabled reports whether name is on. Local overrides win; otherwise only
// a stored boolean true enables a flag.
func (s *Store) IsEnabled(name string) bool {
	if v, ok := s.overrides[name]; ok {
		return v
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Flags[name]
}

// Overrides returns a copy of the local overrides.
func (s *Store) Overrides() map[string]bool {
	return maps.Clone(s.overrides)
}

// Loaded reports whether a refresh has completed.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// OnChange registers fn to run after the flag map changes and after the
// first load.
func (s *Store) OnChange(fn func()) func() {
	return s.changes.Subscribe(fn)
}

// Subscribe implements notify.Notifier.
func (s *Store) Subscribe(fn func()) func() {
	return s.OnChange(fn)
}
