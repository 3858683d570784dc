// Package cache implements a TTL-cached fetch with stale fallback over a
// durable storage.Store.
//
// A Loader persists each successful fetch as two keys: the JSON value under
// Key and the fetch time, in Unix milliseconds, under Key+"_time". Load
// serves the persisted value while it is younger than the TTL, fetches
// otherwise, and falls back to whatever was persisted (regardless of age)
// when the fetch fails.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/baerautotech/cerebral-access/internal/metrics"
	"github.com/baerautotech/cerebral-access/internal/storage"
)

// Source reports where a Result's value came from.
type Source string

const (
	SourceCache   Source = "cache"   // fresh persisted value, no network
	SourceNetwork Source = "network" // fetched and persisted
	SourceStale   Source = "stale"   // fetch failed, persisted value served
	SourceEmpty   Source = "empty"   // fetch failed, nothing persisted
)

// TimeKeySuffix is appended to Key for the fetch timestamp.
const TimeKeySuffix = "_time"

const (
	flightLoad  = "load"
	flightFresh = "fresh"
)

// FetchFunc obtains a value from the network.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Result is the outcome of a load. Err carries the fetch error, if any,
// even when a stale value was served.
type Result[T any] struct {
	Value     T
	Source    Source
	FetchedAt time.Time // zero when unknown
	Err       error
	Seq       uint64
}

// HasValue reports whether Value came from the network or the store.
func (r Result[T]) HasValue() bool {
	return r.Source != SourceEmpty && r.Source != ""
}

// Config describes a Loader.
type Config struct {
	Name    string        // label for logs and metrics
	Key     string        // storage key for the value
	TTL     time.Duration // zero or negative means always fetch
	Logger  *zerolog.Logger
	Metrics *metrics.AccessMetrics
	Now     func() time.Time
}

// Loader is safe for concurrent use.
type Loader[T any] struct {
	name    string
	key     string
	timeKey string
	ttl     time.Duration
	store   storage.Store
	fetch   FetchFunc[T]
	logger  zerolog.Logger
	metrics *metrics.AccessMetrics
	now     func() time.Time

	group singleflight.Group
	seq   atomic.Uint64

	persistMu    sync.Mutex
	persistedSeq uint64
}

// New builds a Loader. store and fetch must be non-nil.
func New[T any](cfg Config, store storage.Store, fetch FetchFunc[T]) (*Loader[T], error) {
	if store == nil {
		return nil, fmt.Errorf("cache %q: store is required", cfg.Name)
	}
	if fetch == nil {
		return nil, fmt.Errorf("cache %q: fetch func is required", cfg.Name)
	}
	if err := storage.ValidateKey(cfg.Key); err != nil {
		return nil, fmt.Errorf("cache %q: %w", cfg.Name, err)
	}

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = cfg.Key
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Loader[T]{
		name:    name,
		key:     cfg.Key,
		timeKey: cfg.Key + TimeKeySuffix,
		ttl:     cfg.TTL,
		store:   store,
		fetch:   fetch,
		logger:  logger.With().Str("cache", name).Logger(),
		metrics: cfg.Metrics,
		now:     now,
	}, nil
}

// Key returns the value storage key.
func (l *Loader[T]) Key() string { return l.key }

// TimeKey returns the timestamp storage key.
func (l *Loader[T]) TimeKey() string { return l.timeKey }

// TTL returns the freshness window.
func (l *Loader[T]) TTL() time.Duration { return l.ttl }

// Load returns the persisted value when fresh, fetching otherwise.
// Concurrent calls share one execution.
func (l *Loader[T]) Load(ctx context.Context) Result[T] {
	return l.do(ctx, flightLoad, false)
}

// LoadFresh skips the freshness check and always fetches. Concurrent calls
// share one execution, separate from Load.
func (l *Loader[T]) LoadFresh(ctx context.Context) Result[T] {
	return l.do(ctx, flightFresh, true)
}

func (l *Loader[T]) do(ctx context.Context, flight string, fresh bool) Result[T] {
	v, _, _ := l.group.Do(flight, func() (any, error) {
		return l.execute(ctx, fresh), nil
	})
	res := v.(Result[T])
	l.metrics.RecordCacheLoad(l.name, string(res.Source))
	return res
}

func (l *Loader[T]) execute(ctx context.Context, fresh bool) Result[T] {
	seq := l.seq.Add(1)
	cached, fetchedAt, ok := l.read(ctx)
	now := l.now()

	if !fresh && ok && !fetchedAt.IsZero() && l.ttl > 0 && now.Sub(fetchedAt) < l.ttl {
		return Result[T]{Value: cached, Source: SourceCache, FetchedAt: fetchedAt, Seq: seq}
	}

	value, err := l.safeFetch(ctx)
	if err == nil {
		fetchedAt = l.now()
		l.persist(ctx, seq, value, fetchedAt)
		return Result[T]{Value: value, Source: SourceNetwork, FetchedAt: fetchedAt, Seq: seq}
	}

	l.metrics.RecordFetchError(l.name)
	if ok {
		l.logger.Warn().Err(err).Time("fetched_at", fetchedAt).Msg("Fetch failed; serving cached value")
		return Result[T]{Value: cached, Source: SourceStale, FetchedAt: fetchedAt, Err: err, Seq: seq}
	}
	l.logger.Warn().Err(err).Msg("Fetch failed with nothing cached; serving empty value")
	var empty T
	return Result[T]{Value: empty, Source: SourceEmpty, Err: err, Seq: seq}
}

func (l *Loader[T]) safeFetch(ctx context.Context) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return l.fetch(ctx)
}

// read returns the persisted value and its fetch time. A value without a
// readable timestamp is returned with a zero time.
func (l *Loader[T]) read(ctx context.Context) (T, time.Time, bool) {
	var value T

	raw, ok, err := l.store.Get(ctx, l.key)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to read cached value")
		return value, time.Time{}, false
	}
	if !ok {
		return value, time.Time{}, false
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		l.logger.Warn().Err(err).Msg("Ignoring unreadable cached value")
		var zero T
		return zero, time.Time{}, false
	}

	rawTime, ok, err := l.store.Get(ctx, l.timeKey)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to read cache timestamp")
		return value, time.Time{}, true
	}
	if !ok {
		return value, time.Time{}, true
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(rawTime)), 10, 64)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Ignoring unreadable cache timestamp")
		return value, time.Time{}, true
	}
	return value, time.UnixMilli(ms), true
}

func (l *Loader[T]) persist(ctx context.Context, seq uint64, value T, at time.Time) {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	if seq < l.persistedSeq {
		l.logger.Debug().Uint64("seq", seq).Uint64("persisted_seq", l.persistedSeq).Msg("Discarding out-of-order fetch result")
		return
	}
	if err := l.write(ctx, value, at); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to persist fetched value")
		return
	}
	l.persistedSeq = seq
}

func (l *Loader[T]) write(ctx context.Context, value T, at time.Time) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	if err := l.store.Set(ctx, l.key, raw); err != nil {
		return err
	}
	return l.store.Set(ctx, l.timeKey, []byte(strconv.FormatInt(at.UnixMilli(), 10)))
}

// Put persists a value obtained out of band and returns it as a network
// result with a fresh sequence number.
func (l *Loader[T]) Put(ctx context.Context, value T) (Result[T], error) {
	seq := l.seq.Add(1)
	at := l.now()

	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	if err := l.write(ctx, value, at); err != nil {
		return Result[T]{}, fmt.Errorf("cache %q: put: %w", l.name, err)
	}
	l.persistedSeq = seq
	return Result[T]{Value: value, Source: SourceNetwork, FetchedAt: at, Seq: seq}, nil
}

// Invalidate deletes both persisted keys. Fetches already in flight will not
// repopulate them.
func (l *Loader[T]) Invalidate(ctx context.Context) error {
	seq := l.seq.Add(1)

	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	l.persistedSeq = seq
	if err := l.store.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("cache %q: invalidate: %w", l.name, err)
	}
	if err := l.store.Delete(ctx, l.timeKey); err != nil {
		return fmt.Errorf("cache %q: invalidate: %w", l.name, err)
	}
	return nil
}
