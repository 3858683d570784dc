// Package tier resolves the current user's subscription tier from the auth
// collaborator's bearer token.
package tier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/baerautotech/cerebral-access/internal/metrics"
	"github.com/baerautotech/cerebral-access/internal/notify"
	"github.com/baerautotech/cerebral-access/internal/token"
	"github.com/baerautotech/cerebral-access/pkg/access"
)

// TokenProvider returns the current bearer token, or "" when signed out.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (string, error)

func (f TokenProviderFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Option configures a Resolver.
type Option func(*Resolver)

// WithDecoder replaces the default unverified decoder.
func WithDecoder(d *token.Decoder) Option {
	return func(r *Resolver) {
		if d != nil {
			r.decoder = d
		}
	}
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger overrides the global logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithMetrics records each applied resolution.
func WithMetrics(m *metrics.AccessMetrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// Resolver holds the last resolved tier state. Until the first refresh
// completes it reports the free tier and Loaded returns false.
type Resolver struct {
	provider TokenProvider
	decoder  *token.Decoder
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *metrics.AccessMetrics

	seq atomic.Uint64

	mu         sync.RWMutex
	state      access.UserTierState
	loaded     bool
	appliedSeq uint64

	changes notify.Broadcaster
}

// NewResolver returns an unloaded resolver. A nil provider always yields free.
func NewResolver(provider TokenProvider, opts ...Option) *Resolver {
	r := &Resolver{
		provider: provider,
		decoder:  token.NewDecoder(),
		now:      time.Now,
		logger:   log.Logger,
		state:    access.FreeTierState(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "tier").Logger()
	return r
}

// Refresh re-reads the token and re-decodes it. Readers keep seeing the
// previous state while the refresh runs. A refresh that completes after a
// later one has been applied is discarded. Errors never propagate; they
// resolve to the free tier.
func (r *Resolver) Refresh(ctx context.Context) access.UserTierState {
	seq := r.seq.Add(1)
	next := r.resolve(ctx)

	r.mu.Lock()
	if seq < r.appliedSeq {
		current := r.state
		r.mu.Unlock()
		r.logger.Debug().Uint64("seq", seq).Msg("Discarding out-of-order tier resolution")
		return current
	}
	first := !r.loaded
	changed := !r.state.Equal(next)
	r.state = next
	r.loaded = true
	r.appliedSeq = seq
	r.mu.Unlock()

	r.metrics.RecordTierResolution(string(next.Tier))
	if first || changed {
		r.logger.Debug().
			Str("tier", string(next.Tier)).
			Bool("active", next.IsActive).
			Msg("Tier state updated")
		r.changes.Notify()
	}
	return next
}

func (r *Resolver) resolve(ctx context.Context) access.UserTierState {
	raw, err := r.token(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Token provider failed; using free tier")
		return access.FreeTierState()
	}
	if raw == "" {
		return access.FreeTierState()
	}

	claims, _ := r.decoder.Decode(raw)
	state := claims.State(r.now())
	if !state.IsActive {
		r.logger.Info().Time("expired_at", *claims.ExpiresAt).Msg("Token tier has expired; using free tier")
	}
	return state
}

func (r *Resolver) token(ctx context.Context) (tok string, err error) {
	if r.provider == nil {
		return "", nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("token provider panicked: %v", rec)
		}
	}()
	return r.provider.Token(ctx)
}

// State returns the last applied state.
func (r *Resolver) State() access.UserTierState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// CurrentTier returns the last applied tier.
func (r *Resolver) CurrentTier() access.TierLevel {
	return r.State().Tier
}

// HasTier reports whether the current tier ranks at or above required.
func (r *Resolver) HasTier(required access.TierLevel) bool {
	return access.HasTierAccess(r.CurrentTier(), required)
}

// Loaded reports whether a refresh has completed.
func (r *Resolver) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// OnChange registers fn to run after the state changes and after the first
// load. It returns a function that removes the registration.
func (r *Resolver) OnChange(fn func()) func() {
	return r.changes.Subscribe(fn)
}

// Subscribe implements notify.Notifier.
func (r *Resolver) Subscribe(fn func()) func() {
	return r.OnChange(fn)
}
