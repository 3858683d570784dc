// Package engine wires configuration, storage, token providers, the three
// signal stores and guards into one runnable unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/baerautotech/cerebral-access/internal/auth"
	"github.com/baerautotech/cerebral-access/internal/config"
	"github.com/baerautotech/cerebral-access/internal/entitlements"
	"github.com/baerautotech/cerebral-access/internal/flags"
	"github.com/baerautotech/cerebral-access/internal/guard"
	"github.com/baerautotech/cerebral-access/internal/logging"
	"github.com/baerautotech/cerebral-access/internal/metrics"
	"github.com/baerautotech/cerebral-access/internal/notify"
	"github.com/baerautotech/cerebral-access/internal/storage"
	"github.com/baerautotech/cerebral-access/internal/tier"
)

const storageDialTimeout = 5 * time.Second

// Option customises an Engine. Mostly used by tests.
type Option func(*options)

type options struct {
	logger  zerolog.Logger
	metrics *metrics.AccessMetrics
	store   storage.Store
	tokens  auth.Provider
	fetcher flags.Fetcher
	backend entitlements.Backend
	now     func() time.Time
}

// WithLogger sets the base logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics overrides the process-wide metrics.
func WithMetrics(m *metrics.AccessMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithStorage replaces the configured cache backend. The engine does not
// close it.
func WithStorage(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithTokenProvider replaces the file and static token chain.
func WithTokenProvider(p auth.Provider) Option {
	return func(o *options) { o.tokens = p }
}

// WithFlagFetcher replaces the HTTP flag client.
func WithFlagFetcher(f flags.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithPurchaseBackend replaces the configured purchase backend.
func WithPurchaseBackend(b entitlements.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithClock sets the clock shared by all stores.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Engine owns the signal stores for one user session.
type Engine struct {
	Tier         *tier.Resolver
	Flags        *flags.Store
	Entitlements *entitlements.Store

	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.AccessMetrics
	closer  func() error
	backend entitlements.Backend

	mu        sync.Mutex
	watcher   *auth.FileWatcher
	watchStop context.CancelFunc
	closed    bool
}

// New builds an engine from cfg. Nothing is fetched until Start.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	o := options{logger: log.Logger, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.Get()
	}
	logger := o.logger.With().Str("component", "engine").Logger()

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: o.metrics,
		closer:  func() error { return nil },
	}

	store := o.store
	if store == nil {
		ctx, cancel := context.WithTimeout(context.Background(), storageDialTimeout)
		opened, err := openStorage(ctx, cfg)
		cancel()
		if err != nil {
			return nil, err
		}
		store = opened
		e.closer = opened.Close
	}

	tokens := o.tokens
	if tokens == nil {
		tokens = defaultTokens(cfg)
	}

	e.Tier = tier.NewResolver(tokens,
		tier.WithClock(o.now),
		tier.WithLogger(o.logger),
		tier.WithMetrics(o.metrics),
	)

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = flags.NewClient(flags.ClientConfig{
			BaseURL:            cfg.APIBaseURL,
			Path:               cfg.FlagsPath,
			Tokens:             tokens,
			Timeout:            cfg.HTTPTimeout,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Logger:             &o.logger,
		})
	}
	flagStore, err := flags.NewStore(fetcher, store,
		flags.WithTTL(cfg.FlagsTTL),
		flags.WithOverrides(cfg.FeatureOverrides),
		flags.WithClock(o.now),
		flags.WithLogger(o.logger),
		flags.WithMetrics(o.metrics),
	)
	if err != nil {
		_ = e.closer()
		return nil, fmt.Errorf("engine: flag store: %w", err)
	}
	e.Flags = flagStore

	e.backend = o.backend
	if e.backend == nil {
		e.backend = newPurchaseBackend(cfg, tokens, &o.logger)
	}
	entStore, err := entitlements.NewStore(e.backend,
		entitlements.WithStorage(store),
		entitlements.WithClock(o.now),
		entitlements.WithLogger(o.logger),
		entitlements.WithMetrics(o.metrics),
	)
	if err != nil {
		_ = e.closer()
		return nil, fmt.Errorf("engine: entitlement store: %w", err)
	}
	e.Entitlements = entStore

	return e, nil
}

func defaultTokens(cfg *config.Config) auth.Provider {
	var chain []auth.Provider
	if cfg.TokenFile != "" {
		chain = append(chain, auth.File(cfg.TokenFile))
	}
	chain = append(chain, auth.Static(cfg.Token))
	return auth.Chain(chain...)
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() *config.Config { return e.cfg }

// Backend returns the purchase backend in use.
func (e *Engine) Backend() entitlements.Backend { return e.backend }

// Start performs the initial loads concurrently and, when a token file is
// configured, refreshes the tier whenever it changes. The stores degrade
// instead of failing, so Start only errors when ctx ends or the watcher
// cannot start.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Refresh(ctx, false); err != nil {
		return err
	}
	if e.cfg.TokenFile == "" {
		return nil
	}
	return e.watchToken(e.cfg.TokenFile)
}

// Refresh reloads all three signals. With force the flag TTL is bypassed.
// A request ID already on ctx is kept; otherwise one is generated so the
// three loads log under the same ID.
func (e *Engine) Refresh(ctx context.Context, force bool) error {
	ctx, _ = logging.WithRequestID(ctx, logging.RequestIDFromContext(ctx))
	logger := logging.ContextLogger(ctx, e.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.Tier.Refresh(gctx)
		return nil
	})
	g.Go(func() error {
		if force {
			e.Flags.ForceRefresh(gctx)
		} else {
			e.Flags.Refresh(gctx)
		}
		return nil
	})
	g.Go(func() error {
		if res := e.Entitlements.Refresh(gctx); res.Err != nil {
			logger.Debug().Err(res.Err).Msg("Entitlement refresh degraded")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if logging.IsLevelEnabled(zerolog.DebugLevel) {
		snap := e.Flags.Flags()
		logger.Debug().
			Str("tier", string(e.Tier.CurrentTier())).
			Int("flags", len(snap.Flags)).
			Str("flags_source", string(snap.Source)).
			Strs("skus", e.Entitlements.PurchasedSKUs()).
			Bool("force", force).
			Msg("Signals refreshed")
	}
	return ctx.Err()
}

func (e *Engine) watchToken(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine: closed")
	}
	if e.watcher != nil {
		return nil
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	w, err := auth.WatchFile(path, func() {
		ctx, _ := logging.WithRequestID(watchCtx, "")
		logger := logging.ContextLogger(ctx, e.logger)
		logger.Debug().Str("path", path).Msg("Token file changed, refreshing tier")
		e.Tier.Refresh(ctx)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("engine: watch token file: %w", err)
	}
	e.watcher = w
	e.watchStop = cancel
	return nil
}

// Signals exposes the stores to the guard evaluator.
func (e *Engine) Signals() guard.Signals {
	return guard.Signals{Tier: e.Tier, Flags: e.Flags, Entitlements: e.Entitlements}
}

// Notifiers returns the change feeds a guard should listen to.
func (e *Engine) Notifiers() []notify.Notifier {
	return []notify.Notifier{e.Tier, e.Flags, e.Entitlements}
}

// Check evaluates reqs against the current signals and counts the decision.
func (e *Engine) Check(reqs ...guard.Requirement[string]) guard.Decision[string] {
	d := guard.Evaluate(e.Signals(), reqs...)
	e.metrics.RecordGuardDecision(d.Kind.String())
	return d
}

// NewGuard returns a guard bound to the engine's stores.
func NewGuard[C any](e *Engine, reqs ...guard.Requirement[C]) *guard.Guard[C] {
	return guard.New(guard.Options[C]{
		Signals:      e.Signals(),
		Notifiers:    e.Notifiers(),
		Requirements: reqs,
		Metrics:      e.metrics,
		Logger:       &e.logger,
	})
}

// Close stops the token watcher and closes storage the engine opened.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	w, stop := e.watcher, e.watchStop
	e.watcher, e.watchStop = nil, nil
	e.mu.Unlock()

	if stop != nil {
		stop()
	}
	if w != nil {
		w.Stop()
	}
	return e.closer()
}
