package guard

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/baerautotech/cerebral-access/internal/metrics"
	"github.com/baerautotech/cerebral-access/internal/notify"
)

// State is the observable state of a Guard.
type State string

const (
	StateLoading            State = "loading"
	StateAllowed            State = "allowed"
	StateDeniedWithFallback State = "denied_with_fallback"
	StateDeniedBare         State = "denied_bare"
)

func stateFor[C any](d Decision[C]) State {
	switch d.Kind {
	case Allow:
		return StateAllowed
	case DenyWithFallback:
		return StateDeniedWithFallback
	default:
		return StateDeniedBare
	}
}

// Transition describes a state change.
type Transition[C any] struct {
	GuardID  string
	From     State
	To       State
	Decision Decision[C]
}

// Options configures a Guard.
type Options[C any] struct {
	Signals      Signals
	Notifiers    []notify.Notifier
	Requirements []Requirement[C]
	Metrics      *metrics.AccessMetrics
	Logger       *zerolog.Logger
}

// Guard re-evaluates its requirements whenever a notifier fires. It starts
// in StateLoading and never returns to it once resolved.
type Guard[C any] struct {
	id      string
	sig     Signals
	reqs    []Requirement[C]
	metrics *metrics.AccessMetrics
	logger  zerolog.Logger

	evalMu sync.Mutex

	mu        sync.RWMutex
	state     State
	decision  Decision[C]
	closed    bool
	unsubs    []func()
	observers notifyList[C]
}

// NewGuard builds a guard over sig that listens to notifiers.
func NewGuard[C any](sig Signals, notifiers []notify.Notifier, reqs ...Requirement[C]) *Guard[C] {
	return New(Options[C]{Signals: sig, Notifiers: notifiers, Requirements: reqs})
}

// New builds a guard from opts and evaluates it once.
func New[C any](opts Options[C]) *Guard[C] {
	id := ulid.MustNew(ulid.Now(), rand.Reader).String()
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	g := &Guard[C]{
		id:       id,
		sig:      opts.Signals,
		reqs:     append([]Requirement[C](nil), opts.Requirements...),
		metrics:  opts.Metrics,
		logger:   logger.With().Str("guard_id", id).Logger(),
		state:    StateLoading,
		decision: Decision[C]{Kind: DenyBare, Layer: -1, Pending: true},
	}
	for _, n := range opts.Notifiers {
		if n == nil {
			continue
		}
		g.unsubs = append(g.unsubs, n.Subscribe(g.reevaluate))
	}
	g.reevaluate()
	return g
}

// ID returns the guard's log correlation ID.
func (g *Guard[C]) ID() string { return g.id }

// State returns the current state.
func (g *Guard[C]) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Decision returns the current decision.
func (g *Guard[C]) Decision() Decision[C] {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.decision
}

// OnTransition registers fn to run after each state change. The returned
// function removes it and is safe to call more than once.
func (g *Guard[C]) OnTransition(fn func(Transition[C])) func() {
	if fn == nil {
		return func() {}
	}
	g.mu.Lock()
	id := g.observers.add(fn)
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			g.observers.remove(id)
		})
	}
}

// Refresh re-evaluates without waiting for a notification.
func (g *Guard[C]) Refresh() Decision[C] {
	g.reevaluate()
	return g.Decision()
}

// Close detaches the guard from its notifiers. Later notifications are no-ops.
func (g *Guard[C]) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	unsubs := g.unsubs
	g.unsubs = nil
	g.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (g *Guard[C]) reevaluate() {
	g.evalMu.Lock()
	defer g.evalMu.Unlock()

	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		return
	}

	d := Evaluate(g.sig, g.reqs...)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	from := g.state
	if d.Pending && from != StateLoading {
		// Resolved guards keep their last decision.
		g.mu.Unlock()
		return
	}
	to := from
	if !d.Pending {
		to = stateFor(d)
	}
	g.decision = d
	g.state = to
	observers := g.observers.snapshot()
	g.mu.Unlock()

	if d.Pending || from == to {
		return
	}

	g.metrics.RecordGuardDecision(d.Kind.String())
	g.logger.Debug().
		Str("from", string(from)).
		Str("to", string(to)).
		Int("layer", d.Layer).
		Msg("Guard transition")

	t := Transition[C]{GuardID: g.id, From: from, To: to, Decision: d}
	for _, fn := range observers {
		fn(t)
	}
}

type notifyList[C any] struct {
	nextID uint64
	fns    []observer[C]
}

type observer[C any] struct {
	id uint64
	fn func(Transition[C])
}

func (l *notifyList[C]) add(fn func(Transition[C])) uint64 {
	l.nextID++
	id := l.nextID
	l.fns = append(l.fns, observer[C]{id: id, fn: fn})
	return id
}

func (l *notifyList[C]) remove(id uint64) {
	for i, o := range l.fns {
		if o.id == id {
			l.fns = append(l.fns[:i:i], l.fns[i+1:]...)
			return
		}
	}
}

func (l *notifyList[C]) snapshot() []func(Transition[C]) {
	out := make([]func(Transition[C]), len(l.fns))
	for i, o := range l.fns {
		out[i] = o.fn
	}
	return out
}
