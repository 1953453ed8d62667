// Package refresher keeps the backend session fresh: a fixed-interval tick
// decides whether to silently renew based on recent user activity and token
// expiry proximity, with a durable advisory marker deduplicating renewals
// across sibling agent processes.
package refresher

import (
	"context"
	"sync"
	"time"

	"casewatch-agent/internal/coordbus"
	"casewatch-agent/internal/logging"
	"casewatch-agent/internal/statestore"
	"casewatch-agent/internal/token"
)

const (
	defaultTickInterval    = time.Minute
	defaultActiveWindow    = 5 * time.Minute
	defaultMinBetween      = 5 * time.Minute
	defaultExpiryThreshold = 10 * time.Minute
	defaultInFlightTTL     = 15 * time.Second
)

type Options struct {
	TickInterval    time.Duration
	ActiveWindow    time.Duration
	MinBetween      time.Duration
	ExpiryThreshold time.Duration
	InFlightTTL     time.Duration
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	if o.ActiveWindow <= 0 {
		o.ActiveWindow = defaultActiveWindow
	}
	if o.MinBetween <= 0 {
		o.MinBetween = defaultMinBetween
	}
	if o.ExpiryThreshold <= 0 {
		o.ExpiryThreshold = defaultExpiryThreshold
	}
	if o.InFlightTTL <= 0 {
		o.InFlightTTL = defaultInFlightTTL
	}
	return o
}

// RenewFunc performs the actual renewal call. Failures are the external
// error handler's concern; the refresher only guarantees the in-flight
// marker is cleared so a later tick can try again.
type RenewFunc func(ctx context.Context) error

type Hooks struct {
	OnRefreshed  func(at time.Time)
	OnRenewError func(err error)
}

type Deps struct {
	Renew  RenewFunc
	Token  func() string
	Store  *statestore.Store
	Bus    coordbus.Bus
	Logger *logging.Logger
	Now    func() time.Time
}

type Refresher struct {
	opts   Options
	renew  RenewFunc
	token  func() string
	store  *statestore.Store
	bus    coordbus.Bus
	logger *logging.Logger
	now    func() time.Time
	hooks  Hooks

	mu             sync.Mutex
	lastActivityAt time.Time
	lastRefreshAt  time.Time

	wake chan struct{}
}

func New(opts Options, deps Deps, hooks Hooks) *Refresher {
	if deps.Renew == nil {
		panic("refresher.New: renew func must not be nil")
	}
	if deps.Store == nil {
		panic("refresher.New: store must not be nil")
	}
	if deps.Logger == nil {
		panic("refresher.New: logger must not be nil")
	}
	if deps.Token == nil {
		deps.Token = func() string { return "" }
	}
	if deps.Bus == nil {
		deps.Bus = coordbus.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := &Refresher{
		opts:   opts.withDefaults(),
		renew:  deps.Renew,
		token:  deps.Token,
		store:  deps.Store,
		bus:    deps.Bus,
		logger: deps.Logger,
		now:    deps.Now,
		hooks:  hooks,
		wake:   make(chan struct{}, 1),
	}
	// Hydrate from durable cross-process state so a fresh process does not
	// immediately re-refresh after a sibling just did.
	r.lastActivityAt = r.now()
	r.lastRefreshAt = r.store.LastRefreshAt()
	return r
}

// RecordActivity notes a user interaction. Sampled passively; never blocks.
func (r *Refresher) RecordActivity() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.lastActivityAt = r.now()
	r.mu.Unlock()
}

// Wake requests an immediate due-ness re-evaluation outside the timer tick,
// the analog of a tab becoming visible after a long background period.
func (r *Refresher) Wake() {
	if r == nil {
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RunContext drives the tick loop until ctx is canceled. Ticks are strictly
// sequential: a renewal still in flight blocks the loop, so the next timer
// firing cannot re-enter it.
func (r *Refresher) RunContext(ctx context.Context) error {
	unsubscribe := r.bus.Subscribe(func(signal coordbus.Signal) {
		if signal.Type != coordbus.SignalRefreshed || signal.At <= 0 {
			return
		}
		r.advanceLastRefresh(time.UnixMilli(signal.At))
	})
	defer unsubscribe()

	r.logger.Debug("starting session refresher",
		logging.Field("tick_interval", r.opts.TickInterval.String()),
		logging.Field("min_between", r.opts.MinBetween.String()),
	)

	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("stopping session refresher: context canceled")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		case <-r.wake:
			r.wakeEval(ctx)
		}
	}
}

func (r *Refresher) tick(ctx context.Context) {
	if !r.shouldRefreshNow() {
		return
	}
	r.refresh(ctx)
}

// wakeEval applies the visibility-return rule: refresh when the throttle
// window has fully elapsed or expiry is close, regardless of activity.
func (r *Refresher) wakeEval(ctx context.Context) {
	now := r.now()
	r.mu.Lock()
	lastRefreshAt := r.lastRefreshAt
	r.mu.Unlock()

	longSince := now.Sub(lastRefreshAt) >= r.opts.MinBetween
	expClose := false
	if left, ok := r.untilExpiry(now); ok {
		expClose = left <= r.opts.ExpiryThreshold
	}
	if longSince || expClose {
		r.logger.Debug("wake re-evaluation due",
			logging.Field("long_since", longSince),
			logging.Field("expiry_close", expClose),
		)
		r.refresh(ctx)
	}
}

func (r *Refresher) shouldRefreshNow() bool {
	now := r.now()
	r.mu.Lock()
	lastRefreshAt := r.lastRefreshAt
	lastActivityAt := r.lastActivityAt
	r.mu.Unlock()

	if now.Sub(lastRefreshAt) < r.opts.MinBetween {
		return false
	}
	if now.Sub(lastActivityAt) > r.opts.ActiveWindow {
		return false
	}
	left, ok := r.untilExpiry(now)
	if !ok {
		// Expiry unreadable (HttpOnly deployment): fail open and refresh
		// on the time-based cadence while the user is active.
		return true
	}
	return left <= r.opts.ExpiryThreshold
}

func (r *Refresher) untilExpiry(now time.Time) (time.Duration, bool) {
	exp, ok := token.ExpiresAt(r.token())
	if !ok {
		return 0, false
	}
	return time.Unix(exp, 0).Sub(now), true
}

func (r *Refresher) refresh(ctx context.Context) {
	now := r.now()
	if r.store.RefreshInFlightWithin(now, r.opts.InFlightTTL) {
		r.logger.Debug("skipping renewal: another process has one in flight")
		return
	}
	r.store.MarkRefreshInFlight(now)

	err := r.renew(ctx)
	r.store.ClearRefreshInFlight()
	if err != nil {
		// Not retried here; auth rejections are the HTTP error handler's
		// problem. The cleared marker lets a future tick try again.
		r.logger.Debug("session renewal attempt failed", logging.Field("error", err))
		if r.hooks.OnRenewError != nil {
			r.hooks.OnRenewError(err)
		}
		return
	}

	at := r.now()
	r.advanceLastRefresh(at)
	r.store.SetLastRefreshAt(at)
	r.bus.Publish(coordbus.Signal{Type: coordbus.SignalRefreshed, At: at.UnixMilli()})
	r.logger.Info("session refreshed")
	if r.hooks.OnRefreshed != nil {
		r.hooks.OnRefreshed(at)
	}
}

func (r *Refresher) advanceLastRefresh(at time.Time) {
	r.mu.Lock()
	if at.After(r.lastRefreshAt) {
		r.lastRefreshAt = at
	}
	r.mu.Unlock()
}
