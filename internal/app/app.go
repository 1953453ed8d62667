// Package app assembles the agent: the session refresher, the push channel
// manager, and the shared-state plumbing that lets sibling agent processes
// coordinate. It exposes a small callback surface so frontends only deal in
// application events, never transport details.
package app

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"casewatch-agent/internal/channel"
	"casewatch-agent/internal/client"
	"casewatch-agent/internal/config"
	"casewatch-agent/internal/coordbus"
	"casewatch-agent/internal/identity"
	"casewatch-agent/internal/logging"
	"casewatch-agent/internal/refresher"
	"casewatch-agent/internal/runctx"
	"casewatch-agent/internal/statestore"
)

// Run statuses, coarse enough for a status line. disconnected-auth is
// terminal until the user signs in again; the others are transient.
const (
	StatusStarting         = "starting"
	StatusPublic           = "public"
	StatusAuthenticated    = "authenticated"
	StatusConnected        = "connected"
	StatusReconnecting     = "reconnecting"
	StatusDisconnected     = "disconnected"
	StatusDisconnectedAuth = "disconnected-auth"
)

type Callbacks struct {
	OnCounts       func(channel.Counts)
	OnChange       func(channel.ChangeEvent)
	OnStatusChange func(status string)
}

type App struct {
	opts      config.Options
	logger    *logging.Logger
	callbacks Callbacks

	api       *client.APIClient
	store     *statestore.Store
	bus       coordbus.Bus
	resolver  *identity.Resolver
	refresher *refresher.Refresher
	channel   *channel.Manager

	statusMu sync.Mutex
	status   string
	statusCh chan string
}

// New builds the agent around the given endpoints. The state directory is
// created if needed; a bus that cannot attach to it degrades to a no-op so a
// lone process still runs, just without cross-process refresh dedup.
func New(opts config.Options, endpoints config.APIEndpoints, callbacks Callbacks, logger *logging.Logger) (*App, error) {
	if logger == nil {
		panic("app.New: logger must not be nil")
	}

	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		dir, err := config.DefaultStateDir()
		if err != nil {
			return nil, err
		}
		stateDir = dir
	}

	store, err := statestore.New(stateDir, logger)
	if err != nil {
		return nil, err
	}
	bus, err := coordbus.Open(stateDir, logger)
	if err != nil {
		logger.Warn("coordination bus unavailable, running standalone",
			logging.Field("error", err))
		bus = coordbus.NewNop()
	}

	tokenFn := tokenSource(opts)
	api := client.New(http.DefaultClient, tokenFn, endpoints, logger)

	a := &App{
		opts:      opts,
		logger:    logger,
		callbacks: callbacks,
		api:       api,
		store:     store,
		bus:       bus,
		status:    StatusStarting,
		statusCh:  make(chan string, 16),
	}

	a.resolver = identity.NewResolver(api, tokenFn, logger)
	a.refresher = refresher.New(refresher.Options{}, refresher.Deps{
		Renew:  api.RenewSession,
		Token:  tokenFn,
		Store:  store,
		Bus:    bus,
		Logger: logger,
	}, refresher.Hooks{
		OnRefreshed:  a.onRefreshed,
		OnRenewError: a.onRenewError,
	})
	a.channel = channel.NewManager(api, a.resolver, logger, channel.Hooks{
		OnCounts:       callbacks.OnCounts,
		OnChange:       callbacks.OnChange,
		OnConnected:    func() { a.setStatus(StatusConnected) },
		OnDisconnected: a.onDisconnected,
	})
	return a, nil
}

// RunContext drives the agent until ctx is canceled. In public mode neither
// the refresher nor the push channel runs; the agent only reports status.
func (a *App) RunContext(ctx context.Context) error {
	var dispatchDone sync.WaitGroup
	dispatchDone.Add(1)
	go func() {
		defer dispatchDone.Done()
		a.dispatchStatuses(ctx)
	}()

	if a.opts.Public {
		a.logger.Info("running in public mode, session features disabled")
		a.setStatus(StatusPublic)
		<-ctx.Done()
		dispatchDone.Wait()
		return nil
	}

	runctx.SendOrDone(ctx, "status dispatcher", a.logger, a.statusCh, StatusStarting)
	a.channel.Start(ctx)
	err := a.refresher.RunContext(ctx)

	a.channel.Teardown()
	_ = a.bus.Close()
	dispatchDone.Wait()
	return err
}

// RecordActivity notes a user interaction for the refresher's activity gate.
func (a *App) RecordActivity() {
	a.refresher.RecordActivity()
}

// Wake forces an immediate refresh re-evaluation, used when the host process
// resumes after a long suspension.
func (a *App) Wake() {
	a.refresher.Wake()
}

func (a *App) Status() string {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.status
}

// CountsSnapshot returns the current unseen counters.
func (a *App) CountsSnapshot() channel.Counts {
	return a.channel.CountsSnapshot()
}

func (a *App) onRefreshed(_ time.Time) {
	if a.channel.State() != channel.StateOpen {
		a.setStatus(StatusAuthenticated)
	}
}

func (a *App) onRenewError(err error) {
	if !client.IsSessionInvalid(err) {
		return
	}
	a.logger.Warn("session rejected by backend, signing the agent out",
		logging.Field("error", err))
	a.channel.Teardown()
	a.setStatus(StatusDisconnectedAuth)
}

func (a *App) onDisconnected(err error) {
	if a.Status() == StatusDisconnectedAuth {
		return
	}
	if err == nil {
		a.setStatus(StatusDisconnected)
		return
	}
	a.setStatus(StatusReconnecting)
}

// setStatus records a transition and queues it for dispatch. Same-status
// writes are dropped so subscribers only see edges.
func (a *App) setStatus(status string) {
	a.statusMu.Lock()
	if a.status == status {
		a.statusMu.Unlock()
		return
	}
	previous := a.status
	a.status = status
	a.statusMu.Unlock()

	a.logger.Debug("run status changed",
		logging.Field("from", previous),
		logging.Field("to", status),
	)
	select {
	case a.statusCh <- status:
	default:
		// A stalled subscriber must not block transport goroutines.
	}
}

// dispatchStatuses serializes status callbacks onto one goroutine so the
// frontend never sees concurrent invocations.
func (a *App) dispatchStatuses(ctx context.Context) {
	for {
		status, ok := runctx.RecvOrDone(ctx, "status dispatcher", a.logger, a.statusCh)
		if !ok {
			return
		}
		if a.callbacks.OnStatusChange != nil {
			a.callbacks.OnStatusChange(status)
		}
	}
}

// tokenSource resolves the bearer token per call: an explicit token wins,
// otherwise the token file is re-read so rotations are picked up. Both absent
// means a cookie-managed session with nothing readable locally.
func tokenSource(opts config.Options) client.TokenSource {
	return func() string {
		if tok := strings.TrimSpace(opts.Token); tok != "" {
			return tok
		}
		if opts.TokenFile == "" {
			return ""
		}
		data, err := os.ReadFile(opts.TokenFile)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}
}
