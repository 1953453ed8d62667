// Package channel owns the push-channel lifecycle: connect, receive,
// reconnect with backoff, disconnect. Inbound frames are demultiplexed into
// typed application events; the counters snapshot is replaced wholesale so
// the server stays the sole source of truth for its shape.
package channel

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"casewatch-agent/internal/client"
	"casewatch-agent/internal/identity"
	"casewatch-agent/internal/logging"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "idle"
	}
}

type dialFunc func(ctx context.Context, target string) (*websocket.Conn, error)

type Manager struct {
	api      *client.APIClient
	resolver *identity.Resolver
	logger   *logging.Logger
	hooks    Hooks
	dial     dialFunc

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	policy         *reconnectPolicy
	reconnectTimer *time.Timer
	wantReconnect  bool
	started        bool
	cancel         context.CancelFunc

	counts countsState
}

func NewManager(api *client.APIClient, resolver *identity.Resolver, logger *logging.Logger, hooks Hooks) *Manager {
	if api == nil {
		panic("channel.NewManager: api client must not be nil")
	}
	if resolver == nil {
		panic("channel.NewManager: resolver must not be nil")
	}
	if logger == nil {
		panic("channel.NewManager: logger must not be nil")
	}
	m := &Manager{
		api:      api,
		resolver: resolver,
		logger:   logger,
		hooks:    hooks,
		dial:     defaultDial,
		policy:   newReconnectPolicy(),
	}
	m.counts.onCounts = hooks.OnCounts
	return m
}

// Start probes identity and opens the channel, at most once per lifetime
// (until Teardown). When the identity pair is not yet resolvable it is
// polled on a bounded interval rather than blocking the caller.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.wantReconnect = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.bootstrap(runCtx)
}

func (m *Manager) bootstrap(ctx context.Context) {
	if _, ok := m.resolver.Resolve(ctx); ok {
		m.connect(ctx)
		return
	}
	m.logger.Debug("identity pair not ready, polling",
		logging.Field("interval", identity.PollInterval.String()))

	ticker := time.NewTicker(identity.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ok := m.resolver.Resolve(ctx); ok {
				m.connect(ctx)
				return
			}
		}
	}
}

// connect transitions Idle -> Connecting -> Open. A no-op while already
// Connecting or Open, and a no-op until the identity pair is resolved.
func (m *Manager) connect(ctx context.Context) {
	id, ok := m.resolver.Peek()
	if !ok {
		return
	}

	m.mu.Lock()
	if m.state != StateIdle || !m.wantReconnect {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.mu.Unlock()

	target := m.connectURL(id)
	m.logger.Debug("connecting push channel", logging.Field("url", target))
	conn, err := m.dial(ctx, target)
	if err != nil {
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		if ctx.Err() == nil {
			m.logger.Debug("push channel connect failed", logging.Field("error", err))
			m.scheduleReconnect(ctx)
		}
		return
	}

	m.mu.Lock()
	if !m.wantReconnect {
		// Torn down while the dial was in flight.
		m.state = StateIdle
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.state = StateOpen
	m.conn = conn
	m.policy.reset()
	m.mu.Unlock()

	m.logger.Info("push channel connected")
	if m.hooks.OnConnected != nil {
		m.hooks.OnConnected()
	}

	// Seed counters over HTTP to cover the window before the first push.
	go m.fetchInitialCounts(ctx)
	go m.readLoop(ctx, conn)
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(ctx, conn, err)
			return
		}
		m.handleFrame(data)
	}
}

func (m *Manager) handleFrame(data []byte) {
	env := envelope{}
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Debug("dropping malformed push frame",
			logging.Field("error", err),
			logging.Field("data", logging.Truncate(string(data))),
		)
		return
	}
	switch env.Type {
	case msgTypeCounts:
		if env.Counts == nil {
			return
		}
		m.counts.applyPush(env.Counts)
	case msgTypeMessagesChange, msgTypeReactions:
		if env.CaseID == "" || env.MessageID == "" {
			return
		}
		event := ChangeEvent{CaseID: env.CaseID, MessageID: env.MessageID}
		if m.hooks.OnChange != nil {
			m.hooks.OnChange(event)
		}
		if env.Type == msgTypeReactions && m.hooks.OnReaction != nil {
			m.hooks.OnReaction(event)
		}
	case msgTypePong:
		// Keepalive acknowledgement.
	default:
		// Unknown types are forward-compatible noise.
	}
}

func (m *Manager) handleClose(ctx context.Context, conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A superseded connection's read loop lost the race; ignore it.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateIdle
	want := m.wantReconnect
	m.mu.Unlock()
	_ = conn.Close()

	disconnectErr := err
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		disconnectErr = nil
	}
	if ctx.Err() == nil {
		m.logger.Debug("push channel closed", logging.Field("error", err))
	}
	if m.hooks.OnDisconnected != nil {
		m.hooks.OnDisconnected(disconnectErr)
	}
	if want && ctx.Err() == nil {
		m.scheduleReconnect(ctx)
	}
}

// scheduleReconnect arms the single pending reconnect timer. The timer
// handle is cleared before the next connect so Teardown can always cancel
// exactly one timer.
func (m *Manager) scheduleReconnect(ctx context.Context) {
	m.mu.Lock()
	if !m.wantReconnect || m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}
	delay := m.policy.next()
	m.logger.Debug("scheduling push channel reconnect",
		logging.Field("delay", delay.String()),
		logging.Field("attempts", m.policy.attemptCount()),
	)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		m.connect(ctx)
	})
	m.mu.Unlock()
}

func (m *Manager) fetchInitialCounts(ctx context.Context) {
	counts, err := m.api.FetchUnseenCounts(ctx)
	if err != nil {
		if client.IsSessionInvalid(err) {
			// Authoritative expiry signal: the channel credentials are dead.
			m.logger.Warn("session invalid during counts seed, tearing down push channel")
			m.Teardown()
			return
		}
		if ctx.Err() == nil {
			m.logger.Debug("initial counts snapshot unavailable", logging.Field("error", err))
		}
		return
	}
	m.counts.applyInitial(counts)
}

// Teardown disables reconnection, cancels pending timers, closes any live
// connection, clears the identity pair and the counters snapshot. Safe to
// call in any state, any number of times.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.wantReconnect = false
	m.started = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	cancel := m.cancel
	m.cancel = nil
	conn := m.conn
	m.conn = nil
	m.state = StateIdle
	m.policy.reset()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	m.resolver.Reset()
	m.counts.clear()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CountsSnapshot returns a copy of the current counters snapshot.
func (m *Manager) CountsSnapshot() Counts {
	return m.counts.snapshot()
}

func (m *Manager) connectURL(id identity.Identity) string {
	query := url.Values{}
	query.Set("uid", id.UserID)
	query.Set("sid", id.SessionID)
	return m.api.Endpoints().ChannelURL + "?" + query.Encode()
}

func defaultDial(ctx context.Context, target string) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}
