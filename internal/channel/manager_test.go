package channel

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"casewatch-agent/internal/client"
	"casewatch-agent/internal/config"
	"casewatch-agent/internal/identity"
	"casewatch-agent/internal/logging"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    r,
	}
}

// apiFixture fakes the HTTP collaborators: whoami always resolves, counts
// responds with the configured status/body.
type apiFixture struct {
	countsStatus int32
	countsBody   atomic.Value
}

func newAPIFixture(t *testing.T, baseURL string) (*apiFixture, *client.APIClient, *identity.Resolver) {
	t.Helper()
	fixture := &apiFixture{countsStatus: http.StatusOK}
	fixture.countsBody.Store(`{}`)

	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/auth/me"):
			return jsonResponse(r, http.StatusOK, `{"id":"u1","session_id":"s1"}`), nil
		case strings.HasSuffix(r.URL.Path, "/unseen_messages_counts"):
			status := int(atomic.LoadInt32(&fixture.countsStatus))
			return jsonResponse(r, status, fixture.countsBody.Load().(string)), nil
		default:
			return jsonResponse(r, http.StatusNotFound, ""), nil
		}
	})

	endpoints, err := config.BuildEndpoints(baseURL)
	if err != nil {
		t.Fatalf("BuildEndpoints() error = %v", err)
	}
	logger := logging.New(false)
	api := client.New(&http.Client{Transport: transport}, nil, endpoints, logger)
	return fixture, api, identity.NewResolver(api, nil, logger)
}

type wsServer struct {
	*httptest.Server
	upgrades int64

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	server := &wsServer{}
	upgrader := websocket.Upgrader{}
	server.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt64(&server.upgrades, 1)
		server.mu.Lock()
		server.conns = append(server.conns, conn)
		server.mu.Unlock()
		// Hold the connection open; read until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func (s *wsServer) upgradeCount() int64 { return atomic.LoadInt64(&s.upgrades) }

func (s *wsServer) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if check() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTestManager(t *testing.T, baseURL string, hooks Hooks) (*Manager, *apiFixture) {
	t.Helper()
	fixture, api, resolver := newAPIFixture(t, baseURL)
	return NewManager(api, resolver, logging.New(false), hooks), fixture
}

func TestConnect_NoOpWhileOpen(t *testing.T) {
	server := newWSServer(t)
	m, _ := newTestManager(t, server.URL, Hooks{})
	defer m.Teardown()

	ctx := context.Background()
	m.Start(ctx)
	waitFor(t, 5*time.Second, func() bool { return m.State() == StateOpen }, "open state")

	m.mu.Lock()
	before := m.conn
	m.mu.Unlock()

	m.connect(ctx)

	m.mu.Lock()
	after := m.conn
	m.mu.Unlock()
	if before != after {
		t.Fatalf("connect() while open replaced the connection")
	}
	if got := server.upgradeCount(); got != 1 {
		t.Fatalf("upgrades = %d, want 1", got)
	}
}

func TestConnect_NoOpWithoutIdentity(t *testing.T) {
	// Whoami fails and no token is available: identity stays unresolved.
	endpoints, err := config.BuildEndpoints("http://example.test")
	if err != nil {
		t.Fatalf("BuildEndpoints() error = %v", err)
	}
	logger := logging.New(false)
	api := client.New(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusServiceUnavailable, ""), nil
	})}, nil, endpoints, logger)
	resolver := identity.NewResolver(api, nil, logger)

	dials := 0
	m := NewManager(api, resolver, logger, Hooks{})
	m.dial = func(context.Context, string) (*websocket.Conn, error) {
		dials++
		return nil, io.EOF
	}

	m.connect(context.Background())
	if dials != 0 {
		t.Fatalf("dials = %d, want 0 before identity is ready", dials)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %v, want idle", m.State())
	}
}

func TestReconnect_AfterServerClose(t *testing.T) {
	server := newWSServer(t)

	var disconnects int64
	m, _ := newTestManager(t, server.URL, Hooks{
		OnDisconnected: func(error) { atomic.AddInt64(&disconnects, 1) },
	})
	defer m.Teardown()

	m.Start(context.Background())
	waitFor(t, 5*time.Second, func() bool { return m.State() == StateOpen }, "first open")

	server.closeAll()
	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt64(&disconnects) >= 1 }, "disconnect")

	// The reconnect timer (1s on first failure) must bring the channel back.
	waitFor(t, 5*time.Second, func() bool { return server.upgradeCount() >= 2 && m.State() == StateOpen }, "reconnect")

	// A successful open resets the attempt counter.
	m.mu.Lock()
	attempts := m.policy.attemptCount()
	m.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("attempts after reopen = %d, want 0", attempts)
	}
}

func TestInitialCountsSeededOverHTTP(t *testing.T) {
	server := newWSServer(t)
	m, fixture := newTestManager(t, server.URL, Hooks{})
	defer m.Teardown()
	fixture.countsBody.Store(`{"count":7,"count_rfis":2}`)

	m.Start(context.Background())
	waitFor(t, 5*time.Second, func() bool {
		return reflect.DeepEqual(m.CountsSnapshot(), Counts{"count": 7, "count_rfis": 2})
	}, "initial counts")
}

func TestSessionInvalidCountsSeedTearsDown(t *testing.T) {
	server := newWSServer(t)
	m, fixture := newTestManager(t, server.URL, Hooks{})
	atomic.StoreInt32(&fixture.countsStatus, 419)

	m.Start(context.Background())
	waitFor(t, 5*time.Second, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.state == StateIdle && !m.wantReconnect && !m.started
	}, "teardown after session-invalid seed")
}

func TestTeardown_IdempotentAtAnyState(t *testing.T) {
	server := newWSServer(t)
	m, _ := newTestManager(t, server.URL, Hooks{})

	// Before any connect.
	m.Teardown()
	m.Teardown()
	if m.State() != StateIdle {
		t.Fatalf("state = %v, want idle", m.State())
	}

	m.Start(context.Background())
	waitFor(t, 5*time.Second, func() bool { return m.State() == StateOpen }, "open state")
	m.Teardown()
	m.Teardown()
	if m.State() != StateIdle {
		t.Fatalf("state after teardown = %v, want idle", m.State())
	}
	if _, ok := m.resolver.Peek(); ok {
		t.Fatalf("identity pair not cleared by teardown")
	}
	if got := m.CountsSnapshot(); len(got) != 0 {
		t.Fatalf("counts not cleared by teardown: %#v", got)
	}
}

func TestHandleFrame_CountsUpdateReplacesSnapshot(t *testing.T) {
	m, _ := newTestManager(t, "http://example.test", Hooks{})
	m.counts.applyPush(Counts{"count": 1, "count_old": 9})

	m.handleFrame([]byte(`{"type":"counts.update","counts":{"count":3,"count_rfis":1}}`))
	want := Counts{"count": 3, "count_rfis": 1}
	if got := m.CountsSnapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot = %#v, want %#v", got, want)
	}
}

func TestHandleFrame_ReactionEmitsBothEvents(t *testing.T) {
	var changes, reactions []ChangeEvent
	m, _ := newTestManager(t, "http://example.test", Hooks{
		OnChange:   func(e ChangeEvent) { changes = append(changes, e) },
		OnReaction: func(e ChangeEvent) { reactions = append(reactions, e) },
	})

	m.handleFrame([]byte(`{"type":"reactions.update","case_id":"c1","message_id":"m1"}`))
	want := ChangeEvent{CaseID: "c1", MessageID: "m1"}
	if len(changes) != 1 || changes[0] != want {
		t.Fatalf("changes = %#v", changes)
	}
	if len(reactions) != 1 || reactions[0] != want {
		t.Fatalf("reactions = %#v", reactions)
	}
}

func TestHandleFrame_MessagesChangeEmitsGenericOnly(t *testing.T) {
	var changes, reactions []ChangeEvent
	m, _ := newTestManager(t, "http://example.test", Hooks{
		OnChange:   func(e ChangeEvent) { changes = append(changes, e) },
		OnReaction: func(e ChangeEvent) { reactions = append(reactions, e) },
	})

	m.handleFrame([]byte(`{"type":"messages.change","case_id":"c2","message_id":"m2"}`))
	if len(changes) != 1 || changes[0] != (ChangeEvent{CaseID: "c2", MessageID: "m2"}) {
		t.Fatalf("changes = %#v", changes)
	}
	if len(reactions) != 0 {
		t.Fatalf("reactions = %#v, want none", reactions)
	}
}

func TestHandleFrame_IncompleteScopeDropped(t *testing.T) {
	var events int
	m, _ := newTestManager(t, "http://example.test", Hooks{
		OnChange:   func(ChangeEvent) { events++ },
		OnReaction: func(ChangeEvent) { events++ },
	})

	m.handleFrame([]byte(`{"type":"reactions.update","case_id":"c1"}`))
	m.handleFrame([]byte(`{"type":"messages.change","message_id":"m1"}`))
	if events != 0 {
		t.Fatalf("events = %d, want 0 for incomplete scope pairs", events)
	}
}

func TestHandleFrame_MalformedAndUnknownIgnored(t *testing.T) {
	m, _ := newTestManager(t, "http://example.test", Hooks{})
	m.counts.applyPush(Counts{"count": 4})

	m.handleFrame([]byte(`not json at all`))
	m.handleFrame([]byte(`{"type":"counts.update"}`))
	m.handleFrame([]byte(`{"type":"something.new","case_id":"c1","message_id":"m1"}`))
	m.handleFrame([]byte(`{"type":"pong"}`))

	if got := m.CountsSnapshot(); got["count"] != 4 {
		t.Fatalf("snapshot disturbed by ignored frames: %#v", got)
	}
}
