// Package identity resolves the (user id, session id) pair required to open
// the push channel.
package identity

import (
	"context"
	"sync"
	"time"

	"casewatch-agent/internal/client"
	"casewatch-agent/internal/logging"
	"casewatch-agent/internal/token"
)

// PollInterval bounds how often callers should retry Resolve before the
// pair is ready. Callers poll; Resolve never blocks waiting for identity.
const PollInterval = 2 * time.Second

type Identity struct {
	UserID    string
	SessionID string
}

// Ready reports whether both halves of the pair are known. A partial pair
// is "not ready" and must not be used to open a channel.
func (id Identity) Ready() bool {
	return id.UserID != "" && id.SessionID != ""
}

type Resolver struct {
	api    *client.APIClient
	token  client.TokenSource
	logger *logging.Logger

	mu     sync.Mutex
	cached Identity
}

func NewResolver(api *client.APIClient, tokenFn client.TokenSource, logger *logging.Logger) *Resolver {
	if api == nil {
		panic("identity.NewResolver: api client must not be nil")
	}
	if logger == nil {
		panic("identity.NewResolver: logger must not be nil")
	}
	if tokenFn == nil {
		tokenFn = func() string { return "" }
	}
	return &Resolver{api: api, token: tokenFn, logger: logger}
}

// Resolve returns the identity pair and whether it is complete. The whoami
// endpoint is authoritative; token introspection is the fallback and can
// only recover the session id. Once complete the pair is cached for the
// process lifetime (until Reset).
func (r *Resolver) Resolve(ctx context.Context) (Identity, bool) {
	r.mu.Lock()
	cached := r.cached
	r.mu.Unlock()
	if cached.Ready() {
		return cached, true
	}

	me, err := r.api.FetchWhoAmI(ctx)
	if err != nil {
		r.logger.Debug("whoami lookup unavailable, falling back to token introspection",
			logging.Field("error", err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if me.ID != "" && r.cached.UserID == "" {
		r.cached.UserID = me.ID
	}
	if me.SessionID != "" && r.cached.SessionID == "" {
		r.cached.SessionID = me.SessionID
	}
	if !r.cached.Ready() && r.cached.SessionID == "" {
		// A user id is not recoverable from the token alone.
		if sid, ok := token.SessionID(r.token()); ok {
			r.cached.SessionID = sid
		}
	}
	return r.cached, r.cached.Ready()
}

// Peek returns the cached pair without touching the network.
func (r *Resolver) Peek() (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached, r.cached.Ready()
}

// Reset clears the cached pair so the next Resolve starts from scratch.
// Called on teardown so a later start re-resolves instead of reusing stale
// values.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.cached = Identity{}
	r.mu.Unlock()
}
