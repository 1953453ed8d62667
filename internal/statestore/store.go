// Package statestore persists the small cross-process auth state shared by
// sibling agents: the last successful refresh instant and the advisory
// refresh-in-flight marker. The marker is TTL-based, not a true lock;
// correctness tolerates a rare double refresh under race.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"casewatch-agent/internal/logging"
)

const (
	stateFileName = "auth_state.json"
	lockFileName  = "auth_state.lock"
)

type Store struct {
	dir    string
	path   string
	lock   *flock.Flock
	logger *logging.Logger
}

type authState struct {
	LastRefreshAtMS     int64 `json:"last_refresh_at_ms"`
	RefreshInFlightAtMS int64 `json:"refresh_in_flight_at_ms"`
}

// New opens the store rooted at dir, creating the directory if needed. All
// subsequent operations are best-effort: storage failures degrade to zero
// values instead of propagating, matching the advisory nature of the state.
func New(dir string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		panic("statestore.New: logger must not be nil")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		dir:    dir,
		path:   filepath.Join(dir, stateFileName),
		lock:   flock.New(filepath.Join(dir, lockFileName)),
		logger: logger,
	}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) LastRefreshAt() time.Time {
	state := s.read()
	if state.LastRefreshAtMS <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(state.LastRefreshAtMS)
}

// SetLastRefreshAt records a successful refresh. The stored instant only
// moves forward; a stale writer cannot roll it back.
func (s *Store) SetLastRefreshAt(at time.Time) {
	s.update(func(state *authState) {
		ms := at.UnixMilli()
		if ms > state.LastRefreshAtMS {
			state.LastRefreshAtMS = ms
		}
	})
}

func (s *Store) MarkRefreshInFlight(at time.Time) {
	s.update(func(state *authState) {
		state.RefreshInFlightAtMS = at.UnixMilli()
	})
}

func (s *Store) ClearRefreshInFlight() {
	s.update(func(state *authState) {
		state.RefreshInFlightAtMS = 0
	})
}

// RefreshInFlightWithin reports whether any process marked a refresh in
// flight within ttl of now.
func (s *Store) RefreshInFlightWithin(now time.Time, ttl time.Duration) bool {
	state := s.read()
	if state.RefreshInFlightAtMS <= 0 {
		return false
	}
	marked := time.UnixMilli(state.RefreshInFlightAtMS)
	return now.Sub(marked) < ttl
}

func (s *Store) read() authState {
	state := authState{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Debug("discarding unreadable auth state", logging.Field("error", err))
		return authState{}
	}
	return state
}

func (s *Store) update(apply func(*authState)) {
	if err := s.lock.Lock(); err != nil {
		s.logger.Debug("auth state lock unavailable", logging.Field("error", err))
		// Proceed unlocked; the marker is advisory.
	} else {
		defer func() {
			if err := s.lock.Unlock(); err != nil {
				s.logger.Debug("auth state unlock failed", logging.Field("error", err))
			}
		}()
	}

	state := s.read()
	apply(&state)
	payload, err := json.Marshal(state)
	if err != nil {
		s.logger.Debug("auth state encode failed", logging.Field("error", err))
		return
	}
	if err := os.WriteFile(s.path, payload, 0o600); err != nil {
		s.logger.Debug("auth state write failed", logging.Field("error", err))
	}
}
