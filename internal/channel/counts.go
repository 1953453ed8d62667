package channel

import "sync"

// Counts is the unseen-message counters snapshot: a flat string-to-integer
// mapping whose key shape (total, per-category, per-case variants) is owned
// entirely by the server.
type Counts map[string]int

func (c Counts) clone() Counts {
	out := make(Counts, len(c))
	for key, value := range c {
		out[key] = value
	}
	return out
}

// countsState holds the snapshot and arbitrates between the HTTP-fetched
// initial snapshot and push-delivered updates: once a push has been applied,
// a late-arriving initial snapshot is stale and must not overwrite it.
type countsState struct {
	mu          sync.Mutex
	counts      Counts
	pushApplied bool
	onCounts    func(Counts)
}

// applyPush replaces the snapshot wholesale with a push-delivered payload.
func (s *countsState) applyPush(next Counts) {
	s.mu.Lock()
	s.counts = next.clone()
	s.pushApplied = true
	notify := s.onCounts
	snapshot := s.counts.clone()
	s.mu.Unlock()
	if notify != nil {
		notify(snapshot)
	}
}

// applyInitial installs the HTTP-fetched snapshot unless a push update has
// already superseded it.
func (s *countsState) applyInitial(next Counts) {
	s.mu.Lock()
	if s.pushApplied {
		s.mu.Unlock()
		return
	}
	s.counts = next.clone()
	notify := s.onCounts
	snapshot := s.counts.clone()
	s.mu.Unlock()
	if notify != nil {
		notify(snapshot)
	}
}

func (s *countsState) clear() {
	s.mu.Lock()
	s.counts = Counts{}
	s.pushApplied = false
	notify := s.onCounts
	s.mu.Unlock()
	if notify != nil {
		notify(Counts{})
	}
}

func (s *countsState) snapshot() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts.clone()
}
