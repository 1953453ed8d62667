package statestore

import (
	"os"
	"testing"
	"time"

	"casewatch-agent/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), logging.New(false))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return store
}

func TestLastRefreshAt_OnlyMovesForward(t *testing.T) {
	store := newTestStore(t)
	if !store.LastRefreshAt().IsZero() {
		t.Fatalf("fresh store should have zero last refresh")
	}

	later := time.UnixMilli(2_000_000)
	earlier := time.UnixMilli(1_000_000)
	store.SetLastRefreshAt(later)
	store.SetLastRefreshAt(earlier)
	if got := store.LastRefreshAt(); !got.Equal(later) {
		t.Fatalf("LastRefreshAt = %v, want %v", got, later)
	}
}

func TestRefreshInFlightMarker_TTL(t *testing.T) {
	store := newTestStore(t)
	base := time.UnixMilli(10_000_000)

	if store.RefreshInFlightWithin(base, 15*time.Second) {
		t.Fatalf("unset marker reported in flight")
	}

	store.MarkRefreshInFlight(base)
	if !store.RefreshInFlightWithin(base.Add(5*time.Second), 15*time.Second) {
		t.Fatalf("marker inside TTL not reported")
	}
	if store.RefreshInFlightWithin(base.Add(16*time.Second), 15*time.Second) {
		t.Fatalf("marker outside TTL still reported")
	}

	store.ClearRefreshInFlight()
	if store.RefreshInFlightWithin(base.Add(time.Second), 15*time.Second) {
		t.Fatalf("cleared marker still reported")
	}
}

func TestSharedDirVisibleAcrossStores(t *testing.T) {
	dir := t.TempDir()
	logger := logging.New(false)
	a, err := New(dir, logger)
	if err != nil {
		t.Fatalf("New(a) error = %v", err)
	}
	b, err := New(dir, logger)
	if err != nil {
		t.Fatalf("New(b) error = %v", err)
	}

	at := time.UnixMilli(42_000)
	a.MarkRefreshInFlight(at)
	if !b.RefreshInFlightWithin(at.Add(time.Second), 15*time.Second) {
		t.Fatalf("marker set by store a not visible to store b")
	}
}

func TestCorruptStateFileDegradesToZero(t *testing.T) {
	store := newTestStore(t)
	store.SetLastRefreshAt(time.UnixMilli(1_000))
	if err := os.WriteFile(store.path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}
	if !store.LastRefreshAt().IsZero() {
		t.Fatalf("corrupt state should read as zero")
	}
}
