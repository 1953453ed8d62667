package channel

import (
	"reflect"
	"testing"
)

func TestCountsState_PushReplacesWholesale(t *testing.T) {
	state := &countsState{}
	state.applyPush(Counts{"count": 10, "count_c1": 4})
	state.applyPush(Counts{"count": 3, "count_rfis": 1})

	want := Counts{"count": 3, "count_rfis": 1}
	if got := state.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot = %#v, want %#v (prior keys must be discarded)", got, want)
	}
}

func TestCountsState_LateInitialDoesNotOverwritePush(t *testing.T) {
	state := &countsState{}
	state.applyPush(Counts{"count": 5})
	state.applyInitial(Counts{"count": 1})

	if got := state.snapshot(); got["count"] != 5 {
		t.Fatalf("snapshot = %#v, push update was overwritten by stale initial", got)
	}
}

func TestCountsState_InitialAppliesWhenNoPushYet(t *testing.T) {
	state := &countsState{}
	state.applyInitial(Counts{"count": 2})
	if got := state.snapshot(); got["count"] != 2 {
		t.Fatalf("snapshot = %#v", got)
	}
}

func TestCountsState_NotifiesSubscriberWithCopy(t *testing.T) {
	var seen Counts
	state := &countsState{onCounts: func(c Counts) { seen = c }}
	state.applyPush(Counts{"count": 1})
	if seen["count"] != 1 {
		t.Fatalf("subscriber saw %#v", seen)
	}
	seen["count"] = 99
	if got := state.snapshot(); got["count"] != 1 {
		t.Fatalf("subscriber mutation leaked into state: %#v", got)
	}
}

func TestCountsState_ClearResetsPushLatch(t *testing.T) {
	state := &countsState{}
	state.applyPush(Counts{"count": 5})
	state.clear()
	if got := state.snapshot(); len(got) != 0 {
		t.Fatalf("snapshot after clear = %#v", got)
	}
	// After a clear the next initial snapshot is fresh, not stale.
	state.applyInitial(Counts{"count": 2})
	if got := state.snapshot(); got["count"] != 2 {
		t.Fatalf("initial after clear = %#v", got)
	}
}
