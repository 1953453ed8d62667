package channel

import (
	"testing"
	"time"
)

func TestReconnectPolicy_DelaySequence(t *testing.T) {
	policy := newReconnectPolicy()
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		if got := policy.next(); got != expected {
			t.Fatalf("delay[%d] = %v, want %v", i, got, expected)
		}
	}
}

func TestReconnectPolicy_AttemptsSaturate(t *testing.T) {
	policy := newReconnectPolicy()
	for i := 0; i < 10; i++ {
		policy.next()
	}
	if got := policy.attemptCount(); got != reconnectMaxAttempts {
		t.Fatalf("attempts = %d, want %d", got, reconnectMaxAttempts)
	}
}

func TestReconnectPolicy_ResetRestartsSequence(t *testing.T) {
	policy := newReconnectPolicy()
	for i := 0; i < 4; i++ {
		policy.next()
	}
	policy.reset()
	if got := policy.attemptCount(); got != 0 {
		t.Fatalf("attempts after reset = %d, want 0", got)
	}
	if got := policy.next(); got != time.Second {
		t.Fatalf("delay after reset = %v, want 1s", got)
	}
}
