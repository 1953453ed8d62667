package channel

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 30 * time.Second
	reconnectMaxAttempts = 5
)

// reconnectPolicy produces the reconnect delay sequence 1s, 2s, 4s, 8s,
// 16s, then 30s capped. The attempt counter saturates at 5 independently of
// the delay cap; both bounds are intentional.
type reconnectPolicy struct {
	attempts int
	delays   *backoff.ExponentialBackOff
}

func newReconnectPolicy() *reconnectPolicy {
	delays := backoff.NewExponentialBackOff()
	delays.InitialInterval = reconnectBaseDelay
	delays.RandomizationFactor = 0
	delays.Multiplier = 2
	delays.MaxInterval = reconnectMaxDelay
	delays.Reset()
	return &reconnectPolicy{delays: delays}
}

func (p *reconnectPolicy) next() time.Duration {
	if p.attempts < reconnectMaxAttempts {
		p.attempts++
	}
	return p.delays.NextBackOff()
}

func (p *reconnectPolicy) reset() {
	p.attempts = 0
	p.delays.Reset()
}

func (p *reconnectPolicy) attemptCount() int {
	return p.attempts
}
