package mqttbridge

import (
	"math/rand/v2"
	"time"
)

// ExponentialBackoff doubles the delay after every failed attempt. It is the
// default BackoffStrategy.
func ExponentialBackoff(_ int, current time.Duration, _ error) time.Duration {
	return current * 2
}

// ConstantBackoff keeps the delay unchanged between attempts.
func ConstantBackoff(_ int, current time.Duration, _ error) time.Duration {
	return current
}

// reconnectBackoff yields the delays between reconnect attempts.
type reconnectBackoff struct {
	initial  time.Duration
	max      time.Duration
	strategy BackoffStrategy

	current time.Duration
}

func newReconnectBackoff(o *clientOptions) *reconnectBackoff {
	strategy := o.backoffStrategy
	if strategy == nil {
		strategy = ExponentialBackoff
	}
	initial := o.reconnectBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := o.maxBackoff
	if maxDelay < initial {
		maxDelay = initial
	}
	return &reconnectBackoff{initial: initial, max: maxDelay, strategy: strategy, current: initial}
}

// delay returns the wait before the current attempt, less up to 20% jitter.
func (b *reconnectBackoff) delay() time.Duration {
	d := b.current
	if jitter := int64(d / 5); jitter > 0 {
		d -= time.Duration(rand.Int64N(jitter))
	}
	return d
}

// next advances after a failed attempt.
func (b *reconnectBackoff) next(attempt int, err error) {
	b.current = b.strategy(attempt, b.current, err)
	if b.current <= 0 {
		b.current = b.initial
	}
	if b.current > b.max {
		b.current = b.max
	}
}
