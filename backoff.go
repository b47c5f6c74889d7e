package tasksync

import "time"

const (
	DefaultMaxReconnectAttempts = 5
	DefaultMaxBackoff           = 60 * time.Second
)

// Clock is the time source used for reconnect delays.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ============================================================================
// Reconnector
// ============================================================================

// reconnector counts consecutive connection failures. Only a successful
// connection resets the count.
type reconnector struct {
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(maxAttempts int, maxDelay time.Duration) *reconnector {
	return &reconnector{
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
	}
}

// fail records one failure. ok is false once the attempt budget is spent;
// otherwise delay is how long to wait before trying again.
func (r *reconnector) fail() (delay time.Duration, ok bool) {
	r.attempt++
	if r.attempt >= r.maxAttempts {
		return 0, false
	}
	return backoffDelay(r.attempt, r.maxDelay), true
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// backoffDelay is 2^attempt seconds, capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
