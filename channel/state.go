package channel

import "time"

// State is the connection state exposed to consumers.
type State string

const (
	StateDisconnected    State = "disconnected"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateClosedWithError State = "closed-with-error"
)

// ReconnectPolicy decides whether and when a connection that closed uncleanly
// is dialed again. The zero value never reconnects.
type ReconnectPolicy struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

func Off() ReconnectPolicy { return ReconnectPolicy{} }

// SingleRetry dials once more after delay.
func SingleRetry(delay time.Duration) ReconnectPolicy {
	return ReconnectPolicy{Initial: delay, Max: delay, Attempts: 1}
}

// Backoff retries up to attempts times, doubling the delay from initial and
// capping it at max.
func Backoff(initial, max time.Duration, attempts int) ReconnectPolicy {
	if max < initial {
		max = initial
	}
	return ReconnectPolicy{Initial: initial, Max: max, Attempts: attempts}
}

// Delay returns the wait before retry number attempt (zero based), or false
// when the policy is exhausted.
func (p ReconnectPolicy) Delay(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= p.Attempts {
		return 0, false
	}
	d := p.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max, true
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d, true
}
