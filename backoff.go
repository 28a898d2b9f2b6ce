package healthschool

import "time"

const (
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
)

// BackoffPolicy maps a reconnect attempt number to the delay before that
// attempt. Delay(n) = min(Base * 2^n, Max).
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is the 1s..30s policy shared by both stream clients.
var DefaultBackoff = BackoffPolicy{Base: DefaultReconnectBaseDelay, Max: DefaultReconnectMaxDelay}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (p BackoffPolicy) Delay(attempt uint) time.Duration {
	base, max := p.Base, p.Max
	if base <= 0 {
		base = DefaultReconnectBaseDelay
	}
	if max <= 0 {
		max = DefaultReconnectMaxDelay
	}
	if base >= max {
		return max
	}
	if attempt >= 62 || base > max>>attempt {
		return max
	}
	return base << attempt
}

// withFloor returns Delay(attempt) raised to at least floor, still capped at Max.
func (p BackoffPolicy) withFloor(attempt uint, floor time.Duration) time.Duration {
	d := p.Delay(attempt)
	if floor <= d {
		return d
	}
	max := p.Max
	if max <= 0 {
		max = DefaultReconnectMaxDelay
	}
	if floor > max {
		return max
	}
	return floor
}
