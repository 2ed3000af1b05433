// Package backoff provides the reconnect delay policy shared by every
// component that retries a connection: channel adapters, the gateway
// client, and the watch link.
package backoff

import "time"

// Policy describes an exponential backoff schedule.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// MaxSteps caps the number of attempts. Zero means unbounded.
	MaxSteps int
}

// Default returns the schedule used across the gateway: 2s doubling to a
// 2 minute ceiling, unbounded attempts.
func Default() Policy {
	return Policy{Initial: 2 * time.Second, Max: 2 * time.Minute, Multiplier: 2}
}

// Delay returns the wait before the given attempt. Attempts are 1-based;
// attempt values below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= mult
		if time.Duration(d) >= p.Max && p.Max > 0 {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether the attempt count has passed the step cap.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxSteps > 0 && attempt > p.MaxSteps
}
