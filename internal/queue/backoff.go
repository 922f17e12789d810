package queue

import "time"

// Backoff is exponential: Delay * 2^(attempt-1), capped at Max when set.
type Backoff struct {
	Delay time.Duration `json:"delay"`
	Max   time.Duration `json:"max,omitempty"`
}

var DefaultBackoff = Backoff{Delay: 5 * time.Second, Max: 30 * time.Minute}

// Next returns the wait before retrying after the given failed attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := b.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		if d <= 0 {
			// overflow
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
