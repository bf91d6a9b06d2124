package vidrelay

import "time"

// backoffPolicy computes retry delays for transient transfer failures.
// Timeouts (and stalls) back off exponentially up to Cap; other transport
// errors wait a flat, shorter interval.
type backoffPolicy struct {
	Cap  time.Duration
	Flat time.Duration
}

// delay returns min(2^attempt, Cap) for the given 1-based attempt number.
func (p backoffPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^attempt seconds would overflow a Duration long before attempt
	// reaches 60; anything past the cap's magnitude is clamped anyway.
	if attempt > 30 {
		return p.Cap
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > p.Cap {
		return p.Cap
	}
	return d
}
