package ratelimit

import "time"

// SetNow overrides the limiter's clock in tests.
func (l *Limiter) SetNow(fn func() time.Time) {
	l.now = fn
}
