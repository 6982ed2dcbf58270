package queue

import (
	"context"
	"time"
)

// SetNow overrides a queue's clock in tests.
func (q *TenantQueue) SetNow(fn func() time.Time) {
	q.now = fn
}

// SetNow overrides the sweeper's clock in tests.
func (s *Sweeper) SetNow(fn func() time.Time) {
	s.now = fn
}

// Keys exposes a queue's Redis key set to tests.
func (q *TenantQueue) Keys() (ready, processing, delayed, completed, failed string) {
	return q.keys.ready, q.keys.processing, q.keys.delayed, q.keys.completed, q.keys.failed
}

// Claim runs one claim cycle without the worker pool.
func (q *TenantQueue) Claim(ctx context.Context) (string, error) {
	return q.claim(ctx)
}

// Promote runs one promotion pass over the delayed set.
func (q *TenantQueue) Promote(ctx context.Context) error {
	now := q.now()
	return promoteScript.Run(ctx, q.redis,
		[]string{q.keys.delayed, q.keys.ready},
		now.Unix(), float64(now.Unix()),
	).Err()
}
