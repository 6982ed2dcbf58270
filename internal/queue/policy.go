package queue

import (
	"math/rand"
	"time"

	"github.com/parcelpost/relay/internal/domain"
)

// Policy fixes a job class's concurrency, retry, and retention behavior.
// Policies are static per class and identical across tenants.
type Policy struct {
	Concurrency int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

var policies = map[domain.JobClass]Policy{
	domain.JobClassEmail: {
		Concurrency:        5,
		MaxAttempts:        3,
		BaseBackoff:        5 * time.Second,
		MaxBackoff:         5 * time.Minute,
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
	},
	domain.JobClassWebhook: {
		Concurrency:        3,
		MaxAttempts:        5,
		BaseBackoff:        2 * time.Second,
		MaxBackoff:         2 * time.Minute,
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
	},
	domain.JobClassAnalytics: {
		Concurrency:        10,
		MaxAttempts:        2,
		BaseBackoff:        time.Second,
		MaxBackoff:         30 * time.Second,
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
	},
}

// PolicyFor returns the static policy for a job class. Unknown classes get
// the email policy.
func PolicyFor(class domain.JobClass) Policy {
	if p, ok := policies[class]; ok {
		return p
	}
	return policies[domain.JobClassEmail]
}

// Backoff returns the delay before retry number attempt (1-based), using
// exponential growth with full jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			d = p.MaxBackoff
			break
		}
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d))) + d/2
}
