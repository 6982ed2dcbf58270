package queue

import (
	"fmt"

	"github.com/parcelpost/relay/internal/domain"
)

// queueKeys holds the Redis key set for one (tenant, class) queue.
type queueKeys struct {
	ready      string
	processing string
	delayed    string
	completed  string
	failed     string
	paused     string
}

func keysFor(class domain.JobClass, tenantID string) queueKeys {
	base := fmt.Sprintf("relay:queue:%s:%s", class, tenantID)
	return queueKeys{
		ready:      base,
		processing: base + ":processing",
		delayed:    base + ":delayed",
		completed:  base + ":completed",
		failed:     base + ":failed",
		paused:     base + ":paused",
	}
}
