package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/parcelpost/relay/internal/domain"
)

// Sentinel errors for the tenant layer.
var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantInactive = errors.New("tenant is not active")
)

// TenantRecord is the raw tenant row as read from the durable store, before
// assembly into a TenantContext.
type TenantRecord struct {
	ID             string
	Plan           domain.PlanTier
	Active         bool
	Limits         domain.PlanLimits
	RateLimits     domain.RateLimitPolicy
	LastActivityAt time.Time
}

// Repository defines the data access contract for tenant state.
// Implementations must be safe for concurrent use and must tolerate missing
// optional tables by returning defaults rather than erroring (the plan and
// rate-limit tables are provisioned lazily in some deployments).
type Repository interface {
	// GetTenant returns the tenant row. Returns ErrTenantNotFound if the
	// tenant does not exist.
	GetTenant(ctx context.Context, tenantID string) (*TenantRecord, error)

	// ListVerifiedDomains returns the tenant's verified sending domains.
	ListVerifiedDomains(ctx context.Context, tenantID string) ([]domain.VerifiedDomain, error)

	// ListDKIMConfigs returns the tenant's DKIM configurations, including
	// incomplete ones: completeness is judged by the processor, which needs
	// to distinguish "missing" from "corrupted".
	ListDKIMConfigs(ctx context.Context, tenantID string) ([]domain.DKIMConfiguration, error)

	// SendCountSince returns how many sends the tenant has recorded in the
	// send log since the given instant. Quota checks are computed from this;
	// see the provider for the accepted check-then-act slack.
	SendCountSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}
