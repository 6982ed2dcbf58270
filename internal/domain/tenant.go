package domain

import (
	"strings"
	"time"
)

// PlanTier identifies a tenant's subscription plan.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanStarter PlanTier = "starter"
	PlanGrowth  PlanTier = "growth"
	PlanScale   PlanTier = "scale"
)

// PlanLimits holds the hard ceilings attached to a plan tier.
type PlanLimits struct {
	EmailsPerDay    int `json:"emails_per_day"`
	EmailsPerMonth  int `json:"emails_per_month"`
	MaxDomains      int `json:"max_domains"`
	APICallsPerHour int `json:"api_calls_per_hour"`
}

// DefaultPlanLimits is used when the plan tables are missing or a tenant has
// no plan row. Deliberately conservative.
var DefaultPlanLimits = PlanLimits{
	EmailsPerDay:    100,
	EmailsPerMonth:  1000,
	MaxDomains:      1,
	APICallsPerHour: 100,
}

// RateLimitPolicy holds the per-tenant send ceilings enforced against the
// atomic counter store (see internal/ratelimit).
type RateLimitPolicy struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}

// DefaultRateLimits applies when a tenant has no explicit rate-limit row.
var DefaultRateLimits = RateLimitPolicy{
	PerMinute: 60,
	PerHour:   1000,
	PerDay:    10000,
}

// VerifiedDomain is a sending domain whose ownership the tenant has proven
// via the external DNS challenge flow. Read-only to the delivery core.
type VerifiedDomain struct {
	Domain         string    `json:"domain"`
	SPFVerified    bool      `json:"spf_verified"`
	DKIMVerified   bool      `json:"dkim_verified"`
	DMARCVerified  bool      `json:"dmarc_verified"`
	Selector       string    `json:"selector"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
}

// DKIMConfiguration holds the signing key material for one domain.
type DKIMConfiguration struct {
	DomainID   string `json:"domain_id"`
	Domain     string `json:"domain"`
	Selector   string `json:"selector"`
	PrivateKey string `json:"-"`
	PublicKey  string `json:"public_key"`
	Active     bool   `json:"active"`
}

// Complete reports whether the configuration has all fields required for
// signing. An incomplete record is a corruption state: the processor must
// reject it before any signing is attempted.
func (c DKIMConfiguration) Complete() bool {
	return c.Domain != "" && c.Selector != "" && c.PrivateKey != "" && c.PublicKey != ""
}

// TenantContext is the authoritative snapshot of one tenant's authorization
// state. It is immutable once constructed: a refresh builds a new value and
// swaps the cache pointer, it never mutates an existing snapshot in place.
type TenantContext struct {
	TenantID       string              `json:"tenant_id"`
	Plan           PlanTier            `json:"plan"`
	Limits         PlanLimits          `json:"limits"`
	Domains        []VerifiedDomain    `json:"domains"`
	DKIMConfigs    []DKIMConfiguration `json:"dkim_configs"`
	RateLimits     RateLimitPolicy     `json:"rate_limits"`
	Active         bool                `json:"active"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	FetchedAt      time.Time           `json:"fetched_at"`
}

// HasVerifiedDomain reports whether the given domain is on the tenant's
// verified list with its DKIM verification flag set. Comparison is
// case-insensitive.
func (t *TenantContext) HasVerifiedDomain(domain string) bool {
	domain = strings.ToLower(domain)
	for _, d := range t.Domains {
		if strings.ToLower(d.Domain) == domain && d.DKIMVerified {
			return true
		}
	}
	return false
}

// DKIMConfigFor returns the active DKIM configuration for the given domain,
// or false if none exists.
func (t *TenantContext) DKIMConfigFor(domain string) (DKIMConfiguration, bool) {
	domain = strings.ToLower(domain)
	for _, c := range t.DKIMConfigs {
		if strings.ToLower(c.Domain) == domain && c.Active {
			return c, true
		}
	}
	return DKIMConfiguration{}, false
}

// VerifiedDomainNames returns the names of all verified domains.
func (t *TenantContext) VerifiedDomainNames() []string {
	names := make([]string, 0, len(t.Domains))
	for _, d := range t.Domains {
		if d.DKIMVerified {
			names = append(names, d.Domain)
		}
	}
	return names
}

// ConfiguredDomainNames returns the domains that have an active DKIM
// configuration.
func (t *TenantContext) ConfiguredDomainNames() []string {
	names := make([]string, 0, len(t.DKIMConfigs))
	for _, c := range t.DKIMConfigs {
		if c.Active {
			names = append(names, c.Domain)
		}
	}
	return names
}

// UnconfiguredDomainNames returns verified domains with no active DKIM
// configuration. These are the most common operator misconfiguration and are
// called out by name in DKIMConfigMissing errors.
func (t *TenantContext) UnconfiguredDomainNames() []string {
	configured := make(map[string]bool, len(t.DKIMConfigs))
	for _, c := range t.DKIMConfigs {
		if c.Active {
			configured[strings.ToLower(c.Domain)] = true
		}
	}
	var names []string
	for _, d := range t.Domains {
		if d.DKIMVerified && !configured[strings.ToLower(d.Domain)] {
			names = append(names, d.Domain)
		}
	}
	return names
}
