package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/parcelpost/relay/internal/domain"
)

// Operation is a tenant-scoped action subject to plan limits.
type Operation string

const (
	OpSendEmail     Operation = "send_email"
	OpAddDomain     Operation = "add_domain"
	OpCreateWebhook Operation = "create_webhook"
	OpAPICall       Operation = "api_call"
	OpUseStorage    Operation = "use_storage"
)

// OperationRequest carries the operation plus its operation-specific inputs.
// SenderDomain is required for OpSendEmail.
type OperationRequest struct {
	Op           Operation
	SenderDomain string
}

// ValidationResult is the verdict for one operation check. These are
// expected, frequent outcomes: they are values callers branch on, never
// panics or exceptions.
type ValidationResult struct {
	Allowed bool             `json:"allowed"`
	Reason  string           `json:"reason,omitempty"`
	Code    domain.ErrorCode `json:"code,omitempty"`
	// Remaining quota metadata for observability, e.g. {"daily": 88}.
	Remaining map[string]int `json:"remaining,omitempty"`
}

func denied(code domain.ErrorCode, format string, args ...any) ValidationResult {
	return ValidationResult{Allowed: false, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// ValidateOperation checks whether the tenant may perform the operation
// right now. For send_email it fails closed: the claimed sending domain must
// be verified, and the day's and hour's send counts (from the durable send
// log) must be under the plan ceilings.
//
// The count check here is read-then-act: two concurrent jobs can both see
// "under limit" and both proceed. That bounded overrun is accepted; the
// atomic window counters in internal/ratelimit are the hard enforcement
// point.
func (p *Provider) ValidateOperation(ctx context.Context, tenantID string, req OperationRequest) (ValidationResult, error) {
	tc, err := p.GetContext(ctx, tenantID, false)
	if err != nil {
		return ValidationResult{}, err
	}
	if !tc.Active {
		return denied(domain.ErrCodeTenantInactive, "tenant %s is not active", tenantID), nil
	}

	switch req.Op {
	case OpSendEmail:
		return p.validateSend(ctx, tc, req.SenderDomain)
	case OpAddDomain:
		if len(tc.Domains) >= tc.Limits.MaxDomains {
			return denied(domain.ErrCodeRateLimitExceeded,
				"domain limit reached (%d/%d)", len(tc.Domains), tc.Limits.MaxDomains), nil
		}
		return ValidationResult{
			Allowed:   true,
			Remaining: map[string]int{"domains": tc.Limits.MaxDomains - len(tc.Domains)},
		}, nil
	case OpAPICall, OpCreateWebhook, OpUseStorage:
		// Enforced at the API edge (out of scope here); active tenants pass.
		return ValidationResult{Allowed: true}, nil
	default:
		return ValidationResult{}, fmt.Errorf("unknown operation %q", req.Op)
	}
}

func (p *Provider) validateSend(ctx context.Context, tc *domain.TenantContext, senderDomain string) (ValidationResult, error) {
	if senderDomain == "" || !tc.HasVerifiedDomain(senderDomain) {
		return denied(domain.ErrCodeDomainNotOwned,
			"domain %q is not among tenant %s's verified domains %v",
			senderDomain, tc.TenantID, tc.VerifiedDomainNames()), nil
	}

	now := p.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	hourStart := now.Truncate(time.Hour)

	sentToday, err := p.repo.SendCountSince(ctx, tc.TenantID, dayStart)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("daily send count: %w", err)
	}
	if sentToday >= tc.Limits.EmailsPerDay {
		return denied(domain.ErrCodeRateLimitExceeded,
			"daily send limit reached (%d/%d)", sentToday, tc.Limits.EmailsPerDay), nil
	}

	sentThisHour, err := p.repo.SendCountSince(ctx, tc.TenantID, hourStart)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("hourly send count: %w", err)
	}
	if tc.RateLimits.PerHour > 0 && sentThisHour >= tc.RateLimits.PerHour {
		return denied(domain.ErrCodeRateLimitExceeded,
			"hourly send limit reached (%d/%d)", sentThisHour, tc.RateLimits.PerHour), nil
	}

	res := ValidationResult{
		Allowed: true,
		Remaining: map[string]int{
			"daily": tc.Limits.EmailsPerDay - sentToday,
		},
	}
	if tc.RateLimits.PerHour > 0 {
		res.Remaining["hourly"] = tc.RateLimits.PerHour - sentThisHour
	}
	return res, nil
}
