package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parcelpost/relay/internal/domain"
	"github.com/parcelpost/relay/internal/pkg/logger"
)

// DefaultCacheTTL bounds how stale a cached TenantContext may be.
const DefaultCacheTTL = 5 * time.Minute

// Provider resolves tenant ids into TenantContext snapshots with a bounded
// TTL cache. Snapshots are replaced wholesale (single pointer swap under the
// write lock); they are never mutated field by field, so concurrent readers
// can never observe a torn context.
type Provider struct {
	repo Repository
	ttl  time.Duration

	mu    sync.RWMutex
	cache map[string]*cacheEntry

	// now is injected by tests for TTL control.
	now func() time.Time
}

type cacheEntry struct {
	snapshot *domain.TenantContext
	version  uint64
}

// NewProvider creates a provider over the given repository.
func NewProvider(repo Repository, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Provider{
		repo:  repo,
		ttl:   ttl,
		cache: make(map[string]*cacheEntry),
		now:   time.Now,
	}
}

// GetContext returns the tenant's context snapshot. A cache hit within TTL
// (and forceRefresh false) returns the cached snapshot without touching the
// store. Returns ErrTenantNotFound if no such tenant exists.
func (p *Provider) GetContext(ctx context.Context, tenantID string, forceRefresh bool) (*domain.TenantContext, error) {
	if !forceRefresh {
		if snap := p.cached(tenantID); snap != nil {
			return snap, nil
		}
	}
	return p.refresh(ctx, tenantID)
}

func (p *Provider) cached(tenantID string) *domain.TenantContext {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.cache[tenantID]
	if !ok {
		return nil
	}
	if p.now().Sub(entry.snapshot.FetchedAt) > p.ttl {
		return nil
	}
	return entry.snapshot
}

// refresh re-reads tenant, plan, domains, and DKIM configs, assembles a new
// snapshot, and replaces the cache entry. Concurrent refreshes for the same
// tenant both succeed; last write wins, which is fine because both carry a
// complete snapshot.
func (p *Provider) refresh(ctx context.Context, tenantID string) (*domain.TenantContext, error) {
	rec, err := p.repo.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	domains, err := p.repo.ListVerifiedDomains(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("assemble context for %s: %w", tenantID, err)
	}
	configs, err := p.repo.ListDKIMConfigs(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("assemble context for %s: %w", tenantID, err)
	}

	snap := &domain.TenantContext{
		TenantID:       tenantID,
		Plan:           rec.Plan,
		Limits:         rec.Limits,
		Domains:        domains,
		DKIMConfigs:    configs,
		RateLimits:     rec.RateLimits,
		Active:         rec.Active,
		LastActivityAt: rec.LastActivityAt,
		FetchedAt:      p.now(),
	}

	p.mu.Lock()
	var version uint64 = 1
	if prev, ok := p.cache[tenantID]; ok {
		version = prev.version + 1
	}
	p.cache[tenantID] = &cacheEntry{snapshot: snap, version: version}
	p.mu.Unlock()

	logger.Debug("tenant context refreshed",
		"tenant_id", tenantID,
		"domains", len(domains),
		"dkim_configs", len(configs),
		"version", version)

	return snap, nil
}

// Invalidate drops the cached snapshot for a tenant. Callers invoke this on
// tenant-affecting writes (domain added, plan changed) so the next read
// rebuilds from the store.
func (p *Provider) Invalidate(tenantID string) {
	p.mu.Lock()
	delete(p.cache, tenantID)
	p.mu.Unlock()
}
