package tenant_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/parcelpost/relay/internal/domain"
	"github.com/parcelpost/relay/internal/tenant"
)

// memRepo is an in-memory tenant repository for unit testing.
type memRepo struct {
	mu        sync.Mutex
	tenants   map[string]*tenant.TenantRecord
	domains   map[string][]domain.VerifiedDomain
	configs   map[string][]domain.DKIMConfiguration
	sendCount map[string]int
	fetches   int
}

func newMemRepo() *memRepo {
	return &memRepo{
		tenants:   make(map[string]*tenant.TenantRecord),
		domains:   make(map[string][]domain.VerifiedDomain),
		configs:   make(map[string][]domain.DKIMConfiguration),
		sendCount: make(map[string]int),
	}
}

func (m *memRepo) GetTenant(_ context.Context, id string) (*tenant.TenantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	rec, ok := m.tenants[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memRepo) ListVerifiedDomains(_ context.Context, id string) ([]domain.VerifiedDomain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.VerifiedDomain(nil), m.domains[id]...), nil
}

func (m *memRepo) ListDKIMConfigs(_ context.Context, id string) ([]domain.DKIMConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DKIMConfiguration(nil), m.configs[id]...), nil
}

func (m *memRepo) SendCountSince(_ context.Context, id string, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendCount[id], nil
}

func seedTenant(m *memRepo, id string, active bool, perDay int) {
	m.tenants[id] = &tenant.TenantRecord{
		ID:     id,
		Plan:   domain.PlanGrowth,
		Active: active,
		Limits: domain.PlanLimits{
			EmailsPerDay: perDay, EmailsPerMonth: perDay * 30, MaxDomains: 5, APICallsPerHour: 1000,
		},
		RateLimits: domain.RateLimitPolicy{PerMinute: 60, PerHour: 1000, PerDay: perDay},
	}
	m.domains[id] = []domain.VerifiedDomain{
		{Domain: "example.com", SPFVerified: true, DKIMVerified: true, Selector: "relay"},
	}
}

func TestGetContextNotFound(t *testing.T) {
	p := tenant.NewProvider(newMemRepo(), time.Minute)
	_, err := p.GetContext(context.Background(), "ghost", false)
	if err != tenant.ErrTenantNotFound {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
}

func TestGetContextCacheHit(t *testing.T) {
	repo := newMemRepo()
	seedTenant(repo, "42", true, 100)
	p := tenant.NewProvider(repo, time.Minute)

	first, err := p.GetContext(context.Background(), "42", false)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	second, err := p.GetContext(context.Background(), "42", false)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if first != second {
		t.Error("expected identical snapshot pointer on cache hit")
	}
	if repo.fetches != 1 {
		t.Errorf("fetches = %d, want 1", repo.fetches)
	}
}

func TestGetContextForceRefresh(t *testing.T) {
	repo := newMemRepo()
	seedTenant(repo, "42", true, 100)
	p := tenant.NewProvider(repo, time.Minute)

	first, _ := p.GetContext(context.Background(), "42", false)
	second, _ := p.GetContext(context.Background(), "42", true)
	if first == second {
		t.Error("force refresh should build a new snapshot")
	}
	if repo.fetches != 2 {
		t.Errorf("fetches = %d, want 2", repo.fetches)
	}
}

func TestInvalidateDropsSnapshot(t *testing.T) {
	repo := newMemRepo()
	seedTenant(repo, "42", true, 100)
	p := tenant.NewProvider(repo, time.Minute)

	p.GetContext(context.Background(), "42", false)
	p.Invalidate("42")
	p.GetContext(context.Background(), "42", false)
	if repo.fetches != 2 {
		t.Errorf("fetches = %d, want 2 after invalidate", repo.fetches)
	}
}

func TestSnapshotIsImmutableUnderRefresh(t *testing.T) {
	repo := newMemRepo()
	seedTenant(repo, "42", true, 100)
	p := tenant.NewProvider(repo, time.Minute)

	old, _ := p.GetContext(context.Background(), "42", false)
	oldDomains := len(old.Domains)

	repo.mu.Lock()
	repo.domains["42"] = append(repo.domains["42"], domain.VerifiedDomain{
		Domain: "sub.example.com", DKIMVerified: true,
	})
	repo.mu.Unlock()

	fresh, _ := p.GetContext(context.Background(), "42", true)
	if len(old.Domains) != oldDomains {
		t.Error("refresh mutated the previously returned snapshot")
	}
	if len(fresh.Domains) != oldDomains+1 {
		t.Errorf("fresh snapshot domains = %d, want %d", len(fresh.Domains), oldDomains+1)
	}
}

func TestConcurrentGetContext(t *testing.T) {
	repo := newMemRepo()
	seedTenant(repo, "42", true, 100)
	p := tenant.NewProvider(repo, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tc, err := p.GetContext(context.Background(), "42", false)
			if err != nil {
				t.Errorf("get context: %v", err)
				return
			}
			// A torn snapshot would show a tenant id without its domains.
			if tc.TenantID != "42" || len(tc.Domains) == 0 {
				t.Error("observed incomplete snapshot")
			}
		}()
	}
	wg.Wait()
}

func TestValidateSendDomainNotOwned(t *testing.T) {
	repo := newMemRepo()
	seedTenant(repo, "42", true, 100)
	p := tenant.NewProvider(repo, time.Minute)

	res, err := p.ValidateOperation(context.Background(), "42", tenant.OperationRequest{
		Op: tenant.OpSendEmail, SenderDomain: "other.com",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected denial for unverified domain")
	}
	if res.Code != domain.ErrCodeDomainNotOwned {
		t.Errorf("code = %s, want %s", res.Code, domain.ErrCodeDomainNotOwned)
	}
}

func TestValidateSendDailyCeiling(t *testing.T) {
	repo := newMemRepo()
	seedTenant(repo, "42", true, 100)
	repo.sendCount["42"] = 100
	p := tenant.NewProvider(repo, time.Minute)

	res, err := p.ValidateOperation(context.Background(), "42", tenant.OperationRequest{
		Op: tenant.OpSendEmail, SenderDomain: "example.com",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected denial at daily ceiling")
	}
	if res.Code != domain.ErrCodeRateLimitExceeded {
		t.Errorf("code = %s, want %s", res.Code, domain.ErrCodeRateLimitExceeded)
	}
	if want := "daily send limit reached (100/100)"; res.Reason != want {
		t.Errorf("reason = %q, want %q", res.Reason, want)
	}
}

func TestValidateSendAllowedWithRemaining(t *testing.T) {
	repo := newMemRepo()
	seedTenant(repo, "42", true, 100)
	repo.sendCount["42"] = 12
	p := tenant.NewProvider(repo, time.Minute)

	res, err := p.ValidateOperation(context.Background(), "42", tenant.OperationRequest{
		Op: tenant.OpSendEmail, SenderDomain: "example.com",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected allowed, got denial: %s", res.Reason)
	}
	if res.Remaining["daily"] != 88 {
		t.Errorf("remaining daily = %d, want 88", res.Remaining["daily"])
	}
}

func TestValidateInactiveTenant(t *testing.T) {
	repo := newMemRepo()
	seedTenant(repo, "42", false, 100)
	p := tenant.NewProvider(repo, time.Minute)

	res, err := p.ValidateOperation(context.Background(), "42", tenant.OperationRequest{
		Op: tenant.OpSendEmail, SenderDomain: "example.com",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Allowed || res.Code != domain.ErrCodeTenantInactive {
		t.Errorf("expected tenant_inactive denial, got %+v", res)
	}
}
