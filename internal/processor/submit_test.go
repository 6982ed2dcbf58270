package processor_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/parcelpost/relay/internal/domain"
	"github.com/parcelpost/relay/internal/processor"
	"github.com/parcelpost/relay/internal/queue"
	"github.com/parcelpost/relay/internal/tenant"
)

func newSubmitFixture(t *testing.T) (*processor.Submitter, *memRepo, *queue.Manager, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	repo := newMemRepo()
	provider := tenant.NewProvider(repo, tenant.DefaultCacheTTL)
	manager := queue.NewManager(client)
	manager.RegisterProcessor(domain.JobClassEmail, func(context.Context, *queue.Envelope) error { return nil })

	return processor.NewSubmitter(provider, manager), repo, manager, client
}

func seedSubmitTenant(repo *memRepo) {
	repo.tenants["42"] = &tenant.TenantRecord{
		ID:         "42",
		Plan:       domain.PlanFree,
		Active:     true,
		Limits:     domain.DefaultPlanLimits,
		RateLimits: domain.DefaultRateLimits,
	}
	repo.domains["42"] = []domain.VerifiedDomain{
		{Domain: "example.com", DKIMVerified: true, Selector: "relay"},
	}
}

func validRequest() processor.SubmitRequest {
	return processor.SubmitRequest{
		TenantID: "42",
		From:     "no-reply@example.com",
		To:       []string{"alice@destination.test"},
		Subject:  "Your receipt",
		TextBody: "Thanks for your order.",
	}
}

func TestSubmitEnqueues(t *testing.T) {
	sub, repo, manager, _ := newSubmitFixture(t)
	seedSubmitTenant(repo)

	jobID, err := sub.SubmitEmailJob(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if jobID == "" {
		t.Fatal("expected a job id")
	}

	depths, err := manager.Depths(context.Background(), domain.JobClassEmail, "42")
	if err != nil {
		t.Fatal(err)
	}
	if depths["ready"] != 1 {
		t.Fatalf("expected one ready job, got %d", depths["ready"])
	}
}

func TestSubmitDomainNotOwnedCreatesNoQueueEntry(t *testing.T) {
	sub, repo, manager, _ := newSubmitFixture(t)
	seedSubmitTenant(repo)

	req := validRequest()
	req.From = "x@other.com"

	_, err := sub.SubmitEmailJob(context.Background(), req)
	if domain.CodeOf(err) != domain.ErrCodeDomainNotOwned {
		t.Fatalf("expected DomainNotOwned, got %v", err)
	}

	depths, _ := manager.Depths(context.Background(), domain.JobClassEmail, "42")
	if depths["ready"] != 0 {
		t.Fatal("rejected submission must not create a queue entry")
	}
}

func TestSubmitInactiveTenantFailsFast(t *testing.T) {
	sub, repo, _, _ := newSubmitFixture(t)
	seedSubmitTenant(repo)
	repo.tenants["42"].Active = false

	_, err := sub.SubmitEmailJob(context.Background(), validRequest())
	if domain.CodeOf(err) != domain.ErrCodeTenantInactive {
		t.Fatalf("expected TenantInactive, got %v", err)
	}
}

func TestSubmitUnknownTenant(t *testing.T) {
	sub, _, _, _ := newSubmitFixture(t)

	_, err := sub.SubmitEmailJob(context.Background(), validRequest())
	if domain.CodeOf(err) != domain.ErrCodeTenantNotFound {
		t.Fatalf("expected TenantNotFound, got %v", err)
	}
}

func TestSubmitAtDailyCeiling(t *testing.T) {
	sub, repo, _, _ := newSubmitFixture(t)
	seedSubmitTenant(repo)
	repo.sent["42"] = domain.DefaultPlanLimits.EmailsPerDay

	_, err := sub.SubmitEmailJob(context.Background(), validRequest())
	if domain.CodeOf(err) != domain.ErrCodeRateLimitExceeded {
		t.Fatalf("expected RateLimitExceeded, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	sub, repo, _, _ := newSubmitFixture(t)
	seedSubmitTenant(repo)

	cases := []struct {
		name   string
		mutate func(*processor.SubmitRequest)
	}{
		{"missing tenant", func(r *processor.SubmitRequest) { r.TenantID = "" }},
		{"malformed from", func(r *processor.SubmitRequest) { r.From = "not-an-address" }},
		{"no recipients", func(r *processor.SubmitRequest) { r.To = nil }},
		{"malformed recipient", func(r *processor.SubmitRequest) { r.To = []string{"@bad"} }},
		{"no subject", func(r *processor.SubmitRequest) { r.Subject = "" }},
		{"no body", func(r *processor.SubmitRequest) { r.HTMLBody, r.TextBody = "", "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			if _, err := sub.SubmitEmailJob(context.Background(), req); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
