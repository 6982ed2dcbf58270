package processor_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/parcelpost/relay/internal/dkim"
	"github.com/parcelpost/relay/internal/domain"
	"github.com/parcelpost/relay/internal/mailmsg"
	"github.com/parcelpost/relay/internal/processor"
	"github.com/parcelpost/relay/internal/queue"
	"github.com/parcelpost/relay/internal/ratelimit"
	"github.com/parcelpost/relay/internal/tenant"
)

// memRepo is an in-memory tenant store.
type memRepo struct {
	mu      sync.Mutex
	tenants map[string]*tenant.TenantRecord
	domains map[string][]domain.VerifiedDomain
	configs map[string][]domain.DKIMConfiguration
	sent    map[string]int
}

func newMemRepo() *memRepo {
	return &memRepo{
		tenants: map[string]*tenant.TenantRecord{},
		domains: map[string][]domain.VerifiedDomain{},
		configs: map[string][]domain.DKIMConfiguration{},
		sent:    map[string]int{},
	}
}

func (r *memRepo) GetTenant(_ context.Context, id string) (*tenant.TenantRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tenants[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *memRepo) ListVerifiedDomains(_ context.Context, id string) ([]domain.VerifiedDomain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.domains[id], nil
}

func (r *memRepo) ListDKIMConfigs(_ context.Context, id string) ([]domain.DKIMConfiguration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configs[id], nil
}

func (r *memRepo) SendCountSince(_ context.Context, id string, _ time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[id], nil
}

// fakeDeliverer records deliveries and can be told to fail.
type fakeDeliverer struct {
	mu    sync.Mutex
	calls int
	fail  error
	last  []byte
}

func (d *fakeDeliverer) Deliver(_ context.Context, from string, to []string, messageID string, signed []byte) (domain.DeliveryAttemptResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.last = signed
	if d.fail != nil {
		return domain.DeliveryAttemptResult{Success: false, ErrorCode: domain.CodeOf(d.fail)}, d.fail
	}
	return domain.DeliveryAttemptResult{Success: true, MessageID: messageID, MXHost: "mx1.destination.test"}, nil
}

// memSink collects audit events and alerts.
type memSink struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	alerts []domain.AuditEvent
}

func (s *memSink) Record(_ context.Context, e domain.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *memSink) Alert(_ context.Context, e domain.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, e)
}

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

type fixture struct {
	repo      *memRepo
	provider  *tenant.Provider
	limiter   *ratelimit.Limiter
	deliverer *fakeDeliverer
	sink      *memSink
	proc      *processor.Processor
	key       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &fixture{
		repo:      newMemRepo(),
		limiter:   ratelimit.NewLimiter(client),
		deliverer: &fakeDeliverer{},
		sink:      &memSink{},
		key:       testKeyPEM(t),
	}
	f.provider = tenant.NewProvider(f.repo, tenant.DefaultCacheTTL)
	f.proc = processor.New(
		f.provider, f.limiter,
		mailmsg.NewBuilder(mailmsg.NewTemplateService()),
		dkim.NewSigner(),
		f.deliverer, f.sink, f.sink,
	)
	return f
}

// seedTenant installs tenant 42 with verified domain example.com and a
// complete DKIM configuration.
func (f *fixture) seedTenant() {
	f.repo.tenants["42"] = &tenant.TenantRecord{
		ID:         "42",
		Plan:       domain.PlanFree,
		Active:     true,
		Limits:     domain.DefaultPlanLimits,
		RateLimits: domain.DefaultRateLimits,
	}
	f.repo.domains["42"] = []domain.VerifiedDomain{
		{Domain: "example.com", SPFVerified: true, DKIMVerified: true, Selector: "relay"},
	}
	f.repo.configs["42"] = []domain.DKIMConfiguration{
		{DomainID: "d1", Domain: "example.com", Selector: "relay", PrivateKey: f.key, PublicKey: "pub", Active: true},
	}
}

func envelopeFor(t *testing.T, job domain.EmailJob) *queue.Envelope {
	t.Helper()
	payload, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Envelope{
		ID:         job.ID,
		TenantID:   job.TenantID,
		Class:      domain.JobClassEmail,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

func testEmailJob() domain.EmailJob {
	return domain.EmailJob{
		TenantID:  "42",
		ID:        "job-1",
		From:      "no-reply@example.com",
		To:        []string{"alice@destination.test"},
		Subject:   "Your receipt",
		TextBody:  "Thanks for your order.",
		CreatedAt: time.Now().UTC(),
	}
}

func TestProcessDelivered(t *testing.T) {
	f := newFixture(t)
	f.seedTenant()

	if err := f.proc.Process(context.Background(), envelopeFor(t, testEmailJob())); err != nil {
		t.Fatalf("expected delivery, got %v", err)
	}

	if f.deliverer.calls != 1 {
		t.Fatalf("expected one delivery, got %d", f.deliverer.calls)
	}
	wire := string(f.deliverer.last)
	if !strings.HasPrefix(wire, "DKIM-Signature: v=1; a=rsa-sha256") {
		t.Error("delivered message should lead with the signature header")
	}
	if !strings.Contains(wire, "d=example.com") || !strings.Contains(wire, "s=relay") {
		t.Error("signature should carry the tenant's domain and selector")
	}

	if len(f.sink.events) != 1 || f.sink.events[0].Outcome != domain.StateDelivered {
		t.Fatalf("expected one delivered audit event, got %+v", f.sink.events)
	}
	if f.sink.events[0].MXHost != "mx1.destination.test" {
		t.Error("audit event should record the exchanger used")
	}
}

func TestProcessTenantNotFound(t *testing.T) {
	f := newFixture(t)

	err := f.proc.Process(context.Background(), envelopeFor(t, testEmailJob()))
	if domain.CodeOf(err) != domain.ErrCodeTenantNotFound {
		t.Fatalf("expected TenantNotFound, got %v", err)
	}
	if domain.IsRetryable(err) {
		t.Fatal("TenantNotFound must not be retryable")
	}
}

func TestProcessInactiveTenant(t *testing.T) {
	f := newFixture(t)
	f.seedTenant()
	f.repo.tenants["42"].Active = false

	err := f.proc.Process(context.Background(), envelopeFor(t, testEmailJob()))
	if domain.CodeOf(err) != domain.ErrCodeTenantInactive {
		t.Fatalf("expected TenantInactive, got %v", err)
	}
}

func TestProcessDomainNotOwned(t *testing.T) {
	f := newFixture(t)
	f.seedTenant()

	job := testEmailJob()
	job.From = "x@other.com"

	err := f.proc.Process(context.Background(), envelopeFor(t, job))
	if domain.CodeOf(err) != domain.ErrCodeDomainNotOwned {
		t.Fatalf("expected DomainNotOwned, got %v", err)
	}
	if f.deliverer.calls != 0 {
		t.Fatal("unauthorized domain must never reach delivery")
	}
}

func TestProcessDKIMConfigMissingNamesAlternatives(t *testing.T) {
	f := newFixture(t)
	f.seedTenant()

	// A second verified domain with no DKIM configuration.
	f.repo.domains["42"] = append(f.repo.domains["42"],
		domain.VerifiedDomain{Domain: "bare.example.org", DKIMVerified: true})

	job := testEmailJob()
	job.From = "no-reply@bare.example.org"

	err := f.proc.Process(context.Background(), envelopeFor(t, job))
	if domain.CodeOf(err) != domain.ErrCodeDKIMConfigMissing {
		t.Fatalf("expected DKIMConfigMissing, got %v", err)
	}
	if !strings.Contains(err.Error(), "example.com") {
		t.Errorf("error should name the configured alternative: %v", err)
	}
}

func TestProcessDKIMConfigCorrupted(t *testing.T) {
	f := newFixture(t)
	f.seedTenant()
	f.repo.configs["42"][0].PublicKey = ""

	err := f.proc.Process(context.Background(), envelopeFor(t, testEmailJob()))
	if domain.CodeOf(err) != domain.ErrCodeDKIMConfigCorrupted {
		t.Fatalf("expected DKIMConfigCorrupted, got %v", err)
	}
}

func TestProcessInvalidKeyMaterial(t *testing.T) {
	f := newFixture(t)
	f.seedTenant()
	f.repo.configs["42"][0].PrivateKey = "not a pem key"

	err := f.proc.Process(context.Background(), envelopeFor(t, testEmailJob()))
	if domain.CodeOf(err) != domain.ErrCodeInvalidKeyMaterial {
		t.Fatalf("expected InvalidKeyMaterial, got %v", err)
	}
}

func TestProcessRateLimitWindow(t *testing.T) {
	f := newFixture(t)
	f.seedTenant()
	f.repo.tenants["42"].RateLimits = domain.RateLimitPolicy{PerMinute: 1, PerHour: 100, PerDay: 1000}

	if err := f.proc.Process(context.Background(), envelopeFor(t, testEmailJob())); err != nil {
		t.Fatal(err)
	}

	job := testEmailJob()
	job.ID = "job-2"
	err := f.proc.Process(context.Background(), envelopeFor(t, job))
	if domain.CodeOf(err) != domain.ErrCodeRateLimitExceeded {
		t.Fatalf("expected RateLimitExceeded, got %v", err)
	}
	if !strings.Contains(err.Error(), "minute") {
		t.Errorf("error should name the breached window: %v", err)
	}
}

func TestProcessDeliveryFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.seedTenant()
	f.deliverer.fail = domain.Errorf(domain.ErrCodeAllExchangersFailed, "exchangers down")

	err := f.proc.Process(context.Background(), envelopeFor(t, testEmailJob()))
	if domain.CodeOf(err) != domain.ErrCodeAllExchangersFailed {
		t.Fatalf("expected AllExchangersFailed, got %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Fatal("delivery failures should be retryable")
	}
	if len(f.sink.events) != 0 {
		t.Fatal("no audit event until the queue declares the job terminal")
	}
}

func TestOnTerminalFailureEscalatesDKIM(t *testing.T) {
	f := newFixture(t)

	env := envelopeFor(t, testEmailJob())
	env.Attempts = 1
	cause := domain.Errorf(domain.ErrCodeDKIMConfigMissing, "no active DKIM configuration")

	f.proc.OnTerminalFailure(context.Background(), env, cause)

	if len(f.sink.events) != 1 || f.sink.events[0].Outcome != domain.StateFailed {
		t.Fatalf("expected one failed audit event, got %+v", f.sink.events)
	}
	if len(f.sink.alerts) != 1 {
		t.Fatal("DKIM misconfiguration should be escalated")
	}
}

func TestOnTerminalFailureNetworkNoAlert(t *testing.T) {
	f := newFixture(t)

	env := envelopeFor(t, testEmailJob())
	cause := domain.Errorf(domain.ErrCodeAllExchangersFailed, "exchangers down")

	f.proc.OnTerminalFailure(context.Background(), env, cause)

	if len(f.sink.alerts) != 0 {
		t.Fatal("network failures are not operator alerts")
	}
}
