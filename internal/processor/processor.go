package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parcelpost/relay/internal/audit"
	"github.com/parcelpost/relay/internal/dkim"
	"github.com/parcelpost/relay/internal/domain"
	"github.com/parcelpost/relay/internal/mailmsg"
	"github.com/parcelpost/relay/internal/pkg/logger"
	"github.com/parcelpost/relay/internal/queue"
	"github.com/parcelpost/relay/internal/ratelimit"
	"github.com/parcelpost/relay/internal/tenant"
)

// Deliverer hands a signed message to the recipient's exchangers.
// Satisfied by *delivery.Engine; tests substitute fakes.
type Deliverer interface {
	Deliver(ctx context.Context, from string, to []string, messageID string, signed []byte) (domain.DeliveryAttemptResult, error)
}

// Processor executes one email job end to end.
type Processor struct {
	tenants   *tenant.Provider
	limiter   *ratelimit.Limiter
	builder   *mailmsg.Builder
	signer    *dkim.Signer
	deliverer Deliverer
	recorder  audit.Recorder
	alerter   audit.Alerter

	now func() time.Time
}

func New(tenants *tenant.Provider, limiter *ratelimit.Limiter, builder *mailmsg.Builder, signer *dkim.Signer, deliverer Deliverer, recorder audit.Recorder, alerter audit.Alerter) *Processor {
	return &Processor{
		tenants:   tenants,
		limiter:   limiter,
		builder:   builder,
		signer:    signer,
		deliverer: deliverer,
		recorder:  recorder,
		alerter:   alerter,
		now:       time.Now,
	}
}

// Register binds the processor to the queue manager: the email job class
// handler plus the terminal-failure hook for audit and alerting.
func (p *Processor) Register(m *queue.Manager) error {
	if err := m.RegisterProcessor(domain.JobClassEmail, p.Process); err != nil {
		return err
	}
	m.SetTerminalHandler(p.OnTerminalFailure)
	return nil
}

// Process runs the full state machine for one claimed email job.
func (p *Processor) Process(ctx context.Context, env *queue.Envelope) error {
	var job domain.EmailJob
	if err := env.DecodePayload(&job); err != nil {
		// A malformed payload can never succeed; the empty code keeps it
		// out of the retryable set.
		return domain.WrapError("", fmt.Errorf("malformed email job payload: %w", err))
	}
	job.Attempts = env.Attempts

	run := &jobRun{job: &job, state: domain.StateQueued, started: p.now(), now: p.now}

	tc, err := p.validateContext(ctx, run)
	if err != nil {
		return err
	}
	if err := p.authorizeDomain(run, tc); err != nil {
		return err
	}
	if err := p.checkRate(ctx, run, tc); err != nil {
		return err
	}
	cfg, err := p.validateDKIM(run, tc)
	if err != nil {
		return err
	}
	msg, header, err := p.sign(run, cfg)
	if err != nil {
		return err
	}
	return p.deliver(ctx, run, msg, header)
}

// jobRun tracks one attempt's progress through the states.
type jobRun struct {
	job     *domain.EmailJob
	state   domain.JobState
	started time.Time
	now     func() time.Time
}

// advance moves to the next state and emits the transition event.
func (r *jobRun) advance(to domain.JobState) {
	logger.Info("job state transition",
		"tenant", r.job.TenantID, "job", r.job.ID, "domain", r.job.SenderDomain(),
		"from", string(r.state), "to", string(to),
		"elapsed_ms", r.now().Sub(r.started).Milliseconds(),
		"outcome", "ok")
	r.state = to
}

// fail emits the failing transition event and returns err unchanged.
func (r *jobRun) fail(err error) error {
	logger.Warn("job state transition",
		"tenant", r.job.TenantID, "job", r.job.ID, "domain", r.job.SenderDomain(),
		"from", string(r.state), "to", string(domain.StateFailed),
		"elapsed_ms", r.now().Sub(r.started).Milliseconds(),
		"outcome", string(domain.CodeOf(err)))
	r.state = domain.StateFailed
	return err
}

func (p *Processor) validateContext(ctx context.Context, run *jobRun) (*domain.TenantContext, error) {
	tc, err := p.tenants.GetContext(ctx, run.job.TenantID, false)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return nil, run.fail(domain.WrapError(domain.ErrCodeTenantNotFound, err))
		}
		// Store unreachable; leave unclassified so the queue retries.
		return nil, run.fail(fmt.Errorf("fetch tenant context: %w", err))
	}
	if !tc.Active {
		return nil, run.fail(domain.Errorf(domain.ErrCodeTenantInactive,
			"tenant %s is not active", run.job.TenantID))
	}
	run.advance(domain.StateContextValidated)
	return tc, nil
}

func (p *Processor) authorizeDomain(run *jobRun, tc *domain.TenantContext) error {
	d := run.job.SenderDomain()
	if d == "" || !tc.HasVerifiedDomain(d) {
		return run.fail(domain.Errorf(domain.ErrCodeDomainNotOwned,
			"domain %q is not among tenant %s's verified domains %v",
			d, tc.TenantID, tc.VerifiedDomainNames()))
	}
	run.advance(domain.StateDomainAuthorized)
	return nil
}

func (p *Processor) checkRate(ctx context.Context, run *jobRun, tc *domain.TenantContext) error {
	verdict, err := p.tenants.ValidateOperation(ctx, tc.TenantID, tenant.OperationRequest{
		Op:           tenant.OpSendEmail,
		SenderDomain: run.job.SenderDomain(),
	})
	if err != nil {
		return run.fail(fmt.Errorf("validate send operation: %w", err))
	}
	if !verdict.Allowed {
		return run.fail(domain.Errorf(verdict.Code, "%s", verdict.Reason))
	}

	// The atomic window counters are the hard enforcement point; the
	// verdict above is read-then-act and can overrun under concurrency.
	res, err := p.limiter.CheckAndIncrement(ctx, tc.TenantID, tc.RateLimits, 1)
	if err != nil {
		return run.fail(fmt.Errorf("rate limit counters: %w", err))
	}
	if !res.Allowed {
		return run.fail(domain.Errorf(domain.ErrCodeRateLimitExceeded,
			"per-%s send limit reached (%d in window)", res.Window, res.Current))
	}

	run.advance(domain.StateRateChecked)
	return nil
}

func (p *Processor) validateDKIM(run *jobRun, tc *domain.TenantContext) (domain.DKIMConfiguration, error) {
	d := run.job.SenderDomain()
	cfg, ok := tc.DKIMConfigFor(d)
	if !ok {
		msg := fmt.Sprintf("no active DKIM configuration for domain %q", d)
		if alternatives := tc.ConfiguredDomainNames(); len(alternatives) > 0 {
			msg += fmt.Sprintf("; configured domains available: %v", alternatives)
		}
		if missing := tc.UnconfiguredDomainNames(); len(missing) > 0 {
			msg += fmt.Sprintf("; verified but unconfigured: %v", missing)
		}
		return domain.DKIMConfiguration{}, run.fail(domain.Errorf(domain.ErrCodeDKIMConfigMissing, "%s", msg))
	}
	if !cfg.Complete() {
		return domain.DKIMConfiguration{}, run.fail(domain.Errorf(domain.ErrCodeDKIMConfigCorrupted,
			"DKIM configuration for %q (selector %q) is missing key material", d, cfg.Selector))
	}
	run.advance(domain.StateDKIMValidated)
	return cfg, nil
}

func (p *Processor) sign(run *jobRun, cfg domain.DKIMConfiguration) (*mailmsg.Message, string, error) {
	msg, err := p.builder.Build(run.job)
	if err != nil {
		return nil, "", run.fail(domain.WrapError(domain.ErrCodeSigningFailed, err))
	}

	header, err := p.signer.Sign(msg.SignerView(), cfg.Domain, cfg.Selector, cfg.PrivateKey)
	if err != nil {
		// Signer errors already carry InvalidKeyMaterial or SigningFailed.
		return nil, "", run.fail(err)
	}

	run.advance(domain.StateSigned)
	return msg, header, nil
}

func (p *Processor) deliver(ctx context.Context, run *jobRun, msg *mailmsg.Message, header string) error {
	res, err := p.deliverer.Deliver(ctx, run.job.From, run.job.To, msg.MessageID, msg.Bytes(header))
	if err != nil {
		return run.fail(err)
	}

	run.advance(domain.StateDelivered)
	p.recorder.Record(ctx, domain.AuditEvent{
		TenantID:   run.job.TenantID,
		JobID:      run.job.ID,
		Domain:     run.job.SenderDomain(),
		Outcome:    domain.StateDelivered,
		DurationMs: run.now().Sub(run.started).Milliseconds(),
		MXHost:     res.MXHost,
		At:         run.now().UTC(),
	})
	return nil
}

// OnTerminalFailure records the audit event for a job the queue has given up
// on, and escalates misconfiguration failures to the alerting webhook.
func (p *Processor) OnTerminalFailure(ctx context.Context, env *queue.Envelope, cause error) {
	var job domain.EmailJob
	senderDomain := ""
	if err := env.DecodePayload(&job); err == nil {
		senderDomain = job.SenderDomain()
	}

	event := domain.AuditEvent{
		TenantID:   env.TenantID,
		JobID:      env.ID,
		Domain:     senderDomain,
		Outcome:    domain.StateFailed,
		DurationMs: p.now().Sub(env.EnqueuedAt).Milliseconds(),
		ErrorCode:  domain.CodeOf(cause),
		At:         p.now().UTC(),
	}
	p.recorder.Record(ctx, event)

	var je *domain.JobError
	if errors.As(cause, &je) && je.Escalate() {
		p.alerter.Alert(ctx, event)
	}

	logger.Error("job failed terminally",
		"tenant", env.TenantID, "job", env.ID, "domain", senderDomain,
		"attempts", env.Attempts, "code", string(event.ErrorCode))
}
