package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parcelpost/relay/internal/domain"
	"github.com/parcelpost/relay/internal/pkg/logger"
	"github.com/parcelpost/relay/internal/queue"
	"github.com/parcelpost/relay/internal/tenant"
)

// SubmitRequest is one inbound send request.
type SubmitRequest struct {
	TenantID      string            `json:"tenant_id"`
	From          string            `json:"from"`
	To            []string          `json:"to"`
	Subject       string            `json:"subject"`
	HTMLBody      string            `json:"html_body,omitempty"`
	TextBody      string            `json:"text_body,omitempty"`
	Substitutions map[string]any    `json:"substitutions,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Priority      int               `json:"priority"`
}

// Submitter accepts send requests, fails fast on conditions detectable
// before queueing, and enqueues the job otherwise.
type Submitter struct {
	tenants *tenant.Provider
	queues  *queue.Manager
}

func NewSubmitter(tenants *tenant.Provider, queues *queue.Manager) *Submitter {
	return &Submitter{tenants: tenants, queues: queues}
}

// SubmitEmailJob validates the request synchronously and enqueues it.
// TenantInactive, DomainNotOwned, and RateLimitExceeded are detected here
// and fail before any queue entry is created; deeper failures (DKIM, MX)
// surface asynchronously through the state machine.
func (s *Submitter) SubmitEmailJob(ctx context.Context, req SubmitRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	senderDomain := domain.AddressDomain(req.From)
	verdict, err := s.tenants.ValidateOperation(ctx, req.TenantID, tenant.OperationRequest{
		Op:           tenant.OpSendEmail,
		SenderDomain: senderDomain,
	})
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return "", domain.WrapError(domain.ErrCodeTenantNotFound, err)
		}
		return "", fmt.Errorf("validate submission: %w", err)
	}
	if !verdict.Allowed {
		return "", domain.Errorf(verdict.Code, "%s", verdict.Reason)
	}

	job := domain.EmailJob{
		TenantID:      req.TenantID,
		ID:            uuid.NewString(),
		From:          req.From,
		To:            req.To,
		Subject:       req.Subject,
		HTMLBody:      req.HTMLBody,
		TextBody:      req.TextBody,
		Substitutions: req.Substitutions,
		Headers:       req.Headers,
		Priority:      req.Priority,
		CreatedAt:     time.Now().UTC(),
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	jobID, err := s.queues.Enqueue(ctx, domain.JobClassEmail, req.TenantID, job.ID, req.Priority, payload)
	if err != nil {
		return "", err
	}

	logger.Info("email job submitted",
		"tenant", req.TenantID, "job", jobID, "domain", senderDomain,
		"recipients", len(req.To))
	return jobID, nil
}

func (r SubmitRequest) validate() error {
	if r.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if domain.AddressDomain(r.From) == "" {
		return fmt.Errorf("from address %q is malformed", r.From)
	}
	if len(r.To) == 0 {
		return errors.New("at least one recipient is required")
	}
	for _, rcpt := range r.To {
		if domain.AddressDomain(rcpt) == "" {
			return fmt.Errorf("recipient address %q is malformed", rcpt)
		}
	}
	if r.Subject == "" {
		return errors.New("subject is required")
	}
	if r.HTMLBody == "" && r.TextBody == "" {
		return errors.New("either html_body or text_body is required")
	}
	return nil
}
