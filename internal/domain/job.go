package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// JobClass is a category of asynchronous work with its own concurrency and
// retry policy. Queues are keyed by (tenant, job class): two tenants never
// share a queue instance, and two classes never share a processing function.
type JobClass string

const (
	JobClassEmail     JobClass = "email-processing"
	JobClassWebhook   JobClass = "webhook-delivery"
	JobClassAnalytics JobClass = "analytics"
)

// JobState is a position in the email job state machine.
type JobState string

const (
	StateQueued           JobState = "queued"
	StateContextValidated JobState = "context_validated"
	StateDomainAuthorized JobState = "domain_authorized"
	StateRateChecked      JobState = "rate_checked"
	StateDKIMValidated    JobState = "dkim_validated"
	StateSigned           JobState = "signed"
	StateDelivered        JobState = "delivered"
	StateFailed           JobState = "failed"
)

// EmailJob is one send request. Owned exclusively by the queue manager and
// processor for its lifetime; terminal outcomes are persisted by the audit
// recorder.
type EmailJob struct {
	TenantID      string            `json:"tenant_id"`
	ID            string            `json:"id"`
	From          string            `json:"from"`
	To            []string          `json:"to"`
	Subject       string            `json:"subject"`
	HTMLBody      string            `json:"html_body,omitempty"`
	TextBody      string            `json:"text_body,omitempty"`
	Substitutions map[string]any    `json:"substitutions,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Priority      int               `json:"priority"`
	CreatedAt     time.Time         `json:"created_at"`
	Attempts      int               `json:"attempts"`
}

// SenderDomain extracts the domain part of the From address, lowercased.
// Returns "" for a malformed address.
func (j *EmailJob) SenderDomain() string {
	return AddressDomain(j.From)
}

// AddressDomain returns the lowercased domain of an email address, or ""
// if the address is malformed.
func AddressDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// WebhookJob is the payload variant for the webhook-delivery job class.
type WebhookJob struct {
	TenantID  string          `json:"tenant_id"`
	ID        string          `json:"id"`
	URL       string          `json:"url"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AnalyticsJob is the payload variant for the analytics job class.
type AnalyticsJob struct {
	TenantID  string    `json:"tenant_id"`
	ID        string    `json:"id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// DeliveryAttemptResult is the ephemeral outcome of one delivery attempt.
// It exists only for the duration of one job's processing and is folded into
// the persisted send-log row by the audit recorder.
type DeliveryAttemptResult struct {
	Success   bool
	MessageID string
	MXHost    string
	ErrorCode ErrorCode
	Duration  time.Duration
}

// AuditEvent is emitted once per terminal job outcome for the external
// analytics/audit subsystem. Delivery is best-effort: a failure to record
// never alters the job's own terminal state.
type AuditEvent struct {
	TenantID   string    `json:"tenant_id"`
	JobID      string    `json:"job_id"`
	Domain     string    `json:"domain"`
	Outcome    JobState  `json:"outcome"`
	DurationMs int64     `json:"duration_ms"`
	ErrorCode  ErrorCode `json:"error_code,omitempty"`
	MXHost     string    `json:"mx_host,omitempty"`
	At         time.Time `json:"at"`
}
