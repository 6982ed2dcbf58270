// Package audit records terminal job outcomes and forwards high-severity
// misconfiguration signals to the alerting webhook. Both paths are
// best-effort: a sink failure is logged and never alters a job's own
// outcome.
package audit

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/parcelpost/relay/internal/domain"
	"github.com/parcelpost/relay/internal/pkg/httpretry"
	"github.com/parcelpost/relay/internal/pkg/logger"
)

// Recorder persists one event per terminal job outcome.
type Recorder interface {
	Record(ctx context.Context, event domain.AuditEvent)
}

// Alerter forwards operator-action-required failures.
type Alerter interface {
	Alert(ctx context.Context, event domain.AuditEvent)
}

// PostgresRecorder writes audit events to the send_log table, the same
// table the tenant provider reads daily usage counts from.
type PostgresRecorder struct {
	db *sql.DB
}

func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

func (r *PostgresRecorder) Record(ctx context.Context, event domain.AuditEvent) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO send_log (tenant_id, job_id, domain, outcome, duration_ms, error_code, mx_host, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.TenantID, event.JobID, event.Domain, event.Outcome,
		event.DurationMs, nullable(string(event.ErrorCode)), nullable(event.MXHost), event.At,
	)
	if err != nil {
		logger.Error("audit record failed",
			"tenant", event.TenantID, "job", event.JobID, "error", err.Error())
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// WebhookAlerter posts alert events as JSON to a configured endpoint.
// Transient endpoint failures are retried with backoff inside the overall
// alert timeout.
type WebhookAlerter struct {
	url     string
	client  httpretry.HTTPDoer
	timeout time.Duration
}

func NewWebhookAlerter(url string, timeout time.Duration) *WebhookAlerter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retrying := httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 2)
	retrying.SetBackoff(200*time.Millisecond, 2*time.Second)
	return &WebhookAlerter{
		url:     url,
		client:  retrying,
		timeout: timeout,
	}
}

type alertPayload struct {
	Severity  string `json:"severity"`
	TenantID  string `json:"tenant_id"`
	JobID     string `json:"job_id"`
	Domain    string `json:"domain"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	At        string `json:"at"`
}

func (a *WebhookAlerter) Alert(ctx context.Context, event domain.AuditEvent) {
	if a.url == "" {
		return
	}

	body, err := json.Marshal(alertPayload{
		Severity:  "high",
		TenantID:  event.TenantID,
		JobID:     event.JobID,
		Domain:    event.Domain,
		ErrorCode: string(event.ErrorCode),
		Message:   fmt.Sprintf("signing configuration problem for tenant %s domain %s", event.TenantID, event.Domain),
		At:        event.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Error("alert encode failed", "tenant", event.TenantID, "error", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		logger.Error("alert request failed", "tenant", event.TenantID, "error", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		logger.Error("alert post failed", "tenant", event.TenantID, "url", a.url, "error", err.Error())
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Error("alert endpoint rejected event",
			"tenant", event.TenantID, "status", resp.StatusCode)
	}
}

// NopAlerter discards alerts, used when no webhook is configured.
type NopAlerter struct{}

func (NopAlerter) Alert(context.Context, domain.AuditEvent) {}
