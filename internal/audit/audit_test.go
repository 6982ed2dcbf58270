package audit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/parcelpost/relay/internal/audit"
	"github.com/parcelpost/relay/internal/domain"
)

func testEvent() domain.AuditEvent {
	return domain.AuditEvent{
		TenantID:   "42",
		JobID:      "job-1",
		Domain:     "example.com",
		Outcome:    "delivered",
		DurationMs: 120,
		MXHost:     "mx1.destination.test",
		At:         time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestPostgresRecorderInserts(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO send_log").
		WithArgs("42", "job-1", "example.com", "delivered", int64(120), nil, "mx1.destination.test", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	audit.NewPostgresRecorder(db).Record(context.Background(), testEvent())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresRecorderSwallowsErrors(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO send_log").
		WillReturnError(context.DeadlineExceeded)

	// Must not panic or propagate; audit is best-effort.
	audit.NewPostgresRecorder(db).Record(context.Background(), testEvent())
}

func TestWebhookAlerterPosts(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	event := testEvent()
	event.Outcome = "failed"
	event.ErrorCode = domain.ErrCodeDKIMConfigMissing

	audit.NewWebhookAlerter(srv.URL, time.Second).Alert(context.Background(), event)

	select {
	case body := <-received:
		if body["severity"] != "high" {
			t.Errorf("expected high severity, got %v", body["severity"])
		}
		if body["error_code"] != string(domain.ErrCodeDKIMConfigMissing) {
			t.Errorf("unexpected error code: %v", body["error_code"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the alert")
	}
}

func TestWebhookAlerterRetriesTransientFailure(t *testing.T) {
	var calls int
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		received <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	audit.NewWebhookAlerter(srv.URL, 5*time.Second).Alert(context.Background(), testEvent())

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("alert was not retried after a 503")
	}
}

func TestWebhookAlerterNoURLIsNoop(t *testing.T) {
	audit.NewWebhookAlerter("", time.Second).Alert(context.Background(), testEvent())
}
