package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestPostgresGetTenant(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT plan, active`).
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows([]string{"plan", "active", "last_activity"}).
			AddRow("growth", true, time.Now()))
	mock.ExpectQuery(`FROM plan_limits`).
		WithArgs("growth").
		WillReturnRows(sqlmock.NewRows([]string{"emails_per_day", "emails_per_month", "max_domains", "api_calls_per_hour"}).
			AddRow(5000, 100000, 10, 10000))
	mock.ExpectQuery(`FROM tenant_rate_limits`).
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows([]string{"per_minute", "per_hour", "per_day"}).
			AddRow(100, 2000, 20000))

	repo := NewPostgresRepository(db)
	rec, err := repo.GetTenant(context.Background(), "42")
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if !rec.Active {
		t.Error("expected active tenant")
	}
	if rec.Limits.EmailsPerDay != 5000 {
		t.Errorf("emails_per_day = %d, want 5000", rec.Limits.EmailsPerDay)
	}
	if rec.RateLimits.PerHour != 2000 {
		t.Errorf("per_hour = %d, want 2000", rec.RateLimits.PerHour)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresGetTenantNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT plan, active`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"plan", "active", "last_activity"}))

	repo := NewPostgresRepository(db)
	_, err = repo.GetTenant(context.Background(), "ghost")
	if err != ErrTenantNotFound {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
}

func TestPostgresDegradesToDefaultLimits(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT plan, active`).
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows([]string{"plan", "active", "last_activity"}).
			AddRow("free", true, time.Now()))
	// Optional tables are missing in this deployment
	mock.ExpectQuery(`FROM plan_limits`).
		WillReturnError(&pq.Error{Code: "42P01"})
	mock.ExpectQuery(`FROM tenant_rate_limits`).
		WillReturnError(&pq.Error{Code: "42P01"})

	repo := NewPostgresRepository(db)
	rec, err := repo.GetTenant(context.Background(), "42")
	if err != nil {
		t.Fatalf("get tenant should degrade, got: %v", err)
	}
	if rec.Limits.EmailsPerDay != 100 {
		t.Errorf("expected default daily limit 100, got %d", rec.Limits.EmailsPerDay)
	}
}

func TestPostgresSendCountMissingTable(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`FROM send_log`).
		WillReturnError(&pq.Error{Code: "42P01"})

	repo := NewPostgresRepository(db)
	count, err := repo.SendCountSince(context.Background(), "42", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("send count should degrade, got: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}
