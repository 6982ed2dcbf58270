package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/parcelpost/relay/internal/domain"
)

// PostgresRepository reads tenant state from PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository over the given connection pool.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// undefinedTable is the PostgreSQL error code for a missing relation.
const undefinedTable = "42P01"

func isMissingTable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == undefinedTable
	}
	return false
}

// GetTenant returns the tenant row joined with its plan limits and
// rate-limit policy. Missing plan or rate-limit rows (or tables) degrade to
// defaults rather than failing the read.
func (r *PostgresRepository) GetTenant(ctx context.Context, tenantID string) (*TenantRecord, error) {
	rec := &TenantRecord{ID: tenantID}

	var lastActivity sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT plan, active, COALESCE(last_activity_at, created_at)
		FROM tenants
		WHERE id = $1
	`, tenantID).Scan(&rec.Plan, &rec.Active, &lastActivity)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", tenantID, err)
	}
	if lastActivity.Valid {
		rec.LastActivityAt = lastActivity.Time
	}

	rec.Limits = r.planLimits(ctx, rec.Plan)
	rec.RateLimits = r.rateLimits(ctx, tenantID)
	return rec, nil
}

func (r *PostgresRepository) planLimits(ctx context.Context, plan domain.PlanTier) domain.PlanLimits {
	limits := domain.DefaultPlanLimits
	err := r.db.QueryRowContext(ctx, `
		SELECT emails_per_day, emails_per_month, max_domains, api_calls_per_hour
		FROM plan_limits
		WHERE plan = $1
	`, plan).Scan(&limits.EmailsPerDay, &limits.EmailsPerMonth, &limits.MaxDomains, &limits.APICallsPerHour)
	if err != nil {
		// Missing row or table: run with defaults
		return domain.DefaultPlanLimits
	}
	return limits
}

func (r *PostgresRepository) rateLimits(ctx context.Context, tenantID string) domain.RateLimitPolicy {
	rl := domain.DefaultRateLimits
	err := r.db.QueryRowContext(ctx, `
		SELECT per_minute, per_hour, per_day
		FROM tenant_rate_limits
		WHERE tenant_id = $1
	`, tenantID).Scan(&rl.PerMinute, &rl.PerHour, &rl.PerDay)
	if err != nil {
		return domain.DefaultRateLimits
	}
	return rl
}

// ListVerifiedDomains returns all domains the tenant has completed
// verification for.
func (r *PostgresRepository) ListVerifiedDomains(ctx context.Context, tenantID string) ([]domain.VerifiedDomain, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT domain, spf_verified, dkim_verified, dmarc_verified,
		       COALESCE(selector, ''), COALESCE(last_verified_at, NOW())
		FROM verified_domains
		WHERE tenant_id = $1
		ORDER BY domain
	`, tenantID)
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list verified domains for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []domain.VerifiedDomain
	for rows.Next() {
		var d domain.VerifiedDomain
		if err := rows.Scan(&d.Domain, &d.SPFVerified, &d.DKIMVerified, &d.DMARCVerified,
			&d.Selector, &d.LastVerifiedAt); err != nil {
			return nil, fmt.Errorf("scan verified domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDKIMConfigs returns DKIM configurations, including incomplete rows.
func (r *PostgresRepository) ListDKIMConfigs(ctx context.Context, tenantID string) ([]domain.DKIMConfiguration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT d.id, d.domain, COALESCE(k.selector, ''), COALESCE(k.private_key, ''),
		       COALESCE(k.public_key, ''), COALESCE(k.active, false)
		FROM verified_domains d
		JOIN dkim_keys k ON k.domain_id = d.id
		WHERE d.tenant_id = $1
	`, tenantID)
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list dkim configs for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []domain.DKIMConfiguration
	for rows.Next() {
		var c domain.DKIMConfiguration
		if err := rows.Scan(&c.DomainID, &c.Domain, &c.Selector, &c.PrivateKey,
			&c.PublicKey, &c.Active); err != nil {
			return nil, fmt.Errorf("scan dkim config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SendCountSince counts delivered sends recorded in the send log since the
// given instant.
func (r *PostgresRepository) SendCountSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM send_log
		WHERE tenant_id = $1 AND outcome = 'delivered' AND created_at >= $2
	`, tenantID, since).Scan(&count)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("send count for %s: %w", tenantID, err)
	}
	return count, nil
}
