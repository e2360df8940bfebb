package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subColumns = `id, tenant_id, plan, active_addons, user_count, status,
	is_trial, trial_ends_at, period_start, period_end,
	pending_plan, pending_user_limit, pending_effective_at,
	last_renewal_at, failed_renewal_attempts, grace_period_until,
	version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Subscription) error {
	s.Version = 1
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, s.ID, s.TenantID, s.Plan, pq.Array(s.ActiveAddons), s.UserCount, string(s.Status),
		s.IsTrial, s.TrialEndsAt, s.PeriodStart, s.PeriodEnd,
		pendingPlan(s), pendingUserLimit(s), pendingEffectiveAt(s),
		s.LastRenewalAt, s.FailedRenewalAttempts, s.GracePeriodUntil,
		s.Version, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		// 23505 = unique_violation (one subscription per tenant)
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+subColumns+` FROM subscriptions WHERE id = $1
	`, id)
	return scanSub(row)
}

func (p *PostgresStore) GetByTenant(ctx context.Context, tenantID string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+subColumns+` FROM subscriptions WHERE tenant_id = $1
	`, tenantID)
	return scanSub(row)
}

func (p *PostgresStore) Update(ctx context.Context, s *Subscription) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET plan = $2, active_addons = $3, user_count = $4, status = $5,
		    is_trial = $6, trial_ends_at = $7, period_start = $8, period_end = $9,
		    pending_plan = $10, pending_user_limit = $11, pending_effective_at = $12,
		    last_renewal_at = $13, failed_renewal_attempts = $14, grace_period_until = $15,
		    version = version + 1, updated_at = $16
		WHERE id = $1 AND version = $17
	`, s.ID, s.Plan, pq.Array(s.ActiveAddons), s.UserCount, string(s.Status),
		s.IsTrial, s.TrialEndsAt, s.PeriodStart, s.PeriodEnd,
		pendingPlan(s), pendingUserLimit(s), pendingEffectiveAt(s),
		s.LastRenewalAt, s.FailedRenewalAttempts, s.GracePeriodUntil,
		s.UpdatedAt, s.Version)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, s.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}
		if !exists {
			return ErrSubscriptionNotFound
		}
		return ErrVersionConflict
	}
	s.Version++
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE is_trial = false
		  AND status IN ('active', 'past_due')
		  AND period_end <= $1
		ORDER BY id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func pendingPlan(s *Subscription) sql.NullString {
	if s.Pending == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: s.Pending.Plan, Valid: true}
}

func pendingUserLimit(s *Subscription) sql.NullInt64 {
	if s.Pending == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(s.Pending.UserLimit), Valid: true}
}

func pendingEffectiveAt(s *Subscription) sql.NullTime {
	if s.Pending == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: s.Pending.EffectiveAt, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSub(row rowScanner) (*Subscription, error) {
	var (
		s           Subscription
		status      string
		addons      pq.StringArray
		pendPlan    sql.NullString
		pendLimit   sql.NullInt64
		pendAt      sql.NullTime
		trialEndsAt sql.NullTime
		lastRenewal sql.NullTime
		graceUntil  sql.NullTime
	)
	err := row.Scan(&s.ID, &s.TenantID, &s.Plan, &addons, &s.UserCount, &status,
		&s.IsTrial, &trialEndsAt, &s.PeriodStart, &s.PeriodEnd,
		&pendPlan, &pendLimit, &pendAt,
		&lastRenewal, &s.FailedRenewalAttempts, &graceUntil,
		&s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	s.Status = Status(status)
	s.ActiveAddons = []string(addons)
	if pendPlan.Valid && pendAt.Valid {
		s.Pending = &PendingChange{
			Plan:        pendPlan.String,
			UserLimit:   int(pendLimit.Int64),
			EffectiveAt: pendAt.Time,
		}
	}
	if trialEndsAt.Valid {
		s.TrialEndsAt = &trialEndsAt.Time
	}
	if lastRenewal.Valid {
		s.LastRenewalAt = &lastRenewal.Time
	}
	if graceUntil.Valid {
		s.GracePeriodUntil = &graceUntil.Time
	}
	return &s, nil
}

var _ Store = (*PostgresStore)(nil)
