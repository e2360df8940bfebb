package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/crewlyhq/crewly-billing/internal/pagination"
)

// PostgresStore persists payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a payment store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var ref sql.NullString
	if p.GatewayTxnRef != "" {
		ref = sql.NullString{String: p.GatewayTxnRef, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, tenant_id, subscription_id, amount_cents, currency,
			status, operation, gateway_txn_ref, metadata, created_at, finalized_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.TenantID, p.SubscriptionID, p.AmountCents, p.Currency,
		p.Status, p.Operation, ref, meta, p.CreatedAt, p.FinalizedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateRef
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	return s.getBy(ctx, "id = $1", id)
}

func (s *PostgresStore) GetByTxnRef(ctx context.Context, ref string) (*Payment, error) {
	return s.getBy(ctx, "gateway_txn_ref = $1", ref)
}

func (s *PostgresStore) getBy(ctx context.Context, where string, arg any) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, subscription_id, amount_cents, currency,
		       status, operation, gateway_txn_ref, metadata, created_at, finalized_at
		FROM payments
		WHERE `+where, arg)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) AttachTxnRef(ctx context.Context, id, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET gateway_txn_ref = $1 WHERE id = $2`, ref, id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateRef
		}
		return fmt.Errorf("attach txn ref: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// MarkTerminal relies on the WHERE status = 'pending' guard for its
// first-writer-wins semantics: the row is updated at most once.
func (s *PostgresStore) MarkTerminal(ctx context.Context, id string, status Status, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, finalized_at = $2
		WHERE id = $3 AND status = 'pending'`,
		status, at, id,
	)
	if err != nil {
		return false, fmt.Errorf("finalize payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize payment: %w", err)
	}
	if n == 0 {
		// Either already terminal or missing. Distinguish for the caller.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return false, fmt.Errorf("finalize payment: %w", err)
		}
		if !exists {
			return false, ErrPaymentNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) FindPendingRenewal(ctx context.Context, subscriptionID string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, subscription_id, amount_cents, currency,
		       status, operation, gateway_txn_ref, metadata, created_at, finalized_at
		FROM payments
		WHERE subscription_id = $1 AND operation = 'renewal' AND status = 'pending'
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, subscriptionID)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find pending renewal: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, cursor *pagination.Cursor, limit int) ([]*Payment, error) {
	query := `
		SELECT id, tenant_id, subscription_id, amount_cents, currency,
		       status, operation, gateway_txn_ref, metadata, created_at, finalized_at
		FROM payments
		WHERE tenant_id = $1`
	args := []any{tenantID}

	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*Payment, error) {
	var (
		p    Payment
		ref  sql.NullString
		meta []byte
		fin  sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.TenantID, &p.SubscriptionID, &p.AmountCents, &p.Currency,
		&p.Status, &p.Operation, &ref, &meta, &p.CreatedAt, &fin,
	)
	if err != nil {
		return nil, err
	}
	p.GatewayTxnRef = ref.String
	if fin.Valid {
		t := fin.Time
		p.FinalizedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &p, nil
}

var _ Store = (*PostgresStore)(nil)
