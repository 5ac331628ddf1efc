package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/narrata/backend/internal/models"
)

const orderColumns = "id, session_id, account_id, auth_user_id, email, price_id, tier, credits, amount_cents, currency, state, extra, paid_at, created_at, updated_at"

type OrderRepo struct {
	pool *pgxpool.Pool
}

func NewOrderRepo(pool *pgxpool.Pool) *OrderRepo {
	return &OrderRepo{pool: pool}
}

func (r *OrderRepo) Create(ctx context.Context, o *models.Order) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO orders (session_id, account_id, auth_user_id, email, price_id, tier, credits, amount_cents, currency, state, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, coalesce($11, '{}'::jsonb))
		RETURNING id, created_at, updated_at
	`, o.SessionID, o.AccountID, o.AuthUserID, o.Email, o.PriceID, o.Tier, o.Credits, o.AmountCents, o.Currency, o.State, o.Extra).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
}

// CreateIdempotent inserts unless an order for the session already exists.
// Returns false without error when another writer got there first.
func (r *OrderRepo) CreateIdempotent(ctx context.Context, o *models.Order) (bool, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO orders (session_id, account_id, auth_user_id, email, price_id, tier, credits, amount_cents, currency, state, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, coalesce($11, '{}'::jsonb))
		ON CONFLICT (session_id) DO NOTHING
		RETURNING id, created_at, updated_at
	`, o.SessionID, o.AccountID, o.AuthUserID, o.Email, o.PriceID, o.Tier, o.Credits, o.AmountCents, o.Currency, o.State, o.Extra).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *OrderRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	var o models.Order
	err := r.pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE session_id = $1
	`, sessionID).Scan(&o.ID, &o.SessionID, &o.AccountID, &o.AuthUserID, &o.Email, &o.PriceID, &o.Tier, &o.Credits, &o.AmountCents, &o.Currency, &o.State, &o.Extra, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// MarkPaid transitions pending -> paid and merges patch into extra.
// Returns false when the order was not pending (lost race or terminal state).
func (r *OrderRepo) MarkPaid(ctx context.Context, sessionID string, patch []byte) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders SET state = 'paid', paid_at = now(), extra = extra || $2, updated_at = now()
		WHERE session_id = $1 AND state = 'pending'
	`, sessionID, patch)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetState transitions pending -> state (failed/disputed) and merges patch.
func (r *OrderRepo) SetState(ctx context.Context, sessionID, state string, patch []byte) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders SET state = $2, extra = extra || $3, updated_at = now()
		WHERE session_id = $1 AND state = 'pending'
	`, sessionID, state, patch)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AppendExtra merges patch into the audit trail of a still-pending order.
func (r *OrderRepo) AppendExtra(ctx context.Context, sessionID string, patch []byte) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE orders SET extra = extra || $2, updated_at = now()
		WHERE session_id = $1 AND state = 'pending'
	`, sessionID, patch)
	return err
}

func (r *OrderRepo) ListByAuthUserID(ctx context.Context, authUserID string, limit, offset int) ([]*models.Order, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE auth_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, authUserID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.SessionID, &o.AccountID, &o.AuthUserID, &o.Email, &o.PriceID, &o.Tier, &o.Credits, &o.AmountCents, &o.Currency, &o.State, &o.Extra, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &o)
	}
	return list, rows.Err()
}
