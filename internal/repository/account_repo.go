package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/narrata/backend/internal/models"
)

const accountColumns = "id, auth_user_id, email, display_name, balance, expires_at, deleted_at, created_at, updated_at"

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func scanAccount(row pgx.Row) (*models.UserAccount, error) {
	var a models.UserAccount
	err := row.Scan(&a.ID, &a.AuthUserID, &a.Email, &a.DisplayName, &a.Balance, &a.ExpiresAt, &a.DeletedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetOrCreate inserts an account for the external user id if none exists,
// then returns the current row. Safe under concurrent provisioning.
func (r *AccountRepo) GetOrCreate(ctx context.Context, authUserID string, email, displayName *string) (*models.UserAccount, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_accounts (auth_user_id, email, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (auth_user_id) DO NOTHING
	`, authUserID, email, displayName)
	if err != nil {
		return nil, err
	}
	return r.GetByAuthUserID(ctx, authUserID)
}

func (r *AccountRepo) GetByAuthUserID(ctx context.Context, authUserID string) (*models.UserAccount, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM user_accounts WHERE auth_user_id = $1
	`, authUserID))
}

func (r *AccountRepo) GetByID(ctx context.Context, id int64) (*models.UserAccount, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM user_accounts WHERE id = $1
	`, id))
}

// UpdateProfile sets email and display name. Returns false when no account
// exists for the external user id.
func (r *AccountRepo) UpdateProfile(ctx context.Context, authUserID string, email, displayName *string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_accounts SET email = $2, display_name = $3, updated_at = now()
		WHERE auth_user_id = $1
	`, authUserID, email, displayName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SoftDelete marks the account deleted. The row and its ledger history stay.
func (r *AccountRepo) SoftDelete(ctx context.Context, authUserID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_accounts SET deleted_at = now(), updated_at = now()
		WHERE auth_user_id = $1 AND deleted_at IS NULL
	`, authUserID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetByIDForUpdate locks the account row for update. Call within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*models.UserAccount, error) {
	return scanAccount(tx.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM user_accounts WHERE id = $1 FOR UPDATE
	`, id))
}

// ReserveBalance atomically decrements balance if it covers amount.
// Returns pgx.ErrNoRows when the balance is insufficient.
func (r *AccountRepo) ReserveBalance(ctx context.Context, tx pgx.Tx, id int64, amount int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE user_accounts SET balance = balance - $1, updated_at = now()
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	return newBalance, err
}

// RestoreBalance adds amount back after a refunded reservation.
func (r *AccountRepo) RestoreBalance(ctx context.Context, tx pgx.Tx, id int64, amount int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE user_accounts SET balance = balance + $1, updated_at = now()
		WHERE id = $2
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	return newBalance, err
}

// AddBalance credits the account and pushes expiry forward, never backward.
// A NULL expires_at (never expires) only moves forward too: recharges always
// leave the account expiring no earlier than $2.
func (r *AccountRepo) AddBalance(ctx context.Context, tx pgx.Tx, id int64, amount int64, expiresAt time.Time) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE user_accounts
		SET balance = balance + $1,
		    expires_at = GREATEST(coalesce(expires_at, 'epoch'::timestamptz), $2),
		    updated_at = now()
		WHERE id = $3
		RETURNING balance
	`, amount, expiresAt, id).Scan(&newBalance)
	return newBalance, err
}

// ZeroBalance empties the account after expiry. Call after GetByIDForUpdate.
func (r *AccountRepo) ZeroBalance(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE user_accounts SET balance = 0, updated_at = now() WHERE id = $1
	`, id)
	return err
}

// ListExpired returns accounts whose credits lapsed with balance remaining.
func (r *AccountRepo) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*models.UserAccount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+accountColumns+` FROM user_accounts
		WHERE expires_at IS NOT NULL AND expires_at < $1 AND balance > 0
		ORDER BY expires_at
		LIMIT $2
	`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.UserAccount
	for rows.Next() {
		var a models.UserAccount
		if err := rows.Scan(&a.ID, &a.AuthUserID, &a.Email, &a.DisplayName, &a.Balance, &a.ExpiresAt, &a.DeletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &a)
	}
	return list, rows.Err()
}
