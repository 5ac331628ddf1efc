package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/narrata/backend/internal/models"
)

type UsageRepo struct {
	pool *pgxpool.Pool
}

func NewUsageRepo(pool *pgxpool.Pool) *UsageRepo {
	return &UsageRepo{pool: pool}
}

func (r *UsageRepo) Create(ctx context.Context, u *models.UsageRecord) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO usage_records (account_id, auth_user_id, anon_id, image_url, user_prompt, narration, request_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`, u.AccountID, u.AuthUserID, u.AnonID, u.ImageURL, u.UserPrompt, u.Narration, u.RequestID, u.Status).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
}

// ListByAuthUserID returns a page of the user's active records plus the
// total active count.
func (r *UsageRepo) ListByAuthUserID(ctx context.Context, authUserID string, limit, offset int) ([]*models.UsageRecord, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM usage_records WHERE auth_user_id = $1 AND status = 'active'
	`, authUserID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, auth_user_id, anon_id, image_url, user_prompt, narration, request_id, status, created_at, updated_at
		FROM usage_records
		WHERE auth_user_id = $1 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, authUserID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var list []*models.UsageRecord
	for rows.Next() {
		var u models.UsageRecord
		if err := rows.Scan(&u.ID, &u.AccountID, &u.AuthUserID, &u.AnonID, &u.ImageURL, &u.UserPrompt, &u.Narration, &u.RequestID, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, 0, err
		}
		list = append(list, &u)
	}
	return list, total, rows.Err()
}

// SoftDelete marks a record deleted, only for its owner. Returns false when
// the record is missing, already deleted, or owned by someone else.
func (r *UsageRepo) SoftDelete(ctx context.Context, id int64, authUserID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE usage_records SET status = 'deleted', updated_at = now()
		WHERE id = $1 AND auth_user_id = $2 AND status = 'active'
	`, id, authUserID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
