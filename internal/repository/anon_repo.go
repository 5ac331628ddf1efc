package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/narrata/backend/internal/models"
)

type AnonRepo struct {
	pool *pgxpool.Pool
}

func NewAnonRepo(pool *pgxpool.Pool) *AnonRepo {
	return &AnonRepo{pool: pool}
}

// GetOrCreate inserts the visitor row if absent and returns the current one.
func (r *AnonRepo) GetOrCreate(ctx context.Context, u *models.AnonUsage) (*models.AnonUsage, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO anon_usage (anon_id, ip_hash, ip_subnet_hash, user_agent, fingerprint)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (anon_id) DO NOTHING
	`, u.AnonID, u.IPHash, u.IPSubnetHash, u.UserAgent, u.Fingerprint)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, u.AnonID)
}

func (r *AnonRepo) Get(ctx context.Context, anonID string) (*models.AnonUsage, error) {
	var u models.AnonUsage
	err := r.pool.QueryRow(ctx, `
		SELECT anon_id, usage_count, ip_hash, ip_subnet_hash, user_agent, fingerprint, last_used_at, created_at, updated_at
		FROM anon_usage WHERE anon_id = $1
	`, anonID).Scan(&u.AnonID, &u.UsageCount, &u.IPHash, &u.IPSubnetHash, &u.UserAgent, &u.Fingerprint, &u.LastUsedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Consume atomically increments usage_count while it is below ceiling and
// returns the new count. Returns pgx.ErrNoRows when the quota is exhausted
// (or the visitor row does not exist).
func (r *AnonRepo) Consume(ctx context.Context, anonID string, ceiling int) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		UPDATE anon_usage SET usage_count = usage_count + 1, last_used_at = now(), updated_at = now()
		WHERE anon_id = $1 AND usage_count < $2
		RETURNING usage_count
	`, anonID, ceiling).Scan(&count)
	return count, err
}
