package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/narrata/backend/internal/models"
)

type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

func (r *CreditRepo) Create(ctx context.Context, e *models.CreditEntry) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO credit_entries (account_id, anon_id, kind, status, credits, ref_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, e.AccountID, e.AnonID, e.Kind, e.Status, e.Credits, e.RefID, e.Metadata).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

// CreateTx inserts a ledger entry inside the given transaction. A duplicate
// (kind, ref_id) surfaces as a pgconn.PgError with code 23505.
func (r *CreditRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.CreditEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_entries (account_id, anon_id, kind, status, credits, ref_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, e.AccountID, e.AnonID, e.Kind, e.Status, e.Credits, e.RefID, e.Metadata).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

// CreateIdempotentTx inserts unless an entry with the same (kind, ref_id)
// already exists. Returns false without error on the duplicate.
func (r *CreditRepo) CreateIdempotentTx(ctx context.Context, tx pgx.Tx, e *models.CreditEntry) (bool, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_entries (account_id, anon_id, kind, status, credits, ref_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (kind, ref_id) WHERE ref_id IS NOT NULL DO NOTHING
		RETURNING id, created_at, updated_at
	`, e.AccountID, e.AnonID, e.Kind, e.Status, e.Credits, e.RefID, e.Metadata).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *CreditRepo) GetByID(ctx context.Context, id int64) (*models.CreditEntry, error) {
	var e models.CreditEntry
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, anon_id, kind, status, credits, ref_id, metadata, created_at, updated_at
		FROM credit_entries WHERE id = $1
	`, id).Scan(&e.ID, &e.AccountID, &e.AnonID, &e.Kind, &e.Status, &e.Credits, &e.RefID, &e.Metadata, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Confirm flips a pending consume entry to confirmed. Returns false when the
// entry was already settled (or never existed).
func (r *CreditRepo) Confirm(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE credit_entries SET status = 'confirmed', updated_at = now()
		WHERE id = $1 AND status = 'pending' AND kind = 'consume'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RefundTx flips a pending consume entry to refunded and records the reason.
// Returns pgx.ErrNoRows when the entry is not refundable; the caller restores
// the balance from the returned row in the same transaction.
func (r *CreditRepo) RefundTx(ctx context.Context, tx pgx.Tx, id int64, patch []byte) (*models.CreditEntry, error) {
	var e models.CreditEntry
	err := tx.QueryRow(ctx, `
		UPDATE credit_entries
		SET status = 'refunded',
		    metadata = coalesce(metadata, '{}'::jsonb) || $2,
		    updated_at = now()
		WHERE id = $1 AND status = 'pending' AND kind = 'consume'
		RETURNING id, account_id, anon_id, credits
	`, id, patch).Scan(&e.ID, &e.AccountID, &e.AnonID, &e.Credits)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CountRecentByAnon counts consume entries for an anonymous id since the
// given time. Used for trial rate limiting.
func (r *CreditRepo) CountRecentByAnon(ctx context.Context, anonID string, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM credit_entries
		WHERE anon_id = $1 AND kind = 'consume' AND created_at > $2
	`, anonID, since).Scan(&n)
	return n, err
}

// ListStalePending returns ids of account-backed consume entries that have
// sat in pending past olderThan.
func (r *CreditRepo) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM credit_entries
		WHERE status = 'pending' AND kind = 'consume' AND account_id IS NOT NULL AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
