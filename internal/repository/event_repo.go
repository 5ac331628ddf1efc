package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/narrata/backend/internal/models"
)

type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

func (r *EventRepo) Create(ctx context.Context, e *models.PaymentEvent) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO payment_events (event_id, event_type, payload, event_created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, e.EventID, e.EventType, e.Payload, e.EventCreatedAt).Scan(&e.ID, &e.CreatedAt)
}
