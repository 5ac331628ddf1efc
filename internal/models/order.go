package models

import (
	"encoding/json"
	"time"
)

// Order states. pending is the only non-terminal state; paid/failed/disputed
// are terminal and never transition again.
const (
	OrderStatePending  = "pending"
	OrderStatePaid     = "paid"
	OrderStateFailed   = "failed"
	OrderStateDisputed = "disputed"
)

// Order tracks one checkout session from initiation to reconciliation.
// Extra is an append-only jsonb audit trail (reconstruction marker, failure
// reasons, transient error notes).
type Order struct {
	ID          int64           `json:"id"`
	SessionID   string          `json:"session_id"`
	AccountID   *int64          `json:"account_id,omitempty"`
	AuthUserID  *string         `json:"auth_user_id,omitempty"`
	Email       *string         `json:"email,omitempty"`
	PriceID     string          `json:"price_id"`
	Tier        *string         `json:"tier,omitempty"`
	Credits     int64           `json:"credits"`
	AmountCents int64           `json:"amount_cents"`
	Currency    string          `json:"currency"`
	State       string          `json:"state"`
	Extra       json.RawMessage `json:"extra,omitempty"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
