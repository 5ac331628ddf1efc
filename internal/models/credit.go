package models

import (
	"encoding/json"
	"time"
)

// Credit entry kinds.
const (
	CreditKindRecharge = "recharge"
	CreditKindConsume  = "consume"
	CreditKindExpire   = "expire"
)

// Credit entry statuses. Only consume entries ever sit in pending.
const (
	CreditStatusPending   = "pending"
	CreditStatusConfirmed = "confirmed"
	CreditStatusRefunded  = "refunded"
)

// CreditEntry is one append-only ledger row. Credits is signed: negative for
// consume/expire, positive for recharge. Exactly one of AccountID/AnonID is
// set for consume entries; recharge and expire always carry AccountID.
type CreditEntry struct {
	ID        int64           `json:"id"`
	AccountID *int64          `json:"account_id,omitempty"`
	AnonID    *string         `json:"anon_id,omitempty"`
	Kind      string          `json:"kind"`
	Status    string          `json:"status"`
	Credits   int64           `json:"credits"`
	RefID     *string         `json:"ref_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
