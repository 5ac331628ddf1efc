package models

import "time"

// Usage record statuses. Deletion is soft: status flips, the row stays.
const (
	UsageStatusActive  = "active"
	UsageStatusDeleted = "deleted"
)

// UsageRecord is the audit row written after a narration is delivered.
type UsageRecord struct {
	ID         int64     `json:"id"`
	AccountID  *int64    `json:"account_id,omitempty"`
	AuthUserID *string   `json:"auth_user_id,omitempty"`
	AnonID     *string   `json:"anon_id,omitempty"`
	ImageURL   string    `json:"image_url"`
	UserPrompt *string   `json:"user_prompt,omitempty"`
	Narration  string    `json:"narration"`
	RequestID  *string   `json:"request_id,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
