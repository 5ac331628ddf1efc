package models

import "time"

// UserAccount is a provisioned user with a spendable credit balance.
// AuthUserID is the identity collaborator's user id; the bigint ID is ours.
type UserAccount struct {
	ID          int64      `json:"id"`
	AuthUserID  string     `json:"auth_user_id"`
	Email       *string    `json:"email,omitempty"`
	DisplayName *string    `json:"display_name,omitempty"`
	Balance     int64      `json:"balance"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	DeletedAt   *time.Time `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
