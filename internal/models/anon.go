package models

import (
	"encoding/json"
	"time"
)

// AnonUsage tracks free-trial consumption for one anonymous visitor,
// keyed by the derived fingerprint id.
type AnonUsage struct {
	AnonID       string          `json:"anon_id"`
	UsageCount   int             `json:"usage_count"`
	IPHash       *string         `json:"-"`
	IPSubnetHash *string         `json:"-"`
	UserAgent    *string         `json:"-"`
	Fingerprint  json.RawMessage `json:"-"`
	LastUsedAt   *time.Time      `json:"last_used_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
