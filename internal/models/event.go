package models

import (
	"encoding/json"
	"time"
)

// PaymentEvent is one raw payment provider notification, logged as received.
type PaymentEvent struct {
	ID             int64           `json:"id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	EventCreatedAt *time.Time      `json:"event_created_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
