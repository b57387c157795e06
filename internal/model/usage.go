package model

import "time"

// UsagePoint is the request count for one owner in one clock hour.
type UsagePoint struct {
	Hour     time.Time `json:"hour"`
	Requests int64     `json:"requests"`
}

// KeySummary is the listing view of an API key. The credential is masked.
type KeySummary struct {
	ID          string     `json:"id"`
	Masked      string     `json:"key"`
	Role        Role       `json:"role"`
	Class       KeyClass   `json:"key_class"`
	Active      bool       `json:"active"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	UsageCount  int64      `json:"usage_count"`
	LastUsedAt  *time.Time `json:"last_used_at"`
}

// UsageReport summarises an owner's keys and recent traffic.
type UsageReport struct {
	Owner         string       `json:"owner"`
	Keys          []KeySummary `json:"keys"`
	History       []UsagePoint `json:"history"`
	TotalRequests int64        `json:"total_requests"`
}
