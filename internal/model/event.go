package model

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventAuthFailed  EventKind = "auth_failed"
	EventDenied      EventKind = "denied"
	EventKeyCreated  EventKind = "key_created"
	EventKeyRevoked  EventKind = "key_revoked"
	EventIPBlocked   EventKind = "ip_blocked"
	EventIPUnblocked EventKind = "ip_unblocked"
)

// AdmissionEvent is an audit record of an admission-layer decision.
type AdmissionEvent struct {
	ID         uuid.UUID `json:"id"`
	Kind       EventKind `json:"kind"`
	Identity   string    `json:"identity,omitempty"`
	APIKeyID   string    `json:"api_key_id,omitempty"`
	ClientIP   string    `json:"client_ip,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
