package store

import (
	"context"
	"errors"
	"time"

	"github.com/docgate-service/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrKeyExists = errors.New("api key id already exists")
)

// APIKeyStore is the authoritative, shared key registry.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*model.APIKey, error)
	SetAPIKeyActive(ctx context.Context, id string, active bool) error
	RecordUsage(ctx context.Context, id, owner string, at time.Time) error
	ListAPIKeysByOwner(ctx context.Context, owner string) ([]*model.APIKey, error)
	UsageHistory(ctx context.Context, owner string, hours int, now time.Time) ([]model.UsagePoint, error)
}

// APIKeyArchive keeps a durable copy of key metadata after the shared record
// expires.
type APIKeyArchive interface {
	ArchiveAPIKey(ctx context.Context, key *model.APIKey) error
	MarkAPIKeyRevoked(ctx context.Context, id string, at time.Time) error
	GetArchivedAPIKey(ctx context.Context, id string) (*model.APIKey, error)
}

// AuditLogStore records admission events.
type AuditLogStore interface {
	CreateAdmissionEvent(ctx context.Context, event *model.AdmissionEvent) error
	ListAdmissionEvents(ctx context.Context, filters EventFilters) ([]*model.AdmissionEvent, int, error)
}

type EventFilters struct {
	Kind     *model.EventKind
	ClientIP string
	APIKeyID string
	From     *time.Time
	To       *time.Time
	Page     int
	PerPage  int
}
