package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/docgate-service/internal/model"
	"github.com/docgate-service/internal/store"
)

const auditWriteTimeout = 500 * time.Millisecond

// Auditor logs admission events and, when a store is configured, persists
// them. A nil *Auditor only logs.
type Auditor struct {
	store store.AuditLogStore
}

func NewAuditor(s store.AuditLogStore) *Auditor {
	return &Auditor{store: s}
}

// Enabled reports whether events are persisted.
func (a *Auditor) Enabled() bool {
	return a != nil && a.store != nil
}

// Record writes event. Persistence failures are logged, never returned.
func (a *Auditor) Record(ctx context.Context, event model.AdmissionEvent) {
	log.Info().
		Str("kind", string(event.Kind)).
		Str("identity", event.Identity).
		Str("api_key_id", event.APIKeyID).
		Str("client_ip", event.ClientIP).
		Str("reason", event.Reason).
		Msg("admission event")

	if !a.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := a.store.CreateAdmissionEvent(ctx, &event); err != nil {
		log.Error().Err(err).Str("kind", string(event.Kind)).Msg("failed to persist admission event")
	}
}

func (a *Auditor) List(ctx context.Context, filters store.EventFilters) ([]*model.AdmissionEvent, int, error) {
	if !a.Enabled() {
		return nil, 0, NewUnavailable("audit_disabled", "Audit log is not configured")
	}
	events, total, err := a.store.ListAdmissionEvents(ctx, filters)
	if err != nil {
		log.Error().Err(err).Msg("failed to list admission events")
		return nil, 0, NewInternal("internal_error", "Failed to list events")
	}
	return events, total, nil
}
