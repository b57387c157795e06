package store

import (
	"context"
	"fmt"

	"github.com/docgate-service/internal/model"
)

func (p *Postgres) CreateAdmissionEvent(ctx context.Context, event *model.AdmissionEvent) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO admission_events (
			kind, identity, api_key_id, client_ip, reason, retry_after
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`,
		event.Kind, nullString(event.Identity), nullString(event.APIKeyID),
		nullString(event.ClientIP), nullString(event.Reason), event.RetryAfter,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert admission_event: %w", err)
	}
	return nil
}

func (p *Postgres) ListAdmissionEvents(ctx context.Context, filters EventFilters) ([]*model.AdmissionEvent, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	if filters.Kind != nil {
		where += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, *filters.Kind)
		argIdx++
	}
	if filters.ClientIP != "" {
		where += fmt.Sprintf(" AND client_ip = $%d", argIdx)
		args = append(args, filters.ClientIP)
		argIdx++
	}
	if filters.APIKeyID != "" {
		where += fmt.Sprintf(" AND api_key_id = $%d", argIdx)
		args = append(args, filters.APIKeyID)
		argIdx++
	}
	if filters.From != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filters.From)
		argIdx++
	}
	if filters.To != nil {
		where += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *filters.To)
		argIdx++
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM admission_events %s", where)
	if err := p.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count admission_events: %w", err)
	}

	page := filters.Page
	if page < 1 {
		page = 1
	}
	perPage := filters.PerPage
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	offset := (page - 1) * perPage

	args = append(args, perPage, offset)
	query := fmt.Sprintf(`
		SELECT id, kind, identity, api_key_id, client_ip, reason, retry_after, created_at
		FROM admission_events %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, argIdx, argIdx+1)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list admission_events: %w", err)
	}
	defer rows.Close()

	var events []*model.AdmissionEvent
	for rows.Next() {
		var e model.AdmissionEvent
		var identity, keyID, clientIP, reason *string

		err := rows.Scan(&e.ID, &e.Kind, &identity, &keyID, &clientIP, &reason, &e.RetryAfter, &e.CreatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("scan admission_event: %w", err)
		}
		e.Identity = deref(identity)
		e.APIKeyID = deref(keyID)
		e.ClientIP = deref(clientIP)
		e.Reason = deref(reason)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list admission_events: %w", err)
	}
	return events, total, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
